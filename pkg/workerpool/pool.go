package workerpool

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/connexus-ai/entityrag/pkg/log"
)

// ErrPoolClosed is returned by Submit after Stop.
var ErrPoolClosed = errors.New("worker pool is closed")

// TaskFunc is one unit of work. Panics are captured on the Future and never
// kill a worker.
type TaskFunc func() (any, error)

// Future carries the eventual result of a submitted task.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

// Wait blocks until the task finishes and returns its result.
func (f *Future) Wait() (any, error) {
	<-f.done
	return f.value, f.err
}

// WaitTimeout blocks up to d; it returns false when the task is still
// running.
func (f *Future) WaitTimeout(d time.Duration) (any, error, bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	case <-time.After(d):
		return nil, nil, false
	}
}

// Done returns a channel closed when the task finishes.
func (f *Future) Done() <-chan struct{} { return f.done }

type taskItem struct {
	fn     TaskFunc
	future *Future
	poison bool
}

// Config tunes the pool. Zero values take defaults.
type Config struct {
	MinWorkers        int
	MaxWorkers        int
	CPUThreshold      float64
	ScaleUpCooldown   time.Duration
	ScaleDownCooldown time.Duration
	CheckInterval     time.Duration
	QueueSize         int

	// CPUPercent overrides host CPU sampling; tests inject it.
	CPUPercent func() float64
}

func (c *Config) defaults() {
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = defaultMaxWorkers()
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.CPUThreshold <= 0 {
		c.CPUThreshold = 80
	}
	if c.ScaleUpCooldown <= 0 {
		c.ScaleUpCooldown = 15 * time.Second
	}
	if c.ScaleDownCooldown <= 0 {
		c.ScaleDownCooldown = 5 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.CPUPercent == nil {
		c.CPUPercent = hostCPUPercent
	}
}

func defaultMaxWorkers() int {
	n := int(0.8 * float64(runtime.NumCPU()))
	if n < 2 {
		n = 2
	}
	return n
}

// hostCPUPercent samples utilization since the previous call.
func hostCPUPercent() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}

// Pool is a bounded task executor whose worker count auto-scales from host
// CPU utilization. Shrinking posts poison pills so in-flight work always
// drains; growing spawns workers immediately.
type Pool struct {
	cfg   Config
	tasks chan taskItem

	mu            sync.Mutex
	workers       int
	closed        bool
	lastScaleUp   time.Time
	lastScaleDown time.Time

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New starts a pool with cfg.MinWorkers workers and a supervisor loop.
func New(cfg Config) *Pool {
	cfg.defaults()
	p := &Pool{
		cfg:    cfg,
		tasks:  make(chan taskItem, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		p.spawn()
	}
	go p.supervise()
	return p
}

// Submit enqueues fn and returns its Future. The lock is held across the
// send so Stop cannot close the task channel between the closed check and
// the enqueue. Workers drain the channel without the lock, so a full queue
// blocks Submit but never deadlocks it.
func (p *Pool) Submit(fn TaskFunc) (*Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	f := &Future{done: make(chan struct{})}
	p.tasks <- taskItem{fn: fn, future: f}
	return f, nil
}

// Workers returns the current worker count.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// QueueLen returns the number of queued (not yet dequeued) tasks.
func (p *Pool) QueueLen() int { return len(p.tasks) }

// Stop drains the queue and waits for all workers to exit. Submit fails
// afterwards.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	close(p.tasks)
	p.wg.Wait()
}

func (p *Pool) spawn() {
	p.mu.Lock()
	p.workers++
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.workers--
			p.mu.Unlock()
		}()
		for item := range p.tasks {
			if item.poison {
				return
			}
			p.run(item)
		}
	}()
}

func (p *Pool) run(item taskItem) {
	defer func() {
		if r := recover(); r != nil {
			item.future.err = fmt.Errorf("task panicked: %v", r)
		}
		close(item.future.done)
	}()
	item.future.value, item.future.err = item.fn()
}

func (p *Pool) supervise() {
	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()

	logger := log.WithComponent("workerpool")
	for {
		select {
		case <-ticker.C:
			cpuPct := p.cfg.CPUPercent()
			p.mu.Lock()
			current := p.workers
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}

			delta := scaleDecision(cpuPct, current, p.cfg.MinWorkers, p.cfg.MaxWorkers, p.QueueLen(), p.cfg.CPUThreshold)
			if delta == 0 {
				continue
			}

			now := time.Now()
			p.mu.Lock()
			if delta > 0 {
				if now.Sub(p.lastScaleUp) < p.cfg.ScaleUpCooldown {
					p.mu.Unlock()
					continue
				}
				p.lastScaleUp = now
			} else {
				if now.Sub(p.lastScaleDown) < p.cfg.ScaleDownCooldown {
					p.mu.Unlock()
					continue
				}
				p.lastScaleDown = now
			}
			p.mu.Unlock()

			if delta > 0 {
				for i := 0; i < delta; i++ {
					p.spawn()
				}
				logger.Info().Float64("cpu", cpuPct).Int("added", delta).Int("workers", p.Workers()).Msg("scaled up")
			} else {
				p.mu.Lock()
				if !p.closed {
					for i := 0; i < -delta; i++ {
						select {
						case p.tasks <- taskItem{poison: true}:
						default:
							// Queue full of real work: skip the shrink this round.
						}
					}
				}
				p.mu.Unlock()
				logger.Info().Float64("cpu", cpuPct).Int("removed", -delta).Msg("scaled down")
			}
		case <-p.stopCh:
			return
		}
	}
}

// scaleDecision returns the worker-count delta for one supervision tick.
func scaleDecision(cpuPct float64, current, min, max, queueLen int, threshold float64) int {
	switch {
	case cpuPct >= 95:
		remove := (current - min) / 2
		if remove < 2 {
			remove = 2
		}
		return -clampRemove(remove, current, min)
	case cpuPct >= 90:
		return -clampRemove(2, current, min)
	case cpuPct >= threshold:
		return -clampRemove(1, current, min)
	default:
		target := min + int(float64(max-min)*(threshold-cpuPct)/threshold)
		if target > max {
			target = max
		}
		if queueLen > current && cpuPct < 40 {
			add := target - current
			if add > 2 {
				add = 2
			}
			if add > 0 {
				return add
			}
		}
		return 0
	}
}

func clampRemove(n, current, min int) int {
	room := current - min
	if room < 0 {
		room = 0
	}
	if n > room {
		n = room
	}
	return n
}
