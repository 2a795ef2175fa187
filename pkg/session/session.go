package session

import (
	"sync"
	"time"

	"github.com/connexus-ai/entityrag/pkg/log"
)

const (
	// DefaultSweepInterval is how often the sweeper scans for idle sessions.
	DefaultSweepInterval = 300 * time.Second
	// DefaultIdleTimeout is how long a session may sit unused before its
	// cached agent is offloaded.
	DefaultIdleTimeout = 3600 * time.Second
)

// LockRegistry hands out one mutex per session so conversation turns within
// a session are serialized while distinct sessions proceed in parallel.
// Mutexes are created lazily and removed when the session is deleted.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockRegistry returns an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*sync.Mutex)}
}

// Get returns the mutex for sessionID, creating it on first use.
func (r *LockRegistry) Get(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[sessionID] = l
	}
	return l
}

// Remove drops the mutex for sessionID. Callers must not hold it.
func (r *LockRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, sessionID)
}

// Len returns the number of registered session locks.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

type cacheEntry struct {
	value    any
	lastUsed time.Time
}

// AgentCache keeps live agent state per session between turns. Entries are
// touched on Get and Put; the sweeper evicts entries idle past the timeout,
// and the next turn rebuilds the agent from persisted history.
type AgentCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	clock   func() time.Time
}

// NewAgentCache returns an empty cache.
func NewAgentCache() *AgentCache {
	return &AgentCache{
		entries: make(map[string]*cacheEntry),
		clock:   time.Now,
	}
}

// Get returns the cached value for sessionID, refreshing its idle clock.
func (c *AgentCache) Get(sessionID string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sessionID]
	if !ok {
		return nil, false
	}
	e.lastUsed = c.clock()
	return e.value, true
}

// Put stores value for sessionID.
func (c *AgentCache) Put(sessionID string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sessionID] = &cacheEntry{value: value, lastUsed: c.clock()}
}

// Remove drops the cached value for sessionID, if any.
func (c *AgentCache) Remove(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionID)
}

// Len returns the number of cached agents.
func (c *AgentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweepIdle evicts entries idle longer than timeout, skipping sessions whose
// lock is currently held. It returns the evicted session IDs.
func (c *AgentCache) sweepIdle(timeout time.Duration, locks *LockRegistry) []string {
	now := c.clock()

	c.mu.Lock()
	stale := make([]string, 0)
	for id, e := range c.entries {
		if now.Sub(e.lastUsed) >= timeout {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	evicted := make([]string, 0, len(stale))
	for _, id := range stale {
		l := locks.Get(id)
		if !l.TryLock() {
			// A turn is in flight; the session is not idle after all.
			continue
		}
		c.mu.Lock()
		if e, ok := c.entries[id]; ok && now.Sub(e.lastUsed) >= timeout {
			delete(c.entries, id)
			evicted = append(evicted, id)
		}
		c.mu.Unlock()
		l.Unlock()
	}
	return evicted
}

// Sweeper periodically offloads idle agents from an AgentCache.
type Sweeper struct {
	cache    *AgentCache
	locks    *LockRegistry
	interval time.Duration
	timeout  time.Duration
	onEvict  func(sessionID string)

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper builds a sweeper; onEvict may be nil. Non-positive interval or
// timeout take the defaults.
func NewSweeper(cache *AgentCache, locks *LockRegistry, interval, timeout time.Duration, onEvict func(sessionID string)) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	return &Sweeper{
		cache:    cache,
		locks:    locks,
		interval: interval,
		timeout:  timeout,
		onEvict:  onEvict,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	go s.loop()
}

// Stop terminates the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) loop() {
	defer close(s.doneCh)
	logger := log.WithComponent("session-sweeper")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			evicted := s.cache.sweepIdle(s.timeout, s.locks)
			if len(evicted) == 0 {
				continue
			}
			logger.Info().Int("count", len(evicted)).Msg("offloaded idle session agents")
			if s.onEvict != nil {
				for _, id := range evicted {
					s.onEvict(id)
				}
			}
		case <-s.stopCh:
			return
		}
	}
}
