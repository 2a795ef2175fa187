package metrics

import (
	"time"
)

// Stats is a point-in-time snapshot of service state for gauge export.
type Stats struct {
	Entities         int
	Documents        int
	Chunks           int
	Sessions         int
	TasksByStatus    map[string]int
	EstimatedCostUSD float64
	Workers          int
	QueueDepth       int
}

// StatsProvider yields snapshots for the collector. The manager implements
// it; tests use fakes.
type StatsProvider interface {
	Stats() Stats
}

// Collector polls a StatsProvider and exports the snapshot as gauges.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector polling every interval; non-positive
// intervals default to 15s.
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	stats := c.provider.Stats()

	EntitiesTotal.Set(float64(stats.Entities))
	DocumentsTotal.Set(float64(stats.Documents))
	ChunksTotal.Set(float64(stats.Chunks))
	SessionsTotal.Set(float64(stats.Sessions))
	EstimatedCostUSD.Set(stats.EstimatedCostUSD)
	WorkersCurrent.Set(float64(stats.Workers))
	WorkerQueueDepth.Set(float64(stats.QueueDepth))

	TasksTotal.Reset()
	for status, count := range stats.TasksByStatus {
		TasksTotal.WithLabelValues(status).Set(float64(count))
	}
}
