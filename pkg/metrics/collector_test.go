package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeProvider struct{ stats Stats }

func (f *fakeProvider) Stats() Stats { return f.stats }

func TestCollectorExportsSnapshot(t *testing.T) {
	p := &fakeProvider{stats: Stats{
		Entities:         3,
		Documents:        12,
		Chunks:           400,
		Sessions:         5,
		TasksByStatus:    map[string]int{"pending": 2, "completed": 9},
		EstimatedCostUSD: 1.25,
		Workers:          4,
		QueueDepth:       7,
	}}

	c := NewCollector(p, time.Hour)
	c.collect()

	assert.Equal(t, float64(3), testutil.ToFloat64(EntitiesTotal))
	assert.Equal(t, float64(12), testutil.ToFloat64(DocumentsTotal))
	assert.Equal(t, float64(400), testutil.ToFloat64(ChunksTotal))
	assert.Equal(t, float64(5), testutil.ToFloat64(SessionsTotal))
	assert.Equal(t, 1.25, testutil.ToFloat64(EstimatedCostUSD))
	assert.Equal(t, float64(4), testutil.ToFloat64(WorkersCurrent))
	assert.Equal(t, float64(7), testutil.ToFloat64(WorkerQueueDepth))
	assert.Equal(t, float64(2), testutil.ToFloat64(TasksTotal.WithLabelValues("pending")))
	assert.Equal(t, float64(9), testutil.ToFloat64(TasksTotal.WithLabelValues("completed")))

	// A later snapshot replaces stale task statuses entirely.
	p.stats.TasksByStatus = map[string]int{"completed": 11}
	c.collect()
	assert.Equal(t, float64(0), testutil.ToFloat64(TasksTotal.WithLabelValues("pending")))
	assert.Equal(t, float64(11), testutil.ToFloat64(TasksTotal.WithLabelValues("completed")))
}
