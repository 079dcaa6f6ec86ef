package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduceDeltaPriority(t *testing.T) {
	r := reduce(Counters{TotalDeltaParts: 4, TotalDeltaPartSize: 1000, BytesTransferred: 500})
	assert.Equal(t, 50, r.Percent)
	assert.False(t, r.Estimating)
}

func TestReduceMetadataEstimating(t *testing.T) {
	r := reduce(Counters{OutstandingMetadataFetches: 2})
	assert.True(t, r.Estimating)
	assert.Equal(t, 1, r.Percent)
}

func TestReduceRegularFetch(t *testing.T) {
	r := reduce(Counters{OutstandingFetches: 1, Fetched: 25, Requested: 100})
	assert.Equal(t, 25, r.Percent)
}

func TestMonotonicPercent(t *testing.T) {
	var reports []Report
	b := NewBroker(SinkFunc(func(r Report) { reports = append(reports, r) }))

	b.deliver(Report{Status: "a", Percent: 50}, true)
	b.deliver(Report{Status: "b", Percent: 30}, true) // would regress
	require.Len(t, reports, 2)
	assert.Equal(t, 50, reports[0].Percent)
	assert.Equal(t, 50, reports[1].Percent) // clamped, never decreases
}

func TestFinishAlwaysEmitsHundred(t *testing.T) {
	var last Report
	b := NewBroker(SinkFunc(func(r Report) { last = r }))
	b.deliver(Report{Status: "a", Percent: 10}, true)
	b.Finish("done")
	assert.Equal(t, 100, last.Percent)
	assert.False(t, last.Estimating)
}

func TestRateLimiting(t *testing.T) {
	var count int
	b := NewBroker(SinkFunc(func(Report) { count++ }))
	for i := 0; i < 5; i++ {
		b.deliver(Report{Status: "x", Percent: i}, false)
	}
	assert.Equal(t, 1, count) // all within the same 100ms window

	time.Sleep(120 * time.Millisecond)
	b.deliver(Report{Status: "x", Percent: 10}, false)
	assert.Equal(t, 2, count)
}
