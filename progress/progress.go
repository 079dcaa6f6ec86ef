// Package progress implements the Progress Broker (spec §4.9): it reduces
// the Repository Adapter's raw pull counters into a caller-facing
// (status, percent, estimating) triple, with monotone percent and
// rate-limited emission.
package progress

import (
	"sync"
	"time"
)

// Counters mirrors the raw input fields spec §4.9 lists as coming from the
// pull fetcher.
type Counters struct {
	OutstandingFetches         int
	OutstandingMetadataFetches int
	OutstandingWrites          int
	ScannedMetadata            int
	Fetched                    int
	Requested                  int
	MetadataFetched            int
	FetchedDeltaParts          int
	TotalDeltaParts            int
	TotalDeltaPartSize         uint64
	BytesTransferred           uint64
	StartTime                  time.Time
}

// Report is the value delivered to a ProgressSink.
type Report struct {
	Status      string
	Percent     int
	Estimating  bool
}

// Sink is implemented by callers who want progress notifications. The
// engine may invoke a Sink while it holds this installation's locks (pull
// progress is reported under the repo lock), so a Sink implementation must
// not call back into this installation's engine.
type Sink interface {
	OnProgress(Report)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(Report)

func (f SinkFunc) OnProgress(r Report) { f(r) }

// emitInterval is the rate limit from spec §4.9 ("at most one callback per
// ~100ms").
const emitInterval = 100 * time.Millisecond

// Broker owns the private scheduler for one operation: it tracks the
// highest percent reported so far (monotonicity) and throttles emission.
// Callers construct one Broker per public engine operation and discard it
// on return, per spec §4.9 / §9 ("private scheduler... disposed on return").
type Broker struct {
	sink Sink

	mu          sync.Mutex
	lastEmit    time.Time
	maxPercent  int
	done        bool
}

// NewBroker wraps sink, or a no-op sink if sink is nil.
func NewBroker(sink Sink) *Broker {
	if sink == nil {
		sink = SinkFunc(func(Report) {})
	}
	return &Broker{sink: sink}
}

// Update reduces c into a Report per the spec §4.9 rules and, subject to the
// rate limit, delivers it to the sink. Call Finish when the operation
// completes to guarantee the mandatory final 100% callback.
func (b *Broker) Update(c Counters) {
	report := reduce(c)
	b.deliver(report, false)
}

// Finish emits a final callback at percent=100 unconditionally, bypassing
// the rate limit (spec §4.9 "a final callback at completion is mandatory").
func (b *Broker) Finish(status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	b.maxPercent = 100
	b.sink.OnProgress(Report{Status: status, Percent: 100, Estimating: false})
}

func (b *Broker) deliver(r Report, force bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}

	// Monotonicity: never report a percent lower than one already reported.
	if r.Percent < b.maxPercent {
		r.Percent = b.maxPercent
	} else {
		b.maxPercent = r.Percent
	}

	now := time.Now()
	if !force && !b.lastEmit.IsZero() && now.Sub(b.lastEmit) < emitInterval {
		return
	}
	b.lastEmit = now
	b.sink.OnProgress(r)
}

// reduce implements the priority-ordered rules of spec §4.9.
func reduce(c Counters) Report {
	switch {
	case c.TotalDeltaParts > 0 && c.TotalDeltaPartSize > 0:
		pct := int(100 * float64(c.BytesTransferred) / float64(c.TotalDeltaPartSize))
		return Report{Status: "applying delta", Percent: clamp(pct), Estimating: false}
	case c.OutstandingMetadataFetches > 0:
		return Report{Status: "fetching metadata", Percent: 1, Estimating: true}
	case c.OutstandingFetches > 0 && c.Requested > 0:
		pct := int(100 * float64(c.Fetched) / float64(c.Requested))
		return Report{Status: "fetching objects", Percent: clamp(pct), Estimating: false}
	case c.OutstandingWrites > 0:
		return Report{Status: "writing objects", Percent: 0, Estimating: true}
	default:
		return Report{Status: "scanning metadata", Percent: 0, Estimating: true}
	}
}

func clamp(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
