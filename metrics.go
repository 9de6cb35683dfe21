package blksched

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-blksched/internal/queue"
)

// Metrics tracks scheduling statistics for one device queue. All
// counters are atomic; a Metrics may be shared across goroutines and
// read at any time.
type Metrics struct {
	// Submission path
	Submits     atomic.Uint64 // units submitted
	BackMerges  atomic.Uint64 // units folded onto a request's tail
	FrontMerges atomic.Uint64 // units folded onto a request's head
	Coalesces   atomic.Uint64 // adjacent requests collapsed into one
	Deferred    atomic.Uint64 // submissions parked behind plug or starvation

	// Dispatch path
	Dispatches atomic.Uint64 // commands handed to the driver
	Unplugs    atomic.Uint64 // plug releases (timer, congestion, kick)
	Starved    atomic.Uint64 // host admission refusals

	// Completion path
	Completions atomic.Uint64 // requests finished successfully
	Partials    atomic.Uint64 // residual requeues after short transfers
	Retries     atomic.Uint64 // transparent retry requeues
	Kills       atomic.Uint64 // requests failed for a dead device
	Escalations atomic.Uint64 // failures handed to recovery

	// Barriers
	BarriersStarted atomic.Uint64
	BarriersDone    atomic.Uint64

	// Control
	PolicySwitches atomic.Uint64

	// In-flight gauge and its high-water mark
	InFlight    atomic.Int64
	MaxInFlight atomic.Int64

	// Lifecycle
	StartTime atomic.Int64 // UnixNano
}

// NewMetrics creates a metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Reset zeroes every counter. Useful for testing.
func (m *Metrics) Reset() {
	m.Submits.Store(0)
	m.BackMerges.Store(0)
	m.FrontMerges.Store(0)
	m.Coalesces.Store(0)
	m.Deferred.Store(0)
	m.Dispatches.Store(0)
	m.Unplugs.Store(0)
	m.Starved.Store(0)
	m.Completions.Store(0)
	m.Partials.Store(0)
	m.Retries.Store(0)
	m.Kills.Store(0)
	m.Escalations.Store(0)
	m.BarriersStarted.Store(0)
	m.BarriersDone.Store(0)
	m.PolicySwitches.Store(0)
	m.InFlight.Store(0)
	m.MaxInFlight.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of the counters plus derived
// statistics.
type MetricsSnapshot struct {
	Submits     uint64
	BackMerges  uint64
	FrontMerges uint64
	Coalesces   uint64
	Deferred    uint64

	Dispatches uint64
	Unplugs    uint64
	Starved    uint64

	Completions uint64
	Partials    uint64
	Retries     uint64
	Kills       uint64
	Escalations uint64

	BarriersStarted uint64
	BarriersDone    uint64
	PolicySwitches  uint64

	InFlight    int64
	MaxInFlight int64

	UptimeNs uint64

	// Derived
	MergeRate   float64 // fraction of submits absorbed by merging
	SubmitRate  float64 // submits per second
	FailureRate float64 // kills plus escalations over completions
}

// Snapshot copies the counters and computes derived rates.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Submits:         m.Submits.Load(),
		BackMerges:      m.BackMerges.Load(),
		FrontMerges:     m.FrontMerges.Load(),
		Coalesces:       m.Coalesces.Load(),
		Deferred:        m.Deferred.Load(),
		Dispatches:      m.Dispatches.Load(),
		Unplugs:         m.Unplugs.Load(),
		Starved:         m.Starved.Load(),
		Completions:     m.Completions.Load(),
		Partials:        m.Partials.Load(),
		Retries:         m.Retries.Load(),
		Kills:           m.Kills.Load(),
		Escalations:     m.Escalations.Load(),
		BarriersStarted: m.BarriersStarted.Load(),
		BarriersDone:    m.BarriersDone.Load(),
		PolicySwitches:  m.PolicySwitches.Load(),
		InFlight:        m.InFlight.Load(),
		MaxInFlight:     m.MaxInFlight.Load(),
	}

	snap.UptimeNs = uint64(time.Now().UnixNano() - m.StartTime.Load())

	if snap.Submits > 0 {
		merged := snap.BackMerges + snap.FrontMerges
		snap.MergeRate = float64(merged) / float64(snap.Submits)
	}
	if snap.UptimeNs > 0 {
		snap.SubmitRate = float64(snap.Submits) / (float64(snap.UptimeNs) / 1e9)
	}
	done := snap.Completions + snap.Kills + snap.Escalations
	if done > 0 {
		snap.FailureRate = float64(snap.Kills+snap.Escalations) / float64(done)
	}
	return snap
}

// metricsObserver adapts Metrics to the queue's event stream.
type metricsObserver struct {
	m *Metrics
}

func (o metricsObserver) Observe(ev queue.Event) {
	switch ev {
	case queue.EvSubmit:
		o.m.Submits.Add(1)
	case queue.EvBackMerge:
		o.m.BackMerges.Add(1)
	case queue.EvFrontMerge:
		o.m.FrontMerges.Add(1)
	case queue.EvCoalesce:
		o.m.Coalesces.Add(1)
	case queue.EvDeferred:
		o.m.Deferred.Add(1)
	case queue.EvDispatch:
		o.m.Dispatches.Add(1)
	case queue.EvUnplug:
		o.m.Unplugs.Add(1)
	case queue.EvStarved:
		o.m.Starved.Add(1)
	case queue.EvComplete:
		o.m.Completions.Add(1)
	case queue.EvPartial:
		o.m.Partials.Add(1)
	case queue.EvRetry:
		o.m.Retries.Add(1)
	case queue.EvKill:
		o.m.Kills.Add(1)
	case queue.EvEscalate:
		o.m.Escalations.Add(1)
	case queue.EvBarrierStart:
		o.m.BarriersStarted.Add(1)
	case queue.EvBarrierDone:
		o.m.BarriersDone.Add(1)
	case queue.EvPolicySwitch:
		o.m.PolicySwitches.Add(1)
	}
}

func (o metricsObserver) ObserveInFlight(n int) {
	o.m.InFlight.Store(int64(n))
	for {
		max := o.m.MaxInFlight.Load()
		if int64(n) <= max {
			return
		}
		if o.m.MaxInFlight.CompareAndSwap(max, int64(n)) {
			return
		}
	}
}

var _ queue.Observer = metricsObserver{}
