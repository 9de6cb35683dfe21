// Package blkdev defines the shared data model of the scheduling core:
// requests, device commands, devices, targets and host adapters. The
// scheduling and dispatch logic lives in internal/queue; the pluggable
// ordering policies live in internal/elevator. Keeping the types here
// lets both packages (and the public API) share them without cycles.
package blkdev

// Dir is the transfer direction of a request.
type Dir uint8

const (
	DirRead Dir = iota
	DirWrite
	// DirFlush marks the synthesized cache-flush requests that bracket a
	// hard barrier. Flush requests carry no sectors of payload data.
	DirFlush
)

func (d Dir) String() string {
	switch d {
	case DirRead:
		return "read"
	case DirWrite:
		return "write"
	case DirFlush:
		return "flush"
	}
	return "unknown"
}

// Flags is the request flag set.
type Flags uint32

const (
	// FlagSorted marks a request that went through the scheduler policy
	// (SORT insertion). Its removal from pending must decrement the
	// queue's sorted count exactly once.
	FlagSorted Flags = 1 << iota
	// FlagStarted is set the first time the dispatch loop selects the
	// request. A started request fences later requests from passing it.
	FlagStarted
	// FlagSoftBarrier forbids reordering across this request but does not
	// trigger flush sequencing.
	FlagSoftBarrier
	// FlagHardBarrier requests full ordered sequencing: drain, pre-flush,
	// barrier write, post-flush.
	FlagHardBarrier
	// FlagDontPrep means the device command has already been prepared and
	// must not be prepared again on re-selection.
	FlagDontPrep
	// FlagQuiet suppresses error logging on the completion path. Set on
	// deliberately killed requests.
	FlagQuiet
	// FlagOrderedColor tags the barrier generation the request belongs
	// to. The queue toggles its color on every hard barrier so requeued
	// stragglers of a finished sequence are not confused with members of
	// the next one.
	FlagOrderedColor
)

// OrdPhase is a barrier sequencing phase. Values are ordered: a request
// whose required phase exceeds the queue's current phase is held back.
type OrdPhase uint8

const (
	OrdNone OrdPhase = iota
	OrdDrain
	OrdPreFlush
	OrdWrite
	OrdPostFlush
	OrdDone
)

func (p OrdPhase) String() string {
	switch p {
	case OrdNone:
		return "none"
	case OrdDrain:
		return "drain"
	case OrdPreFlush:
		return "pre-flush"
	case OrdWrite:
		return "write"
	case OrdPostFlush:
		return "post-flush"
	case OrdDone:
		return "done"
	}
	return "invalid"
}

// unitSpan records one submitted I/O unit folded into a request, so that
// partial completions can finish exactly the units covered by the
// transferred byte count and no more.
type unitSpan struct {
	sectors uint32
	done    func(err error)
}

// Request is one pending or in-flight I/O. A request is created on
// submission, may grow by merging adjacent units, may shrink when a
// partial completion leaves a residual, and is destroyed on terminal
// completion or a fatal kill.
//
// All fields are guarded by the owning queue's lock unless noted.
type Request struct {
	Sector    uint64
	NrSectors uint32
	Dir       Dir
	Flags     Flags

	// Phase is the barrier phase this request requires before it may be
	// released. Ordinary requests require OrdDrain.
	Phase OrdPhase

	// Cmd is the opaque device command attached by Driver.Prepare. Nil
	// until prepared; cleared again when the request is unprepped for a
	// residual resubmission.
	Cmd *Command

	// Dev is the device this request targets.
	Dev *Device

	// Retries counts completion-classifier retry decisions for this
	// request, bounding the not-ready polling window.
	Retries int

	// spans are the submitted units in sector order, completed in order
	// as bytes transfer.
	spans []unitSpan
}

// End returns the sector one past the request's range.
func (r *Request) End() uint64 {
	return r.Sector + uint64(r.NrSectors)
}

func (r *Request) Is(f Flags) bool { return r.Flags&f != 0 }

// Barrier reports whether the request carries any ordering barrier flag.
func (r *Request) Barrier() bool {
	return r.Flags&(FlagSoftBarrier|FlagHardBarrier) != 0
}

// Mergeable reports whether this request may participate in a merge at
// all: not started, not dispatched, not a barrier.
func (r *Request) Mergeable() bool {
	if r.Is(FlagStarted) || r.Barrier() {
		return false
	}
	return r.Cmd == nil || !r.Is(FlagDontPrep)
}

// AddSpan appends a unit completion span. back selects whether the unit
// was back-merged (appended) or front-merged (prepended).
func (r *Request) AddSpan(sectors uint32, done func(error), back bool) {
	sp := unitSpan{sectors: sectors, done: done}
	if back {
		r.spans = append(r.spans, sp)
		return
	}
	r.spans = append([]unitSpan{sp}, r.spans...)
}

// AbsorbSpans folds the spans of next onto the tail of r, used when two
// adjacent requests coalesce.
func (r *Request) AbsorbSpans(next *Request) {
	r.spans = append(r.spans, next.spans...)
	next.spans = nil
}

// PrependSpans puts the spans of prev ahead of r's own, used on a front
// merge where prev supplies the new leading sectors.
func (r *Request) PrependSpans(prev *Request) {
	r.spans = append(prev.spans, r.spans...)
	prev.spans = nil
}

// CompleteSpans finishes sectors worth of leading unit spans, invoking
// their done callbacks with err. A span the transfer stops inside is
// shrunk in place and keeps its callback for the residual sectors. It
// returns the number of sectors consumed.
func (r *Request) CompleteSpans(sectors uint32, err error) uint32 {
	var used uint32
	for len(r.spans) > 0 && used < sectors {
		sp := &r.spans[0]
		if left := sectors - used; sp.sectors > left {
			sp.sectors -= left
			used += left
			break
		}
		done := r.spans[0].done
		used += r.spans[0].sectors
		r.spans = r.spans[1:]
		if done != nil {
			done(err)
		}
	}
	return used
}

// FailSpans finishes every remaining unit span with err.
func (r *Request) FailSpans(err error) {
	for _, sp := range r.spans {
		if sp.done != nil {
			sp.done(err)
		}
	}
	r.spans = nil
}

// Pending reports whether any unit spans remain unfinished.
func (r *Request) Pending() bool { return len(r.spans) > 0 }
