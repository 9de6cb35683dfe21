// Package elevator defines the pluggable scheduler policy contract and
// the process-wide policy registry. A policy owns the pending set of one
// queue: it decides merge candidates, insertion order and what request
// is handed to the dispatch list next. Every policy callback runs under
// the owning queue's lock and must not block.
package elevator

import (
	"github.com/ehrlich-b/go-blksched/internal/blkdev"
)

// MergeKind is the result of a merge lookup.
type MergeKind int

const (
	NoMerge MergeKind = iota
	// BackMerge: the new unit extends the candidate's tail.
	BackMerge
	// FrontMerge: the new unit extends the candidate's head.
	FrontMerge
)

func (k MergeKind) String() string {
	switch k {
	case BackMerge:
		return "back"
	case FrontMerge:
		return "front"
	}
	return "none"
}

// Sink is the policy's view of the queue's dispatch list. Policies move
// requests out of their pending set through it.
type Sink interface {
	// DispatchSort inserts the request into the dispatch list in sector
	// order, honoring the queue's scheduling boundary and never passing
	// a started or barrier request.
	DispatchSort(rq *blkdev.Request)

	// DispatchAdd appends the request to the dispatch list tail.
	DispatchAdd(rq *blkdev.Request)
}

// Policy is one scheduling strategy. Implementations are selected by
// name at queue construction and replaced only through the queue's
// switch protocol.
type Policy interface {
	Name() string

	// Merge searches the pending set for a request the unit
	// [sector, sector+nr) can fold into, honoring direction and barrier
	// eligibility. The queue consults its merge cache first; Merge is
	// the slow path.
	Merge(sector uint64, nr uint32, dir blkdev.Dir) (*blkdev.Request, MergeKind)

	// Merged tells the policy rq grew by a merge so it can fix up its
	// ordering state (a front merge moves the start sector).
	Merged(rq *blkdev.Request)

	// Coalesced tells the policy next was folded into rq and has left
	// the pending set.
	Coalesced(rq, next *blkdev.Request)

	// Add inserts a request into the pending set (SORT placement).
	Add(rq *blkdev.Request)

	// Dispatch moves the next chosen request into the sink and reports
	// whether it moved one. With force set the policy must drain
	// unconditionally, ignoring any anticipation or batching of its own.
	Dispatch(s Sink, force bool) bool

	// Latter and Former return the pending request adjacent to rq in the
	// policy's dispatch order, or nil.
	Latter(rq *blkdev.Request) *blkdev.Request
	Former(rq *blkdev.Request) *blkdev.Request

	// Activated is the second half of two-phase notify: the dispatch
	// loop is about to hand rq to the driver for the first time.
	Activated(rq *blkdev.Request)

	// Deactivated undoes Activated when a dispatched request is pushed
	// back into the queue.
	Deactivated(rq *blkdev.Request)

	// Completed notifies terminal completion of a sorted request.
	Completed(rq *blkdev.Request)

	// Empty reports whether the pending set is empty.
	Empty() bool

	// Exit releases policy-private state. Called after the policy has
	// been detached from its queue.
	Exit()
}

// MergeOK reports whether rq may serve as a merge target for a unit with
// the given direction on the given device: direction and device match,
// the target is untouched by dispatch, and neither side is a barrier.
func MergeOK(rq *blkdev.Request, dir blkdev.Dir, dev *blkdev.Device) bool {
	if !rq.Mergeable() {
		return false
	}
	if rq.Dir != dir {
		return false
	}
	return rq.Dev == dev
}

// TryMerge classifies the adjacency of rq and the unit [sector,
// sector+nr): BackMerge when the unit begins exactly at rq's end,
// FrontMerge when it ends exactly at rq's start.
func TryMerge(rq *blkdev.Request, sector uint64, nr uint32) MergeKind {
	if rq.End() == sector {
		return BackMerge
	}
	if sector+uint64(nr) == rq.Sector {
		return FrontMerge
	}
	return NoMerge
}
