package queue

import "github.com/ehrlich-b/go-blksched/internal/blkdev"

// Barrier sequencing. A hard barrier reaching the head of the dispatch
// list opens an ordered sequence: drain everything in flight, issue a
// pre-flush, the barrier write itself, then a post-flush. Requests
// whose required phase lies beyond the queue's current phase are held
// at the head until completions advance it.

// gateOrderedLocked applies barrier sequencing to the head request rq.
// It returns the request to release, or hold=true when the head must
// wait for the sequence to advance. A nil request with hold=false
// means the dispatch list changed and the head must be re-examined.
func (q *Queue) gateOrderedLocked(rq *blkdev.Request) (*blkdev.Request, bool) {
	if q.ordPhase == blkdev.OrdNone {
		if !rq.Is(blkdev.FlagHardBarrier) {
			return rq, false
		}
		q.startOrderedLocked(rq)
		return nil, false
	}
	if q.reqPhaseLocked(rq) > q.ordPhase {
		return nil, true
	}
	return rq, false
}

// startOrderedLocked opens the ordered sequence for the barrier bar,
// which sits at the head of the dispatch list. The head is rewritten
// to pre-flush, barrier, post-flush; everything already queued behind
// the barrier stays behind the post-flush.
func (q *Queue) startOrderedLocked(bar *blkdev.Request) {
	q.ordPhase = blkdev.OrdDrain
	bar.Phase = blkdev.OrdWrite

	pre := q.newFlushLocked(blkdev.OrdPreFlush)
	post := q.newFlushLocked(blkdev.OrdPostFlush)
	q.ordPre, q.ordBar, q.ordPost = pre, bar, post

	rest := q.dispatch[1:]
	head := []*blkdev.Request{pre, bar, post}
	q.dispatch = append(head, rest...)

	q.obs.Observe(EvBarrierStart)
	q.log.WithRequest(bar.Sector, bar.NrSectors, bar.Dir.String()).Debug("barrier sequence start")

	// Nothing in flight means the drain is already complete.
	q.drainCheckLocked()
}

// newFlushLocked synthesizes one cache-flush request for the current
// sequence.
func (q *Queue) newFlushLocked(phase blkdev.OrdPhase) *blkdev.Request {
	rq := &blkdev.Request{
		Dir:   blkdev.DirFlush,
		Flags: blkdev.FlagSoftBarrier,
		Phase: phase,
		Dev:   q.dev,
	}
	if !q.ordColor {
		// The sequence belongs to the generation the barrier closed,
		// which is the color before the barrier's toggle.
		rq.Flags |= blkdev.FlagOrderedColor
	}
	rq.Cmd = &blkdev.Command{Req: rq}
	q.queued++
	return rq
}

// reqPhaseLocked maps a request to the sequence phase it requires.
// Members of the active sequence carry their role; ordinary requests of
// the closing generation only need the drain; anything of a newer
// generation waits for the whole sequence.
func (q *Queue) reqPhaseLocked(rq *blkdev.Request) blkdev.OrdPhase {
	switch rq {
	case q.ordPre, q.ordBar, q.ordPost:
		return rq.Phase
	}
	barColor := q.ordBar != nil && q.ordBar.Is(blkdev.FlagOrderedColor)
	if rq.Is(blkdev.FlagOrderedColor) == barColor {
		return blkdev.OrdDrain
	}
	return blkdev.OrdDone
}

// orderedCompletedLocked advances the sequence when one of its members
// finishes. err terminates the whole sequence, failing the barrier.
func (q *Queue) orderedCompletedLocked(rq *blkdev.Request, err error) {
	if err != nil {
		q.endOrderedLocked(err)
		return
	}
	switch rq {
	case q.ordPre:
		q.ordPhase = blkdev.OrdWrite
		q.rearm = true
	case q.ordBar:
		q.ordPhase = blkdev.OrdPostFlush
		q.rearm = true
	case q.ordPost:
		q.endOrderedLocked(nil)
	}
}

// drainCheckLocked moves the sequence past the drain phase once
// nothing remains in flight ahead of it. Run after every completion.
func (q *Queue) drainCheckLocked() {
	if q.ordPhase != blkdev.OrdDrain || q.inFlight != 0 {
		return
	}
	if len(q.dispatch) == 0 || q.reqPhaseLocked(q.dispatch[0]) <= blkdev.OrdDrain {
		// Requeued stragglers of the closing generation still sit
		// ahead of the pre-flush; they drain first.
		return
	}
	q.ordPhase = blkdev.OrdPreFlush
	q.rearm = true
}

// endOrderedLocked tears the sequence down. On failure the barrier
// itself is failed along with any sequence member still queued.
func (q *Queue) endOrderedLocked(err error) {
	pre, bar, post := q.ordPre, q.ordBar, q.ordPost
	q.ordPre, q.ordBar, q.ordPost = nil, nil, nil
	q.ordPhase = blkdev.OrdNone

	if err != nil {
		for _, m := range []*blkdev.Request{pre, bar, post} {
			if m == nil {
				continue
			}
			if q.inDispatchLocked(m) {
				q.removeDispatchLocked(m)
				m.FailSpans(err)
				q.queued--
			}
		}
		q.log.WithError(err).Warn("barrier sequence failed")
	}
	q.obs.Observe(EvBarrierDone)
	q.rearm = true
}

func (q *Queue) inDispatchLocked(rq *blkdev.Request) bool {
	for _, d := range q.dispatch {
		if d == rq {
			return true
		}
	}
	return false
}
