package queue

import (
	"github.com/ehrlich-b/go-blksched/internal/blkdev"
)

// dispatchLocked pulls prepared requests off the head of the queue and
// pushes them to the driver until supply runs out or admission stops
// it. Called with the queue lock held; the lock is released around
// every driver Submit.
func (q *Queue) dispatchLocked() {
	for !q.plugged {
		if !q.devReadyLocked() {
			// Device admission closed. Completions reopen it and
			// leave pending work in the policy, where it can still
			// merge.
			return
		}

		rq := q.nextRequestLocked()
		if rq == nil {
			return
		}

		if !q.dev.Online {
			q.killLocked(rq)
			continue
		}

		q.startLocked(rq)

		h := q.host
		h.Mu.Lock()
		if !q.hostReadyLocked() {
			h.Starve(q.dev)
			h.Mu.Unlock()
			q.obs.Observe(EvStarved)
			q.undoStartLocked(rq)
			return
		}
		if t := q.dev.Target; t != nil && t.Exclusive {
			if t.Owner != nil && t.Owner != q.dev {
				h.Mu.Unlock()
				q.undoStartLocked(rq)
				return
			}
			t.Owner = q.dev
		}
		h.Unstarve(q.dev)
		h.Busy++
		h.Mu.Unlock()

		cmd := rq.Cmd
		q.obs.Observe(EvDispatch)
		q.log.WithRequest(rq.Sector, rq.NrSectors, rq.Dir.String()).Debug("dispatch")

		q.mu.Unlock()
		err := q.driver.Submit(cmd)
		q.mu.Lock()

		if err != nil {
			// The driver refused outright: undo admission at both
			// levels, park the request at the front and wait for
			// activity to retry.
			h.Mu.Lock()
			h.Busy--
			h.Mu.Unlock()
			q.undoStartLocked(rq)
			q.plugLocked()
			q.log.WithError(err).Warn("driver rejected command")
			return
		}
	}
}

// nextRequestLocked returns the head request, prepared and started,
// honoring barrier gating. Returns nil when nothing is releasable.
func (q *Queue) nextRequestLocked() *blkdev.Request {
	for {
		rq := q.headLocked()
		if rq == nil {
			return nil
		}

		if !rq.Is(blkdev.FlagStarted) {
			// Activation happens exactly once, on first selection.
			if rq.Is(blkdev.FlagSorted) {
				q.policy.Activated(rq)
			}
			rq.Flags |= blkdev.FlagStarted
		}

		if q.boundary == nil || q.boundary == rq {
			q.endSector = rq.End()
			q.boundary = nil
		}

		if rq.Dir == blkdev.DirFlush || rq.Is(blkdev.FlagDontPrep) {
			return rq
		}

		cmd, verdict := q.driver.Prepare(rq)
		switch verdict {
		case blkdev.PrepReady:
			rq.Cmd = cmd
			if cmd != nil {
				cmd.Req = rq
			}
			rq.Flags |= blkdev.FlagDontPrep
			return rq
		case blkdev.PrepDefer:
			// Resources are transiently short; back off and let
			// completion traffic re-arm the loop.
			q.plugLocked()
			return nil
		default: // PrepKill
			q.killLocked(rq)
		}
	}
}

// headLocked yields the first releasable request on the dispatch list,
// starting or gating a barrier sequence as needed, and refills the
// list from the policy when it runs dry.
func (q *Queue) headLocked() *blkdev.Request {
	for {
		for len(q.dispatch) > 0 {
			rq := q.dispatch[0]
			rq, hold := q.gateOrderedLocked(rq)
			if hold {
				return nil
			}
			if rq != nil {
				return rq
			}
		}
		if !q.policy.Dispatch(q, false) {
			return nil
		}
	}
}

// startLocked moves the head request into flight.
func (q *Queue) startLocked(rq *blkdev.Request) {
	q.dispatch = q.dispatch[1:]
	q.inFlight++
	q.obs.ObserveInFlight(q.inFlight)
	if rq.Is(blkdev.FlagSorted) {
		q.sortedInFlight++
	}
	q.dev.Busy++
}

// undoStartLocked reverses startLocked and requeues the request at the
// front after a refused admission.
func (q *Queue) undoStartLocked(rq *blkdev.Request) {
	q.dev.Busy--
	q.requeueLocked(rq)
}

// devReadyLocked is the device-level admission gate. A transient-busy
// countdown pays down one step per dispatch attempt and unblocks when
// it reaches zero; while it is still running the queue is plugged so
// the timer keeps attempts coming even with no completion traffic.
func (q *Queue) devReadyLocked() bool {
	if q.dev.Blocked > 0 {
		q.dev.Blocked--
		if q.dev.Blocked > 0 {
			q.plugLocked()
			return false
		}
		q.log.Debug("device unblocked")
	}
	return q.dev.QueueDepth == 0 || q.dev.Busy < q.dev.QueueDepth
}

// hostReadyLocked is the host-level admission gate. The host countdown
// pays down only once the host has gone fully idle, one step per
// attempt. Caller holds the host lock.
func (q *Queue) hostReadyLocked() bool {
	h := q.host
	if h.Busy == 0 && h.Blocked > 0 {
		h.Blocked--
		if h.Blocked > 0 {
			return false
		}
		q.log.Debug("host unblocked")
	}
	return h.Open()
}

// killLocked fails rq immediately with a uniform no-connection error.
// The request is briefly accounted as busy so the completion path runs
// symmetrically with a real dispatch.
func (q *Queue) killLocked(rq *blkdev.Request) {
	rq.Flags |= blkdev.FlagQuiet
	q.removeDispatchLocked(rq)
	q.inFlight++
	if rq.Is(blkdev.FlagSorted) {
		q.sortedInFlight++
	}
	q.dev.Busy++
	h := q.host
	h.Mu.Lock()
	h.Busy++
	h.Mu.Unlock()
	q.obs.Observe(EvKill)

	err := blkdev.NewDeviceError("queue.dispatch", q.dev.Name, blkdev.ErrCodeNoConnection)
	q.finishLocked(rq, err)
	if rq == q.ordPre || rq == q.ordBar || rq == q.ordPost {
		q.endOrderedLocked(err)
	}
	q.unbusyLocked()
	q.drainCheckLocked()
}
