package queue

import (
	"github.com/ehrlich-b/go-blksched/internal/blkdev"
)

// outcome is the classifier's decision for one completion.
type outcome int

const (
	outSuccess outcome = iota
	outPartial
	outRetry       // requeue with the prepared command intact
	outRetryReprep // requeue and rebuild the command
	outFail        // terminal failure, report to submitters
	outEscalate    // beyond queue scope, hand to recovery
)

// Complete reports a finished command back to the queue. Safe to call
// from any goroutine, including synchronously from Driver.Submit.
func (q *Queue) Complete(cmd *blkdev.Command, st blkdev.Status) {
	rq := cmd.Req

	q.mu.Lock()
	q.unbusyLocked()

	member := rq == q.ordPre || rq == q.ordBar || rq == q.ordPost
	out, err := q.classifyLocked(rq, st)

	escalated := false
	switch out {
	case outSuccess:
		q.finishLocked(rq, nil)
		if member {
			q.orderedCompletedLocked(rq, nil)
		}
		q.obs.Observe(EvComplete)

	case outPartial:
		used := rq.CompleteSpans(st.SectorsDone(), nil)
		rq.Sector += uint64(used)
		rq.NrSectors -= used
		q.unprepLocked(rq)
		q.requeueLocked(rq)
		q.obs.Observe(EvPartial)

	case outRetry, outRetryReprep:
		if rq.Retries >= q.maxRetries && q.maxRetries > 0 {
			exhausted := blkdev.NewDeviceError("queue.complete", q.dev.Name, blkdev.ErrCodeNotReady)
			q.finishLocked(rq, exhausted)
			if member {
				q.orderedCompletedLocked(rq, exhausted)
			}
			break
		}
		rq.Retries++
		if out == outRetryReprep {
			q.unprepLocked(rq)
		}
		q.requeueLocked(rq)
		q.obs.Observe(EvRetry)

	case outFail:
		if !rq.Is(blkdev.FlagQuiet) {
			q.log.WithError(err).WithRequest(rq.Sector, rq.NrSectors, rq.Dir.String()).Warn("request failed")
		}
		q.finishLocked(rq, err)
		if member {
			q.orderedCompletedLocked(rq, err)
		}

	case outEscalate:
		escalated = true
		q.escalateLocked(rq)
		if member {
			q.endOrderedLocked(blkdev.NewDeviceError("queue.complete", q.dev.Name, blkdev.ErrCodeIOError))
		}
	}

	q.drainCheckLocked()
	recovery := q.recovery
	q.mu.Unlock()

	if escalated && recovery != nil {
		recovery(rq, st)
	}
	q.nextCycle()
}

// classifyLocked maps a driver status onto a scheduling decision.
func (q *Queue) classifyLocked(rq *blkdev.Request, st blkdev.Status) (outcome, error) {
	switch st.Code {
	case blkdev.StatusOK:
		if rq.Dir == blkdev.DirFlush || st.SectorsDone() >= rq.NrSectors {
			return outSuccess, nil
		}
		return outPartial, nil

	case blkdev.StatusBusy:
		q.dev.Blocked = countdownReset(q.dev.MaxBlocked, q.maxBlocked)
		return outRetry, nil

	case blkdev.StatusHostBusy:
		h := q.host
		h.Mu.Lock()
		h.Blocked = countdownReset(h.MaxBlocked, q.maxBlocked)
		h.Mu.Unlock()
		return outRetry, nil

	case blkdev.StatusReset:
		// The command never reached the medium; replay it verbatim.
		return outRetry, nil

	case blkdev.StatusTimeout:
		// The queue holds no timers; whatever went wrong on the device
		// is outside its scope to diagnose.
		return outEscalate, nil

	case blkdev.StatusCheck:
		return q.classifyDiagLocked(rq, st.Diag)
	}

	return outEscalate, nil
}

// InjectTimeout reports that a caller-tracked deadline fired for an
// in-flight command. The command runs the normal completion path and
// lands on the recovery hook; the caller must not also complete it
// through the driver.
func (q *Queue) InjectTimeout(cmd *blkdev.Command) {
	q.Complete(cmd, blkdev.Status{Code: blkdev.StatusTimeout})
}

// classifyDiagLocked handles StatusCheck diagnostics.
func (q *Queue) classifyDiagLocked(rq *blkdev.Request, d *blkdev.Diag) (outcome, error) {
	if d == nil {
		return outFail, blkdev.NewDeviceError("queue.complete", q.dev.Name, blkdev.ErrCodeUnclassified)
	}
	switch d.Key {
	case blkdev.DiagUnitAttention:
		if q.dev.Removable {
			// State change on removable media means the medium may
			// have been swapped. Latch it and fail; retrying could
			// silently write the wrong disk.
			q.dev.Changed = true
			return outFail, blkdev.NewDeviceError("queue.complete", q.dev.Name, blkdev.ErrCodeMediaChanged)
		}
		// Power-on or reset glitch, the command never ran.
		return outRetry, nil

	case blkdev.DiagIllegalRequest:
		if d.Qual == blkdev.QualUnsupportedOpcode {
			if q.dev.Wide {
				// One-time downgrade: rebuild the command in the
				// narrow form and try again.
				q.dev.Wide = false
				return outRetryReprep, nil
			}
			// The device still refuses the narrow form; nothing left
			// to fall back to.
			return outFail, blkdev.NewDeviceError("queue.complete", q.dev.Name, blkdev.ErrCodeCapability)
		}
		return outFail, blkdev.NewDeviceError("queue.complete", q.dev.Name, blkdev.ErrCodeIllegal)

	case blkdev.DiagNotReady:
		switch d.Qual {
		case blkdev.QualBecomingReady, blkdev.QualFormatInProgress, blkdev.QualOperationInProgress:
			return outRetry, nil
		}
		return outFail, blkdev.NewDeviceError("queue.complete", q.dev.Name, blkdev.ErrCodeNotReady)

	case blkdev.DiagVolumeOverflow:
		return outFail, blkdev.NewDeviceError("queue.complete", q.dev.Name, blkdev.ErrCodeOverflow)
	}

	return outFail, blkdev.NewDeviceError("queue.complete", q.dev.Name, blkdev.ErrCodeUnclassified)
}

// countdownReset picks the blocked-countdown reset value.
func countdownReset(own, fallback int) int {
	if own > 0 {
		return own
	}
	return fallback
}

// unbusyLocked reverses the admission counts of one dispatched command
// and pays down any blocked countdowns.
func (q *Queue) unbusyLocked() {
	q.dev.Busy--
	if q.dev.Blocked > 0 {
		q.dev.Blocked--
	}
	h := q.host
	h.Mu.Lock()
	h.Busy--
	if h.Blocked > 0 {
		h.Blocked--
	}
	h.Mu.Unlock()
}

// unprepLocked discards the prepared command so the next selection
// rebuilds it.
func (q *Queue) unprepLocked(rq *blkdev.Request) {
	rq.Cmd = nil
	rq.Flags &^= blkdev.FlagDontPrep
}

// finishLocked retires rq terminally, completing or failing every
// remaining unit span.
func (q *Queue) finishLocked(rq *blkdev.Request, err error) {
	q.inFlight--
	q.obs.ObserveInFlight(q.inFlight)
	if rq.Is(blkdev.FlagSorted) {
		q.sortedInFlight--
		q.policy.Completed(rq)
	}
	q.queued--
	if q.boundary == rq {
		q.boundary = nil
	}
	if q.lastMerge == rq {
		q.lastMerge = nil
	}
	if err == nil {
		rq.CompleteSpans(rq.NrSectors, nil)
	} else {
		rq.FailSpans(err)
	}
}

// escalateLocked detaches rq from queue accounting without resolving
// its spans; the recovery hook owns it from here.
func (q *Queue) escalateLocked(rq *blkdev.Request) {
	q.inFlight--
	q.obs.ObserveInFlight(q.inFlight)
	if rq.Is(blkdev.FlagSorted) {
		q.sortedInFlight--
		q.policy.Completed(rq)
	}
	q.queued--
	if q.boundary == rq {
		q.boundary = nil
	}
	q.obs.Observe(EvEscalate)
	q.log.WithRequest(rq.Sector, rq.NrSectors, rq.Dir.String()).Error("escalating failed request")
}

// nextCycle propagates completion capacity: release exclusive target
// ownership when this device went idle, give one starved sibling a
// turn, then re-run our own queue.
func (q *Queue) nextCycle() {
	if t := q.dev.Target; t != nil && t.Exclusive {
		q.releaseTargetIfIdle(t)
	}

	h := q.host
	h.Mu.Lock()
	var next *blkdev.Device
	if h.Open() {
		next = h.PopStarved()
	}
	h.Mu.Unlock()

	if next != nil && next != q.dev && next.Run != nil {
		q.obs.Observe(EvStarvedRun)
		next.Run()
	}
	q.Run()
}

// releaseTargetIfIdle drops exclusive ownership once this device has
// nothing queued or in flight, then lets the siblings run.
func (q *Queue) releaseTargetIfIdle(t *blkdev.Target) {
	q.mu.Lock()
	idle := q.inFlight == 0 && q.emptyLocked()
	q.mu.Unlock()
	if !idle {
		return
	}

	h := q.host
	h.Mu.Lock()
	var sibs []*blkdev.Device
	if t.Owner == q.dev {
		t.Owner = nil
		sibs = append(sibs, t.Devices...)
	}
	h.Mu.Unlock()

	for _, s := range sibs {
		if s != q.dev && s.Run != nil {
			s.Run()
		}
	}
}
