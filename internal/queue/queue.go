// Package queue implements the per-device scheduling queue: ordered
// insertion and merging of requests, the dispatch staging list, barrier
// sequencing, two-level admission against the device and its host, the
// dispatch loop itself, and live policy switching.
//
// Locking: a single coarse mutex guards all queue state. The host
// carries its own lock for shared admission counters; when both are
// needed the queue lock is taken first. The driver's Submit is always
// called with both locks released.
package queue

import (
	"sync"
	"time"

	"github.com/ehrlich-b/go-blksched/internal/blkdev"
	"github.com/ehrlich-b/go-blksched/internal/elevator"
	"github.com/ehrlich-b/go-blksched/internal/logging"
)

// Placement selects where an insert lands relative to existing work.
type Placement int

const (
	// PlacementFront prepends to the dispatch list ahead of all
	// pending work.
	PlacementFront Placement = iota
	// PlacementBack drains the policy into the dispatch list, then
	// appends behind everything.
	PlacementBack
	// PlacementSort hands the request to the active policy for
	// ordered insertion.
	PlacementSort
	// PlacementRequeue prepends like front but respects barrier
	// phase ordering and never kicks the queue.
	PlacementRequeue
)

// Params configures a new Queue.
type Params struct {
	Device *blkdev.Device
	Host   *blkdev.Host
	Driver blkdev.Driver

	// Policy names the initial scheduling policy.
	Policy string

	// CongestionThreshold forces an unplug once more than this many
	// submitted requests are waiting behind the plug.
	CongestionThreshold int

	// PlugDelay bounds how long an idle queue stays plugged waiting
	// for more submissions to batch. Zero disables plugging.
	PlugDelay time.Duration

	// MaxRetries bounds transparent retries per request.
	MaxRetries int

	// MaxBlocked seeds the device and host blocked countdown reset
	// value when a transient-busy completion arrives.
	MaxBlocked int

	Logger   *logging.Logger
	Observer Observer

	// Recovery is invoked, outside the queue lock, for requests
	// whose failure escalates beyond the queue's scope.
	Recovery func(*blkdev.Request, blkdev.Status)
}

// Queue is the scheduling queue for one device.
type Queue struct {
	mu sync.Mutex

	dev    *blkdev.Device
	host   *blkdev.Host
	driver blkdev.Driver

	policy     elevator.Policy
	policyName string

	// dispatch is the staging list between the policy and the
	// driver. Index 0 is the head.
	dispatch []*blkdev.Request

	sorted         int // requests currently owned by the policy
	sortedInFlight int // policy-owned requests handed to the driver
	inFlight       int
	queued         int // live requests, terminal completion pending

	lastMerge *blkdev.Request

	// endSector and boundary drive the dispatch-sort hint: the
	// sector where the head will sit once boundary completes.
	endSector uint64
	boundary  *blkdev.Request

	// Barrier sequencing state.
	ordColor bool
	ordPhase blkdev.OrdPhase
	ordPre   *blkdev.Request
	ordBar   *blkdev.Request
	ordPost  *blkdev.Request

	plugged   bool
	plugTimer *time.Timer
	plugDelay time.Duration

	bypass bool // policy switch in progress, sort inserts degrade to back

	congestion int
	maxRetries int
	maxBlocked int

	running bool
	rearm   bool

	recovery func(*blkdev.Request, blkdev.Status)
	log      *logging.Logger
	obs      Observer
}

// New builds a queue for dev attached to host, scheduling with the
// named policy.
func New(p Params) (*Queue, error) {
	factory := elevator.Get(p.Policy)
	if factory == nil {
		return nil, blkdev.NewError("queue.New", blkdev.ErrCodeUnknownPolicy, p.Policy)
	}
	obs := p.Observer
	if obs == nil {
		obs = NopObserver{}
	}
	log := p.Logger
	if log == nil {
		log = logging.Default()
	}
	q := &Queue{
		dev:        p.Device,
		host:       p.Host,
		driver:     p.Driver,
		policy:     factory(),
		policyName: p.Policy,
		plugDelay:  p.PlugDelay,
		congestion: p.CongestionThreshold,
		maxRetries: p.MaxRetries,
		maxBlocked: p.MaxBlocked,
		recovery:   p.Recovery,
		log:        log.WithDevice(p.Device.Name),
		obs:        obs,
	}
	// The host starvation sweep re-enters the queue through the
	// device's run hook.
	p.Device.Run = q.Run
	return q, nil
}

// PolicyName reports the active policy.
func (q *Queue) PolicyName() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.policyName
}

// Counters reports live accounting, mainly for tests and the control
// surface.
func (q *Queue) Counters() (sorted, inFlight, queued int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sorted, q.inFlight, q.queued
}

// SetOnline flips device liveness. Bringing a device back online kicks
// the queue; taking it offline lets the dispatch loop fail everything
// queued with a uniform no-connection error.
func (q *Queue) SetOnline(on bool) {
	q.mu.Lock()
	q.dev.Online = on
	q.mu.Unlock()
	q.Kick()
}

// MediaChanged reports and optionally clears the media-change latch.
func (q *Queue) MediaChanged(clear bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	changed := q.dev.Changed
	if clear {
		q.dev.Changed = false
	}
	return changed
}

// emptyLocked reports whether no request is waiting anywhere.
func (q *Queue) emptyLocked() bool {
	return len(q.dispatch) == 0 && q.policy.Empty()
}

// Submit queues a new request. It returns true when the request can be
// worked on immediately, false when it was parked behind a plug,
// starvation, or blocked admission.
func (q *Queue) Submit(rq *blkdev.Request) bool {
	q.mu.Lock()
	rq.Dev = q.dev
	q.obs.Observe(EvSubmit)

	if rq.Mergeable() && rq.Dir != blkdev.DirFlush {
		if q.tryMergeLocked(rq) {
			q.mu.Unlock()
			return true
		}
	}

	wasIdle := q.emptyLocked() && q.inFlight == 0
	q.queued++
	q.addLocked(rq)

	if wasIdle && q.plugDelay > 0 && !rq.Barrier() {
		q.plugLocked()
	}
	if q.plugged && q.queued-q.inFlight > q.congestion {
		q.unplugLocked()
	}
	deferred := q.plugged
	run := !q.plugged
	q.mu.Unlock()

	if run {
		q.Run()
	}
	if !deferred {
		// The run above may have parked the device on the host's
		// starved list instead of dispatching.
		q.host.Mu.Lock()
		deferred = q.dev.IsStarved()
		q.host.Mu.Unlock()
	}
	if deferred {
		q.obs.Observe(EvDeferred)
	}
	return !deferred
}

// tryMergeLocked folds rq into an existing pending request when the
// policy finds an adjacent candidate. Returns true when rq was
// absorbed and needs no insertion of its own.
func (q *Queue) tryMergeLocked(rq *blkdev.Request) bool {
	cand, kind := q.mergeCandidateLocked(rq.Sector, rq.NrSectors, rq.Dir)
	switch kind {
	case elevator.BackMerge:
		cand.NrSectors += rq.NrSectors
		cand.AbsorbSpans(rq)
		q.obs.Observe(EvBackMerge)
	case elevator.FrontMerge:
		cand.Sector = rq.Sector
		cand.NrSectors += rq.NrSectors
		cand.PrependSpans(rq)
		q.policy.Merged(cand)
		q.obs.Observe(EvFrontMerge)
	default:
		return false
	}
	q.lastMerge = cand
	q.coalesceLocked(cand)
	return true
}

// mergeCandidateLocked checks the one-element merge cache first, then
// asks the policy.
func (q *Queue) mergeCandidateLocked(sector uint64, nr uint32, dir blkdev.Dir) (*blkdev.Request, elevator.MergeKind) {
	if lm := q.lastMerge; lm != nil && lm.Mergeable() && lm.Dir == dir {
		if lm.End() == sector {
			return lm, elevator.BackMerge
		}
		if sector+uint64(nr) == lm.Sector {
			return lm, elevator.FrontMerge
		}
	}
	rq, kind := q.policy.Merge(sector, nr, dir)
	if kind == elevator.NoMerge {
		return nil, elevator.NoMerge
	}
	return rq, kind
}

// coalesceLocked collapses rq with its policy successor when a merge
// made the two contiguous.
func (q *Queue) coalesceLocked(rq *blkdev.Request) {
	next := q.policy.Latter(rq)
	if next == nil || !next.Mergeable() || next.Dir != rq.Dir {
		return
	}
	if rq.End() != next.Sector {
		return
	}
	rq.NrSectors += next.NrSectors
	rq.AbsorbSpans(next)
	q.policy.Coalesced(rq, next)
	q.sorted--
	q.queued--
	if q.lastMerge == next {
		q.lastMerge = rq
	}
	q.obs.Observe(EvCoalesce)
}

// addLocked routes a fresh submission to its placement, mirroring how
// barriers and plain requests differ on entry.
func (q *Queue) addLocked(rq *blkdev.Request) {
	if q.ordColor {
		rq.Flags |= blkdev.FlagOrderedColor
	}
	switch {
	case rq.Barrier():
		// A barrier toggles the color generation and bypasses the
		// policy so nothing can reorder around it.
		q.ordColor = !q.ordColor
		q.insertLocked(rq, PlacementBack)
	case q.bypass:
		q.insertLocked(rq, PlacementBack)
	default:
		q.insertLocked(rq, PlacementSort)
	}
}

// insertLocked places rq per the requested placement.
func (q *Queue) insertLocked(rq *blkdev.Request, where Placement) {
	switch where {
	case PlacementFront:
		rq.Flags |= blkdev.FlagSoftBarrier
		q.dispatch = append([]*blkdev.Request{rq}, q.dispatch...)
		q.obs.Observe(EvFrontInsert)

	case PlacementBack:
		rq.Flags |= blkdev.FlagSoftBarrier
		q.drainPolicyLocked()
		q.dispatch = append(q.dispatch, rq)
		if rq.Barrier() {
			q.endSector = rq.End()
			q.boundary = rq
		}
		q.unplugTimerStopLocked()
		q.obs.Observe(EvBackInsert)

	case PlacementSort:
		rq.Flags |= blkdev.FlagSorted
		q.sorted++
		if q.lastMerge == nil && rq.Mergeable() {
			q.lastMerge = rq
		}
		q.policy.Add(rq)
		q.obs.Observe(EvSortInsert)

	case PlacementRequeue:
		rq.Flags |= blkdev.FlagSoftBarrier
		if q.ordPhase == blkdev.OrdNone {
			q.dispatch = append([]*blkdev.Request{rq}, q.dispatch...)
		} else {
			// Keep the barrier sequence intact: slot the requeue
			// in ahead of any request belonging to a later phase.
			at := len(q.dispatch)
			for i, d := range q.dispatch {
				if q.reqPhaseLocked(d) > q.reqPhaseLocked(rq) {
					at = i
					break
				}
			}
			q.dispatch = append(q.dispatch, nil)
			copy(q.dispatch[at+1:], q.dispatch[at:])
			q.dispatch[at] = rq
		}
		q.obs.Observe(EvRequeueInsert)
	}
}

// drainPolicyLocked force-dispatches everything the policy holds into
// the dispatch list.
func (q *Queue) drainPolicyLocked() {
	for q.policy.Dispatch(q, true) {
	}
}

// DispatchSort inserts rq into the dispatch list in sector order,
// scanning back from the tail and never crossing a barrier or a
// started request. Implements elevator.Sink.
func (q *Queue) DispatchSort(rq *blkdev.Request) {
	q.dequeuePolicyLocked(rq)

	boundary := q.endSector
	rq.Flags |= blkdev.FlagSorted

	at := 0
	for i := len(q.dispatch) - 1; i >= 0; i-- {
		pos := q.dispatch[i]
		if pos.Is(blkdev.FlagStarted) || pos.Barrier() || pos.Is(blkdev.FlagSoftBarrier) {
			at = i + 1
			break
		}
		if rq.Sector >= boundary {
			if pos.Sector < boundary {
				at = i + 1
				break
			}
		} else if pos.Sector >= boundary {
			continue
		}
		if rq.Sector >= pos.Sector {
			at = i + 1
			break
		}
	}
	q.dispatch = append(q.dispatch, nil)
	copy(q.dispatch[at+1:], q.dispatch[at:])
	q.dispatch[at] = rq
}

// DispatchAdd appends rq to the dispatch list tail. Implements
// elevator.Sink.
func (q *Queue) DispatchAdd(rq *blkdev.Request) {
	q.dequeuePolicyLocked(rq)
	q.dispatch = append(q.dispatch, rq)
}

// dequeuePolicyLocked accounts for a request leaving policy custody.
func (q *Queue) dequeuePolicyLocked(rq *blkdev.Request) {
	q.sorted--
	if q.lastMerge == rq {
		q.lastMerge = nil
	}
}

// removeDispatchLocked drops rq from the dispatch list, wherever it is.
func (q *Queue) removeDispatchLocked(rq *blkdev.Request) {
	for i, d := range q.dispatch {
		if d == rq {
			q.dispatch = append(q.dispatch[:i], q.dispatch[i+1:]...)
			return
		}
	}
}

// requeueLocked puts a previously dequeued request back at the front,
// undoing its dispatch accounting.
func (q *Queue) requeueLocked(rq *blkdev.Request) {
	if rq.Is(blkdev.FlagStarted) {
		q.inFlight--
		q.obs.ObserveInFlight(q.inFlight)
		if rq.Is(blkdev.FlagSorted) {
			q.sortedInFlight--
			q.policy.Deactivated(rq)
		}
	}
	rq.Flags &^= blkdev.FlagStarted
	if q.boundary == nil {
		q.endSector = rq.Sector
		q.boundary = rq
	}
	q.insertLocked(rq, PlacementRequeue)
}

// plugLocked arms the plug timer so closely spaced submissions batch.
func (q *Queue) plugLocked() {
	if q.plugged || q.plugDelay == 0 {
		return
	}
	q.plugged = true
	q.plugTimer = time.AfterFunc(q.plugDelay, q.Kick)
}

// unplugLocked releases the plug. The caller runs the queue afterwards.
func (q *Queue) unplugLocked() {
	if !q.plugged {
		return
	}
	q.unplugTimerStopLocked()
	q.obs.Observe(EvUnplug)
}

func (q *Queue) unplugTimerStopLocked() {
	q.plugged = false
	if q.plugTimer != nil {
		q.plugTimer.Stop()
		q.plugTimer = nil
	}
}

// Kick unplugs the queue and runs the dispatch loop.
func (q *Queue) Kick() {
	q.mu.Lock()
	q.unplugLocked()
	q.mu.Unlock()
	q.Run()
}

// Run executes the dispatch loop until admission or supply stops it.
func (q *Queue) Run() {
	q.mu.Lock()
	q.runLocked()
	q.mu.Unlock()
}

// runLocked drives the dispatch loop, flattening re-entrant calls that
// arrive while the driver holds the lock released.
func (q *Queue) runLocked() {
	if q.running {
		q.rearm = true
		return
	}
	q.running = true
	for {
		q.rearm = false
		q.dispatchLocked()
		if !q.rearm {
			break
		}
	}
	q.running = false
}
