package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/ehrlich-b/go-blksched/internal/blkdev"
	"github.com/ehrlich-b/go-blksched/internal/elevator"
)

const (
	// switchPoll is how long the switcher sleeps between drain checks.
	switchPoll = 10 * time.Millisecond
	// switchTimeout bounds the whole drain wait; past it the switch
	// aborts and the old policy stays active.
	switchTimeout = 5 * time.Second
)

// SwitchPolicy replaces the active scheduling policy by name. New
// submissions bypass sorting while the old policy drains; once no
// policy-owned request remains in flight the new policy takes over and
// any still-pending sorted requests are re-sorted into it. On any
// failure the old policy stays active.
func (q *Queue) SwitchPolicy(name string) error {
	factory := elevator.Get(name)
	if factory == nil {
		return blkdev.NewError("queue.SwitchPolicy", blkdev.ErrCodeUnknownPolicy, name)
	}

	q.mu.Lock()
	if name == q.policyName {
		q.mu.Unlock()
		return nil
	}
	if q.bypass {
		q.mu.Unlock()
		return blkdev.NewError("queue.SwitchPolicy", blkdev.ErrCodeSwitchBusy, "another switch in progress")
	}
	q.bypass = true
	q.drainPolicyLocked()
	q.unplugLocked()
	q.mu.Unlock()

	deadline := time.Now().Add(switchTimeout)
	for {
		q.Run()
		q.mu.Lock()
		if q.sortedInFlight == 0 {
			break
		}
		q.mu.Unlock()
		if time.Now().After(deadline) {
			q.mu.Lock()
			q.bypass = false
			q.mu.Unlock()
			q.Kick()
			return blkdev.NewError("queue.SwitchPolicy", blkdev.ErrCodeSwitchBusy, "drain timed out")
		}
		time.Sleep(switchPoll)
	}

	old := q.policy
	oldName := q.policyName
	q.policy = factory()
	q.policyName = name
	q.lastMerge = nil

	// Sorted requests still sitting on the dispatch list, not yet
	// started, go back through the new policy so it orders them.
	var kept, resort []*blkdev.Request
	for _, rq := range q.dispatch {
		if rq.Is(blkdev.FlagSorted) && !rq.Is(blkdev.FlagStarted) && !rq.Barrier() {
			resort = append(resort, rq)
		} else {
			kept = append(kept, rq)
		}
	}
	q.dispatch = kept
	for _, rq := range resort {
		q.sorted++
		if q.lastMerge == nil && rq.Mergeable() {
			q.lastMerge = rq
		}
		q.policy.Add(rq)
	}

	q.bypass = false
	q.obs.Observe(EvPolicySwitch)
	q.mu.Unlock()

	old.Exit()
	q.log.Info("policy switched", "from", oldName, "to", name)
	q.Kick()
	return nil
}

// Policies lists the registered policies with the active one
// bracketed, e.g. "fifo [sector]".
func (q *Queue) Policies() string {
	q.mu.Lock()
	active := q.policyName
	q.mu.Unlock()

	var b strings.Builder
	for i, name := range elevator.Names() {
		if i > 0 {
			b.WriteByte(' ')
		}
		if name == active {
			fmt.Fprintf(&b, "[%s]", name)
		} else {
			b.WriteString(name)
		}
	}
	return b.String()
}
