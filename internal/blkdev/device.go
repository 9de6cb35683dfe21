package blkdev

import "sync"

// Device models one block device below a queue: its admission counters
// and its liveness. Busy and Blocked are guarded by the owning queue's
// lock, exactly like the pending and dispatch lists they pace.
type Device struct {
	Name string

	// Busy counts commands handed to the driver and not yet completed.
	Busy int

	// QueueDepth is the device admission limit: dispatch stops while
	// Busy >= QueueDepth.
	QueueDepth int

	// Blocked is a countdown opened by transient-busy completions; each
	// later completion decrements it and the gate reopens at zero.
	Blocked    int
	MaxBlocked int

	// Online is cleared when the device is declared dead. Requests
	// selected for a dead device fail fast with a uniform no-connection
	// error.
	Online bool

	// Removable devices report a unit attention as a media change
	// instead of a retryable reset glitch.
	Removable bool

	// Changed latches a detected media change.
	Changed bool

	// Wide is the capability subject to one-time downgrade: when a wide
	// command form is rejected as unsupported, Wide is cleared and the
	// request retried in the narrow form.
	Wide bool

	Target *Target
	Host   *Host

	// Run re-arms the dispatch loop of the queue owning this device. Set
	// at queue construction; invoked without any core lock held.
	Run func()

	// starved notes membership in the host's starvation list. Guarded by
	// the host lock.
	starved bool
}

// IsStarved reports starvation-list membership. Caller holds the host
// lock.
func (d *Device) IsStarved() bool { return d.starved }

// Target is the shared ancestor of sibling devices that must serialize
// dispatch: while Exclusive is set, only the current Owner's queue may
// push commands. Owner is guarded by the host lock.
type Target struct {
	Exclusive bool
	Owner     *Device
	Devices   []*Device
}

// Attach registers d as a sibling on the target.
func (t *Target) Attach(d *Device) {
	t.Devices = append(t.Devices, d)
	d.Target = t
}

// Host is one host adapter: the second admission level shared by every
// device behind it. Its counters and the starvation list are guarded by
// its own lock; lock order is queue lock before host lock.
type Host struct {
	Mu sync.Mutex

	// Busy counts commands outstanding across all devices on the host.
	Busy int

	// CanQueue is the adapter concurrency limit; zero means unlimited.
	CanQueue int

	// Blocked is the adapter-level transient-busy countdown.
	Blocked    int
	MaxBlocked int

	// SelfBlocked is the external backpressure latch: while set, no
	// admission succeeds regardless of counters.
	SelfBlocked bool

	// starved is the FIFO of devices denied host admission, retried one
	// per completion sweep.
	starved []*Device
}

// Open reports whether the host can accept another command right now.
// Caller holds the host lock.
func (h *Host) Open() bool {
	if h.Blocked > 0 || h.SelfBlocked {
		return false
	}
	return h.CanQueue == 0 || h.Busy < h.CanQueue
}

// Starve appends d to the starvation list. Idempotent. Caller holds the
// host lock.
func (h *Host) Starve(d *Device) {
	if d.starved {
		return
	}
	d.starved = true
	h.starved = append(h.starved, d)
}

// Unstarve removes d from the starvation list if present. Caller holds
// the host lock.
func (h *Host) Unstarve(d *Device) {
	if !d.starved {
		return
	}
	d.starved = false
	for i, s := range h.starved {
		if s == d {
			h.starved = append(h.starved[:i], h.starved[i+1:]...)
			break
		}
	}
}

// PopStarved removes and returns the first starved device, or nil.
// Caller holds the host lock.
func (h *Host) PopStarved() *Device {
	if len(h.starved) == 0 {
		return nil
	}
	d := h.starved[0]
	h.starved = h.starved[1:]
	d.starved = false
	return d
}

// StarvedLen reports the starvation list length. Caller holds the host
// lock.
func (h *Host) StarvedLen() int { return len(h.starved) }
