// Package blksched provides a block I/O scheduling and dispatch engine:
// per-device queues with pluggable ordering policies, request merging,
// barrier sequencing, and two-level admission control against the
// device and its host adapter.
package blksched

import (
	"time"

	"github.com/ehrlich-b/go-blksched/internal/blkdev"
	"github.com/ehrlich-b/go-blksched/internal/logging"
	"github.com/ehrlich-b/go-blksched/internal/queue"
)

// Core request and driver types. Drivers and submitters share these
// with the scheduling internals.
type (
	Request     = blkdev.Request
	Command     = blkdev.Command
	Status      = blkdev.Status
	Diag        = blkdev.Diag
	StatusCode  = blkdev.StatusCode
	DiagKey     = blkdev.DiagKey
	Dir         = blkdev.Dir
	PrepVerdict = blkdev.PrepVerdict
	Driver      = blkdev.Driver
	Target      = blkdev.Target
)

const (
	DirRead  = blkdev.DirRead
	DirWrite = blkdev.DirWrite
	DirFlush = blkdev.DirFlush

	StatusOK       = blkdev.StatusOK
	StatusCheck    = blkdev.StatusCheck
	StatusBusy     = blkdev.StatusBusy
	StatusHostBusy = blkdev.StatusHostBusy
	StatusReset    = blkdev.StatusReset
	StatusTimeout  = blkdev.StatusTimeout
	StatusError    = blkdev.StatusError

	DiagNone           = blkdev.DiagNone
	DiagUnitAttention  = blkdev.DiagUnitAttention
	DiagIllegalRequest = blkdev.DiagIllegalRequest
	DiagNotReady       = blkdev.DiagNotReady
	DiagVolumeOverflow = blkdev.DiagVolumeOverflow

	QualUnsupportedOpcode   = blkdev.QualUnsupportedOpcode
	QualBecomingReady       = blkdev.QualBecomingReady
	QualFormatInProgress    = blkdev.QualFormatInProgress
	QualOperationInProgress = blkdev.QualOperationInProgress

	PrepReady = blkdev.PrepReady
	PrepDefer = blkdev.PrepDefer
	PrepKill  = blkdev.PrepKill

	// SectorSize is the fixed logical sector size.
	SectorSize = blkdev.SectorSize
)

// Binder is implemented by drivers that deliver completions
// asynchronously; the device hands them its completion entry point at
// attach time.
type Binder interface {
	Bind(complete func(*Command, Status))
}

// Host is one host adapter: the shared admission level above a set of
// devices.
type Host struct {
	h       *blkdev.Host
	devices []*Device
}

// NewHost creates a host adapter. canQueue bounds commands in flight
// across all its devices; zero means unlimited.
func NewHost(canQueue int) *Host {
	return &Host{h: &blkdev.Host{CanQueue: canQueue}}
}

// NewTarget creates a target grouping for sibling devices. An
// exclusive target serializes dispatch: only one sibling may have
// commands in flight at a time.
func (h *Host) NewTarget(exclusive bool) *Target {
	return &Target{Exclusive: exclusive}
}

// Block latches external backpressure: no command is admitted until
// Unblock.
func (h *Host) Block() {
	h.h.Mu.Lock()
	h.h.SelfBlocked = true
	h.h.Mu.Unlock()
}

// Unblock releases external backpressure and gives every device a
// chance to run.
func (h *Host) Unblock() {
	h.h.Mu.Lock()
	h.h.SelfBlocked = false
	h.h.Mu.Unlock()
	for _, d := range h.devices {
		d.q.Kick()
	}
}

// Busy reports commands currently in flight across the host.
func (h *Host) Busy() int {
	h.h.Mu.Lock()
	defer h.h.Mu.Unlock()
	return h.h.Busy
}

// DeviceParams configures one device under a host.
type DeviceParams struct {
	// Name identifies the device in logs and metrics.
	Name string

	// QueueDepth caps commands in flight to this device. Zero means
	// unlimited.
	QueueDepth int

	// Policy names the initial scheduling policy (default
	// DefaultPolicy).
	Policy string

	// Removable devices treat a unit-attention completion as a media
	// change instead of a retryable glitch.
	Removable bool

	// Wide enables the command form subject to one-time downgrade.
	Wide bool

	// Target optionally groups this device with siblings for
	// exclusive dispatch.
	Target *Target

	// MaxRetries bounds transparent retries per request (default
	// DefaultMaxRetries).
	MaxRetries int

	// MaxBlocked seeds the transient-busy countdown (default
	// DefaultMaxBlocked).
	MaxBlocked int

	// CongestionThreshold forces an unplug once this many submitted
	// requests wait behind the plug (default
	// DefaultCongestionThreshold).
	CongestionThreshold int

	// PlugDelay bounds submission batching on an idle queue. Zero
	// disables plugging.
	PlugDelay time.Duration
}

// Options carries optional wiring for AddDevice.
type Options struct {
	// Metrics receives scheduling counters. If nil a fresh Metrics is
	// created.
	Metrics *Metrics

	// Recovery is invoked, outside all locks, for requests whose
	// failure escalates beyond the queue's scope.
	Recovery func(*Request, Status)
}

// Device is one schedulable block device: a queue, its policy, and the
// driver below it.
type Device struct {
	name    string
	dev     *blkdev.Device
	q       *queue.Queue
	host    *Host
	metrics *Metrics
}

// AddDevice attaches a device to the host and builds its scheduling
// queue on top of driver.
func (h *Host) AddDevice(params DeviceParams, driver Driver, opts *Options) (*Device, error) {
	if opts == nil {
		opts = &Options{}
	}
	if params.Policy == "" {
		params.Policy = DefaultPolicy
	}
	if params.MaxRetries == 0 {
		params.MaxRetries = DefaultMaxRetries
	}
	if params.MaxBlocked == 0 {
		params.MaxBlocked = DefaultMaxBlocked
	}
	if params.CongestionThreshold == 0 {
		params.CongestionThreshold = DefaultCongestionThreshold
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	dev := &blkdev.Device{
		Name:       params.Name,
		QueueDepth: params.QueueDepth,
		Online:     true,
		Removable:  params.Removable,
		Wide:       params.Wide,
		Host:       h.h,
	}
	if params.Target != nil {
		params.Target.Attach(dev)
	}

	q, err := queue.New(queue.Params{
		Device:              dev,
		Host:                h.h,
		Driver:              driver,
		Policy:              params.Policy,
		CongestionThreshold: params.CongestionThreshold,
		PlugDelay:           params.PlugDelay,
		MaxRetries:          params.MaxRetries,
		MaxBlocked:          params.MaxBlocked,
		Logger:              logging.Default(),
		Observer:            metricsObserver{metrics},
		Recovery:            opts.Recovery,
	})
	if err != nil {
		return nil, err
	}

	d := &Device{
		name:    params.Name,
		dev:     dev,
		q:       q,
		host:    h,
		metrics: metrics,
	}
	if b, ok := driver.(Binder); ok {
		b.Bind(q.Complete)
	}
	h.devices = append(h.devices, d)
	return d, nil
}

// Unit is one submitted I/O: a contiguous sector range, a direction,
// and a completion callback.
type Unit struct {
	Sector    uint64
	NrSectors uint32
	Dir       Dir

	// Barrier requests full ordered sequencing around this unit:
	// everything before it reaches the medium first, the unit is
	// bracketed by cache flushes, and nothing after it starts early.
	Barrier bool

	// Done is invoked exactly once with the unit's outcome. It may run
	// on the submitter's goroutine or a completion goroutine and must
	// not block.
	Done func(error)
}

// Disposition reports how a submission was taken up.
type Disposition int

const (
	// Accepted: the request entered scheduling and can be worked on
	// immediately.
	Accepted Disposition = iota
	// Deferred: the request was queued but is parked behind a plug,
	// starvation, or blocked admission; completions or Kick will move
	// it along.
	Deferred
)

// Submit queues one I/O unit. Adjacent units merge into a single
// request when the active policy allows it; the unit's Done fires when
// its own sectors complete.
func (d *Device) Submit(u Unit) Disposition {
	rq := &blkdev.Request{
		Sector:    u.Sector,
		NrSectors: u.NrSectors,
		Dir:       u.Dir,
	}
	if u.Barrier {
		rq.Flags |= blkdev.FlagHardBarrier | blkdev.FlagSoftBarrier
	}
	if u.Dir == DirFlush {
		// A standalone flush orders like a soft barrier; it never
		// merges and never sorts.
		rq.Flags |= blkdev.FlagSoftBarrier
	}
	rq.AddSpan(u.NrSectors, u.Done, true)
	if d.q.Submit(rq) {
		return Accepted
	}
	return Deferred
}

// Kick unplugs the queue and re-runs the dispatch loop.
func (d *Device) Kick() { d.q.Kick() }

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Schedulers lists the registered policies with the active one
// bracketed, e.g. "fifo [sector]".
func (d *Device) Schedulers() string { return d.q.Policies() }

// SetScheduler switches the active policy by name. The switch drains
// in-flight policy-owned requests first; pending sorted requests are
// re-sorted into the new policy. On failure the old policy stays
// active.
func (d *Device) SetScheduler(name string) error { return d.q.SwitchPolicy(name) }

// SetOffline declares the device dead: everything queued or later
// submitted fails fast with a uniform no-connection error.
func (d *Device) SetOffline() { d.q.SetOnline(false) }

// SetOnline returns the device to service.
func (d *Device) SetOnline() { d.q.SetOnline(true) }

// MediaChanged reports whether a media change was latched since the
// last check, clearing the latch.
func (d *Device) MediaChanged() bool { return d.q.MediaChanged(true) }

// InjectTimeout forces a caller-tracked deadline expiry for an
// in-flight command. The command completes through the recovery hook;
// the driver must not also complete it.
func (d *Device) InjectTimeout(cmd *Command) { d.q.InjectTimeout(cmd) }

// Counters reports live scheduling counts: requests owned by the
// policy, requests in flight, and live requests overall.
func (d *Device) Counters() (sorted, inFlight, queued int) {
	return d.q.Counters()
}

// Metrics returns the device's scheduling metrics.
func (d *Device) Metrics() *Metrics { return d.metrics }

// MetricsSnapshot returns a point-in-time snapshot of the device's
// scheduling metrics.
func (d *Device) MetricsSnapshot() MetricsSnapshot { return d.metrics.Snapshot() }
