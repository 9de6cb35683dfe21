// Package mem provides a RAM-backed driver for the scheduling core: an
// in-memory disk served by a small worker pool, with configurable
// completion latency and fault injection. It exists for tests,
// examples and the blksim workload tool.
package mem

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	blksched "github.com/ehrlich-b/go-blksched"
)

// Config configures a memory driver.
type Config struct {
	// Size is the disk capacity in bytes. Rounded down to a whole
	// sector count.
	Size int64

	// Workers is the number of completion goroutines (default 1).
	Workers int

	// Latency is added to every command before it completes.
	Latency time.Duration

	// Depth bounds commands accepted but not yet completed; past it
	// Submit rejects outright. Zero means unbounded.
	Depth int
}

// Driver is a memory-backed Driver. It completes commands
// asynchronously on its worker pool.
type Driver struct {
	size    int64
	latency time.Duration

	mu   sync.RWMutex
	data []byte

	complete func(*blksched.Command, blksched.Status)

	work   chan *blksched.Command
	wg     sync.WaitGroup
	closed chan struct{}

	faultMu sync.Mutex
	faults  []blksched.Status

	reads   atomic.Uint64
	writes  atomic.Uint64
	flushes atomic.Uint64
}

// New creates a memory driver and starts its workers.
func New(cfg Config) *Driver {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	depth := cfg.Depth
	if depth <= 0 {
		depth = 1024
	}
	size := cfg.Size - cfg.Size%blksched.SectorSize
	d := &Driver{
		size:    size,
		latency: cfg.Latency,
		data:    make([]byte, size),
		work:    make(chan *blksched.Command, depth),
		closed:  make(chan struct{}),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// Bind implements blksched.Binder.
func (d *Driver) Bind(complete func(*blksched.Command, blksched.Status)) {
	d.complete = complete
}

// FailNext injects statuses returned, in order, by upcoming
// completions instead of real execution.
func (d *Driver) FailNext(statuses ...blksched.Status) {
	d.faultMu.Lock()
	d.faults = append(d.faults, statuses...)
	d.faultMu.Unlock()
}

// Prepare implements blksched.Driver.
func (d *Driver) Prepare(req *blksched.Request) (*blksched.Command, blksched.PrepVerdict) {
	if req.Dir == blksched.DirFlush {
		return &blksched.Command{Req: req}, blksched.PrepReady
	}
	if int64(req.End())*blksched.SectorSize > d.size {
		return nil, blksched.PrepKill
	}
	cmd := &blksched.Command{
		Req:     req,
		Payload: getBuffer(req.NrSectors * blksched.SectorSize),
	}
	return cmd, blksched.PrepReady
}

// Submit implements blksched.Driver.
func (d *Driver) Submit(cmd *blksched.Command) error {
	select {
	case <-d.closed:
		return fmt.Errorf("mem: driver closed")
	default:
	}
	select {
	case d.work <- cmd:
		return nil
	default:
		return fmt.Errorf("mem: device saturated")
	}
}

func (d *Driver) worker() {
	defer d.wg.Done()
	for {
		select {
		case cmd := <-d.work:
			d.execute(cmd)
		case <-d.closed:
			return
		}
	}
}

func (d *Driver) execute(cmd *blksched.Command) {
	if d.latency > 0 {
		time.Sleep(d.latency)
	}

	if st, ok := d.popFault(); ok {
		d.finish(cmd, st)
		return
	}

	req := cmd.Req
	off := int64(req.Sector) * blksched.SectorSize
	n := int64(req.NrSectors) * blksched.SectorSize

	switch req.Dir {
	case blksched.DirRead:
		d.mu.RLock()
		copy(cmd.Payload, d.data[off:off+n])
		d.mu.RUnlock()
		d.reads.Add(1)
	case blksched.DirWrite:
		d.mu.Lock()
		copy(d.data[off:off+n], cmd.Payload)
		d.mu.Unlock()
		d.writes.Add(1)
	case blksched.DirFlush:
		// RAM never has a dirty cache; flushes are ordering no-ops.
		d.flushes.Add(1)
	}

	d.finish(cmd, blksched.Status{Code: blksched.StatusOK, BytesDone: uint32(n)})
}

func (d *Driver) finish(cmd *blksched.Command, st blksched.Status) {
	if cmd.Payload != nil {
		putBuffer(cmd.Payload)
		cmd.Payload = nil
	}
	d.complete(cmd, st)
}

func (d *Driver) popFault() (blksched.Status, bool) {
	d.faultMu.Lock()
	defer d.faultMu.Unlock()
	if len(d.faults) == 0 {
		return blksched.Status{}, false
	}
	st := d.faults[0]
	d.faults = d.faults[1:]
	return st, true
}

// Size returns the disk capacity in bytes.
func (d *Driver) Size() int64 { return d.size }

// Stats reports execution counts.
func (d *Driver) Stats() map[string]uint64 {
	return map[string]uint64{
		"reads":   d.reads.Load(),
		"writes":  d.writes.Load(),
		"flushes": d.flushes.Load(),
	}
}

// Close stops the workers. Commands still queued are dropped.
func (d *Driver) Close() error {
	select {
	case <-d.closed:
		return nil
	default:
	}
	close(d.closed)
	d.wg.Wait()
	return nil
}

// Compile-time interface checks
var (
	_ blksched.Driver = (*Driver)(nil)
	_ blksched.Binder = (*Driver)(nil)
)
