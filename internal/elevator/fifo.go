package elevator

import (
	"github.com/ehrlich-b/go-blksched/internal/blkdev"
)

// FIFOName is the no-reordering policy's registry name.
const FIFOName = "fifo"

// fifoPolicy serves requests strictly in arrival order. Merging still
// applies; only ordering is pass-through.
type fifoPolicy struct {
	pending []*blkdev.Request
}

// NewFIFO builds the pass-through policy.
func NewFIFO() Policy { return &fifoPolicy{} }

func (p *fifoPolicy) Name() string { return FIFOName }

func (p *fifoPolicy) Add(rq *blkdev.Request) {
	p.pending = append(p.pending, rq)
}

func (p *fifoPolicy) Merge(sector uint64, nr uint32, dir blkdev.Dir) (*blkdev.Request, MergeKind) {
	for _, rq := range p.pending {
		if !MergeOK(rq, dir, rq.Dev) {
			continue
		}
		if k := TryMerge(rq, sector, nr); k != NoMerge {
			return rq, k
		}
	}
	return nil, NoMerge
}

func (p *fifoPolicy) Merged(rq *blkdev.Request) {}

func (p *fifoPolicy) Coalesced(rq, next *blkdev.Request) {
	for i, q := range p.pending {
		if q == next {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return
		}
	}
}

func (p *fifoPolicy) Dispatch(s Sink, force bool) bool {
	if len(p.pending) == 0 {
		return false
	}
	rq := p.pending[0]
	p.pending = p.pending[1:]
	s.DispatchAdd(rq)
	return true
}

func (p *fifoPolicy) Latter(rq *blkdev.Request) *blkdev.Request {
	for i, q := range p.pending {
		if q == rq && i+1 < len(p.pending) {
			return p.pending[i+1]
		}
	}
	return nil
}

func (p *fifoPolicy) Former(rq *blkdev.Request) *blkdev.Request {
	var prev *blkdev.Request
	for _, q := range p.pending {
		if q == rq {
			return prev
		}
		prev = q
	}
	return nil
}

func (p *fifoPolicy) Activated(rq *blkdev.Request)   {}
func (p *fifoPolicy) Deactivated(rq *blkdev.Request) {}
func (p *fifoPolicy) Completed(rq *blkdev.Request)   {}

func (p *fifoPolicy) Empty() bool { return len(p.pending) == 0 }

func (p *fifoPolicy) Exit() { p.pending = nil }
