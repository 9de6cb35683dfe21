package elevator

import (
	"sort"

	"github.com/ehrlich-b/go-blksched/internal/blkdev"
)

// SectorName is the reference policy's registry name.
const SectorName = "sector"

// sectorPolicy keeps the pending set sorted by start sector and serves
// it in ascending order, restarting from the lowest sector once the
// sweep runs out. Merge lookup is a binary search on the sorted slice.
type sectorPolicy struct {
	pending []*blkdev.Request // sorted by Sector
	// head is the sector the one-way sweep has reached; requests below
	// it wait for the next pass.
	head uint64
}

// NewSector builds the reference sector-order policy.
func NewSector() Policy { return &sectorPolicy{} }

func (p *sectorPolicy) Name() string { return SectorName }

func (p *sectorPolicy) search(sector uint64) int {
	return sort.Search(len(p.pending), func(i int) bool {
		return p.pending[i].Sector >= sector
	})
}

func (p *sectorPolicy) indexOf(rq *blkdev.Request) int {
	for i := p.search(rq.Sector); i < len(p.pending) && p.pending[i].Sector == rq.Sector; i++ {
		if p.pending[i] == rq {
			return i
		}
	}
	// Sector may be stale after a front merge; fall back to a scan.
	for i, q := range p.pending {
		if q == rq {
			return i
		}
	}
	return -1
}

func (p *sectorPolicy) remove(i int) {
	p.pending = append(p.pending[:i], p.pending[i+1:]...)
}

func (p *sectorPolicy) Add(rq *blkdev.Request) {
	i := p.search(rq.Sector)
	p.pending = append(p.pending, nil)
	copy(p.pending[i+1:], p.pending[i:])
	p.pending[i] = rq
}

func (p *sectorPolicy) Merge(sector uint64, nr uint32, dir blkdev.Dir) (*blkdev.Request, MergeKind) {
	// Back merge: a pending request ending exactly at sector.
	// Front merge: a pending request starting exactly at sector+nr; it
	// sits at the insertion point for that sector.
	i := p.search(sector + uint64(nr))
	if i < len(p.pending) {
		if rq := p.pending[i]; rq.Sector == sector+uint64(nr) &&
			MergeOK(rq, dir, rq.Dev) {
			return rq, FrontMerge
		}
	}
	for j := i - 1; j >= 0; j-- {
		rq := p.pending[j]
		if rq.End() < sector {
			break
		}
		if rq.End() == sector && MergeOK(rq, dir, rq.Dev) {
			return rq, BackMerge
		}
	}
	return nil, NoMerge
}

func (p *sectorPolicy) Merged(rq *blkdev.Request) {
	// A front merge moved the start sector; restore sort order.
	if i := p.indexOf(rq); i >= 0 {
		p.remove(i)
		p.Add(rq)
	}
}

func (p *sectorPolicy) Coalesced(rq, next *blkdev.Request) {
	if i := p.indexOf(next); i >= 0 {
		p.remove(i)
	}
}

func (p *sectorPolicy) Dispatch(s Sink, force bool) bool {
	if len(p.pending) == 0 {
		return false
	}
	i := p.search(p.head)
	if i == len(p.pending) {
		// Sweep wrapped; restart from the lowest sector.
		i = 0
	}
	rq := p.pending[i]
	p.remove(i)
	p.head = rq.End()
	s.DispatchSort(rq)
	return true
}

func (p *sectorPolicy) Latter(rq *blkdev.Request) *blkdev.Request {
	if i := p.indexOf(rq); i >= 0 && i+1 < len(p.pending) {
		return p.pending[i+1]
	}
	return nil
}

func (p *sectorPolicy) Former(rq *blkdev.Request) *blkdev.Request {
	if i := p.indexOf(rq); i > 0 {
		return p.pending[i-1]
	}
	return nil
}

func (p *sectorPolicy) Activated(rq *blkdev.Request)   {}
func (p *sectorPolicy) Deactivated(rq *blkdev.Request) {}
func (p *sectorPolicy) Completed(rq *blkdev.Request)   {}

func (p *sectorPolicy) Empty() bool { return len(p.pending) == 0 }

func (p *sectorPolicy) Exit() { p.pending = nil }
