package elevator

import (
	"testing"

	"github.com/ehrlich-b/go-blksched/internal/blkdev"
)

// captureSink records dispatch order for assertions.
type captureSink struct {
	out []*blkdev.Request
}

func (s *captureSink) DispatchSort(rq *blkdev.Request) { s.out = append(s.out, rq) }
func (s *captureSink) DispatchAdd(rq *blkdev.Request)  { s.out = append(s.out, rq) }

func wr(sector uint64, nr uint32) *blkdev.Request {
	return &blkdev.Request{Sector: sector, NrSectors: nr, Dir: blkdev.DirWrite}
}

func drain(p Policy) []*blkdev.Request {
	s := &captureSink{}
	for p.Dispatch(s, true) {
	}
	return s.out
}

func TestSectorOrdersAscending(t *testing.T) {
	p := NewSector()
	for _, sec := range []uint64{300, 100, 200} {
		p.Add(wr(sec, 8))
	}

	out := drain(p)
	if len(out) != 3 {
		t.Fatalf("dispatched %d requests, want 3", len(out))
	}
	for i, want := range []uint64{100, 200, 300} {
		if out[i].Sector != want {
			t.Errorf("position %d: sector %d, want %d", i, out[i].Sector, want)
		}
	}
	if !p.Empty() {
		t.Error("policy not empty after drain")
	}
}

func TestSectorSweepDoesNotBacktrack(t *testing.T) {
	p := NewSector()
	p.Add(wr(100, 8))

	s := &captureSink{}
	if !p.Dispatch(s, false) {
		t.Fatal("expected a dispatch")
	}

	// The sweep head is now past 100; a lower request waits for the
	// next pass behind the higher one.
	p.Add(wr(50, 8))
	p.Add(wr(200, 8))

	p.Dispatch(s, false)
	p.Dispatch(s, false)

	got := []uint64{s.out[1].Sector, s.out[2].Sector}
	if got[0] != 200 || got[1] != 50 {
		t.Errorf("sweep order %v, want [200 50]", got)
	}
}

func TestSectorMergeLookup(t *testing.T) {
	p := NewSector()
	rq := wr(100, 10)
	p.Add(rq)

	if got, kind := p.Merge(110, 10, blkdev.DirWrite); got != rq || kind != BackMerge {
		t.Errorf("Merge(110) = %v, %v; want back merge with pending request", got, kind)
	}
	if got, kind := p.Merge(90, 10, blkdev.DirWrite); got != rq || kind != FrontMerge {
		t.Errorf("Merge(90) = %v, %v; want front merge with pending request", got, kind)
	}
	if _, kind := p.Merge(110, 10, blkdev.DirRead); kind != NoMerge {
		t.Errorf("direction mismatch merged anyway: %v", kind)
	}
	if _, kind := p.Merge(500, 10, blkdev.DirWrite); kind != NoMerge {
		t.Errorf("non-adjacent unit merged: %v", kind)
	}
}

func TestSectorMergedRestoresOrder(t *testing.T) {
	p := NewSector()
	a := wr(100, 10)
	b := wr(50, 10)
	p.Add(a)
	p.Add(b)

	// Simulate a front merge moving a down below b.
	a.Sector = 20
	a.NrSectors = 90
	p.Merged(a)

	out := drain(p)
	if out[0] != a || out[1] != b {
		t.Errorf("order after front merge: [%d %d], want a before b", out[0].Sector, out[1].Sector)
	}
}

func TestSectorCoalescedRemovesNext(t *testing.T) {
	p := NewSector()
	a := wr(100, 10)
	b := wr(110, 10)
	p.Add(a)
	p.Add(b)

	if got := p.Latter(a); got != b {
		t.Fatalf("Latter(a) = %v, want b", got)
	}
	p.Coalesced(a, b)

	out := drain(p)
	if len(out) != 1 || out[0] != a {
		t.Errorf("pending after coalesce: %d requests, want just a", len(out))
	}
}

func TestFIFOPreservesArrivalOrder(t *testing.T) {
	p := NewFIFO()
	order := []uint64{300, 100, 200}
	for _, sec := range order {
		p.Add(wr(sec, 8))
	}

	out := drain(p)
	for i, want := range order {
		if out[i].Sector != want {
			t.Errorf("position %d: sector %d, want %d", i, out[i].Sector, want)
		}
	}
}

func TestFIFOMergeScan(t *testing.T) {
	p := NewFIFO()
	rq := wr(100, 10)
	p.Add(rq)

	if got, kind := p.Merge(110, 10, blkdev.DirWrite); got != rq || kind != BackMerge {
		t.Errorf("Merge = %v, %v; want back merge", got, kind)
	}
}

func TestMergeOKExcludesBarriers(t *testing.T) {
	rq := wr(100, 10)
	rq.Flags |= blkdev.FlagHardBarrier
	if MergeOK(rq, blkdev.DirWrite, rq.Dev) {
		t.Error("barrier request offered as merge target")
	}

	started := wr(100, 10)
	started.Flags |= blkdev.FlagStarted
	if MergeOK(started, blkdev.DirWrite, started.Dev) {
		t.Error("started request offered as merge target")
	}
}

func TestRegistry(t *testing.T) {
	if Get(SectorName) == nil || Get(FIFOName) == nil {
		t.Fatal("built-in policies not registered")
	}
	if Get("nope") != nil {
		t.Error("unknown policy resolved")
	}
	if err := Register(SectorName, NewSector); err == nil {
		t.Error("duplicate registration succeeded")
	}

	if err := Register("custom", NewFIFO); err != nil {
		t.Fatalf("registering custom policy: %v", err)
	}
	defer Unregister("custom")

	found := false
	for _, n := range Names() {
		if n == "custom" {
			found = true
		}
	}
	if !found {
		t.Errorf("Names() = %v, missing custom", Names())
	}
}
