package blksched

import (
	"errors"
	"testing"
)

func collectErr(dst *error) func(error) {
	return func(err error) { *dst = err }
}

func TestDeviceEndToEnd(t *testing.T) {
	h := NewHost(0)
	drv := NewMockDriver(true)
	d, err := h.AddDevice(DeviceParams{Name: "mock0", QueueDepth: 4}, drv, nil)
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}

	var e1, e2, e3 error
	d.Submit(Unit{Sector: 0, NrSectors: 8, Dir: DirWrite, Done: collectErr(&e1)})
	d.Submit(Unit{Sector: 64, NrSectors: 8, Dir: DirRead, Done: collectErr(&e2)})
	d.Submit(Unit{Sector: 128, NrSectors: 8, Dir: DirWrite, Barrier: true, Done: collectErr(&e3)})

	for i, e := range []error{e1, e2, e3} {
		if e != nil {
			t.Errorf("unit %d failed: %v", i, e)
		}
	}

	snap := d.MetricsSnapshot()
	if snap.Submits != 3 {
		t.Errorf("Submits = %d, want 3", snap.Submits)
	}
	if snap.BarriersStarted != 1 || snap.BarriersDone != 1 {
		t.Errorf("barriers started/done = %d/%d, want 1/1",
			snap.BarriersStarted, snap.BarriersDone)
	}
	if snap.Completions == 0 {
		t.Error("expected completions recorded")
	}

	sorted, inFlight, queued := d.Counters()
	if sorted != 0 || inFlight != 0 || queued != 0 {
		t.Errorf("counters not balanced: sorted=%d inFlight=%d queued=%d",
			sorted, inFlight, queued)
	}
}

func TestSchedulerListingAndSwitch(t *testing.T) {
	h := NewHost(0)
	d, err := h.AddDevice(DeviceParams{Name: "mock0"}, NewMockDriver(true), nil)
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}

	if got := d.Schedulers(); got != "fifo [sector]" {
		t.Errorf("Schedulers() = %q, want %q", got, "fifo [sector]")
	}
	if err := d.SetScheduler("fifo"); err != nil {
		t.Fatalf("SetScheduler(fifo) failed: %v", err)
	}
	if got := d.Schedulers(); got != "[fifo] sector" {
		t.Errorf("Schedulers() = %q, want %q", got, "[fifo] sector")
	}

	err = d.SetScheduler("deadline")
	if err == nil {
		t.Fatal("expected error switching to unregistered policy")
	}
	if !IsCode(err, ErrCodeUnknownPolicy) {
		t.Errorf("error code = %v, want unknown policy", err)
	}
	if !errors.Is(err, ErrUnknownPolicy) {
		t.Errorf("errors.Is(err, ErrUnknownPolicy) = false for %v", err)
	}
	if d.MetricsSnapshot().PolicySwitches != 1 {
		t.Errorf("PolicySwitches = %d, want 1", d.MetricsSnapshot().PolicySwitches)
	}
}

func TestRemovableUnitAttentionLatchesMediaChange(t *testing.T) {
	h := NewHost(0)
	drv := NewMockDriver(false)
	d, err := h.AddDevice(DeviceParams{Name: "cd0", Removable: true}, drv, nil)
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}

	var got error
	d.Submit(Unit{Sector: 0, NrSectors: 8, Dir: DirRead, Done: collectErr(&got)})
	if drv.Held() != 1 {
		t.Fatalf("held = %d, want 1", drv.Held())
	}

	drv.Script(Status{Code: StatusCheck, Diag: &Diag{Key: DiagUnitAttention}})
	drv.CompleteNext()

	if got == nil {
		t.Fatal("expected media-change failure")
	}
	if !errors.Is(got, ErrMediaChanged) {
		t.Errorf("error = %v, want media changed", got)
	}
	if !d.MediaChanged() {
		t.Error("media-change latch not set")
	}
	if d.MediaChanged() {
		t.Error("media-change latch not cleared by read")
	}
}

func TestFixedUnitAttentionRetriesTransparently(t *testing.T) {
	h := NewHost(0)
	drv := NewMockDriver(false)
	d, err := h.AddDevice(DeviceParams{Name: "disk0"}, drv, nil)
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}

	var got error
	called := false
	d.Submit(Unit{Sector: 0, NrSectors: 8, Dir: DirRead, Done: func(err error) {
		got = err
		called = true
	}})

	drv.Script(Status{Code: StatusCheck, Diag: &Diag{Key: DiagUnitAttention}})
	drv.CompleteNext()
	if called {
		t.Fatal("unit completed instead of retrying")
	}
	if drv.Held() != 1 {
		t.Fatalf("held after retry = %d, want 1", drv.Held())
	}

	drv.CompleteNext()
	if !called || got != nil {
		t.Errorf("retry did not succeed: called=%v err=%v", called, got)
	}
	if d.MetricsSnapshot().Retries != 1 {
		t.Errorf("Retries = %d, want 1", d.MetricsSnapshot().Retries)
	}
}

func TestWideDowngradeIsOneTime(t *testing.T) {
	h := NewHost(0)
	drv := NewMockDriver(false)
	d, err := h.AddDevice(DeviceParams{Name: "disk0", Wide: true}, drv, nil)
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}

	illegal := Status{
		Code: StatusCheck,
		Diag: &Diag{Key: DiagIllegalRequest, Qual: QualUnsupportedOpcode},
	}

	// First refusal downgrades the device and replays the request
	// through a fresh prepare.
	var got error
	d.Submit(Unit{Sector: 0, NrSectors: 8, Dir: DirWrite, Done: collectErr(&got)})
	drv.Script(illegal)
	drv.CompleteNext()
	if drv.Held() != 1 {
		t.Fatalf("held after downgrade = %d, want 1", drv.Held())
	}
	if calls := drv.CallCounts()["prepare"]; calls != 2 {
		t.Errorf("prepare calls = %d, want 2 (re-prepared after downgrade)", calls)
	}
	drv.CompleteNext()
	if got != nil {
		t.Errorf("downgraded retry failed: %v", got)
	}

	// The downgrade happens once; a second refusal of the narrow form
	// is a final capability mismatch.
	d.Submit(Unit{Sector: 64, NrSectors: 8, Dir: DirWrite, Done: collectErr(&got)})
	drv.Script(illegal)
	drv.CompleteNext()
	if got == nil || !IsCode(got, ErrCodeCapability) {
		t.Errorf("second refusal should fail with a capability mismatch, got %v", got)
	}
}

func TestIllegalRequestWithoutOpcodeCauseFails(t *testing.T) {
	h := NewHost(0)
	drv := NewMockDriver(true)
	d, err := h.AddDevice(DeviceParams{Name: "disk0", Wide: true}, drv, nil)
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}

	var got error
	drv.Script(Status{Code: StatusCheck, Diag: &Diag{Key: DiagIllegalRequest}})
	d.Submit(Unit{Sector: 0, NrSectors: 8, Dir: DirWrite, Done: collectErr(&got)})
	if got == nil || !IsCode(got, ErrCodeIllegal) {
		t.Errorf("illegal request should fail, got %v", got)
	}
	if d.MetricsSnapshot().Retries != 0 {
		t.Error("illegal request must not retry")
	}
}

func TestNotReadyRetryBudget(t *testing.T) {
	h := NewHost(0)
	drv := NewMockDriver(true)
	d, err := h.AddDevice(DeviceParams{Name: "disk0", MaxRetries: 3}, drv, nil)
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}

	becoming := Status{
		Code: StatusCheck,
		Diag: &Diag{Key: DiagNotReady, Qual: QualBecomingReady},
	}
	drv.Script(becoming, becoming, becoming, becoming)

	var got error
	d.Submit(Unit{Sector: 0, NrSectors: 8, Dir: DirRead, Done: collectErr(&got)})

	if got == nil {
		t.Fatal("expected failure after retry budget")
	}
	if !errors.Is(got, ErrNotReady) {
		t.Errorf("error = %v, want not ready", got)
	}
	if snap := d.MetricsSnapshot(); snap.Retries != 3 {
		t.Errorf("Retries = %d, want 3", snap.Retries)
	}
}

func TestNotReadyWithoutCauseFailsImmediately(t *testing.T) {
	h := NewHost(0)
	drv := NewMockDriver(true)
	drv.Script(Status{Code: StatusCheck, Diag: &Diag{Key: DiagNotReady}})
	d, err := h.AddDevice(DeviceParams{Name: "disk0"}, drv, nil)
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}

	var got error
	d.Submit(Unit{Sector: 0, NrSectors: 8, Dir: DirRead, Done: collectErr(&got)})
	if got == nil || !IsCode(got, ErrCodeNotReady) {
		t.Errorf("error = %v, want not ready", got)
	}
	if snap := d.MetricsSnapshot(); snap.Retries != 0 {
		t.Errorf("Retries = %d, want 0", snap.Retries)
	}
}

func TestVolumeOverflowFails(t *testing.T) {
	h := NewHost(0)
	drv := NewMockDriver(true)
	drv.Script(Status{Code: StatusCheck, Diag: &Diag{Key: DiagVolumeOverflow}})
	d, err := h.AddDevice(DeviceParams{Name: "disk0"}, drv, nil)
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}

	var got error
	d.Submit(Unit{Sector: 0, NrSectors: 8, Dir: DirWrite, Done: collectErr(&got)})
	if got == nil || !IsCode(got, ErrCodeOverflow) {
		t.Errorf("error = %v, want overflow", got)
	}
}

func TestBusyCompletionClosesAdmission(t *testing.T) {
	h := NewHost(0)
	drv := NewMockDriver(false)
	d, err := h.AddDevice(DeviceParams{Name: "disk0", MaxBlocked: 2}, drv, nil)
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}

	var e1, e2 error
	d.Submit(Unit{Sector: 0, NrSectors: 8, Dir: DirWrite, Done: collectErr(&e1)})
	d.Submit(Unit{Sector: 64, NrSectors: 8, Dir: DirWrite, Done: collectErr(&e2)})
	if drv.Held() != 2 {
		t.Fatalf("held = %d, want 2", drv.Held())
	}

	// Busy parks the first unit and closes device admission until the
	// countdown is paid, one step by the failed redispatch attempt and
	// one by the sibling's completion.
	drv.Script(Status{Code: StatusBusy})
	drv.CompleteNext()
	if drv.Held() != 1 {
		t.Fatalf("held after busy = %d, want 1 (no redispatch while blocked)", drv.Held())
	}

	drv.CompleteNext()
	if e2 != nil {
		t.Fatalf("second unit failed: %v", e2)
	}
	if drv.Held() != 1 {
		t.Fatalf("held after countdown = %d, want 1 (busy unit redispatched)", drv.Held())
	}

	drv.CompleteNext()
	if e1 != nil {
		t.Errorf("busy unit failed after retry: %v", e1)
	}
}

func TestExclusiveTargetSerializesSiblings(t *testing.T) {
	h := NewHost(0)
	tgt := h.NewTarget(true)
	drvA := NewMockDriver(false)
	drvB := NewMockDriver(false)
	a, err := h.AddDevice(DeviceParams{Name: "tape0", Target: tgt}, drvA, nil)
	if err != nil {
		t.Fatalf("AddDevice tape0 failed: %v", err)
	}
	b, err := h.AddDevice(DeviceParams{Name: "tape1", Target: tgt}, drvB, nil)
	if err != nil {
		t.Fatalf("AddDevice tape1 failed: %v", err)
	}

	var e1, e2 error
	a.Submit(Unit{Sector: 0, NrSectors: 8, Dir: DirWrite, Done: collectErr(&e1)})
	if drvA.Held() != 1 {
		t.Fatalf("tape0 held = %d, want 1", drvA.Held())
	}

	// The first dispatch claimed the target; the sibling is refused
	// until the owner goes idle.
	b.Submit(Unit{Sector: 0, NrSectors: 8, Dir: DirWrite, Done: collectErr(&e2)})
	if drvB.Held() != 0 {
		t.Fatalf("tape1 held = %d, want 0 (target owned by tape0)", drvB.Held())
	}
	b.Kick()
	if drvB.Held() != 0 {
		t.Fatalf("tape1 held after kick = %d, want 0 (still owned)", drvB.Held())
	}

	// The owner's completion releases the target and hands the sibling
	// its turn.
	drvA.CompleteNext()
	if e1 != nil {
		t.Fatalf("tape0 unit failed: %v", e1)
	}
	if drvB.Held() != 1 {
		t.Fatalf("tape1 held after release = %d, want 1", drvB.Held())
	}
	drvB.CompleteNext()
	if e2 != nil {
		t.Errorf("tape1 unit failed: %v", e2)
	}
}

func TestBusyWithNoOtherTrafficStillRedispatches(t *testing.T) {
	h := NewHost(0)
	drv := NewMockDriver(false)
	d, err := h.AddDevice(DeviceParams{Name: "disk0", MaxBlocked: 3}, drv, nil)
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}

	var e1 error
	d.Submit(Unit{Sector: 0, NrSectors: 8, Dir: DirWrite, Done: collectErr(&e1)})
	drv.Script(Status{Code: StatusBusy})
	drv.CompleteNext()
	if drv.Held() != 0 {
		t.Fatalf("held after busy = %d, want 0", drv.Held())
	}

	// No completions are coming. Each attempt pays one countdown step,
	// so the sole request redispatches once the steps run out.
	d.Kick()
	if drv.Held() != 0 {
		t.Fatalf("held after first kick = %d, want 0 (still blocked)", drv.Held())
	}
	d.Kick()
	if drv.Held() != 1 {
		t.Fatalf("held after countdown = %d, want 1 (request redispatched)", drv.Held())
	}

	drv.CompleteNext()
	if e1 != nil {
		t.Errorf("unit failed after retry: %v", e1)
	}
}

func TestOfflineDeviceFailsSubmissions(t *testing.T) {
	h := NewHost(0)
	drv := NewMockDriver(true)
	d, err := h.AddDevice(DeviceParams{Name: "disk0"}, drv, nil)
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}

	d.SetOffline()
	var got error
	d.Submit(Unit{Sector: 0, NrSectors: 8, Dir: DirWrite, Done: collectErr(&got)})
	if got == nil || !errors.Is(got, ErrNoConnection) {
		t.Errorf("error = %v, want no connection", got)
	}
	if snap := d.MetricsSnapshot(); snap.Kills != 1 {
		t.Errorf("Kills = %d, want 1", snap.Kills)
	}

	d.SetOnline()
	got = nil
	d.Submit(Unit{Sector: 8, NrSectors: 8, Dir: DirWrite, Done: collectErr(&got)})
	if got != nil {
		t.Errorf("submit after SetOnline failed: %v", got)
	}
}

func TestHostBlockDefersSubmissions(t *testing.T) {
	h := NewHost(0)
	drv := NewMockDriver(false)
	d, err := h.AddDevice(DeviceParams{Name: "disk0"}, drv, nil)
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}

	h.Block()
	if disp := d.Submit(Unit{Sector: 0, NrSectors: 8, Dir: DirWrite}); disp != Deferred {
		t.Errorf("disposition = %v, want Deferred", disp)
	}
	if drv.Held() != 0 {
		t.Fatalf("held = %d, want 0 while host blocked", drv.Held())
	}

	h.Unblock()
	if drv.Held() != 1 {
		t.Fatalf("held = %d, want 1 after unblock", drv.Held())
	}
	drv.CompleteNext()
	if h.Busy() != 0 {
		t.Errorf("host busy = %d, want 0", h.Busy())
	}
}

func TestEscalationReachesRecovery(t *testing.T) {
	h := NewHost(0)
	drv := NewMockDriver(true)
	drv.Script(Status{Code: StatusError})

	var recovered *Request
	var recoveredStatus Status
	opts := &Options{Recovery: func(rq *Request, st Status) {
		recovered = rq
		recoveredStatus = st
	}}
	d, err := h.AddDevice(DeviceParams{Name: "disk0"}, drv, opts)
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}

	d.Submit(Unit{Sector: 0, NrSectors: 8, Dir: DirWrite})
	if recovered == nil {
		t.Fatal("recovery callback not invoked")
	}
	if recovered.Sector != 0 || recovered.NrSectors != 8 {
		t.Errorf("recovered request [%d,+%d), want [0,+8)",
			recovered.Sector, recovered.NrSectors)
	}
	if recoveredStatus.Code != StatusError {
		t.Errorf("recovered status = %v, want StatusError", recoveredStatus.Code)
	}
	if snap := d.MetricsSnapshot(); snap.Escalations != 1 {
		t.Errorf("Escalations = %d, want 1", snap.Escalations)
	}
}

func TestInjectTimeoutEscalates(t *testing.T) {
	h := NewHost(0)
	drv := NewMockDriver(false)

	var recoveredStatus Status
	recovered := false
	opts := &Options{Recovery: func(rq *Request, st Status) {
		recovered = true
		recoveredStatus = st
	}}
	d, err := h.AddDevice(DeviceParams{Name: "disk0"}, drv, opts)
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}

	d.Submit(Unit{Sector: 0, NrSectors: 8, Dir: DirWrite})
	cmds := drv.Submitted()
	if len(cmds) != 1 {
		t.Fatalf("submitted %d commands, want 1", len(cmds))
	}

	d.InjectTimeout(cmds[0])
	if !recovered {
		t.Fatal("recovery callback not invoked")
	}
	if recoveredStatus.Code != StatusTimeout {
		t.Errorf("recovered status = %v, want StatusTimeout", recoveredStatus.Code)
	}
	if snap := d.MetricsSnapshot(); snap.Escalations != 1 {
		t.Errorf("Escalations = %d, want 1", snap.Escalations)
	}
	if _, inFlight, queued := d.Counters(); inFlight != 0 || queued != 0 {
		t.Errorf("counters after timeout: inFlight=%d queued=%d, want 0/0", inFlight, queued)
	}
}
