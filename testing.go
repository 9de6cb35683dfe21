package blksched

import "sync"

// MockDriver is a Driver for testing. It records every prepare and
// submit, and either completes commands synchronously with scripted
// statuses or holds them for manual completion so tests can exercise
// admission and requeue behavior deterministically.
type MockDriver struct {
	mu       sync.Mutex
	complete func(*Command, Status)

	auto        bool
	script      []Status
	prepVerdict PrepVerdict
	submitErr   error

	held      []*Command
	submitted []*Command

	prepareCalls int
	submitCalls  int
}

// NewMockDriver creates a mock driver. If auto is true every submitted
// command completes synchronously, consuming the scripted statuses in
// order and falling back to full success.
func NewMockDriver(auto bool) *MockDriver {
	return &MockDriver{auto: auto}
}

// Bind implements Binder.
func (m *MockDriver) Bind(complete func(*Command, Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.complete = complete
}

// Script queues statuses to be returned, in order, by upcoming
// completions.
func (m *MockDriver) Script(statuses ...Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, statuses...)
}

// SetPrepVerdict overrides the verdict returned by Prepare.
func (m *MockDriver) SetPrepVerdict(v PrepVerdict) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepVerdict = v
}

// FailSubmits makes Submit return err as an outright rejection.
func (m *MockDriver) FailSubmits(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

// Prepare implements Driver.
func (m *MockDriver) Prepare(req *Request) (*Command, PrepVerdict) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepareCalls++
	if m.prepVerdict != PrepReady {
		return nil, m.prepVerdict
	}
	return &Command{Req: req}, PrepReady
}

// Submit implements Driver.
func (m *MockDriver) Submit(cmd *Command) error {
	m.mu.Lock()
	if m.submitErr != nil {
		err := m.submitErr
		m.mu.Unlock()
		return err
	}
	m.submitCalls++
	m.submitted = append(m.submitted, cmd)

	if !m.auto {
		m.held = append(m.held, cmd)
		m.mu.Unlock()
		return nil
	}

	st := m.nextStatusLocked(cmd)
	complete := m.complete
	m.mu.Unlock()

	complete(cmd, st)
	return nil
}

func (m *MockDriver) nextStatusLocked(cmd *Command) Status {
	if len(m.script) > 0 {
		st := m.script[0]
		m.script = m.script[1:]
		return st
	}
	return OKStatus(cmd)
}

// OKStatus builds a full-success status for cmd.
func OKStatus(cmd *Command) Status {
	return Status{Code: StatusOK, BytesDone: cmd.Req.NrSectors * SectorSize}
}

// Held returns how many commands await manual completion.
func (m *MockDriver) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// CompleteNext completes the oldest held command with the next
// scripted status, or full success. Returns false when nothing is
// held.
func (m *MockDriver) CompleteNext() bool {
	m.mu.Lock()
	if len(m.held) == 0 {
		m.mu.Unlock()
		return false
	}
	cmd := m.held[0]
	m.held = m.held[1:]
	st := m.nextStatusLocked(cmd)
	complete := m.complete
	m.mu.Unlock()

	complete(cmd, st)
	return true
}

// CompleteAll drains every held command.
func (m *MockDriver) CompleteAll() {
	for m.CompleteNext() {
	}
}

// Submitted returns the commands submitted so far, in order.
func (m *MockDriver) Submitted() []*Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Command, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// CallCounts returns how many times each driver method ran.
func (m *MockDriver) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"prepare": m.prepareCalls,
		"submit":  m.submitCalls,
	}
}

// Reset clears recorded calls, held commands and scripted statuses.
func (m *MockDriver) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepareCalls = 0
	m.submitCalls = 0
	m.held = nil
	m.submitted = nil
	m.script = nil
	m.submitErr = nil
	m.prepVerdict = PrepReady
}

// Compile-time interface checks
var (
	_ Driver = (*MockDriver)(nil)
	_ Binder = (*MockDriver)(nil)
)
