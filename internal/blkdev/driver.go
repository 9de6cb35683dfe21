package blkdev

// PrepVerdict is the driver's answer to a prepare call.
type PrepVerdict uint8

const (
	// PrepReady: the command is built and attached, dispatch proceeds.
	PrepReady PrepVerdict = iota
	// PrepDefer: the driver is short on a resource; the request stays at
	// the front of the dispatch list and the loop stops until re-armed.
	PrepDefer
	// PrepKill: the request can never be prepared; it is failed
	// immediately and the loop continues with the next candidate.
	PrepKill
)

func (v PrepVerdict) String() string {
	switch v {
	case PrepReady:
		return "ready"
	case PrepDefer:
		return "defer"
	case PrepKill:
		return "kill"
	}
	return "unknown"
}

// Driver is the contract with the layer below the dispatch loop. Prepare
// runs under the queue lock and must not block; Submit runs with all
// core locks released and may complete the command synchronously by
// calling the queue's completion entry.
type Driver interface {
	// Prepare builds the opaque device command for a request. On
	// PrepReady the returned command is attached to the request; on any
	// other verdict the command is ignored.
	Prepare(req *Request) (*Command, PrepVerdict)

	// Submit hands a prepared command to the device. A non-nil error is
	// a rejection: the core restores admission accounting, requeues the
	// request at the front and backs off.
	Submit(cmd *Command) error
}
