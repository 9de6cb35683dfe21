package blkdev

// Command is the prepared device command for one dispatched request. The
// payload layout is owned entirely by the driver; the scheduling core
// treats it as opaque and only carries it between Prepare and Submit.
type Command struct {
	Req *Request

	// Payload is the driver's wire-format command block.
	Payload []byte
}

// StatusCode is the driver-reported completion status class.
type StatusCode uint8

const (
	StatusOK StatusCode = iota
	// StatusCheck means the command finished with diagnostic data
	// attached; the classifier inspects Status.Diag.
	StatusCheck
	// StatusBusy is a transient device-level refusal (queue full).
	StatusBusy
	// StatusHostBusy is a transient adapter-level refusal.
	StatusHostBusy
	// StatusReset reports the command was aborted by a bus or device
	// reset; the request is retried verbatim.
	StatusReset
	// StatusTimeout reports an externally tracked per-command deadline
	// fired while the command was in flight.
	StatusTimeout
	// StatusError is any condition the driver could not classify.
	StatusError
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusCheck:
		return "check"
	case StatusBusy:
		return "busy"
	case StatusHostBusy:
		return "host-busy"
	case StatusReset:
		return "reset"
	case StatusTimeout:
		return "timeout"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// DiagKey is the diagnostic category accompanying StatusCheck.
type DiagKey uint8

const (
	DiagNone DiagKey = iota
	// DiagUnitAttention: device state changed under us (media change on
	// removable devices, power-on/reset otherwise).
	DiagUnitAttention
	// DiagIllegalRequest: the device rejected the command form.
	DiagIllegalRequest
	// DiagNotReady: device temporarily unable to serve I/O.
	DiagNotReady
	// DiagVolumeOverflow: transfer ran past the end of the medium.
	DiagVolumeOverflow
)

// Diag qualifiers for DiagIllegalRequest.
const (
	// QualUnsupportedOpcode marks an illegal-request response caused by a
	// command form the device does not implement. Combined with a device
	// still flagged for wide commands it triggers a one-time capability
	// downgrade and retry.
	QualUnsupportedOpcode uint8 = 0x20
)

// Diag qualifiers for DiagNotReady.
const (
	QualBecomingReady       uint8 = 0x01
	QualFormatInProgress    uint8 = 0x04
	QualOperationInProgress uint8 = 0x07
)

// Diag is optional structured diagnostic data returned with a
// completion, mirroring a sense block.
type Diag struct {
	Key  DiagKey
	Qual uint8
	Sub  uint8
}

// Status is everything the driver reports about one finished command.
type Status struct {
	Code StatusCode
	Diag *Diag
	// BytesDone is the count of bytes successfully transferred before
	// the command stopped.
	BytesDone uint32
}

// SectorSize is the fixed logical sector size of the core.
const SectorSize = 512

// SectorsDone converts the transferred byte count to whole sectors.
func (s Status) SectorsDone() uint32 {
	return s.BytesDone / SectorSize
}
