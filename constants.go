package blksched

import "time"

// Defaults applied by AddDevice when a parameter is left zero.
const (
	// DefaultPolicy is the scheduling policy a new queue starts with.
	DefaultPolicy = "sector"

	// DefaultMaxRetries bounds transparent retries per request.
	DefaultMaxRetries = 5

	// DefaultMaxBlocked is the transient-busy countdown reset: after a
	// busy completion, this many later completions must pass before
	// admission reopens.
	DefaultMaxBlocked = 3

	// DefaultCongestionThreshold forces an unplug once this many
	// submitted requests wait behind the plug.
	DefaultCongestionThreshold = 4

	// DefaultPlugDelay is a reasonable batching window for callers who
	// want plugging; it is not applied implicitly.
	DefaultPlugDelay = 3 * time.Millisecond
)
