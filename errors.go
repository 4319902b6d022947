package pdp

import "errors"

var (
	// ErrUnknownAction is returned when the requested action is outside the
	// action vocabulary. It is the only error surfaced to the caller without a
	// decision.
	ErrUnknownAction = errors.New("pdp: unknown action")
	// ErrRoleGraphTooDeep is returned by the role resolver when the visited
	// role count exceeds the configured bound.
	ErrRoleGraphTooDeep = errors.New("pdp: role graph too deep")
	// ErrMalformedPattern marks a resource pattern that does not compile.
	ErrMalformedPattern = errors.New("pdp: malformed pattern")
	// ErrSnapshotUnavailable wraps failures of the policy source.
	ErrSnapshotUnavailable = errors.New("pdp: policy snapshot unavailable")
	// ErrDeadlineExceeded is returned alongside a deny decision when the
	// evaluation deadline passed.
	ErrDeadlineExceeded = errors.New("pdp: evaluation deadline exceeded")
	// ErrNotFound is returned by stores for missing entities.
	ErrNotFound = errors.New("pdp: not found")
)
