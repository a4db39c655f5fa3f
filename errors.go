package multimcp

import (
	"errors"
	"fmt"
)

// Routing errors returned to the client as protocol error responses.
var (
	// ErrUnknownCapability is returned when a namespaced name does not
	// resolve to any catalog entry.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrBackendUnavailable is returned when the resolved backend is not
	// in the Ready state. The backend keeps recovering on its own; the
	// caller is not expected to retry.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrCallTimeout is returned when a forwarded call exceeds its
	// deadline. The underlying backend call may still complete later and
	// is discarded.
	ErrCallTimeout = errors.New("call timed out")
)

// ConfigError marks a backend spec that can never start (bad executable,
// malformed definition). It is fatal for that backend: the supervisor does
// not retry it.
type ConfigError struct {
	Backend string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("backend %q: %s", e.Backend, e.Reason)
}

// SpawnError reports a failed launch of a local process backend. It is
// transient: the supervisor retries with backoff.
type SpawnError struct {
	Backend string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("backend %q: spawn failed: %v", e.Backend, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ConnectError reports a failed connection or handshake with a remote SSE
// backend. Like SpawnError, it is transient and retried with backoff.
type ConnectError struct {
	Backend string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("backend %q: connect failed: %v", e.Backend, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
