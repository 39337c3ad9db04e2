package provider

import "fmt"

// AuthError represents a missing, expired or rejected credential. The task
// fails; the caller refreshes credentials and retries via start, never via
// chunk-level retry.
type AuthError struct {
	Operation string // the API operation that required a credential
	Err       error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed during %s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NetworkError represents a transient transport failure on a single chunk
// or control call: timeouts, connection resets, 5xx responses.
type NetworkError struct {
	Operation  string
	StatusCode int // HTTP status, 0 for non-HTTP failures
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %v", e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ProtocolError represents an application-level rejection: the remote
// answered, but with success=false and an error code. The message is
// surfaced verbatim to the caller.
type ProtocolError struct {
	Operation string
	Code      int // provider error code (errno)
	Message   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("remote rejected %s (errno %d): %s", e.Operation, e.Code, e.Message)
}

// LocalIOError represents a failure touching the local filesystem: source
// missing or unreadable, destination unwritable.
type LocalIOError struct {
	Path string
	Op   string // "read", "write", "open", "stat"
	Err  error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("local %s error on %s: %v", e.Op, e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() error {
	return e.Err
}
