package types

import "errors"

// Semantic error taxonomy shared across the core. Callers branch with
// errors.Is; components wrap these with fmt.Errorf("%w: ...") for detail.
var (
	// ErrValidation indicates input rejected at the boundary
	ErrValidation = errors.New("validation error")
	// ErrNotFound indicates a referenced entity does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates concurrent modification or id collision
	ErrConflict = errors.New("conflict")
	// ErrQueueFull is the backpressure signal to callers; retryable
	ErrQueueFull = errors.New("queue full")
	// ErrUnavailable indicates the LLM or an MCP server is not ready
	ErrUnavailable = errors.New("unavailable")
	// ErrTimeout indicates an operation exceeded its configured budget
	ErrTimeout = errors.New("timeout")
	// ErrTransportLost indicates an MCP subprocess crashed or closed
	ErrTransportLost = errors.New("transport lost")
	// ErrInvalidResponse indicates unparseable content where parsing was required
	ErrInvalidResponse = errors.New("invalid response")
	// ErrStorageUnavailable indicates a persistence layer failure
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrUndoExpired indicates a bulk undo attempted outside its window
	ErrUndoExpired = errors.New("undo window expired")
	// ErrServerNotReady indicates an MCP session is not in the ready state
	ErrServerNotReady = errors.New("server not ready")
)
