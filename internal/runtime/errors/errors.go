package errors

import sterrors "errors"

var (
	ErrBusRequired      = sterrors.New("seqflow: bus is required")
	ErrTopicRequired    = sterrors.New("seqflow: topic is required")
	ErrAddressRequired  = sterrors.New("seqflow: address is required")
	ErrLauncherRequired = sterrors.New("seqflow: launcher is required")
	ErrStoreRequired    = sterrors.New("seqflow: durable store is required")
	ErrUnknownKind      = sterrors.New("seqflow: unknown message kind")
	ErrCallTimeout      = sterrors.New("seqflow: call timed out waiting for reply")
	ErrTerminated       = sterrors.New("seqflow: engine terminated")
	ErrNotInitialized   = sterrors.New("seqflow: engine is not initialized")
	ErrNoSubscription   = sterrors.New("seqflow: subscription not found")
	ErrNoPublisher      = sterrors.New("seqflow: no publisher for topic")
)

// InitError marks a failure during engine initialization. Launchers treat it
// as terminal and never restart the engine.
type InitError struct {
	Reason string
	Err    error
}

func (e *InitError) Error() string {
	if e.Err != nil {
		return "seqflow: init failed: " + e.Reason + ": " + e.Err.Error()
	}
	return "seqflow: init failed: " + e.Reason
}

func (e *InitError) Unwrap() error { return e.Err }

// NewInitError wraps err as a terminal initialization failure.
func NewInitError(reason string, err error) *InitError {
	return &InitError{Reason: reason, Err: err}
}

// IsInitError reports whether err is (or wraps) an InitError.
func IsInitError(err error) bool {
	var ie *InitError
	return sterrors.As(err, &ie)
}
