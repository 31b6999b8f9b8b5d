package resilience

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the connector and service provider layers.
var (
	// ErrNotConnected is returned when a call is attempted while the transport is down.
	ErrNotConnected = errors.New("backplane: not connected")

	// ErrTimeout is returned when the bounded wait for an in-flight connect expires.
	ErrTimeout = errors.New("backplane: timed out waiting for connection")

	// ErrBackplaneUnavailable is returned once the connect attempt limit has been exceeded.
	ErrBackplaneUnavailable = errors.New("backplane: unavailable")

	// ErrServiceUnavailable marks a remote service that is temporarily unable to serve.
	ErrServiceUnavailable = errors.New("backplane: service unavailable")
)

// Kind classifies a provider call failure for logging purposes.
type Kind int

const (
	KindOther Kind = iota
	KindUnavailable
	KindCancelled
	KindServiceUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindCancelled:
		return "cancelled"
	case KindServiceUnavailable:
		return "service_unavailable"
	default:
		return "other"
	}
}

// Error is a tagged error carrying an explicit Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ServiceUnavailable wraps err as a KindServiceUnavailable failure of op.
func ServiceUnavailable(op string, err error) *Error {
	if err == nil {
		err = ErrServiceUnavailable
	}
	return &Error{Kind: KindServiceUnavailable, Op: op, Err: err}
}

// Remote error codes understood by both ends of a relay connection.
const (
	CodeInternal           = "InternalError"
	CodeMethodNotFound     = "MethodNotFound"
	CodeInvalidParams      = "InvalidParams"
	CodeServiceUnavailable = "ServiceUnavailable"
)

// RemoteError is an error object returned by the remote peer of an RPC call.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// ProtocolError reports a malformed frame on the wire. It is fatal to the
// connection it was read from.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "backplane protocol error: " + e.Reason
}

// TimeoutError reports an expired bounded wait. It matches ErrTimeout.
type TimeoutError struct {
	Op      string
	Attempt int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out waiting for connection (attempt %d)", e.Op, e.Attempt)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Classify maps an error onto the Kind used by the fan-out logging decision.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}
	if errors.Is(err, ErrBackplaneUnavailable) {
		return KindUnavailable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	var tagged *Error
	if errors.As(err, &tagged) && tagged.Kind != KindOther {
		return tagged.Kind
	}
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Code == CodeServiceUnavailable {
		return KindServiceUnavailable
	}
	if errors.Is(err, ErrServiceUnavailable) {
		return KindServiceUnavailable
	}
	return KindOther
}

// ShouldLog reports whether a provider failure is a real failure worth a warning.
func ShouldLog(err error) bool {
	return Classify(err) == KindOther
}

// ToRemote converts a handler error into the error object sent back to a caller.
func ToRemote(err error) *RemoteError {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote
	}
	code := CodeInternal
	if Classify(err) == KindServiceUnavailable {
		code = CodeServiceUnavailable
	}
	return &RemoteError{Code: code, Message: err.Error()}
}
