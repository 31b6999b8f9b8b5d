package wire

import (
	"fmt"

	"github.com/itskum47/Backplane/backplane/resilience"
)

// Request is a decoded call. Arguments stay serialized until DecodeArgument.
type Request struct {
	ID        int64
	Method    string
	Arguments [][]byte

	serializer Serializer
}

func (*Request) Kind() MessageKind { return KindRequest }

// IsNotification reports whether the caller expects no response.
func (r *Request) IsNotification() bool { return r.ID == NotificationID }

// ArgumentCount returns the number of arguments carried by the request.
func (r *Request) ArgumentCount() int { return len(r.Arguments) }

// DecodeArgument deserializes the argument at index into v.
func (r *Request) DecodeArgument(index int, v any) error {
	if index < 0 || index >= len(r.Arguments) {
		return fmt.Errorf("%w: %s has %d arguments, asked for %d", ErrArgumentIndex, r.Method, len(r.Arguments), index)
	}
	if err := r.serializerOrDefault().Unmarshal(r.Arguments[index], v); err != nil {
		return fmt.Errorf("wire: decode argument %d of %s: %w", index, r.Method, err)
	}
	return nil
}

func (r *Request) serializerOrDefault() Serializer {
	if r.serializer == nil {
		return JSON
	}
	return r.serializer
}

// Result is a decoded response. Payload stays serialized until Decode.
type Result struct {
	ID      int64
	Payload []byte

	serializer Serializer
}

func (*Result) Kind() MessageKind { return KindResult }

// Decode deserializes the return value into v.
func (r *Result) Decode(v any) error {
	s := r.serializer
	if s == nil {
		s = JSON
	}
	if err := s.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("wire: decode result %d: %w", r.ID, err)
	}
	return nil
}

// ErrorObject is the serialized form of a failed call.
type ErrorObject struct {
	ID      int64  `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorMessage is a decoded error frame.
type ErrorMessage struct {
	Object ErrorObject
}

func (*ErrorMessage) Kind() MessageKind { return KindError }

// Remote converts the error frame into the error returned to the caller.
func (m *ErrorMessage) Remote() *resilience.RemoteError {
	return &resilience.RemoteError{Code: m.Object.Code, Message: m.Object.Message, Data: m.Object.Data}
}
