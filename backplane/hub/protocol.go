// Package hub implements a small managed real-time hub protocol over
// websockets: JSON messages carrying named invocations, completions and
// keepalive pings between a Client and a Server.
package hub

import (
	"context"
	"errors"
	"fmt"

	gojson "github.com/goccy/go-json"

	"github.com/itskum47/Backplane/backplane/resilience"
)

// MessageType identifies a hub message.
type MessageType int

const (
	TypeInvocation MessageType = 1
	TypeCompletion MessageType = 3
	TypePing       MessageType = 6
	TypeClose      MessageType = 7
)

// ErrConnectionClosed is returned for calls on a closed hub connection.
var ErrConnectionClosed = errors.New("hub: connection closed")

// Message is one frame on the hub websocket. An invocation without an
// InvocationID expects no completion.
type Message struct {
	Type         MessageType             `json:"type"`
	InvocationID string                  `json:"invocationId,omitempty"`
	Target       string                  `json:"target,omitempty"`
	Arguments    []gojson.RawMessage     `json:"arguments,omitempty"`
	Result       gojson.RawMessage       `json:"result,omitempty"`
	Error        *resilience.RemoteError `json:"error,omitempty"`
	Reason       string                  `json:"reason,omitempty"`
}

// Arguments holds the still-serialized arguments of an invocation.
type Arguments []gojson.RawMessage

func (a Arguments) ArgumentCount() int { return len(a) }

// DecodeArgument unmarshals the argument at index into v.
func (a Arguments) DecodeArgument(index int, v any) error {
	if index < 0 || index >= len(a) {
		return fmt.Errorf("hub: argument index %d out of range (%d arguments)", index, len(a))
	}
	return gojson.Unmarshal(a[index], v)
}

// HandlerFunc serves an invocation of a registered target.
type HandlerFunc func(ctx context.Context, args Arguments) (any, error)

func marshalArguments(args []any) ([]gojson.RawMessage, error) {
	out := make([]gojson.RawMessage, len(args))
	for i, arg := range args {
		b, err := gojson.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("hub: marshal argument %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}
