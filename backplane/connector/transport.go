// Package connector provides the transports used to reach a remote backplane
// relay: a raw socket transport speaking the wire codec and a transport built
// on the managed hub protocol. Both own a single physical connection and
// report its loss through OnDisconnected callbacks.
package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/itskum47/Backplane/backplane/wire"
)

// ErrTargetsFrozen is returned by AddTarget once the transport has connected.
var ErrTargetsFrozen = errors.New("connector: targets must be registered before connecting")

// Args gives a handler positional access to still-serialized arguments.
type Args interface {
	ArgumentCount() int
	DecodeArgument(index int, v any) error
}

// Handler serves an inbound call from the remote peer. The returned value is
// serialized as the call result.
type Handler func(ctx context.Context, args Args) (any, error)

// Transport is a single connection to a remote relay.
type Transport interface {
	// IsConnected reports the observable connection state.
	IsConnected() bool

	// AttemptConnect establishes the connection, retrying until ctx is done.
	// Concurrent callers join the attempt in flight.
	AttemptConnect(ctx context.Context) error

	// Invoke performs a request/response call. It fails with
	// resilience.ErrNotConnected when the transport is down.
	Invoke(ctx context.Context, method string, args ...any) (*wire.Result, error)

	// Send is the fire-and-forget variant of Invoke.
	Send(ctx context.Context, method string, args ...any) error

	// AddTarget registers an inbound method. It must be called before the
	// first connect.
	AddTarget(method string, h Handler) error

	// OnDisconnected registers fn to run once per connection loss, before
	// IsConnected flips back to false. fn must not block on a reconnect.
	OnDisconnected(fn func(err error))

	Close() error
}

// Arg decodes the argument at index into a value of type T.
func Arg[T any](args Args, index int) (T, error) {
	var v T
	err := args.DecodeArgument(index, &v)
	return v, err
}

// Decode decodes a call result into a value of type T.
func Decode[T any](res *wire.Result) (T, error) {
	var v T
	if res == nil {
		return v, fmt.Errorf("connector: no result")
	}
	err := res.Decode(&v)
	return v, err
}

type targetSet struct {
	handlers map[string]Handler
	frozen   bool
}

func (s *targetSet) add(method string, h Handler) error {
	if s.frozen {
		return ErrTargetsFrozen
	}
	if h == nil {
		return fmt.Errorf("connector: nil handler for %s", method)
	}
	if s.handlers == nil {
		s.handlers = make(map[string]Handler)
	}
	if _, exists := s.handlers[method]; exists {
		return fmt.Errorf("connector: target %s already registered", method)
	}
	s.handlers[method] = h
	return nil
}

// freeze stops further registration and returns the registered handlers.
func (s *targetSet) freeze() map[string]Handler {
	s.frozen = true
	return s.handlers
}
