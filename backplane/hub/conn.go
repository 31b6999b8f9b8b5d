package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/itskum47/Backplane/backplane/resilience"
)

const writeWait = 5 * time.Second

type completion struct {
	result gojson.RawMessage
	err    error
}

// Conn is one side of a hub websocket: it multiplexes invocations in both
// directions and keeps the link alive with pings.
type Conn struct {
	ws      *websocket.Conn
	lookup  func(target string) (HandlerFunc, bool)
	trace   TraceFunc
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan completion

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
	onClose   func(*Conn, error)
}

func newConn(ws *websocket.Conn, lookup func(string) (HandlerFunc, bool), timeout time.Duration, trace TraceFunc) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	if trace == nil {
		trace = func(TraceLevel, string, error) {}
	}
	return &Conn{
		ws:      ws,
		lookup:  lookup,
		trace:   trace,
		timeout: timeout,
		pending: make(map[string]chan completion),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Done is closed when the connection has closed.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Err returns the reason the connection closed, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Conn) start(keepAlive time.Duration) {
	go c.readLoop()
	if keepAlive > 0 {
		go c.pingLoop(keepAlive)
	}
}

// Invoke calls target on the remote side and waits for its completion.
func (c *Conn) Invoke(ctx context.Context, target string, args ...any) (gojson.RawMessage, error) {
	raw, err := marshalArguments(args)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ch := make(chan completion, 1)

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil, c.closedError()
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(Message{Type: TypeInvocation, InvocationID: id, Target: target, Arguments: raw}); err != nil {
		c.forget(id)
		c.Close(err)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Send invokes target without waiting for a completion.
func (c *Conn) Send(ctx context.Context, target string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := marshalArguments(args)
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return c.closedError()
	}
	if err := c.write(Message{Type: TypeInvocation, Target: target, Arguments: raw}); err != nil {
		c.Close(err)
		return err
	}
	return nil
}

// Close sends a close message, when possible, and tears the connection down.
func (c *Conn) Close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = reason
		c.cancel()
		pending := c.pending
		c.pending = make(map[string]chan completion)
		c.mu.Unlock()

		msg := Message{Type: TypeClose}
		if reason != nil {
			msg.Reason = reason.Error()
		}
		_ = c.write(msg)
		_ = c.ws.Close()

		failure := c.closedError()
		for _, ch := range pending {
			ch <- completion{err: failure}
		}
		if c.onClose != nil {
			c.onClose(c, reason)
		}
	})
}

func (c *Conn) closedError() error {
	if c.closeErr == nil {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, c.closeErr)
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) write(msg Message) error {
	b, err := gojson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("hub: marshal %d message: %w", msg.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) readLoop() {
	for {
		if c.timeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.timeout))
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.trace(TraceDebug, "read failed", err)
			}
			c.Close(err)
			return
		}

		var msg Message
		if err := gojson.Unmarshal(data, &msg); err != nil {
			c.trace(TraceError, "malformed hub message", err)
			c.Close(&resilience.ProtocolError{Reason: err.Error()})
			return
		}

		switch msg.Type {
		case TypeInvocation:
			go c.dispatch(msg)
		case TypeCompletion:
			c.complete(msg)
		case TypePing:
		case TypeClose:
			var reason error
			if msg.Reason != "" {
				reason = fmt.Errorf("hub: remote closed: %s", msg.Reason)
			}
			c.Close(reason)
			return
		default:
			c.trace(TraceWarning, fmt.Sprintf("ignoring message type %d", msg.Type), nil)
		}
	}
}

func (c *Conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(Message{Type: TypePing}); err != nil {
				c.trace(TraceWarning, "ping failed", err)
				c.Close(err)
				return
			}
		}
	}
}

func (c *Conn) complete(msg Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.InvocationID]
	delete(c.pending, msg.InvocationID)
	c.mu.Unlock()
	if !ok {
		c.trace(TraceDebug, "completion for unknown invocation "+msg.InvocationID, nil)
		return
	}
	if msg.Error != nil {
		ch <- completion{err: msg.Error}
		return
	}
	ch <- completion{result: msg.Result}
}

func (c *Conn) dispatch(msg Message) {
	var (
		value any
		err   error
	)
	h, ok := c.lookup(msg.Target)
	if !ok {
		err = &resilience.RemoteError{Code: resilience.CodeMethodNotFound, Message: "target " + msg.Target + " is not registered"}
	} else {
		value, err = c.call(h, msg)
	}
	if msg.InvocationID == "" {
		if err != nil {
			c.trace(TraceWarning, "invocation of "+msg.Target+" failed", err)
		}
		return
	}

	reply := Message{Type: TypeCompletion, InvocationID: msg.InvocationID}
	if err != nil {
		reply.Error = resilience.ToRemote(err)
	} else if reply.Result, err = gojson.Marshal(value); err != nil {
		reply.Result = nil
		reply.Error = &resilience.RemoteError{Code: resilience.CodeInternal, Message: err.Error()}
	}
	if err := c.write(reply); err != nil {
		c.Close(err)
	}
}

func (c *Conn) call(h HandlerFunc, msg Message) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hub: target %s panicked: %v", msg.Target, r)
		}
	}()
	return h(context.WithValue(c.ctx, connKey{}, c), Arguments(msg.Arguments))
}

type connKey struct{}

// ConnFromContext returns the connection an invocation arrived on.
func ConnFromContext(ctx context.Context) (*Conn, bool) {
	c, ok := ctx.Value(connKey{}).(*Conn)
	return c, ok
}
