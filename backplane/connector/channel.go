package connector

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itskum47/Backplane/backplane/logger"
	"github.com/itskum47/Backplane/backplane/resilience"
	"github.com/itskum47/Backplane/backplane/wire"
)

// ErrChannelClosed is returned for calls on a closed channel.
var ErrChannelClosed = errors.New("connector: channel closed")

// EncodeError reports a call that could not be serialized. The connection is
// still healthy when it is returned.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return e.Err.Error() }

func (e *EncodeError) Unwrap() error { return e.Err }

type response struct {
	result *wire.Result
	err    error
}

// Channel is a bidirectional RPC endpoint over one stream connection. Calls
// from either side are multiplexed by id; inbound requests are dispatched to
// the registered handlers. The relay server uses it for accepted connections
// and the socket transport for dialed ones.
type Channel struct {
	conn    net.Conn
	codec   *wire.Codec
	targets map[string]Handler
	log     *logger.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan response
	nextID  atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
	onClose   func(error)
}

// NewChannel wraps conn. targets must not be modified after the call.
func NewChannel(conn net.Conn, codec *wire.Codec, targets map[string]Handler, log *logger.Logger) *Channel {
	if codec == nil {
		codec = wire.NewCodec(nil)
	}
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		conn:    conn,
		codec:   codec,
		targets: targets,
		log:     log,
		pending: make(map[int64]chan response),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnClose sets the callback run once when the channel closes. Must be called
// before Start.
func (c *Channel) OnClose(fn func(err error)) {
	c.onClose = fn
}

// Start begins reading frames from the connection.
func (c *Channel) Start() {
	go c.listen()
}

// Done is closed once the channel has closed.
func (c *Channel) Done() <-chan struct{} {
	return c.ctx.Done()
}

// RemoteAddr returns the peer address.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Invoke sends a request and waits for its result.
func (c *Channel) Invoke(ctx context.Context, method string, args ...any) (*wire.Result, error) {
	id := c.nextID.Add(1)
	var frame bytes.Buffer
	if err := c.codec.EncodeRequest(&frame, id, method, args...); err != nil {
		return nil, &EncodeError{Err: err}
	}

	ch := make(chan response, 1)
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil, c.closedError()
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(ctx, frame.Bytes()); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp.result, resp.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Notify sends a request that expects no response.
func (c *Channel) Notify(ctx context.Context, method string, args ...any) error {
	var frame bytes.Buffer
	if err := c.codec.EncodeRequest(&frame, wire.NotificationID, method, args...); err != nil {
		return &EncodeError{Err: err}
	}
	if c.ctx.Err() != nil {
		return c.closedError()
	}
	return c.write(ctx, frame.Bytes())
}

// Close shuts the connection down, fails every pending call and runs the
// close callback. Only the first call has any effect.
func (c *Channel) Close(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = cause
		c.cancel()
		pending := c.pending
		c.pending = make(map[int64]chan response)
		c.mu.Unlock()

		_ = c.conn.Close()

		failure := c.closedError()
		for _, ch := range pending {
			ch <- response{err: failure}
		}

		if c.onClose != nil {
			c.onClose(cause)
		}
	})
}

func (c *Channel) closedError() error {
	if c.closeErr == nil {
		return ErrChannelClosed
	}
	return fmt.Errorf("%w: %w", ErrChannelClosed, c.closeErr)
}

func (c *Channel) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Channel) write(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	_, err := c.conn.Write(frame)
	return err
}

func (c *Channel) listen() {
	r := bufio.NewReader(c.conn)
	for {
		msg, err := c.codec.Decode(r)
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Debug("channel read failed", logger.Fields("remote", c.conn.RemoteAddr().String(), "error", err.Error()))
			}
			c.Close(err)
			return
		}

		switch m := msg.(type) {
		case *wire.Result:
			c.deliver(m.ID, response{result: m})
		case *wire.ErrorMessage:
			c.deliver(m.Object.ID, response{err: m.Remote()})
		case *wire.Request:
			go c.dispatch(m)
		}
	}
}

func (c *Channel) deliver(id int64, resp response) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("dropping response for unknown call", logger.Fields("id", id))
		return
	}
	ch <- resp
}

func (c *Channel) dispatch(req *wire.Request) {
	h, ok := c.targets[req.Method]
	if !ok {
		c.log.Warn("no handler for inbound call", logger.Fields(logger.FieldMethod, req.Method))
		c.reply(req, nil, &resilience.RemoteError{
			Code:    resilience.CodeMethodNotFound,
			Message: fmt.Sprintf("method %s is not registered", req.Method),
		})
		return
	}

	start := time.Now()
	value, err := c.call(h, req)
	if err != nil {
		c.log.Debug("inbound call failed", logger.ErrorFields(req.Method, err))
		c.reply(req, nil, err)
		return
	}
	c.log.Debug("inbound call served", logger.DurationFields(req.Method, time.Since(start)))
	c.reply(req, value, nil)
}

func (c *Channel) call(h Handler, req *wire.Request) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", req.Method, r)
		}
	}()
	return h(context.WithValue(c.ctx, channelKey{}, c), req)
}

type channelKey struct{}

// ChannelFromContext returns the channel an inbound call arrived on.
func ChannelFromContext(ctx context.Context) (*Channel, bool) {
	c, ok := ctx.Value(channelKey{}).(*Channel)
	return c, ok
}

func (c *Channel) reply(req *wire.Request, value any, callErr error) {
	if req.IsNotification() {
		return
	}
	var frame bytes.Buffer
	var err error
	if callErr != nil {
		err = c.codec.EncodeError(&frame, req.ID, resilience.ToRemote(callErr))
	} else {
		err = c.codec.EncodeResult(&frame, req.ID, value)
	}
	if err != nil {
		frame.Reset()
		err = c.codec.EncodeError(&frame, req.ID, &resilience.RemoteError{Code: resilience.CodeInternal, Message: err.Error()})
		if err != nil {
			return
		}
	}
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	if err := c.write(ctx, frame.Bytes()); err != nil {
		c.Close(err)
	}
}
