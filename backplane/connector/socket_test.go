package connector

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itskum47/Backplane/backplane/resilience"
	"github.com/itskum47/Backplane/backplane/wire"
)

// echoRelay accepts connections and answers every call through a Channel with
// the handlers it was given.
type echoRelay struct {
	ln       net.Listener
	accepted atomic.Int32

	mu    sync.Mutex
	chans []*Channel
}

func newEchoRelay(t *testing.T, targets map[string]Handler) *echoRelay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	r := &echoRelay{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			r.accepted.Add(1)
			ch := NewChannel(conn, nil, targets, nil)
			r.mu.Lock()
			r.chans = append(r.chans, ch)
			r.mu.Unlock()
			ch.Start()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		r.dropAll()
	})
	return r
}

func (r *echoRelay) addr() string { return r.ln.Addr().String() }

func (r *echoRelay) dropAll() {
	r.mu.Lock()
	chans := r.chans
	r.chans = nil
	r.mu.Unlock()
	for _, ch := range chans {
		ch.Close(nil)
	}
}

func echoTargets() map[string]Handler {
	return map[string]Handler{
		"Echo": func(ctx context.Context, args Args) (any, error) {
			return Arg[string](args, 0)
		},
		"Fail": func(ctx context.Context, args Args) (any, error) {
			return nil, resilience.ServiceUnavailable("Fail", nil)
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSocketInvokeNotConnected(t *testing.T) {
	tr := NewSocketTransport("127.0.0.1:1", nil)
	if _, err := tr.Invoke(context.Background(), "Echo", "x"); !errors.Is(err, resilience.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := tr.Send(context.Background(), "Echo", "x"); !errors.Is(err, resilience.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSocketInvokeRoundTrip(t *testing.T) {
	relay := newEchoRelay(t, echoTargets())
	tr := NewSocketTransport(relay.addr(), nil, WithRetryDelay(10*time.Millisecond))
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.AttemptConnect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !tr.IsConnected() {
		t.Fatal("expected connected")
	}

	res, err := tr.Invoke(ctx, "Echo", "hello")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	got, err := Decode[string](res)
	if err != nil || got != "hello" {
		t.Fatalf("got %q, %v", got, err)
	}

	t.Run("remote error keeps connection", func(t *testing.T) {
		_, err := tr.Invoke(ctx, "Fail")
		if resilience.Classify(err) != resilience.KindServiceUnavailable {
			t.Fatalf("expected service unavailable, got %v", err)
		}
		if !tr.IsConnected() {
			t.Fatal("remote errors must not drop the connection")
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		_, err := tr.Invoke(ctx, "Nope")
		var remote *resilience.RemoteError
		if !errors.As(err, &remote) || remote.Code != resilience.CodeMethodNotFound {
			t.Fatalf("expected MethodNotFound, got %v", err)
		}
	})
}

func TestSocketResolvesHostName(t *testing.T) {
	relay := newEchoRelay(t, echoTargets())
	_, port, _ := net.SplitHostPort(relay.addr())
	tr := NewSocketTransport(net.JoinHostPort("localhost", port), nil, WithRetryDelay(10*time.Millisecond))
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.AttemptConnect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestSocketReconnectAfterDrop(t *testing.T) {
	relay := newEchoRelay(t, echoTargets())
	tr := NewSocketTransport(relay.addr(), nil, WithRetryDelay(10*time.Millisecond))
	defer tr.Close()

	var fired atomic.Int32
	var connectedDuringCallback atomic.Bool
	tr.OnDisconnected(func(err error) {
		fired.Add(1)
		connectedDuringCallback.Store(tr.IsConnected())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tr.AttemptConnect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	relay.dropAll()
	waitFor(t, func() bool { return !tr.IsConnected() })

	if n := fired.Load(); n != 1 {
		t.Fatalf("disconnected fired %d times, want 1", n)
	}
	if !connectedDuringCallback.Load() {
		t.Error("disconnected should fire before the state flips")
	}

	if err := tr.AttemptConnect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	res, err := tr.Invoke(ctx, "Echo", "again")
	if err != nil {
		t.Fatalf("invoke after reconnect: %v", err)
	}
	if got, _ := Decode[string](res); got != "again" {
		t.Fatalf("got %q", got)
	}
	if n := fired.Load(); n != 1 {
		t.Fatalf("disconnected fired %d times after reconnect, want 1", n)
	}
	if err := tr.AddTarget("Late", func(context.Context, Args) (any, error) { return nil, nil }); !errors.Is(err, ErrTargetsFrozen) {
		t.Fatalf("expected ErrTargetsFrozen, got %v", err)
	}
}

func TestSocketConcurrentAttemptConnect(t *testing.T) {
	relay := newEchoRelay(t, echoTargets())
	tr := NewSocketTransport(relay.addr(), nil, WithRetryDelay(10*time.Millisecond))
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- tr.AttemptConnect(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	waitFor(t, func() bool { return relay.accepted.Load() >= 1 })
	time.Sleep(20 * time.Millisecond)
	if n := relay.accepted.Load(); n != 1 {
		t.Fatalf("relay accepted %d connections, want 1", n)
	}
}

func TestSocketAttemptConnectHonorsCancellation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	tr := NewSocketTransport(addr, nil, WithRetryDelay(10*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = tr.AttemptConnect(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancelled connect loop did not exit promptly")
	}
	if tr.IsConnected() {
		t.Fatal("transport must not be connected")
	}
}

func TestSocketWriteFailureDisconnects(t *testing.T) {
	relay := newEchoRelay(t, echoTargets())
	tr := NewSocketTransport(relay.addr(), nil, WithRetryDelay(10*time.Millisecond))
	defer tr.Close()

	var fired atomic.Int32
	tr.OnDisconnected(func(error) { fired.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.AttemptConnect(ctx); err != nil {
		t.Fatal(err)
	}

	// Close the raw socket underneath the channel to simulate an I/O failure.
	tr.current().conn.Close()

	if _, err := tr.Invoke(ctx, "Echo", "x"); err == nil {
		t.Fatal("expected an error from a broken socket")
	}
	waitFor(t, func() bool { return !tr.IsConnected() })
	if n := fired.Load(); n != 1 {
		t.Fatalf("disconnected fired %d times, want 1", n)
	}
}

func TestChannelInboundNotification(t *testing.T) {
	client, server := net.Pipe()
	got := make(chan string, 1)
	ch := NewChannel(server, nil, map[string]Handler{
		"Notify": func(ctx context.Context, args Args) (any, error) {
			s, err := Arg[string](args, 0)
			got <- s
			return nil, err
		},
	}, nil)
	ch.Start()
	defer ch.Close(nil)

	codec := wire.NewCodec(nil)
	go func() {
		_ = codec.EncodeRequest(client, wire.NotificationID, "Notify", "ping")
	}()

	select {
	case s := <-got:
		if s != "ping" {
			t.Fatalf("got %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not dispatched")
	}

	// No response frame may follow a notification.
	_ = client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := codec.Decode(bufio.NewReader(client)); err == nil {
		t.Fatal("unexpected response to a notification")
	}
	client.Close()
}
