package hub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/itskum47/Backplane/backplane/resilience"
)

func startServer(t *testing.T, s *Server) (string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http"), cancel
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(10 * time.Millisecond)
}

func TestClientInvokesServerTarget(t *testing.T) {
	s := NewServer(nil)
	s.Handle("Add", func(ctx context.Context, args Arguments) (any, error) {
		var a, b int
		if err := args.DecodeArgument(0, &a); err != nil {
			return nil, err
		}
		if err := args.DecodeArgument(1, &b); err != nil {
			return nil, err
		}
		return a + b, nil
	})
	s.Handle("Busy", func(ctx context.Context, args Arguments) (any, error) {
		return nil, resilience.ServiceUnavailable("Busy", nil)
	})
	url, _ := startServer(t, s)

	c := NewClient(url, WithBackOff(fastBackOff))
	defer c.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	raw, err := c.Invoke(ctx, "Add", 2, 3)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(raw) != "5" {
		t.Fatalf("result = %s, want 5", raw)
	}

	_, err = c.Invoke(ctx, "Busy")
	if resilience.Classify(err) != resilience.KindServiceUnavailable {
		t.Fatalf("expected service unavailable, got %v", err)
	}

	_, err = c.Invoke(ctx, "Missing")
	var remote *resilience.RemoteError
	if !errors.As(err, &remote) || remote.Code != resilience.CodeMethodNotFound {
		t.Fatalf("expected method not found, got %v", err)
	}
}

func TestServerInvokesClientTarget(t *testing.T) {
	s := NewServer(nil)
	s.Handle("Hello", func(ctx context.Context, args Arguments) (any, error) {
		conn, ok := ConnFromContext(ctx)
		if !ok {
			return nil, errors.New("no connection in context")
		}
		return nil, conn.Send(ctx, "Notify", "hello")
	})
	url, _ := startServer(t, s)

	got := make(chan string, 1)
	c := NewClient(url, WithBackOff(fastBackOff))
	c.On("Notify", func(ctx context.Context, args Arguments) (any, error) {
		var msg string
		err := args.DecodeArgument(0, &msg)
		got <- msg
		return nil, err
	})
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Invoke(ctx, "Hello"); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	select {
	case msg := <-got:
		if msg != "hello" {
			t.Fatalf("got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server notification not received")
	}
}

func TestConnClosesOnWriteFailure(t *testing.T) {
	upgraded := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		close(upgraded)
		<-r.Context().Done()
	}))
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-upgraded

	// No read loop: only the failed write can close the connection.
	conn := newConn(ws, func(string) (HandlerFunc, bool) { return nil, false }, 0, func(TraceLevel, string, error) {})
	var closes atomic.Int32
	conn.onClose = func(*Conn, error) { closes.Add(1) }
	ws.UnderlyingConn().Close()

	if err := conn.Send(context.Background(), "Notify", "x"); err == nil {
		t.Fatal("expected the write to fail")
	}
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not closed after a failed write")
	}
	if n := closes.Load(); n != 1 {
		t.Fatalf("close handler ran %d times, want 1", n)
	}
	if _, err := conn.Invoke(context.Background(), "Any"); !IsClosedError(err) {
		t.Fatalf("expected a closed-connection error, got %v", err)
	}
}

func TestServerRejectsPastMaxConnections(t *testing.T) {
	s := NewServer(nil, WithMaxConnections(1), WithServerKeepAlive(time.Second, 5*time.Second))
	url, _ := startServer(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first := NewClient(url, WithBackOff(fastBackOff))
	defer first.Stop()
	if err := first.Start(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.ConnectionCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	var closed atomic.Int32
	second := NewClient(url, WithBackOff(fastBackOff))
	second.OnClosed(func(error) { closed.Add(1) })
	defer second.Stop()
	if err := second.Start(ctx); err != nil {
		t.Fatal(err)
	}
	for closed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if closed.Load() != 1 {
		t.Fatal("connection past the cap was not closed")
	}
	if n := s.ConnectionCount(); n != 1 {
		t.Fatalf("server holds %d connections, want 1", n)
	}
}

func TestClientSendsHandshakeHeaders(t *testing.T) {
	s := NewServer(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	seen := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("X-Backplane-Token")
		s.ServeHTTP(w, r)
	}))
	defer ts.Close()

	header := http.Header{}
	header.Set("X-Backplane-Token", "secret")
	c := NewClient("ws"+strings.TrimPrefix(ts.URL, "http"), WithBackOff(fastBackOff), WithHeader(header))
	defer c.Stop()

	startCtx, stop := context.WithTimeout(ctx, 2*time.Second)
	defer stop()
	if err := c.Start(startCtx); err != nil {
		t.Fatal(err)
	}
	if got := <-seen; got != "secret" {
		t.Fatalf("handshake header = %q, want secret", got)
	}
}

func TestClientOnClosedFiresOnServerShutdown(t *testing.T) {
	s := NewServer(nil)
	url, stop := startServer(t, s)

	var closed atomic.Int32
	c := NewClient(url, WithBackOff(fastBackOff))
	c.OnClosed(func(error) { closed.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.ConnectionCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	stop()
	for c.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Connected() {
		t.Fatal("client still connected after server shutdown")
	}
	if n := closed.Load(); n != 1 {
		t.Fatalf("OnClosed fired %d times, want 1", n)
	}
	if _, err := c.Invoke(context.Background(), "Any"); !errors.Is(err, resilience.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestClientStartHonorsCancellation(t *testing.T) {
	var traced atomic.Int32
	c := NewClient("ws://127.0.0.1:1/hub", WithBackOff(fastBackOff), WithTrace(func(level TraceLevel, msg string, err error) {
		if level == TraceError {
			traced.Add(1)
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if traced.Load() == 0 {
		t.Error("expected failed attempts to be traced")
	}
}

func TestDefaultBackOffIsBounded(t *testing.T) {
	b := DefaultBackOff()
	for i := 0; i < 20; i++ {
		d := b.NextBackOff()
		if d == backoff.Stop {
			t.Fatal("default policy must retry forever")
		}
		if d < DefaultInitialInterval || d > DefaultMaxInterval {
			t.Fatalf("interval %s outside [%s, %s]", d, DefaultInitialInterval, DefaultMaxInterval)
		}
		if i == 0 && d != DefaultInitialInterval {
			t.Fatalf("first interval %s, want %s", d, DefaultInitialInterval)
		}
	}
}
