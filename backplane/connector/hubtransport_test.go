package connector

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/itskum47/Backplane/backplane/hub"
	"github.com/itskum47/Backplane/backplane/resilience"
)

func startHub(t *testing.T) (*hub.Server, string, context.CancelFunc) {
	t.Helper()
	s := hub.NewServer(nil)
	s.Handle("Echo", func(ctx context.Context, args hub.Arguments) (any, error) {
		var v string
		err := args.DecodeArgument(0, &v)
		return v, err
	})
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http"), cancel
}

func newTestHubTransport(url string) *HubTransport {
	return NewHubTransport(url, nil, hub.WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(10 * time.Millisecond)
	}))
}

func TestHubTraceLevelDemotedUntilConnected(t *testing.T) {
	_, url, _ := startHub(t)
	tr := newTestHubTransport(url)
	defer tr.Close()

	if got := tr.traceLevel(hub.TraceError); got != zerolog.InfoLevel {
		t.Fatalf("error before first connect logged at %s, want info", got)
	}
	if got := tr.traceLevel(hub.TraceWarning); got != zerolog.WarnLevel {
		t.Fatalf("warning logged at %s", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.AttemptConnect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := tr.traceLevel(hub.TraceError); got != zerolog.ErrorLevel {
		t.Fatalf("error after connect logged at %s, want error", got)
	}
}

func TestHubInvokeRoundTrip(t *testing.T) {
	_, url, _ := startHub(t)
	tr := newTestHubTransport(url)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := tr.Invoke(ctx, "Echo", "x"); !errors.Is(err, resilience.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connecting, got %v", err)
	}
	if err := tr.AttemptConnect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	res, err := tr.Invoke(ctx, "Echo", "ping")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	got, err := Decode[string](res)
	if err != nil || got != "ping" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestHubDisconnectedFiresOnceBeforeStateFlips(t *testing.T) {
	_, url, stop := startHub(t)
	tr := newTestHubTransport(url)
	defer tr.Close()

	var (
		fired        atomic.Int32
		connectedAt  atomic.Bool
		disconnected = make(chan struct{})
	)
	tr.OnDisconnected(func(error) {
		connectedAt.Store(tr.IsConnected())
		if fired.Add(1) == 1 {
			close(disconnected)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.AttemptConnect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	stop()
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnected not raised after the hub shut down")
	}
	waitFor(t, func() bool { return !tr.IsConnected() })

	if !connectedAt.Load() {
		t.Fatal("listener should observe the transport still connected")
	}
	time.Sleep(50 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Fatalf("Disconnected fired %d times, want 1", n)
	}
	if err := tr.Send(ctx, "Echo", "x"); !errors.Is(err, resilience.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestHubClassifyClosedConnection(t *testing.T) {
	tr := newTestHubTransport("ws://127.0.0.1:1/hub")

	if err := tr.classify(hub.ErrConnectionClosed); !errors.Is(err, resilience.ErrNotConnected) {
		t.Fatalf("closed connection mapped to %v", err)
	}
	if err := tr.classify(resilience.ErrNotConnected); err != resilience.ErrNotConnected {
		t.Fatalf("ErrNotConnected should pass through, got %v", err)
	}
	remote := &resilience.RemoteError{Code: resilience.CodeMethodNotFound, Message: "nope"}
	if err := tr.classify(remote); err != remote {
		t.Fatalf("remote error should pass through, got %v", err)
	}
}

func TestHubConcurrentAttemptConnect(t *testing.T) {
	s, url, _ := startHub(t)
	tr := newTestHubTransport(url)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
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
			t.Fatalf("attempt: %v", err)
		}
	}

	waitFor(t, func() bool { return s.ConnectionCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := s.ConnectionCount(); n != 1 {
		t.Fatalf("hub holds %d connections, want 1", n)
	}
}

func TestHubAddTargetAfterConnect(t *testing.T) {
	_, url, _ := startHub(t)
	tr := newTestHubTransport(url)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.AttemptConnect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := tr.AddTarget("Late", func(context.Context, Args) (any, error) { return nil, nil }); !errors.Is(err, ErrTargetsFrozen) {
		t.Fatalf("expected ErrTargetsFrozen, got %v", err)
	}
}
