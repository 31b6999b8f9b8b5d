package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/Backplane/backplane/logger"
	"github.com/itskum47/Backplane/backplane/observability"
)

const defaultMaxConnections = 200

// Server accepts hub connections over HTTP and dispatches their invocations
// to registered targets. A single Run loop owns registration.
type Server struct {
	upgrader  websocket.Upgrader
	maxConns  int
	keepAlive time.Duration
	timeout   time.Duration
	log       *logger.Logger

	mu           sync.RWMutex
	handlers     map[string]HandlerFunc
	conns        map[*Conn]struct{}
	onDisconnect []func(*Conn)

	register   chan *Conn
	unregister chan *Conn
	done       chan struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMaxConnections caps concurrent connections.
func WithMaxConnections(n int) ServerOption {
	return func(s *Server) { s.maxConns = n }
}

// WithServerKeepAlive sets the server ping interval and read timeout.
func WithServerKeepAlive(keepAlive, timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.keepAlive = keepAlive
		s.timeout = timeout
	}
}

// NewServer creates a hub server.
func NewServer(log *logger.Logger, opts ...ServerOption) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		maxConns:   defaultMaxConnections,
		keepAlive:  DefaultKeepAlive,
		timeout:    DefaultServerTimeout,
		log:        log.WithComponent("hub.server"),
		handlers:   make(map[string]HandlerFunc),
		conns:      make(map[*Conn]struct{}),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers fn for invocations of target.
func (s *Server) Handle(target string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[target] = fn
	s.mu.Unlock()
}

// OnDisconnect registers fn to run after a connection is removed.
func (s *Server) OnDisconnect(fn func(*Conn)) {
	s.mu.Lock()
	s.onDisconnect = append(s.onDisconnect, fn)
	s.mu.Unlock()
}

func (s *Server) lookup(target string) (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[target]
	return h, ok
}

// Run owns connection registration until ctx is done.
func (s *Server) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return

		case conn := <-s.register:
			s.mu.Lock()
			if len(s.conns) >= s.maxConns {
				s.mu.Unlock()
				conn.Close(nil)
				s.log.Warn("hub connection rejected: max connections reached", logger.Fields("max", s.maxConns))
				continue
			}
			s.conns[conn] = struct{}{}
			count := len(s.conns)
			s.mu.Unlock()
			conn.onClose = func(c *Conn, _ error) { s.remove(c) }
			conn.start(s.keepAlive)
			observability.HubConnections.Set(float64(count))
			s.log.Debug("hub client registered", logger.Fields("total", count))

		case conn := <-s.unregister:
			s.mu.Lock()
			_, ok := s.conns[conn]
			delete(s.conns, conn)
			count := len(s.conns)
			listeners := append([]func(*Conn){}, s.onDisconnect...)
			s.mu.Unlock()
			if !ok {
				continue
			}
			observability.HubConnections.Set(float64(count))
			s.log.Debug("hub client unregistered", logger.Fields("total", count))
			for _, fn := range listeners {
				fn(conn)
			}

		case <-ticker.C:
			observability.HubConnections.Set(float64(s.ConnectionCount()))
		}
	}
}

func (s *Server) remove(c *Conn) {
	select {
	case s.unregister <- c:
	case <-s.done:
	}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[*Conn]struct{})
	s.mu.Unlock()

	s.log.Info("shutting down hub", logger.Fields("clients", len(conns)))
	for conn := range conns {
		conn.Close(nil)
	}
	observability.HubConnections.Set(0)
}

// ServeHTTP upgrades the request and hands the connection to Run.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logger.Fields(logger.FieldError, err.Error()))
		return
	}
	conn := newConn(ws, s.lookup, s.timeout, s.traceFunc())
	select {
	case s.register <- conn:
	case <-s.done:
		_ = ws.Close()
	case <-r.Context().Done():
		_ = ws.Close()
	}
}

// ConnectionCount returns the number of registered connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) traceFunc() TraceFunc {
	return func(level TraceLevel, msg string, err error) {
		fields := logger.Fields("trace_level", level.String())
		if err != nil {
			fields[logger.FieldError] = err.Error()
		}
		switch level {
		case TraceError, TraceWarning:
			s.log.Warn(msg, fields)
		default:
			s.log.Debug(msg, fields)
		}
	}
}
