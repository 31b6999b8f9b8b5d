package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/Backplane/backplane/connector"
	"github.com/itskum47/Backplane/backplane/hub"
	"github.com/itskum47/Backplane/backplane/logger"
	"github.com/itskum47/Backplane/backplane/manager"
	"github.com/itskum47/Backplane/backplane/observability"
	"github.com/itskum47/Backplane/backplane/wire"
)

// MaxRecentChanges bounds the relay's change dedup set.
const MaxRecentChanges = 10000

// ForwardTimeout bounds each OnChange forward to a peer.
const ForwardTimeout = 5 * time.Second

type handlerFunc func(ctx context.Context, sess *session, args connector.Args) (any, error)

// session is one connected service, over either transport.
type session struct {
	key       any
	transport string
	serviceID string
	send      func(ctx context.Context, method string, args ...any) error
}

// Server is the peer relay. Services register over the socket transport or
// the hub; metrics and changes published by one are visible to all.
type Server struct {
	log      *logger.Logger
	codec    *wire.Codec
	hub      *hub.Server
	now      func() time.Time
	staleAge time.Duration

	forwardTimeout time.Duration

	targets map[string]connector.Handler

	mu       sync.Mutex
	sessions map[any]*session
	services map[string]manager.ServiceRecord
	changes  map[string]time.Time
}

// NewServer creates a relay. Mount Hub() on an HTTP mux to accept hub
// clients and call ServeSocket to accept socket clients.
func NewServer(log *logger.Logger, hubOpts ...hub.ServerOption) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		log:      log.WithComponent("relay.server"),
		codec:    wire.NewCodec(nil),
		hub:      hub.NewServer(log, hubOpts...),
		now:      time.Now,
		staleAge: manager.StaleServiceAge,

		forwardTimeout: ForwardTimeout,
		sessions: make(map[any]*session),
		services: make(map[string]manager.ServiceRecord),
		changes:  make(map[string]time.Time),
	}

	routes := map[string]handlerFunc{
		MethodRegisterService:    s.registerService,
		MethodUpdateMetrics:      s.updateMetrics,
		MethodDisposeDataChanges: s.disposeDataChanges,
		MethodPublishChange:      s.publishChange,
		MethodGetServices:        s.getServices,
	}

	s.targets = make(map[string]connector.Handler, len(routes))
	for name, h := range routes {
		name, h := name, h
		s.targets[name] = func(ctx context.Context, args connector.Args) (any, error) {
			ch, ok := connector.ChannelFromContext(ctx)
			if !ok {
				return nil, fmt.Errorf("relay: %s called without a channel", name)
			}
			observability.RelayRequests.WithLabelValues(name, "socket").Inc()
			return h(ctx, s.sessionFor(ch), args)
		}
		s.hub.Handle(name, func(ctx context.Context, args hub.Arguments) (any, error) {
			conn, ok := hub.ConnFromContext(ctx)
			if !ok {
				return nil, fmt.Errorf("relay: %s called without a connection", name)
			}
			observability.RelayRequests.WithLabelValues(name, "hub").Inc()
			return h(ctx, s.sessionFor(conn), args)
		})
	}
	s.hub.OnDisconnect(func(c *hub.Conn) { s.dropSession(c) })
	return s
}

// Hub returns the HTTP handler accepting hub clients.
func (s *Server) Hub() *hub.Server {
	return s.hub
}

// Run drives the hub and prunes stale services until ctx is done.
func (s *Server) Run(ctx context.Context) {
	go s.hub.Run(ctx)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.pruneStale(); n > 0 {
				s.log.Info("pruned stale services", logger.Fields("count", n))
			}
		}
	}
}

// ServeSocket accepts socket clients on ln until ctx is done.
func (s *Server) ServeSocket(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", logger.Fields(logger.FieldError, err.Error()))
			continue
		}
		ch := connector.NewChannel(conn, s.codec, s.targets, s.log)
		ch.OnClose(func(error) { s.dropSession(ch) })
		s.sessionFor(ch)
		ch.Start()
		s.log.Debug("socket client connected", logger.Fields("remote", conn.RemoteAddr().String()))
	}
}

func (s *Server) sessionFor(key any) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		return sess
	}
	sess := &session{key: key}
	switch c := key.(type) {
	case *connector.Channel:
		sess.transport = "socket"
		sess.send = c.Notify
	case *hub.Conn:
		sess.transport = "hub"
		sess.send = c.Send
	}
	s.sessions[key] = sess
	return sess
}

func (s *Server) dropSession(key any) {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	var serviceID string
	if ok {
		serviceID = sess.serviceID
	}
	delete(s.sessions, key)
	s.mu.Unlock()
	if serviceID != "" {
		s.log.Info("service disconnected", logger.Fields(logger.FieldServiceID, serviceID, logger.FieldTransport, sess.transport))
	}
}

func (s *Server) registerService(ctx context.Context, sess *session, args connector.Args) (any, error) {
	serviceType, err := connector.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	serviceID, err := connector.Arg[string](args, 1)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	sess.serviceID = serviceID
	record := s.services[serviceID]
	record.Service.ServiceID = serviceID
	record.Service.ServiceType = serviceType
	record.LastUpdate = s.now()
	s.services[serviceID] = record
	count := len(s.services)
	s.mu.Unlock()

	observability.RelayServices.Set(float64(count))
	s.log.Info("service registered", logger.Fields(logger.FieldServiceID, serviceID, "service_type", serviceType, logger.FieldTransport, sess.transport))
	return true, nil
}

func (s *Server) updateMetrics(ctx context.Context, sess *session, args connector.Args) (any, error) {
	info, err := connector.Arg[manager.ServiceInfo](args, 0)
	if err != nil {
		return nil, err
	}
	metrics, err := connector.Arg[manager.ServiceMetrics](args, 1)
	if err != nil {
		return nil, err
	}
	if info.ServiceID == "" {
		info.ServiceID = sess.serviceID
	}

	s.mu.Lock()
	prev := s.services[info.ServiceID]
	if info.ServiceType == "" {
		info.ServiceType = prev.Service.ServiceType
	}
	s.services[info.ServiceID] = manager.ServiceRecord{Service: info, Metrics: metrics, LastUpdate: s.now()}
	count := len(s.services)
	s.mu.Unlock()

	observability.RelayServices.Set(float64(count))
	return nil, nil
}

func (s *Server) disposeDataChanges(ctx context.Context, sess *session, args connector.Args) (any, error) {
	ids, err := connector.Arg[[]string](args, 0)
	if err != nil {
		return nil, err
	}
	removed := 0
	s.mu.Lock()
	for _, id := range ids {
		if _, ok := s.changes[id]; ok {
			delete(s.changes, id)
			removed++
		}
	}
	s.mu.Unlock()
	return removed, nil
}

func (s *Server) publishChange(ctx context.Context, sess *session, args connector.Args) (any, error) {
	change, err := connector.Arg[manager.Change](args, 0)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, seen := s.changes[change.ID]; seen {
		s.mu.Unlock()
		return false, nil
	}
	if len(s.changes) >= MaxRecentChanges {
		s.evictOldestChangeLocked()
	}
	s.changes[change.ID] = s.now()
	targets := make([]forward, 0, len(s.sessions))
	for _, other := range s.sessions {
		if other != sess && other.serviceID != "" {
			targets = append(targets, forward{serviceID: other.serviceID, send: other.send})
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		s.forward(ctx, t, change)
	}
	return true, nil
}

type forward struct {
	serviceID string
	send      func(ctx context.Context, method string, args ...any) error
}

func (s *Server) forward(ctx context.Context, t forward, change manager.Change) {
	ctx, cancel := context.WithTimeout(ctx, s.forwardTimeout)
	defer cancel()
	if err := t.send(ctx, MethodOnChange, change); err != nil {
		s.log.Debug("change forward failed", logger.Fields(logger.FieldServiceID, t.serviceID, logger.FieldError, err.Error()))
	}
}

func (s *Server) evictOldestChangeLocked() {
	var oldestID string
	var oldest time.Time
	for id, at := range s.changes {
		if oldestID == "" || at.Before(oldest) {
			oldestID, oldest = id, at
		}
	}
	delete(s.changes, oldestID)
}

func (s *Server) getServices(ctx context.Context, sess *session, args connector.Args) (any, error) {
	s.pruneStale()
	return s.Services(), nil
}

// Services returns the registered services ordered by id.
func (s *Server) Services() []manager.ServiceRecord {
	s.mu.Lock()
	out := make([]manager.ServiceRecord, 0, len(s.services))
	for _, r := range s.services {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Service.ServiceID < out[j].Service.ServiceID })
	return out
}

func (s *Server) pruneStale() int {
	now := s.now()
	s.mu.Lock()
	pruned := 0
	for id, r := range s.services {
		if r.Stale(now, s.staleAge) {
			delete(s.services, id)
			pruned++
		}
	}
	count := len(s.services)
	s.mu.Unlock()
	observability.RelayServices.Set(float64(count))
	return pruned
}
