package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sentinelops/aegis/pkg/clock"
	"github.com/sentinelops/aegis/pkg/config"
	"github.com/sentinelops/aegis/pkg/errs"
	"github.com/sentinelops/aegis/pkg/hub"
	"github.com/sentinelops/aegis/pkg/models"
	"github.com/sentinelops/aegis/pkg/version"
)

const callTimeout = 30 * time.Second

// RPCServer is the framed-JSON listener: persistent TCP (TLS when material is
// configured), unary calls plus server-streaming subscriptions.
type RPCServer struct {
	cfg    config.ServerConfig
	core   *Core
	hubRef *hub.Hub
	clk    clock.Clock
	ids    clock.IdGen
	logger *slog.Logger

	ln net.Listener
	wg sync.WaitGroup

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
}

// NewRPCServer wires the listener. Start binds the address.
func NewRPCServer(cfg config.ServerConfig, core *Core, hubRef *hub.Hub, clk clock.Clock, ids clock.IdGen, logger *slog.Logger) *RPCServer {
	if clk == nil {
		clk = clock.System{}
	}
	if ids == nil {
		ids = clock.UUIDGen{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RPCServer{
		cfg:    cfg,
		core:   core,
		hubRef: hubRef,
		clk:    clk,
		ids:    ids,
		logger: logger.With("component", "rpc"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the configured address and begins accepting connections.
func (s *RPCServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.RPCAddr)
	if err != nil {
		return errs.Wrap(errs.Internal, "bind rpc listener", err)
	}

	if s.cfg.TLSCertFile != "" || s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			ln.Close()
			return errs.Wrap(errs.Validation, "load rpc tls material", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info("RPC listener started", "addr", ln.Addr().String(), "tls", s.cfg.TLSCertFile != "")
	return nil
}

// Addr returns the bound address, for tests and logs.
func (s *RPCServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener and every live connection.
func (s *RPCServer) Stop() {
	s.mu.Lock()
	s.closed = true
	if s.ln != nil {
		s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *RPCServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Warn("Accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// rpcConn is one client session: the write side is serialized so results,
// events, and pings interleave cleanly.
type rpcConn struct {
	conn net.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*hub.Subscriber
}

func (c *rpcConn) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return WriteFrame(c.conn, f)
}

func (s *RPCServer) handleConn(conn net.Conn) {
	session := &rpcConn{conn: conn, subs: make(map[string]*hub.Subscriber)}
	defer func() {
		session.mu.Lock()
		subs := session.subs
		session.subs = nil
		session.mu.Unlock()
		for _, sub := range subs {
			s.hubRef.Unsubscribe(sub.ID())
		}

		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	greeting, _ := json.Marshal(HelloPayload{Server: version.Full(), Protocol: ProtocolVersion})
	if err := session.write(Frame{ID: s.ids.NewId("srv"), Type: FrameHello, Payload: greeting}); err != nil {
		return
	}

	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(session, stop)

	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		frame, err := ReadFrame(conn)
		if err != nil {
			return
		}

		switch frame.Type {
		case FrameCall:
			s.handleCall(session, frame)
		case FrameSubscribe:
			s.handleSubscribe(session, frame)
		case FrameUnsubscribe:
			s.handleUnsubscribe(session, frame)
		case FramePing:
			session.write(Frame{ID: frame.ID, Type: FramePong})
		case FramePong:
			now := s.clk.Now()
			session.mu.Lock()
			for _, sub := range session.subs {
				sub.Heartbeat(now)
			}
			session.mu.Unlock()
		default:
			// Unknown frame types are ignored for forward compatibility.
		}
	}
}

func (s *RPCServer) pingLoop(session *rpcConn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := session.write(Frame{ID: s.ids.NewId("ping"), Type: FramePing}); err != nil {
				session.conn.Close()
				return
			}
		}
	}
}

func (s *RPCServer) handleCall(session *rpcConn, frame Frame) {
	var call CallPayload
	if err := json.Unmarshal(frame.Payload, &call); err != nil {
		s.writeError(session, frame.ID, errs.Wrap(errs.Validation, "malformed call payload", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	result, err := s.core.dispatch(ctx, call.Method, call.Params)
	if err != nil {
		s.writeError(session, frame.ID, err)
		return
	}

	body, err := json.Marshal(result)
	if err != nil {
		s.writeError(session, frame.ID, errs.Wrap(errs.Internal, "marshal result", err))
		return
	}
	session.write(Frame{ID: frame.ID, Type: FrameResult, Payload: body})
}

func (s *RPCServer) handleSubscribe(session *rpcConn, frame Frame) {
	var req SubscribePayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			s.writeError(session, frame.ID, errs.Wrap(errs.Validation, "malformed subscribe payload", err))
			return
		}
	}

	filter := hub.Filter{IncidentIDs: req.IncidentIDs}
	for _, k := range req.Kinds {
		filter.Kinds = append(filter.Kinds, models.EventKind(k))
	}

	// Event frames must not pass the subscribed ack on the wire; sends hold
	// until the ack is out.
	ready := make(chan struct{})
	send := func(_ context.Context, batch []hub.Envelope) error {
		<-ready
		for _, env := range batch {
			body, err := json.Marshal(env)
			if err != nil {
				return err
			}
			if err := session.write(Frame{ID: frame.ID, Type: FrameEvent, Payload: body}); err != nil {
				return err
			}
		}
		return nil
	}

	var (
		sub *hub.Subscriber
		err error
	)
	if req.FromSequence != nil {
		if len(req.IncidentIDs) != 1 {
			s.writeError(session, frame.ID, errs.Validationf("from_sequence", "catch-up requires exactly one incident id"))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		sub, err = s.hubRef.SubscribeFrom(ctx, filter, send, req.IncidentIDs[0], *req.FromSequence)
	} else {
		sub, err = s.hubRef.Subscribe(filter, send)
	}
	if err != nil {
		s.writeError(session, frame.ID, err)
		return
	}
	defer close(ready)

	session.mu.Lock()
	if session.subs == nil {
		session.mu.Unlock()
		s.hubRef.Unsubscribe(sub.ID())
		return
	}
	session.subs[frame.ID] = sub
	session.mu.Unlock()

	body, _ := json.Marshal(SubscribedPayload{SubscriptionID: sub.ID()})
	session.write(Frame{ID: frame.ID, Type: FrameSubscribed, Payload: body})
}

func (s *RPCServer) handleUnsubscribe(session *rpcConn, frame Frame) {
	var req UnsubscribePayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			s.writeError(session, frame.ID, errs.Wrap(errs.Validation, "malformed unsubscribe payload", err))
			return
		}
	}

	session.mu.Lock()
	var sub *hub.Subscriber
	for key, candidate := range session.subs {
		if key == frame.ID || candidate.ID() == req.SubscriptionID {
			sub = candidate
			delete(session.subs, key)
			break
		}
	}
	session.mu.Unlock()

	if sub != nil {
		s.hubRef.Unsubscribe(sub.ID())
	}
}

func (s *RPCServer) writeError(session *rpcConn, id string, err error) {
	if isInternal(err) {
		s.logger.Error("RPC call failed", "error", err)
	}
	body, merr := json.Marshal(errorPayload(err))
	if merr != nil {
		return
	}
	session.write(Frame{ID: id, Type: FrameError, Payload: body})
}

func isInternal(err error) bool {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Kind == errs.Internal
	}
	return true
}
