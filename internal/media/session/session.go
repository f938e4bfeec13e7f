// Package session wraps one relay connection behind a readiness gate.
//
// Publish and Subscribe block until the current connect attempt resolves,
// so nothing is fed into a connection that is not confirmed up. A lost
// connection is reported on Health and re-arms the gate; reconnecting is
// left to the caller.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"

	"go.uber.org/zap"
)

type HealthKind string

const (
	HealthDegraded HealthKind = "degraded"
)

type HealthEvent struct {
	Kind HealthKind
	Err  error
	At   time.Time
}

const healthBuffer = 8

type Session struct {
	transport ports.Transport
	url       string
	token     string
	logger    *zap.SugaredLogger

	connectMu sync.Mutex

	mu         sync.Mutex
	conn       ports.TransportConn
	ready      chan struct{}
	resolved   bool
	connErr    error
	generation uint64
	closed     bool
	health     chan HealthEvent
}

func New(transport ports.Transport, url, token string, logger *zap.SugaredLogger) *Session {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Session{
		transport: transport,
		url:       url,
		token:     token,
		logger:    logger,
		ready:     make(chan struct{}),
		health:    make(chan HealthEvent, healthBuffer),
	}
}

// Connect dials the relay, replacing any previous connection. Waiters
// blocked in Publish or Subscribe are released with the outcome.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &domain.TransportError{Op: "connect", Err: domain.ErrSessionClosed}
	}
	old := s.conn
	s.conn = nil
	s.rearmLocked()
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	conn, err := s.transport.Connect(ctx, s.url, s.token)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if conn != nil {
			conn.Close()
		}
		return &domain.TransportError{Op: "connect", Err: domain.ErrSessionClosed}
	}
	if err != nil {
		s.connErr = err
		s.resolveLocked()
		s.logger.Warnw("Media session connect failed", "url", s.url, "error", err)
		return err
	}
	s.conn = conn
	s.resolveLocked()
	go s.watch(conn, gen)

	s.logger.Debugw("Media session connected", "url", s.url, "generation", gen)
	return nil
}

func (s *Session) rearmLocked() {
	if s.resolved {
		s.ready = make(chan struct{})
		s.resolved = false
	}
	s.connErr = nil
}

func (s *Session) resolveLocked() {
	if !s.resolved {
		close(s.ready)
		s.resolved = true
	}
}

func (s *Session) watch(conn ports.TransportConn, gen uint64) {
	<-conn.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.generation {
		return
	}
	err := conn.Err()
	if err == nil {
		err = &domain.TransportError{Op: "recv", Err: domain.ErrDisconnected}
	}
	s.conn = nil
	s.rearmLocked()

	s.logger.Warnw("Media session degraded", "url", s.url, "error", err)
	select {
	case s.health <- HealthEvent{Kind: HealthDegraded, Err: err, At: time.Now()}:
	default:
	}
}

// Health delivers connection-health events. It is closed by Close.
func (s *Session) Health() <-chan HealthEvent {
	return s.health
}

// Ready is closed once the current connect attempt has resolved.
func (s *Session) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) waitReady(ctx context.Context) (ports.TransportConn, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, &domain.TransportError{Op: "wait", Err: domain.ErrSessionClosed}
		}
		if s.resolved {
			conn, err := s.conn, s.connErr
			s.mu.Unlock()
			if err != nil {
				return nil, &domain.TransportError{Op: "wait", Err: fmt.Errorf("%w: %v", domain.ErrConnectFailed, err)}
			}
			if conn == nil {
				return nil, &domain.TransportError{Op: "wait", Err: domain.ErrNotConnected}
			}
			return conn, nil
		}
		ready := s.ready
		s.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, &domain.TransportError{Op: "wait", Err: fmt.Errorf("%w: %v", domain.ErrNotConnected, ctx.Err())}
		}
	}
}

// Publish waits for readiness and announces a track.
func (s *Session) Publish(ctx context.Context, addr domain.TrackAddress) (ports.FrameSink, error) {
	conn, err := s.waitReady(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Publish(ctx, addr)
}

// Subscribe waits for readiness and subscribes to a track.
func (s *Session) Subscribe(ctx context.Context, addr domain.TrackAddress) (ports.FrameStream, error) {
	conn, err := s.waitReady(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Subscribe(ctx, addr)
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.resolveLocked()
	close(s.health)
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
