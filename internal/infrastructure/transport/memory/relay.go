// Package memory is an in-process pub/sub relay. It implements the same
// transport port as the websocket backend and adds fault injection so
// reconnect behaviour can be driven from tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"
	"pikacall/pkg/validation"

	"go.uber.org/zap"
)

const DefaultSubscriberBuffer = 64

type Relay struct {
	// RequireToken rejects connections without a capv1 token.
	RequireToken     bool
	SubscriberBuffer int

	mu       sync.Mutex
	tracks   map[string]*trackState
	tokens   map[string]string
	conns    map[*conn]struct{}
	failNext int
	connects int

	logger *zap.SugaredLogger
}

type trackState struct {
	publishers  int
	subscribers map[*stream]struct{}
}

func NewRelay(logger *zap.SugaredLogger) *Relay {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Relay{
		RequireToken:     true,
		SubscriberBuffer: DefaultSubscriberBuffer,
		tracks:           make(map[string]*trackState),
		tokens:           make(map[string]string),
		conns:            make(map[*conn]struct{}),
		logger:           logger,
	}
}

// Transport returns a connector bound to this relay.
func (r *Relay) Transport() ports.Transport {
	return transport{relay: r}
}

type transport struct {
	relay *Relay
}

func (t transport) Connect(ctx context.Context, url, authToken string) (ports.TransportConn, error) {
	return t.relay.connect(ctx, url, authToken)
}

func (r *Relay) connect(ctx context.Context, url, token string) (*conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.TransportError{Op: "connect", Err: err}
	}
	if r.RequireToken {
		if err := validation.ValidateRelayToken(token); err != nil {
			return nil, &domain.TransportError{Op: "connect", Err: fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	if r.failNext > 0 {
		r.failNext--
		return nil, &domain.TransportError{Op: "connect", Err: fmt.Errorf("%w: injected failure", domain.ErrConnectFailed)}
	}

	c := &conn{
		relay:   r,
		url:     url,
		token:   token,
		done:    make(chan struct{}),
		sinks:   make(map[*sink]struct{}),
		streams: make(map[*stream]struct{}),
	}
	r.conns[c] = struct{}{}
	r.logger.Debugw("Relay connection opened", "url", url)
	return c, nil
}

// FailNextConnects makes the next n connect attempts fail.
func (r *Relay) FailNextConnects(n int) {
	r.mu.Lock()
	r.failNext = n
	r.mu.Unlock()
}

// ConnectCount is the number of connect attempts seen so far.
func (r *Relay) ConnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

// DisconnectAll drops every open connection as a network failure would.
func (r *Relay) DisconnectAll() int {
	r.mu.Lock()
	conns := make([]*conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.fail(domain.ErrDisconnected)
	}
	return len(conns)
}

// Connections is the number of live connections.
func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Subscribers is the number of live subscriptions on a track key.
func (r *Relay) Subscribers(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts, ok := r.tracks[key]; ok {
		return len(ts.subscribers)
	}
	return 0
}

// authorizeLocked pins the first token seen for a broadcast base.
func (r *Relay) authorizeLocked(addr domain.TrackAddress, token string) error {
	if !r.RequireToken {
		return nil
	}
	base := addr.BroadcastBase()
	pinned, ok := r.tokens[base]
	if !ok {
		r.tokens[base] = token
		return nil
	}
	if pinned != token {
		return domain.ErrUnauthorized
	}
	return nil
}

func (r *Relay) trackLocked(key string) *trackState {
	ts, ok := r.tracks[key]
	if !ok {
		ts = &trackState{subscribers: make(map[*stream]struct{})}
		r.tracks[key] = ts
	}
	return ts
}

func (r *Relay) releaseTrackLocked(key string) {
	if ts, ok := r.tracks[key]; ok && ts.publishers == 0 && len(ts.subscribers) == 0 {
		delete(r.tracks, key)
	}
}

func (r *Relay) deliver(key string, frame domain.MediaFrame) {
	r.mu.Lock()
	ts, ok := r.tracks[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	subs := make([]*stream, 0, len(ts.subscribers))
	for s := range ts.subscribers {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.offer(frame)
	}
}

type conn struct {
	relay *Relay
	url   string
	token string

	mu      sync.Mutex
	closed  bool
	err     error
	done    chan struct{}
	sinks   map[*sink]struct{}
	streams map[*stream]struct{}
}

func (c *conn) Publish(ctx context.Context, addr domain.TrackAddress) (ports.FrameSink, error) {
	if err := validation.ValidateTrackName(addr.Track); err != nil {
		return nil, &domain.TransportError{Op: "publish", Err: fmt.Errorf("%w: %v", domain.ErrInvalidTrack, err)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &domain.TransportError{Op: "publish", Err: domain.ErrNotConnected}
	}

	r := c.relay
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorizeLocked(addr, c.token); err != nil {
		return nil, &domain.TransportError{Op: "publish", Err: err}
	}
	r.trackLocked(addr.Key()).publishers++

	s := &sink{conn: c, key: addr.Key()}
	c.sinks[s] = struct{}{}
	return s, nil
}

func (c *conn) Subscribe(ctx context.Context, addr domain.TrackAddress) (ports.FrameStream, error) {
	if err := validation.ValidateTrackName(addr.Track); err != nil {
		return nil, &domain.TransportError{Op: "subscribe", Err: fmt.Errorf("%w: %v", domain.ErrInvalidTrack, err)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &domain.TransportError{Op: "subscribe", Err: domain.ErrNotConnected}
	}

	r := c.relay
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorizeLocked(addr, c.token); err != nil {
		return nil, &domain.TransportError{Op: "subscribe", Err: err}
	}

	s := &stream{
		conn:   c,
		key:    addr.Key(),
		frames: make(chan domain.ReceivedFrame, r.SubscriberBuffer),
	}
	r.trackLocked(s.key).subscribers[s] = struct{}{}
	c.streams[s] = struct{}{}
	return s, nil
}

func (c *conn) Done() <-chan struct{} {
	return c.done
}

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *conn) Close() error {
	c.fail(nil)
	return nil
}

// fail tears the connection down. A nil cause is a local close.
func (c *conn) fail(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if cause != nil {
		c.err = &domain.TransportError{Op: "recv", Err: cause}
	}
	sinks := c.sinks
	streams := c.streams
	c.sinks = nil
	c.streams = nil
	c.mu.Unlock()

	r := c.relay
	r.mu.Lock()
	for s := range sinks {
		s.releaseLocked()
	}
	for s := range streams {
		s.releaseLocked()
	}
	delete(r.conns, c)
	r.mu.Unlock()

	close(c.done)
	if cause != nil {
		r.logger.Debugw("Relay connection dropped", "url", c.url, "error", cause)
	}
}

type sink struct {
	conn     *conn
	key      string
	released bool
	seq      uint64
}

func (s *sink) WriteFrame(ctx context.Context, frame domain.MediaFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.conn.mu.Lock()
	closed := s.conn.closed
	_, live := s.conn.sinks[s]
	s.conn.mu.Unlock()
	if closed {
		return &domain.TransportError{Op: "write", Err: domain.ErrDisconnected}
	}
	if !live {
		return &domain.TransportError{Op: "write", Err: domain.ErrSessionClosed}
	}

	frame.Payload = append([]byte(nil), frame.Payload...)
	s.conn.relay.deliver(s.key, frame)
	return nil
}

func (s *sink) Close() error {
	s.conn.mu.Lock()
	if _, ok := s.conn.sinks[s]; !ok {
		s.conn.mu.Unlock()
		return nil
	}
	delete(s.conn.sinks, s)
	s.conn.mu.Unlock()

	r := s.conn.relay
	r.mu.Lock()
	s.releaseLocked()
	r.mu.Unlock()
	return nil
}

func (s *sink) releaseLocked() {
	if s.released {
		return
	}
	s.released = true
	r := s.conn.relay
	if ts, ok := r.tracks[s.key]; ok {
		ts.publishers--
	}
	r.releaseTrackLocked(s.key)
}

type stream struct {
	conn *conn
	key  string

	mu       sync.Mutex
	frames   chan domain.ReceivedFrame
	arrival  uint64
	released bool
}

func (s *stream) Frames() <-chan domain.ReceivedFrame {
	return s.frames
}

// offer enqueues without blocking the publisher, evicting the oldest frame
// when the subscriber lags.
func (s *stream) offer(frame domain.MediaFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.arrival++
	rf := domain.ReceivedFrame{MediaFrame: frame, Arrival: s.arrival, ArrivedAt: time.Now()}
	for {
		select {
		case s.frames <- rf:
			return
		default:
		}
		select {
		case <-s.frames:
		default:
		}
	}
}

func (s *stream) Close() error {
	s.conn.mu.Lock()
	if s.conn.streams != nil {
		delete(s.conn.streams, s)
	}
	s.conn.mu.Unlock()

	r := s.conn.relay
	r.mu.Lock()
	s.releaseLocked()
	r.mu.Unlock()
	return nil
}

func (s *stream) releaseLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	r := s.conn.relay
	if ts, ok := r.tracks[s.key]; ok {
		delete(ts.subscribers, s)
	}
	r.releaseTrackLocked(s.key)
	close(s.frames)
}
