// Package websocket is the network media transport. A connection carries
// JSON control messages (announce/subscribe with acks) and binary media
// messages holding RTP packets keyed by track.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"

	ws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Config struct {
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	AckTimeout       time.Duration
	HandshakeTimeout time.Duration
	SubscriberBuffer int
}

func DefaultConfig() Config {
	return Config{
		PingInterval:     10 * time.Second,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     5 * time.Second,
		AckTimeout:       5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		SubscriberBuffer: 64,
	}
}

type Transport struct {
	cfg    Config
	dialer *ws.Dialer
	logger *zap.SugaredLogger
}

var _ ports.Transport = (*Transport)(nil)

func NewTransport(cfg Config, logger *zap.SugaredLogger) *Transport {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Transport{
		cfg: cfg,
		dialer: &ws.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger: logger,
	}
}

// MediaURL maps a relay URL to its websocket media endpoint.
func MediaURL(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/media"
	}
	if token != "" {
		q := u.Query()
		q.Set("auth", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (t *Transport) Connect(ctx context.Context, rawURL, authToken string) (ports.TransportConn, error) {
	target, err := MediaURL(rawURL, authToken)
	if err != nil {
		return nil, &domain.TransportError{Op: "connect", Err: fmt.Errorf("%w: %v", domain.ErrConnectFailed, err)}
	}

	wsConn, resp, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &domain.TransportError{Op: "connect", Err: domain.ErrUnauthorized}
		}
		return nil, &domain.TransportError{Op: "connect", Err: fmt.Errorf("%w: %v", domain.ErrConnectFailed, err)}
	}

	c := &conn{
		cfg:     t.cfg,
		ws:      wsConn,
		logger:  t.logger,
		pending: make(map[uint64]chan ControlMessage),
		streams: make(map[string]map[*stream]struct{}),
		done:    make(chan struct{}),
	}
	wsConn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		return nil
	})
	go c.readLoop()
	go c.pingLoop()

	t.logger.Debugw("Relay connected", "url", rawURL)
	return c, nil
}

type conn struct {
	cfg    Config
	ws     *ws.Conn
	logger *zap.SugaredLogger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan ControlMessage
	streams map[string]map[*stream]struct{}
	closed  bool
	err     error
	done    chan struct{}
}

func (c *conn) write(msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(msgType, data)
}

func (c *conn) writeControl(msg ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(ws.TextMessage, data)
}

// request sends a control message and waits for its ack.
func (c *conn) request(ctx context.Context, op, track string) error {
	id := c.nextID.Add(1)
	reply := make(chan ControlMessage, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrNotConnected
	}
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeControl(ControlMessage{Op: op, ID: id, Track: track}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDisconnected, err)
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case msg := <-reply:
		if msg.Op == OpError {
			return controlError(msg)
		}
		return nil
	case <-timer.C:
		if op == OpSubscribe {
			return domain.ErrSubscribeTimeout
		}
		return fmt.Errorf("%s not acknowledged within %v", op, c.cfg.AckTimeout)
	case <-c.done:
		return domain.ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func controlError(msg ControlMessage) error {
	switch msg.Code {
	case "unauthorized":
		return domain.ErrUnauthorized
	case "invalid_track":
		return fmt.Errorf("%w: %s", domain.ErrInvalidTrack, msg.Error)
	default:
		return fmt.Errorf("relay error: %s", msg.Error)
	}
}

func (c *conn) Publish(ctx context.Context, addr domain.TrackAddress) (ports.FrameSink, error) {
	key := addr.Key()
	if err := c.request(ctx, OpAnnounce, key); err != nil {
		return nil, &domain.TransportError{Op: "publish", Err: err}
	}
	return &sink{conn: c, key: key}, nil
}

func (c *conn) Subscribe(ctx context.Context, addr domain.TrackAddress) (ports.FrameStream, error) {
	key := addr.Key()
	s := &stream{
		conn:   c,
		key:    key,
		frames: make(chan domain.ReceivedFrame, c.cfg.SubscriberBuffer),
	}

	// Registered before the request so frames racing the ack are kept.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &domain.TransportError{Op: "subscribe", Err: domain.ErrNotConnected}
	}
	if c.streams[key] == nil {
		c.streams[key] = make(map[*stream]struct{})
	}
	c.streams[key][s] = struct{}{}
	c.mu.Unlock()

	if err := c.request(ctx, OpSubscribe, key); err != nil {
		c.removeStream(s)
		return nil, &domain.TransportError{Op: "subscribe", Err: err}
	}
	return s, nil
}

func (c *conn) removeStream(s *stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.streams[s.key]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	if len(set) == 0 {
		delete(c.streams, s.key)
	}
	s.end()
	return true
}

func (c *conn) readLoop() {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		switch msgType {
		case ws.TextMessage:
			c.handleControl(data)
		case ws.BinaryMessage:
			c.handleMedia(data)
		}
	}
}

func (c *conn) handleControl(data []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debugw("Invalid relay control message", "error", err)
		return
	}
	if msg.ID == 0 {
		if msg.Op == OpError {
			c.logger.Warnw("Relay reported error", "track", msg.Track, "code", msg.Code, "error", msg.Error)
		}
		return
	}
	c.mu.Lock()
	reply, ok := c.pending[msg.ID]
	c.mu.Unlock()
	if ok {
		reply <- msg
	}
}

func (c *conn) handleMedia(data []byte) {
	kind, key, body, err := ParsePrefix(data)
	if err != nil {
		c.logger.Debugw("Invalid relay media message", "error", err)
		return
	}
	switch kind {
	case KindRTP:
		frame, err := DecodeFrame(body)
		if err != nil {
			c.logger.Debugw("Invalid RTP packet", "track", key, "error", err)
			return
		}
		c.mu.Lock()
		for s := range c.streams[key] {
			s.offer(frame)
		}
		c.mu.Unlock()
	case KindRTCP:
		if reason, ok := DecodeGoodbye(body); ok {
			c.logger.Debugw("Publisher left track", "track", key, "reason", reason)
		}
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(ws.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
		}
	}
}

// fail closes the connection. A nil cause marks a local close.
func (c *conn) fail(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if cause != nil {
		c.err = &domain.TransportError{Op: "recv", Err: fmt.Errorf("%w: %v", domain.ErrDisconnected, cause)}
	}
	streams := c.streams
	c.streams = make(map[string]map[*stream]struct{})
	c.mu.Unlock()

	for _, set := range streams {
		for s := range set {
			s.end()
		}
	}
	c.ws.Close()
	close(c.done)

	if cause != nil && !errors.Is(cause, ws.ErrCloseSent) {
		c.logger.Debugw("Relay connection lost", "error", cause)
	}
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
	c.writeMu.Lock()
	c.ws.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(c.cfg.WriteTimeout))
	c.writeMu.Unlock()
	c.fail(nil)
	return nil
}

type sink struct {
	conn   *conn
	key    string
	closed atomic.Bool
}

func (s *sink) WriteFrame(ctx context.Context, frame domain.MediaFrame) error {
	if s.closed.Load() {
		return &domain.TransportError{Op: "write", Err: domain.ErrSessionClosed}
	}
	select {
	case <-s.conn.done:
		return &domain.TransportError{Op: "write", Err: domain.ErrDisconnected}
	default:
	}

	msg, release, err := EncodeFrame(s.key, frame)
	if err != nil {
		return &domain.TransportError{Op: "write", Err: err}
	}
	defer release()
	if err := s.conn.write(ws.BinaryMessage, msg); err != nil {
		return &domain.TransportError{Op: "write", Err: fmt.Errorf("%w: %v", domain.ErrDisconnected, err)}
	}
	return nil
}

func (s *sink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	select {
	case <-s.conn.done:
		return nil
	default:
	}
	if bye, err := EncodeGoodbye(s.key, "unpublish"); err == nil {
		s.conn.write(ws.BinaryMessage, bye)
	}
	return s.conn.writeControl(ControlMessage{Op: OpUnannounce, Track: s.key})
}

type stream struct {
	conn *conn
	key  string

	mu      sync.Mutex
	frames  chan domain.ReceivedFrame
	arrival uint64
	ended   bool
}

func (s *stream) Frames() <-chan domain.ReceivedFrame {
	return s.frames
}

func (s *stream) offer(frame domain.MediaFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
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

func (s *stream) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.frames)
	}
}

func (s *stream) Close() error {
	if !s.conn.removeStream(s) {
		return nil
	}
	select {
	case <-s.conn.done:
		return nil
	default:
	}
	return s.conn.writeControl(ControlMessage{Op: OpUnsubscribe, Track: s.key})
}
