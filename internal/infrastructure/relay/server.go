// Package relay is the media relay: a websocket pub/sub server fanning
// track messages out from publishers to subscribers, plus a development
// group-messaging hub.
package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pikacall/internal/core/domain"
	wstransport "pikacall/internal/infrastructure/transport/websocket"
	"pikacall/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type Config struct {
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	SendBuffer        int
	MessagesPerSecond float64
	Burst             int
	RequireToken      bool
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Second,
		MaxMessageBytes:   64 * 1024,
		SendBuffer:        256,
		MessagesPerSecond: 500,
		Burst:             200,
		RequireToken:      true,
	}
}

type Server struct {
	cfg Config

	clients map[*client]struct{}
	tracks  map[string]*route
	tokens  map[string]string
	mu      sync.RWMutex

	metrics *Metrics
	logger  *zap.SugaredLogger
}

type route struct {
	publishers  map[*client]struct{}
	subscribers map[*client]struct{}
}

type outbound struct {
	msgType int
	data    []byte
}

type client struct {
	conn    *websocket.Conn
	token   string
	send    chan outbound
	limiter *rate.Limiter
	done    chan struct{}
	once    sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func NewServer(cfg Config, metrics *Metrics, logger *zap.SugaredLogger) *Server {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		cfg:     cfg,
		clients: make(map[*client]struct{}),
		tracks:  make(map[string]*route),
		tokens:  make(map[string]string),
		metrics: metrics,
		logger:  logger,
	}
}

// HandleMedia serves /media. The relay token is passed as ?auth=.
func (s *Server) HandleMedia(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("auth")
	if s.cfg.RequireToken {
		if err := validation.ValidateRelayToken(token); err != nil {
			s.metrics.authFailures.Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &client{
		conn:    conn,
		token:   token,
		send:    make(chan outbound, s.cfg.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.connections.Inc()
	s.logger.Infow("media client connected", "remote", r.RemoteAddr)

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(c)
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from media client", "error", err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		switch msgType {
		case websocket.TextMessage:
			s.handleControl(c, data)
		case websocket.BinaryMessage:
			if !c.limiter.Allow() {
				s.metrics.framesDropped.WithLabelValues("rate_limited").Inc()
				continue
			}
			s.handleMedia(c, data)
		}
	}

	s.removeClient(c)
	c.close()
	<-writerDone
	s.metrics.connections.Dec()
	s.logger.Infow("media client disconnected", "remote", r.RemoteAddr)
}

func (s *Server) writeLoop(c *client) {
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(msg.msgType, msg.data); err != nil {
				s.logger.Debugw("error writing to media client", "error", err)
				c.conn.Close()
				return
			}
		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue never blocks the sender's read loop; a lagging client loses its
// oldest queued message.
func (s *Server) enqueue(c *client, msg outbound) {
	for {
		select {
		case c.send <- msg:
			return
		case <-c.done:
			return
		default:
		}
		select {
		case <-c.send:
			s.metrics.framesDropped.WithLabelValues("slow_subscriber").Inc()
		default:
		}
	}
}

func (s *Server) reply(c *client, msg wstransport.ControlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.enqueue(c, outbound{msgType: websocket.TextMessage, data: data})
}

func (s *Server) replyError(c *client, req wstransport.ControlMessage, code string, err error) {
	s.reply(c, wstransport.ControlMessage{Op: wstransport.OpError, ID: req.ID, Track: req.Track, Code: code, Error: err.Error()})
}

func (s *Server) handleControl(c *client, data []byte) {
	var msg wstransport.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.replyError(c, msg, "bad_request", fmt.Errorf("invalid control message: %w", err))
		return
	}

	switch msg.Op {
	case wstransport.OpAnnounce, wstransport.OpSubscribe:
		addr, err := domain.ParseTrackKey(msg.Track)
		if err == nil {
			err = validation.ValidateTrackName(addr.Track)
		}
		if err != nil {
			s.replyError(c, msg, "invalid_track", err)
			return
		}
		if err := s.join(c, addr, msg.Op == wstransport.OpAnnounce); err != nil {
			s.metrics.authFailures.Inc()
			s.replyError(c, msg, "unauthorized", err)
			return
		}
	case wstransport.OpUnannounce, wstransport.OpUnsubscribe:
		s.leave(c, msg.Track, msg.Op == wstransport.OpUnannounce)
	default:
		s.replyError(c, msg, "bad_request", fmt.Errorf("unknown op: %s", msg.Op))
		return
	}

	if msg.ID != 0 {
		s.reply(c, wstransport.ControlMessage{Op: wstransport.OpAck, ID: msg.ID, Track: msg.Track})
	}
}

// join pins the first token used for a broadcast base and registers c on the track.
func (s *Server) join(c *client, addr domain.TrackAddress, publisher bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.RequireToken {
		base := addr.BroadcastBase()
		if pinned, ok := s.tokens[base]; !ok {
			s.tokens[base] = c.token
		} else if pinned != c.token {
			return domain.ErrUnauthorized
		}
	}

	key := addr.Key()
	rt, ok := s.tracks[key]
	if !ok {
		rt = &route{
			publishers:  make(map[*client]struct{}),
			subscribers: make(map[*client]struct{}),
		}
		s.tracks[key] = rt
		s.metrics.tracks.Inc()
	}
	if publisher {
		rt.publishers[c] = struct{}{}
	} else {
		rt.subscribers[c] = struct{}{}
	}
	return nil
}

func (s *Server) leave(c *client, key string, publisher bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.tracks[key]
	if !ok {
		return
	}
	if publisher {
		delete(rt.publishers, c)
	} else {
		delete(rt.subscribers, c)
	}
	s.pruneLocked(key, rt)
}

func (s *Server) pruneLocked(key string, rt *route) {
	if len(rt.publishers) == 0 && len(rt.subscribers) == 0 {
		delete(s.tracks, key)
		s.metrics.tracks.Dec()
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
	for key, rt := range s.tracks {
		delete(rt.publishers, c)
		delete(rt.subscribers, c)
		s.pruneLocked(key, rt)
	}
}

func (s *Server) handleMedia(c *client, data []byte) {
	_, key, _, err := wstransport.ParsePrefix(data)
	if err != nil {
		s.metrics.framesDropped.WithLabelValues("malformed").Inc()
		return
	}

	s.mu.RLock()
	rt, ok := s.tracks[key]
	var subs []*client
	if ok {
		if _, isPublisher := rt.publishers[c]; !isPublisher {
			ok = false
		} else {
			subs = make([]*client, 0, len(rt.subscribers))
			for sub := range rt.subscribers {
				subs = append(subs, sub)
			}
		}
	}
	s.mu.RUnlock()

	if !ok {
		s.metrics.framesDropped.WithLabelValues("not_publisher").Inc()
		return
	}
	for _, sub := range subs {
		s.enqueue(sub, outbound{msgType: websocket.BinaryMessage, data: data})
		s.metrics.framesForwarded.Inc()
	}
}

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := len(s.clients)
	trackCount := len(s.tracks)
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
		"tracks":      trackCount,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Subscribers returns the number of subscribers on a track key.
func (s *Server) Subscribers(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rt, ok := s.tracks[key]; ok {
		return len(rt.subscribers)
	}
	return 0
}

func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// DisconnectAll closes every media connection.
func (s *Server) DisconnectAll() int {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		c.conn.Close()
	}
	return len(clients)
}
