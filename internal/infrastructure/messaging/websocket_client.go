package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"
	"pikacall/internal/infrastructure/relay"
	"pikacall/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrHubDisconnected = errors.New("group hub disconnected")

type WebsocketConfig struct {
	URL          string
	Identity     domain.Identity
	GroupSecret  []byte
	Groups       []domain.GroupID
	WriteTimeout time.Duration
	ReplyTimeout time.Duration
	Reconnect    retry.Config
}

// WebsocketGroupClient implements the messaging port over the relay's
// development group hub. Exporter secrets come from a pre-shared group
// secret and the hub-announced epoch.
type WebsocketGroupClient struct {
	cfg    WebsocketConfig
	logger *zap.SugaredLogger

	handler ports.InboundHandler

	writeMu sync.Mutex
	nextRef atomic.Uint64

	mu      sync.Mutex
	conn    *websocket.Conn
	epochs  map[domain.GroupID]uint64
	pending map[uint64]chan relay.GroupFrame
	ready   chan struct{}
}

var _ ports.GroupMessenger = (*WebsocketGroupClient)(nil)

func NewWebsocketGroupClient(cfg WebsocketConfig, logger *zap.SugaredLogger) *WebsocketGroupClient {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WebsocketGroupClient{
		cfg:     cfg,
		logger:  logger,
		epochs:  make(map[domain.GroupID]uint64),
		pending: make(map[uint64]chan relay.GroupFrame),
		ready:   make(chan struct{}),
	}
}

// SetHandler must be called before Run.
func (c *WebsocketGroupClient) SetHandler(h ports.InboundHandler) {
	c.handler = h
}

func (c *WebsocketGroupClient) hubURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/group"
	}
	q := u.Query()
	q.Set("identity", string(c.cfg.Identity))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run keeps a hub connection alive until ctx is done, re-joining the
// configured groups after every reconnect.
func (c *WebsocketGroupClient) Run(ctx context.Context) error {
	for {
		conn, err := retry.RetryWithResult(ctx, c.cfg.Reconnect, func() (*websocket.Conn, error) {
			return c.dial(ctx)
		})
		if err != nil {
			return err
		}

		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warnw("Group hub connection lost, reconnecting", "url", c.cfg.URL)
	}
}

func (c *WebsocketGroupClient) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.hubURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial group hub: %w", err)
	}
	return conn, nil
}

func (c *WebsocketGroupClient) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	for _, group := range c.cfg.Groups {
		if err := c.write(relay.GroupFrame{Type: relay.GroupJoin, Group: string(group)}); err != nil {
			c.logger.Warnw("Group join failed", "group", group, "error", err)
		}
	}

	for {
		var frame relay.GroupFrame
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		c.handleFrame(ctx, frame)
	}

	c.mu.Lock()
	c.conn = nil
	for ref, ch := range c.pending {
		close(ch)
		delete(c.pending, ref)
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *WebsocketGroupClient) handleFrame(ctx context.Context, frame relay.GroupFrame) {
	group := domain.GroupID(frame.Group)
	switch frame.Type {
	case relay.GroupJoined:
		c.setEpoch(group, frame.Epoch)
		c.logger.Infow("Joined group", "group", group, "epoch", frame.Epoch)
		c.markReady()
	case relay.GroupEpoch:
		c.setEpoch(group, frame.Epoch)
		if c.handler != nil {
			c.handler.HandleEpochChange(ctx, group, frame.Epoch)
		}
	case relay.GroupMessage:
		if c.handler != nil {
			c.handler.HandleSignal(ctx, group, domain.Identity(frame.Sender), frame.Payload)
		}
	case relay.GroupSent, relay.GroupError:
		if frame.Ref == 0 {
			c.logger.Warnw("Group hub error", "error", frame.Error)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[frame.Ref]
		delete(c.pending, frame.Ref)
		c.mu.Unlock()
		if ok {
			ch <- frame
		}
	}
}

func (c *WebsocketGroupClient) setEpoch(group domain.GroupID, epoch uint64) {
	c.mu.Lock()
	c.epochs[group] = epoch
	c.mu.Unlock()
}

func (c *WebsocketGroupClient) markReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
}

// Ready is closed after the first successful group join.
func (c *WebsocketGroupClient) Ready() <-chan struct{} {
	return c.ready
}

func (c *WebsocketGroupClient) write(frame relay.GroupFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrHubDisconnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(frame)
}

func (c *WebsocketGroupClient) LocalIdentity() domain.Identity {
	return c.cfg.Identity
}

func (c *WebsocketGroupClient) Send(ctx context.Context, group domain.GroupID, payload []byte) (ports.MessageID, error) {
	ref := c.nextRef.Add(1)
	reply := make(chan relay.GroupFrame, 1)
	c.mu.Lock()
	c.pending[ref] = reply
	c.mu.Unlock()

	if err := c.write(relay.GroupFrame{Type: relay.GroupSend, Group: string(group), Payload: payload, Ref: ref}); err != nil {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
		return "", err
	}

	timer := time.NewTimer(c.cfg.ReplyTimeout)
	defer timer.Stop()
	select {
	case frame, ok := <-reply:
		if !ok {
			return "", ErrHubDisconnected
		}
		if frame.Type == relay.GroupError {
			return "", fmt.Errorf("group hub: %s", frame.Error)
		}
		return ports.MessageID(frame.MessageID), nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
		return "", fmt.Errorf("group send not acknowledged within %v", c.cfg.ReplyTimeout)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
		return "", ctx.Err()
	}
}

func (c *WebsocketGroupClient) CurrentEpoch(group domain.GroupID) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	epoch, ok := c.epochs[group]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotMember, group)
	}
	return epoch, nil
}

func (c *WebsocketGroupClient) DeriveExporterSecret(group domain.GroupID, label string, context []byte, length int) ([]byte, error) {
	epoch, err := c.CurrentEpoch(group)
	if err != nil {
		return nil, err
	}
	return DeriveExporter(c.cfg.GroupSecret, group, epoch, label, context, length)
}
