package relay

import (
	"net/http"
	"sync"
	"time"

	"pikacall/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Group hub message types.
const (
	GroupJoin    = "join"
	GroupLeave   = "leave"
	GroupSend    = "send"
	GroupJoined  = "joined"
	GroupMessage = "message"
	GroupEpoch   = "epoch"
	GroupSent    = "sent"
	GroupError   = "error"
)

// GroupFrame is the JSON frame exchanged with the hub.
type GroupFrame struct {
	Type      string `json:"type"`
	Group     string `json:"group,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Ref       uint64 `json:"ref,omitempty"`
	Epoch     uint64 `json:"epoch,omitempty"`
	Error     string `json:"error,omitempty"`
}

// GroupHub is a plaintext stand-in for a secure group-messaging service:
// it routes opaque payloads between members and bumps a group's epoch on
// every membership change. Development use only.
type GroupHub struct {
	cfg Config

	members map[string]map[*member]struct{}
	epochs  map[string]uint64
	mu      sync.Mutex

	metrics *Metrics
	logger  *zap.SugaredLogger
}

type member struct {
	identity string
	conn     *websocket.Conn
	send     chan GroupFrame
	done     chan struct{}
	groups   map[string]struct{}
}

func NewGroupHub(cfg Config, metrics *Metrics, logger *zap.SugaredLogger) *GroupHub {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &GroupHub{
		cfg:     cfg,
		members: make(map[string]map[*member]struct{}),
		epochs:  make(map[string]uint64),
		metrics: metrics,
		logger:  logger,
	}
}

// HandleGroup serves /group?identity=<hex>.
func (h *GroupHub) HandleGroup(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if err := validation.ValidateIdentity(identity); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	m := &member{
		identity: identity,
		conn:     conn,
		send:     make(chan GroupFrame, h.cfg.SendBuffer),
		done:     make(chan struct{}),
		groups:   make(map[string]struct{}),
	}
	h.metrics.groupMembers.Inc()
	h.logger.Infow("group member connected", "identity", identity)

	conn.SetReadLimit(h.cfg.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		return nil
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(m)
	}()

	for {
		var frame GroupFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Infow("error reading from group member", "identity", identity, "error", err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		h.handleFrame(m, frame)
	}

	h.dropMember(m)
	close(m.done)
	<-writerDone
	h.metrics.groupMembers.Dec()
	h.logger.Infow("group member disconnected", "identity", identity)
}

func (h *GroupHub) writeLoop(m *member) {
	pingTicker := time.NewTicker(h.cfg.PingInterval)
	defer pingTicker.Stop()
	for {
		select {
		case frame := <-m.send:
			m.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := m.conn.WriteJSON(frame); err != nil {
				m.conn.Close()
				return
			}
		case <-pingTicker.C:
			m.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.conn.Close()
				return
			}
		case <-m.done:
			return
		}
	}
}

// deliver queues a frame for m. Signaling is low volume, so a full queue
// means the member is stuck and the frame is dropped.
func (h *GroupHub) deliver(m *member, frame GroupFrame) {
	select {
	case m.send <- frame:
	case <-m.done:
	default:
		h.logger.Warnw("group member queue full, dropping frame", "identity", m.identity, "type", frame.Type)
	}
}

func (h *GroupHub) handleFrame(m *member, frame GroupFrame) {
	switch frame.Type {
	case GroupJoin:
		h.join(m, frame.Group)
	case GroupLeave:
		h.leave(m, frame.Group)
	case GroupSend:
		h.fanOut(m, frame)
	default:
		h.deliver(m, GroupFrame{Type: GroupError, Ref: frame.Ref, Error: "unknown frame type: " + frame.Type})
	}
}

func (h *GroupHub) join(m *member, group string) {
	if group == "" {
		h.deliver(m, GroupFrame{Type: GroupError, Error: "group is required"})
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := m.groups[group]; ok {
		h.deliver(m, GroupFrame{Type: GroupJoined, Group: group, Epoch: h.epochs[group]})
		return
	}
	m.groups[group] = struct{}{}
	if h.members[group] == nil {
		h.members[group] = make(map[*member]struct{})
	}
	h.members[group][m] = struct{}{}
	h.bumpEpochLocked(group, m)
	h.deliver(m, GroupFrame{Type: GroupJoined, Group: group, Epoch: h.epochs[group]})
}

func (h *GroupHub) leave(m *member, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(m, group)
}

func (h *GroupHub) leaveLocked(m *member, group string) {
	if _, ok := m.groups[group]; !ok {
		return
	}
	delete(m.groups, group)
	delete(h.members[group], m)
	if len(h.members[group]) == 0 {
		delete(h.members, group)
		return
	}
	h.bumpEpochLocked(group, nil)
}

// bumpEpochLocked advances the group epoch and tells every member except skip.
func (h *GroupHub) bumpEpochLocked(group string, skip *member) {
	h.epochs[group]++
	epoch := h.epochs[group]
	for other := range h.members[group] {
		if other != skip {
			h.deliver(other, GroupFrame{Type: GroupEpoch, Group: group, Epoch: epoch})
		}
	}
}

func (h *GroupHub) dropMember(m *member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for group := range m.groups {
		h.leaveLocked(m, group)
	}
}

func (h *GroupHub) fanOut(m *member, frame GroupFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := m.groups[frame.Group]; !ok {
		h.deliver(m, GroupFrame{Type: GroupError, Ref: frame.Ref, Group: frame.Group, Error: "not a member of group"})
		return
	}

	id := uuid.New().String()
	out := GroupFrame{
		Type:      GroupMessage,
		Group:     frame.Group,
		Sender:    m.identity,
		Payload:   frame.Payload,
		MessageID: id,
		Epoch:     h.epochs[frame.Group],
	}
	for other := range h.members[frame.Group] {
		if other.identity == m.identity {
			continue
		}
		h.deliver(other, out)
		h.metrics.groupMessages.Inc()
	}
	h.deliver(m, GroupFrame{Type: GroupSent, Ref: frame.Ref, Group: frame.Group, MessageID: id})
}

// Epoch returns the current epoch of a group.
func (h *GroupHub) Epoch(group string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.epochs[group]
}
