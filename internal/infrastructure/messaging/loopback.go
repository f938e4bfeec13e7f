package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"

	"github.com/google/uuid"
)

var ErrNotMember = errors.New("not a member of group")

// LoopbackHub is an in-process group-messaging network. Each member gets
// its own ordered delivery goroutine, so handlers see messages in send
// order and never run on the sender's goroutine.
type LoopbackHub struct {
	secret []byte

	mu      sync.Mutex
	members map[domain.Identity]*LoopbackMember
	groups  map[domain.GroupID]map[domain.Identity]struct{}
	epochs  map[domain.GroupID]uint64
	// drop, when set, filters deliveries; returning true discards the message.
	drop func(group domain.GroupID, from, to domain.Identity, payload []byte) bool
}

func NewLoopbackHub(groupSecret []byte) *LoopbackHub {
	return &LoopbackHub{
		secret:  append([]byte(nil), groupSecret...),
		members: make(map[domain.Identity]*LoopbackMember),
		groups:  make(map[domain.GroupID]map[domain.Identity]struct{}),
		epochs:  make(map[domain.GroupID]uint64),
	}
}

// SetDropFilter installs a delivery filter, nil removes it.
func (h *LoopbackHub) SetDropFilter(fn func(group domain.GroupID, from, to domain.Identity, payload []byte) bool) {
	h.mu.Lock()
	h.drop = fn
	h.mu.Unlock()
}

// Join adds identity to group, creating the member on first use. The group
// starts at epoch 1 and later joins do not change it.
func (h *LoopbackHub) Join(group domain.GroupID, identity domain.Identity) *LoopbackMember {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[identity]
	if !ok {
		m = newLoopbackMember(h, identity)
		h.members[identity] = m
	}
	if h.groups[group] == nil {
		h.groups[group] = make(map[domain.Identity]struct{})
		h.epochs[group] = 1
	}
	h.groups[group][identity] = struct{}{}

	m.mu.Lock()
	m.epochs[group] = h.epochs[group]
	m.mu.Unlock()
	return m
}

// AdvanceEpoch moves group to the next epoch and notifies every member.
func (h *LoopbackHub) AdvanceEpoch(group domain.GroupID) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.epochs[group]++
	epoch := h.epochs[group]
	for id := range h.groups[group] {
		h.members[id].enqueue(delivery{group: group, epoch: epoch, epochChange: true})
	}
	return epoch
}

func (h *LoopbackHub) send(from *LoopbackMember, group domain.GroupID, payload []byte) (ports.MessageID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.groups[group][from.identity]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNotMember, group)
	}
	id := ports.MessageID(uuid.New().String())
	for to := range h.groups[group] {
		if to == from.identity {
			continue
		}
		if h.drop != nil && h.drop(group, from.identity, to, payload) {
			continue
		}
		h.members[to].enqueue(delivery{
			group:   group,
			sender:  from.identity,
			payload: append([]byte(nil), payload...),
		})
	}
	return id, nil
}

// Close stops every member's delivery goroutine.
func (h *LoopbackHub) Close() {
	h.mu.Lock()
	members := make([]*LoopbackMember, 0, len(h.members))
	for _, m := range h.members {
		members = append(members, m)
	}
	h.mu.Unlock()
	for _, m := range members {
		m.Close()
	}
}

type delivery struct {
	group       domain.GroupID
	sender      domain.Identity
	payload     []byte
	epoch       uint64
	epochChange bool
}

type LoopbackMember struct {
	hub      *LoopbackHub
	identity domain.Identity

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []delivery
	handler ports.InboundHandler
	epochs  map[domain.GroupID]uint64
	sent    [][]byte
	closed  bool
	done    chan struct{}
}

var _ ports.GroupMessenger = (*LoopbackMember)(nil)

func newLoopbackMember(hub *LoopbackHub, identity domain.Identity) *LoopbackMember {
	m := &LoopbackMember{
		hub:      hub,
		identity: identity,
		epochs:   make(map[domain.GroupID]uint64),
		done:     make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

// SetHandler installs the inbound handler. Deliveries queue until one is set.
func (m *LoopbackMember) SetHandler(h ports.InboundHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
	m.cond.Broadcast()
}

func (m *LoopbackMember) enqueue(d delivery) {
	m.mu.Lock()
	if !m.closed {
		m.queue = append(m.queue, d)
	}
	m.mu.Unlock()
	m.cond.Signal()
}

func (m *LoopbackMember) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for !m.closed && (len(m.queue) == 0 || m.handler == nil) {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		d := m.queue[0]
		m.queue = m.queue[1:]
		h := m.handler
		if d.epochChange {
			m.epochs[d.group] = d.epoch
		}
		m.mu.Unlock()

		if d.epochChange {
			h.HandleEpochChange(context.Background(), d.group, d.epoch)
		} else {
			h.HandleSignal(context.Background(), d.group, d.sender, d.payload)
		}
	}
}

func (m *LoopbackMember) LocalIdentity() domain.Identity {
	return m.identity
}

func (m *LoopbackMember) Send(ctx context.Context, group domain.GroupID, payload []byte) (ports.MessageID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := m.hub.send(m, group, payload)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.sent = append(m.sent, append([]byte(nil), payload...))
	m.mu.Unlock()
	return id, nil
}

// Sent returns copies of every payload this member has sent.
func (m *LoopbackMember) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.sent...)
}

func (m *LoopbackMember) CurrentEpoch(group domain.GroupID) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	epoch, ok := m.epochs[group]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotMember, group)
	}
	return epoch, nil
}

// DeriveExporterSecret derives from the member's view of the group epoch.
func (m *LoopbackMember) DeriveExporterSecret(group domain.GroupID, label string, context []byte, length int) ([]byte, error) {
	epoch, err := m.CurrentEpoch(group)
	if err != nil {
		return nil, err
	}
	return DeriveExporter(m.hub.secret, group, epoch, label, context, length)
}

func (m *LoopbackMember) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()
	<-m.done
}
