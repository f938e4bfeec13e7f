package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"
	"pikacall/internal/signaling"
	"pikacall/pkg/tracing"
	"pikacall/pkg/validation"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type CallServiceConfig struct {
	// RelayURL is advertised as moq_url in our invites.
	RelayURL        string
	BroadcastPrefix string
	Track           domain.TrackDescriptor
	RingTimeout     time.Duration
	// SignalRate and SignalBurst limit inbound signals per sender.
	SignalRate    float64
	SignalBurst   int
	OutboxSize    int
	SendTimeout   time.Duration
	StatsInterval time.Duration
	// History is how many ended calls are remembered for duplicate detection.
	History int
}

func DefaultCallServiceConfig() CallServiceConfig {
	return CallServiceConfig{
		RelayURL:        "memory://local",
		BroadcastPrefix: domain.DefaultBroadcastPrefix,
		Track:           domain.DefaultAudioTrack(),
		RingTimeout:     60 * time.Second,
		SignalRate:      20,
		SignalBurst:     40,
		OutboxSize:      64,
		SendTimeout:     5 * time.Second,
		StatsInterval:   time.Second,
		History:         64,
	}
}

type callEntry struct {
	domain.CallSession
	runtime   CallRuntime
	ringTimer *time.Timer
	final     domain.CallDebugStats
}

type outboundSignal struct {
	callID  domain.CallID
	group   domain.GroupID
	msgType signaling.MessageType
	payload []byte
	// endOnFailure ends the call with publish_failed if the send fails.
	endOnFailure bool
}

type stateSnapshot struct {
	state   domain.CallState
	runtime CallRuntime
}

// callService runs the call state machine. Every mutation happens on one
// goroutine that owns the call table; actions, inbound signals, timers and
// runtime callbacks are all posted to it as closures. Outgoing signals
// leave through a single outbox goroutine so they keep their order.
type callService struct {
	cfg       CallServiceConfig
	messenger ports.GroupMessenger
	runtimes  RuntimeFactory
	records   ports.CallRecordRepository
	events    ports.CallEventPublisher
	metrics   ports.CallMetrics
	logger    *zap.SugaredLogger
	local     domain.Identity

	ops        chan func()
	outbox     chan outboundSignal
	ctx        context.Context
	cancel     context.CancelFunc
	loopDone   chan struct{}
	outboxDone chan struct{}
	background sync.WaitGroup
	closeOnce  sync.Once

	// owned by the loop goroutine
	calls   map[domain.CallID]*callEntry
	order   []domain.CallID
	live    *callEntry
	current *callEntry

	snapshot atomic.Pointer[stateSnapshot]

	subMu   sync.Mutex
	subs    map[uint64]chan domain.CallState
	nextSub uint64

	limMu    sync.Mutex
	limiters map[domain.Identity]*rate.Limiter
}

// NewCallService starts the state machine. The caller wires the result into
// the messenger as its inbound handler.
func NewCallService(
	cfg CallServiceConfig,
	messenger ports.GroupMessenger,
	runtimes RuntimeFactory,
	records ports.CallRecordRepository,
	events ports.CallEventPublisher,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) ports.CallService {
	defaults := DefaultCallServiceConfig()
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = defaults.RingTimeout
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaults.OutboxSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaults.SendTimeout
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = defaults.StatsInterval
	}
	if cfg.History <= 0 {
		cfg.History = defaults.History
	}
	if cfg.Track.Name == "" {
		cfg.Track = defaults.Track
	}
	if metrics == nil {
		metrics = NoopCallMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &callService{
		cfg:        cfg,
		messenger:  messenger,
		runtimes:   runtimes,
		records:    records,
		events:     events,
		metrics:    metrics,
		logger:     logger,
		local:      messenger.LocalIdentity(),
		ops:        make(chan func()),
		outbox:     make(chan outboundSignal, cfg.OutboxSize),
		ctx:        ctx,
		cancel:     cancel,
		loopDone:   make(chan struct{}),
		outboxDone: make(chan struct{}),
		calls:      make(map[domain.CallID]*callEntry),
		subs:       make(map[uint64]chan domain.CallState),
		limiters:   make(map[domain.Identity]*rate.Limiter),
	}
	s.snapshot.Store(&stateSnapshot{state: domain.IdleState()})

	go s.run()
	go s.drainOutbox()
	return s
}

func (s *callService) run() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case op := <-s.ops:
			op()
		case <-ticker.C:
			if s.live != nil && s.live.runtime != nil {
				s.refreshState()
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// post hands op to the loop. It reports false if the loop is gone or ctx
// ended first.
func (s *callService) post(ctx context.Context, op func()) bool {
	select {
	case s.ops <- op:
		return true
	case <-ctx.Done():
		return false
	case <-s.loopDone:
		return false
	}
}

func (s *callService) do(ctx context.Context, action string, callID domain.CallID, fn func() (domain.CallState, error)) (domain.CallState, error) {
	ctx, span := tracing.TraceCallAction(ctx, action, string(callID))
	defer span.End()

	state, err := s.exec(ctx, fn)
	if err != nil {
		tracing.RecordError(ctx, err)
		return state, err
	}
	tracing.SetSpanStatus(ctx, codes.Ok, string(state.Status))
	return state, nil
}

func (s *callService) exec(ctx context.Context, fn func() (domain.CallState, error)) (domain.CallState, error) {
	type result struct {
		state domain.CallState
		err   error
	}
	done := make(chan result, 1)
	if !s.post(ctx, func() {
		state, err := fn()
		done <- result{state, err}
	}) {
		if ctx.Err() != nil {
			return s.State(), ctx.Err()
		}
		return s.State(), domain.ErrServiceClosed
	}
	select {
	case r := <-done:
		return r.state, r.err
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
}

func (s *callService) drainOutbox() {
	defer close(s.outboxDone)
	for sig := range s.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
		ctx, span := tracing.TraceSignal(ctx, "out", string(sig.msgType), string(sig.callID))
		_, err := s.messenger.Send(ctx, sig.group, sig.payload)
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
		cancel()
		if err == nil {
			continue
		}

		s.logger.Warnw("Failed to send call signal",
			"call_id", sig.callID,
			"type", sig.msgType,
			"error", err,
		)
		s.metrics.RecordSignalDropped("send_failed")
		if sig.endOnFailure {
			callID := sig.callID
			s.post(s.ctx, func() {
				if c := s.live; c != nil && c.ID == callID {
					s.finish(c, domain.ReasonPublishFailed)
				}
			})
		}
	}
}

func (s *callService) enqueue(sig outboundSignal) {
	select {
	case s.outbox <- sig:
		s.metrics.RecordSignal("out", string(sig.msgType))
	default:
		s.logger.Warnw("Signal outbox full, dropping", "call_id", sig.callID, "type", sig.msgType)
		s.metrics.RecordSignalDropped("outbox_full")
		if sig.endOnFailure {
			if c := s.live; c != nil && c.ID == sig.callID {
				s.finish(c, domain.ReasonPublishFailed)
			}
		}
	}
}

func (s *callService) sendSession(c *callEntry, msgType signaling.MessageType) {
	body := signaling.NewSessionBody(c.Local, c.RelayAuth)
	var (
		payload []byte
		err     error
	)
	if msgType == signaling.TypeInvite {
		payload, err = signaling.EncodeInvite(c.ID, time.Now(), body)
	} else {
		payload, err = signaling.EncodeAccept(c.ID, time.Now(), body)
	}
	if err != nil {
		s.logger.Errorw("Failed to encode call signal", "call_id", c.ID, "type", msgType, "error", err)
		s.finish(c, domain.ReasonPublishFailed)
		return
	}
	s.enqueue(outboundSignal{callID: c.ID, group: c.Group, msgType: msgType, payload: payload, endOnFailure: true})
}

func (s *callService) sendReason(group domain.GroupID, callID domain.CallID, msgType signaling.MessageType, reason string) {
	var (
		payload []byte
		err     error
	)
	if msgType == signaling.TypeReject {
		payload, err = signaling.EncodeReject(callID, time.Now(), reason)
	} else {
		payload, err = signaling.EncodeEnd(callID, time.Now(), reason)
	}
	if err != nil {
		s.logger.Errorw("Failed to encode call signal", "call_id", callID, "type", msgType, "error", err)
		return
	}
	s.enqueue(outboundSignal{callID: callID, group: group, msgType: msgType, payload: payload})
}

func (s *callService) transition(c *callEntry, to domain.CallStatus) bool {
	from := c.Status
	if !from.CanTransition(to) {
		s.logger.Warnw("Refusing call state transition", "call_id", c.ID, "from", from, "to", to)
		return false
	}
	c.Status = to
	s.metrics.RecordTransition(to)
	s.logger.Infow("Call state changed", "call_id", c.ID, "from", from, "to", to)
	return true
}

func (s *callService) remember(c *callEntry) {
	s.calls[c.ID] = c
	s.order = append(s.order, c.ID)
	for len(s.order) > s.cfg.History {
		oldest := s.order[0]
		if old := s.calls[oldest]; old != nil && old.Status.IsLive() {
			break
		}
		delete(s.calls, oldest)
		s.order = s.order[1:]
	}
}

func (s *callService) armRingTimer(c *callEntry) {
	c.ringTimer = time.AfterFunc(s.cfg.RingTimeout, func() {
		s.post(s.ctx, func() {
			switch c.Status {
			case domain.StatusOffering:
				s.hangup(c, domain.ReasonTimeout)
			case domain.StatusRinging:
				s.sendReason(c.Group, c.ID, signaling.TypeReject, domain.ReasonTimeout)
				s.finish(c, domain.ReasonTimeout)
			}
		})
	})
}

func (s *callService) stopRingTimer(c *callEntry) {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

func (s *callService) startRuntime(c *callEntry, remote *domain.BroadcastDescriptor) error {
	rt, err := s.runtimes.NewRuntime(RuntimeParams{
		CallID:     c.ID,
		Group:      c.Group,
		Local:      s.local,
		Broadcast:  c.Local,
		RelayToken: c.RelayAuth,
		Messenger:  s.messenger,
		Muted:      c.IsMuted,
	}, runtimeObserver{s})
	if err != nil {
		return err
	}
	if remote != nil {
		if err := rt.AttachPeer(c.Peer, *remote); err != nil {
			rt.Stop()
			return err
		}
	}
	if err := rt.Start(s.ctx); err != nil {
		rt.Stop()
		return err
	}
	c.runtime = rt
	return nil
}

// finish moves c to Ended and tears its media down off the loop.
func (s *callService) finish(c *callEntry, reason string) {
	if !s.transition(c, domain.StatusEnded) {
		return
	}
	c.EndReason = reason
	endedAt := time.Now()
	s.stopRingTimer(c)
	if s.live == c {
		s.live = nil
	}
	s.metrics.RecordCallEnded(reason)

	rt := c.runtime
	c.runtime = nil
	if rt != nil {
		c.final = rt.Stats()
	}
	s.publishState()
	s.logger.Infow("Call ended", "call_id", c.ID, "peer", c.Peer, "reason", reason)

	record := &domain.CallRecord{
		CallID:    c.ID,
		Group:     c.Group,
		Peer:      c.Peer,
		Direction: c.Direction,
		StartedAt: c.StartedAt,
		EndedAt:   endedAt,
		Reason:    reason,
		Stats:     c.final,
	}
	state := c.State(c.final)

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if rt != nil {
			rt.Stop()
			record.Stats = rt.Stats()
			state.Debug = record.Stats
		}
		s.persist(record, state)
	}()
}

func (s *callService) persist(record *domain.CallRecord, state domain.CallState) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()
	if s.records != nil {
		if err := s.records.Save(ctx, record); err != nil {
			s.logger.Warnw("Failed to save call record", "call_id", record.CallID, "error", err)
		}
	}
	if s.events != nil {
		if err := s.events.PublishCallState(ctx, state); err != nil {
			s.logger.Warnw("Failed to publish call state", "call_id", record.CallID, "error", err)
		}
	}
}

// hangup tells the peer and ends the call locally.
func (s *callService) hangup(c *callEntry, reason string) {
	s.sendReason(c.Group, c.ID, signaling.TypeEnd, reason)
	s.finish(c, reason)
}

// publishState refreshes observers and forwards live transitions to the
// event publisher.
func (s *callService) publishState() {
	state := s.refreshState()
	if c := s.current; c != nil && c.Status.IsLive() && s.events != nil {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
			defer cancel()
			if err := s.events.PublishCallState(ctx, state); err != nil {
				s.logger.Debugw("Failed to publish call state", "call_id", state.CallID, "error", err)
			}
		}()
	}
}

func (s *callService) refreshState() domain.CallState {
	snap := &stateSnapshot{state: domain.IdleState()}
	if c := s.current; c != nil {
		snap.runtime = c.runtime
		snap.state = c.State(c.final)
		if c.runtime != nil {
			snap.state.Debug = c.runtime.Stats()
		}
	}
	s.snapshot.Store(snap)
	s.broadcast(snap.state)
	return snap.state
}

func (s *callService) broadcast(state domain.CallState) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		for {
			select {
			case ch <- state:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func (s *callService) State() domain.CallState {
	snap := s.snapshot.Load()
	state := snap.state
	if snap.runtime != nil {
		state.Debug = snap.runtime.Stats()
	}
	return state
}

// Subscribe delivers the current state followed by every change. Slow
// subscribers lose the oldest states, never the newest.
func (s *callService) Subscribe(buffer int) (<-chan domain.CallState, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan domain.CallState, buffer)
	ch <- s.State()

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

func (s *callService) lookup(callID domain.CallID, action string) (*callEntry, error) {
	c, ok := s.calls[callID]
	if !ok {
		return nil, &domain.StateError{CallID: callID, Status: domain.StatusIdle, Action: action, Err: domain.ErrNoSuchCall}
	}
	return c, nil
}

func invalid(c *callEntry, action string) error {
	return &domain.StateError{CallID: c.ID, Status: c.Status, Action: action, Err: domain.ErrInvalidTransition}
}

func (s *callService) StartCall(ctx context.Context, group domain.GroupID, peer domain.Identity) (domain.CallState, error) {
	if err := validation.ValidateIdentity(string(peer)); err != nil {
		return s.State(), fmt.Errorf("invalid peer: %w", err)
	}
	if err := validation.ValidateNonEmptyString(string(group), "group"); err != nil {
		return s.State(), err
	}
	if peer == s.local {
		return s.State(), errors.New("cannot call yourself")
	}

	return s.do(ctx, "start", "", func() (domain.CallState, error) {
		if c := s.live; c != nil {
			return s.State(), &domain.StateError{CallID: c.ID, Status: c.Status, Action: "start", Err: domain.ErrCallInProgress}
		}

		callID := domain.CallID(uuid.New().String())
		base := domain.DefaultBroadcastBase(s.cfg.BroadcastPrefix, callID)
		auth, err := DeriveRelayAuth(s.messenger, group, callID, s.cfg.RelayURL, base)
		if err != nil {
			return s.State(), err
		}

		c := &callEntry{CallSession: domain.CallSession{
			ID:        callID,
			Group:     group,
			Peer:      peer,
			Direction: domain.DirectionOutgoing,
			Status:    domain.StatusIdle,
			StartedAt: time.Now(),
			Local: domain.BroadcastDescriptor{
				TransportURL:  s.cfg.RelayURL,
				BroadcastBase: base,
				Tracks:        []domain.TrackDescriptor{s.cfg.Track},
			},
			RelayAuth: auth,
		}}
		s.transition(c, domain.StatusOffering)
		s.remember(c)
		s.live, s.current = c, c

		if err := s.startRuntime(c, nil); err != nil {
			s.logger.Errorw("Failed to start media", "call_id", callID, "error", err)
			s.finish(c, domain.ReasonRuntimeError)
			return s.State(), err
		}
		s.sendSession(c, signaling.TypeInvite)
		if c.Status == domain.StatusOffering {
			s.armRingTimer(c)
		}
		s.publishState()
		return s.State(), nil
	})
}

func (s *callService) AcceptCall(ctx context.Context, callID domain.CallID) (domain.CallState, error) {
	return s.do(ctx, "accept", callID, func() (domain.CallState, error) {
		c, err := s.lookup(callID, "accept")
		if err != nil {
			return s.State(), err
		}
		if c.Direction == domain.DirectionIncoming && (c.Status == domain.StatusConnecting || c.Status == domain.StatusActive) {
			return s.State(), nil
		}
		if c.Status != domain.StatusRinging || c.Remote == nil {
			return s.State(), invalid(c, "accept")
		}

		remote := *c.Remote
		c.Local = domain.BroadcastDescriptor{
			TransportURL:  remote.TransportURL,
			BroadcastBase: remote.BroadcastBase,
			Tracks:        []domain.TrackDescriptor{s.cfg.Track},
		}
		s.stopRingTimer(c)
		s.transition(c, domain.StatusConnecting)

		if err := s.startRuntime(c, &remote); err != nil {
			s.logger.Errorw("Failed to start media", "call_id", callID, "error", err)
			s.hangup(c, domain.ReasonRuntimeError)
			return s.State(), err
		}
		s.sendSession(c, signaling.TypeAccept)
		s.publishState()
		return s.State(), nil
	})
}

func (s *callService) RejectCall(ctx context.Context, callID domain.CallID) (domain.CallState, error) {
	return s.do(ctx, "reject", callID, func() (domain.CallState, error) {
		c, err := s.lookup(callID, "reject")
		if err != nil {
			return s.State(), err
		}
		if c.Status == domain.StatusEnded {
			return s.State(), nil
		}
		if c.Status != domain.StatusRinging {
			return s.State(), invalid(c, "reject")
		}
		s.sendReason(c.Group, c.ID, signaling.TypeReject, domain.ReasonDeclined)
		s.finish(c, domain.ReasonDeclined)
		return s.State(), nil
	})
}

func (s *callService) EndCall(ctx context.Context, callID domain.CallID) (domain.CallState, error) {
	return s.do(ctx, "end", callID, func() (domain.CallState, error) {
		c, err := s.lookup(callID, "end")
		if err != nil {
			return s.State(), err
		}
		if c.Status == domain.StatusEnded {
			return s.State(), nil
		}
		s.hangup(c, domain.ReasonUserHangup)
		return s.State(), nil
	})
}

func (s *callService) ToggleMute(ctx context.Context, callID domain.CallID) (domain.CallState, error) {
	return s.do(ctx, "mute", callID, func() (domain.CallState, error) {
		c, err := s.lookup(callID, "mute")
		if err != nil {
			return s.State(), err
		}
		if !c.Status.CanMute() {
			return s.State(), invalid(c, "mute")
		}
		c.IsMuted = !c.IsMuted
		if c.runtime != nil {
			c.runtime.SetMuted(c.IsMuted)
		}
		s.logger.Infow("Call mute toggled", "call_id", c.ID, "muted", c.IsMuted)
		s.publishState()
		return s.State(), nil
	})
}

// limiterSweepAt is the number of tracked senders above which limiters with
// a full bucket are forgotten. A full bucket behaves like a fresh limiter.
const limiterSweepAt = 64

func (s *callService) allow(sender domain.Identity) bool {
	if s.cfg.SignalRate <= 0 {
		return true
	}
	s.limMu.Lock()
	defer s.limMu.Unlock()
	l, ok := s.limiters[sender]
	if !ok {
		if len(s.limiters) >= limiterSweepAt {
			s.sweepLimitersLocked()
		}
		l = rate.NewLimiter(rate.Limit(s.cfg.SignalRate), s.cfg.SignalBurst)
		s.limiters[sender] = l
	}
	return l.Allow()
}

func (s *callService) sweepLimitersLocked() {
	full := float64(s.cfg.SignalBurst)
	for id, l := range s.limiters {
		if l.Tokens() >= full {
			delete(s.limiters, id)
		}
	}
}

// HandleSignal rate limits, parses and dispatches one inbound payload.
// Anything that is not a valid call signal for a call we know about is
// dropped here.
func (s *callService) HandleSignal(ctx context.Context, group domain.GroupID, sender domain.Identity, payload []byte) {
	if sender == s.local {
		return
	}
	if !s.allow(sender) {
		s.metrics.RecordSignalDropped("rate_limited")
		s.logger.Debugw("Dropping call signal", "sender", sender, "error", domain.ErrSignalRateLimited)
		return
	}
	sig, err := signaling.Parse(payload)
	if err != nil {
		var se *domain.SignalingError
		if errors.As(err, &se) && se.Kind == domain.SignalingIgnored {
			s.metrics.RecordSignalDropped(string(se.Kind))
			s.logger.Debugw("Ignoring group message", "group", group, "reason", err)
			return
		}
		s.metrics.RecordSignalDropped(string(domain.SignalingMalformed))
		s.logger.Warnw("Dropping malformed call signal", "group", group, "sender", sender, "error", err)
		return
	}
	s.metrics.RecordSignal("in", string(sig.Type))
	_, span := tracing.TraceSignal(ctx, "in", string(sig.Type), string(sig.CallID))
	span.End()

	s.post(s.ctx, func() {
		if err := s.dispatch(group, sender, sig); err != nil {
			var se *domain.SignalingError
			if errors.As(err, &se) {
				s.metrics.RecordSignalDropped(string(se.Kind))
			}
			s.logger.Debugw("Call signal not applied", "type", sig.Type, "call_id", sig.CallID, "reason", err)
		}
	})
}

func (s *callService) dispatch(group domain.GroupID, sender domain.Identity, sig signaling.Signal) error {
	switch sig.Type {
	case signaling.TypeInvite:
		return s.onInvite(group, sender, sig)
	case signaling.TypeAccept:
		return s.onAccept(group, sender, sig)
	case signaling.TypeReject, signaling.TypeEnd:
		return s.onHangup(group, sender, sig)
	}
	return nil
}

func stale(callID domain.CallID, err error) error {
	return &domain.SignalingError{Kind: domain.SignalingStale, CallID: callID, Err: err}
}

func (s *callService) onInvite(group domain.GroupID, sender domain.Identity, sig signaling.Signal) error {
	if _, seen := s.calls[sig.CallID]; seen {
		return stale(sig.CallID, domain.ErrStaleSignal)
	}
	if c := s.live; c != nil {
		s.logger.Infow("Busy, rejecting invite", "call_id", sig.CallID, "from", sender, "live_call", c.ID)
		s.sendReason(group, sig.CallID, signaling.TypeReject, domain.ReasonBusy)
		return nil
	}

	desc := sig.Session.Descriptor()
	expected, err := DeriveRelayAuth(s.messenger, group, sig.CallID, desc.TransportURL, desc.BroadcastBase)
	if err != nil {
		s.logger.Warnw("Cannot derive relay auth for invite", "call_id", sig.CallID, "error", err)
		s.sendReason(group, sig.CallID, signaling.TypeReject, domain.ReasonAuthFailed)
		return nil
	}
	if sig.Session.RelayAuth != "" && sig.Session.RelayAuth != expected {
		s.logger.Warnw("Invite relay auth mismatch", "call_id", sig.CallID, "from", sender)
		s.sendReason(group, sig.CallID, signaling.TypeReject, domain.ReasonAuthFailed)
		return nil
	}

	c := &callEntry{CallSession: domain.CallSession{
		ID:        sig.CallID,
		Group:     group,
		Peer:      sender,
		Direction: domain.DirectionIncoming,
		Status:    domain.StatusIdle,
		StartedAt: time.Now(),
		Remote:    &desc,
		RelayAuth: expected,
	}}
	s.transition(c, domain.StatusRinging)
	s.remember(c)
	s.live, s.current = c, c
	s.armRingTimer(c)
	s.publishState()
	return nil
}

func (s *callService) onAccept(group domain.GroupID, sender domain.Identity, sig signaling.Signal) error {
	c, ok := s.calls[sig.CallID]
	if !ok {
		return &domain.SignalingError{Kind: domain.SignalingUnknownCall, CallID: sig.CallID, Err: domain.ErrUnknownCall}
	}
	if sender != c.Peer || group != c.Group {
		return &domain.SignalingError{Kind: domain.SignalingIgnored, CallID: sig.CallID, Err: fmt.Errorf("accept from %s, expected %s", sender, c.Peer)}
	}
	if c.Status != domain.StatusOffering {
		return stale(sig.CallID, domain.ErrStaleSignal)
	}
	if sig.Session.RelayAuth != "" && sig.Session.RelayAuth != c.RelayAuth {
		s.logger.Warnw("Accept relay auth mismatch", "call_id", c.ID, "from", sender)
		s.hangup(c, domain.ReasonAuthFailed)
		return nil
	}

	desc := sig.Session.Descriptor()
	c.Remote = &desc
	s.stopRingTimer(c)
	s.transition(c, domain.StatusConnecting)
	if c.runtime == nil {
		s.hangup(c, domain.ReasonRuntimeError)
		return nil
	}
	if err := c.runtime.AttachPeer(sender, desc); err != nil {
		s.logger.Errorw("Failed to attach peer media", "call_id", c.ID, "error", err)
		s.hangup(c, domain.ReasonRuntimeError)
		return nil
	}
	s.publishState()
	return nil
}

func (s *callService) onHangup(group domain.GroupID, sender domain.Identity, sig signaling.Signal) error {
	c, ok := s.calls[sig.CallID]
	if !ok {
		return &domain.SignalingError{Kind: domain.SignalingUnknownCall, CallID: sig.CallID, Err: domain.ErrUnknownCall}
	}
	if sender != c.Peer || group != c.Group {
		return &domain.SignalingError{Kind: domain.SignalingIgnored, CallID: sig.CallID, Err: fmt.Errorf("%s from %s, expected %s", sig.Type, sender, c.Peer)}
	}
	if !c.Status.IsLive() {
		return stale(sig.CallID, domain.ErrStaleSignal)
	}
	s.finish(c, sig.Reason)
	return nil
}

func (s *callService) HandleEpochChange(ctx context.Context, group domain.GroupID, epoch uint64) {
	s.post(s.ctx, func() {
		c := s.live
		if c == nil || c.Group != group || c.runtime == nil {
			return
		}
		c.runtime.Rekey(epoch)
	})
}

func (s *callService) runtimeConnected(callID domain.CallID) {
	s.post(s.ctx, func() {
		c := s.live
		if c == nil || c.ID != callID || c.Status != domain.StatusConnecting {
			return
		}
		s.transition(c, domain.StatusActive)
		s.publishState()
	})
}

func (s *callService) runtimeFailed(callID domain.CallID, err error) {
	s.post(s.ctx, func() {
		c := s.live
		if c == nil || c.ID != callID {
			return
		}
		s.logger.Errorw("Call media failed", "call_id", callID, "error", err)
		s.hangup(c, domain.ReasonTransportFailure)
	})
}

// Close hangs up any live call, flushes the outbox and waits for media
// teardown.
func (s *callService) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
		s.exec(ctx, func() (domain.CallState, error) {
			if c := s.live; c != nil {
				s.hangup(c, domain.ReasonUserHangup)
			}
			return s.State(), nil
		})
		cancel()

		s.cancel()
		<-s.loopDone
		close(s.outbox)
		<-s.outboxDone
		s.background.Wait()

		s.subMu.Lock()
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.subMu.Unlock()
	})
	return nil
}

// runtimeObserver hands runtime callbacks to the loop without waiting, since
// the loop may itself be waiting on the runtime.
type runtimeObserver struct {
	s *callService
}

func (o runtimeObserver) RuntimeConnected(callID domain.CallID) {
	o.async(func() { o.s.runtimeConnected(callID) })
}

func (o runtimeObserver) RuntimeFailed(callID domain.CallID, err error) {
	o.async(func() { o.s.runtimeFailed(callID, err) })
}

func (o runtimeObserver) async(fn func()) {
	o.s.background.Add(1)
	go func() {
		defer o.s.background.Done()
		fn()
	}()
}
