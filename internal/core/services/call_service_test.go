package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"
	"pikacall/internal/infrastructure/messaging"
	"pikacall/internal/infrastructure/transport/memory"
	"pikacall/internal/media/audio"
	"pikacall/internal/signaling"
	"pikacall/pkg/validation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGroup = domain.GroupID("family")

var (
	alice = domain.Identity(strings.Repeat("a1", 32))
	bob   = domain.Identity(strings.Repeat("b2", 32))
	carol = domain.Identity(strings.Repeat("c3", 32))
)

type testPeer struct {
	id      domain.Identity
	member  *messaging.LoopbackMember
	svc     ports.CallService
	devices *audio.SyntheticFactory
}

type testNet struct {
	hub   *messaging.LoopbackHub
	relay *memory.Relay
}

func newTestNet(t *testing.T) *testNet {
	t.Helper()
	hub := messaging.NewLoopbackHub([]byte("group secret"))
	t.Cleanup(hub.Close)
	return &testNet{hub: hub, relay: memory.NewRelay(nil)}
}

func (n *testNet) peer(t *testing.T, id domain.Identity, tweak func(*CallServiceConfig)) *testPeer {
	t.Helper()
	member := n.hub.Join(testGroup, id)
	devices := audio.NewSyntheticFactory()
	devices.Interval = 5 * time.Millisecond

	rcfg := DefaultRuntimeConfig()
	rcfg.ConnectTimeout = 500 * time.Millisecond
	rcfg.Reconnect.InitialDelay = 10 * time.Millisecond
	rcfg.Reconnect.MaxDelay = 40 * time.Millisecond
	rcfg.Reconnect.MaxElapsed = 2 * time.Second
	rcfg.Reconnect.Jitter = false
	factory := NewMediaRuntimeFactory(rcfg, n.relay.Transport(), nil, devices, nil, nil)

	cfg := DefaultCallServiceConfig()
	cfg.StatsInterval = 20 * time.Millisecond
	if tweak != nil {
		tweak(&cfg)
	}
	svc := NewCallService(cfg, member, factory, nil, nil, nil, nil)
	member.SetHandler(svc)
	t.Cleanup(func() { svc.Close() })
	return &testPeer{id: id, member: member, svc: svc, devices: devices}
}

type signalLog struct {
	mu      sync.Mutex
	signals []signaling.Signal
}

func (l *signalLog) HandleSignal(ctx context.Context, group domain.GroupID, sender domain.Identity, payload []byte) {
	sig, err := signaling.Parse(payload)
	if err != nil {
		return
	}
	l.mu.Lock()
	l.signals = append(l.signals, sig)
	l.mu.Unlock()
}

func (l *signalLog) HandleEpochChange(ctx context.Context, group domain.GroupID, epoch uint64) {}

func (l *signalLog) find(msgType signaling.MessageType, callID domain.CallID) []signaling.Signal {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []signaling.Signal
	for _, s := range l.signals {
		if s.Type == msgType && s.CallID == callID {
			out = append(out, s)
		}
	}
	return out
}

func sentSignals(t *testing.T, m *messaging.LoopbackMember, msgType signaling.MessageType) []signaling.Signal {
	t.Helper()
	var out []signaling.Signal
	for _, payload := range m.Sent() {
		sig, err := signaling.Parse(payload)
		require.NoError(t, err)
		if sig.Type == msgType {
			out = append(out, sig)
		}
	}
	return out
}

func waitStatus(t *testing.T, p *testPeer, status domain.CallStatus) domain.CallState {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.svc.State().Status == status
	}, 3*time.Second, 5*time.Millisecond, "waiting for %s", status)
	return p.svc.State()
}

func connect(t *testing.T, caller, callee *testPeer) domain.CallID {
	t.Helper()
	ctx := context.Background()
	state, err := caller.svc.StartCall(ctx, testGroup, callee.id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusOffering, state.Status)

	ringing := waitStatus(t, callee, domain.StatusRinging)
	require.Equal(t, state.CallID, ringing.CallID)
	assert.Equal(t, caller.id, ringing.Peer)
	assert.Equal(t, domain.DirectionIncoming, ringing.Direction)

	_, err = callee.svc.AcceptCall(ctx, state.CallID)
	require.NoError(t, err)
	waitStatus(t, caller, domain.StatusActive)
	waitStatus(t, callee, domain.StatusActive)
	return state.CallID
}

func TestCallReachesActiveAndCarriesMedia(t *testing.T) {
	net := newTestNet(t)
	a := net.peer(t, alice, nil)
	b := net.peer(t, bob, nil)

	callID := connect(t, a, b)

	require.Eventually(t, func() bool {
		da, db := a.svc.State().Debug, b.svc.State().Debug
		return da.TxFrames > 0 && da.RxFrames > 0 && db.TxFrames > 0 && db.RxFrames > 0
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		devices := b.devices.Devices()
		return len(devices) == 1 && devices[0].NonSilentFrames() > 0
	}, 3*time.Second, 10*time.Millisecond, "bob never heard alice")

	ended, err := a.svc.EndCall(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, ended.Status)
	assert.Equal(t, domain.ReasonUserHangup, ended.Reason)

	peerEnded := waitStatus(t, b, domain.StatusEnded)
	assert.Equal(t, domain.ReasonUserHangup, peerEnded.Reason)
	assert.Equal(t, callID, peerEnded.CallID)
}

func TestInviteCarriesRelayAuth(t *testing.T) {
	net := newTestNet(t)
	a := net.peer(t, alice, nil)
	net.peer(t, bob, nil)

	state, err := a.svc.StartCall(context.Background(), testGroup, bob)
	require.NoError(t, err)

	invites := sentSignals(t, a.member, signaling.TypeInvite)
	require.Len(t, invites, 1)
	inv := invites[0]
	assert.Equal(t, state.CallID, inv.CallID)
	assert.Equal(t, "memory://local", inv.Session.MoqURL)
	assert.Equal(t, "pika/calls/"+string(state.CallID), inv.Session.BroadcastBase)
	assert.NoError(t, validation.ValidateRelayToken(inv.Session.RelayAuth))

	expected, err := DeriveRelayAuth(a.member, testGroup, state.CallID, inv.Session.MoqURL, inv.Session.BroadcastBase)
	require.NoError(t, err)
	assert.Equal(t, expected, inv.Session.RelayAuth)
}

func TestRejectEndsBothSides(t *testing.T) {
	net := newTestNet(t)
	a := net.peer(t, alice, nil)
	b := net.peer(t, bob, nil)

	state, err := a.svc.StartCall(context.Background(), testGroup, bob)
	require.NoError(t, err)
	waitStatus(t, b, domain.StatusRinging)

	rejected, err := b.svc.RejectCall(context.Background(), state.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, rejected.Status)
	assert.Equal(t, domain.ReasonDeclined, rejected.Reason)

	ended := waitStatus(t, a, domain.StatusEnded)
	assert.Equal(t, domain.ReasonDeclined, ended.Reason)

	// rejecting again is a no-op
	again, err := b.svc.RejectCall(context.Background(), state.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonDeclined, again.Reason)
}

func TestBusyPeerRejectsSecondInvite(t *testing.T) {
	net := newTestNet(t)
	a := net.peer(t, alice, nil)
	b := net.peer(t, bob, nil)
	c := net.hub.Join(testGroup, carol)
	carolLog := &signalLog{}
	c.SetHandler(carolLog)

	first, err := a.svc.StartCall(context.Background(), testGroup, bob)
	require.NoError(t, err)
	waitStatus(t, b, domain.StatusRinging)

	invite, err := signaling.EncodeInvite("c2", time.Now(), signaling.SessionBody{
		MoqURL:        "memory://local",
		BroadcastBase: "pika/calls/c2",
		Tracks:        []domain.TrackDescriptor{domain.DefaultAudioTrack()},
	})
	require.NoError(t, err)
	_, err = c.Send(context.Background(), testGroup, invite)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(carolLog.find(signaling.TypeReject, "c2")) > 0
	}, 2*time.Second, 5*time.Millisecond)
	for _, rej := range carolLog.find(signaling.TypeReject, "c2") {
		assert.Equal(t, domain.ReasonBusy, rej.Reason)
	}

	state := b.svc.State()
	assert.Equal(t, first.CallID, state.CallID)
	assert.Equal(t, domain.StatusRinging, state.Status)
}

func TestDuplicateAndStaleSignalsAreIgnored(t *testing.T) {
	net := newTestNet(t)
	a := net.peer(t, alice, nil)
	b := net.peer(t, bob, nil)
	callID := connect(t, a, b)
	ctx := context.Background()

	accepts := sentSignals(t, b.member, signaling.TypeAccept)
	require.Len(t, accepts, 1)
	accept, err := signaling.EncodeAccept(callID, time.Now(), accepts[0].Session)
	require.NoError(t, err)

	a.svc.HandleSignal(ctx, testGroup, bob, accept)
	// an accept from someone other than the peer
	a.svc.HandleSignal(ctx, testGroup, carol, accept)
	// a reject for a call nobody knows
	unknown, err := signaling.EncodeReject("nope", time.Now(), domain.ReasonDeclined)
	require.NoError(t, err)
	a.svc.HandleSignal(ctx, testGroup, bob, unknown)
	// garbage and foreign chat messages
	a.svc.HandleSignal(ctx, testGroup, bob, []byte("{not json"))
	a.svc.HandleSignal(ctx, testGroup, bob, []byte(`{"ns":"chat","text":"hi"}`))

	time.Sleep(50 * time.Millisecond)
	state := a.svc.State()
	assert.Equal(t, callID, state.CallID)
	assert.Equal(t, domain.StatusActive, state.Status)

	_, err = b.svc.EndCall(ctx, callID)
	require.NoError(t, err)
	waitStatus(t, a, domain.StatusEnded)

	// late reject for the resolved call
	late, err := signaling.EncodeReject(callID, time.Now(), domain.ReasonDeclined)
	require.NoError(t, err)
	a.svc.HandleSignal(ctx, testGroup, bob, late)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.ReasonUserHangup, a.svc.State().Reason)

	// and a replayed invite does not ring again
	invites := sentSignals(t, a.member, signaling.TypeInvite)
	require.Len(t, invites, 1)
	replay, err := signaling.EncodeInvite(callID, time.Now(), invites[0].Session)
	require.NoError(t, err)
	b.svc.HandleSignal(ctx, testGroup, alice, replay)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.StatusEnded, b.svc.State().Status)
}

func TestInviteWithWrongRelayAuthIsRejected(t *testing.T) {
	net := newTestNet(t)
	b := net.peer(t, bob, nil)
	a := net.hub.Join(testGroup, alice)
	aliceLog := &signalLog{}
	a.SetHandler(aliceLog)

	invite, err := signaling.EncodeInvite("forged", time.Now(), signaling.SessionBody{
		MoqURL:        "memory://local",
		BroadcastBase: "pika/calls/forged",
		Tracks:        []domain.TrackDescriptor{domain.DefaultAudioTrack()},
		RelayAuth:     "capv1_" + strings.Repeat("00", 32),
	})
	require.NoError(t, err)
	_, err = a.Send(context.Background(), testGroup, invite)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(aliceLog.find(signaling.TypeReject, "forged")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.ReasonAuthFailed, aliceLog.find(signaling.TypeReject, "forged")[0].Reason)
	assert.Equal(t, domain.StatusIdle, b.svc.State().Status)
}

func TestOwnEchoIsIgnored(t *testing.T) {
	net := newTestNet(t)
	a := net.peer(t, alice, nil)

	invite, err := signaling.EncodeInvite("echo", time.Now(), signaling.SessionBody{
		MoqURL:        "memory://local",
		BroadcastBase: "pika/calls/echo",
		Tracks:        []domain.TrackDescriptor{domain.DefaultAudioTrack()},
	})
	require.NoError(t, err)
	a.svc.HandleSignal(context.Background(), testGroup, alice, invite)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.StatusIdle, a.svc.State().Status)
}

func TestLocalActionErrors(t *testing.T) {
	net := newTestNet(t)
	a := net.peer(t, alice, nil)
	net.peer(t, bob, nil)
	ctx := context.Background()

	_, err := a.svc.AcceptCall(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNoSuchCall)
	assert.True(t, domain.IsStateError(err))

	_, err = a.svc.StartCall(ctx, testGroup, "not-hex")
	assert.Error(t, err)
	_, err = a.svc.StartCall(ctx, testGroup, alice)
	assert.Error(t, err)

	first, err := a.svc.StartCall(ctx, testGroup, bob)
	require.NoError(t, err)
	_, err = a.svc.StartCall(ctx, testGroup, carol)
	assert.ErrorIs(t, err, domain.ErrCallInProgress)

	// a caller cannot accept or reject its own outgoing call
	_, err = a.svc.AcceptCall(ctx, first.CallID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = a.svc.RejectCall(ctx, first.CallID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	muted, err := a.svc.ToggleMute(ctx, first.CallID)
	require.NoError(t, err)
	assert.True(t, muted.IsMuted)
	unmuted, err := a.svc.ToggleMute(ctx, first.CallID)
	require.NoError(t, err)
	assert.False(t, unmuted.IsMuted)

	_, err = a.svc.EndCall(ctx, first.CallID)
	require.NoError(t, err)
	_, err = a.svc.ToggleMute(ctx, first.CallID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRingTimeout(t *testing.T) {
	net := newTestNet(t)
	a := net.peer(t, alice, func(cfg *CallServiceConfig) { cfg.RingTimeout = 100 * time.Millisecond })
	b := net.peer(t, bob, nil)

	_, err := a.svc.StartCall(context.Background(), testGroup, bob)
	require.NoError(t, err)
	waitStatus(t, b, domain.StatusRinging)

	ended := waitStatus(t, a, domain.StatusEnded)
	assert.Equal(t, domain.ReasonTimeout, ended.Reason)
	peerEnded := waitStatus(t, b, domain.StatusEnded)
	assert.Equal(t, domain.ReasonTimeout, peerEnded.Reason)
}

func TestReconnectAfterRelayDrop(t *testing.T) {
	net := newTestNet(t)
	a := net.peer(t, alice, nil)
	b := net.peer(t, bob, nil)
	connect(t, a, b)

	require.Eventually(t, func() bool {
		return b.svc.State().Debug.RxFrames > 0
	}, 3*time.Second, 10*time.Millisecond)

	require.Positive(t, net.relay.DisconnectAll())

	require.Eventually(t, func() bool {
		return a.svc.State().Debug.ReconnectCount >= 1 && b.svc.State().Debug.ReconnectCount >= 1
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, uint64(1), a.svc.State().Debug.ReconnectCount)
	assert.Equal(t, uint64(1), b.svc.State().Debug.ReconnectCount)
	assert.Equal(t, domain.StatusActive, a.svc.State().Status)
	assert.Equal(t, domain.StatusActive, b.svc.State().Status)

	before := b.svc.State().Debug.RxFrames
	require.Eventually(t, func() bool {
		return b.svc.State().Debug.RxFrames > before+5
	}, 3*time.Second, 10*time.Millisecond, "media did not resume after reconnect")
}

func TestReconnectExhaustionEndsCallOnce(t *testing.T) {
	net := newTestNet(t)
	a := net.peer(t, alice, nil)
	b := net.peer(t, bob, nil)
	net.relay.FailNextConnects(1000)

	_, err := a.svc.StartCall(context.Background(), testGroup, bob)
	require.NoError(t, err)

	ended := waitStatus(t, a, domain.StatusEnded)
	assert.Equal(t, domain.ReasonTransportFailure, ended.Reason)
	assert.Positive(t, ended.Debug.ReconnectAttempts)

	peerEnded := waitStatus(t, b, domain.StatusEnded)
	assert.Equal(t, domain.ReasonTransportFailure, peerEnded.Reason)

	time.Sleep(100 * time.Millisecond)
	ends := sentSignals(t, a.member, signaling.TypeEnd)
	assert.Len(t, ends, 1)
}

func TestMidCallReconnectExhaustionEndsCallOnce(t *testing.T) {
	net := newTestNet(t)
	a := net.peer(t, alice, nil)
	b := net.peer(t, bob, nil)
	connect(t, a, b)

	require.Eventually(t, func() bool {
		return a.svc.State().Debug.RxFrames > 0 && b.svc.State().Debug.RxFrames > 0
	}, 3*time.Second, 10*time.Millisecond)

	net.relay.FailNextConnects(1000)
	require.Positive(t, net.relay.DisconnectAll())

	ended := waitStatus(t, a, domain.StatusEnded)
	assert.Equal(t, domain.ReasonTransportFailure, ended.Reason)
	assert.Positive(t, ended.Debug.ReconnectAttempts)
	assert.Zero(t, ended.Debug.ReconnectCount)

	peerEnded := waitStatus(t, b, domain.StatusEnded)
	assert.Equal(t, domain.ReasonTransportFailure, peerEnded.Reason)

	time.Sleep(100 * time.Millisecond)
	aliceEnds := sentSignals(t, a.member, signaling.TypeEnd)
	bobEnds := sentSignals(t, b.member, signaling.TypeEnd)
	assert.LessOrEqual(t, len(aliceEnds), 1)
	assert.LessOrEqual(t, len(bobEnds), 1)
	assert.NotZero(t, len(aliceEnds)+len(bobEnds))
	for _, end := range append(aliceEnds, bobEnds...) {
		assert.Equal(t, domain.ReasonTransportFailure, end.Reason)
	}
	assert.Equal(t, domain.StatusEnded, a.svc.State().Status)
	assert.Equal(t, domain.ReasonTransportFailure, a.svc.State().Reason)
}

func TestEpochChangeWhileRingingKeepsBothDirections(t *testing.T) {
	net := newTestNet(t)
	a := net.peer(t, alice, nil)
	b := net.peer(t, bob, nil)
	ctx := context.Background()

	state, err := a.svc.StartCall(ctx, testGroup, bob)
	require.NoError(t, err)
	waitStatus(t, b, domain.StatusRinging)

	// membership changes before the callee answers, so the caller's send
	// keys predate the epoch the callee keys its receive side at
	net.hub.AdvanceEpoch(testGroup)
	time.Sleep(50 * time.Millisecond)

	_, err = b.svc.AcceptCall(ctx, state.CallID)
	require.NoError(t, err)
	waitStatus(t, a, domain.StatusActive)
	waitStatus(t, b, domain.StatusActive)

	require.Eventually(t, func() bool {
		da, db := a.svc.State().Debug, b.svc.State().Debug
		return da.RxFrames > 20 && db.RxFrames > 20
	}, 3*time.Second, 10*time.Millisecond, "one direction never decrypted")

	db := b.svc.State().Debug
	assert.Less(t, db.RxDropped, db.RxFrames)
}

func TestEpochChangeKeepsMediaFlowing(t *testing.T) {
	net := newTestNet(t)
	a := net.peer(t, alice, nil)
	b := net.peer(t, bob, nil)
	connect(t, a, b)

	require.Eventually(t, func() bool {
		return b.svc.State().Debug.RxFrames > 0
	}, 3*time.Second, 10*time.Millisecond)

	net.hub.AdvanceEpoch(testGroup)
	time.Sleep(50 * time.Millisecond)

	before := b.svc.State().Debug.RxFrames
	require.Eventually(t, func() bool {
		return b.svc.State().Debug.RxFrames > before+5
	}, 3*time.Second, 10*time.Millisecond, "media did not survive rekey")
}

func TestSubscribeSeesTransitions(t *testing.T) {
	net := newTestNet(t)
	a := net.peer(t, alice, nil)
	b := net.peer(t, bob, nil)

	updates, cancel := b.svc.Subscribe(32)
	defer cancel()

	first := <-updates
	assert.Equal(t, domain.StatusIdle, first.Status)

	_, err := a.svc.StartCall(context.Background(), testGroup, bob)
	require.NoError(t, err)

	select {
	case st := <-updates:
		assert.Equal(t, domain.StatusRinging, st.Status)
		assert.Equal(t, alice, st.Peer)
	case <-time.After(2 * time.Second):
		t.Fatal("no ringing update")
	}
}

func TestCloseHangsUpLiveCall(t *testing.T) {
	net := newTestNet(t)
	a := net.peer(t, alice, nil)
	b := net.peer(t, bob, nil)
	connect(t, a, b)

	require.NoError(t, a.svc.Close())
	ended := waitStatus(t, b, domain.StatusEnded)
	assert.Equal(t, domain.ReasonUserHangup, ended.Reason)

	_, err := a.svc.StartCall(context.Background(), testGroup, bob)
	assert.ErrorIs(t, err, domain.ErrServiceClosed)
}

func TestDeriveRelayAuthBindsCall(t *testing.T) {
	hub := messaging.NewLoopbackHub([]byte("secret"))
	defer hub.Close()
	m := hub.Join(testGroup, alice)

	t1, err := DeriveRelayAuth(m, testGroup, "c1", "memory://local", "pika/calls/c1")
	require.NoError(t, err)
	assert.NoError(t, validation.ValidateRelayToken(t1))

	t2, err := DeriveRelayAuth(m, testGroup, "c2", "memory://local", "pika/calls/c2")
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)

	t3, err := DeriveRelayAuth(m, testGroup, "c1", "https://relay.example", "pika/calls/c1")
	require.NoError(t, err)
	assert.NotEqual(t, t1, t3)

	_, err = DeriveRelayAuth(m, "other", "c1", "memory://local", "pika/calls/c1")
	assert.ErrorIs(t, err, domain.ErrKeyDerivation)
}

func TestRuntimeFactoryPicksTransportByURL(t *testing.T) {
	mem := memory.NewRelay(nil).Transport()
	f := NewMediaRuntimeFactory(DefaultRuntimeConfig(), mem, nil, audio.NewSyntheticFactory(), nil, nil)

	tr, err := f.transportFor("memory://relay")
	require.NoError(t, err)
	assert.Equal(t, mem, tr)

	_, err = f.transportFor("wss://relay.example/media")
	assert.Error(t, err)

	net := memory.NewRelay(nil).Transport()
	f = NewMediaRuntimeFactory(DefaultRuntimeConfig(), nil, net, audio.NewSyntheticFactory(), nil, nil)
	tr, err = f.transportFor("https://relay.example")
	require.NoError(t, err)
	assert.Equal(t, net, tr)

	_, err = f.transportFor("memory://relay")
	assert.Error(t, err)
}

func TestSignalLimiterRunsBeforeParsing(t *testing.T) {
	net := newTestNet(t)
	a := net.peer(t, alice, nil)
	b := net.peer(t, bob, func(cfg *CallServiceConfig) {
		cfg.SignalRate = 0.1
		cfg.SignalBurst = 3
	})
	ctx := context.Background()

	// malformed payloads spend the sender's budget
	for i := 0; i < 3; i++ {
		b.svc.HandleSignal(ctx, testGroup, alice, []byte("{not json"))
	}

	_, err := a.svc.StartCall(ctx, testGroup, bob)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, domain.StatusIdle, b.svc.State().Status)
}

func TestSignalLimitersArePruned(t *testing.T) {
	net := newTestNet(t)
	p := net.peer(t, bob, func(cfg *CallServiceConfig) {
		cfg.SignalRate = 1000
		cfg.SignalBurst = 1
	})
	svc := p.svc.(*callService)

	for i := 0; i < limiterSweepAt; i++ {
		require.True(t, svc.allow(domain.Identity(fmt.Sprintf("%064x", i))))
	}
	time.Sleep(20 * time.Millisecond)
	require.True(t, svc.allow(carol))

	svc.limMu.Lock()
	defer svc.limMu.Unlock()
	assert.Len(t, svc.limiters, 1)
	assert.Contains(t, svc.limiters, carol)
}
