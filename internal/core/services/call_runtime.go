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
	"pikacall/internal/media/audio"
	"pikacall/internal/media/framecrypto"
	"pikacall/internal/media/jitter"
	"pikacall/internal/media/session"
	"pikacall/pkg/retry"
	"pikacall/pkg/tracing"
	"pikacall/pkg/validation"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// RuntimeParams describe the local half of a call's media.
type RuntimeParams struct {
	CallID    domain.CallID
	Group     domain.GroupID
	Local     domain.Identity
	Broadcast domain.BroadcastDescriptor
	// RelayToken is presented on every connect, including reconnects.
	RelayToken string
	Messenger  ports.GroupMessenger
	Muted      bool
}

// RuntimeObserver is told about media milestones. Calls may come from any
// goroutine and must not block.
type RuntimeObserver interface {
	RuntimeConnected(callID domain.CallID)
	RuntimeFailed(callID domain.CallID, err error)
}

// CallRuntime owns one call's media: the relay session, both crypto
// contexts, the audio device and the loops between them.
type CallRuntime interface {
	Start(ctx context.Context) error
	AttachPeer(peer domain.Identity, remote domain.BroadcastDescriptor) error
	SetMuted(muted bool)
	Rekey(epoch uint64)
	Stats() domain.CallDebugStats
	// Stop tears everything down and waits for it. Observers are not
	// called once Stop has begun.
	Stop()
}

type RuntimeFactory interface {
	NewRuntime(params RuntimeParams, observer RuntimeObserver) (CallRuntime, error)
}

type RuntimeConfig struct {
	JitterWindow  time.Duration
	JitterPrefill time.Duration
	CaptureQueue  int
	PlaybackQueue int
	// ConnectTimeout bounds one connect, publish and subscribe attempt.
	ConnectTimeout time.Duration
	Reconnect      retry.Config
	RolloverGrace  time.Duration
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		JitterWindow:   jitter.DefaultWindow,
		JitterPrefill:  jitter.DefaultPrefill,
		CaptureQueue:   8,
		PlaybackQueue:  8,
		ConnectTimeout: 5 * time.Second,
		Reconnect: retry.Config{
			Enabled:      true,
			MaxAttempts:  5,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     4 * time.Second,
			MaxElapsed:   15 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
		RolloverGrace: framecrypto.DefaultRolloverGrace,
	}
}

// MediaRuntimeFactory picks the transport from the broadcast's relay URL:
// http(s) and ws(s) go to the network relay, anything else stays in process.
type MediaRuntimeFactory struct {
	cfg     RuntimeConfig
	memory  ports.Transport
	network ports.Transport
	devices ports.AudioDeviceFactory
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger
}

var _ RuntimeFactory = (*MediaRuntimeFactory)(nil)

func NewMediaRuntimeFactory(
	cfg RuntimeConfig,
	memory ports.Transport,
	network ports.Transport,
	devices ports.AudioDeviceFactory,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *MediaRuntimeFactory {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if metrics == nil {
		metrics = NoopCallMetrics{}
	}
	return &MediaRuntimeFactory{
		cfg:     cfg,
		memory:  memory,
		network: network,
		devices: devices,
		metrics: metrics,
		logger:  logger,
	}
}

func (f *MediaRuntimeFactory) transportFor(url string) (ports.Transport, error) {
	if validation.IsNetworkURL(url) {
		if f.network == nil {
			return nil, fmt.Errorf("no network transport configured for %s", url)
		}
		return f.network, nil
	}
	if f.memory == nil {
		return nil, fmt.Errorf("no in-process transport configured for %s", url)
	}
	return f.memory, nil
}

func (f *MediaRuntimeFactory) NewRuntime(p RuntimeParams, observer RuntimeObserver) (CallRuntime, error) {
	track, ok := p.Broadcast.AudioTrack()
	if !ok {
		return nil, errors.New("broadcast has no audio track")
	}
	transport, err := f.transportFor(p.Broadcast.TransportURL)
	if err != nil {
		return nil, err
	}
	codec, err := audio.NewCodec(track)
	if err != nil {
		return nil, err
	}
	epoch, err := p.Messenger.CurrentEpoch(p.Group)
	if err != nil {
		return nil, err
	}

	r := &mediaRuntime{
		cfg:      f.cfg,
		params:   p,
		observer: observer,
		devices:  f.devices,
		metrics:  f.metrics,
		logger:   f.logger.With("call_id", p.CallID),
		track:    track,
		codec:    codec,
		txAddr:   domain.NewTrackAddress(p.Broadcast.BroadcastBase, p.Local, track.Name),
		capture:  audio.NewQueue[[]int16](f.cfg.CaptureQueue),
		playback: audio.NewQueue[[]int16](f.cfg.PlaybackQueue),
		jitter: jitter.New(jitter.Config{
			FrameDuration: track.FrameDuration(),
			Window:        f.cfg.JitterWindow,
			Prefill:       f.cfg.JitterPrefill,
		}),
		peerReady:   make(chan struct{}, 1),
		linkChanged: make(chan struct{}),
	}
	r.deriver = framecrypto.DeriverFunc(func(label string, context []byte, length int) ([]byte, error) {
		return p.Messenger.DeriveExporterSecret(p.Group, label, context, length)
	})
	r.tx, err = framecrypto.NewContext(r.deriver, framecrypto.Binding{
		CallID: p.CallID,
		Group:  p.Group,
		Sender: p.Local,
		Track:  track.Name,
	}, epoch, framecrypto.Options{RolloverGrace: f.cfg.RolloverGrace})
	if err != nil {
		return nil, err
	}
	r.muted.Store(p.Muted)
	r.session = session.New(transport, p.Broadcast.TransportURL, p.RelayToken, r.logger)
	return r, nil
}

type peerLink struct {
	identity domain.Identity
	addr     domain.TrackAddress
	rx       *framecrypto.Context
	codec    ports.FrameCodec
}

type mediaLinks struct {
	sink   ports.FrameSink
	stream ports.FrameStream
}

type mediaRuntime struct {
	cfg      RuntimeConfig
	params   RuntimeParams
	observer RuntimeObserver
	devices  ports.AudioDeviceFactory
	metrics  ports.CallMetrics
	logger   *zap.SugaredLogger

	track   domain.TrackDescriptor
	codec   ports.FrameCodec
	txAddr  domain.TrackAddress
	deriver framecrypto.SecretDeriver
	tx      *framecrypto.Context
	txSeq   uint64
	session *session.Session

	capture  *audio.Queue[[]int16]
	playback *audio.Queue[[]int16]
	jitter   *jitter.Buffer

	peer      atomic.Pointer[peerLink]
	peerReady chan struct{}
	muted     atomic.Bool

	linkMu      sync.Mutex
	links       mediaLinks
	linkChanged chan struct{}

	mu      sync.Mutex
	started bool
	device  ports.AudioDevice
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stopping      atomic.Bool
	connectedOnce sync.Once
	failOnce      sync.Once

	txFrames          atomic.Uint64
	rxFrames          atomic.Uint64
	rxDropped         atomic.Uint64
	reconnectAttempts atomic.Uint64
	reconnectCount    atomic.Uint64
	jitterMs          atomic.Uint32
}

func (r *mediaRuntime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("media runtime already started")
	}
	r.started = true

	device, err := r.devices.NewDevice(r.track.SampleRate, r.track.Channels, r.track.SamplesPerFrame())
	if err != nil {
		return fmt.Errorf("open audio device: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(4)
	go r.supervise(runCtx)
	go r.publishLoop(runCtx)
	go r.receiveLoop(runCtx)
	go r.playoutLoop(runCtx)

	if err := device.Start(ports.AudioCallbacks{
		OnCapture:  r.onCapture,
		OnPlayback: r.onPlayback,
	}); err != nil {
		cancel()
		r.wg.Wait()
		r.session.Close()
		return fmt.Errorf("start audio device: %w", err)
	}
	r.device = device

	r.logger.Infow("Media runtime started",
		"relay", r.params.Broadcast.TransportURL,
		"track", r.txAddr.Key(),
	)
	return nil
}

func (r *mediaRuntime) AttachPeer(peer domain.Identity, remote domain.BroadcastDescriptor) error {
	track, ok := remote.AudioTrack()
	if !ok {
		return errors.New("peer broadcast has no audio track")
	}
	if remote.TransportURL != r.params.Broadcast.TransportURL {
		r.logger.Warnw("Peer advertised a different relay, subscribing on ours",
			"ours", r.params.Broadcast.TransportURL,
			"theirs", remote.TransportURL,
		)
	}
	codec, err := audio.NewCodec(track)
	if err != nil {
		return err
	}
	epoch, err := r.params.Messenger.CurrentEpoch(r.params.Group)
	if err != nil {
		return err
	}
	rx, err := framecrypto.NewContext(r.deriver, framecrypto.Binding{
		CallID: r.params.CallID,
		Group:  r.params.Group,
		Sender: peer,
		Track:  track.Name,
	}, epoch, framecrypto.Options{RolloverGrace: r.cfg.RolloverGrace})
	if err != nil {
		return err
	}

	link := &peerLink{
		identity: peer,
		addr:     domain.NewTrackAddress(remote.BroadcastBase, peer, track.Name),
		rx:       rx,
		codec:    codec,
	}
	if !r.peer.CompareAndSwap(nil, link) {
		return errors.New("peer already attached")
	}
	select {
	case r.peerReady <- struct{}{}:
	default:
	}
	return nil
}

func (r *mediaRuntime) SetMuted(muted bool) {
	r.muted.Store(muted)
	if muted {
		r.capture.Drain()
	}
}

func (r *mediaRuntime) Rekey(epoch uint64) {
	if err := r.tx.Rollover(epoch); err != nil {
		r.logger.Warnw("Send key rollover failed", "epoch", epoch, "error", err)
	}
	if p := r.peer.Load(); p != nil {
		if err := p.rx.Rollover(epoch); err != nil {
			r.logger.Warnw("Receive key rollover failed", "epoch", epoch, "error", err)
		}
	}
	r.logger.Infow("Media keys rolled over", "epoch", epoch, "generation", r.tx.Generation())
}

func (r *mediaRuntime) Stats() domain.CallDebugStats {
	return domain.CallDebugStats{
		TxFrames:          r.txFrames.Load(),
		RxFrames:          r.rxFrames.Load(),
		RxDropped:         r.rxDropped.Load(),
		ReconnectAttempts: r.reconnectAttempts.Load(),
		ReconnectCount:    r.reconnectCount.Load(),
		JitterBufferMs:    r.jitterMs.Load(),
	}
}

func (r *mediaRuntime) Stop() {
	if !r.stopping.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	cancel, device := r.cancel, r.device
	r.mu.Unlock()

	if device != nil {
		device.Stop()
	}
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	r.linkMu.Lock()
	links := r.links
	r.links = mediaLinks{}
	r.linkMu.Unlock()
	closeLinks(links)
	r.session.Close()

	r.capture.Drain()
	r.playback.Drain()
	r.jitter.Reset()
	r.jitterMs.Store(0)

	stats := r.Stats()
	r.logger.Infow("Media runtime stopped",
		"tx_frames", stats.TxFrames,
		"rx_frames", stats.RxFrames,
		"rx_dropped", stats.RxDropped,
		"reconnects", stats.ReconnectCount,
	)
}

func closeLinks(l mediaLinks) {
	if l.sink != nil {
		l.sink.Close()
	}
	if l.stream != nil {
		l.stream.Close()
	}
}

func (r *mediaRuntime) currentLinks() (mediaLinks, <-chan struct{}) {
	r.linkMu.Lock()
	defer r.linkMu.Unlock()
	return r.links, r.linkChanged
}

func (r *mediaRuntime) updateLinks(fn func(l *mediaLinks)) {
	r.linkMu.Lock()
	defer r.linkMu.Unlock()
	fn(&r.links)
	close(r.linkChanged)
	r.linkChanged = make(chan struct{})
}

func (r *mediaRuntime) dropLinks() {
	var old mediaLinks
	r.updateLinks(func(l *mediaLinks) {
		old = *l
		*l = mediaLinks{}
	})
	closeLinks(old)
}

// supervise establishes the media path and re-establishes it whenever the
// session reports degradation, until the retry budget runs out.
func (r *mediaRuntime) supervise(ctx context.Context) {
	defer r.wg.Done()

	if err := r.establish(ctx, false); err != nil {
		r.fail(ctx, err)
		return
	}
	health := r.session.Health()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.peerReady:
			if err := r.establish(ctx, false); err != nil {
				r.fail(ctx, err)
				return
			}
		case ev, ok := <-health:
			if !ok {
				return
			}
			r.logger.Warnw("Media transport degraded, reconnecting", "error", ev.Err)
			r.dropLinks()
			r.jitter.Reset()
			if err := r.establish(ctx, true); err != nil {
				r.fail(ctx, err)
				return
			}
			r.reconnectCount.Add(1)
			r.metrics.RecordReconnect()
			r.logger.Infow("Media transport reconnected", "reconnect_count", r.reconnectCount.Load())
		}
	}
}

func (r *mediaRuntime) establish(ctx context.Context, reconnecting bool) error {
	cfg := r.cfg.Reconnect
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.logger.Debugw("Media attempt failed, backing off", "attempt", attempt, "delay", delay, "error", err)
	}
	attempts := 0
	return retry.Retry(ctx, cfg, func() error {
		attempts++
		if reconnecting || attempts > 1 {
			r.reconnectAttempts.Add(1)
			r.metrics.RecordReconnectAttempt()
		}
		return r.attempt(ctx)
	})
}

// attempt brings up whatever is missing: connection, own publish, and the
// peer subscription once the peer is known.
func (r *mediaRuntime) attempt(ctx context.Context) error {
	actx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()
	actx, span := tracing.StartSpan(actx, "media.establish")
	defer span.End()
	tracing.AddSpanAttributes(actx,
		tracing.CallIDKey.String(string(r.params.CallID)),
		attribute.String("relay.url", r.params.Broadcast.TransportURL),
	)

	if !r.session.Connected() {
		r.dropLinks()
		if err := r.session.Connect(actx); err != nil {
			tracing.RecordError(actx, err)
			return err
		}
	}

	links, _ := r.currentLinks()
	if links.sink == nil {
		sink, err := r.session.Publish(actx, r.txAddr)
		if err != nil {
			tracing.RecordError(actx, err)
			return err
		}
		r.updateLinks(func(l *mediaLinks) { l.sink = sink })
	}

	peer := r.peer.Load()
	if peer == nil {
		return nil
	}
	if links.stream == nil {
		stream, err := r.session.Subscribe(actx, peer.addr)
		if err != nil {
			tracing.RecordError(actx, err)
			return err
		}
		r.updateLinks(func(l *mediaLinks) { l.stream = stream })
	}
	tracing.SetSpanStatus(actx, codes.Ok, "")
	r.connectedOnce.Do(func() {
		if !r.stopping.Load() {
			r.observer.RuntimeConnected(r.params.CallID)
		}
	})
	return nil
}

func (r *mediaRuntime) fail(ctx context.Context, err error) {
	if ctx.Err() != nil || r.stopping.Load() {
		return
	}
	r.failOnce.Do(func() {
		wrapped := &domain.TransportError{Op: "reconnect", Err: fmt.Errorf("%w: %v", domain.ErrReconnectExhausted, err)}
		r.logger.Errorw("Media transport gave up", "attempts", r.reconnectAttempts.Load(), "error", err)
		r.observer.RuntimeFailed(r.params.CallID, wrapped)
	})
}

func (r *mediaRuntime) onCapture(pcm []int16) {
	if r.muted.Load() {
		return
	}
	frame := append([]int16(nil), pcm...)
	if r.capture.Push(frame) {
		r.metrics.RecordFramesDropped("capture_overflow", 1)
	}
}

func (r *mediaRuntime) onPlayback(out []int16) {
	n := 0
	if pcm, ok := r.playback.TryPop(); ok {
		n = copy(out, pcm)
	}
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

func (r *mediaRuntime) publishLoop(ctx context.Context) {
	defer r.wg.Done()
	frameUs := uint64(r.track.FrameDuration() / time.Microsecond)
	writeTimeout := 5 * r.track.FrameDuration()

	for {
		var pcm []int16
		select {
		case <-ctx.Done():
			return
		case pcm = <-r.capture.C():
		}
		if r.muted.Load() {
			continue
		}
		links, _ := r.currentLinks()
		if links.sink == nil {
			r.metrics.RecordFramesDropped("not_ready", 1)
			continue
		}

		payload, err := r.codec.Encode(pcm)
		if err != nil {
			r.logger.Debugw("Encode failed", "error", err)
			continue
		}
		sealed, err := r.tx.Seal(r.txSeq, true, payload)
		if err != nil {
			r.logger.Warnw("Seal failed", "seq", r.txSeq, "error", err)
			continue
		}
		frame := domain.MediaFrame{
			Seq:         r.txSeq,
			TimestampUs: r.txSeq * frameUs,
			Keyframe:    true,
			Payload:     sealed,
		}
		r.txSeq++

		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = links.sink.WriteFrame(wctx, frame)
		cancel()
		if err != nil {
			r.metrics.RecordFramesDropped("write", 1)
			continue
		}
		r.txFrames.Add(1)
		r.metrics.RecordFramesSent(1)
	}
}

func (r *mediaRuntime) receiveLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		links, changed := r.currentLinks()
		var frames <-chan domain.ReceivedFrame
		if links.stream != nil {
			frames = links.stream.Frames()
		}
	recv:
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				break recv
			case f, ok := <-frames:
				if !ok {
					frames = nil
					continue
				}
				r.receive(f)
			}
		}
	}
}

func (r *mediaRuntime) receive(f domain.ReceivedFrame) {
	peer := r.peer.Load()
	if peer == nil {
		return
	}
	opened, err := peer.rx.Open(f.Payload)
	if err != nil {
		r.rxDropped.Add(1)
		r.metrics.RecordFramesDropped("crypto", 1)
		r.logger.Debugw("Dropping frame", "seq", f.Seq, "error", err)
		return
	}
	accepted, dropped := r.jitter.Push(jitter.Entry{
		Seq:         opened.Seq,
		TimestampUs: f.TimestampUs,
		Payload:     opened.Payload,
		ArrivedAt:   f.ArrivedAt,
	})
	for _, reason := range dropped {
		r.rxDropped.Add(1)
		r.metrics.RecordFramesDropped(string(reason), 1)
	}
	if accepted {
		r.rxFrames.Add(1)
		r.metrics.RecordFramesReceived(1)
	}
}

func (r *mediaRuntime) playoutLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.track.FrameDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		peer := r.peer.Load()
		if peer == nil {
			continue
		}
		entry, kind := r.jitter.Pop()
		switch kind {
		case jitter.PopFrame:
			pcm, err := peer.codec.Decode(entry.Payload)
			if err != nil {
				r.rxDropped.Add(1)
				r.metrics.RecordFramesDropped("decode", 1)
				break
			}
			r.playback.Push(pcm)
		case jitter.PopMissing:
			r.playback.Push(make([]int16, r.track.SamplesPerFrame()*int(r.track.Channels)))
		}
		ms := uint32(r.jitter.BufferedDuration() / time.Millisecond)
		r.jitterMs.Store(ms)
		r.metrics.SetJitterBufferMs(float64(ms))
	}
}
