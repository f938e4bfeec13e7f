package audio

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"pikacall/internal/core/ports"
)

const DefaultToneHz = 440

// SyntheticFactory builds devices that generate a sine tone on capture and
// discard playback, counting what they hear. Used by the daemon when no
// sound card is available and by tests.
type SyntheticFactory struct {
	ToneHz    float64
	Amplitude int16
	// Interval overrides the frame cadence, tests use it to speed up calls.
	Interval time.Duration

	mu      sync.Mutex
	devices []*SyntheticDevice
}

var _ ports.AudioDeviceFactory = (*SyntheticFactory)(nil)

func NewSyntheticFactory() *SyntheticFactory {
	return &SyntheticFactory{ToneHz: DefaultToneHz, Amplitude: 8000}
}

func (f *SyntheticFactory) NewDevice(sampleRate uint32, channels uint8, samplesPerFrame int) (ports.AudioDevice, error) {
	if sampleRate == 0 || channels == 0 || samplesPerFrame <= 0 {
		return nil, errors.New("synthetic device: invalid format")
	}
	interval := f.Interval
	if interval <= 0 {
		interval = time.Duration(samplesPerFrame) * time.Second / time.Duration(sampleRate)
	}
	d := &SyntheticDevice{
		sampleRate:      sampleRate,
		channels:        channels,
		samplesPerFrame: samplesPerFrame,
		interval:        interval,
		toneHz:          f.ToneHz,
		amplitude:       f.Amplitude,
	}
	f.mu.Lock()
	f.devices = append(f.devices, d)
	f.mu.Unlock()
	return d, nil
}

// Devices lists every device created so far.
func (f *SyntheticFactory) Devices() []*SyntheticDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*SyntheticDevice(nil), f.devices...)
}

type SyntheticDevice struct {
	sampleRate      uint32
	channels        uint8
	samplesPerFrame int
	interval        time.Duration
	toneHz          float64
	amplitude       int16

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	phase   uint64
	running bool

	captured  atomic.Uint64
	played    atomic.Uint64
	nonSilent atomic.Uint64
}

func (d *SyntheticDevice) Start(cb ports.AudioCallbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("synthetic device already started")
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.loop(cb, d.stop, d.done)
	return nil
}

func (d *SyntheticDevice) loop(cb ports.AudioCallbacks, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	n := d.samplesPerFrame * int(d.channels)
	out := make([]int16, n)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if cb.OnCapture != nil {
			cb.OnCapture(d.tone(n))
			d.captured.Add(1)
		}
		if cb.OnPlayback != nil {
			for i := range out {
				out[i] = 0
			}
			cb.OnPlayback(out)
			d.played.Add(1)
			if !isSilent(out) {
				d.nonSilent.Add(1)
			}
		}
	}
}

func (d *SyntheticDevice) tone(n int) []int16 {
	pcm := make([]int16, n)
	ch := int(d.channels)
	for i := 0; i < n/ch; i++ {
		t := float64(d.phase) / float64(d.sampleRate)
		v := int16(float64(d.amplitude) * math.Sin(2*math.Pi*d.toneHz*t))
		for c := 0; c < ch; c++ {
			pcm[i*ch+c] = v
		}
		d.phase++
	}
	return pcm
}

func isSilent(pcm []int16) bool {
	for _, s := range pcm {
		if s != 0 {
			return false
		}
	}
	return true
}

func (d *SyntheticDevice) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stop)
	done := d.done
	d.mu.Unlock()
	<-done
	return nil
}

func (d *SyntheticDevice) CapturedFrames() uint64  { return d.captured.Load() }
func (d *SyntheticDevice) PlayedFrames() uint64    { return d.played.Load() }
func (d *SyntheticDevice) NonSilentFrames() uint64 { return d.nonSilent.Load() }
