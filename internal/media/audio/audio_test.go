package audio

import (
	"sync/atomic"
	"testing"
	"time"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDropsOldest(t *testing.T) {
	q := NewQueue[int](3)
	assert.False(t, q.Push(1))
	assert.False(t, q.Push(2))
	assert.False(t, q.Push(3))
	assert.True(t, q.Push(4))

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())

	for _, want := range []int{2, 3, 4} {
		v, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, want, v)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueueDrain(t *testing.T) {
	q := NewQueue[string](4)
	q.Push("a")
	q.Push("b")
	assert.Equal(t, 2, q.Drain())
	assert.Zero(t, q.Len())
}

func TestPCM16RoundTrip(t *testing.T) {
	c := NewPCM16Codec(domain.DefaultAudioTrack())
	pcm := make([]int16, 960)
	pcm[0] = -32768
	pcm[1] = 32767
	pcm[959] = -1

	payload, err := c.Encode(pcm)
	require.NoError(t, err)
	assert.Len(t, payload, 1920)
	assert.Equal(t, []byte{0x00, 0x80, 0xff, 0x7f}, payload[:4])

	out, err := c.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, pcm, out)
}

func TestPCM16RejectsBadPayloads(t *testing.T) {
	c := NewPCM16Codec(domain.DefaultAudioTrack())
	_, err := c.Decode([]byte{1, 2, 3})
	assert.Error(t, err)
	_, err = c.Decode(make([]byte, 10))
	assert.Error(t, err)
}

func TestNewCodecUnknown(t *testing.T) {
	track := domain.DefaultAudioTrack()
	track.Codec = "opus"
	_, err := NewCodec(track)
	assert.Error(t, err)
}

func TestSyntheticDeviceRunsCallbacks(t *testing.T) {
	f := NewSyntheticFactory()
	f.Interval = 2 * time.Millisecond
	dev, err := f.NewDevice(48000, 1, 960)
	require.NoError(t, err)

	var captured atomic.Int64
	var nonZero atomic.Bool
	err = dev.Start(ports.AudioCallbacks{
		OnCapture: func(pcm []int16) {
			captured.Add(1)
			if len(pcm) == 960 && !isSilent(pcm) {
				nonZero.Store(true)
			}
		},
		OnPlayback: func(out []int16) {
			out[0] = 1
		},
	})
	require.NoError(t, err)
	assert.Error(t, dev.Start(ports.AudioCallbacks{}))

	assert.Eventually(t, func() bool { return captured.Load() >= 5 }, time.Second, time.Millisecond)
	require.NoError(t, dev.Stop())
	require.NoError(t, dev.Stop())

	assert.True(t, nonZero.Load())
	sd := f.Devices()[0]
	assert.Positive(t, sd.PlayedFrames())
	assert.Equal(t, sd.PlayedFrames(), sd.NonSilentFrames())
}
