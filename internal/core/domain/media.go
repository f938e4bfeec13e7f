package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultBroadcastPrefix = "pika/calls"

	AudioTrackName = "audio0"
	CodecPCM16     = "pcm16"
)

type TrackDescriptor struct {
	Name       string `json:"name"`
	Codec      string `json:"codec"`
	SampleRate uint32 `json:"sample_rate"`
	Channels   uint8  `json:"channels"`
	FrameMs    uint16 `json:"frame_ms"`
}

// SamplesPerFrame is the per-channel PCM frame size implied by the descriptor.
func (t TrackDescriptor) SamplesPerFrame() int {
	return int(t.SampleRate) * int(t.FrameMs) / 1000
}

func (t TrackDescriptor) FrameDuration() time.Duration {
	return time.Duration(t.FrameMs) * time.Millisecond
}

func (t TrackDescriptor) IsAudio() bool {
	return t.Channels > 0
}

func DefaultAudioTrack() TrackDescriptor {
	return TrackDescriptor{
		Name:       AudioTrackName,
		Codec:      CodecPCM16,
		SampleRate: 48000,
		Channels:   1,
		FrameMs:    20,
	}
}

type BroadcastDescriptor struct {
	TransportURL  string            `json:"moq_url"`
	BroadcastBase string            `json:"broadcast_base"`
	Tracks        []TrackDescriptor `json:"tracks"`
}

// AudioTrack returns the first audio track, if any.
func (b BroadcastDescriptor) AudioTrack() (TrackDescriptor, bool) {
	for _, t := range b.Tracks {
		if t.IsAudio() {
			return t, true
		}
	}
	return TrackDescriptor{}, false
}

// BroadcastPath is the per-participant path under the call's broadcast base.
func BroadcastPath(base string, participant Identity) string {
	return base + "/" + string(participant)
}

func DefaultBroadcastBase(prefix string, callID CallID) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultBroadcastPrefix
	}
	return prefix + "/" + string(callID)
}

func ValidateBroadcastBase(base string) error {
	if strings.TrimSpace(base) == "" {
		return fmt.Errorf("broadcast base must not be empty")
	}
	if strings.HasPrefix(base, "/") || strings.HasSuffix(base, "/") {
		return fmt.Errorf("broadcast base must not start or end with '/'")
	}
	return nil
}

type TrackAddress struct {
	BroadcastPath string
	Track         string
}

func NewTrackAddress(base string, participant Identity, track string) TrackAddress {
	return TrackAddress{BroadcastPath: BroadcastPath(base, participant), Track: track}
}

// Key is the relay-facing name of the track.
func (a TrackAddress) Key() string {
	return a.BroadcastPath + "/" + a.Track
}

func (a TrackAddress) String() string {
	return a.Key()
}

// BroadcastBase strips the participant component from the broadcast path.
func (a TrackAddress) BroadcastBase() string {
	if i := strings.LastIndex(a.BroadcastPath, "/"); i > 0 {
		return a.BroadcastPath[:i]
	}
	return a.BroadcastPath
}

// ParseTrackKey splits a relay track key back into its address.
func ParseTrackKey(key string) (TrackAddress, error) {
	i := strings.LastIndex(key, "/")
	if i <= 0 || i == len(key)-1 {
		return TrackAddress{}, fmt.Errorf("invalid track key %q", key)
	}
	return TrackAddress{BroadcastPath: key[:i], Track: key[i+1:]}, nil
}

type MediaFrame struct {
	Seq         uint64
	TimestampUs uint64
	Keyframe    bool
	Payload     []byte
}

// ReceivedFrame is a MediaFrame tagged with its arrival order on a subscription.
type ReceivedFrame struct {
	MediaFrame
	Arrival   uint64
	ArrivedAt time.Time
}
