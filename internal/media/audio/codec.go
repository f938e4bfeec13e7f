package audio

import (
	"encoding/binary"
	"fmt"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"
)

// PCM16Codec carries raw little-endian signed 16-bit samples. It is the
// baseline codec every peer supports.
type PCM16Codec struct {
	// SamplesPerFrame, when set, makes Decode reject payloads of another size.
	SamplesPerFrame int
}

var _ ports.FrameCodec = (*PCM16Codec)(nil)

func NewPCM16Codec(track domain.TrackDescriptor) *PCM16Codec {
	return &PCM16Codec{SamplesPerFrame: track.SamplesPerFrame() * int(track.Channels)}
}

func (c *PCM16Codec) Name() string { return domain.CodecPCM16 }

func (c *PCM16Codec) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, 2*len(pcm))
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out, nil
}

func (c *PCM16Codec) Decode(payload []byte) ([]int16, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("pcm16 payload has odd length %d", len(payload))
	}
	n := len(payload) / 2
	if c.SamplesPerFrame > 0 && n != c.SamplesPerFrame {
		return nil, fmt.Errorf("pcm16 payload has %d samples, want %d", n, c.SamplesPerFrame)
	}
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(payload[2*i:]))
	}
	return pcm, nil
}

// NewCodec resolves a negotiated codec name.
func NewCodec(track domain.TrackDescriptor) (ports.FrameCodec, error) {
	switch track.Codec {
	case domain.CodecPCM16:
		return NewPCM16Codec(track), nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", track.Codec)
	}
}
