package websocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"

	"pikacall/internal/core/domain"
	"pikacall/pkg/optimize"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// Control operations carried in JSON text messages.
const (
	OpAnnounce    = "announce"
	OpUnannounce  = "unannounce"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpAck         = "ack"
	OpError       = "error"
)

type ControlMessage struct {
	Op    string `json:"op"`
	ID    uint64 `json:"id,omitempty"`
	Track string `json:"track,omitempty"`
	Error string `json:"error,omitempty"`
	// Code is set on errors: "unauthorized", "invalid_track", "not_publisher", "rate_limited".
	Code string `json:"code,omitempty"`
}

// Binary message kinds.
const (
	KindRTP  byte = 0x01
	KindRTCP byte = 0x02
)

const (
	PayloadType = 111

	extSeq       = 1
	extTimestamp = 2

	wireHeaderSize = 3
	maxKeyLen      = 1<<16 - 1
)

var ErrShortMessage = errors.New("media message too short")

var framePool = optimize.NewBytePool(4096)

// SSRC is the stable synchronization source for a track key.
func SSRC(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

func putPrefix(buf []byte, kind byte, key string) int {
	buf[0] = kind
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(key)))
	return wireHeaderSize + copy(buf[wireHeaderSize:], key)
}

// ParsePrefix splits a binary message into kind, track key and body.
func ParsePrefix(msg []byte) (kind byte, key string, body []byte, err error) {
	if len(msg) < wireHeaderSize {
		return 0, "", nil, ErrShortMessage
	}
	n := int(binary.BigEndian.Uint16(msg[1:3]))
	if len(msg) < wireHeaderSize+n {
		return 0, "", nil, ErrShortMessage
	}
	return msg[0], string(msg[wireHeaderSize : wireHeaderSize+n]), msg[wireHeaderSize+n:], nil
}

func rtpPacket(key string, frame domain.MediaFrame) (*rtp.Packet, error) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         frame.Keyframe,
			PayloadType:    PayloadType,
			SequenceNumber: uint16(frame.Seq),
			Timestamp:      uint32(frame.TimestampUs),
			SSRC:           SSRC(key),
		},
		Payload: frame.Payload,
	}
	var seq, ts [8]byte
	binary.BigEndian.PutUint64(seq[:], frame.Seq)
	binary.BigEndian.PutUint64(ts[:], frame.TimestampUs)
	if err := pkt.Header.SetExtension(extSeq, seq[:]); err != nil {
		return nil, err
	}
	if err := pkt.Header.SetExtension(extTimestamp, ts[:]); err != nil {
		return nil, err
	}
	return pkt, nil
}

// EncodeFrame builds the binary message for one media frame. The returned
// release func hands the buffer back to the pool once it has been written.
func EncodeFrame(key string, frame domain.MediaFrame) ([]byte, func(), error) {
	if len(key) > maxKeyLen {
		return nil, nil, fmt.Errorf("track key too long: %d", len(key))
	}
	pkt, err := rtpPacket(key, frame)
	if err != nil {
		return nil, nil, err
	}
	size := wireHeaderSize + len(key) + pkt.MarshalSize()

	buf, release := framePool.Get(size)

	off := putPrefix(buf, KindRTP, key)
	if _, err := pkt.MarshalTo(buf[off:]); err != nil {
		release()
		return nil, nil, err
	}
	return buf, release, nil
}

// DecodeFrame parses the RTP body of a media message.
func DecodeFrame(body []byte) (domain.MediaFrame, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(body); err != nil {
		return domain.MediaFrame{}, err
	}
	frame := domain.MediaFrame{
		Seq:         uint64(pkt.SequenceNumber),
		TimestampUs: uint64(pkt.Timestamp),
		Keyframe:    pkt.Marker,
		Payload:     append([]byte(nil), pkt.Payload...),
	}
	if ext := pkt.GetExtension(extSeq); len(ext) == 8 {
		frame.Seq = binary.BigEndian.Uint64(ext)
	}
	if ext := pkt.GetExtension(extTimestamp); len(ext) == 8 {
		frame.TimestampUs = binary.BigEndian.Uint64(ext)
	}
	return frame, nil
}

// EncodeGoodbye announces that a publisher left a track.
func EncodeGoodbye(key, reason string) ([]byte, error) {
	body, err := rtcp.Marshal([]rtcp.Packet{&rtcp.Goodbye{
		Sources: []uint32{SSRC(key)},
		Reason:  reason,
	}})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, wireHeaderSize+len(key)+len(body))
	off := putPrefix(buf, KindRTCP, key)
	copy(buf[off:], body)
	return buf, nil
}

// DecodeGoodbye returns the reason of the first goodbye in an RTCP body.
func DecodeGoodbye(body []byte) (string, bool) {
	pkts, err := rtcp.Unmarshal(body)
	if err != nil {
		return "", false
	}
	for _, p := range pkts {
		if bye, ok := p.(*rtcp.Goodbye); ok {
			return bye.Reason, true
		}
	}
	return "", false
}
