package framecrypto

import (
	"encoding/binary"
)

const (
	FrameVersion = 1
	HeaderSize   = 1 + KeyIDSize + 1 + 8 + 4 + 8 + 1
	TagSize      = 16

	flagKeyframe = 0x01

	generationShift = 24
	maxFrameIndex   = 1<<generationShift - 1
)

// header layout: version | key_id | generation | epoch | counter | seq | flags
type header struct {
	version    uint8
	keyID      [KeyIDSize]byte
	generation uint8
	epoch      uint64
	counter    uint32
	seq        uint64
	flags      uint8
}

func (h header) put(b []byte) {
	b[0] = h.version
	copy(b[1:9], h.keyID[:])
	b[9] = h.generation
	binary.BigEndian.PutUint64(b[10:18], h.epoch)
	binary.BigEndian.PutUint32(b[18:22], h.counter)
	binary.BigEndian.PutUint64(b[22:30], h.seq)
	b[30] = h.flags
}

func parseHeader(b []byte) header {
	var h header
	h.version = b[0]
	copy(h.keyID[:], b[1:9])
	h.generation = b[9]
	h.epoch = binary.BigEndian.Uint64(b[10:18])
	h.counter = binary.BigEndian.Uint32(b[18:22])
	h.seq = binary.BigEndian.Uint64(b[22:30])
	h.flags = b[30]
	return h
}

func (h header) keyframe() bool {
	return h.flags&flagKeyframe != 0
}

// counterFor packs the generation index into the counter's top byte.
func counterFor(generation uint8, frameIndex uint32) uint32 {
	return uint32(generation)<<generationShift | frameIndex&maxFrameIndex
}

func counterGeneration(counter uint32) uint8 {
	return uint8(counter >> generationShift)
}
