package framecrypto

import (
	"fmt"
	"sync"
	"time"

	"pikacall/internal/core/domain"
)

const DefaultRolloverGrace = 5 * time.Second

type Options struct {
	// RolloverGrace is how long the previous generation stays valid for
	// receiving after a rollover.
	RolloverGrace time.Duration
	Now           func() time.Time
}

// Opened is a successfully authenticated frame.
type Opened struct {
	Seq        uint64
	Keyframe   bool
	Generation uint8
	Epoch      uint64
	Payload    []byte
}

// Context holds the current and previous key generation for one
// sender/track stream. A sending context only seals, a receiving context
// only opens.
type Context struct {
	mu sync.Mutex

	deriver SecretDeriver
	binding Binding
	keyID   [KeyIDSize]byte
	aadTail []byte

	current       *KeyGeneration
	previous      *KeyGeneration
	previousUntil time.Time
	frameIndex    uint32

	replay ReplayWindow

	grace time.Duration
	now   func() time.Time
}

func NewContext(d SecretDeriver, b Binding, epoch uint64, opts Options) (*Context, error) {
	if opts.RolloverGrace <= 0 {
		opts.RolloverGrace = DefaultRolloverGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Context{
		deriver: d,
		binding: b,
		keyID:   KeyID(b.Sender),
		aadTail: LengthPrefixed([]byte(b.Group), []byte(b.Track)),
		grace:   opts.RolloverGrace,
		now:     opts.Now,
	}
	gen, err := c.derive(GenerationFor(epoch), epoch)
	if err != nil {
		return nil, err
	}
	c.current = gen
	return c, nil
}

// GenerationFor maps an epoch to its generation index. Both ends compute it
// from the epoch alone, so contexts created at different epochs agree.
func GenerationFor(epoch uint64) uint8 {
	return uint8(epoch)
}

func (c *Context) derive(index uint8, epoch uint64) (*KeyGeneration, error) {
	base, err := BaseSecret(c.deriver, c.binding, epoch)
	if err != nil {
		return nil, err
	}
	return newGeneration(base, index, epoch, c.keyID)
}

// Rollover derives the generation for a newer epoch. The current
// generation becomes the previous one and is accepted for the grace window.
// Epochs at or below the current one are ignored.
func (c *Context) Rollover(epoch uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if epoch <= c.current.Epoch {
		return nil
	}
	next, err := c.derive(GenerationFor(epoch), epoch)
	if err != nil {
		return err
	}
	c.previous = c.current
	c.previousUntil = c.now().Add(c.grace)
	c.current = next
	c.frameIndex = 0
	return nil
}

func (c *Context) Generation() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Index
}

func (c *Context) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Epoch
}

func (c *Context) Binding() Binding {
	return c.binding
}

func (c *Context) aad(hdr []byte) []byte {
	out := make([]byte, 0, len(hdr)+len(c.aadTail))
	out = append(out, hdr...)
	return append(out, c.aadTail...)
}

// Seal encrypts one frame under the current generation.
func (c *Context) Seal(seq uint64, keyframe bool, plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frameIndex > maxFrameIndex {
		return nil, &domain.CryptoError{Op: "seal", Err: domain.ErrCounterExhausted}
	}
	gen := c.current
	counter := counterFor(gen.Index, c.frameIndex)
	c.frameIndex++

	h := header{
		version:    FrameVersion,
		keyID:      c.keyID,
		generation: gen.Index,
		epoch:      gen.Epoch,
		counter:    counter,
		seq:        seq,
	}
	if keyframe {
		h.flags |= flagKeyframe
	}

	out := make([]byte, HeaderSize, HeaderSize+len(plaintext)+TagSize)
	h.put(out)
	return gen.aead.Seal(out, gen.nonce(counter), plaintext, c.aad(out[:HeaderSize])), nil
}

func (g *KeyGeneration) matches(index uint8, epoch uint64) bool {
	return g != nil && g.Index == index && g.Epoch == epoch
}

func (c *Context) lookup(index uint8, epoch uint64) *KeyGeneration {
	if c.current.matches(index, epoch) {
		return c.current
	}
	if c.previous.matches(index, epoch) && c.now().Before(c.previousUntil) {
		return c.previous
	}
	return nil
}

// Open authenticates and decrypts one frame. Errors are *domain.CryptoError.
func (c *Context) Open(frame []byte) (Opened, error) {
	if len(frame) < HeaderSize+TagSize {
		return Opened{}, &domain.CryptoError{Op: "open", Err: domain.ErrPayloadTooShort}
	}
	h := parseHeader(frame[:HeaderSize])
	if h.version != FrameVersion {
		return Opened{}, &domain.CryptoError{Op: "open", Err: fmt.Errorf("%w: %d", domain.ErrUnsupportedFrame, h.version)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if h.keyID != c.keyID {
		return Opened{}, &domain.CryptoError{Op: "open", Err: domain.ErrKeyIDMismatch}
	}
	if h.generation != GenerationFor(h.epoch) {
		return Opened{}, &domain.CryptoError{Op: "open", Err: domain.ErrEpochMismatch}
	}
	gen := c.lookup(h.generation, h.epoch)
	if gen == nil {
		return Opened{}, &domain.CryptoError{Op: "open", Err: fmt.Errorf("%w: %d", domain.ErrUnknownGeneration, h.generation)}
	}
	if counterGeneration(h.counter) != h.generation {
		return Opened{}, &domain.CryptoError{Op: "open", Err: domain.ErrGenerationMismatch}
	}
	if !c.replay.Fresh(h.seq) {
		return Opened{}, &domain.CryptoError{Op: "open", Err: domain.ErrReplayedFrame}
	}

	plaintext, err := gen.aead.Open(nil, gen.nonce(h.counter), frame[HeaderSize:], c.aad(frame[:HeaderSize]))
	if err != nil {
		return Opened{}, &domain.CryptoError{Op: "open", Err: domain.ErrDecryptFailed}
	}
	c.replay.Mark(h.seq)

	return Opened{
		Seq:        h.seq,
		Keyframe:   h.keyframe(),
		Generation: h.generation,
		Epoch:      h.epoch,
		Payload:    plaintext,
	}, nil
}
