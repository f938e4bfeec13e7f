// Package framecrypto implements per-frame AEAD for call media.
//
// Keys are never taken from the messaging layer directly. A base secret is
// obtained from the messaging layer's exporter for (call, sender, track,
// epoch), and each key generation expands it with HKDF-SHA256 into an
// AES-128-GCM key and a nonce salt. Every frame carries a fixed header that
// names its generation and is bound into the associated data together with
// the group and track, so a frame cannot be moved to another call, track or
// epoch without failing authentication.
package framecrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"pikacall/internal/core/domain"

	"golang.org/x/crypto/hkdf"
)

const (
	BaseSecretLabel = "pika.call.media.base.v1"
	keyIDLabel      = "pika.call.media.keyid.v1"

	BaseSecretSize = 32
	KeySize        = 16
	SaltSize       = 12
	KeyIDSize      = 8
)

// SecretDeriver is the messaging layer's exporter, already scoped to a group.
type SecretDeriver interface {
	DeriveExporterSecret(label string, context []byte, length int) ([]byte, error)
}

type DeriverFunc func(label string, context []byte, length int) ([]byte, error)

func (f DeriverFunc) DeriveExporterSecret(label string, context []byte, length int) ([]byte, error) {
	return f(label, context, length)
}

// Binding names the stream a context protects.
type Binding struct {
	CallID domain.CallID
	Group  domain.GroupID
	Sender domain.Identity
	Track  string
}

// LengthPrefixed concatenates parts, each preceded by its big-endian uint16 length.
func LengthPrefixed(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += 2 + len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = binary.BigEndian.AppendUint16(out, uint16(len(p)))
		out = append(out, p...)
	}
	return out
}

// KeyID identifies a sender without revealing the identity on the wire.
func KeyID(sender domain.Identity) [KeyIDSize]byte {
	h := sha256.New()
	h.Write([]byte(keyIDLabel))
	h.Write([]byte(sender))
	var id [KeyIDSize]byte
	copy(id[:], h.Sum(nil))
	return id
}

// BaseSecret derives the per call/sender/track/epoch secret from the exporter.
func BaseSecret(d SecretDeriver, b Binding, epoch uint64) ([]byte, error) {
	epochBytes := binary.BigEndian.AppendUint64(nil, epoch)
	context := LengthPrefixed([]byte(b.CallID), []byte(b.Sender), []byte(b.Track), epochBytes)
	secret, err := d.DeriveExporterSecret(BaseSecretLabel, context, BaseSecretSize)
	if err != nil {
		return nil, &domain.CryptoError{Op: "derive", Err: fmt.Errorf("%w: %v", domain.ErrKeyDerivation, err)}
	}
	if len(secret) != BaseSecretSize {
		return nil, &domain.CryptoError{Op: "derive", Err: fmt.Errorf("%w: exporter returned %d bytes", domain.ErrKeyDerivation, len(secret))}
	}
	return secret, nil
}

// KeyGeneration is one epoch-scoped key version.
type KeyGeneration struct {
	Index uint8
	Epoch uint64

	aead      cipher.AEAD
	nonceSalt [SaltSize]byte
}

func expand(base []byte, tag byte, index uint8, keyID [KeyIDSize]byte, length int) ([]byte, error) {
	info := make([]byte, 0, 2+KeyIDSize)
	info = append(info, tag, index)
	info = append(info, keyID[:]...)
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, base, nil, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

func newGeneration(base []byte, index uint8, epoch uint64, keyID [KeyIDSize]byte) (*KeyGeneration, error) {
	key, err := expand(base, 'k', index, keyID, KeySize)
	if err != nil {
		return nil, &domain.CryptoError{Op: "derive", Err: fmt.Errorf("%w: key: %v", domain.ErrKeyDerivation, err)}
	}
	salt, err := expand(base, 'n', index, keyID, SaltSize)
	if err != nil {
		return nil, &domain.CryptoError{Op: "derive", Err: fmt.Errorf("%w: salt: %v", domain.ErrKeyDerivation, err)}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &domain.CryptoError{Op: "derive", Err: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &domain.CryptoError{Op: "derive", Err: err}
	}
	g := &KeyGeneration{Index: index, Epoch: epoch, aead: aead}
	copy(g.nonceSalt[:], salt)
	return g, nil
}

func (g *KeyGeneration) nonce(counter uint32) []byte {
	n := make([]byte, SaltSize)
	copy(n, g.nonceSalt[:])
	var c [4]byte
	binary.BigEndian.PutUint32(c[:], counter)
	for i := 0; i < 4; i++ {
		n[8+i] ^= c[i]
	}
	return n
}
