package domain

import (
	"errors"
	"fmt"
)

// Signaling errors. All are non-fatal: the envelope is dropped.
var (
	ErrMalformedEnvelope  = errors.New("malformed signaling envelope")
	ErrUnsupportedVersion = errors.New("unsupported signaling version")
	ErrUnknownMessageType = errors.New("unknown signaling message type")
	ErrForeignNamespace   = errors.New("envelope is not a call signal")
	ErrUnknownCall        = errors.New("unknown call id")
	ErrStaleSignal        = errors.New("stale or duplicate signal")
	ErrSignalRateLimited  = errors.New("signaling rate limit exceeded")
)

// Transport errors. Retried by the reconnect supervisor, then fatal.
var (
	ErrNotConnected       = errors.New("media session not connected")
	ErrConnectFailed      = errors.New("transport connect failed")
	ErrSubscribeTimeout   = errors.New("subscribe timed out")
	ErrDisconnected       = errors.New("transport disconnected")
	ErrUnauthorized       = errors.New("relay rejected auth token")
	ErrInvalidTrack       = errors.New("invalid track address")
	ErrSessionClosed      = errors.New("media session closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Crypto errors. The frame is dropped and counted.
var (
	ErrPayloadTooShort    = errors.New("frame shorter than header")
	ErrUnsupportedFrame   = errors.New("unsupported frame version")
	ErrKeyIDMismatch      = errors.New("frame key id does not match sender")
	ErrEpochMismatch      = errors.New("frame epoch does not match generation")
	ErrGenerationMismatch = errors.New("frame counter does not encode its generation")
	ErrUnknownGeneration  = errors.New("unrecognized key generation")
	ErrDecryptFailed      = errors.New("frame authentication failed")
	ErrCounterExhausted   = errors.New("frame counter exhausted for generation")
	ErrReplayedFrame      = errors.New("replayed frame")
	ErrKeyDerivation      = errors.New("key derivation failed")
)

// State errors. The action is ignored and the session is unchanged.
var (
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrCallInProgress    = errors.New("a call is already in progress")
	ErrNoSuchCall        = errors.New("no such call")
	ErrServiceClosed     = errors.New("call service closed")
)

var ErrCallRecordNotFound = errors.New("call record not found")

type SignalingErrorKind string

const (
	SignalingMalformed   SignalingErrorKind = "malformed"
	SignalingIgnored     SignalingErrorKind = "ignored"
	SignalingUnknownCall SignalingErrorKind = "unknown_call"
	SignalingStale       SignalingErrorKind = "stale"
)

type SignalingError struct {
	Kind   SignalingErrorKind
	CallID CallID
	Err    error
}

func (e *SignalingError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("signaling %s (call %s): %v", e.Kind, e.CallID, e.Err)
	}
	return fmt.Sprintf("signaling %s: %v", e.Kind, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

func NewMalformed(format string, args ...interface{}) *SignalingError {
	return &SignalingError{
		Kind: SignalingMalformed,
		Err:  fmt.Errorf("%w: %s", ErrMalformedEnvelope, fmt.Sprintf(format, args...)),
	}
}

type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("frame crypto %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

type StateError struct {
	CallID CallID
	Status CallStatus
	Action string
	Err    error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s call %s in status %s: %v", e.Action, e.CallID, e.Status, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

func IsSignalingError(err error) bool {
	var se *SignalingError
	return errors.As(err, &se)
}

func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsCryptoError(err error) bool {
	var ce *CryptoError
	return errors.As(err, &ce)
}

func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
