// Package signaling encodes and parses the call-control envelopes carried as
// opaque payloads over the group-messaging layer.
package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"pikacall/internal/core/domain"
	"pikacall/pkg/validation"
)

const (
	Namespace       = "pika.call"
	ProtocolVersion = 1
)

type MessageType string

const (
	TypeInvite MessageType = "call.invite"
	TypeAccept MessageType = "call.accept"
	TypeReject MessageType = "call.reject"
	TypeEnd    MessageType = "call.end"
)

func (t MessageType) known() bool {
	switch t {
	case TypeInvite, TypeAccept, TypeReject, TypeEnd:
		return true
	}
	return false
}

func (t MessageType) carriesSession() bool {
	return t == TypeInvite || t == TypeAccept
}

// SessionBody is the body of invite and accept envelopes.
type SessionBody struct {
	MoqURL        string                   `json:"moq_url"`
	BroadcastBase string                   `json:"broadcast_base"`
	Tracks        []domain.TrackDescriptor `json:"tracks"`
	RelayAuth     string                   `json:"relay_auth,omitempty"`
}

func NewSessionBody(desc domain.BroadcastDescriptor, relayAuth string) SessionBody {
	tracks := make([]domain.TrackDescriptor, len(desc.Tracks))
	copy(tracks, desc.Tracks)
	return SessionBody{
		MoqURL:        desc.TransportURL,
		BroadcastBase: desc.BroadcastBase,
		Tracks:        tracks,
		RelayAuth:     relayAuth,
	}
}

func (b SessionBody) Descriptor() domain.BroadcastDescriptor {
	tracks := make([]domain.TrackDescriptor, len(b.Tracks))
	copy(tracks, b.Tracks)
	return domain.BroadcastDescriptor{
		TransportURL:  b.MoqURL,
		BroadcastBase: b.BroadcastBase,
		Tracks:        tracks,
	}
}

// ReasonBody is the body of reject and end envelopes.
type ReasonBody struct {
	Reason string `json:"reason"`
}

// Envelope is the wire shape of a call signal.
type Envelope struct {
	Version   int             `json:"v"`
	Namespace string          `json:"ns"`
	Type      MessageType     `json:"type"`
	CallID    domain.CallID   `json:"call_id"`
	SentAtMs  int64           `json:"ts_ms"`
	Body      json.RawMessage `json:"body"`
}

// Signal is a parsed, validated envelope. Exactly one of Session or Reason is
// meaningful, depending on Type.
type Signal struct {
	Type     MessageType
	CallID   domain.CallID
	SentAt   time.Time
	Session  SessionBody
	Reason   string
	Envelope Envelope
}

type wireEnvelope struct {
	Version   *int            `json:"v"`
	Namespace *string         `json:"ns"`
	Type      *string         `json:"type"`
	CallID    *string         `json:"call_id"`
	SentAtMs  *int64          `json:"ts_ms"`
	Body      json.RawMessage `json:"body"`
}

// Parse decodes an opaque messaging payload. It fails closed: foreign
// namespaces, newer versions and unknown types come back as
// SignalingError{Kind: ignored}; anything structurally wrong is
// SignalingError{Kind: malformed}.
func Parse(data []byte) (Signal, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Signal{}, domain.NewMalformed("invalid json: %v", err)
	}

	if w.Namespace == nil || *w.Namespace != Namespace {
		return Signal{}, &domain.SignalingError{Kind: domain.SignalingIgnored, Err: domain.ErrForeignNamespace}
	}
	if w.Version == nil {
		return Signal{}, domain.NewMalformed("missing v")
	}
	if *w.Version > ProtocolVersion {
		return Signal{}, &domain.SignalingError{
			Kind: domain.SignalingIgnored,
			Err:  fmt.Errorf("%w: %d", domain.ErrUnsupportedVersion, *w.Version),
		}
	}
	if *w.Version < 1 {
		return Signal{}, domain.NewMalformed("invalid v %d", *w.Version)
	}
	if w.Type == nil || *w.Type == "" {
		return Signal{}, domain.NewMalformed("missing type")
	}
	msgType := MessageType(*w.Type)
	if !msgType.known() {
		return Signal{}, &domain.SignalingError{
			Kind: domain.SignalingIgnored,
			Err:  fmt.Errorf("%w: %s", domain.ErrUnknownMessageType, msgType),
		}
	}
	if w.CallID == nil {
		return Signal{}, domain.NewMalformed("missing call_id")
	}
	if err := validation.ValidateCallID(*w.CallID); err != nil {
		return Signal{}, domain.NewMalformed("call_id: %v", err)
	}
	if len(w.Body) == 0 || string(w.Body) == "null" {
		return Signal{}, domain.NewMalformed("missing body")
	}

	sig := Signal{
		Type:   msgType,
		CallID: domain.CallID(*w.CallID),
		Envelope: Envelope{
			Version:   *w.Version,
			Namespace: *w.Namespace,
			Type:      msgType,
			CallID:    domain.CallID(*w.CallID),
			Body:      append(json.RawMessage(nil), w.Body...),
		},
	}
	if w.SentAtMs != nil {
		sig.Envelope.SentAtMs = *w.SentAtMs
		sig.SentAt = time.UnixMilli(*w.SentAtMs)
	}

	if msgType.carriesSession() {
		var body SessionBody
		if err := json.Unmarshal(w.Body, &body); err != nil {
			return Signal{}, malformedFor(sig.CallID, "invalid %s body: %v", msgType, err)
		}
		if err := validateSessionBody(body); err != nil {
			return Signal{}, malformedFor(sig.CallID, "%s body: %v", msgType, err)
		}
		sig.Session = body
		return sig, nil
	}

	var body ReasonBody
	if err := json.Unmarshal(w.Body, &body); err != nil {
		return Signal{}, malformedFor(sig.CallID, "invalid %s body: %v", msgType, err)
	}
	if err := validation.ValidateNonEmptyString(body.Reason, "reason"); err != nil {
		return Signal{}, malformedFor(sig.CallID, "%s body: %v", msgType, err)
	}
	sig.Reason = body.Reason
	return sig, nil
}

func malformedFor(callID domain.CallID, format string, args ...interface{}) error {
	err := domain.NewMalformed(format, args...)
	err.CallID = callID
	return err
}

func validateSessionBody(b SessionBody) error {
	if err := validation.ValidateTransportURL(b.MoqURL); err != nil {
		return fmt.Errorf("moq_url: %w", err)
	}
	if err := domain.ValidateBroadcastBase(b.BroadcastBase); err != nil {
		return err
	}
	if len(b.Tracks) == 0 {
		return fmt.Errorf("tracks must not be empty")
	}
	seen := make(map[string]bool, len(b.Tracks))
	for i, t := range b.Tracks {
		if err := validation.ValidateTrackName(t.Name); err != nil {
			return fmt.Errorf("tracks[%d]: %w", i, err)
		}
		if seen[t.Name] {
			return fmt.Errorf("tracks[%d]: duplicate track %s", i, t.Name)
		}
		seen[t.Name] = true
		if t.Codec == "" {
			return fmt.Errorf("tracks[%d]: codec is required", i)
		}
		if t.SampleRate == 0 {
			return fmt.Errorf("tracks[%d]: sample_rate must be > 0", i)
		}
		if t.FrameMs == 0 {
			return fmt.Errorf("tracks[%d]: frame_ms must be > 0", i)
		}
	}
	return nil
}

func encode(msgType MessageType, callID domain.CallID, sentAt time.Time, body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s body: %w", msgType, err)
	}
	env := Envelope{
		Version:   ProtocolVersion,
		Namespace: Namespace,
		Type:      msgType,
		CallID:    callID,
		SentAtMs:  sentAt.UnixMilli(),
		Body:      raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

func EncodeInvite(callID domain.CallID, sentAt time.Time, body SessionBody) ([]byte, error) {
	return encode(TypeInvite, callID, sentAt, body)
}

func EncodeAccept(callID domain.CallID, sentAt time.Time, body SessionBody) ([]byte, error) {
	return encode(TypeAccept, callID, sentAt, body)
}

func EncodeReject(callID domain.CallID, sentAt time.Time, reason string) ([]byte, error) {
	return encode(TypeReject, callID, sentAt, ReasonBody{Reason: reason})
}

func EncodeEnd(callID domain.CallID, sentAt time.Time, reason string) ([]byte, error) {
	return encode(TypeEnd, callID, sentAt, ReasonBody{Reason: reason})
}
