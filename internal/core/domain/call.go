package domain

import (
	"time"
)

type CallID string
type GroupID string

// Identity is a participant's public identity, lowercase hex.
type Identity string

type CallStatus string

const (
	StatusIdle       CallStatus = "idle"
	StatusOffering   CallStatus = "offering"
	StatusRinging    CallStatus = "ringing"
	StatusConnecting CallStatus = "connecting"
	StatusActive     CallStatus = "active"
	StatusEnded      CallStatus = "ended"
)

// End reasons produced locally. Reasons received from the peer are kept verbatim.
const (
	ReasonDeclined         = "declined"
	ReasonUserHangup       = "user_hangup"
	ReasonBusy             = "busy"
	ReasonAuthFailed       = "auth_failed"
	ReasonTimeout          = "timeout"
	ReasonPublishFailed    = "publish_failed"
	ReasonRuntimeError     = "runtime_error"
	ReasonTransportFailure = "transport_failure"
)

var transitions = map[CallStatus][]CallStatus{
	StatusIdle:       {StatusOffering, StatusRinging},
	StatusOffering:   {StatusConnecting, StatusEnded},
	StatusRinging:    {StatusConnecting, StatusEnded},
	StatusConnecting: {StatusActive, StatusEnded},
	StatusActive:     {StatusEnded},
}

// CanTransition reports whether to is reachable from s in one step.
func (s CallStatus) CanTransition(to CallStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s CallStatus) IsLive() bool {
	switch s {
	case StatusOffering, StatusRinging, StatusConnecting, StatusActive:
		return true
	}
	return false
}

// CanMute reports whether the mute toggle applies in this status.
func (s CallStatus) CanMute() bool {
	return s.IsLive()
}

type CallDirection string

const (
	DirectionOutgoing CallDirection = "outgoing"
	DirectionIncoming CallDirection = "incoming"
)

type CallSession struct {
	ID        CallID
	Group     GroupID
	Peer      Identity
	Direction CallDirection
	Status    CallStatus
	EndReason string
	StartedAt time.Time
	IsMuted   bool
	Local     BroadcastDescriptor
	Remote    *BroadcastDescriptor
	RelayAuth string
}

type CallDebugStats struct {
	TxFrames          uint64 `json:"tx_frames"`
	RxFrames          uint64 `json:"rx_frames"`
	RxDropped         uint64 `json:"rx_dropped"`
	ReconnectAttempts uint64 `json:"reconnect_attempts"`
	ReconnectCount    uint64 `json:"reconnect_count"`
	JitterBufferMs    uint32 `json:"jitter_buffer_ms"`
}

// CallState is the read-only projection handed to observers.
type CallState struct {
	CallID    CallID         `json:"call_id,omitempty"`
	Peer      Identity       `json:"peer,omitempty"`
	Group     GroupID        `json:"group,omitempty"`
	Direction CallDirection  `json:"direction,omitempty"`
	Status    CallStatus     `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	IsMuted   bool           `json:"is_muted"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	Debug     CallDebugStats `json:"debug"`
}

func IdleState() CallState {
	return CallState{Status: StatusIdle}
}

func (s *CallSession) State(debug CallDebugStats) CallState {
	started := s.StartedAt
	return CallState{
		CallID:    s.ID,
		Peer:      s.Peer,
		Group:     s.Group,
		Direction: s.Direction,
		Status:    s.Status,
		Reason:    s.EndReason,
		IsMuted:   s.IsMuted,
		StartedAt: &started,
		Debug:     debug,
	}
}

type CallRecord struct {
	CallID    CallID         `json:"call_id"`
	Group     GroupID        `json:"group"`
	Peer      Identity       `json:"peer"`
	Direction CallDirection  `json:"direction"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Reason    string         `json:"reason"`
	Stats     CallDebugStats `json:"stats"`
}
