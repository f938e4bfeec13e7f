package ports

import (
	"context"

	"pikacall/internal/core/domain"
)

// CallService is the action surface and observer interface of the call state machine.
type CallService interface {
	StartCall(ctx context.Context, group domain.GroupID, peer domain.Identity) (domain.CallState, error)
	AcceptCall(ctx context.Context, callID domain.CallID) (domain.CallState, error)
	RejectCall(ctx context.Context, callID domain.CallID) (domain.CallState, error)
	EndCall(ctx context.Context, callID domain.CallID) (domain.CallState, error)
	ToggleMute(ctx context.Context, callID domain.CallID) (domain.CallState, error)

	State() domain.CallState
	Subscribe(buffer int) (<-chan domain.CallState, func())

	InboundHandler
	Close() error
}

// CallMetrics receives call and media counters. Implementations must not block.
type CallMetrics interface {
	RecordTransition(status domain.CallStatus)
	RecordCallEnded(reason string)
	RecordSignal(direction, messageType string)
	RecordSignalDropped(reason string)
	RecordFramesSent(n int)
	RecordFramesReceived(n int)
	RecordFramesDropped(reason string, n int)
	RecordReconnectAttempt()
	RecordReconnect()
	SetJitterBufferMs(ms float64)
}
