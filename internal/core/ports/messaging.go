package ports

import (
	"context"

	"pikacall/internal/core/domain"
)

type MessageID string

// GroupMessenger is the secure group-messaging layer as seen by calls.
type GroupMessenger interface {
	LocalIdentity() domain.Identity
	Send(ctx context.Context, group domain.GroupID, payload []byte) (MessageID, error)
	DeriveExporterSecret(group domain.GroupID, label string, context []byte, length int) ([]byte, error)
	CurrentEpoch(group domain.GroupID) (uint64, error)
}

// InboundHandler receives messaging-layer callbacks. Sender identity is the
// authenticated sender reported by the messaging layer.
type InboundHandler interface {
	HandleSignal(ctx context.Context, group domain.GroupID, sender domain.Identity, payload []byte)
	HandleEpochChange(ctx context.Context, group domain.GroupID, epoch uint64)
}
