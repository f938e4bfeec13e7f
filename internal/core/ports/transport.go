package ports

import (
	"context"

	"pikacall/internal/core/domain"
)

// Transport opens connections to a pub/sub media relay.
type Transport interface {
	Connect(ctx context.Context, url, authToken string) (TransportConn, error)
}

type TransportConn interface {
	Publish(ctx context.Context, addr domain.TrackAddress) (FrameSink, error)
	Subscribe(ctx context.Context, addr domain.TrackAddress) (FrameStream, error)
	// Done is closed when the connection is lost or closed.
	Done() <-chan struct{}
	Err() error
	Close() error
}

type FrameSink interface {
	WriteFrame(ctx context.Context, frame domain.MediaFrame) error
	Close() error
}

type FrameStream interface {
	// Frames is closed when the subscription ends.
	Frames() <-chan domain.ReceivedFrame
	Close() error
}
