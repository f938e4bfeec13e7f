package memory

import (
	"context"
	"strings"
	"testing"

	"pikacall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	token = "capv1_" + strings.Repeat("0f", 32)
	bob   = domain.Identity(strings.Repeat("b2", 32))
)

func TestSlowSubscriberDropsOldest(t *testing.T) {
	relay := NewRelay(nil)
	relay.SubscriberBuffer = 2
	ctx := context.Background()

	c, err := relay.Transport().Connect(ctx, "memory://", token)
	require.NoError(t, err)
	addr := domain.NewTrackAddress("pika/calls/c9", bob, "audio0")

	stream, err := c.Subscribe(ctx, addr)
	require.NoError(t, err)
	sink, err := c.Publish(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, 1, relay.Subscribers(addr.Key()))

	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, sink.WriteFrame(ctx, domain.MediaFrame{Seq: seq}))
	}
	first := <-stream.Frames()
	second := <-stream.Frames()
	assert.Equal(t, uint64(4), first.Seq)
	assert.Equal(t, uint64(5), second.Seq)
	assert.Equal(t, uint64(5), second.Arrival)
}

func TestDisconnectAllFailsConnections(t *testing.T) {
	relay := NewRelay(nil)
	ctx := context.Background()
	c, err := relay.Transport().Connect(ctx, "memory://", token)
	require.NoError(t, err)
	addr := domain.NewTrackAddress("pika/calls/c9", bob, "audio0")
	sink, err := c.Publish(ctx, addr)
	require.NoError(t, err)
	stream, err := c.Subscribe(ctx, addr)
	require.NoError(t, err)

	assert.Equal(t, 1, relay.DisconnectAll())
	<-c.Done()
	assert.ErrorIs(t, c.Err(), domain.ErrDisconnected)

	_, open := <-stream.Frames()
	assert.False(t, open)
	assert.ErrorIs(t, sink.WriteFrame(ctx, domain.MediaFrame{Seq: 1}), domain.ErrDisconnected)
	assert.Zero(t, relay.Subscribers(addr.Key()))

	_, err = c.Publish(ctx, addr)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestFailNextConnects(t *testing.T) {
	relay := NewRelay(nil)
	relay.FailNextConnects(2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := relay.Transport().Connect(ctx, "memory://", token)
		assert.ErrorIs(t, err, domain.ErrConnectFailed)
	}
	_, err := relay.Transport().Connect(ctx, "memory://", token)
	assert.NoError(t, err)
	assert.Equal(t, 3, relay.ConnectCount())
}

func TestRejectsInvalidTrack(t *testing.T) {
	relay := NewRelay(nil)
	c, err := relay.Transport().Connect(context.Background(), "memory://", token)
	require.NoError(t, err)
	_, err = c.Publish(context.Background(), domain.TrackAddress{BroadcastPath: "pika/calls/c1/x", Track: ""})
	assert.ErrorIs(t, err, domain.ErrInvalidTrack)
}
