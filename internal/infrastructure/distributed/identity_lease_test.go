package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unreachableClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestIdentityLeaseKey(t *testing.T) {
	lease := NewIdentityLease(unreachableClient(t), "ab12", "calld-1", time.Second, nil)
	assert.Equal(t, "pikacall:identity:ab12", lease.key)
}

func TestIdentityLeaseAcquireFailsWithoutRedis(t *testing.T) {
	lease := NewIdentityLease(unreachableClient(t), "ab12", "calld-1", time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := lease.Acquire(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIdentityHeld)

	// never acquired, so release is a no-op
	assert.NoError(t, lease.Release(ctx))
	select {
	case <-lease.Lost():
		t.Fatal("lease reported lost without being held")
	default:
	}
}
