package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pikacall/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const identityLeasePrefix = "pikacall:identity:"

var ErrIdentityHeld = errors.New("identity is held by another daemon")

var (
	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

// IdentityLease marks one daemon instance as the owner of an identity so two
// daemons sharing Redis never answer the same invites.
type IdentityLease struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
	logger     *zap.SugaredLogger

	held     atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	lost     chan struct{}
	done     chan struct{}
}

func NewIdentityLease(client *redis.Client, identity domain.Identity, instanceID string, ttl time.Duration, logger *zap.SugaredLogger) *IdentityLease {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &IdentityLease{
		client:     client,
		key:        identityLeasePrefix + string(identity),
		instanceID: instanceID,
		ttl:        ttl,
		logger:     logger,
		stop:       make(chan struct{}),
		lost:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Acquire takes the lease and starts renewing it at a third of the TTL.
// It fails with ErrIdentityHeld when another instance owns the identity.
func (l *IdentityLease) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire identity lease: %w", err)
	}
	if !ok {
		holder, _ := l.client.Get(ctx, l.key).Result()
		return fmt.Errorf("%w (instance %s)", ErrIdentityHeld, holder)
	}
	l.held.Store(true)
	go l.renew()
	return nil
}

// Lost is closed when a renewal finds the lease gone or owned by someone else.
func (l *IdentityLease) Lost() <-chan struct{} {
	return l.lost
}

func (l *IdentityLease) renew() {
	defer close(l.done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
		held, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
		cancel()

		switch {
		case err != nil:
			// Redis hiccup; the key still has time left.
			l.logger.Warnw("Identity lease renewal failed", "key", l.key, "error", err)
		case held == 0:
			l.logger.Errorw("Identity lease lost", "key", l.key, "instance_id", l.instanceID)
			close(l.lost)
			return
		}
	}
}

// Release stops renewal and deletes the key if this instance still owns it.
func (l *IdentityLease) Release(ctx context.Context) error {
	if !l.held.Load() {
		return nil
	}
	l.stopOnce.Do(func() { close(l.stop) })

	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("release identity lease: %w", err)
	}
	return nil
}
