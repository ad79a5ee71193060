package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

// releaseLua deletes the lease only when it still carries our token.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// renewLua extends the lease only when it still carries our token.
const renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// Lease is an exclusive, renewable claim on a key. The app takes one per
// wallet so two processes never trade the same account.
type Lease struct {
	c       *Client
	key     string
	token   string
	ttl     time.Duration
	release *redis.Script
	renew   *redis.Script
	logger  *slog.Logger

	once sync.Once
	lost chan struct{}
}

// AcquireLease claims name for ttl. It returns domain.ErrLeaseHeld when
// another holder owns it.
func AcquireLease(ctx context.Context, c *Client, name string, ttl time.Duration, logger *slog.Logger) (*Lease, error) {
	l := &Lease{
		c:       c,
		key:     c.Key("lease", name),
		token:   uuid.NewString(),
		ttl:     ttl,
		release: redis.NewScript(releaseLua),
		renew:   redis.NewScript(renewLua),
		logger:  logger.With(slog.String("component", "redis_lease")),
		lost:    make(chan struct{}),
	}
	ok, err := c.rdb.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: lease %s: %w", name, domain.ErrLeaseHeld)
	}
	return l, nil
}

// Hold renews the lease every ttl/3 until ctx is cancelled, then releases
// it. It returns domain.ErrLeaseHeld if the lease was lost in between.
func (l *Lease) Hold(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Release()
			return nil
		case <-ticker.C:
			n, err := l.renew.Run(ctx, l.c.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() != nil {
					l.Release()
					return nil
				}
				l.logger.Warn("redis_lease: renew failed", slog.String("error", err.Error()))
				continue
			}
			if n == 0 {
				l.once.Do(func() { close(l.lost) })
				return fmt.Errorf("redis: lease %s lost: %w", l.key, domain.ErrLeaseHeld)
			}
		}
	}
}

// Lost is closed when a renewal finds the lease owned by someone else.
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

// Release gives the lease up. Safe to call more than once.
func (l *Lease) Release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = l.release.Run(ctx, l.c.rdb, []string{l.key}, l.token).Err()
}
