package credstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisKey is the hash credentials are stored under if no key is
	// configured.
	DefaultRedisKey = "tribeclient:credentials"

	defaultRedisTimeout = 2 * time.Second

	keyExpiry = "expiry"
)

// RedisBackend stores credentials in a Redis hash, with one field per
// storage key. It lets several processes on a device share one session.
type RedisBackend struct {
	Client *redis.Client
	// Key of the hash. Defaults to DefaultRedisKey.
	Key string
	// Timeout for each Redis operation. Defaults to 2s.
	Timeout time.Duration
}

var _ Backend = &RedisBackend{}

func (r *RedisBackend) Load() (*Credentials, error) {
	ctx, cancel := r.ctx()
	defer cancel()

	fields, err := r.Client.HGetAll(ctx, r.key()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", r.key(), err)
	}

	c := &Credentials{
		AccessToken:  fields[KeyAccessToken],
		RefreshToken: fields[KeyRefreshToken],
		UserID:       fields[KeyUserID],
	}
	if !c.Complete() {
		return nil, nil
	}
	if v := fields[keyExpiry]; v != "" {
		if exp, err := time.Parse(time.RFC3339, v); err == nil {
			c.Expiry = exp
		}
	}
	return c, nil
}

func (r *RedisBackend) Save(c *Credentials) error {
	ctx, cancel := r.ctx()
	defer cancel()

	var expiry string
	if !c.Expiry.IsZero() {
		expiry = c.Expiry.UTC().Format(time.RFC3339)
	}

	// replace the whole hash so no field from a previous session survives.
	_, err := r.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.key())
		p.HSet(ctx, r.key(),
			KeyAccessToken, c.AccessToken,
			KeyRefreshToken, c.RefreshToken,
			KeyUserID, c.UserID,
			keyExpiry, expiry,
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save %s: %w", r.key(), err)
	}
	return nil
}

func (r *RedisBackend) Delete() error {
	ctx, cancel := r.ctx()
	defer cancel()

	if err := r.Client.Del(ctx, r.key()).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", r.key(), err)
	}
	return nil
}

// Available pings the server.
func (r *RedisBackend) Available() bool {
	if r.Client == nil {
		return false
	}
	ctx, cancel := r.ctx()
	defer cancel()
	return r.Client.Ping(ctx).Err() == nil
}

func (r *RedisBackend) key() string {
	if r.Key == "" {
		return DefaultRedisKey
	}
	return r.Key
}

func (r *RedisBackend) ctx() (context.Context, context.CancelFunc) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = defaultRedisTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}
