package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"

	"otcmarket/pkg/exception"
)

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Redis is a Locker on a redis key set with SET NX PX and an owner token.
// Refresh and release only touch the key while it still carries the token.
type Redis struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	token  string
}

func NewRedis(client redis.UniversalClient, key string, ttl time.Duration) *Redis {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, key: key, ttl: ttl}
}

func (r *Redis) Acquire(ctx context.Context) error {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return errors.Wrap(err, "redis lock acquire").With("key", r.key)
	}
	if !ok {
		return errors.Wrap(exception.ErrLockHeld, "redis lock").With("key", r.key)
	}
	r.token = token
	return nil
}

func (r *Redis) Refresh(ctx context.Context) error {
	if r.token == "" {
		return errors.Wrap(exception.ErrLockLost, "redis lock not held").With("key", r.key)
	}
	n, err := refreshScript.Run(ctx, r.client, []string{r.key}, r.token, r.ttl.Milliseconds()).Int()
	if err != nil {
		return errors.Wrap(err, "redis lock refresh").With("key", r.key)
	}
	if n == 0 {
		r.token = ""
		return errors.Wrap(exception.ErrLockLost, "redis lock").With("key", r.key)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context) error {
	if r.token == "" {
		return nil
	}
	token := r.token
	r.token = ""
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, token).Err(); err != nil {
		return errors.Wrap(err, "redis lock release").With("key", r.key)
	}
	return nil
}
