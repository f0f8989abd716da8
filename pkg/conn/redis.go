package conn

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"

	"otcmarket/pkg/exception"
)

const defaultRedisAddr = "localhost:6379"

// RedisOption defines connection options for redis.
type RedisOption struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedis creates a redis client and checks it with PING.
func NewRedis(ctx context.Context, option RedisOption) (*redis.Client, error) {
	addr := option.Addr
	if addr == "" {
		addr = defaultRedisAddr
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     option.Username,
		Password:     option.Password,
		DB:           option.DB,
		PoolSize:     option.PoolSize,
		DialTimeout:  option.DialTimeout,
		ReadTimeout:  option.ReadTimeout,
		WriteTimeout: option.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(exception.ErrStoreUnavailable, err.Error()).With("store", "redis").With("addr", addr)
	}
	return client, nil
}
