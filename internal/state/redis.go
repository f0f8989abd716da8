package state

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"
)

const defaultKeyPrefix = "otc"

// Redis is a Store backed by redis string keys "{prefix}:{field}:{id}".
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis returns a redis-backed store. An empty prefix uses "otc".
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(instrumentID uint64, f Field) string {
	return fmt.Sprintf("%s:%s:%d", r.prefix, f, instrumentID)
}

func (r *Redis) Get(ctx context.Context, instrumentID uint64, field Field) (float64, bool, error) {
	v, err := r.client.Get(ctx, r.key(instrumentID, field)).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "redis get").With("field", field)
	}
	return v, true, nil
}

func (r *Redis) Put(ctx context.Context, instrumentID uint64, field Field, value float64, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(instrumentID, field), formatFloat(value), ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set").With("field", field)
	}
	return nil
}

func (r *Redis) GetMany(ctx context.Context, instrumentID uint64, fields ...Field) (map[Field]float64, error) {
	if len(fields) == 0 {
		return map[Field]float64{}, nil
	}
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = r.key(instrumentID, f)
	}
	raw, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis mget")
	}
	out := make(map[Field]float64, len(fields))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		out[fields[i]] = f
	}
	return out, nil
}

func (r *Redis) PutMany(ctx context.Context, instrumentID uint64, values map[Field]float64, ttls TTLs) error {
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for f, v := range values {
			p.Set(ctx, r.key(instrumentID, f), formatFloat(v), ttls.of(f))
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "redis pipeline set")
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
