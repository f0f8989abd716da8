package candle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"

	"otcmarket/internal/model"
)

// MirrorConfig controls the redis candle cache.
type MirrorConfig struct {
	LiveTTL    time.Duration `json:"liveTtl"`
	RecentTTL  time.Duration `json:"recentTtl"`
	RecentKeep int           `json:"recentKeep"`
}

// DefaultMirrorConfig keeps live candles for an hour and 1000 recent candles for a day.
func DefaultMirrorConfig() MirrorConfig {
	return MirrorConfig{
		LiveTTL:    time.Hour,
		RecentTTL:  24 * time.Hour,
		RecentKeep: 1000,
	}
}

// RedisMirror stores live candles at "candle:{id}:{tf}" and a list of recent
// finalized candles at "candles:{id}:{tf}", newest first.
type RedisMirror struct {
	client redis.UniversalClient
	cfg    MirrorConfig
}

func NewRedisMirror(client redis.UniversalClient, cfg MirrorConfig) *RedisMirror {
	def := DefaultMirrorConfig()
	if cfg.LiveTTL <= 0 {
		cfg.LiveTTL = def.LiveTTL
	}
	if cfg.RecentTTL <= 0 {
		cfg.RecentTTL = def.RecentTTL
	}
	if cfg.RecentKeep <= 0 {
		cfg.RecentKeep = def.RecentKeep
	}
	return &RedisMirror{client: client, cfg: cfg}
}

func liveKey(instrumentID uint64, tf int64) string {
	return fmt.Sprintf("candle:%d:%d", instrumentID, tf)
}

func recentKey(instrumentID uint64, tf int64) string {
	return fmt.Sprintf("candles:%d:%d", instrumentID, tf)
}

func (m *RedisMirror) SaveLive(ctx context.Context, candles []model.Candle) error {
	_, err := m.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, c := range candles {
			raw, err := json.Marshal(c)
			if err != nil {
				return err
			}
			p.Set(ctx, liveKey(c.InstrumentID, c.Timeframe), raw, m.cfg.LiveTTL)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "save live candles")
	}
	return nil
}

func (m *RedisMirror) LoadLive(ctx context.Context, instrumentID uint64, tf int64) (model.Candle, bool, error) {
	raw, err := m.client.Get(ctx, liveKey(instrumentID, tf)).Bytes()
	if err == redis.Nil {
		return model.Candle{}, false, nil
	}
	if err != nil {
		return model.Candle{}, false, errors.Wrap(err, "load live candle")
	}
	var c model.Candle
	if err := json.Unmarshal(raw, &c); err != nil {
		return model.Candle{}, false, errors.Wrap(err, "decode live candle")
	}
	return c, true, nil
}

func (m *RedisMirror) PushFinalized(ctx context.Context, candles []model.Candle) error {
	_, err := m.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		touched := make(map[string]struct{})
		for _, c := range candles {
			raw, err := json.Marshal(c)
			if err != nil {
				return err
			}
			key := recentKey(c.InstrumentID, c.Timeframe)
			p.LPush(ctx, key, raw)
			touched[key] = struct{}{}
		}
		for key := range touched {
			p.LTrim(ctx, key, 0, int64(m.cfg.RecentKeep-1))
			p.Expire(ctx, key, m.cfg.RecentTTL)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "push finalized candles")
	}
	return nil
}

// Recent returns up to limit cached finalized candles, newest first.
func (m *RedisMirror) Recent(ctx context.Context, instrumentID uint64, tf int64, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := m.client.LRange(ctx, recentKey(instrumentID, tf), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "range recent candles")
	}
	out := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		var c model.Candle
		if err := json.Unmarshal([]byte(row), &c); err != nil {
			return nil, errors.Wrap(err, "decode recent candle")
		}
		out = append(out, c)
	}
	return out, nil
}
