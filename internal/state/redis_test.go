package state

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otcmarket/internal/model"
	"otcmarket/internal/model/enum"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, ""), mr
}

func TestRedisGetOrSeed(t *testing.T) {
	ctx := t.Context()
	s, mr := newTestRedis(t)

	p, err := GetOrSeed(ctx, s, 3, 2000, DefaultTTLs())
	require.NoError(t, err)
	assert.Equal(t, 2000.0, p)

	raw, err := mr.Get("otc:spot:3")
	require.NoError(t, err)
	assert.Equal(t, "2000", raw)
	assert.Equal(t, 24*time.Hour, mr.TTL("otc:spot:3"))
}

func TestRedisTTLExpires(t *testing.T) {
	ctx := t.Context()
	s, mr := newTestRedis(t)

	require.NoError(t, s.Put(ctx, 1, FieldRegime, 2, time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := s.Get(ctx, 1, FieldRegime)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisSpotRoundTrip(t *testing.T) {
	ctx := t.Context()
	s, mr := newTestRedis(t)
	st := model.SpotState{
		Price:           25.125,
		VolEWMA:         0.0012,
		TrueRangeEWMA:   0.03,
		Regime:          enum.RegimeImpulse,
		RegimeTicksLeft: 7,
		RegimeDir:       1,
		Flicker:         -0.002,
		RunSign:         -1,
		RunLength:       3,
	}
	ttls := DefaultTTLs()
	require.NoError(t, SaveSpot(ctx, s, 2, st, ttls))

	got, err := LoadSpot(ctx, s, 2)
	require.NoError(t, err)
	assert.Equal(t, st, got)

	assert.Equal(t, ttls.EWMA, mr.TTL("otc:tr:2"))
	assert.Equal(t, ttls.Regime, mr.TTL("otc:flicker:2"))
}

func TestRedisGetManySkipsMissing(t *testing.T) {
	ctx := t.Context()
	s, _ := newTestRedis(t)
	require.NoError(t, s.Put(ctx, 1, FieldSpot, 1.1, 0))

	values, err := s.GetMany(ctx, 1, FieldSpot, FieldFlicker)
	require.NoError(t, err)
	assert.Equal(t, map[Field]float64{FieldSpot: 1.1}, values)
}
