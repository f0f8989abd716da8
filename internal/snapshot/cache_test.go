package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otcmarket/pkg/exception"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCacheServesUntilStale(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	calls := 0
	c, err := New("counter", 5*time.Second, func(context.Context) (int, error) {
		calls++
		return calls, nil
	}, WithClock[int](clock.now))
	require.NoError(t, err)

	v, err := c.Get(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	clock.advance(4 * time.Second)
	v, _ = c.Get(t.Context())
	assert.Equal(t, 1, v)

	clock.advance(time.Second)
	v, _ = c.Get(t.Context())
	assert.Equal(t, 2, v)

	c.Invalidate()
	v, _ = c.Get(t.Context())
	assert.Equal(t, 3, v)
}

func TestCacheKeepsLastGoodValueOnError(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	boom := errors.New("db down")
	fail := false
	c, err := New("controls", time.Second, func(context.Context) (string, error) {
		if fail {
			return "", boom
		}
		return "good", nil
	}, WithClock[string](clock.now), WithFallback("default"))
	require.NoError(t, err)

	v, err := c.Get(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "good", v)

	fail = true
	clock.advance(2 * time.Second)
	v, err = c.Get(t.Context())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "good", v)

	fail = false
	v, err = c.Get(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "good", v)
}

func TestCacheFallbackBeforeFirstLoad(t *testing.T) {
	c, err := New("controls", time.Second, func(context.Context) (string, error) {
		return "", context.DeadlineExceeded
	}, WithFallback("default"))
	require.NoError(t, err)

	v, err := c.Get(t.Context())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "default", v)
}

func TestNewValidates(t *testing.T) {
	_, err := New[int]("nil", time.Second, nil)
	require.ErrorIs(t, err, exception.ErrNilInstance)

	_, err = New("ttl", 0, func(context.Context) (int, error) { return 0, nil })
	require.ErrorIs(t, err, exception.ErrInvalidArgument)
}
