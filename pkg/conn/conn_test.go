package conn

import (
	"net/url"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otcmarket/pkg/exception"
)

func TestOptionDSN(t *testing.T) {
	dsn, err := Option{User: "otc", Password: "secret", Database: "market"}.dsn()
	require.NoError(t, err)

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "postgres", u.Scheme)
	assert.Equal(t, "localhost:5432", u.Host)
	assert.Equal(t, "/market", u.Path)
	assert.Equal(t, "disable", u.Query().Get("sslmode"))
	assert.Equal(t, "otcmarket", u.Query().Get("application_name"))
	pw, _ := u.User.Password()
	assert.Equal(t, "secret", pw)

	dsn, err = Option{ConnString: "postgres://x@y/z"}.dsn()
	require.NoError(t, err)
	assert.Equal(t, "postgres://x@y/z", dsn)

	dsn, err = Option{Host: "db", Port: 6432, AppName: "otc.generator", Params: map[string]string{"connect_timeout": "3"}}.dsn()
	require.NoError(t, err)
	u, err = url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "db:6432", u.Host)
	assert.Nil(t, u.User)
	assert.Equal(t, "otc.generator", u.Query().Get("application_name"))
	assert.Equal(t, "3", u.Query().Get("connect_timeout"))
}

func TestOptionDSNRejects(t *testing.T) {
	_, err := Option{ConnString: "mysql://x@y/z"}.dsn()
	require.ErrorIs(t, err, exception.ErrInvalidArgument)

	_, err = Option{Port: 70000}.dsn()
	require.ErrorIs(t, err, exception.ErrInvalidArgument)
}

func TestNilClient(t *testing.T) {
	var c *Client
	assert.Nil(t, c.DB())
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Ping(t.Context()), exception.ErrNilInstance)
}

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	client, err := NewRedis(t.Context(), RedisOption{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(t.Context(), "k", "v", 0).Err())
	assert.True(t, mr.Exists("k"))

	// Addr panics once the server is closed.
	mr.Close()
	_, err = NewRedis(t.Context(), RedisOption{Addr: addr})
	require.ErrorIs(t, err, exception.ErrStoreUnavailable)
}
