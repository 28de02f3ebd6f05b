package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	return NewFromUniversal(goredis.NewClient(&goredis.Options{Addr: mr.Addr()})), mr
}

func TestRunScript(t *testing.T) {
	c, mr := newTestClient(t)
	require.NoError(t, c.LoadScriptFromContent("incr_by", `return redis.call('incrby', KEYS[1], ARGV[1])`))

	v, err := c.RunInt64Script(context.Background(), "incr_by", []string{"k"}, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "5", got)
}

func TestRunScriptErrors(t *testing.T) {
	c, _ := newTestClient(t)
	assert.Error(t, c.LoadScriptFromContent("empty", "  "))

	_, err := c.RunScript(context.Background(), "missing", nil)
	assert.Error(t, err)

	require.NoError(t, c.LoadScriptFromContent("str", `return 'x'`))
	_, err = c.RunInt64Script(context.Background(), "str", nil)
	assert.Error(t, err)
}

func TestNewClientRejectsEmptyAddrs(t *testing.T) {
	_, err := NewClient("", "", 0)
	assert.Error(t, err)
}
