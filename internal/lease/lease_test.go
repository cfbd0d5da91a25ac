package lease

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRejectsBadURL(t *testing.T) {
	_, err := Open(context.Background(), "not-a-redis-url", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}

func TestNewDefaults(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	a := New(client, "")
	b := New(client, "custom")
	assert.Equal(t, DefaultKey, a.key)
	assert.Equal(t, "custom", b.key)
	assert.NotEqual(t, a.Holder(), b.Holder())
}
