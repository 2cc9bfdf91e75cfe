package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// NewTestRedisClient starts an in-process miniredis server that lives for
// the duration of the test.
func NewTestRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, server
}

func NewTestRedisStreamer(t *testing.T) *Streamer {
	client, _ := NewTestRedisClient(t)
	return NewStreamer(client)
}

func NewTestRedisStorage(t *testing.T) *Storage {
	client, _ := NewTestRedisClient(t)
	return NewStorage(client)
}
