package redis

import (
	"agentflow/domain"

	"github.com/redis/go-redis/v9"
)

type Streamer struct {
	Client *redis.Client
}

func NewStreamer(client *redis.Client) *Streamer {
	return &Streamer{Client: client}
}

var _ domain.FlowEventStreamer = (*Streamer)(nil)
