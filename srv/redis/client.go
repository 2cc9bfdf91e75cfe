package redis

import (
	"agentflow/common"

	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
)

func NewClient(opt *Options) *redis.Client {
	return redis.NewClient(opt)
}

type Options = redis.Options

// NewClientFromConfig builds a client for the configured address, falling
// back to REDIS_ADDRESS or localhost.
func NewClientFromConfig(config common.RedisConfig) *redis.Client {
	redisAddr := config.Address
	if redisAddr == "" {
		redisAddr = common.GetRedisAddress()
		zlog.Info().Msgf("Redis address defaulting to %s", redisAddr)
	}

	return redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: config.Password,
		DB:       config.DB,
	})
}
