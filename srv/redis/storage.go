package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"agentflow/common"

	"github.com/redis/go-redis/v9"
)

// Storage is a redis-backed KeyValueStorage, used for token estimate caching
// when several worker processes share one redis.
type Storage struct {
	Client *redis.Client
}

func NewStorage(client *redis.Client) *Storage {
	return &Storage{Client: client}
}

func (s Storage) CheckConnection(ctx context.Context) error {
	_, err := s.Client.Ping(ctx).Result()
	return err
}

func (s Storage) MGet(ctx context.Context, namespace string, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return [][]byte{}, nil
	}
	prefixedKeys := make([]string, len(keys))
	for i, key := range keys {
		prefixedKeys[i] = fmt.Sprintf("%s:%s", namespace, key)
	}
	values, err := s.Client.MGet(ctx, prefixedKeys...).Result()
	if err != nil {
		return nil, err
	}
	byteValues := make([][]byte, len(values))
	for i, value := range values {
		if value == nil {
			continue
		}
		byteValues[i] = []byte(value.(string))
	}
	return byteValues, nil
}

func (s Storage) MSet(ctx context.Context, namespace string, values map[string]interface{}) error {
	if len(values) == 0 {
		return nil
	}
	prefixedValues := make(map[string]interface{}, len(values))
	for key, value := range values {
		bytes, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("redis mset failed to marshal value: %w", err)
		}
		prefixedValues[fmt.Sprintf("%s:%s", namespace, key)] = bytes
	}
	return s.Client.MSet(ctx, prefixedValues).Err()
}

var _ common.KeyValueStorage = Storage{}
