package memory

import (
	"context"
	"testing"

	"agentflow/common"
	"agentflow/srv/redis"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCache struct {
	common.KeyValueStorage
	gets int
	sets int
}

func (c *countingCache) MGet(ctx context.Context, namespace string, keys []string) ([][]byte, error) {
	c.gets++
	return c.KeyValueStorage.MGet(ctx, namespace, keys)
}

func (c *countingCache) MSet(ctx context.Context, namespace string, values map[string]interface{}) error {
	c.sets++
	return c.KeyValueStorage.MSet(ctx, namespace, values)
}

func TestTokenEstimator_Estimate(t *testing.T) {
	t.Parallel()
	estimator := NewTokenEstimator(nil, "")
	ctx := context.Background()

	tests := []struct {
		name      string
		tokenizer string
		text      string
		want      int
	}{
		{"default is chars", "", "abcde", 2},
		{"chars rounds up", TokenizerChars, "abcdef", 3},
		{"chars counts runes", TokenizerChars, "привет", 3},
		{"words", TokenizerWords, "one two  three\nfour", 4},
		{"empty text", TokenizerWords, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := estimator.Estimate(ctx, tt.tokenizer, tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := estimator.Estimate(ctx, "cl100k", "text")
	assert.ErrorIs(t, err, common.ErrUnknownTokenizer)
	assert.True(t, common.IsConfigurationError(err))
}

func TestTokenEstimator_UsesSqliteCache(t *testing.T) {
	t.Parallel()
	cache := &countingCache{KeyValueStorage: newTestStorage(t)}
	estimator := NewTokenEstimator(cache, TokenizerWords)
	ctx := context.Background()

	first, err := estimator.Estimate(ctx, "", "a b c")
	require.NoError(t, err)
	second, err := estimator.Estimate(ctx, "", "a b c")
	require.NoError(t, err)

	assert.Equal(t, 3, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, cache.gets)
	assert.Equal(t, 1, cache.sets)
}

func TestTokenEstimator_UsesRedisCache(t *testing.T) {
	t.Parallel()
	storage := redis.NewTestRedisStorage(t)
	estimator := NewTokenEstimator(storage, TokenizerChars)
	ctx := context.Background()

	got, err := estimator.Estimate(ctx, "", "0123456789")
	require.NoError(t, err)
	assert.Equal(t, 4, got)

	values, err := storage.MGet(ctx, tokenCacheNamespace, []string{cacheKey(TokenizerChars, "0123456789")})
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.JSONEq(t, "4", string(values[0]))
}
