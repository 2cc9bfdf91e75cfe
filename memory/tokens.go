package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"agentflow/common"

	"github.com/rs/zerolog/log"
)

const (
	TokenizerChars = "chars"
	TokenizerWords = "words"
)

const tokenCacheNamespace = "token_estimates"

// charsPerToken is a conservative characters-per-token ratio.
const charsPerToken = 2.5

// TokenEstimator approximates token counts. Estimates are memoized in a
// KeyValueStorage keyed by tokenizer and a hash of the text; cache failures
// only cost a recomputation.
type TokenEstimator struct {
	cache            common.KeyValueStorage
	defaultTokenizer string
}

func NewTokenEstimator(cache common.KeyValueStorage, defaultTokenizer string) *TokenEstimator {
	if defaultTokenizer == "" {
		defaultTokenizer = TokenizerChars
	}
	return &TokenEstimator{cache: cache, defaultTokenizer: defaultTokenizer}
}

// Estimate returns the approximate token count of text. A blank tokenizer
// selects the estimator's default. Unknown tokenizers fail with
// common.ErrUnknownTokenizer.
func (e *TokenEstimator) Estimate(ctx context.Context, tokenizer, text string) (int, error) {
	if tokenizer == "" {
		tokenizer = e.defaultTokenizer
	}
	count, ok := counters[tokenizer]
	if !ok {
		return 0, fmt.Errorf("%w: %q", common.ErrUnknownTokenizer, tokenizer)
	}
	if text == "" {
		return 0, nil
	}

	key := cacheKey(tokenizer, text)
	if cached, ok := e.cached(ctx, key); ok {
		return cached, nil
	}
	tokens := count(text)
	if e.cache != nil {
		if err := e.cache.MSet(ctx, tokenCacheNamespace, map[string]interface{}{key: tokens}); err != nil {
			log.Warn().Err(err).Msg("Failed to cache token estimate")
		}
	}
	return tokens, nil
}

func (e *TokenEstimator) cached(ctx context.Context, key string) (int, bool) {
	if e.cache == nil {
		return 0, false
	}
	values, err := e.cache.MGet(ctx, tokenCacheNamespace, []string{key})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read token estimate cache")
		return 0, false
	}
	if len(values) == 0 || values[0] == nil {
		return 0, false
	}
	var tokens int
	if err := json.Unmarshal(values[0], &tokens); err != nil {
		return 0, false
	}
	return tokens, true
}

var counters = map[string]func(string) int{
	TokenizerChars: func(text string) int {
		return int(math.Ceil(float64(utf8.RuneCountInString(text)) / charsPerToken))
	},
	TokenizerWords: func(text string) int {
		return len(strings.Fields(text))
	},
}

func cacheKey(tokenizer, text string) string {
	sum := sha256.Sum256([]byte(text))
	return tokenizer + ":" + hex.EncodeToString(sum[:])
}
