package redis

import (
	"context"
	"fmt"
	"time"

	"agentflow/common"
	"agentflow/domain"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// unlockScript deletes the lock only while it still carries our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// SessionLocker is a cross-process session lock built on SET NX PX. The TTL
// bounds how long a crashed worker can hold a session.
type SessionLocker struct {
	Client     *redis.Client
	TTL        time.Duration
	RetryDelay time.Duration
}

func NewSessionLocker(client *redis.Client, ttl, retryDelay time.Duration) *SessionLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if retryDelay <= 0 {
		retryDelay = 50 * time.Millisecond
	}
	return &SessionLocker{Client: client, TTL: ttl, RetryDelay: retryDelay}
}

func sessionLockKey(sessionId string) string {
	return fmt.Sprintf("flow_session:%s:lock", sessionId)
}

func (l *SessionLocker) LockSession(ctx context.Context, sessionId string) (func(), error) {
	key := sessionLockKey(sessionId)
	token := uuid.NewString()

	acquire := func() (bool, error) {
		ok, err := l.Client.SetNX(ctx, key, token, l.TTL).Result()
		if err != nil {
			return false, backoff.Permanent(fmt.Errorf("failed to acquire session lock: %w", err))
		}
		if !ok {
			return false, common.ErrSessionLocked
		}
		return true, nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.RetryDelay
	bo.MaxInterval = 20 * l.RetryDelay
	if _, err := backoff.Retry(ctx, acquire, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(l.TTL)); err != nil {
		return nil, err
	}

	return func() {
		// the caller's context may already be done when unlocking
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := unlockScript.Run(unlockCtx, l.Client, []string{key}, token).Err(); err != nil {
			log.Warn().Err(err).Str("sessionId", sessionId).Msg("failed to release session lock")
		}
	}, nil
}

var _ domain.SessionLocker = (*SessionLocker)(nil)
