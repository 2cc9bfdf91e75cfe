package srv

import (
	"context"
	"sync"

	"agentflow/domain"
)

// LocalSessionLocker is an in-process keyed mutex. It only serializes
// workers sharing the process; multi-process deployments use the redis
// locker.
type LocalSessionLocker struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	held chan struct{}
	refs int
}

func NewLocalSessionLocker() *LocalSessionLocker {
	return &LocalSessionLocker{locks: make(map[string]*sessionLock)}
}

func (l *LocalSessionLocker) LockSession(ctx context.Context, sessionId string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[sessionId]
	if !ok {
		lock = &sessionLock{held: make(chan struct{}, 1)}
		l.locks[sessionId] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.held <- struct{}{}:
	case <-ctx.Done():
		l.release(sessionId, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.held
			l.release(sessionId, lock)
		})
	}, nil
}

func (l *LocalSessionLocker) release(sessionId string, lock *sessionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, sessionId)
	}
}

var _ domain.SessionLocker = (*LocalSessionLocker)(nil)
