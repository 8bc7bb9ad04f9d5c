package aspect

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// KeyedLocker hands out one exclusive lock per key. Waiting honours context
// cancellation.
type KeyedLocker struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{sems: make(map[string]*semaphore.Weighted)}
}

// Lock blocks until the lock for key is held or ctx is done. The returned
// unlock func is idempotent.
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	sem, ok := l.sems[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.sems[key] = sem
	}
	l.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}
