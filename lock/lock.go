// Package lock serializes work per key, inside one process or across
// processes through redis.
package lock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type Unlock func(ctx context.Context) error

type Locker interface {
	// Lock blocks until key is held or ctx ends.
	Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error)
	// TryLock reports false when another holder owns key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (Unlock, bool, error)
}

type localKey struct {
	slot chan struct{}
	refs int
}

// LocalLocker is a keyed mutex. The ttl is ignored.
type LocalLocker struct {
	mu   sync.Mutex
	keys map[string]*localKey
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{keys: map[string]*localKey{}}
}

func (l *LocalLocker) Lock(ctx context.Context, key string, _ time.Duration) (Unlock, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	entry := l.acquire(key)
	select {
	case entry.slot <- struct{}{}:
		return l.unlocker(key, entry), nil
	case <-ctx.Done():
		l.release(key, entry)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, _ time.Duration) (Unlock, bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, false, err
	}
	entry := l.acquire(key)
	select {
	case entry.slot <- struct{}{}:
		return l.unlocker(key, entry), true, nil
	default:
		l.release(key, entry)
		return nil, false, nil
	}
}

func (l *LocalLocker) acquire(key string) *localKey {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.keys == nil {
		l.keys = map[string]*localKey{}
	}
	entry, ok := l.keys[key]
	if !ok {
		entry = &localKey{slot: make(chan struct{}, 1)}
		l.keys[key] = entry
	}
	entry.refs++
	return entry
}

func (l *LocalLocker) release(key string, entry *localKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs <= 0 {
		delete(l.keys, key)
	}
}

func (l *LocalLocker) unlocker(key string, entry *localKey) Unlock {
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-entry.slot
			l.release(key, entry)
		})
		return nil
	}
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("lock: key is required")
	}
	return key, nil
}

var _ Locker = (*LocalLocker)(nil)
