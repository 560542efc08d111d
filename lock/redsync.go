package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const defaultLockTTL = 30 * time.Second

// RedsyncLocker holds keys as redis mutexes shared by every process.
type RedsyncLocker struct {
	rs     *redsync.Redsync
	prefix string
}

func NewRedsyncLocker(client redis.UniversalClient, prefix string) (*RedsyncLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("lock: redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "billing:lock"
	}
	return &RedsyncLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: prefix,
	}, nil
}

func (l *RedsyncLocker) Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error) {
	mutex, err := l.mutex(key, ttl)
	if err != nil {
		return nil, err
	}
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", mutex.Name(), err)
	}
	return unlockMutex(mutex), nil
}

func (l *RedsyncLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Unlock, bool, error) {
	mutex, err := l.mutex(key, ttl, redsync.WithTries(1))
	if err != nil {
		return nil, false, err
	}
	if err := mutex.LockContext(ctx); err != nil {
		if lockTaken(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lock: acquire %s: %w", mutex.Name(), err)
	}
	return unlockMutex(mutex), true, nil
}

func (l *RedsyncLocker) mutex(key string, ttl time.Duration, extra ...redsync.Option) (*redsync.Mutex, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	opts := append([]redsync.Option{redsync.WithExpiry(ttl)}, extra...)
	return l.rs.NewMutex(l.prefix+":"+key, opts...), nil
}

func unlockMutex(mutex *redsync.Mutex) Unlock {
	return func(ctx context.Context) error {
		if _, err := mutex.UnlockContext(ctx); err != nil {
			return fmt.Errorf("lock: release %s: %w", mutex.Name(), err)
		}
		return nil
	}
}

func lockTaken(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "lock already taken")
}

var _ Locker = (*RedsyncLocker)(nil)
