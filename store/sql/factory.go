package sqlstore

import (
	"fmt"
	"time"

	"github.com/goliatone/go-billing/core"
	persistence "github.com/goliatone/go-persistence-bun"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

type FactoryOption func(*RepositoryFactory)

// WithQueueLease sets how long a received queue message stays hidden.
func WithQueueLease(lease time.Duration) FactoryOption {
	return func(f *RepositoryFactory) {
		f.queueLease = lease
	}
}

type RepositoryFactory struct {
	db         *bun.DB
	queueLease time.Duration

	orderStore   *OrderStore
	timerStore   *TimerStore
	queueStore   *QueueStore
	accountStore *AccountStore
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.orderStore != nil && f.timerStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) OrderStore() core.OrderStore {
	if f == nil {
		return nil
	}
	return f.orderStore
}

func (f *RepositoryFactory) TimerStore() core.TimerStore {
	if f == nil {
		return nil
	}
	return f.timerStore
}

func (f *RepositoryFactory) AccountDirectory() core.AccountDirectory {
	if f == nil {
		return nil
	}
	return f.accountStore
}

func (f *RepositoryFactory) Orders() *OrderStore {
	if f == nil {
		return nil
	}
	return f.orderStore
}

func (f *RepositoryFactory) Timers() *TimerStore {
	if f == nil {
		return nil
	}
	return f.timerStore
}

func (f *RepositoryFactory) QueueStore() *QueueStore {
	if f == nil {
		return nil
	}
	return f.queueStore
}

func (f *RepositoryFactory) AccountStore() *AccountStore {
	if f == nil {
		return nil
	}
	return f.accountStore
}

func (f *RepositoryFactory) initStores() error {
	accountRepo := repository.NewRepository[*accountRecord](f.db, accountHandlers())
	accountStore, err := NewAccountStore(accountRepo)
	if err != nil {
		return err
	}
	f.accountStore = accountStore

	orderStore, err := NewOrderStore(f.db)
	if err != nil {
		return err
	}
	f.orderStore = orderStore
	timerStore, err := NewTimerStore(f.db)
	if err != nil {
		return err
	}
	f.timerStore = timerStore
	queueStore, err := NewQueueStore(f.db, f.queueLease)
	if err != nil {
		return err
	}
	f.queueStore = queueStore

	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
