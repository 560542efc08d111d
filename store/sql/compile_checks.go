package sqlstore

import (
	"github.com/goliatone/go-billing/core"
	"github.com/goliatone/go-billing/queue"
)

var (
	_ core.OrderStore       = (*OrderStore)(nil)
	_ core.TimerStore       = (*TimerStore)(nil)
	_ core.AccountDirectory = (*AccountStore)(nil)
	_ core.StoreProvider    = (*RepositoryFactory)(nil)
	_ queue.Backend         = (*QueueStore)(nil)
)
