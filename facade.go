package billing

import (
	"fmt"

	billingcommand "github.com/goliatone/go-billing/command"
	"github.com/goliatone/go-billing/core"
	billingquery "github.com/goliatone/go-billing/query"
)

type Commands struct {
	CreateSubscription *billingcommand.CreateSubscriptionCommand
	RevokeSubscription *billingcommand.RevokeSubscriptionCommand
}

type Queries struct {
	GetSubscription  *billingquery.GetSubscriptionQuery
	GetOrder         *billingquery.GetOrderQuery
	ListActiveOrders *billingquery.ListActiveOrdersQuery
	ListTransactions *billingquery.ListTransactionsQuery
}

// Facade groups the command and query handlers a transport layer needs.
type Facade struct {
	service  billingcommand.SubscriptionService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	orders       core.OrderStore
	transactions billingquery.TransactionReader
}

// WithOrderReader overrides the store the queries read from.
func WithOrderReader(orders core.OrderStore) FacadeOption {
	return func(options *facadeOptions) {
		options.orders = orders
	}
}

func WithTransactionReader(reader billingquery.TransactionReader) FacadeOption {
	return func(options *facadeOptions) {
		options.transactions = reader
	}
}

// NewFacade builds handlers over service. Queries read from the service's
// order store unless WithOrderReader is given; transactions are listed when
// that store can list them.
func NewFacade(service billingcommand.SubscriptionService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("billing: subscription service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	orders := cfg.orders
	if orders == nil {
		orders = resolveOrderStore(service)
	}
	transactions := cfg.transactions
	if transactions == nil {
		if reader, ok := orders.(billingquery.TransactionReader); ok {
			transactions = reader
		}
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		CreateSubscription: billingcommand.NewCreateSubscriptionCommand(service),
		RevokeSubscription: billingcommand.NewRevokeSubscriptionCommand(service),
	}
	facade.queries = Queries{
		GetSubscription:  billingquery.NewGetSubscriptionQuery(orders),
		GetOrder:         billingquery.NewGetOrderQuery(orders),
		ListActiveOrders: billingquery.NewListActiveOrdersQuery(orders),
		ListTransactions: billingquery.NewListTransactionsQuery(transactions),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() billingcommand.SubscriptionService {
	if f == nil {
		return nil
	}
	return f.service
}

func resolveOrderStore(service billingcommand.SubscriptionService) core.OrderStore {
	provider, ok := service.(interface {
		Dependencies() core.ServiceDependencies
	})
	if !ok {
		return nil
	}
	return provider.Dependencies().OrderStore
}
