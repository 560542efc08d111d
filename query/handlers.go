package query

import (
	"context"

	"github.com/goliatone/go-billing/core"
	gocmd "github.com/goliatone/go-command"
)

type SubscriptionReader interface {
	GetSubscription(ctx context.Context, subscriptionID string) (core.Subscription, error)
}

type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (core.Order, error)
	ListActiveOrders(ctx context.Context, subscriptionID string) ([]core.Order, error)
}

type TransactionReader interface {
	ListTransactions(ctx context.Context, orderID string) ([]core.Transaction, error)
}

type GetSubscriptionQuery struct {
	reader SubscriptionReader
}

func NewGetSubscriptionQuery(reader SubscriptionReader) *GetSubscriptionQuery {
	return &GetSubscriptionQuery{reader: reader}
}

func (q *GetSubscriptionQuery) Query(ctx context.Context, msg GetSubscriptionMessage) (core.Subscription, error) {
	if q == nil || q.reader == nil {
		return core.Subscription{}, queryDependencyError("query: subscription reader is required")
	}
	return q.reader.GetSubscription(ctx, msg.SubscriptionID)
}

type GetOrderQuery struct {
	reader OrderReader
}

func NewGetOrderQuery(reader OrderReader) *GetOrderQuery {
	return &GetOrderQuery{reader: reader}
}

func (q *GetOrderQuery) Query(ctx context.Context, msg GetOrderMessage) (core.Order, error) {
	if q == nil || q.reader == nil {
		return core.Order{}, queryDependencyError("query: order reader is required")
	}
	return q.reader.GetOrder(ctx, msg.OrderID)
}

type ListActiveOrdersQuery struct {
	reader OrderReader
}

func NewListActiveOrdersQuery(reader OrderReader) *ListActiveOrdersQuery {
	return &ListActiveOrdersQuery{reader: reader}
}

func (q *ListActiveOrdersQuery) Query(ctx context.Context, msg ListActiveOrdersMessage) ([]core.Order, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: order reader is required")
	}
	return q.reader.ListActiveOrders(ctx, msg.SubscriptionID)
}

type ListTransactionsQuery struct {
	reader TransactionReader
}

func NewListTransactionsQuery(reader TransactionReader) *ListTransactionsQuery {
	return &ListTransactionsQuery{reader: reader}
}

func (q *ListTransactionsQuery) Query(ctx context.Context, msg ListTransactionsMessage) ([]core.Transaction, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: transaction reader is required")
	}
	return q.reader.ListTransactions(ctx, msg.OrderID)
}

var (
	_ gocmd.Querier[GetSubscriptionMessage, core.Subscription]   = (*GetSubscriptionQuery)(nil)
	_ gocmd.Querier[GetOrderMessage, core.Order]                 = (*GetOrderQuery)(nil)
	_ gocmd.Querier[ListActiveOrdersMessage, []core.Order]       = (*ListActiveOrdersQuery)(nil)
	_ gocmd.Querier[ListTransactionsMessage, []core.Transaction] = (*ListTransactionsQuery)(nil)
)
