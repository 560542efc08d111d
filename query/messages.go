package query

import "strings"

const (
	TypeGetSubscription  = "billing.query.subscription.get"
	TypeGetOrder         = "billing.query.order.get"
	TypeListActiveOrders = "billing.query.orders.active"
	TypeListTransactions = "billing.query.transactions.list"
)

type GetSubscriptionMessage struct {
	SubscriptionID string
}

func (GetSubscriptionMessage) Type() string { return TypeGetSubscription }

func (m GetSubscriptionMessage) Validate() error {
	if strings.TrimSpace(m.SubscriptionID) == "" {
		return queryValidationError("subscription_id", "subscription id is required")
	}
	return nil
}

type GetOrderMessage struct {
	OrderID string
}

func (GetOrderMessage) Type() string { return TypeGetOrder }

func (m GetOrderMessage) Validate() error {
	if strings.TrimSpace(m.OrderID) == "" {
		return queryValidationError("order_id", "order id is required")
	}
	return nil
}

type ListActiveOrdersMessage struct {
	SubscriptionID string
}

func (ListActiveOrdersMessage) Type() string { return TypeListActiveOrders }

func (m ListActiveOrdersMessage) Validate() error {
	if strings.TrimSpace(m.SubscriptionID) == "" {
		return queryValidationError("subscription_id", "subscription id is required")
	}
	return nil
}

type ListTransactionsMessage struct {
	OrderID string
}

func (ListTransactionsMessage) Type() string { return TypeListTransactions }

func (m ListTransactionsMessage) Validate() error {
	if strings.TrimSpace(m.OrderID) == "" {
		return queryValidationError("order_id", "order id is required")
	}
	return nil
}
