// Package gocommand registers billing commands with a go-command registry
// and dispatcher.
package gocommand

import (
	"context"
	"fmt"
	"strings"

	billingcommand "github.com/goliatone/go-billing/command"
	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(cmd)
}

// AddQueueResolver mirrors registered commands into a go-job queue registry
// so they can also be scheduled as jobs.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// Commands holds the billing dependencies commands are built from. Nil
// fields skip the matching commands.
type Commands struct {
	Service billingcommand.SubscriptionService
	Sweeper billingcommand.Sweeper
	Timers  billingcommand.TimerPoller
}

// RegisterBilling subscribes every billing command whose dependency is set.
// On failure the subscriptions made so far are removed.
func RegisterBilling(adapter *RegistryAdapter, deps Commands, runnerOpts ...runner.Option) ([]commanddispatcher.Subscription, error) {
	subscriptions := make([]commanddispatcher.Subscription, 0, 4)
	rollback := func(err error) ([]commanddispatcher.Subscription, error) {
		for _, subscription := range subscriptions {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	add := func(subscription commanddispatcher.Subscription, err error) error {
		if err != nil {
			return err
		}
		subscriptions = append(subscriptions, subscription)
		return nil
	}

	if deps.Service != nil {
		if err := add(RegisterAndSubscribe(adapter, billingcommand.NewCreateSubscriptionCommand(deps.Service), runnerOpts...)); err != nil {
			return rollback(err)
		}
		if err := add(RegisterAndSubscribe(adapter, billingcommand.NewRevokeSubscriptionCommand(deps.Service), runnerOpts...)); err != nil {
			return rollback(err)
		}
	}
	if deps.Sweeper != nil {
		if err := add(RegisterAndSubscribe(adapter, billingcommand.NewRunSweepCommand(deps.Sweeper), runnerOpts...)); err != nil {
			return rollback(err)
		}
	}
	if deps.Timers != nil {
		if err := add(RegisterAndSubscribe(adapter, billingcommand.NewRunTimersCommand(deps.Timers), runnerOpts...)); err != nil {
			return rollback(err)
		}
	}
	return subscriptions, nil
}
