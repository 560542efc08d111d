package command

import (
	"context"

	"github.com/goliatone/go-billing/core"
	"github.com/goliatone/go-billing/sweeper"
	gocmd "github.com/goliatone/go-command"
)

type SubscriptionService interface {
	CreateSubscription(ctx context.Context, req core.CreateSubscriptionRequest) (core.CreateSubscriptionResult, error)
	Revoke(ctx context.Context, req core.RevokeRequest) (core.RevokeResult, error)
}

type Sweeper interface {
	RunOnce(ctx context.Context) (sweeper.Result, error)
}

type TimerPoller interface {
	RunOnce(ctx context.Context) (int, error)
}

type CreateSubscriptionCommand struct {
	service SubscriptionService
}

func NewCreateSubscriptionCommand(service SubscriptionService) *CreateSubscriptionCommand {
	return &CreateSubscriptionCommand{service: service}
}

func (c *CreateSubscriptionCommand) Execute(ctx context.Context, msg CreateSubscriptionMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: subscription service is required")
	}
	out, err := c.service.CreateSubscription(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RevokeSubscriptionCommand struct {
	service SubscriptionService
}

func NewRevokeSubscriptionCommand(service SubscriptionService) *RevokeSubscriptionCommand {
	return &RevokeSubscriptionCommand{service: service}
}

func (c *RevokeSubscriptionCommand) Execute(ctx context.Context, msg RevokeSubscriptionMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: subscription service is required")
	}
	out, err := c.service.Revoke(ctx, core.RevokeRequest{
		SubscriptionID: msg.SubscriptionID,
		Reason:         msg.Reason,
	})
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RunSweepCommand struct {
	sweeper Sweeper
}

func NewRunSweepCommand(sweeper Sweeper) *RunSweepCommand {
	return &RunSweepCommand{sweeper: sweeper}
}

func (c *RunSweepCommand) Execute(ctx context.Context, _ RunSweepMessage) error {
	if c == nil || c.sweeper == nil {
		return commandDependencyError("command: sweeper is required")
	}
	out, err := c.sweeper.RunOnce(ctx)
	storeResult(ctx, out)
	return err
}

type RunTimersCommand struct {
	poller TimerPoller
}

func NewRunTimersCommand(poller TimerPoller) *RunTimersCommand {
	return &RunTimersCommand{poller: poller}
}

func (c *RunTimersCommand) Execute(ctx context.Context, _ RunTimersMessage) error {
	if c == nil || c.poller == nil {
		return commandDependencyError("command: timer poller is required")
	}
	fired, err := c.poller.RunOnce(ctx)
	storeResult(ctx, fired)
	return err
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}

var (
	_ gocmd.Commander[CreateSubscriptionMessage] = (*CreateSubscriptionCommand)(nil)
	_ gocmd.Commander[RevokeSubscriptionMessage] = (*RevokeSubscriptionCommand)(nil)
	_ gocmd.Commander[RunSweepMessage]           = (*RunSweepCommand)(nil)
	_ gocmd.Commander[RunTimersMessage]          = (*RunTimersCommand)(nil)
)
