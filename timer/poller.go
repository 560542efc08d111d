package timer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-billing/core"
	"golang.org/x/sync/errgroup"
)

type PollerConfig struct {
	BatchSize   int
	Concurrency int
	Lease       time.Duration
}

// Poller claims due wake-ups from the store and hands them to the actor.
type Poller struct {
	store    core.TimerStore
	actor    *Actor
	config   PollerConfig
	observer core.Observer
	Now      func() time.Time
}

func NewPoller(store core.TimerStore, actor *Actor, config PollerConfig, logger core.Logger, metrics core.MetricsRecorder) (*Poller, error) {
	if store == nil || actor == nil {
		return nil, fmt.Errorf("timer: poller requires store and actor")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 5
	}
	if config.Lease <= 0 {
		config.Lease = 30 * time.Second
	}
	return &Poller{
		store:    store,
		actor:    actor,
		config:   config,
		observer: core.NewObserver(logger, metrics),
	}, nil
}

// RunOnce fires every wake-up due now and reports how many were claimed.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	claimed, err := p.store.ClaimDue(ctx, p.now(), p.config.BatchSize, p.config.Lease)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	group := &errgroup.Group{}
	group.SetLimit(p.config.Concurrency)
	for _, state := range claimed {
		state := state
		group.Go(func() error {
			if err := p.actor.Alarm(ctx, state, state.RedeliveryCount()); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	if len(errs) > 0 {
		p.observer.Warn(ctx, "timer wake-ups failed", map[string]any{
			"claimed": len(claimed),
			"failed":  len(errs),
		})
	}
	return len(claimed), errors.Join(errs...)
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}
