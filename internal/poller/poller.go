// Package poller drives the scheduler on a periodic tick, converting
// its advisory selections into durable claim/dispatch/settle
// transitions.
package poller

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fairqueue/scheduler/internal/domain"
	"github.com/fairqueue/scheduler/internal/registry"
	"github.com/fairqueue/scheduler/internal/scheduler"
	"github.com/fairqueue/scheduler/internal/storage"
)

// Metrics is the narrow observability hook the poller calls into;
// RowTransitioned fires on every claim/settle. A no-op default keeps
// the core free of any concrete metrics SDK.
type Metrics interface {
	RowTransitioned(service string, from, to domain.Status)
	InProgressGauge(service string, n int)
}

type noopMetrics struct{}

func (noopMetrics) RowTransitioned(string, domain.Status, domain.Status) {}
func (noopMetrics) InProgressGauge(string, int)                          {}

// Poller is the long-running driver described in §4.4.
type Poller struct {
	store        storage.Store
	registry     *registry.Registry
	scheduler    *scheduler.Scheduler
	log          *zap.Logger
	metrics      Metrics
	tickInterval time.Duration
	maxRetries   int
}

// Option configures optional Poller behavior.
type Option func(*Poller)

// WithMetrics overrides the default no-op Metrics sink.
func WithMetrics(m Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// New builds a Poller over store, dispatching via the services in reg,
// ticking every tickInterval, retrying failed rows up to maxRetries
// times before dead-lettering them.
func New(store storage.Store, reg *registry.Registry, tickInterval time.Duration, maxRetries int, log *zap.Logger, opts ...Option) *Poller {
	p := &Poller{
		store:        store,
		registry:     reg,
		scheduler:    scheduler.New(store),
		log:          log,
		metrics:      noopMetrics{},
		tickInterval: tickInterval,
		maxRetries:   maxRetries,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks, driving one tick per tickInterval, until ctx is
// canceled. It stops issuing new claims immediately on cancellation;
// in-flight handler invocations are given ctx so they can settle to
// Canceled promptly.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				p.log.Error("tick failed", zap.Error(err))
			}
		}
	}
}

// tick runs exactly one iteration across every configured service,
// per §4.4's loop. Services are visited in configuration order; a
// store-read failure for one service aborts only that service's
// iteration for this tick.
func (p *Poller) tick(ctx context.Context) error {
	var combined error
	for _, service := range p.registry.Services() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		policy, ok := p.registry.Lookup(service)
		if !ok {
			continue
		}
		if err := p.tickService(ctx, policy); err != nil {
			combined = multierr.Append(combined, err)
			p.log.Error("service tick failed", zap.String("service", service), zap.Error(err))
		}
	}
	return combined
}

// advisoryLocker is implemented by storage backends that support a
// shared lock for multi-replica deployments (§9); memstore does not,
// so single-process tests proceed without locking.
type advisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key string) (bool, error)
	AdvisoryUnlock(ctx context.Context, key string) error
}

func (p *Poller) tickService(ctx context.Context, policy registry.Policy) error {
	if locker, ok := p.store.(advisoryLocker); ok {
		locked, err := locker.TryAdvisoryLock(ctx, "scheduler:"+policy.ServiceName)
		if err != nil {
			return err
		}
		if !locked {
			return nil
		}
		defer locker.AdvisoryUnlock(ctx, "scheduler:"+policy.ServiceName)
	}

	selected, err := p.scheduler.Schedule(ctx, policy.ServiceName, policy)
	if err != nil {
		return err
	}

	inProgress, err := p.store.CountInProgress(ctx, policy.ServiceName)
	if err != nil {
		return err
	}
	p.metrics.InProgressGauge(policy.ServiceName, inProgress)

	if len(selected) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(policy.MaxConcurrency)

	for _, row := range selected {
		row := row
		g.Go(func() error {
			p.processRow(gctx, policy, row)
			return nil
		})
	}
	return g.Wait()
}

// processRow claims, dispatches, and settles one row. Handler and
// store errors here are logged and never abort sibling rows or the
// tick, per §7's propagation rule.
func (p *Poller) processRow(ctx context.Context, policy registry.Policy, row domain.QueueRow) {
	claimed, ok, err := p.store.ClaimPending(ctx, row.ID)
	if err != nil {
		p.log.Error("claim failed",
			zap.String("service", policy.ServiceName), zap.String("row_id", row.ID), zap.Error(err))
		return
	}
	if !ok {
		// Row is no longer Pending: a racing poller or manual
		// intervention beat us to it. Not an error, silently skipped.
		return
	}
	p.metrics.RowTransitioned(policy.ServiceName, domain.Pending, domain.InProgress)

	handlerErr := policy.Handler.Execute(ctx, claimed)

	switch {
	case ctx.Err() != nil:
		claimed.Status = domain.Canceled
		p.metrics.RowTransitioned(policy.ServiceName, domain.InProgress, domain.Canceled)
	case handlerErr != nil:
		claimed.Status = domain.Failed
		claimed.RetryCount++
		p.log.Warn("handler failed",
			zap.String("service", policy.ServiceName), zap.String("row_id", claimed.ID),
			zap.Int("retry_count", claimed.RetryCount), zap.Error(handlerErr))
		p.metrics.RowTransitioned(policy.ServiceName, domain.InProgress, domain.Failed)
	default:
		claimed.Status = domain.Completed
		p.metrics.RowTransitioned(policy.ServiceName, domain.InProgress, domain.Completed)
	}

	// A canceled ctx would make the store reject the Canceled write
	// itself, so that settle is persisted without the cancellation.
	saveCtx := ctx
	if claimed.Status == domain.Canceled {
		saveCtx = context.WithoutCancel(ctx)
	}
	if err := p.store.Save(saveCtx, claimed); err != nil {
		p.log.Error("save failed",
			zap.String("service", policy.ServiceName), zap.String("row_id", claimed.ID), zap.Error(err))
		return
	}

	if claimed.Status != domain.Failed {
		return
	}
	p.applyRetryPolicy(ctx, policy.ServiceName, claimed)
}

// applyRetryPolicy owns the Failed -> Retrying -> Pending or
// Failed -> DeadLettered decision per §7.
func (p *Poller) applyRetryPolicy(ctx context.Context, service string, row domain.QueueRow) {
	if row.RetryCount > p.maxRetries {
		row.Status = domain.DeadLettered
		if err := p.store.Save(ctx, row); err != nil {
			p.log.Error("dead-letter save failed",
				zap.String("service", service), zap.String("row_id", row.ID), zap.Error(err))
		}
		p.metrics.RowTransitioned(service, domain.Failed, domain.DeadLettered)
		return
	}

	row.Status = domain.Retrying
	if err := p.store.Save(ctx, row); err != nil {
		p.log.Error("retry save failed",
			zap.String("service", service), zap.String("row_id", row.ID), zap.Error(err))
		return
	}
	p.metrics.RowTransitioned(service, domain.Failed, domain.Retrying)

	row.Status = domain.Pending
	if err := p.store.Save(ctx, row); err != nil {
		p.log.Error("re-enqueue save failed",
			zap.String("service", service), zap.String("row_id", row.ID), zap.Error(err))
		return
	}
	p.metrics.RowTransitioned(service, domain.Retrying, domain.Pending)
}
