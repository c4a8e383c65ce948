// Package relayer runs the reconciliation loop: on every tick it services
// due retries, pays subscriptions the registry reports as due and scans
// for new subscriptions, in that order.
package relayer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/recurve-relayer/internal/discovery"
	"github.com/Klingon-tech/recurve-relayer/internal/health"
	"github.com/Klingon-tech/recurve-relayer/internal/ledger"
	"github.com/Klingon-tech/recurve-relayer/internal/metrics"
	"github.com/Klingon-tech/recurve-relayer/internal/payment"
	"github.com/Klingon-tech/recurve-relayer/internal/retry"
	"github.com/Klingon-tech/recurve-relayer/internal/state"
	"github.com/Klingon-tech/recurve-relayer/internal/upkeep"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = 30 * time.Second

// Resolver yields a live ledger connection for one tick.
type Resolver interface {
	Resolve(ctx context.Context) (ledger.Ledger, string, error)
}

// Deps are the loop's collaborators.
type Deps struct {
	Resolver  Resolver
	Store     *state.Store
	Scheduler *retry.Scheduler
	Scanner   *discovery.Scanner
	Checker   *upkeep.Checker
	Executor  *payment.Executor
	Health    *health.State

	Interval time.Duration
	// Now is the tick clock (default time.Now).
	Now func() time.Time
}

// TickReport summarizes one tick.
type TickReport struct {
	Endpoint string
	Retried  int
	Due      int
	Paid     int
	Failed   int
	Skipped  int
	Scan     discovery.ScanResult
	// Err is set when the tick was aborted: no endpoint, or shutdown.
	Err error
}

// Relayer is the reconciliation loop.
type Relayer struct {
	deps   Deps
	logger zerolog.Logger

	// Ticks never overlap.
	tickMu sync.Mutex
}

// New creates a relayer.
func New(deps Deps, logger zerolog.Logger) *Relayer {
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Relayer{deps: deps, logger: logger}
}

// Run ticks immediately and then every interval until ctx is canceled.
// A tick that overruns the interval delays the next one.
func (r *Relayer) Run(ctx context.Context) {
	r.Tick(ctx)

	ticker := time.NewTicker(r.deps.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation cycle.
func (r *Relayer) Tick(ctx context.Context) TickReport {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	start := r.deps.Now()
	var rep TickReport

	conn, url, err := r.deps.Resolver.Resolve(ctx)
	if err != nil {
		rep.Err = err
		if ctx.Err() != nil {
			r.logger.Info().Msg("Tick interrupted by shutdown")
			return rep
		}
		r.deps.Health.MarkError(start, err)
		metrics.Tick(false, time.Since(start).Seconds())
		r.logger.Error().Err(err).Msg("Tick aborted, no ledger endpoint")
		return rep
	}
	defer conn.Close()
	rep.Endpoint = url

	r.logger.Debug().Str("endpoint", url).Msg("Tick started")

	// Each id is attempted at most once per tick.
	attempted := make(map[ledger.SubID]struct{})

	r.serviceRetries(ctx, conn, start, attempted, &rep)
	r.serviceDue(ctx, conn, start, attempted, &rep)

	if ctx.Err() == nil {
		res, err := r.deps.Scanner.Scan(ctx, conn)
		rep.Scan = res
		if err != nil {
			r.logger.Warn().Err(err).Uint64("cursor", res.Cursor).Msg("Scan incomplete, resuming next tick")
		} else if res.Added > 0 {
			r.logger.Info().Int("added", res.Added).Uint64("cursor", res.Cursor).Msg("New subscriptions discovered")
		}
	}

	if err := ctx.Err(); err != nil {
		rep.Err = err
		r.logger.Info().Str("endpoint", url).Msg("Tick interrupted by shutdown")
		return rep
	}

	stats := r.deps.Scheduler.Stats()
	metrics.Failures(stats.Pending, stats.Churned)
	metrics.WatchList(r.deps.Store.WatchLen())

	r.deps.Health.MarkOK(start)
	metrics.Tick(true, time.Since(start).Seconds())

	r.logger.Info().
		Str("endpoint", url).
		Int("watched", r.deps.Store.WatchLen()).
		Int("retried", rep.Retried).
		Int("due", rep.Due).
		Int("paid", rep.Paid).
		Int("failed", rep.Failed).
		Int("pending_retries", stats.Pending).
		Int("churned", stats.Churned).
		Uint64("cursor", rep.Scan.Cursor).
		Msg("Tick complete")
	return rep
}

func (r *Relayer) serviceRetries(ctx context.Context, w ledger.PaymentWriter, now time.Time, attempted map[ledger.SubID]struct{}, rep *TickReport) {
	due := r.deps.Scheduler.DueRetries(now)
	if len(due) > 0 {
		r.logger.Info().Int("count", len(due)).Msg("Processing retry queue")
	}
	for _, d := range due {
		if ctx.Err() != nil {
			return
		}
		attempted[d.ID] = struct{}{}
		rep.Retried++
		r.logger.Info().
			Str("sub_id", d.ID.Short()).
			Int("attempt", d.Record.FailCount+1).
			Msg("Retrying payment")
		r.pay(ctx, w, d.ID, metrics.SourceRetry, rep)
	}
}

func (r *Relayer) serviceDue(ctx context.Context, l ledger.Ledger, now time.Time, attempted map[ledger.SubID]struct{}, rep *TickReport) {
	if ctx.Err() != nil {
		return
	}
	watched := r.deps.Store.WatchList()
	due, err := r.deps.Checker.Check(ctx, l, watched)
	if err != nil {
		r.logger.Warn().Err(err).Int("watched", len(watched)).Msg("Upkeep check failed, skipping due payments")
		return
	}
	rep.Due = len(due)

	for _, id := range due {
		if ctx.Err() != nil {
			return
		}
		if _, ok := attempted[id]; ok {
			rep.Skipped++
			continue
		}
		if r.deps.Scheduler.Blocked(id, now) {
			rep.Skipped++
			r.logger.Debug().Str("sub_id", id.Short()).Msg("Skipping, retry scheduled or churned")
			continue
		}
		attempted[id] = struct{}{}
		r.pay(ctx, l, id, metrics.SourceUpkeep, rep)
	}
}

func (r *Relayer) pay(ctx context.Context, w ledger.PaymentWriter, id ledger.SubID, source string, rep *TickReport) {
	err := r.deps.Executor.Execute(ctx, w, id)
	metrics.Payment(source, err == nil)
	if err != nil {
		rep.Failed++
		return
	}
	rep.Paid++
}
