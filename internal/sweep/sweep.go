// Package sweep runs periodic validation of every deal on a cron schedule.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/equitie/fee-engine/internal/metrics"
	"github.com/equitie/fee-engine/internal/validation"
)

// Validator validates a batch of deals; an empty list means all deals.
type Validator interface {
	ValidateAll(ctx context.Context, dealIDs []int64) ([]validation.DealOutcome, error)
}

// Notify receives the outcomes of each completed sweep.
type Notify func(outcomes []validation.DealOutcome)

type Runner struct {
	cron      *cron.Cron
	validator Validator
	notify    Notify
	baseCtx   context.Context
}

// New creates a runner. Overlapping runs are skipped, not queued.
func New(baseCtx context.Context, v Validator, notify Notify) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		validator: v,
		notify:    notify,
		baseCtx:   baseCtx,
	}
}

// Schedule registers the sweep under a six-field cron spec.
func (r *Runner) Schedule(spec string) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		r.RunOnce(r.baseCtx)
	})
}

// RunOnce validates every deal now. Per-deal failures are reported in the
// outcomes; the error is set only when the batch itself could not run.
func (r *Runner) RunOnce(ctx context.Context) ([]validation.DealOutcome, error) {
	start := time.Now()
	outcomes, err := r.validator.ValidateAll(ctx, nil)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		slog.Error("validation sweep failed", "err", err)
		return nil, err
	}

	var failedDeals, failRows, warnRows int
	for _, o := range outcomes {
		if o.Error != "" {
			failedDeals++
		}
		failRows += o.Summary.FailCount
		warnRows += o.Summary.WarnCount
	}
	metrics.SweepRuns.WithLabelValues("ok").Inc()
	slog.Info("validation sweep complete",
		"deals", len(outcomes),
		"failed_deals", failedDeals,
		"fail_rows", failRows,
		"warn_rows", warnRows,
		"duration", time.Since(start).String(),
	)

	if r.notify != nil {
		r.notify(outcomes)
	}
	return outcomes, nil
}

func (r *Runner) Start() {
	slog.Info("validation sweep scheduler started")
	r.cron.Start()
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	slog.Info("validation sweep scheduler stopped")
}
