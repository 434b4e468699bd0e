// Package janitor runs the daily lease housekeeping: expired servers are
// stopped, then owners of servers about to expire are warned.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/ByeonDoHyeon06/vibehost/internal/orchestrator"
)

// Runner is the subset of the orchestrator the janitor drives.
type Runner interface {
	SweepExpired(ctx context.Context, now time.Time) (orchestrator.SweepReport, error)
	NotifyExpiring(ctx context.Context, now time.Time, days int) (orchestrator.NotifyReport, error)
	DetectOrphans(ctx context.Context) ([]orchestrator.Orphan, error)
}

// Options toggle the janitor's jobs.
type Options struct {
	Sweep       bool
	WarningDays int
	ScanOrphans bool
}

// Janitor runs housekeeping at every UTC midnight.
type Janitor struct {
	runner Runner
	opts   Options
	logger *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New creates a new Janitor.
func New(r Runner, opts Options, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		runner: r,
		opts:   opts,
		logger: logger.With("component", "janitor"),
		now:    func() time.Time { return time.Now().UTC() },
		after:  time.After,
	}
}

// NextMidnight returns the first UTC midnight strictly after t.
func NextMidnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// Start runs the loop. It blocks until the context is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	j.logger.Info("starting janitor",
		"sweep", j.opts.Sweep,
		"warning_days", j.opts.WarningDays,
		"scan_orphans", j.opts.ScanOrphans,
	)

	for {
		next := NextMidnight(j.now())
		wait := next.Sub(j.now())
		j.logger.Debug("janitor sleeping", "until", next, "wait", wait)

		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-j.after(wait):
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs one housekeeping pass. Sweeping runs before warning so
// a server that just expired is not warned about.
func (j *Janitor) RunOnce(ctx context.Context) {
	now := j.now()

	if j.opts.Sweep {
		rep, err := j.runner.SweepExpired(ctx, now)
		if err != nil {
			j.logger.Error("expiry sweep failed", "error", err)
		} else {
			j.logger.Info("expiry sweep done", "checked", rep.Checked, "stopped", rep.Stopped, "failed", rep.Failed)
		}
	}
	if ctx.Err() != nil {
		return
	}

	rep, err := j.runner.NotifyExpiring(ctx, now, j.opts.WarningDays)
	if err != nil {
		j.logger.Error("expiry notification failed", "error", err)
	} else {
		j.logger.Info("expiry notification done", "candidates", rep.Candidates, "sent", rep.Sent)
	}

	if j.opts.ScanOrphans && ctx.Err() == nil {
		orphans, err := j.runner.DetectOrphans(ctx)
		if err != nil {
			j.logger.Error("orphan scan failed", "error", err)
			return
		}
		j.logger.Info("orphan scan done", "orphans", len(orphans))
	}
}
