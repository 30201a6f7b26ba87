package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/fulfillment-dispatch/internal/observability"
)

// Runner executes one sweep function on a fixed wall-clock interval
// until its context is cancelled. A failing tick is logged and counted;
// it never stops the loop or crashes the process.
type Runner struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context) error
	Logger   *slog.Logger
}

func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observability.SweepRuns.WithLabelValues(r.Name).Inc()
			if err := r.Fn(ctx); err != nil {
				observability.SweepErrors.WithLabelValues(r.Name).Inc()
				r.Logger.Error("sweep tick failed", "sweep", r.Name, "error", err)
			}
		}
	}
}
