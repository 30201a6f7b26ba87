package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/fulfillment-dispatch/internal/apperrors"
	"github.com/example/fulfillment-dispatch/internal/config"
	"github.com/example/fulfillment-dispatch/internal/models"
	"github.com/example/fulfillment-dispatch/internal/observability"
	"github.com/example/fulfillment-dispatch/internal/storage"
)

// TimeoutReason is the standard failure reason stamped on assignments
// force-failed by the sweeper.
const TimeoutReason = "automatic timeout"

const staleBatchSize = 500

// Failer force-terminates one assignment; satisfied by the assignment
// service so sweeps reuse the same conditional-update discipline and
// broadcast path as live transitions.
type Failer interface {
	Fail(ctx context.Context, requestID, reason string) (*models.Assignment, error)
}

// ChannelDropper removes realtime subscriptions idle past a threshold.
type ChannelDropper interface {
	DropInactive(olderThan time.Duration) int
}

// Stats is a point-in-time snapshot of sweep health.
type Stats struct {
	LastRun           map[string]time.Time `json:"last_run"`
	AssignmentsFailed int64                `json:"assignments_failed"`
	TrackingDeleted   int64                `json:"tracking_deleted"`
	ChannelsDropped   int64                `json:"channels_dropped"`
	Errors            int64                `json:"errors"`
}

// Sweeper walks the assignment store on fixed intervals and forces
// terminal transitions on inactivity, purges expired tracking rows and
// drops dead realtime channels. Safe to run concurrently with live
// transitions: every write is conditional, and a tick with no eligible
// rows is a no-op.
type Sweeper struct {
	Store  storage.Store
	Failer Failer
	Hub    ChannelDropper
	Cfg    config.SweepConfig
	Logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

func New(store storage.Store, failer Failer, hub ChannelDropper, cfg config.SweepConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		Store:  store,
		Failer: failer,
		Hub:    hub,
		Cfg:    cfg,
		Logger: logger,
		stats:  Stats{LastRun: make(map[string]time.Time)},
	}
}

// Run starts the three recurring sweeps and blocks until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	runners := []*Runner{
		{Name: "assignments", Interval: s.Cfg.AssignmentInterval, Logger: s.Logger,
			Fn: func(ctx context.Context) error { return s.SweepAssignments(ctx, s.Cfg.AssignmentThreshold) }},
		{Name: "tracking", Interval: s.Cfg.TrackingInterval, Logger: s.Logger,
			Fn: func(ctx context.Context) error { return s.SweepTracking(ctx, s.Cfg.TrackingRetention) }},
		{Name: "channels", Interval: s.Cfg.ChannelInterval, Logger: s.Logger,
			Fn: func(ctx context.Context) error { return s.SweepChannels(s.Cfg.ChannelThreshold) }},
	}
	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	wg.Wait()
}

// SweepAssignments fails every non-terminal assignment whose last
// update is older than threshold. A failing or racing row does not
// block the rest of the tick.
func (s *Sweeper) SweepAssignments(ctx context.Context, threshold time.Duration) error {
	cutoff := time.Now().Add(-threshold)
	stale, err := s.Store.ListStaleAssignments(ctx, cutoff, staleBatchSize)
	if err != nil {
		s.countError()
		return fmt.Errorf("list stale assignments: %w", err)
	}
	var failed, errs int64
	for _, a := range stale {
		if _, err := s.Failer.Fail(ctx, a.RequestID, TimeoutReason); err != nil {
			if errors.Is(err, apperrors.ErrConflict) || errors.Is(err, apperrors.ErrNotFound) {
				// A live transition got there first; that is the point
				// of the conditional update.
				continue
			}
			errs++
			s.Logger.Error("sweep could not fail assignment", "request_id", a.RequestID, "error", err)
			continue
		}
		failed++
		observability.SweepFailedAssignments.Inc()
	}
	s.record("assignments", func(st *Stats) {
		st.AssignmentsFailed += failed
		st.Errors += errs
	})
	if errs > 0 {
		return fmt.Errorf("%d of %d stale assignments could not be failed", errs, len(stale))
	}
	return nil
}

// SweepTracking purges tracking rows of terminal assignments past the
// retention window.
func (s *Sweeper) SweepTracking(ctx context.Context, retention time.Duration) error {
	deleted, err := s.Store.DeleteExpiredTracking(ctx, time.Now().Add(-retention))
	if err != nil {
		s.countError()
		return fmt.Errorf("delete expired tracking: %w", err)
	}
	s.record("tracking", func(st *Stats) { st.TrackingDeleted += deleted })
	return nil
}

// SweepChannels drops realtime subscriptions idle past threshold.
func (s *Sweeper) SweepChannels(threshold time.Duration) error {
	dropped := s.Hub.DropInactive(threshold)
	s.record("channels", func(st *Stats) { st.ChannelsDropped += int64(dropped) })
	return nil
}

// Trigger runs one sweep on demand with operator-supplied thresholds,
// reusing the identical logic with different constants. Type "all"
// runs the three sweeps with their configured thresholds.
func (s *Sweeper) Trigger(ctx context.Context, sweepType string, threshold time.Duration) error {
	switch sweepType {
	case "assignments":
		if threshold <= 0 {
			threshold = s.Cfg.AssignmentThreshold
		}
		return s.SweepAssignments(ctx, threshold)
	case "tracking":
		if threshold <= 0 {
			threshold = s.Cfg.TrackingRetention
		}
		return s.SweepTracking(ctx, threshold)
	case "channels":
		if threshold <= 0 {
			threshold = s.Cfg.ChannelThreshold
		}
		return s.SweepChannels(threshold)
	case "all":
		var errs []error
		errs = append(errs, s.SweepAssignments(ctx, s.Cfg.AssignmentThreshold))
		errs = append(errs, s.SweepTracking(ctx, s.Cfg.TrackingRetention))
		errs = append(errs, s.SweepChannels(s.Cfg.ChannelThreshold))
		return errors.Join(errs...)
	default:
		return apperrors.Validation("unknown sweep type", map[string]string{"type": sweepType})
	}
}

// Snapshot returns current sweep statistics.
func (s *Sweeper) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.LastRun = make(map[string]time.Time, len(s.stats.LastRun))
	for k, v := range s.stats.LastRun {
		out.LastRun[k] = v
	}
	return out
}

func (s *Sweeper) record(name string, apply func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.LastRun[name] = time.Now()
	apply(&s.stats)
}

func (s *Sweeper) countError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Errors++
}
