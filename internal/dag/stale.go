package dag

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cortexlabs/cortex-core/internal/infra"
	"github.com/cortexlabs/cortex-core/internal/storage"
	"github.com/cortexlabs/cortex-core/pkg/models"
)

// StaleSweeper periodically scans every persisted DAG for tasks that
// have sat in Running for longer than Threshold — almost always a sign
// the process that was executing them died without updating status —
// and surfaces them via Sink rather than silently resuming them on the
// next load.
type StaleSweeper struct {
	Store     storage.DagStore
	Sink      Sink
	Threshold time.Duration
	Logger    *slog.Logger

	// SessionIDs supplies the sessions to sweep. In production this is
	// backed by the session store's active-session listing; tests can
	// substitute a fixed slice.
	SessionIDs func(ctx context.Context) ([]string, error)

	// MaxConcurrentSweeps bounds how many sessions are swept in parallel
	// on each tick. Defaults to 8.
	MaxConcurrentSweeps int

	cron *cron.Cron
}

func (s *StaleSweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *StaleSweeper) threshold() time.Duration {
	if s.Threshold > 0 {
		return s.Threshold
	}
	return 10 * time.Minute
}

func (s *StaleSweeper) maxConcurrentSweeps() int {
	if s.MaxConcurrentSweeps > 0 {
		return s.MaxConcurrentSweeps
	}
	return 8
}

// Start schedules the sweep on the given cron expression (e.g. "@every
// 1m") and returns immediately; call Stop to halt it.
func (s *StaleSweeper) Start(spec string) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(spec, func() {
		s.sweepOnce(context.Background())
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduled sweep.
func (s *StaleSweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *StaleSweeper) sweepOnce(ctx context.Context) {
	if s.SessionIDs == nil {
		return
	}
	ids, err := s.SessionIDs(ctx)
	if err != nil {
		s.logger().Warn("stale sweep: list sessions failed", "error", err)
		return
	}
	infra.ParallelForEach(ctx, ids, s.maxConcurrentSweeps(), func(id string) {
		s.sweepSession(ctx, id)
	})
}

func (s *StaleSweeper) sweepSession(ctx context.Context, sessionID string) {
	tasks, err := s.Store.Load(ctx, sessionID)
	if err != nil {
		s.logger().Warn("stale sweep: load session failed", "session_id", sessionID, "error", err)
		return
	}
	cutoff := time.Now().Add(-s.threshold())
	for _, t := range tasks {
		if t.Status != models.TaskRunning {
			continue
		}
		if t.StartedAt.IsZero() || t.StartedAt.After(cutoff) {
			continue
		}
		if s.Sink != nil {
			s.Sink.Emit(Event{
				Kind: EventTaskStale,
				TaskStale: &TaskStaleEvent{
					SessionID: sessionID,
					TaskID:    t.ID,
					Name:      t.Name,
					Since:     t.StartedAt.Format(time.RFC3339),
				},
			})
		}
	}
}
