package core

// janitor.go removes old executions in the background.
//
// Each run deletes terminal executions last updated before the retention
// window, together with their stored spatial files unless the user asked to
// keep them with the dataset. Failures are logged and retried on the next run.

import (
	"context"
	"log/slog"
	"time"
)

// JanitorConfig holds configuration for the janitor.
// All fields have sensible defaults if zero values are provided.
type JanitorConfig struct {
	Retention     time.Duration // Age of terminal executions to remove (default: 7 days)
	CheckInterval time.Duration // How often to run (default: 1h)
}

func (c JanitorConfig) withDefaults() JanitorConfig {
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Hour
	}
	return c
}

// StartJanitor runs the cleanup immediately, then every CheckInterval,
// until ctx is cancelled.
func (s *Service) StartJanitor(ctx context.Context, cfg JanitorConfig) {
	cfg = cfg.withDefaults()
	slog.Info("janitor started", "retention", cfg.Retention, "interval", cfg.CheckInterval)

	s.RunJanitor(ctx, cfg.Retention)

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("janitor stopped")
			return
		case <-ticker.C:
			s.RunJanitor(ctx, cfg.Retention)
		}
	}
}

// RunJanitor performs one cleanup cycle and returns the number of
// executions removed.
func (s *Service) RunJanitor(ctx context.Context, retention time.Duration) int {
	start := time.Now()
	old, err := s.store.ListTerminalBefore(ctx, s.now().Add(-retention))
	if err != nil {
		slog.Error("janitor: list executions", "error", err)
		return 0
	}

	removed := 0
	for i := range old {
		exec := &old[i]
		if !exec.Bool(ParamStoreFiles) && len(exec.Files()) > 0 {
			if err := s.files.DeletePrefix(ctx, exec.ExecID); err != nil {
				slog.Error("janitor: delete files", "execution_id", exec.ExecID, "error", err)
				continue
			}
		}
		if err := s.store.Delete(ctx, exec.ExecID); err != nil {
			slog.Error("janitor: delete execution", "execution_id", exec.ExecID, "error", err)
			continue
		}
		removed++
	}

	slog.Info("janitor run completed",
		"executions_removed", removed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return removed
}
