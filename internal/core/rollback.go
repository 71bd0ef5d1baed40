package core

import (
	"context"
	"fmt"
	"slices"

	"github.com/JonMunkholm/geoimport/internal/events"
	"github.com/JonMunkholm/geoimport/internal/logging"
	"github.com/hashicorp/go-multierror"
)

// Rollback undoes the steps a failed execution reached. Running it again
// on an execution that was already rolled back does nothing.
func (s *Service) Rollback(ctx context.Context, execID string) error {
	exec, err := s.store.Get(ctx, execID)
	if err != nil {
		return err
	}
	if exec.Status != StatusFailed {
		return fmt.Errorf("rollback %s: execution is %s, not failed", execID, exec.Status)
	}
	h, ok := s.registry.Get(exec.HandlerModulePath)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, exec.HandlerModulePath)
	}
	return s.rollback(ctx, exec, h)
}

// rollback runs each rollback hook at most once, in pipeline order, for the
// steps up to and including the one recorded on exec. Hook failures do not
// stop later hooks; they are collected and returned together.
func (s *Service) rollback(ctx context.Context, exec *ExecutionRequest, h FileHandler) error {
	if done, _ := exec.OutputParams[paramRolledBack].(bool); done {
		return nil
	}
	log := logging.WithFields(ctx, "execution_id", exec.ExecID, "handler", h.ID())

	tasks := h.Tasks(exec.Action)
	reached := slices.Index(tasks, exec.Step)

	var result *multierror.Error
	ran := make(map[rollbackHook]bool)
	for _, step := range tasks[:reached+1] {
		hook := hookFor(step)
		if hook == hookNone || ran[hook] {
			continue
		}
		ran[hook] = true
		log.Info("rolling back", "step", step, "hook", hook.String())
		if err := hook.run(ctx, h, exec); err != nil {
			result = multierror.Append(result, fmt.Errorf("rollback %s: %w", step, err))
		}
	}

	exec.SetOutput(paramRolledBack, true)
	if err := result.ErrorOrNil(); err != nil {
		exec.SetOutput("rollback_errors", err.Error())
	}
	exec.LastUpdated = s.now()
	if err := s.store.Update(ctx, exec); err != nil {
		result = multierror.Append(result, fmt.Errorf("record rollback: %w", err))
	}
	s.emit(ctx, events.RollbackCompleted, exec, result.ErrorOrNil())
	return result.ErrorOrNil()
}
