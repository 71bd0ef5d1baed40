package core

// pipeline.go advances executions through their handler's task list.
//
// Every step is a separate queue task. A worker records the step on the
// execution before running it, so a failure always names the step that was
// in progress and rollback can tell which steps were reached. The next step
// is enqueued only after the current one returned successfully.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/JonMunkholm/geoimport/internal/events"
	"github.com/JonMunkholm/geoimport/internal/logging"
	"github.com/JonMunkholm/geoimport/internal/observability"
	"github.com/JonMunkholm/geoimport/internal/queue"
	"go.opentelemetry.io/otel/attribute"
)

func (s *Service) enqueue(ctx context.Context, exec *ExecutionRequest, step string) error {
	if err := s.queue.Enqueue(ctx, queue.Task{ExecID: exec.ExecID, Step: step}); err != nil {
		return fmt.Errorf("dispatch %s: %w", step, err)
	}
	return nil
}

// dispatch enqueues the first step of a new execution. A failed enqueue
// fails the execution; nothing has run yet so there is nothing to roll back.
func (s *Service) dispatch(ctx context.Context, exec *ExecutionRequest, step string) error {
	err := s.enqueue(ctx, exec, step)
	if err == nil {
		return nil
	}
	exec.Status = StatusFailed
	exec.Log = err.Error()
	exec.LastUpdated = s.now()
	if uerr := s.store.Update(context.WithoutCancel(ctx), exec); uerr != nil {
		return errors.Join(err, uerr)
	}
	return err
}

// HandleTask is the queue.Handler of the worker pool.
func (s *Service) HandleTask(ctx context.Context, t queue.Task) error {
	return s.RunStep(ctx, t.ExecID, t.Step)
}

// RunStep executes one step of an execution and dispatches the next one.
// A step error fails the execution and rolls it back; the error is also
// returned for the worker's log.
func (s *Service) RunStep(ctx context.Context, execID, step string) error {
	ctx = logging.ContextWithExecution(ctx, execID)
	exec, err := s.store.Get(ctx, execID)
	if err != nil {
		return err
	}
	log := logging.WithFields(ctx, "handler", exec.HandlerModulePath, "step", step)
	if exec.Status.Terminal() {
		log.Warn("step skipped, execution already terminal", "status", exec.Status)
		return nil
	}

	h, ok := s.registry.Get(exec.HandlerModulePath)
	if !ok {
		return s.fail(ctx, exec, nil, fmt.Errorf("%w: %s", ErrNoHandler, exec.HandlerModulePath))
	}
	tasks := h.Tasks(exec.Action)
	if !slices.Contains(tasks, step) {
		return s.fail(ctx, exec, h, fmt.Errorf("%w: %s is not part of the %s pipeline", ErrUnsupportedStep, step, exec.Action))
	}

	fn, err := stepFunc(h, step)
	if err != nil {
		return s.fail(ctx, exec, h, err)
	}
	if exec.LocalFiles, err = s.materialize(ctx, exec); err != nil {
		return s.fail(ctx, exec, h, err)
	}

	prev := exec.Step
	exec.Step = step
	exec.Status = StatusRunning
	exec.LastUpdated = s.now()
	if err := s.store.Update(ctx, exec); err != nil {
		exec.Step = prev
		return s.fail(ctx, exec, h, fmt.Errorf("record step %s: %w", step, err))
	}

	log.Info("step started")
	if err := s.runStep(ctx, fn, exec, step); err != nil {
		log.Error("step failed", "error", err)
		return s.fail(ctx, exec, h, err)
	}
	log.Info("step completed")
	s.emit(ctx, events.StepCompleted, exec, nil)

	return s.PerformNextStep(ctx, exec, step)
}

// runStep runs fn in a span and turns a panic into an error.
func (s *Service) runStep(ctx context.Context, fn StepFunc, exec *ExecutionRequest, step string) (err error) {
	ctx, span := observability.StartSpan(ctx, "step."+step,
		attribute.String("execution.id", exec.ExecID),
		attribute.String("execution.handler", exec.HandlerModulePath),
		attribute.String("execution.action", string(exec.Action)),
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", step, r)
		}
		observability.EndSpan(span, err)
	}()
	return fn(ctx, exec)
}

// PerformNextStep dispatches the step after completed, or finishes the
// execution when completed was the last step of its pipeline.
func (s *Service) PerformNextStep(ctx context.Context, exec *ExecutionRequest, completed string) error {
	h, ok := s.registry.Get(exec.HandlerModulePath)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, exec.HandlerModulePath)
	}
	tasks := h.Tasks(exec.Action)
	i := slices.Index(tasks, completed)
	if i < 0 {
		return fmt.Errorf("%w: %s is not part of the %s pipeline", ErrUnsupportedStep, completed, exec.Action)
	}
	if i == len(tasks)-1 {
		return s.finish(ctx, exec)
	}

	// persist what the step recorded before the next worker reads it
	exec.LastUpdated = s.now()
	if err := s.store.Update(ctx, exec); err != nil {
		return s.fail(ctx, exec, h, fmt.Errorf("save step %s output: %w", completed, err))
	}
	if err := s.enqueue(ctx, exec, tasks[i+1]); err != nil {
		return s.fail(ctx, exec, h, err)
	}
	return nil
}

func (s *Service) finish(ctx context.Context, exec *ExecutionRequest) error {
	exec.Status = StatusFinished
	exec.LastUpdated = s.now()
	if err := s.store.Update(ctx, exec); err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	s.cleanup(ctx, exec)
	logging.WithFields(ctx, "execution_id", exec.ExecID).Info("execution finished", "resources", len(exec.Resources()))
	s.emit(ctx, events.ExecutionFinished, exec, nil)
	return nil
}

// fail records err on exec and rolls back the steps it reached. The step
// error is returned; rollback errors are logged and recorded only.
func (s *Service) fail(ctx context.Context, exec *ExecutionRequest, h FileHandler, stepErr error) error {
	ctx = context.WithoutCancel(ctx)
	log := logging.WithFields(ctx, "execution_id", exec.ExecID, "step", exec.Step)

	exec.Status = StatusFailed
	exec.Log = stepErr.Error()
	exec.LastUpdated = s.now()
	if err := s.store.Update(ctx, exec); err != nil {
		log.Error("record failure", "error", err)
	}
	s.emit(ctx, events.ExecutionFailed, exec, stepErr)

	if h != nil {
		if err := s.rollback(ctx, exec, h); err != nil {
			log.Error("rollback incomplete", "error", err)
		}
	}
	s.cleanup(ctx, exec)
	return stepErr
}

// cleanup removes worker files and, unless the user asked to keep them,
// the stored spatial files.
func (s *Service) cleanup(ctx context.Context, exec *ExecutionRequest) {
	os.RemoveAll(s.execDir(exec.ExecID))
	if exec.Status == StatusFinished && exec.Bool(ParamStoreFiles) {
		return
	}
	if len(exec.Files()) == 0 {
		return
	}
	if err := s.files.DeletePrefix(context.WithoutCancel(ctx), exec.ExecID); err != nil {
		logging.FromContext(ctx).Warn("delete stored files", "execution_id", exec.ExecID, "error", err)
	}
}
