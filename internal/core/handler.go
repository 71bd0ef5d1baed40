package core

import (
	"context"
	"fmt"
)

// StepFunc runs one pipeline step for an execution. It may record state for
// later steps in the execution's output parameters.
type StepFunc func(ctx context.Context, exec *ExecutionRequest) error

// FileHandler processes one family of spatial files.
type FileHandler interface {
	// ID is the stable name stored on executions and resources.
	ID() string
	// CanHandle inspects file names and signatures only; it must not parse
	// the whole dataset.
	CanHandle(files FileSet) bool
	// IsValid rejects malformed input before anything is persisted.
	IsValid(ctx context.Context, files FileSet, exec *ExecutionRequest) error
	// Tasks returns the ordered pipeline for action, or nil when unsupported.
	Tasks(action Action) []string

	ImportResource(ctx context.Context, exec *ExecutionRequest) error
	PublishResource(ctx context.Context, exec *ExecutionRequest) error
	CreateResource(ctx context.Context, exec *ExecutionRequest) error

	RollbackImport(ctx context.Context, exec *ExecutionRequest) error
	RollbackPublish(ctx context.Context, exec *ExecutionRequest) error
	RollbackCreateResource(ctx context.Context, exec *ExecutionRequest) error
}

// Copier is implemented by vector handlers that can duplicate a dataset.
type Copier interface {
	CopyDynamicModel(ctx context.Context, exec *ExecutionRequest) error
	CopyDataTable(ctx context.Context, exec *ExecutionRequest) error
	CopyResource(ctx context.Context, exec *ExecutionRequest) error
}

// RasterCopier is implemented by handlers that copy a stored file instead
// of a table.
type RasterCopier interface {
	CopyRasterFile(ctx context.Context, exec *ExecutionRequest) error
	CopyResource(ctx context.Context, exec *ExecutionRequest) error
}

// Upserter is implemented by handlers that merge features into an
// existing dataset.
type Upserter interface {
	UpsertData(ctx context.Context, exec *ExecutionRequest) error
	RefreshResource(ctx context.Context, exec *ExecutionRequest) error
}

func noopStep(context.Context, *ExecutionRequest) error { return nil }

// stepFunc resolves the function that runs step on h.
func stepFunc(h FileHandler, step string) (StepFunc, error) {
	switch step {
	case StepStartImport, StepStartCopy:
		return noopStep, nil
	case StepImportResource:
		return h.ImportResource, nil
	case StepPublishResource:
		return h.PublishResource, nil
	case StepCreateResource:
		return h.CreateResource, nil
	case StepCopyDynamicModel, StepCopyDataTable:
		c, ok := h.(Copier)
		if !ok {
			break
		}
		if step == StepCopyDynamicModel {
			return c.CopyDynamicModel, nil
		}
		return c.CopyDataTable, nil
	case StepCopyRasterFile:
		if c, ok := h.(RasterCopier); ok {
			return c.CopyRasterFile, nil
		}
	case StepCopyResource:
		if c, ok := h.(Copier); ok {
			return c.CopyResource, nil
		}
		if c, ok := h.(RasterCopier); ok {
			return c.CopyResource, nil
		}
	case StepUpsertData:
		if u, ok := h.(Upserter); ok {
			return u.UpsertData, nil
		}
	case StepRefreshResource:
		if u, ok := h.(Upserter); ok {
			return u.RefreshResource, nil
		}
	}
	return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedStep, step, h.ID())
}

type rollbackHook int

const (
	hookNone rollbackHook = iota
	hookImport
	hookPublish
	hookCreate
)

// hookFor maps a forward step to the rollback hook that undoes it.
func hookFor(step string) rollbackHook {
	switch step {
	case StepImportResource, StepUpsertData, StepCopyDynamicModel, StepCopyDataTable, StepCopyRasterFile:
		return hookImport
	case StepPublishResource:
		return hookPublish
	case StepCreateResource, StepCopyResource, StepRefreshResource:
		return hookCreate
	}
	return hookNone
}

func (k rollbackHook) run(ctx context.Context, h FileHandler, exec *ExecutionRequest) error {
	switch k {
	case hookImport:
		return h.RollbackImport(ctx, exec)
	case hookPublish:
		return h.RollbackPublish(ctx, exec)
	case hookCreate:
		return h.RollbackCreateResource(ctx, exec)
	}
	return nil
}

func (k rollbackHook) String() string {
	switch k {
	case hookImport:
		return "import"
	case hookPublish:
		return "publish"
	case hookCreate:
		return "create_resource"
	}
	return "none"
}
