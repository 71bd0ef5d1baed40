package core

import (
	"context"
	"time"
)

// Store persists execution requests.
type Store interface {
	Create(ctx context.Context, exec *ExecutionRequest) error
	// Get returns ErrExecutionNotFound for unknown ids.
	Get(ctx context.Context, id string) (*ExecutionRequest, error)
	Update(ctx context.Context, exec *ExecutionRequest) error
	// List returns the executions of user, newest first. An empty user lists all.
	List(ctx context.Context, user string) ([]ExecutionRequest, error)
	// CountActive counts pending and running executions of user.
	CountActive(ctx context.Context, user string) (int, error)
	// ListTerminalBefore returns finished or failed executions last updated
	// before t.
	ListTerminalBefore(ctx context.Context, t time.Time) ([]ExecutionRequest, error)
	Delete(ctx context.Context, id string) error
}
