package core

// parallelism.go gates admission of new executions.
//
// Each user may have at most N pending or running executions, where N comes
// from the UploadParallelismLimit record for the user, or the default record.
// The check and the creation of the execution happen under one lock so two
// concurrent uploads cannot both take the last slot. The lock is process
// local; API replicas rely on the limit being a soft ceiling.

import (
	"context"
	"fmt"
	"sync"
)

// LimitSource returns the configured ceiling for a user.
type LimitSource interface {
	ParallelismLimit(ctx context.Context, slug string) (int, error)
}

// ActiveCounter counts a user's unfinished executions.
type ActiveCounter interface {
	CountActive(ctx context.Context, user string) (int, error)
}

// ParallelismLimiter admits executions while a user is below the ceiling.
type ParallelismLimiter struct {
	limits  LimitSource
	counter ActiveCounter

	mu sync.Mutex
}

// NewParallelismLimiter creates a limiter. A nil limits source disables it.
func NewParallelismLimiter(limits LimitSource, counter ActiveCounter) *ParallelismLimiter {
	return &ParallelismLimiter{limits: limits, counter: counter}
}

// Check returns ErrParallelismLimit when user has no free slot.
func (l *ParallelismLimiter) Check(ctx context.Context, user string) error {
	if l.limits == nil {
		return nil
	}
	max, err := l.limits.ParallelismLimit(ctx, user)
	if err != nil {
		return fmt.Errorf("load parallelism limit: %w", err)
	}
	active, err := l.counter.CountActive(ctx, user)
	if err != nil {
		return fmt.Errorf("count active executions: %w", err)
	}
	if active >= max {
		return fmt.Errorf("%w: %d of %d executions running for %q", ErrParallelismLimit, active, max, user)
	}
	return nil
}

// Admit re-checks the limit and runs create while holding the admission lock.
func (l *ParallelismLimiter) Admit(ctx context.Context, user string, create func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.Check(ctx, user); err != nil {
		return err
	}
	return create()
}
