// Package store persists execution requests.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/geoimport/internal/core"
)

// Memory keeps executions in process. Records are copied through JSON on
// the way in and out, so callers see the same value types as with Postgres.
type Memory struct {
	mu    sync.RWMutex
	execs map[string][]byte
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{execs: make(map[string][]byte)}
}

func (m *Memory) Create(_ context.Context, exec *core.ExecutionRequest) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.execs[exec.ExecID]; exists {
		return fmt.Errorf("execution %s already exists", exec.ExecID)
	}
	m.execs[exec.ExecID] = data
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*core.ExecutionRequest, error) {
	m.mu.RLock()
	data, ok := m.execs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrExecutionNotFound, id)
	}
	return decode(data)
}

func (m *Memory) Update(_ context.Context, exec *core.ExecutionRequest) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.execs[exec.ExecID]; !ok {
		return fmt.Errorf("%w: %s", core.ErrExecutionNotFound, exec.ExecID)
	}
	m.execs[exec.ExecID] = data
	return nil
}

func (m *Memory) List(_ context.Context, user string) ([]core.ExecutionRequest, error) {
	return m.filter(func(e *core.ExecutionRequest) bool {
		return user == "" || e.User == user
	})
}

func (m *Memory) CountActive(_ context.Context, user string) (int, error) {
	list, err := m.filter(func(e *core.ExecutionRequest) bool {
		return e.User == user && !e.Status.Terminal()
	})
	return len(list), err
}

func (m *Memory) ListTerminalBefore(_ context.Context, t time.Time) ([]core.ExecutionRequest, error) {
	return m.filter(func(e *core.ExecutionRequest) bool {
		return e.Status.Terminal() && e.LastUpdated.Before(t)
	})
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.execs, id)
	return nil
}

// filter returns matching executions, newest first.
func (m *Memory) filter(keep func(*core.ExecutionRequest) bool) ([]core.ExecutionRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []core.ExecutionRequest
	for _, data := range m.execs {
		e, err := decode(data)
		if err != nil {
			return nil, err
		}
		if keep(e) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ExecID > out[j].ExecID
		}
		return out[i].Created.After(out[j].Created)
	})
	return out, nil
}

func decode(data []byte) (*core.ExecutionRequest, error) {
	var e core.ExecutionRequest
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	return &e, nil
}
