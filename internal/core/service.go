package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JonMunkholm/geoimport/internal/events"
	"github.com/JonMunkholm/geoimport/internal/logging"
	"github.com/JonMunkholm/geoimport/internal/queue"
	"github.com/JonMunkholm/geoimport/internal/resource"
	"github.com/JonMunkholm/geoimport/internal/storage"
	"github.com/google/uuid"
)

// ResourceLookup reads catalog resources targeted by copy, append, replace
// and upsert executions.
type ResourceLookup interface {
	Get(ctx context.Context, id uint) (*resource.Dataset, error)
	HandlerInfo(ctx context.Context, resourceID uint) (*resource.ResourceHandlerInfo, error)
}

// Options wires the collaborators of a Service.
type Options struct {
	Registry  *Registry
	Store     Store
	Queue     queue.Queue
	Files     storage.Store
	Resources ResourceLookup
	// Limits defaults to Resources when it implements LimitSource.
	Limits  LimitSource
	Events  events.Publisher
	WorkDir string
}

// Service orchestrates executions: admission, step dispatch, completion
// and rollback.
type Service struct {
	registry  *Registry
	store     Store
	queue     queue.Queue
	files     storage.Store
	resources ResourceLookup
	limiter   *ParallelismLimiter
	events    events.Publisher
	workDir   string
	now       func() time.Time
}

// NewService creates a new Service instance.
func NewService(opts Options) (*Service, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("service requires a handler registry")
	case opts.Store == nil:
		return nil, errors.New("service requires an execution store")
	case opts.Queue == nil:
		return nil, errors.New("service requires a task queue")
	case opts.Files == nil:
		return nil, errors.New("service requires a file store")
	}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "geoimport")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	limits := opts.Limits
	if limits == nil {
		if ls, ok := opts.Resources.(LimitSource); ok {
			limits = ls
		}
	}
	ev := opts.Events
	if ev == nil {
		ev = events.Log{}
	}

	return &Service{
		registry:  opts.Registry,
		store:     opts.Store,
		queue:     opts.Queue,
		files:     opts.Files,
		resources: opts.Resources,
		limiter:   NewParallelismLimiter(limits, opts.Store),
		events:    ev,
		workDir:   workDir,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Registry returns the handler registry.
func (s *Service) Registry() *Registry { return s.registry }

// Upload admits a new execution for files and dispatches its first step.
// Validation, the parallelism limit and handler resolution are all checked
// before any file is stored; their errors leave no state behind.
func (s *Service) Upload(ctx context.Context, user string, action Action, files FileSet, params map[string]any) (string, error) {
	if action == "" {
		action = ActionUpload
	}
	if action == ActionCopy {
		return "", Invalid(FamilyUpload, "copy does not take files")
	}
	if files.Base() == "" && files[FileZip] == "" {
		return "", Invalid(FamilyUpload, "base_file is required")
	}

	execID := uuid.NewString()
	log := logging.WithFields(ctx, "execution_id", execID, "user", user, "action", action)

	stage := filepath.Join(s.workDir, "admission", execID)
	defer os.RemoveAll(stage)
	files, err := ExpandArchives(files, stage)
	if err != nil {
		return "", err
	}

	h, err := s.registry.Resolve(files)
	if err != nil {
		return "", err
	}
	tasks := h.Tasks(action)
	if len(tasks) == 0 {
		return "", Invalid(FamilyUpload, "%s files do not support the %s action", h.ID(), action)
	}

	input := make(map[string]any, len(params)+2)
	for k, v := range params {
		input[k] = v
	}
	input["action"] = string(action)

	exec := &ExecutionRequest{
		ExecID:            execID,
		User:              user,
		FuncName:          tasks[0],
		Step:              tasks[0],
		Action:            action,
		Status:            StatusPending,
		HandlerModulePath: h.ID(),
		Name:              uploadName(files),
		InputParams:       input,
		LocalFiles:        files,
	}

	if action.TargetsResource() {
		pk, ok := exec.ResourcePK()
		if !ok {
			return "", Invalid(FamilyUpload, "%s requires resource_pk", action)
		}
		if err := s.checkTarget(ctx, pk, h); err != nil {
			return "", err
		}
	}

	if err := s.limiter.Check(ctx, user); err != nil {
		return "", err
	}
	if err := h.IsValid(ctx, files, exec); err != nil {
		return "", err
	}
	keys, err := storageKeys(execID, files)
	if err != nil {
		return "", err
	}
	input[ParamFiles] = keys

	err = s.limiter.Admit(ctx, user, func() error {
		if err := s.persistFiles(ctx, execID, files, keys); err != nil {
			return err
		}
		return s.create(ctx, exec)
	})
	if err != nil {
		return "", err
	}
	log.Info("execution admitted", "handler", h.ID(), "files", len(keys))

	return execID, s.dispatch(ctx, exec, tasks[0])
}

// checkTarget verifies that resource pk exists and was produced by a
// handler compatible with h.
func (s *Service) checkTarget(ctx context.Context, pk uint, h FileHandler) error {
	if s.resources == nil {
		return fmt.Errorf("%w: %d", resource.ErrNotFound, pk)
	}
	if _, err := s.resources.Get(ctx, pk); err != nil {
		return err
	}
	info, err := s.resources.HandlerInfo(ctx, pk)
	if err != nil {
		// metadata and style uploads may target resources created elsewhere
		if errors.Is(err, resource.ErrNoHandlerInfo) {
			return nil
		}
		return err
	}
	target, ok := s.registry.Get(info.HandlerModulePath)
	if !ok {
		return nil
	}
	want, got := vectorFamily(target.ID()), vectorFamily(h.ID())
	if want != got && got != "any" {
		return Invalid(FamilyUpload, "resource %d was created from %s data and cannot take %s data", pk, target.ID(), h.ID())
	}
	return nil
}

// vectorFamily groups handlers whose datasets share a storage model.
func vectorFamily(id string) string {
	switch id {
	case "geotiff", "3dtiles":
		return id
	case "metadata", "sld":
		return "any"
	}
	return "vector"
}

// Copy admits a copy of resource pk. defaults override fields of the new
// resource.
func (s *Service) Copy(ctx context.Context, user string, pk uint, defaults map[string]any) (string, error) {
	if s.resources == nil {
		return "", fmt.Errorf("%w: %d", resource.ErrNotFound, pk)
	}
	d, err := s.resources.Get(ctx, pk)
	if err != nil {
		return "", err
	}
	info, err := s.resources.HandlerInfo(ctx, pk)
	if err != nil {
		return "", err
	}
	h, ok := s.registry.Get(info.HandlerModulePath)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoHandler, info.HandlerModulePath)
	}
	tasks := h.Tasks(ActionCopy)
	if len(tasks) == 0 {
		return "", Invalid(FamilyUpload, "%s resources cannot be copied", h.ID())
	}
	if defaults == nil {
		defaults = map[string]any{}
	}

	exec := &ExecutionRequest{
		ExecID:            uuid.NewString(),
		User:              user,
		FuncName:          tasks[0],
		Step:              tasks[0],
		Action:            ActionCopy,
		Status:            StatusPending,
		HandlerModulePath: h.ID(),
		Name:              d.Name,
		InputParams: map[string]any{
			ParamResourcePK: pk,
			ParamDefaults:   defaults,
			"action":        string(ActionCopy),
		},
	}
	if err := s.limiter.Admit(ctx, user, func() error { return s.create(ctx, exec) }); err != nil {
		return "", err
	}
	logging.WithFields(ctx, "execution_id", exec.ExecID, "resource", pk).Info("copy admitted", "handler", h.ID())

	return exec.ExecID, s.dispatch(ctx, exec, tasks[0])
}

// CreateExecutionRequest stores a pending execution with the given first
// step and returns its id. It does not dispatch anything.
func (s *Service) CreateExecutionRequest(ctx context.Context, user, funcName, step string, action Action, handlerID string, input map[string]any) (string, error) {
	if _, ok := s.registry.Get(handlerID); !ok {
		return "", fmt.Errorf("%w: %s", ErrNoHandler, handlerID)
	}
	exec := &ExecutionRequest{
		ExecID:            uuid.NewString(),
		User:              user,
		FuncName:          funcName,
		Step:              step,
		Action:            action,
		Status:            StatusPending,
		HandlerModulePath: handlerID,
		InputParams:       input,
	}
	if err := s.create(ctx, exec); err != nil {
		return "", err
	}
	return exec.ExecID, nil
}

func (s *Service) create(ctx context.Context, exec *ExecutionRequest) error {
	now := s.now()
	exec.Created, exec.LastUpdated = now, now
	if exec.InputParams == nil {
		exec.InputParams = map[string]any{}
	}
	if exec.OutputParams == nil {
		exec.OutputParams = map[string]any{}
	}
	if err := s.store.Create(ctx, exec); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	s.emit(ctx, events.ExecutionCreated, exec, nil)
	return nil
}

// GetExecution returns an execution by id.
func (s *Service) GetExecution(ctx context.Context, id string) (*ExecutionRequest, error) {
	return s.store.Get(ctx, id)
}

// ListExecutions returns the executions of user, newest first.
func (s *Service) ListExecutions(ctx context.Context, user string) ([]ExecutionRequest, error) {
	return s.store.List(ctx, user)
}

func (s *Service) emit(ctx context.Context, typ string, exec *ExecutionRequest, err error) {
	e := events.Event{
		Type:    typ,
		ExecID:  exec.ExecID,
		User:    exec.User,
		Action:  string(exec.Action),
		Handler: exec.HandlerModulePath,
		Step:    exec.Step,
		Status:  string(exec.Status),
		Time:    s.now(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if perr := s.events.Publish(context.WithoutCancel(ctx), e); perr != nil {
		logging.FromContext(ctx).Warn("publish event failed", "type", typ, "execution_id", exec.ExecID, "error", perr)
	}
}

// uploadName derives the dataset name of an upload. A tileset takes the
// name of its archive or folder.
func uploadName(files FileSet) string {
	p := files.Base()
	if strings.EqualFold(filepath.Base(p), "tileset.json") {
		if zip := files[FileZip]; zip != "" {
			p = zip
		} else {
			p = filepath.Dir(p)
		}
	}
	base := filepath.Base(p)
	for _, ext := range []string{".tar.gz", ".tgz", ".tar", ".zip"} {
		if strings.HasSuffix(strings.ToLower(base), ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
