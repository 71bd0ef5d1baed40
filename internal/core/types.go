package core

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Action is the kind of operation an execution performs.
type Action string

const (
	ActionUpload         Action = "upload"
	ActionCopy           Action = "copy"
	ActionAppend         Action = "append"
	ActionReplace        Action = "replace"
	ActionUpsert         Action = "upsert"
	ActionMetadataUpload Action = "resource_metadata_upload"
	ActionStyleUpload    Action = "resource_style_upload"
)

// Actions lists every action in a stable order.
var Actions = []Action{
	ActionUpload, ActionCopy, ActionAppend, ActionReplace,
	ActionUpsert, ActionMetadataUpload, ActionStyleUpload,
}

// ParseAction validates an action name. Empty means upload.
func ParseAction(s string) (Action, error) {
	if s == "" {
		return ActionUpload, nil
	}
	for _, a := range Actions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", &ValidationError{Family: FamilyUpload, Detail: fmt.Sprintf("unknown action %q", s)}
}

// TargetsResource reports whether the action operates on an existing resource.
func (a Action) TargetsResource() bool {
	switch a {
	case ActionCopy, ActionAppend, ActionReplace, ActionUpsert, ActionMetadataUpload, ActionStyleUpload:
		return true
	}
	return false
}

// Pipeline step names.
const (
	StepStartImport      = "start_import"
	StepStartCopy        = "start_copy"
	StepImportResource   = "import_resource"
	StepPublishResource  = "publish_resource"
	StepCreateResource   = "create_geonode_resource"
	StepCopyDynamicModel = "copy_dynamic_model"
	StepCopyDataTable    = "copy_geonode_data_table"
	StepCopyRasterFile   = "copy_raster_file"
	StepCopyResource     = "copy_geonode_resource"
	StepUpsertData       = "upsert_data"
	StepRefreshResource  = "refresh_geonode_resource"
)

// Input parameter keys.
const (
	ParamFiles        = "files"
	ParamOverwrite    = "overwrite_existing_layer"
	ParamSkipExisting = "skip_existing_layer"
	ParamStoreFiles   = "store_spatial_files"
	ParamResourcePK   = "resource_pk"
	ParamUpsertKey    = "upsert_key"
	ParamDefaults     = "defaults"
	paramRolledBack   = "rolled_back"
	outputResources   = "resources"
)

// Form keys of an upload.
const (
	FileBase = "base_file"
	FileDBF  = "dbf_file"
	FileSHX  = "shx_file"
	FilePRJ  = "prj_file"
	FileCPG  = "cpg_file"
	FileXML  = "xml_file"
	FileSLD  = "sld_file"
	FileZip  = "zip_file"
)

// FileKeys lists the accepted upload form keys.
var FileKeys = []string{FileBase, FileDBF, FileSHX, FilePRJ, FileCPG, FileXML, FileSLD, FileZip}

// FileSet maps upload form keys to file paths.
type FileSet map[string]string

// Base returns the base file path.
func (f FileSet) Base() string { return f[FileBase] }

// Ext returns the lower-case extension of the base file, without the dot.
func (f FileSet) Ext() string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(f.Base())), ".")
}

// Keys returns the form keys in sorted order.
func (f FileSet) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ExecutionRequest is the persisted record of one pipeline run.
type ExecutionRequest struct {
	ExecID            string         `json:"exec_id"`
	User              string         `json:"user"`
	FuncName          string         `json:"func_name"`
	Step              string         `json:"step"`
	Action            Action         `json:"action"`
	Status            Status         `json:"status"`
	HandlerModulePath string         `json:"handler_module_path"`
	Name              string         `json:"name"`
	InputParams       map[string]any `json:"input_params"`
	OutputParams      map[string]any `json:"output_params"`
	Log               string         `json:"log,omitempty"`
	Created           time.Time      `json:"created"`
	LastUpdated       time.Time      `json:"last_updated"`

	// LocalFiles holds the worker-local copies of the input files while a
	// step runs. It is never persisted.
	LocalFiles FileSet `json:"-"`
}

// Bool reads a boolean input parameter. Form values arrive as strings.
func (e *ExecutionRequest) Bool(key string) bool {
	switch v := e.InputParams[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// String reads a string input parameter.
func (e *ExecutionRequest) String(key string) string {
	switch v := e.InputParams[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// ResourcePK returns the target resource of the execution.
func (e *ExecutionRequest) ResourcePK() (uint, bool) {
	return toUint(e.InputParams[ParamResourcePK])
}

// Defaults returns the field overrides of a copy.
func (e *ExecutionRequest) Defaults() map[string]any {
	if m, ok := e.InputParams[ParamDefaults].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Files returns the storage keys of the input files by form key.
func (e *ExecutionRequest) Files() map[string]string {
	out := make(map[string]string)
	switch v := e.InputParams[ParamFiles].(type) {
	case map[string]string:
		for k, s := range v {
			out[k] = s
		}
	case map[string]any:
		for k, s := range v {
			if str, ok := s.(string); ok {
				out[k] = str
			}
		}
	}
	return out
}

// SetOutput stores v under key in the output parameters.
func (e *ExecutionRequest) SetOutput(key string, v any) {
	if e.OutputParams == nil {
		e.OutputParams = make(map[string]any)
	}
	e.OutputParams[key] = v
}

// DecodeOutput decodes the output parameter key into dst. It reports false
// when the key is absent. Values survive a JSON round trip through the
// store, so they are re-decoded rather than type-asserted.
func (e *ExecutionRequest) DecodeOutput(key string, dst any) (bool, error) {
	v, ok := e.OutputParams[key]
	if !ok || v == nil {
		return false, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, fmt.Errorf("decode output %s: %w", key, err)
	}
	return true, nil
}

// CreatedResource is one entry of the "resources" output.
type CreatedResource struct {
	ID        uint   `json:"id"`
	DetailURL string `json:"detail_url"`
}

// AddResource records a created or updated resource.
func (e *ExecutionRequest) AddResource(id uint, detailURL string) {
	var list []CreatedResource
	e.DecodeOutput(outputResources, &list)
	for _, r := range list {
		if r.ID == id {
			return
		}
	}
	e.SetOutput(outputResources, append(list, CreatedResource{ID: id, DetailURL: detailURL}))
}

// Resources returns the recorded resources.
func (e *ExecutionRequest) Resources() []CreatedResource {
	var list []CreatedResource
	e.DecodeOutput(outputResources, &list)
	return list
}

func toUint(v any) (uint, bool) {
	switch n := v.(type) {
	case uint:
		return n, n > 0
	case int:
		return uint(n), n > 0
	case int64:
		return uint(n), n > 0
	case float64:
		return uint(n), n > 0
	case json.Number:
		i, err := n.Int64()
		return uint(i), err == nil && i > 0
	case string:
		i, err := strconv.ParseUint(strings.TrimSpace(n), 10, 64)
		return uint(i), err == nil && i > 0
	}
	return 0, false
}
