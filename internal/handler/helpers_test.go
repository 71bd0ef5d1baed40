package handler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/JonMunkholm/geoimport/internal/constraint"
	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/ogr"
	"github.com/JonMunkholm/geoimport/internal/publisher"
	"github.com/JonMunkholm/geoimport/internal/resource"
	"github.com/JonMunkholm/geoimport/internal/schema"
	"github.com/JonMunkholm/geoimport/internal/storage"
)

// fakeCatalog records catalog calls in memory.
type fakeCatalog struct {
	mu          sync.Mutex
	published   map[string]publisher.Target
	unpublished []string
	styles      map[string]string
	publishErr  error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{published: map[string]publisher.Target{}, styles: map[string]string{}}
}

func (c *fakeCatalog) Alternate(name string) string { return "geonode:" + name }

func (c *fakeCatalog) Publish(_ context.Context, t publisher.Target, overwrite bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return false, c.publishErr
	}
	if _, ok := c.published[t.Name]; ok && overwrite {
		return false, nil
	}
	c.published[t.Name] = t
	return true, nil
}

func (c *fakeCatalog) Unpublish(_ context.Context, t publisher.Target) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.published[t.Name]; !ok {
		return publisher.ErrNotFound
	}
	delete(c.published, t.Name)
	c.unpublished = append(c.unpublished, t.Name)
	return nil
}

func (c *fakeCatalog) SetStyle(_ context.Context, layer, name string, sld []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.styles[layer] = name + ":" + string(sld)
	return nil
}

func newTestDeps(t *testing.T) (Deps, *fakeCatalog) {
	t.Helper()
	ctx := context.Background()
	db, err := resource.Open("sqlite:" + filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog db: %v", err)
	}
	schemas := schema.NewManager(db, db)
	if err := schemas.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	resources := resource.NewManager(db, schemas, "http://localhost:8000")
	if err := resources.Migrate(ctx, 5); err != nil {
		t.Fatal(err)
	}
	rasters, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	constraints := constraint.NewRegistry()
	constraints.Register("geometry_required", constraint.GeometryRequired)

	catalog := newFakeCatalog()
	return Deps{
		Schemas:     schemas,
		Resources:   resources,
		Catalog:     catalog,
		Loader:      ogr.NewNative(schemas),
		Constraints: constraints,
		Rasters:     rasters,
		FieldChunk:  1,
	}, catalog
}

func newExec(action core.Action, files core.FileSet, input map[string]any) *core.ExecutionRequest {
	if input == nil {
		input = map[string]any{}
	}
	return &core.ExecutionRequest{
		ExecID:       "exec-" + string(action),
		User:         "alice",
		Action:       action,
		Name:         "upload",
		InputParams:  input,
		OutputParams: map[string]any{},
		LocalFiles:   files,
	}
}

// runSteps runs the non-bookkeeping steps of h's pipeline for exec in order.
func runSteps(t *testing.T, h core.FileHandler, exec *core.ExecutionRequest) {
	t.Helper()
	ctx := context.Background()
	for _, step := range h.Tasks(exec.Action) {
		var err error
		switch step {
		case core.StepStartImport, core.StepStartCopy:
			continue
		case core.StepImportResource:
			err = h.ImportResource(ctx, exec)
		case core.StepPublishResource:
			err = h.PublishResource(ctx, exec)
		case core.StepCreateResource:
			err = h.CreateResource(ctx, exec)
		case core.StepCopyDynamicModel:
			err = h.(core.Copier).CopyDynamicModel(ctx, exec)
		case core.StepCopyDataTable:
			err = h.(core.Copier).CopyDataTable(ctx, exec)
		case core.StepCopyRasterFile:
			err = h.(core.RasterCopier).CopyRasterFile(ctx, exec)
		case core.StepCopyResource:
			if c, ok := h.(core.Copier); ok {
				err = c.CopyResource(ctx, exec)
			} else {
				err = h.(core.RasterCopier).CopyResource(ctx, exec)
			}
		case core.StepUpsertData:
			err = h.(core.Upserter).UpsertData(ctx, exec)
		case core.StepRefreshResource:
			err = h.(core.Upserter).RefreshResource(ctx, exec)
		}
		if err != nil {
			t.Fatalf("%s %s: %v", h.ID(), step, err)
		}
	}
}

// onlyResource returns the single dataset recorded on exec.
func onlyResource(t *testing.T, d Deps, exec *core.ExecutionRequest) *resource.Dataset {
	t.Helper()
	res := exec.Resources()
	if len(res) != 1 {
		t.Fatalf("resources = %v, want one", res)
	}
	ds, err := d.Resources.Get(context.Background(), res[0].ID)
	if err != nil {
		t.Fatalf("Get(%d) error = %v", res[0].ID, err)
	}
	return ds
}
