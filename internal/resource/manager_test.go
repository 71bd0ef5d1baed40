package resource

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/JonMunkholm/geoimport/internal/geo"
	"github.com/JonMunkholm/geoimport/internal/schema"
)

func newTestManager(t *testing.T) (*Manager, *schema.Manager) {
	t.Helper()
	db, err := Open("sqlite:" + filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	schemas := schema.NewManager(db, db)
	if err := schemas.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	m := NewManager(db, schemas, "http://localhost:8000/")
	if err := m.Migrate(context.Background(), 5); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return m, schemas
}

func TestManager_CreateGetHandlerInfo(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	d := &Dataset{Title: "Roads", Name: "roads", Alternate: "geonode:roads", Subtype: SubtypeVector, Owner: "alice"}
	d.SetBBox(geo.BBox{MinX: 1, MaxX: 2, MinY: 3, MaxY: 4, SRID: "EPSG:4326"})
	d.SetFiles([]string{"e1/roads.gpkg"})
	info := ResourceHandlerInfo{HandlerModulePath: "geopackage", ExecutionID: "e1"}
	if err := m.Create(ctx, d, info); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if d.ID == 0 || d.UUID == "" {
		t.Fatalf("Create() left ID=%d UUID=%q", d.ID, d.UUID)
	}

	got, err := m.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.BBox() != d.BBox() {
		t.Errorf("BBox() = %+v, want %+v", got.BBox(), d.BBox())
	}
	if files := got.FileList(); len(files) != 1 || files[0] != "e1/roads.gpkg" {
		t.Errorf("FileList() = %v", files)
	}

	hi, err := m.HandlerInfo(ctx, d.ID)
	if err != nil || hi.HandlerModulePath != "geopackage" {
		t.Errorf("HandlerInfo() = %+v, %v", hi, err)
	}
	if url := m.DetailURL(got); url != "http://localhost:8000/catalogue/#/dataset/1" {
		t.Errorf("DetailURL() = %s", url)
	}

	if _, err := m.Get(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(999) error = %v, want ErrNotFound", err)
	}
	if _, err := m.GetByAlternate(ctx, "geonode:roads"); err != nil {
		t.Errorf("GetByAlternate() error = %v", err)
	}
}

func TestManager_CopyIsIndependent(t *testing.T) {
	ctx := context.Background()
	m, schemas := newTestManager(t)

	layer := geo.LayerInfo{Name: "parks", GeometryType: "Point", SRID: 4326, Fields: []geo.Field{{Name: "name", Type: geo.FieldString}}}
	ms, _ := schemas.CreateModelSchema(ctx, "parks", "parks", true)
	schemas.AddFields(ctx, ms.ID, schema.FieldsForLayer(layer))
	schemas.CreateTable(ctx, ms)

	src := &Dataset{Title: "Parks", Name: "parks", Alternate: "geonode:parks", Subtype: SubtypeVector, ModelSchema: &ms.ID}
	if err := m.Create(ctx, src, ResourceHandlerInfo{HandlerModulePath: "geopackage"}); err != nil {
		t.Fatal(err)
	}

	clone, err := schemas.Clone(ctx, ms, "parks_copy", "parks_copy")
	if err != nil {
		t.Fatal(err)
	}
	if err := schemas.CopyTable(ctx, ms, clone); err != nil {
		t.Fatal(err)
	}
	cp, err := m.Copy(ctx, src, ResourceHandlerInfo{HandlerModulePath: "geopackage"}, func(d *Dataset) {
		d.Name, d.Alternate, d.Title = "parks_copy", "geonode:parks_copy", "Parks (copy)"
		d.ModelSchema = &clone.ID
	})
	if err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	if cp.ID == src.ID || cp.UUID == src.UUID {
		t.Fatalf("copy shares identity with source: %+v", cp)
	}

	if err := m.Delete(ctx, src.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := m.Get(ctx, cp.ID); err != nil {
		t.Errorf("copy missing after deleting source: %v", err)
	}
	if ok, _ := schemas.Exists(ctx, "parks"); ok {
		t.Error("source schema survived Delete")
	}
	if ok, _ := schemas.Exists(ctx, "parks_copy"); !ok {
		t.Error("copy schema removed with source")
	}
	if _, err := m.HandlerInfo(ctx, src.ID); !errors.Is(err, ErrNoHandlerInfo) {
		t.Errorf("HandlerInfo(deleted) error = %v", err)
	}
}

func TestManager_ParallelismLimit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	if n, err := m.ParallelismLimit(ctx, "alice"); err != nil || n != 5 {
		t.Errorf("ParallelismLimit(alice) = %d, %v, want default 5", n, err)
	}
	if err := m.SetParallelismLimit(ctx, "alice", 2); err != nil {
		t.Fatal(err)
	}
	if n, _ := m.ParallelismLimit(ctx, "alice"); n != 2 {
		t.Errorf("ParallelismLimit(alice) = %d, want 2", n)
	}
	// migrating again keeps an edited default
	m.SetParallelismLimit(ctx, DefaultLimitSlug, 9)
	m.Migrate(ctx, 5)
	if n, _ := m.ParallelismLimit(ctx, "bob"); n != 9 {
		t.Errorf("ParallelismLimit(bob) = %d, want 9", n)
	}
}
