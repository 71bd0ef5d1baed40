package handler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/geo"
	"github.com/JonMunkholm/geoimport/internal/geo/geotest"
	"github.com/JonMunkholm/geoimport/internal/publisher"
	"github.com/JonMunkholm/geoimport/internal/resource"
	"github.com/paulmach/orb"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const testSLD = `<?xml version="1.0" encoding="UTF-8"?>
<StyledLayerDescriptor version="1.0.0"><NamedLayer><Name>parks</Name></NamedLayer></StyledLayerDescriptor>`

const testMetadata = `<?xml version="1.0" encoding="UTF-8"?>
<MD_Metadata><identificationInfo><citation><title>City parks</title></citation><abstract>Every park in the city.</abstract></identificationInfo></MD_Metadata>`

const testKML = `<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2"><Document><Placemark><name>a</name><Point><coordinates>10,50</coordinates></Point></Placemark></Document></kml>`

func TestNew_EachFixtureHasOneHandler(t *testing.T) {
	dir := t.TempDir()

	gpkg := filepath.Join(dir, "parks.gpkg")
	if err := geotest.WriteGeoPackage(gpkg, geotest.Layer{Name: "parks", SRID: 4326, Fields: geotest.PointFields(), Features: geotest.Points(2)}); err != nil {
		t.Fatal(err)
	}
	shp, err := geotest.WriteShapefile(dir, "roads", 4326, geotest.PointFields(), geotest.Points(2))
	if err != nil {
		t.Fatal(err)
	}
	gj := filepath.Join(dir, "trees.geojson")
	if err := geotest.WriteGeoJSON(gj, geotest.Points(2)); err != nil {
		t.Fatal(err)
	}
	gjson := filepath.Join(dir, "wells.json")
	if err := geotest.WriteGeoJSON(gjson, geotest.Points(1)); err != nil {
		t.Fatal(err)
	}
	tilesDir := filepath.Join(dir, "tiles")
	if err := os.Mkdir(tilesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	tileset, err := geotest.WriteTileset(tilesDir, `"sphere": [0, 0, 0, 5]`)
	if err != nil {
		t.Fatal(err)
	}
	tif := filepath.Join(dir, "dem.tif")
	if err := geotest.WriteGeoTIFF(tif, 4326); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		files core.FileSet
		want  string
	}{
		{"geopackage", core.FileSet{core.FileBase: gpkg}, "geopackage"},
		{"shapefile", core.FileSet{core.FileBase: shp}, "shapefile"},
		{"geojson", core.FileSet{core.FileBase: gj}, "geojson"},
		{"geojson with json extension", core.FileSet{core.FileBase: gjson}, "geojson"},
		{"kml", core.FileSet{core.FileBase: writeFile(t, filepath.Join(dir, "stops.kml"), testKML)}, "kml"},
		{"csv", core.FileSet{core.FileBase: writeFile(t, filepath.Join(dir, "sites.csv"), "id,name,wkt\n1,a,POINT (1 2)\n")}, "csv"},
		{"geotiff", core.FileSet{core.FileBase: tif}, "geotiff"},
		{"3d tiles", core.FileSet{core.FileBase: tileset}, "3dtiles"},
		{"metadata", core.FileSet{core.FileBase: writeFile(t, filepath.Join(dir, "parks.xml"), testMetadata)}, "metadata"},
		{"sld", core.FileSet{core.FileBase: writeFile(t, filepath.Join(dir, "parks.sld"), testSLD)}, "sld"},
	}

	reg := core.NewRegistry(New(Deps{})...)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := reg.Resolve(tt.files)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if h.ID() != tt.want {
				t.Errorf("Resolve() = %s, want %s", h.ID(), tt.want)
			}
		})
	}

	t.Run("unknown extension", func(t *testing.T) {
		files := core.FileSet{core.FileBase: writeFile(t, filepath.Join(dir, "notes.txt"), "hello")}
		if _, err := reg.Resolve(files); !errors.Is(err, core.ErrNoHandler) {
			t.Errorf("Resolve() error = %v, want ErrNoHandler", err)
		}
	})
}

func TestGeoPackage_IsValid(t *testing.T) {
	d, _ := newTestDeps(t)
	h := NewGeoPackage(d)
	ctx := context.Background()

	t.Run("no layer has a CRS", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "nocrs.gpkg")
		err := geotest.WriteGeoPackage(p,
			geotest.Layer{Name: "a", Fields: geotest.PointFields(), Features: geotest.Points(1)},
			geotest.Layer{Name: "b", Fields: geotest.PointFields(), Features: geotest.Points(1)},
		)
		if err != nil {
			t.Fatal(err)
		}
		err = h.IsValid(ctx, core.FileSet{core.FileBase: p}, newExec(core.ActionUpload, nil, nil))
		var ve *core.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("IsValid() error = %v, want ValidationError", err)
		}
		if ve.Detail != "No valid layers found" {
			t.Errorf("Detail = %q, want %q", ve.Detail, "No valid layers found")
		}
	})

	t.Run("one layer has a CRS", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "partial.gpkg")
		err := geotest.WriteGeoPackage(p,
			geotest.Layer{Name: "a", Fields: geotest.PointFields(), Features: geotest.Points(1)},
			geotest.Layer{Name: "b", SRID: 4326, Fields: geotest.PointFields(), Features: geotest.Points(1)},
		)
		if err != nil {
			t.Fatal(err)
		}
		if err := h.IsValid(ctx, core.FileSet{core.FileBase: p}, newExec(core.ActionUpload, nil, nil)); err != nil {
			t.Errorf("IsValid() error = %v, want nil", err)
		}
	})
}

func TestShapefile_IsValid_MissingSidecar(t *testing.T) {
	d, _ := newTestDeps(t)
	dir := t.TempDir()
	shp, err := geotest.WriteShapefile(dir, "roads", 4326, geotest.PointFields(), geotest.Points(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(strings.TrimSuffix(shp, ".shp") + ".dbf"); err != nil {
		t.Fatal(err)
	}
	err = NewShapefile(d).IsValid(context.Background(), core.FileSet{core.FileBase: shp}, newExec(core.ActionUpload, nil, nil))
	var ve *core.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("IsValid() error = %v, want ValidationError", err)
	}
}

func TestCSV_IsValid_NoGeometryColumn(t *testing.T) {
	d, _ := newTestDeps(t)
	p := writeFile(t, filepath.Join(t.TempDir(), "plain.csv"), "id,name\n1,a\n")
	err := NewCSV(d).IsValid(context.Background(), core.FileSet{core.FileBase: p}, newExec(core.ActionUpload, nil, nil))
	var ve *core.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("IsValid() error = %v, want ValidationError", err)
	}
}

func TestGeoPackage_UploadRoundTrip(t *testing.T) {
	d, catalog := newTestDeps(t)
	ctx := context.Background()
	h := NewGeoPackage(d)

	p := filepath.Join(t.TempDir(), "city.gpkg")
	if err := geotest.WriteGeoPackage(p, geotest.Layer{Name: "parks", SRID: 4326, Fields: geotest.PointFields(), Features: geotest.Points(3)}); err != nil {
		t.Fatal(err)
	}
	exec := newExec(core.ActionUpload, core.FileSet{core.FileBase: p}, nil)
	runSteps(t, h, exec)

	ms, err := d.Schemas.Get(ctx, "parks")
	if err != nil {
		t.Fatalf("Schemas.Get(parks) error = %v", err)
	}
	if len(ms.Fields) == 0 {
		t.Error("schema has no fields")
	}
	n, err := d.Schemas.CountRows(ctx, ms)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("CountRows() = %d, want 3", n)
	}

	ds := onlyResource(t, d, exec)
	if !strings.Contains(ds.Alternate, "parks") {
		t.Errorf("Alternate = %q, want it to contain parks", ds.Alternate)
	}
	if ds.ModelSchema == nil || *ds.ModelSchema != ms.ID {
		t.Errorf("ModelSchema = %v, want %d", ds.ModelSchema, ms.ID)
	}
	if ds.Owner != "alice" {
		t.Errorf("Owner = %q, want alice", ds.Owner)
	}
	if _, ok := catalog.published["parks"]; !ok {
		t.Errorf("published = %v, want parks", catalog.published)
	}

	info, err := d.Resources.HandlerInfo(ctx, ds.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.HandlerModulePath != "geopackage" {
		t.Errorf("HandlerModulePath = %q, want geopackage", info.HandlerModulePath)
	}
}

func TestGeoPackage_SecondUploadGetsUniqueName(t *testing.T) {
	d, _ := newTestDeps(t)
	h := NewGeoPackage(d)

	for i := 0; i < 2; i++ {
		p := filepath.Join(t.TempDir(), "city.gpkg")
		if err := geotest.WriteGeoPackage(p, geotest.Layer{Name: "parks", SRID: 4326, Fields: geotest.PointFields(), Features: geotest.Points(1)}); err != nil {
			t.Fatal(err)
		}
		exec := newExec(core.ActionUpload, core.FileSet{core.FileBase: p}, nil)
		runSteps(t, h, exec)
		ds := onlyResource(t, d, exec)
		want := "parks"
		if i == 1 {
			want = "parks_1"
		}
		if ds.Name != want {
			t.Errorf("upload %d: Name = %q, want %q", i, ds.Name, want)
		}
	}
}

func TestVector_RollbackUndoesImportAndPublish(t *testing.T) {
	d, catalog := newTestDeps(t)
	ctx := context.Background()
	h := NewGeoJSON(d)

	p := filepath.Join(t.TempDir(), "trees.geojson")
	if err := geotest.WriteGeoJSON(p, geotest.Points(2)); err != nil {
		t.Fatal(err)
	}
	exec := newExec(core.ActionUpload, core.FileSet{core.FileBase: p}, nil)
	if err := h.ImportResource(ctx, exec); err != nil {
		t.Fatal(err)
	}
	if err := h.PublishResource(ctx, exec); err != nil {
		t.Fatal(err)
	}

	if err := h.RollbackPublish(ctx, exec); err != nil {
		t.Errorf("RollbackPublish() error = %v", err)
	}
	if err := h.RollbackImport(ctx, exec); err != nil {
		t.Errorf("RollbackImport() error = %v", err)
	}
	// a second pass finds nothing left to undo
	if err := h.RollbackPublish(ctx, exec); err != nil {
		t.Errorf("second RollbackPublish() error = %v", err)
	}

	exists, err := d.Schemas.Exists(ctx, "trees")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("schema trees still exists after rollback")
	}
	if len(catalog.unpublished) != 1 || catalog.unpublished[0] != "trees" {
		t.Errorf("unpublished = %v, want [trees]", catalog.unpublished)
	}
}

func TestVector_PublishFailure(t *testing.T) {
	d, catalog := newTestDeps(t)
	catalog.publishErr = errors.New("geoserver down")
	h := NewGeoJSON(d)

	p := filepath.Join(t.TempDir(), "trees.geojson")
	if err := geotest.WriteGeoJSON(p, geotest.Points(1)); err != nil {
		t.Fatal(err)
	}
	exec := newExec(core.ActionUpload, core.FileSet{core.FileBase: p}, nil)
	ctx := context.Background()
	if err := h.ImportResource(ctx, exec); err != nil {
		t.Fatal(err)
	}
	if err := h.PublishResource(ctx, exec); err == nil {
		t.Fatal("PublishResource() error = nil, want failure")
	}
	if err := h.RollbackPublish(ctx, exec); err != nil {
		t.Errorf("RollbackPublish() error = %v", err)
	}
}

// uploadShapefile imports feats as a new dataset and returns it.
func uploadShapefile(t *testing.T, d Deps, name string, feats []geo.Feature) *resource.Dataset {
	t.Helper()
	shp, err := geotest.WriteShapefile(t.TempDir(), name, 4326, geotest.PointFields(), feats)
	if err != nil {
		t.Fatal(err)
	}
	exec := newExec(core.ActionUpload, core.FileSet{core.FileBase: shp}, nil)
	runSteps(t, NewShapefile(d), exec)
	return onlyResource(t, d, exec)
}

func TestShapefile_Upsert(t *testing.T) {
	d, _ := newTestDeps(t)
	ctx := context.Background()
	h := NewShapefile(d)
	ds := uploadShapefile(t, d, "parcels", geotest.Points(2))

	feats := geotest.Points(3)[1:]
	feats[0].Properties["name"] = "renamed"
	shp, err := geotest.WriteShapefile(t.TempDir(), "parcels", 4326, geotest.PointFields(), feats)
	if err != nil {
		t.Fatal(err)
	}
	exec := newExec(core.ActionUpsert, core.FileSet{core.FileBase: shp}, map[string]any{
		core.ParamResourcePK: ds.ID,
		core.ParamUpsertKey:  "id",
	})
	runSteps(t, h, exec)

	var result UpsertResult
	ok, err := exec.DecodeOutput(OutputUpsert, &result)
	if err != nil || !ok {
		t.Fatalf("DecodeOutput() = %v, %v", ok, err)
	}
	if result.Success.Create != 1 || result.Success.Update != 1 {
		t.Errorf("success = %+v, want create 1 update 1", result.Success)
	}
	if len(result.Error.Create) != 0 || len(result.Error.Update) != 0 {
		t.Errorf("errors = %+v, want none", result.Error)
	}

	ms, err := d.Schemas.GetByID(ctx, *ds.ModelSchema)
	if err != nil {
		t.Fatal(err)
	}
	n, err := d.Schemas.CountRows(ctx, ms)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("CountRows() = %d, want 3", n)
	}
	renamed, err := d.Schemas.CountWhere(ctx, ms, "name", "renamed")
	if err != nil {
		t.Fatal(err)
	}
	if renamed != 1 {
		t.Errorf("rows named renamed = %d, want 1", renamed)
	}
}

func TestShapefile_UpsertUnknownKey(t *testing.T) {
	d, _ := newTestDeps(t)
	ds := uploadShapefile(t, d, "parcels", geotest.Points(1))

	shp, err := geotest.WriteShapefile(t.TempDir(), "parcels", 4326, geotest.PointFields(), geotest.Points(1))
	if err != nil {
		t.Fatal(err)
	}
	exec := newExec(core.ActionUpsert, core.FileSet{core.FileBase: shp}, map[string]any{
		core.ParamResourcePK: ds.ID,
		core.ParamUpsertKey:  "parcel_no",
	})
	err = NewShapefile(d).UpsertData(context.Background(), exec)
	var ve *core.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("UpsertData() error = %v, want ValidationError", err)
	}
}

func TestShapefile_AppendRollback(t *testing.T) {
	d, _ := newTestDeps(t)
	ctx := context.Background()
	h := NewShapefile(d)
	ds := uploadShapefile(t, d, "parcels", geotest.Points(2))

	shp, err := geotest.WriteShapefile(t.TempDir(), "more", 4326, geotest.PointFields(), geotest.Points(3))
	if err != nil {
		t.Fatal(err)
	}
	exec := newExec(core.ActionAppend, core.FileSet{core.FileBase: shp}, map[string]any{core.ParamResourcePK: ds.ID})
	if err := h.ImportResource(ctx, exec); err != nil {
		t.Fatal(err)
	}

	ms, err := d.Schemas.GetByID(ctx, *ds.ModelSchema)
	if err != nil {
		t.Fatal(err)
	}
	count := func() int64 {
		n, err := d.Schemas.CountRows(ctx, ms)
		if err != nil {
			t.Fatal(err)
		}
		return n
	}
	if got := count(); got != 5 {
		t.Errorf("rows after append = %d, want 5", got)
	}
	if err := h.RollbackImport(ctx, exec); err != nil {
		t.Fatalf("RollbackImport() error = %v", err)
	}
	if got := count(); got != 2 {
		t.Errorf("rows after rollback = %d, want 2", got)
	}
	exists, err := d.Schemas.Exists(ctx, ms.Name)
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("append rollback dropped the target schema")
	}
}

func TestShapefile_AppendExtendsBBox(t *testing.T) {
	d, _ := newTestDeps(t)
	ctx := context.Background()
	ds := uploadShapefile(t, d, "parcels", geotest.Points(2))
	if got := ds.BBox(); got.MaxX != 1 || got.MaxY != 0.5 {
		t.Fatalf("initial bbox = %+v, want max (1, 0.5)", got)
	}

	far := geotest.Points(1)
	far[0].Geometry = orb.Point{50, 40}
	shp, err := geotest.WriteShapefile(t.TempDir(), "far", 4326, geotest.PointFields(), far)
	if err != nil {
		t.Fatal(err)
	}
	exec := newExec(core.ActionAppend, core.FileSet{core.FileBase: shp}, map[string]any{core.ParamResourcePK: ds.ID})
	runSteps(t, NewShapefile(d), exec)

	got, err := d.Resources.Get(ctx, ds.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := geo.BBox{MinX: 0, MaxX: 50, MinY: 0, MaxY: 40}
	b := got.BBox()
	if b.MinX != want.MinX || b.MaxX != want.MaxX || b.MinY != want.MinY || b.MaxY != want.MaxY {
		t.Errorf("bbox after append = %+v, want %+v", b, want)
	}
}

func TestShapefile_Replace(t *testing.T) {
	d, _ := newTestDeps(t)
	ctx := context.Background()
	ds := uploadShapefile(t, d, "parcels", geotest.Points(4))

	shp, err := geotest.WriteShapefile(t.TempDir(), "parcels", 4326, geotest.PointFields(), geotest.Points(1))
	if err != nil {
		t.Fatal(err)
	}
	exec := newExec(core.ActionReplace, core.FileSet{core.FileBase: shp}, map[string]any{core.ParamResourcePK: ds.ID})
	runSteps(t, NewShapefile(d), exec)

	ms, err := d.Schemas.GetByID(ctx, *ds.ModelSchema)
	if err != nil {
		t.Fatal(err)
	}
	n, err := d.Schemas.CountRows(ctx, ms)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("rows after replace = %d, want 1", n)
	}
	if got := onlyResource(t, d, exec); got.ID != ds.ID {
		t.Errorf("replace produced dataset %d, want %d", got.ID, ds.ID)
	}
}

func TestVector_CopyIsIndependent(t *testing.T) {
	d, catalog := newTestDeps(t)
	ctx := context.Background()
	h := NewShapefile(d)
	src := uploadShapefile(t, d, "parcels", geotest.Points(3))

	exec := newExec(core.ActionCopy, nil, map[string]any{
		core.ParamResourcePK: src.ID,
		core.ParamDefaults:   map[string]any{"title": "Parcels copy"},
	})
	runSteps(t, h, exec)
	cp := onlyResource(t, d, exec)

	if cp.ID == src.ID {
		t.Fatal("copy shares the source dataset")
	}
	if cp.Name != "parcels_copy" {
		t.Errorf("Name = %q, want parcels_copy", cp.Name)
	}
	if cp.Title != "Parcels copy" {
		t.Errorf("Title = %q, want %q", cp.Title, "Parcels copy")
	}
	if cp.ModelSchema == nil || *cp.ModelSchema == *src.ModelSchema {
		t.Errorf("copy ModelSchema = %v, want a new schema", cp.ModelSchema)
	}
	if _, ok := catalog.published["parcels_copy"]; !ok {
		t.Errorf("published = %v, want parcels_copy", catalog.published)
	}

	if err := d.Resources.Delete(ctx, src.ID); err != nil {
		t.Fatalf("Delete(source) error = %v", err)
	}
	ms, err := d.Schemas.GetByID(ctx, *cp.ModelSchema)
	if err != nil {
		t.Fatalf("copy schema gone after source delete: %v", err)
	}
	n, err := d.Schemas.CountRows(ctx, ms)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("copy rows = %d, want 3", n)
	}
}

func TestTiles3D_Upload(t *testing.T) {
	d, catalog := newTestDeps(t)
	h := NewTiles3D(d)
	ctx := context.Background()

	dir := t.TempDir()
	p, err := geotest.WriteTileset(dir, `"sphere": [0, 0, 0, 5]`)
	if err != nil {
		t.Fatal(err)
	}
	files := core.FileSet{core.FileBase: p}
	exec := newExec(core.ActionUpload, files, nil)
	exec.Name = "Campus"
	if err := h.IsValid(ctx, files, exec); err != nil {
		t.Fatalf("IsValid() error = %v", err)
	}
	runSteps(t, h, exec)

	ds := onlyResource(t, d, exec)
	if ds.Subtype != resource.SubtypeTiles3D {
		t.Errorf("Subtype = %q, want %q", ds.Subtype, resource.SubtypeTiles3D)
	}
	if got := ds.BBox(); got != geo.DefaultBBox {
		t.Errorf("BBox() = %+v, want %+v", got, geo.DefaultBBox)
	}
	if len(catalog.published) != 0 {
		t.Errorf("published = %v, want nothing", catalog.published)
	}
	if _, err := os.Stat(d.Rasters.Path(ds.Extra[extraTileset].(string))); err != nil {
		t.Errorf("staged tileset: %v", err)
	}

	if err := h.RollbackCreateResource(ctx, exec); err != nil {
		t.Errorf("RollbackCreateResource() error = %v", err)
	}
	if _, err := d.Resources.Get(ctx, ds.ID); !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("Get() after rollback error = %v, want ErrNotFound", err)
	}
}

func TestTiles3D_IsValid_MissingRoot(t *testing.T) {
	d, _ := newTestDeps(t)
	dir := t.TempDir()
	p := writeFile(t, filepath.Join(dir, geo.TilesetFile), `{"asset":{"version":"1.0"},"geometricError":10}`)
	err := NewTiles3D(d).IsValid(context.Background(), core.FileSet{core.FileBase: p}, newExec(core.ActionUpload, nil, nil))
	var ve *core.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("IsValid() error = %v, want ValidationError", err)
	}
}

func TestGeoTIFF_Upload(t *testing.T) {
	d, catalog := newTestDeps(t)
	h := NewGeoTIFF(d)

	p := filepath.Join(t.TempDir(), "dem.tif")
	if err := geotest.WriteGeoTIFF(p, 4326); err != nil {
		t.Fatal(err)
	}
	exec := newExec(core.ActionUpload, core.FileSet{core.FileBase: p}, nil)
	exec.Name = "dem.tif"
	runSteps(t, h, exec)

	ds := onlyResource(t, d, exec)
	if ds.Subtype != resource.SubtypeRaster {
		t.Errorf("Subtype = %q, want %q", ds.Subtype, resource.SubtypeRaster)
	}
	target, ok := catalog.published[ds.Name]
	if !ok {
		t.Fatalf("published = %v, want %s", catalog.published, ds.Name)
	}
	if target.Kind != publisher.KindRaster {
		t.Errorf("Kind = %v, want raster", target.Kind)
	}
	if _, err := os.Stat(target.File); err != nil {
		t.Errorf("staged coverage: %v", err)
	}
}

func TestMetadata_UpdatesAndRestores(t *testing.T) {
	d, _ := newTestDeps(t)
	ctx := context.Background()
	h := NewMetadata(d)
	ds := uploadShapefile(t, d, "parks", geotest.Points(1))
	oldTitle := ds.Title

	p := writeFile(t, filepath.Join(t.TempDir(), "parks.xml"), testMetadata)
	exec := newExec(core.ActionMetadataUpload, core.FileSet{core.FileBase: p}, map[string]any{core.ParamResourcePK: ds.ID})
	runSteps(t, h, exec)

	got, err := d.Resources.Get(ctx, ds.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "City parks" {
		t.Errorf("Title = %q, want %q", got.Title, "City parks")
	}
	if got.Abstract != "Every park in the city." {
		t.Errorf("Abstract = %q", got.Abstract)
	}
	if !strings.Contains(got.MetadataXML, "MD_Metadata") {
		t.Error("MetadataXML was not stored")
	}

	if err := h.RollbackCreateResource(ctx, exec); err != nil {
		t.Fatalf("RollbackCreateResource() error = %v", err)
	}
	got, err = d.Resources.Get(ctx, ds.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != oldTitle || got.MetadataXML != "" {
		t.Errorf("after rollback Title = %q MetadataXML = %q, want %q and empty", got.Title, got.MetadataXML, oldTitle)
	}
}

func TestSLD_SetsStyle(t *testing.T) {
	d, catalog := newTestDeps(t)
	ctx := context.Background()
	h := NewSLD(d)
	ds := uploadShapefile(t, d, "parks", geotest.Points(1))

	p := writeFile(t, filepath.Join(t.TempDir(), "parks.sld"), testSLD)
	exec := newExec(core.ActionStyleUpload, core.FileSet{core.FileBase: p}, map[string]any{core.ParamResourcePK: ds.ID})
	runSteps(t, h, exec)

	got, err := d.Resources.Get(ctx, ds.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Style != ds.Name {
		t.Errorf("Style = %q, want %q", got.Style, ds.Name)
	}
	if !strings.Contains(catalog.styles[ds.Name], "StyledLayerDescriptor") {
		t.Errorf("styles = %v, want %s styled", catalog.styles, ds.Name)
	}
}

func TestSLD_IsValid_WrongRoot(t *testing.T) {
	d, _ := newTestDeps(t)
	p := writeFile(t, filepath.Join(t.TempDir(), "bad.sld"), `<Style><Name>x</Name></Style>`)
	err := NewSLD(d).IsValid(context.Background(), core.FileSet{core.FileBase: p}, nil)
	var ve *core.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("IsValid() error = %v, want ValidationError", err)
	}
}
