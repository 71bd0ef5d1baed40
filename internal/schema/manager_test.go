package schema

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/JonMunkholm/geoimport/internal/geo"
	"github.com/paulmach/orb"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "catalog.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	m := NewManager(db, db)
	if err := m.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return m
}

func testLayer() geo.LayerInfo {
	return geo.LayerInfo{
		Name:         "Roads",
		GeometryType: "LineString",
		SRID:         4326,
		CRS:          "EPSG:4326",
		Fields: []geo.Field{
			{Name: "Name", Type: geo.FieldString, Width: 80},
			{Name: "lanes", Type: geo.FieldInteger},
			{Name: "2nd name", Type: geo.FieldString},
			{Name: "geometry", Type: geo.FieldString},
		},
	}
}

func TestFieldsForLayer(t *testing.T) {
	fields := FieldsForLayer(testLayer())

	want := []struct {
		name  string
		class ColumnClass
	}{
		{"fid", ClassPrimaryKey},
		{"geometry", ClassGeometry},
		{"name", ClassString},
		{"lanes", ClassInteger},
		{"_2nd_name", ClassString},
		{"geometry_1", ClassString},
	}
	if len(fields) != len(want) {
		t.Fatalf("len(fields) = %d, want %d", len(fields), len(want))
	}
	for i, w := range want {
		if fields[i].Name != w.name || fields[i].Class != w.class {
			t.Errorf("fields[%d] = %s/%s, want %s/%s", i, fields[i].Name, fields[i].Class, w.name, w.class)
		}
	}
	if fields[2].MaxLength != 80 || fields[2].SourceName != "Name" {
		t.Errorf("name field = %+v, want max 80 source Name", fields[2])
	}
	if fields[1].SRID != 4326 || fields[1].GeometryType != "LineString" {
		t.Errorf("geometry field = %+v", fields[1])
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Name", "name"},
		{"  Road Type ", "road_type"},
		{"1st", "_1st"},
		{"!!!", "field"},
		{strings.Repeat("a", 70), strings.Repeat("a", 63)},
	}
	for _, tt := range tests {
		if got := NormalizeName(tt.in); got != tt.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestColumnType(t *testing.T) {
	geom := FieldSchema{Class: ClassGeometry, GeometryType: "MultiPolygon", SRID: 3857}
	if got := ColumnType(DialectPostgres, geom); got != "geometry(MULTIPOLYGON,3857)" {
		t.Errorf("postgres geometry = %q", got)
	}
	if got := ColumnType(DialectSQLite, geom); got != "BLOB" {
		t.Errorf("sqlite geometry = %q", got)
	}
	if got := ColumnType(DialectPostgres, FieldSchema{Class: ClassString, MaxLength: 20}); got != "VARCHAR(20)" {
		t.Errorf("string = %q", got)
	}
	if got := ColumnType(DialectPostgres, FieldSchema{Class: "unknown"}); got != "TEXT" {
		t.Errorf("unknown = %q", got)
	}
}

func TestManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	ms, err := m.CreateModelSchema(ctx, "roads", "roads", true)
	if err != nil {
		t.Fatalf("CreateModelSchema() error = %v", err)
	}
	if _, err := m.CreateModelSchema(ctx, "roads", "roads", true); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate CreateModelSchema error = %v, want ErrExists", err)
	}

	fields := FieldsForLayer(testLayer())
	// two overlapping chunks: the second repeats a field
	if err := m.AddFields(ctx, ms.ID, fields[:4]); err != nil {
		t.Fatalf("AddFields(chunk 1) error = %v", err)
	}
	if err := m.AddFields(ctx, ms.ID, fields[3:]); err != nil {
		t.Fatalf("AddFields(chunk 2) error = %v", err)
	}
	got, err := m.Get(ctx, "roads")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Fields) != len(fields) {
		t.Errorf("stored fields = %d, want %d", len(got.Fields), len(fields))
	}

	if err := m.CreateTable(ctx, ms); err != nil {
		t.Fatalf("CreateTable() error = %v", err)
	}
	if !m.TableExists(ms) {
		t.Fatal("table not created")
	}

	line := orb.LineString{{0, 0}, {2, 3}}
	row := Row{Values: map[string]any{"name": "Main St", "lanes": 2}, Geometry: line, SRID: 4326}
	if err := m.InsertRow(ctx, ms, row); err != nil {
		t.Fatalf("InsertRow() error = %v", err)
	}
	n, err := m.UpdateRows(ctx, ms, "name", "Main St", Row{Values: map[string]any{"lanes": 4}})
	if err != nil || n != 1 {
		t.Fatalf("UpdateRows() = %d, %v, want 1, nil", n, err)
	}

	rows, err := m.Rows(ctx, ms)
	if err != nil {
		t.Fatalf("Rows() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(Rows()) = %d, want 1", len(rows))
	}
	if !orb.Equal(rows[0].Geometry, line) {
		t.Errorf("geometry = %v, want %v", rows[0].Geometry, line)
	}
	if v, _ := rows[0].Values["lanes"].(int64); v != 4 {
		t.Errorf("lanes = %v, want 4", rows[0].Values["lanes"])
	}

	bound, ok, err := m.Extent(ctx, ms)
	if err != nil || !ok || bound.Max.Y() != 3 {
		t.Errorf("Extent() = %v, %v, %v", bound, ok, err)
	}

	if err := m.Drop(ctx, ms); err != nil {
		t.Fatalf("Drop() error = %v", err)
	}
	if m.TableExists(ms) {
		t.Error("table still exists after Drop")
	}
	if _, err := m.Get(ctx, "roads"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Drop error = %v, want ErrNotFound", err)
	}
}

func TestManager_CloneAndCopyTable(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	src, _ := m.CreateModelSchema(ctx, "parks", "parks", true)
	if err := m.AddFields(ctx, src.ID, FieldsForLayer(testLayer())); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateTable(ctx, src); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := m.InsertRow(ctx, src, Row{Values: map[string]any{"lanes": i}, Geometry: orb.Point{1, 1}}); err != nil {
			t.Fatal(err)
		}
	}

	dst, err := m.Clone(ctx, src, "parks_copy", "parks_copy")
	if err != nil {
		t.Fatalf("Clone() error = %v", err)
	}
	if len(dst.Fields) != len(src.Fields) {
		t.Errorf("clone fields = %d, want %d", len(dst.Fields), len(src.Fields))
	}
	if err := m.CopyTable(ctx, src, dst); err != nil {
		t.Fatalf("CopyTable() error = %v", err)
	}

	if err := m.Drop(ctx, src); err != nil {
		t.Fatal(err)
	}
	n, err := m.CountRows(ctx, dst)
	if err != nil || n != 3 {
		t.Errorf("copy rows after dropping source = %d, %v, want 3", n, err)
	}

	// new rows in the copy must not collide with copied keys
	if err := m.InsertRow(ctx, dst, Row{Values: map[string]any{"lanes": 9}}); err != nil {
		t.Errorf("InsertRow into copy error = %v", err)
	}
}

func TestManager_Transaction(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	ms, _ := m.CreateModelSchema(ctx, "t", "t", true)
	m.AddFields(ctx, ms.ID, FieldsForLayer(testLayer()))
	if err := m.CreateTable(ctx, ms); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := m.Transaction(ctx, func(tx *Manager) error {
		if err := tx.InsertRow(ctx, ms, Row{Values: map[string]any{"lanes": 1}}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transaction() error = %v, want boom", err)
	}
	if n, _ := m.CountRows(ctx, ms); n != 0 {
		t.Errorf("rows after rollback = %d, want 0", n)
	}
}

func TestFeatureRow(t *testing.T) {
	ms := &ModelSchema{Fields: FieldsForLayer(testLayer())}
	f := geo.Feature{
		FID:        7,
		Geometry:   orb.LineString{{0, 0}, {1, 1}},
		Properties: map[string]any{"Name": "A", "2nd name": "B", "LANES": 3, "extra": true},
	}
	r := FeatureRow(ms, f)

	want := map[string]any{"name": "A", "_2nd_name": "B", "lanes": 3}
	if len(r.Values) != len(want) {
		t.Fatalf("Values = %v, want %v", r.Values, want)
	}
	for k, v := range want {
		if r.Values[k] != v {
			t.Errorf("Values[%q] = %v, want %v", k, r.Values[k], v)
		}
	}
	if r.SRID != 4326 {
		t.Errorf("SRID = %d, want 4326", r.SRID)
	}
	if _, ok := r.Values["fid"]; ok {
		t.Error("fid should be assigned by the database")
	}
}

func TestManager_DeleteAfter(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	ms, _ := m.CreateModelSchema(ctx, "t", "t", true)
	m.AddFields(ctx, ms.ID, FieldsForLayer(testLayer()))
	if err := m.CreateTable(ctx, ms); err != nil {
		t.Fatal(err)
	}

	if fid, err := m.MaxFID(ctx, ms); err != nil || fid != 0 {
		t.Fatalf("MaxFID(empty) = %d, %v, want 0", fid, err)
	}
	for i := 0; i < 2; i++ {
		m.InsertRow(ctx, ms, Row{Values: map[string]any{"lanes": i}})
	}
	mark, err := m.MaxFID(ctx, ms)
	if err != nil || mark != 2 {
		t.Fatalf("MaxFID() = %d, %v, want 2", mark, err)
	}
	for i := 0; i < 3; i++ {
		m.InsertRow(ctx, ms, Row{Values: map[string]any{"lanes": i}})
	}

	n, err := m.DeleteAfter(ctx, ms, mark)
	if err != nil || n != 3 {
		t.Errorf("DeleteAfter() = %d, %v, want 3", n, err)
	}
	if n, _ := m.CountRows(ctx, ms); n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
}
