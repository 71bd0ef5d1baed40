// Package geotest writes small spatial fixture files for tests.
package geotest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/geoimport/internal/geo"
	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Layer is a fixture layer. SRID 0 writes the undefined geographic SRS.
type Layer struct {
	Name     string
	SRID     int
	Fields   []geo.Field
	Features []geo.Feature
}

const gpkgDDL = `
CREATE TABLE gpkg_spatial_ref_sys (
	srs_name TEXT NOT NULL,
	srs_id INTEGER PRIMARY KEY,
	organization TEXT NOT NULL,
	organization_coordsys_id INTEGER NOT NULL,
	definition TEXT NOT NULL,
	description TEXT
);
CREATE TABLE gpkg_contents (
	table_name TEXT NOT NULL PRIMARY KEY,
	data_type TEXT NOT NULL,
	identifier TEXT UNIQUE,
	description TEXT DEFAULT '',
	last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	min_x DOUBLE, min_y DOUBLE, max_x DOUBLE, max_y DOUBLE,
	srs_id INTEGER
);
CREATE TABLE gpkg_geometry_columns (
	table_name TEXT NOT NULL,
	column_name TEXT NOT NULL,
	geometry_type_name TEXT NOT NULL,
	srs_id INTEGER NOT NULL,
	z TINYINT NOT NULL,
	m TINYINT NOT NULL,
	PRIMARY KEY (table_name, column_name)
);
INSERT INTO gpkg_spatial_ref_sys VALUES
	('Undefined cartesian SRS', -1, 'NONE', -1, 'undefined', NULL),
	('Undefined geographic SRS', 0, 'NONE', 0, 'undefined', NULL);
`

// WriteGeoPackage creates a GeoPackage at path holding the given layers.
func WriteGeoPackage(path string, layers ...Layer) error {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	for _, stmt := range strings.Split(gpkgDDL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("gpkg ddl: %w", err)
		}
	}

	seen := map[int]bool{}
	for _, l := range layers {
		if l.SRID > 0 && !seen[l.SRID] {
			seen[l.SRID] = true
			err := db.Exec(`INSERT INTO gpkg_spatial_ref_sys VALUES (?, ?, 'EPSG', ?, 'undefined', NULL)`,
				fmt.Sprintf("EPSG:%d", l.SRID), l.SRID, l.SRID).Error
			if err != nil {
				return err
			}
		}
		if err := writeGPKGLayer(db, l); err != nil {
			return fmt.Errorf("layer %s: %w", l.Name, err)
		}
	}
	return nil
}

func writeGPKGLayer(db *gorm.DB, l Layer) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	cols := []string{"fid INTEGER PRIMARY KEY AUTOINCREMENT", "geom BLOB"}
	for _, f := range l.Fields {
		cols = append(cols, fmt.Sprintf("%q %s", f.Name, sqliteType(f)))
	}
	if err := db.Exec(fmt.Sprintf("CREATE TABLE %q (%s)", l.Name, strings.Join(cols, ", "))).Error; err != nil {
		return err
	}

	var bound orb.Bound
	hasBound := false
	geomType := "GEOMETRY"
	for i, f := range l.Features {
		names := []string{"geom"}
		var blob []byte
		if f.Geometry != nil {
			b, err := geo.EncodeGeoPackageBinary(f.Geometry, int32(l.SRID))
			if err != nil {
				return err
			}
			blob = b
			if !hasBound {
				bound, hasBound = f.Geometry.Bound(), true
			} else {
				bound = bound.Union(f.Geometry.Bound())
			}
			if i == 0 {
				geomType = strings.ToUpper(f.Geometry.GeoJSONType())
			}
		}
		args := []any{blob}
		for _, fld := range l.Fields {
			names = append(names, fmt.Sprintf("%q", fld.Name))
			args = append(args, f.Properties[fld.Name])
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
		stmt := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)", l.Name, strings.Join(names, ", "), marks)
		// gorm expands a []byte argument into one placeholder per byte
		if _, err := sqlDB.Exec(stmt, args...); err != nil {
			return err
		}
	}

	var minX, minY, maxX, maxY any
	if hasBound {
		minX, minY, maxX, maxY = bound.Min.X(), bound.Min.Y(), bound.Max.X(), bound.Max.Y()
	}
	err = db.Exec(`INSERT INTO gpkg_contents (table_name, data_type, identifier, min_x, min_y, max_x, max_y, srs_id)
		VALUES (?, 'features', ?, ?, ?, ?, ?, ?)`, l.Name, l.Name, minX, minY, maxX, maxY, l.SRID).Error
	if err != nil {
		return err
	}
	return db.Exec(`INSERT INTO gpkg_geometry_columns VALUES (?, 'geom', ?, ?, 0, 0)`, l.Name, geomType, l.SRID).Error
}

func sqliteType(f geo.Field) string {
	switch f.Type {
	case geo.FieldInteger, geo.FieldInteger64:
		return "INTEGER"
	case geo.FieldReal:
		return "REAL"
	case geo.FieldBoolean:
		return "BOOLEAN"
	case geo.FieldDate:
		return "DATE"
	default:
		if f.Width > 0 {
			return fmt.Sprintf("TEXT(%d)", f.Width)
		}
		return "TEXT"
	}
}

// WriteShapefile writes a point or polygon shapefile with its .dbf, .shx and
// a .prj when srid is non-zero. It returns the .shp path.
func WriteShapefile(dir, name string, srid int, fields []geo.Field, feats []geo.Feature) (string, error) {
	path := filepath.Join(dir, name+".shp")
	kind := shp.POINT
	if len(feats) > 0 {
		if _, ok := feats[0].Geometry.(orb.Polygon); ok {
			kind = shp.POLYGON
		}
	}
	w, err := shp.Create(path, kind)
	if err != nil {
		return "", err
	}

	dbf := make([]shp.Field, len(fields))
	for i, f := range fields {
		switch f.Type {
		case geo.FieldInteger, geo.FieldInteger64:
			dbf[i] = shp.NumberField(f.Name, 9)
		case geo.FieldReal:
			dbf[i] = shp.FloatField(f.Name, 16, 6)
		default:
			width := f.Width
			if width == 0 {
				width = 50
			}
			dbf[i] = shp.StringField(f.Name, uint8(width))
		}
	}
	if err := w.SetFields(dbf); err != nil {
		w.Close()
		return "", err
	}

	for _, feat := range feats {
		var row int32
		switch g := feat.Geometry.(type) {
		case orb.Point:
			row = w.Write(&shp.Point{X: g.X(), Y: g.Y()})
		case orb.Polygon:
			parts := make([][]shp.Point, len(g))
			for i, ring := range g {
				for _, p := range ring {
					parts[i] = append(parts[i], shp.Point{X: p.X(), Y: p.Y()})
				}
			}
			poly := shp.Polygon(*shp.NewPolyLine(parts))
			row = w.Write(&poly)
		default:
			w.Close()
			return "", fmt.Errorf("unsupported fixture geometry %T", feat.Geometry)
		}
		for i, f := range fields {
			if v, ok := feat.Properties[f.Name]; ok && v != nil {
				if n, isInt := v.(int64); isInt {
					v = int(n)
				}
				if err := w.WriteAttribute(int(row), i, v); err != nil {
					w.Close()
					return "", err
				}
			}
		}
	}
	w.Close()

	// go-shp names the attribute file "<base>dbf" without the dot
	base := strings.TrimSuffix(path, ".shp")
	if err := os.Rename(base+"dbf", base+".dbf"); err != nil {
		return "", err
	}

	if srid > 0 {
		prj := fmt.Sprintf(`GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433],AUTHORITY["EPSG","%d"]]`, srid)
		if err := os.WriteFile(geo.SidecarPath(path, ".prj"), []byte(prj), 0o644); err != nil {
			return "", err
		}
	}
	return path, nil
}

// WriteGeoJSON writes feats as a FeatureCollection.
func WriteGeoJSON(path string, feats []geo.Feature) error {
	fc := map[string]any{"type": "FeatureCollection"}
	list := make([]any, 0, len(feats))
	for _, f := range feats {
		list = append(list, geo.GeoJSONFeature(f))
	}
	fc["features"] = list
	data, err := json.Marshal(fc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// WriteTileset writes a tileset.json whose root bounding volume is volume,
// e.g. `"sphere": [0, 0, 0, 5]`.
func WriteTileset(dir, volume string) (string, error) {
	path := filepath.Join(dir, geo.TilesetFile)
	doc := fmt.Sprintf(`{"asset":{"version":"1.0"},"geometricError":500,"root":{"boundingVolume":{%s},"geometricError":100,"refine":"ADD","content":{"uri":"0.b3dm"}}}`, volume)
	return path, os.WriteFile(path, []byte(doc), 0o644)
}

// WriteGeoTIFF writes a header-only GeoTIFF.
func WriteGeoTIFF(path string, srid int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return geo.EncodeGeoTIFF(f, 100, 50, srid, 10, 50, 0.01)
}

// Points builds n point features with an "id" integer and "name" string attribute.
func Points(n int) []geo.Feature {
	feats := make([]geo.Feature, n)
	for i := range feats {
		feats[i] = geo.Feature{
			FID:      int64(i + 1),
			Geometry: orb.Point{float64(i), float64(i) / 2},
			Properties: map[string]any{
				"id":   int64(i + 1),
				"name": fmt.Sprintf("feature-%d", i+1),
			},
		}
	}
	return feats
}

// PointFields matches the attributes written by Points.
func PointFields() []geo.Field {
	return []geo.Field{
		{Name: "id", Type: geo.FieldInteger64},
		{Name: "name", Type: geo.FieldString, Width: 50},
	}
}
