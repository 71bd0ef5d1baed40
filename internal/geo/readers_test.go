package geo_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/JonMunkholm/geoimport/internal/geo"
	"github.com/JonMunkholm/geoimport/internal/geo/geotest"
	"github.com/paulmach/orb"
)

func collect(t *testing.T, src geo.Source, layer string) []geo.Feature {
	t.Helper()
	var out []geo.Feature
	err := src.Features(context.Background(), layer, func(f geo.Feature) error {
		out = append(out, f)
		return nil
	})
	if err != nil {
		t.Fatalf("Features(%s) error = %v", layer, err)
	}
	return out
}

func TestShapefile(t *testing.T) {
	dir := t.TempDir()
	path, err := geotest.WriteShapefile(dir, "roads", 4326, geotest.PointFields(), geotest.Points(4))
	if err != nil {
		t.Fatalf("WriteShapefile() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "roads.dbf")); err != nil {
		t.Fatalf("attribute file missing: %v", err)
	}

	src, err := geo.OpenShapefile(path)
	if err != nil {
		t.Fatalf("OpenShapefile() error = %v", err)
	}
	defer src.Close()

	info := src.Layers()[0]
	if info.Name != "roads" {
		t.Errorf("Name = %q, want roads", info.Name)
	}
	if info.SRID != 4326 {
		t.Errorf("SRID = %d, want 4326", info.SRID)
	}
	if info.FeatureCount != 4 {
		t.Errorf("FeatureCount = %d, want 4", info.FeatureCount)
	}
	if info.Fields[0].Type != geo.FieldInteger {
		t.Errorf("id type = %s, want Integer", info.Fields[0].Type)
	}

	feats := collect(t, src, "roads")
	if len(feats) != 4 {
		t.Fatalf("read %d features, want 4", len(feats))
	}
	if feats[2].Properties["name"] != "feature-3" {
		t.Errorf("feature 3 name = %v, want feature-3", feats[2].Properties["name"])
	}
	if feats[2].Properties["id"] != int64(3) {
		t.Errorf("feature 3 id = %#v, want int64(3)", feats[2].Properties["id"])
	}
	if !orb.Equal(feats[2].Geometry, orb.Point{2, 1}) {
		t.Errorf("feature 3 geometry = %v", feats[2].Geometry)
	}
}

func TestShapefile_NoPRJ(t *testing.T) {
	path, err := geotest.WriteShapefile(t.TempDir(), "bare", 0, geotest.PointFields(), geotest.Points(1))
	if err != nil {
		t.Fatalf("WriteShapefile() error = %v", err)
	}
	src, err := geo.OpenShapefile(path)
	if err != nil {
		t.Fatalf("OpenShapefile() error = %v", err)
	}
	if src.Layers()[0].HasCRS() {
		t.Errorf("HasCRS = true without .prj")
	}
}

func TestShapefile_PolygonRings(t *testing.T) {
	// outer ring clockwise, hole counter-clockwise
	poly := orb.Polygon{
		{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}},
		{{2, 2}, {4, 2}, {4, 4}, {2, 4}, {2, 2}},
	}
	feats := []geo.Feature{{Geometry: poly, Properties: map[string]any{"id": int64(1)}}}
	fields := []geo.Field{{Name: "id", Type: geo.FieldInteger}}
	path, err := geotest.WriteShapefile(t.TempDir(), "parcels", 4326, fields, feats)
	if err != nil {
		t.Fatalf("WriteShapefile() error = %v", err)
	}
	src, err := geo.OpenShapefile(path)
	if err != nil {
		t.Fatalf("OpenShapefile() error = %v", err)
	}

	got := collect(t, src, "parcels")
	mp, ok := got[0].Geometry.(orb.MultiPolygon)
	if !ok {
		t.Fatalf("geometry type = %T, want orb.MultiPolygon", got[0].Geometry)
	}
	if len(mp) != 1 || len(mp[0]) != 2 {
		t.Errorf("rings = %d polygons / %d rings, want 1 / 2", len(mp), len(mp[0]))
	}
}

func TestParseWKTCRS(t *testing.T) {
	tests := []struct {
		name     string
		wkt      string
		wantSRID int
		wantCRS  bool
	}{
		{"empty", "", 0, false},
		{"epsg authority", `GEOGCS["WGS 84",AUTHORITY["EPSG","4326"]]`, 4326, true},
		{"outer authority wins", `PROJCS["UTM 33N",GEOGCS["WGS 84",AUTHORITY["EPSG","4326"]],AUTHORITY["EPSG","32633"]]`, 32633, true},
		{"esri wgs84", `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984"]]`, 4326, true},
		{"unknown definition", `PROJCS["Local grid",UNIT["metre",1]]`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srid, crs := geo.ParseWKTCRS(tt.wkt)
			if srid != tt.wantSRID {
				t.Errorf("srid = %d, want %d", srid, tt.wantSRID)
			}
			if (crs != "") != tt.wantCRS {
				t.Errorf("crs = %q, want present=%v", crs, tt.wantCRS)
			}
		})
	}
}

func TestOpenGeoJSON(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "parks.geojson")
	if err := geotest.WriteGeoJSON(plain, geotest.Points(2)); err != nil {
		t.Fatal(err)
	}

	src, err := geo.OpenGeoJSON(plain)
	if err != nil {
		t.Fatalf("OpenGeoJSON() error = %v", err)
	}
	info := src.Layers()[0]
	if info.Name != "parks" || info.SRID != 4326 || info.FeatureCount != 2 {
		t.Errorf("layer = %+v, want parks/4326/2", info)
	}
	if got := geo.FieldNames(info.Fields); len(got) != 2 || got[0] != "id" || got[1] != "name" {
		t.Errorf("fields = %v, want [id name]", got)
	}
	if info.Fields[0].Type != geo.FieldInteger64 {
		t.Errorf("id type = %s, want Integer64", info.Fields[0].Type)
	}

	legacy := filepath.Join(dir, "legacy.json")
	doc := `{"type":"FeatureCollection","crs":{"type":"name","properties":{"name":"urn:ogc:def:crs:EPSG::3857"}},
		"features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[1000,2000]},"properties":{"v":1.5}}]}`
	if err := os.WriteFile(legacy, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	src, err = geo.OpenGeoJSON(legacy)
	if err != nil {
		t.Fatalf("OpenGeoJSON(legacy) error = %v", err)
	}
	if got := src.Layers()[0]; got.SRID != 3857 || got.Fields[0].Type != geo.FieldReal {
		t.Errorf("legacy layer srid=%d type=%s, want 3857/Real", got.SRID, got.Fields[0].Type)
	}

	bad := filepath.Join(dir, "bad.geojson")
	os.WriteFile(bad, []byte(`{"type":`), 0o644)
	if _, err := geo.OpenGeoJSON(bad); err == nil {
		t.Error("OpenGeoJSON(invalid) error = nil, want error")
	}
}

func TestOpenKML(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2">
<Document>
  <name>trails</name>
  <Placemark>
    <name>Summit</name>
    <ExtendedData><Data name="height"><value>1200</value></Data></ExtendedData>
    <Point><coordinates>10.5,46.2,1200</coordinates></Point>
  </Placemark>
  <Folder>
    <Placemark>
      <name>Ridge</name>
      <LineString><coordinates>10,46 10.5,46.5 11,47</coordinates></LineString>
    </Placemark>
  </Folder>
</Document>
</kml>`
	path := filepath.Join(t.TempDir(), "trails.kml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := geo.OpenKML(path)
	if err != nil {
		t.Fatalf("OpenKML() error = %v", err)
	}
	feats := collect(t, src, "trails")
	if len(feats) != 2 {
		t.Fatalf("read %d placemarks, want 2", len(feats))
	}
	if !orb.Equal(feats[0].Geometry, orb.Point{10.5, 46.2}) {
		t.Errorf("summit geometry = %v", feats[0].Geometry)
	}
	if feats[0].Properties["height"] != "1200" {
		t.Errorf("height = %v, want 1200", feats[0].Properties["height"])
	}
	if ls, ok := feats[1].Geometry.(orb.LineString); !ok || len(ls) != 3 {
		t.Errorf("ridge geometry = %v, want 3-point line", feats[1].Geometry)
	}
	if gt := src.Layers()[0].GeometryType; gt != "Geometry" {
		t.Errorf("mixed layer GeometryType = %q, want Geometry", gt)
	}
}

func TestOpenCSV(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	t.Run("wkt column", func(t *testing.T) {
		src, err := geo.OpenCSV(write("wkt.csv", "name,wkt_geom,pop\nA,POINT (1 2),10\nB,POINT (3 4),\n"))
		if err != nil {
			t.Fatalf("OpenCSV() error = %v", err)
		}
		info := src.Layers()[0]
		if got := geo.FieldNames(info.Fields); len(got) != 2 || got[0] != "name" || got[1] != "pop" {
			t.Errorf("fields = %v, want [name pop]", got)
		}
		feats := collect(t, src, "wkt")
		if !orb.Equal(feats[1].Geometry, orb.Point{3, 4}) {
			t.Errorf("geometry = %v", feats[1].Geometry)
		}
		if feats[1].Properties["pop"] != nil {
			t.Errorf("empty pop = %v, want nil", feats[1].Properties["pop"])
		}
	})

	t.Run("lon lat columns", func(t *testing.T) {
		src, err := geo.OpenCSV(write("xy.csv", "id,longitude,latitude\n1,12.5,41.9\n"))
		if err != nil {
			t.Fatalf("OpenCSV() error = %v", err)
		}
		feats := collect(t, src, "xy")
		if !orb.Equal(feats[0].Geometry, orb.Point{12.5, 41.9}) {
			t.Errorf("geometry = %v", feats[0].Geometry)
		}
	})

	t.Run("no geometry", func(t *testing.T) {
		_, err := geo.OpenCSV(write("plain.csv", "a,b\n1,2\n"))
		if !errors.Is(err, geo.ErrNoCSVGeometry) {
			t.Errorf("error = %v, want ErrNoCSVGeometry", err)
		}
	})
}

func TestProbeGeoTIFF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dem.tif")
	if err := geotest.WriteGeoTIFF(path, 32633); err != nil {
		t.Fatal(err)
	}

	info, err := geo.ProbeGeoTIFF(path)
	if err != nil {
		t.Fatalf("ProbeGeoTIFF() error = %v", err)
	}
	if info.Width != 100 || info.Height != 50 {
		t.Errorf("size = %dx%d, want 100x50", info.Width, info.Height)
	}
	if info.SRID != 32633 {
		t.Errorf("SRID = %d, want 32633", info.SRID)
	}
	bbox := info.BBox()
	if bbox.MinX != 10 || bbox.MaxY != 50 || bbox.SRID != "EPSG:32633" {
		t.Errorf("bbox = %+v", bbox)
	}
	if d := bbox.MaxX - 11; d > 1e-9 || d < -1e-9 {
		t.Errorf("MaxX = %v, want 11", bbox.MaxX)
	}

	notTiff := filepath.Join(t.TempDir(), "x.tif")
	os.WriteFile(notTiff, []byte("hello world"), 0o644)
	if _, err := geo.ProbeGeoTIFF(notTiff); !errors.Is(err, geo.ErrNotGeoTIFF) {
		t.Errorf("ProbeGeoTIFF(text) error = %v, want ErrNotGeoTIFF", err)
	}
}
