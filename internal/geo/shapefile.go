package geo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"golang.org/x/text/encoding"
)

// Shapefile is an opened .shp with its .dbf/.shx sidecars.
type Shapefile struct {
	path  string
	info  LayerInfo
	enc   encoding.Encoding
	names []string
}

// SidecarPath returns the path of the sidecar with extension ext next to shpPath.
func SidecarPath(shpPath, ext string) string {
	return strings.TrimSuffix(shpPath, filepath.Ext(shpPath)) + ext
}

// OpenShapefile opens path and reads the layer description. Features are read
// lazily by Features.
func OpenShapefile(path string) (*Shapefile, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shapefile: %w", err)
	}
	defer r.Close()

	s := &Shapefile{path: path}
	s.enc = readCPG(SidecarPath(path, ".cpg"))

	rawFields := r.Fields()
	if s.enc == nil {
		s.enc = detectEncoding(sampleAttributes(r, rawFields))
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	s.info = LayerInfo{
		Name:         name,
		GeometryType: shapeTypeName(r.GeometryType),
	}
	for _, f := range rawFields {
		field := Field{
			Name:  decodeString(s.enc, f.String()),
			Type:  dbfFieldType(f),
			Width: int(f.Size),
		}
		if field.Type != FieldString {
			field.Width = 0
		}
		s.info.Fields = append(s.info.Fields, field)
		s.names = append(s.names, field.Name)
	}

	box := r.BBox()
	if box.MinX <= box.MaxX && box.MinY <= box.MaxY {
		s.info.Extent = orb.Bound{Min: orb.Point{box.MinX, box.MinY}, Max: orb.Point{box.MaxX, box.MaxY}}
		s.info.HasExtent = true
	}
	s.info.FeatureCount = int64(r.AttributeCount())
	s.info.SRID, s.info.CRS = readPRJ(SidecarPath(path, ".prj"))

	return s, nil
}

// sampleAttributes collects raw text attribute bytes from the first records
// for charset detection. It rewinds nothing; callers reopen for iteration.
func sampleAttributes(r *shp.Reader, fields []shp.Field) []byte {
	var sample []byte
	for _, f := range fields {
		sample = append(sample, []byte(f.String())...)
	}
	for n := 0; n < 50 && r.Next(); n++ {
		idx, _ := r.Shape()
		for k, f := range fields {
			if f.Fieldtype == 'C' {
				sample = append(sample, []byte(r.ReadAttribute(idx, k))...)
			}
		}
	}
	return sample
}

// Layers implements Source.
func (s *Shapefile) Layers() []LayerInfo {
	return []LayerInfo{s.info}
}

// Features implements Source.
func (s *Shapefile) Features(ctx context.Context, layer string, fn func(Feature) error) error {
	if !strings.EqualFold(layer, s.info.Name) {
		return fmt.Errorf("layer %q not found in shapefile", layer)
	}
	r, err := shp.Open(s.path)
	if err != nil {
		return fmt.Errorf("open shapefile: %w", err)
	}
	defer r.Close()

	for r.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx, shape := r.Shape()
		feat := Feature{
			FID:        int64(idx) + 1,
			Geometry:   shapeGeometry(shape),
			Properties: make(map[string]any, len(s.info.Fields)),
		}
		for k, f := range s.info.Fields {
			raw := decodeString(s.enc, r.ReadAttribute(idx, k))
			feat.Properties[s.names[k]] = parseDBFValue(f.Type, raw)
		}
		if err := fn(feat); err != nil {
			return err
		}
	}
	return r.Err()
}

// Close implements Source. Readers are opened per call, so there is nothing to release.
func (s *Shapefile) Close() error { return nil }

func dbfFieldType(f shp.Field) FieldType {
	switch f.Fieldtype {
	case 'N':
		if f.Precision > 0 {
			return FieldReal
		}
		if f.Size > 9 {
			return FieldInteger64
		}
		return FieldInteger
	case 'F':
		return FieldReal
	case 'D':
		return FieldDate
	case 'L':
		return FieldBoolean
	default:
		return FieldString
	}
}

func parseDBFValue(t FieldType, raw string) any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	switch t {
	case FieldInteger, FieldInteger64:
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return int64(v)
		}
		return nil
	case FieldReal:
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
		return nil
	case FieldDate:
		if d, err := time.Parse("20060102", raw); err == nil {
			return d.Format("2006-01-02")
		}
		return nil
	case FieldBoolean:
		switch strings.ToUpper(raw) {
		case "T", "Y":
			return true
		case "F", "N":
			return false
		}
		return nil
	default:
		return raw
	}
}

func shapeTypeName(t shp.ShapeType) string {
	switch t {
	case shp.POINT, shp.POINTZ, shp.POINTM:
		return "Point"
	case shp.POLYLINE, shp.POLYLINEZ, shp.POLYLINEM:
		return "MultiLineString"
	case shp.POLYGON, shp.POLYGONZ, shp.POLYGONM:
		return "MultiPolygon"
	case shp.MULTIPOINT, shp.MULTIPOINTZ, shp.MULTIPOINTM:
		return "MultiPoint"
	default:
		return "Geometry"
	}
}

func shapeGeometry(s shp.Shape) orb.Geometry {
	switch v := s.(type) {
	case *shp.Point:
		return orb.Point{v.X, v.Y}
	case *shp.PointZ:
		return orb.Point{v.X, v.Y}
	case *shp.PointM:
		return orb.Point{v.X, v.Y}
	case *shp.MultiPoint:
		return toMultiPoint(v.Points)
	case *shp.MultiPointZ:
		return toMultiPoint(v.Points)
	case *shp.MultiPointM:
		return toMultiPoint(v.Points)
	case *shp.PolyLine:
		return toMultiLineString(v.Points, v.Parts)
	case *shp.PolyLineZ:
		return toMultiLineString(v.Points, v.Parts)
	case *shp.PolyLineM:
		return toMultiLineString(v.Points, v.Parts)
	case *shp.Polygon:
		return toMultiPolygon(v.Points, v.Parts)
	case *shp.PolygonZ:
		return toMultiPolygon(v.Points, v.Parts)
	case *shp.PolygonM:
		return toMultiPolygon(v.Points, v.Parts)
	default:
		return nil
	}
}

func toMultiPoint(pts []shp.Point) orb.MultiPoint {
	mp := make(orb.MultiPoint, len(pts))
	for i, p := range pts {
		mp[i] = orb.Point{p.X, p.Y}
	}
	return mp
}

// splitParts cuts the flat point list at the part offsets.
func splitParts(pts []shp.Point, parts []int32) [][]orb.Point {
	out := make([][]orb.Point, 0, len(parts))
	for i, start := range parts {
		end := int32(len(pts))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || start > end || int(end) > len(pts) {
			continue
		}
		seg := make([]orb.Point, 0, end-start)
		for _, p := range pts[start:end] {
			seg = append(seg, orb.Point{p.X, p.Y})
		}
		out = append(out, seg)
	}
	return out
}

func toMultiLineString(pts []shp.Point, parts []int32) orb.MultiLineString {
	var mls orb.MultiLineString
	for _, seg := range splitParts(pts, parts) {
		mls = append(mls, orb.LineString(seg))
	}
	return mls
}

// toMultiPolygon groups rings into polygons. Shapefile outer rings are
// clockwise; counter-clockwise rings are holes of the preceding outer ring.
func toMultiPolygon(pts []shp.Point, parts []int32) orb.MultiPolygon {
	var mp orb.MultiPolygon
	for _, seg := range splitParts(pts, parts) {
		ring := orb.Ring(seg)
		if ring.Orientation() == orb.CW || len(mp) == 0 {
			mp = append(mp, orb.Polygon{ring})
			continue
		}
		last := len(mp) - 1
		mp[last] = append(mp[last], ring)
	}
	return mp
}

var authorityRe = regexp.MustCompile(`AUTHORITY\s*\[\s*"EPSG"\s*,\s*"?(\d+)"?\s*\]`)

// esriCRS lists ESRI-flavoured WKT heads that carry no AUTHORITY clause.
var esriCRS = []struct {
	prefix string
	code   int
}{
	{`GEOGCS["GCS_WGS_1984"`, 4326},
	{`PROJCS["WGS_1984_Web_Mercator`, 3857},
	{`PROJCS["WGS_84_Pseudo_Mercator"`, 3857},
	{`GEOGCS["GCS_China_Geodetic_Coordinate_System_2000"`, 4490},
}

// readPRJ parses a .prj sidecar. It returns the EPSG code when one can be
// determined and the CRS text. A missing or empty file means no CRS.
func readPRJ(path string) (int, string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, ""
	}
	return ParseWKTCRS(string(data))
}

// ParseWKTCRS extracts an EPSG code from a WKT CRS definition. The outermost
// AUTHORITY is the last one in the text.
func ParseWKTCRS(wkt string) (int, string) {
	wkt = strings.TrimSpace(wkt)
	if wkt == "" {
		return 0, ""
	}
	if m := authorityRe.FindAllStringSubmatch(wkt, -1); len(m) > 0 {
		if code, err := strconv.Atoi(m[len(m)-1][1]); err == nil && code > 0 {
			return code, fmt.Sprintf("EPSG:%d", code)
		}
	}
	for _, e := range esriCRS {
		if strings.HasPrefix(wkt, e.prefix) {
			return e.code, fmt.Sprintf("EPSG:%d", e.code)
		}
	}
	return 0, wkt
}
