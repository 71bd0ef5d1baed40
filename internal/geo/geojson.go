package geo

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/tidwall/gjson"
)

// MemorySource is a Source whose features are fully loaded in memory. The
// GeoJSON, KML and CSV readers produce one.
type MemorySource struct {
	layers   []LayerInfo
	features map[string][]Feature
}

// NewMemorySource builds a source from already-read layers. Layer metadata
// that is left empty (geometry type, fields, extent, count) is derived from
// the features.
func NewMemorySource(layers []LayerInfo, features map[string][]Feature) *MemorySource {
	ms := &MemorySource{features: make(map[string][]Feature, len(layers))}
	for _, l := range layers {
		feats := features[l.Name]
		derive := l.GeometryType == ""
		for i, f := range feats {
			if derive && f.Geometry != nil {
				l.GeometryType = mergeGeometryType(l.GeometryType, f.Geometry)
			}
			l.Extent, l.HasExtent = extendBound(l.Extent, l.HasExtent, f.Geometry)
			if feats[i].FID == 0 {
				feats[i].FID = int64(i) + 1
			}
		}
		if l.GeometryType == "" {
			l.GeometryType = "Geometry"
		}
		if l.Fields == nil {
			l.Fields = inferFields(feats)
		}
		l.FeatureCount = int64(len(feats))
		ms.layers = append(ms.layers, l)
		ms.features[l.Name] = feats
	}
	return ms
}

// Layers implements Source.
func (m *MemorySource) Layers() []LayerInfo { return m.layers }

// Features implements Source.
func (m *MemorySource) Features(ctx context.Context, layer string, fn func(Feature) error) error {
	info, ok := Layer(m, layer)
	if !ok {
		return fmt.Errorf("layer %q not found", layer)
	}
	for _, f := range m.features[info.Name] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Source.
func (m *MemorySource) Close() error { return nil }

// inferFields derives an attribute schema from feature properties. Keys are
// sorted so the resulting column order is stable.
func inferFields(feats []Feature) []Field {
	types := make(map[string]FieldType)
	widths := make(map[string]int)
	for _, f := range feats {
		for k, v := range f.Properties {
			t := valueFieldType(v)
			if t == "" {
				if _, seen := types[k]; !seen {
					types[k] = ""
				}
				continue
			}
			types[k] = widenFieldType(types[k], t)
			if s, ok := v.(string); ok && len(s) > widths[k] {
				widths[k] = len(s)
			}
		}
	}

	names := make([]string, 0, len(types))
	for k := range types {
		names = append(names, k)
	}
	sort.Strings(names)

	fields := make([]Field, 0, len(names))
	for _, k := range names {
		t := types[k]
		if t == "" {
			t = FieldString
		}
		f := Field{Name: k, Type: t}
		if t == FieldString {
			f.Width = widths[k]
		}
		fields = append(fields, f)
	}
	return fields
}

func valueFieldType(v any) FieldType {
	switch n := v.(type) {
	case nil:
		return ""
	case bool:
		return FieldBoolean
	case int, int32, int64:
		return FieldInteger64
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return FieldInteger64
		}
		return FieldReal
	case float32:
		return FieldReal
	default:
		return FieldString
	}
}

func widenFieldType(current, next FieldType) FieldType {
	switch {
	case current == "" || current == next:
		return next
	case (current == FieldInteger64 && next == FieldReal) || (current == FieldReal && next == FieldInteger64):
		return FieldReal
	default:
		return FieldString
	}
}

var urnEPSG = regexp.MustCompile(`(?i)EPSG:{1,2}(\d+)$`)

// OpenGeoJSON reads a GeoJSON FeatureCollection, Feature or bare geometry.
// A legacy "crs" member is honoured; without one the data is WGS 84.
func OpenGeoJSON(path string) (*MemorySource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open geojson: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("open geojson: %s is not valid JSON", filepath.Base(path))
	}

	var feats []Feature
	switch gjson.GetBytes(data, "type").String() {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("open geojson: %w", err)
		}
		for _, f := range fc.Features {
			feats = append(feats, fromGeoJSONFeature(f))
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("open geojson: %w", err)
		}
		feats = append(feats, fromGeoJSONFeature(f))
	case "":
		return nil, fmt.Errorf("open geojson: missing type member")
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("open geojson: %w", err)
		}
		feats = append(feats, Feature{Geometry: g.Geometry(), Properties: map[string]any{}})
	}

	info := LayerInfo{
		Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		SRID: 4326,
		CRS:  "EPSG:4326",
	}
	if name := gjson.GetBytes(data, "crs.properties.name").String(); name != "" {
		info.SRID, info.CRS = 0, name
		if m := urnEPSG.FindStringSubmatch(name); m != nil {
			code, _ := strconv.Atoi(m[1])
			info.SRID, info.CRS = code, fmt.Sprintf("EPSG:%d", code)
		} else if strings.Contains(strings.ToUpper(name), "CRS84") {
			info.SRID, info.CRS = 4326, "EPSG:4326"
		}
	}

	return NewMemorySource([]LayerInfo{info}, map[string][]Feature{info.Name: feats}), nil
}

func fromGeoJSONFeature(f *geojson.Feature) Feature {
	out := Feature{Geometry: f.Geometry, Properties: make(map[string]any, len(f.Properties))}
	for k, v := range f.Properties {
		out.Properties[k] = v
	}
	switch id := f.ID.(type) {
	case float64:
		out.FID = int64(id)
	case string:
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			out.FID = n
		}
	}
	return out
}

// GeoJSONFeature converts a feature back to an orb GeoJSON feature.
func GeoJSONFeature(f Feature) *geojson.Feature {
	gf := geojson.NewFeature(f.Geometry)
	if f.Geometry == nil {
		gf.Geometry = orb.Collection{}
	}
	gf.ID = f.FID
	for k, v := range f.Properties {
		gf.Properties[k] = v
	}
	return gf
}
