// Package geo reads the spatial file formats accepted by the importer and
// exposes them through a single layer/feature model built on orb geometries.
//
// Each format has its own opener (OpenGeoPackage, OpenShapefile, OpenGeoJSON,
// OpenKML, OpenCSV) returning a Source. Raster and 3D Tiles inputs are not
// feature sources; they are probed with ProbeGeoTIFF and the tileset helpers.
package geo

import (
	"context"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
)

// FieldType names a source attribute type using the OGR type vocabulary.
type FieldType string

const (
	FieldInteger   FieldType = "Integer"
	FieldInteger64 FieldType = "Integer64"
	FieldReal      FieldType = "Real"
	FieldString    FieldType = "String"
	FieldDate      FieldType = "Date"
	FieldDateTime  FieldType = "DateTime"
	FieldTime      FieldType = "Time"
	FieldBoolean   FieldType = "Boolean"
	FieldBinary    FieldType = "Binary"
)

// Field describes one attribute column of a layer.
type Field struct {
	Name  string
	Type  FieldType
	Width int // 0 when the source does not declare one
}

// Feature is a single record read from a layer.
type Feature struct {
	FID        int64
	Geometry   orb.Geometry
	Properties map[string]any
}

// LayerInfo describes a layer without reading its features.
type LayerInfo struct {
	Name         string
	GeometryType string // GeoJSON geometry type name, "Geometry" when mixed or unknown
	SRID         int    // EPSG code, 0 when unknown
	CRS          string // "EPSG:<srid>" or a WKT definition, empty when the layer has no CRS
	Fields       []Field
	Extent       orb.Bound
	HasExtent    bool
	FeatureCount int64
}

// HasCRS reports whether the layer carries a coordinate reference system.
func (l LayerInfo) HasCRS() bool {
	return l.CRS != ""
}

// SRS returns the spatial reference identifier used when publishing the layer.
func (l LayerInfo) SRS() string {
	if l.SRID > 0 {
		return fmt.Sprintf("EPSG:%d", l.SRID)
	}
	return "EPSG:4326"
}

// BBox returns the layer extent as a BBox, or the default world extent when
// the extent is unknown.
func (l LayerInfo) BBox() BBox {
	if !l.HasExtent {
		return DefaultBBox
	}
	return FromBound(l.Extent, l.SRS())
}

// Source is an opened vector dataset with one or more layers.
type Source interface {
	Layers() []LayerInfo
	// Features calls fn for every feature of the named layer, in source order.
	// Iteration stops at the first error returned by fn.
	Features(ctx context.Context, layer string, fn func(Feature) error) error
	Close() error
}

// Layer returns the named layer of src, matching case-insensitively.
func Layer(src Source, name string) (LayerInfo, bool) {
	for _, l := range src.Layers() {
		if strings.EqualFold(l.Name, name) {
			return l, true
		}
	}
	return LayerInfo{}, false
}

// FieldNames returns the names of fields in declaration order.
func FieldNames(fields []Field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// geometryTypeName returns the GeoJSON type of g, or "Geometry" for nil.
func geometryTypeName(g orb.Geometry) string {
	if g == nil {
		return "Geometry"
	}
	return g.GeoJSONType()
}

// mergeGeometryType folds the type of one more feature into the running layer type.
func mergeGeometryType(current string, g orb.Geometry) string {
	next := geometryTypeName(g)
	switch {
	case current == "":
		return next
	case current == next:
		return current
	case "Multi"+current == next:
		return next
	case current == "Multi"+next:
		return current
	default:
		return "Geometry"
	}
}

// extendBound grows b by the bound of g. ok reports whether b already held a value.
func extendBound(b orb.Bound, ok bool, g orb.Geometry) (orb.Bound, bool) {
	if g == nil {
		return b, ok
	}
	gb := g.Bound()
	if !ok {
		return gb, true
	}
	return b.Union(gb), true
}
