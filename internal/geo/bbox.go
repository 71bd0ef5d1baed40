package geo

import (
	"math"

	"github.com/paulmach/orb"
)

// BBox is a resource bounding box in [minx, maxx, miny, maxy, srid] order.
type BBox struct {
	MinX float64 `json:"minx"`
	MaxX float64 `json:"maxx"`
	MinY float64 `json:"miny"`
	MaxY float64 `json:"maxy"`
	SRID string  `json:"srid"`
}

// DefaultBBox is the world extent assigned when no real extent is known.
var DefaultBBox = BBox{MinX: -180, MaxX: 180, MinY: -90, MaxY: 90, SRID: "EPSG:4326"}

// FromBound converts an orb bound into a BBox in the given reference system.
func FromBound(b orb.Bound, srid string) BBox {
	return BBox{
		MinX: b.Min.X(),
		MaxX: b.Max.X(),
		MinY: b.Min.Y(),
		MaxY: b.Max.Y(),
		SRID: srid,
	}
}

// Bound returns the box as an orb bound.
func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinX, b.MinY}, Max: orb.Point{b.MaxX, b.MaxY}}
}

// Array returns the box in the list form used by API payloads.
func (b BBox) Array() []any {
	return []any{b.MinX, b.MaxX, b.MinY, b.MaxY, b.SRID}
}

// IsDefault reports whether b is the world extent placeholder.
func (b BBox) IsDefault() bool {
	return b == DefaultBBox
}

// Valid reports whether the box has finite, ordered coordinates.
func (b BBox) Valid() bool {
	for _, v := range []float64{b.MinX, b.MaxX, b.MinY, b.MaxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.MinX <= b.MaxX && b.MinY <= b.MaxY
}
