package geo

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/tidwall/gjson"
)

// TilesetFile is the entry point name of a 3D Tiles dataset.
const TilesetFile = "tileset.json"

// TilesetError reports a structurally invalid tileset.json.
type TilesetError struct {
	Reason string
}

func (e *TilesetError) Error() string {
	return "invalid tileset.json: " + e.Reason
}

// ReadTileset loads and validates a tileset.json file.
func ReadTileset(path string) (gjson.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read tileset: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, &TilesetError{Reason: "the file is not valid JSON"}
	}
	doc := gjson.ParseBytes(data)
	if err := ValidateTileset(doc); err != nil {
		return gjson.Result{}, err
	}
	return doc, nil
}

// ValidateTileset checks the mandatory members of a tileset document.
func ValidateTileset(doc gjson.Result) error {
	for _, key := range []string{"asset", "geometricError", "root"} {
		if !doc.Get(key).Exists() {
			return &TilesetError{Reason: fmt.Sprintf("the mandatory key %q is missing", key)}
		}
	}
	if !doc.Get("asset.version").Exists() {
		return &TilesetError{Reason: `the mandatory key "asset.version" is missing`}
	}
	if !doc.Get("root.boundingVolume").Exists() {
		return &TilesetError{Reason: `the mandatory key "root.boundingVolume" is missing`}
	}
	return nil
}

var errUnsupportedVolume = errors.New("unsupported bounding volume")

// TilesetBBox computes the geographic extent of the root bounding volume.
// A volume whose transformed centre is the ECEF origin has no geographic
// position and yields DefaultBBox.
func TilesetBBox(doc gjson.Result) (BBox, error) {
	root := doc.Get("root")
	bv := root.Get("boundingVolume")

	if region := floats(bv.Get("region")); len(region) >= 4 {
		b := BBox{
			MinX: rad2deg(region[0]),
			MaxX: rad2deg(region[2]),
			MinY: rad2deg(region[1]),
			MaxY: rad2deg(region[3]),
			SRID: "EPSG:4326",
		}
		// west > east crosses the antimeridian; a bbox cannot wrap
		if b.MinX > b.MaxX {
			b.MinX, b.MaxX = -180, 180
		}
		return b, nil
	}

	transform := identity4()
	if t := floats(root.Get("transform")); len(t) == 16 {
		copy(transform[:], t)
	}

	if sphere := floats(bv.Get("sphere")); len(sphere) >= 4 {
		c := applyTransform(transform, sphere[0], sphere[1], sphere[2])
		if isOrigin(c) {
			return DefaultBBox, nil
		}
		return boxAround(c, sphere[3]*transformScale(transform)), nil
	}

	if box := floats(bv.Get("box")); len(box) >= 12 {
		c := applyTransform(transform, box[0], box[1], box[2])
		if isOrigin(c) {
			return DefaultBBox, nil
		}
		// half-axis vectors are directions and ignore translation
		var radius float64
		for i := 0; i < 3; i++ {
			ax := box[3+i*3 : 6+i*3]
			v := applyLinear(transform, ax[0], ax[1], ax[2])
			radius += v[0]*v[0] + v[1]*v[1] + v[2]*v[2]
		}
		return boxAround(c, math.Sqrt(radius)), nil
	}

	return BBox{}, errUnsupportedVolume
}

func floats(r gjson.Result) []float64 {
	if !r.IsArray() {
		return nil
	}
	arr := r.Array()
	out := make([]float64, len(arr))
	for i, v := range arr {
		out[i] = v.Float()
	}
	return out
}

func rad2deg(r float64) float64 { return r * 180 / math.Pi }

func identity4() [16]float64 {
	return [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
}

// applyTransform multiplies the point by a column-major 4x4 matrix.
func applyTransform(m [16]float64, x, y, z float64) [3]float64 {
	v := applyLinear(m, x, y, z)
	return [3]float64{v[0] + m[12], v[1] + m[13], v[2] + m[14]}
}

func applyLinear(m [16]float64, x, y, z float64) [3]float64 {
	return [3]float64{
		m[0]*x + m[4]*y + m[8]*z,
		m[1]*x + m[5]*y + m[9]*z,
		m[2]*x + m[6]*y + m[10]*z,
	}
}

// transformScale is the largest axis scale of the matrix.
func transformScale(m [16]float64) float64 {
	s := 0.0
	for c := 0; c < 3; c++ {
		l := math.Sqrt(m[c*4]*m[c*4] + m[c*4+1]*m[c*4+1] + m[c*4+2]*m[c*4+2])
		s = math.Max(s, l)
	}
	return s
}

func isOrigin(p [3]float64) bool {
	return math.Abs(p[0]) < 1e-6 && math.Abs(p[1]) < 1e-6 && math.Abs(p[2]) < 1e-6
}

// boxAround converts an ECEF centre and a radius in metres to a lon/lat box.
func boxAround(c [3]float64, radius float64) BBox {
	lon, lat, _ := ecefToLLA(c[0], c[1], c[2])
	const metresPerDegree = 111320.0
	dLat := radius / metresPerDegree
	cosLat := math.Cos(lat * math.Pi / 180)
	dLon := 180.0
	if cosLat > 1e-9 {
		dLon = math.Min(180, radius/(metresPerDegree*cosLat))
	}
	return BBox{
		MinX: math.Max(-180, lon-dLon),
		MaxX: math.Min(180, lon+dLon),
		MinY: math.Max(-90, lat-dLat),
		MaxY: math.Min(90, lat+dLat),
		SRID: "EPSG:4326",
	}
}

// ecefToLLA converts WGS 84 earth-centred coordinates to degrees and metres
// using Bowring's method.
func ecefToLLA(x, y, z float64) (lon, lat, alt float64) {
	const (
		a  = 6378137.0
		f  = 1 / 298.257223563
		b  = a * (1 - f)
		e2 = f * (2 - f)
	)
	ep2 := (a*a - b*b) / (b * b)
	p := math.Hypot(x, y)
	theta := math.Atan2(z*a, p*b)
	sin, cos := math.Sincos(theta)

	lonR := math.Atan2(y, x)
	latR := math.Atan2(z+ep2*b*sin*sin*sin, p-e2*a*cos*cos*cos)
	n := a / math.Sqrt(1-e2*math.Sin(latR)*math.Sin(latR))
	if c := math.Cos(latR); math.Abs(c) > 1e-12 {
		alt = p/c - n
	} else {
		alt = math.Abs(z) - b
	}
	return rad2deg(lonR), rad2deg(latR), alt
}
