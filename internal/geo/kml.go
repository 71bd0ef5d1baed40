package geo

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

type kmlFile struct {
	XMLName  xml.Name    `xml:"kml"`
	Document kmlFolder   `xml:"Document"`
	Folder   kmlFolder   `xml:"Folder"`
	Marks    []placemark `xml:"Placemark"`
}

type kmlFolder struct {
	Name       string      `xml:"name"`
	Folders    []kmlFolder `xml:"Folder"`
	Placemarks []placemark `xml:"Placemark"`
}

type placemark struct {
	ID            string            `xml:"id,attr"`
	Name          string            `xml:"name"`
	Description   string            `xml:"description"`
	ExtendedData  kmlExtendedData   `xml:"ExtendedData"`
	Point         *kmlPoint         `xml:"Point"`
	LineString    *kmlLineString    `xml:"LineString"`
	Polygon       *kmlPolygon       `xml:"Polygon"`
	MultiGeometry *kmlMultiGeometry `xml:"MultiGeometry"`
}

type kmlExtendedData struct {
	Data       []kmlData       `xml:"Data"`
	SchemaData []kmlSchemaData `xml:"SchemaData"`
}

type kmlData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

type kmlSchemaData struct {
	SimpleData []kmlSimpleData `xml:"SimpleData"`
}

type kmlSimpleData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type kmlPoint struct {
	Coordinates string `xml:"coordinates"`
}

type kmlLineString struct {
	Coordinates string `xml:"coordinates"`
}

type kmlLinearRing struct {
	Coordinates string `xml:"coordinates"`
}

type kmlBoundary struct {
	LinearRing kmlLinearRing `xml:"LinearRing"`
}

type kmlPolygon struct {
	Outer kmlBoundary   `xml:"outerBoundaryIs"`
	Inner []kmlBoundary `xml:"innerBoundaryIs"`
}

type kmlMultiGeometry struct {
	Points      []kmlPoint      `xml:"Point"`
	LineStrings []kmlLineString `xml:"LineString"`
	Polygons    []kmlPolygon    `xml:"Polygon"`
}

// OpenKML reads every Placemark of a KML document into one layer named after
// the file. KML coordinates are always WGS 84.
func OpenKML(path string) (*MemorySource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open kml: %w", err)
	}
	var doc kmlFile
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("open kml: %w", err)
	}

	var marks []placemark
	marks = append(marks, doc.Marks...)
	marks = collectPlacemarks(marks, doc.Document)
	marks = collectPlacemarks(marks, doc.Folder)

	feats := make([]Feature, 0, len(marks))
	for _, pm := range marks {
		props := map[string]any{
			"name":        strings.TrimSpace(pm.Name),
			"description": strings.TrimSpace(pm.Description),
		}
		for _, d := range pm.ExtendedData.Data {
			props[d.Name] = strings.TrimSpace(d.Value)
		}
		for _, sd := range pm.ExtendedData.SchemaData {
			for _, d := range sd.SimpleData {
				props[d.Name] = strings.TrimSpace(d.Value)
			}
		}
		feats = append(feats, Feature{Geometry: pm.geometry(), Properties: props})
	}

	info := LayerInfo{
		Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		SRID: 4326,
		CRS:  "EPSG:4326",
	}
	return NewMemorySource([]LayerInfo{info}, map[string][]Feature{info.Name: feats}), nil
}

func collectPlacemarks(dst []placemark, f kmlFolder) []placemark {
	dst = append(dst, f.Placemarks...)
	for _, sub := range f.Folders {
		dst = collectPlacemarks(dst, sub)
	}
	return dst
}

func (pm placemark) geometry() orb.Geometry {
	switch {
	case pm.Point != nil:
		return pm.Point.geometry()
	case pm.LineString != nil:
		return orb.LineString(parseKMLCoords(pm.LineString.Coordinates))
	case pm.Polygon != nil:
		return pm.Polygon.geometry()
	case pm.MultiGeometry != nil:
		return pm.MultiGeometry.geometry()
	default:
		return nil
	}
}

func (p kmlPoint) geometry() orb.Geometry {
	pts := parseKMLCoords(p.Coordinates)
	if len(pts) == 0 {
		return nil
	}
	return pts[0]
}

func (p kmlPolygon) geometry() orb.Polygon {
	poly := orb.Polygon{orb.Ring(parseKMLCoords(p.Outer.LinearRing.Coordinates))}
	for _, in := range p.Inner {
		poly = append(poly, orb.Ring(parseKMLCoords(in.LinearRing.Coordinates)))
	}
	return poly
}

// geometry collapses homogeneous MultiGeometry into the matching Multi* type.
func (m kmlMultiGeometry) geometry() orb.Geometry {
	switch {
	case len(m.Points) > 0 && len(m.LineStrings) == 0 && len(m.Polygons) == 0:
		var mp orb.MultiPoint
		for _, p := range m.Points {
			if pt, ok := p.geometry().(orb.Point); ok {
				mp = append(mp, pt)
			}
		}
		return mp
	case len(m.LineStrings) > 0 && len(m.Points) == 0 && len(m.Polygons) == 0:
		var mls orb.MultiLineString
		for _, l := range m.LineStrings {
			mls = append(mls, orb.LineString(parseKMLCoords(l.Coordinates)))
		}
		return mls
	case len(m.Polygons) > 0 && len(m.Points) == 0 && len(m.LineStrings) == 0:
		var mp orb.MultiPolygon
		for _, p := range m.Polygons {
			mp = append(mp, p.geometry())
		}
		return mp
	}

	var c orb.Collection
	for _, p := range m.Points {
		if g := p.geometry(); g != nil {
			c = append(c, g)
		}
	}
	for _, l := range m.LineStrings {
		c = append(c, orb.LineString(parseKMLCoords(l.Coordinates)))
	}
	for _, p := range m.Polygons {
		c = append(c, p.geometry())
	}
	if len(c) == 0 {
		return nil
	}
	return c
}

// parseKMLCoords parses "lon,lat[,alt]" tuples separated by whitespace.
func parseKMLCoords(s string) []orb.Point {
	var pts []orb.Point
	for _, tuple := range strings.Fields(s) {
		parts := strings.Split(tuple, ",")
		if len(parts) < 2 {
			continue
		}
		x, errX := strconv.ParseFloat(parts[0], 64)
		y, errY := strconv.ParseFloat(parts[1], 64)
		if errX != nil || errY != nil {
			continue
		}
		pts = append(pts, orb.Point{x, y})
	}
	return pts
}
