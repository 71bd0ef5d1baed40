package geo

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// ErrNoCSVGeometry is returned when a CSV has neither a WKT column nor an x/y pair.
var ErrNoCSVGeometry = errors.New("csv has no geometry column: expected a WKT column (geom, the_geom, wkt_geom) or x/y, lon/lat columns")

// CSVGeometry describes where a CSV keeps its geometry.
type CSVGeometry struct {
	WKT  string // WKT column name, empty for point columns
	X, Y string
}

// DetectCSVGeometry chooses geometry columns from a header row. WKT columns
// take precedence over coordinate pairs.
func DetectCSVGeometry(header []string) (CSVGeometry, bool) {
	var g CSVGeometry
	for _, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		switch {
		case g.WKT == "" && (strings.HasPrefix(name, "geom") || strings.HasPrefix(name, "the_geom") || name == "wkt_geom" || name == "wkt"):
			g.WKT = h
		case g.X == "" && (name == "x" || strings.HasPrefix(name, "lon")):
			g.X = h
		case g.Y == "" && (name == "y" || strings.HasPrefix(name, "lat")):
			g.Y = h
		}
	}
	if g.WKT != "" {
		return CSVGeometry{WKT: g.WKT}, true
	}
	if g.X != "" && g.Y != "" {
		return g, true
	}
	return CSVGeometry{}, false
}

// ReadCSVHeader returns the first record of a CSV file.
func ReadCSVHeader(path string) ([]string, error) {
	records, err := readCSVRecords(path)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.New("csv file is empty")
	}
	return records[0], nil
}

// OpenCSV reads a delimited text file with a geometry column into one layer.
// Coordinates are assumed to be WGS 84.
func OpenCSV(path string) (*MemorySource, error) {
	records, err := readCSVRecords(path)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.New("open csv: file is empty")
	}

	header := records[0]
	geomCols, ok := DetectCSVGeometry(header)
	if !ok {
		return nil, ErrNoCSVGeometry
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[h] = i
	}

	var attrCols []int
	for i, h := range header {
		if h == geomCols.WKT || h == geomCols.X || h == geomCols.Y {
			continue
		}
		attrCols = append(attrCols, i)
	}

	var feats []Feature
	for n, row := range records[1:] {
		if isBlankRow(row) {
			continue
		}
		geom, err := csvRowGeometry(row, idx, geomCols)
		if err != nil {
			return nil, fmt.Errorf("open csv: row %d: %w", n+2, err)
		}
		props := make(map[string]any, len(attrCols))
		for _, i := range attrCols {
			props[header[i]] = csvValue(cell(row, i))
		}
		feats = append(feats, Feature{Geometry: geom, Properties: props})
	}

	info := LayerInfo{
		Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		SRID: 4326,
		CRS:  "EPSG:4326",
	}

	// keep header order rather than the sorted order inferFields yields
	inferred := make(map[string]Field)
	for _, f := range inferFields(feats) {
		inferred[f.Name] = f
	}
	info.Fields = make([]Field, 0, len(attrCols))
	for _, i := range attrCols {
		f, ok := inferred[header[i]]
		if !ok {
			f = Field{Name: header[i], Type: FieldString}
		}
		info.Fields = append(info.Fields, f)
	}

	return NewMemorySource([]LayerInfo{info}, map[string][]Feature{info.Name: feats}), nil
}

func readCSVRecords(path string) ([][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if enc := detectEncoding(data); enc != nil {
		if decoded, err := enc.NewDecoder().Bytes(data); err == nil {
			data = decoded
		}
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	return records, nil
}

func csvRowGeometry(row []string, idx map[string]int, g CSVGeometry) (orb.Geometry, error) {
	if g.WKT != "" {
		raw := strings.TrimSpace(cell(row, idx[g.WKT]))
		if raw == "" {
			return nil, nil
		}
		geom, err := wkt.Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid WKT: %w", err)
		}
		return geom, nil
	}

	xs, ys := strings.TrimSpace(cell(row, idx[g.X])), strings.TrimSpace(cell(row, idx[g.Y]))
	if xs == "" && ys == "" {
		return nil, nil
	}
	x, err := strconv.ParseFloat(xs, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", g.X, xs)
	}
	y, err := strconv.ParseFloat(ys, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", g.Y, ys)
	}
	return orb.Point{x, y}, nil
}

func csvValue(raw string) any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v
	}
	return raw
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func isBlankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
