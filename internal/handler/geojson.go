package handler

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/geo"
)

// GeoJSON imports a FeatureCollection, a single Feature or a bare geometry.
type GeoJSON struct {
	vectorBase
}

func NewGeoJSON(d Deps) *GeoJSON {
	return &GeoJSON{vectorBase{
		Deps:    d,
		id:      "geojson",
		family:  core.FamilyGeoJSON,
		open:    openGeoJSON,
		upserts: true,
	}}
}

// CanHandle accepts .geojson files and .json files that look like GeoJSON.
// A tileset.json is never GeoJSON.
func (h *GeoJSON) CanHandle(files core.FileSet) bool {
	base := files.Base()
	if hasExt(base, ".geojson") {
		return true
	}
	if !hasExt(base, ".json") || strings.EqualFold(filepath.Base(base), geo.TilesetFile) {
		return false
	}
	head := readHead(base, 4096)
	return bytes.Contains(head, []byte(`"Feature`))
}

func openGeoJSON(files core.FileSet) (geo.Source, error) {
	src, err := geo.OpenGeoJSON(files.Base())
	if err != nil {
		return nil, err
	}
	return src, nil
}

// readHead returns up to n leading bytes of the file at p.
func readHead(p string, n int) []byte {
	f, err := os.Open(p)
	if err != nil {
		return nil
	}
	defer f.Close()
	buf := make([]byte, n)
	m, _ := io.ReadFull(f, buf)
	return buf[:m]
}

func hasMagic(p string, magic ...[]byte) bool {
	head := readHead(p, 16)
	for _, m := range magic {
		if bytes.HasPrefix(head, m) {
			return true
		}
	}
	return false
}
