package handler

import (
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/geo"
)

var sqliteMagic = []byte("SQLite format 3\x00")

// GeoPackage imports every layer of a .gpkg file that declares a CRS.
type GeoPackage struct {
	vectorBase
}

func NewGeoPackage(d Deps) *GeoPackage {
	return &GeoPackage{vectorBase{
		Deps:       d,
		id:         "geopackage",
		family:     core.FamilyGeoPackage,
		open:       openGeoPackage,
		requireCRS: true,
		upserts:    true,
	}}
}

func (h *GeoPackage) CanHandle(files core.FileSet) bool {
	base := files.Base()
	return strings.EqualFold(filepath.Ext(base), ".gpkg") && hasMagic(base, sqliteMagic)
}

func openGeoPackage(files core.FileSet) (geo.Source, error) {
	g, err := geo.OpenGeoPackage(files.Base())
	if err != nil {
		return nil, err
	}
	return g, nil
}
