package handler

import (
	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/geo"
)

// KML imports the placemarks of a .kml document as one layer.
type KML struct {
	vectorBase
}

func NewKML(d Deps) *KML {
	return &KML{vectorBase{
		Deps:   d,
		id:     "kml",
		family: core.FamilyKML,
		open:   openKML,
	}}
}

func (h *KML) CanHandle(files core.FileSet) bool {
	return hasExt(files.Base(), ".kml")
}

func openKML(files core.FileSet) (geo.Source, error) {
	src, err := geo.OpenKML(files.Base())
	if err != nil {
		return nil, err
	}
	return src, nil
}
