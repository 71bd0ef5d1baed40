package handler

import (
	"os"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/geo"
)

// Shapefile imports a .shp with its mandatory .dbf and .shx siblings.
type Shapefile struct {
	vectorBase
}

func NewShapefile(d Deps) *Shapefile {
	h := &Shapefile{vectorBase{
		Deps:    d,
		id:      "shapefile",
		family:  core.FamilyShapefile,
		open:    openShapefile,
		upserts: true,
	}}
	h.precheck = requireSidecars
	return h
}

func (h *Shapefile) CanHandle(files core.FileSet) bool {
	return hasExt(files.Base(), ".shp")
}

// requireSidecars checks that the .dbf and .shx files sit next to the .shp,
// where the reader looks for them.
func requireSidecars(files core.FileSet) error {
	for _, ext := range []string{".dbf", ".shx"} {
		if _, err := os.Stat(geo.SidecarPath(files.Base(), ext)); err != nil {
			return core.Invalid(core.FamilyShapefile, "the %s file is mandatory", ext)
		}
	}
	return nil
}

func openShapefile(files core.FileSet) (geo.Source, error) {
	s, err := geo.OpenShapefile(files.Base())
	if err != nil {
		return nil, err
	}
	return s, nil
}
