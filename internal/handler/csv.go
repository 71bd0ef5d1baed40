package handler

import (
	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/geo"
)

// CSV imports delimited text with a WKT column or a coordinate pair.
type CSV struct {
	vectorBase
}

func NewCSV(d Deps) *CSV {
	h := &CSV{vectorBase{
		Deps:   d,
		id:     "csv",
		family: core.FamilyCSV,
		open:   openCSV,
	}}
	h.precheck = checkCSVHeader
	return h
}

func (h *CSV) CanHandle(files core.FileSet) bool {
	return hasExt(files.Base(), ".csv")
}

func checkCSVHeader(files core.FileSet) error {
	header, err := geo.ReadCSVHeader(files.Base())
	if err != nil {
		return core.Invalid(core.FamilyCSV, "cannot read the header: %v", err)
	}
	if _, ok := geo.DetectCSVGeometry(header); !ok {
		return core.Invalid(core.FamilyCSV, "%v", geo.ErrNoCSVGeometry)
	}
	return nil
}

func openCSV(files core.FileSet) (geo.Source, error) {
	src, err := geo.OpenCSV(files.Base())
	if err != nil {
		return nil, err
	}
	return src, nil
}
