package handler

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/geo"
	"github.com/JonMunkholm/geoimport/internal/logging"
	"github.com/JonMunkholm/geoimport/internal/publisher"
	"github.com/JonMunkholm/geoimport/internal/resource"
	"github.com/JonMunkholm/geoimport/internal/schema"
	"github.com/JonMunkholm/geoimport/internal/storage"
)

var (
	tiffLE = []byte("II*\x00")
	tiffBE = []byte("MM\x00*")
)

// errNoRasterStore is returned when raster work is requested without a
// raster directory.
var errNoRasterStore = errors.New("no raster store configured")

// extraFile is the Dataset.Extra key holding the raster storage key.
const extraFile = "file"

// GeoTIFF stages a GeoTIFF where the catalog server reads coverages and
// publishes it as a coverage store. No table is created.
type GeoTIFF struct {
	Deps
}

func NewGeoTIFF(d Deps) *GeoTIFF {
	return &GeoTIFF{Deps: d}
}

func (h *GeoTIFF) ID() string { return "geotiff" }

func (h *GeoTIFF) CanHandle(files core.FileSet) bool {
	base := files.Base()
	return hasExt(base, ".tif", ".tiff") && hasMagic(base, tiffLE, tiffBE)
}

func (h *GeoTIFF) IsValid(_ context.Context, files core.FileSet, _ *core.ExecutionRequest) error {
	if _, err := geo.ProbeGeoTIFF(files.Base()); err != nil {
		return core.Invalid(core.FamilyGeoTIFF, "%v", err)
	}
	return nil
}

func (h *GeoTIFF) Tasks(a core.Action) []string {
	switch a {
	case core.ActionUpload:
		return []string{core.StepStartImport, core.StepImportResource, core.StepPublishResource, core.StepCreateResource}
	case core.ActionCopy:
		return []string{core.StepStartCopy, core.StepCopyRasterFile, core.StepPublishResource, core.StepCopyResource}
	}
	return nil
}

// ImportResource copies the raster into the raster store under a fresh
// dataset name.
func (h *GeoTIFF) ImportResource(ctx context.Context, exec *core.ExecutionRequest) error {
	if h.Rasters == nil {
		return errNoRasterStore
	}
	base := exec.LocalFiles.Base()
	info, err := geo.ProbeGeoTIFF(base)
	if err != nil {
		return core.Invalid(core.FamilyGeoTIFF, "%v", err)
	}
	name, err := h.uniqueName(ctx, schema.NormalizeName(exec.Name))
	if err != nil {
		return err
	}
	bbox := info.BBox()
	st := layerState{Source: filepath.Base(base), Name: name, Title: exec.Name, SRS: bbox.SRID, BBox: bbox}
	st.File = storage.Key(name, filepath.Base(base))
	if err := h.Rasters.PutFile(ctx, st.File, base); err != nil {
		return fmt.Errorf("stage raster: %w", err)
	}
	saveLayers(exec, []layerState{st})
	logging.FromContext(ctx).Info("raster staged", "dataset", name, "width", info.Width, "height", info.Height)
	return nil
}

func (h *GeoTIFF) PublishResource(ctx context.Context, exec *core.ExecutionRequest) error {
	if h.Rasters == nil {
		return errNoRasterStore
	}
	states, err := loadLayers(exec)
	if err != nil {
		return err
	}
	defer func() { saveLayers(exec, states) }()
	for i := range states {
		st := &states[i]
		published, err := h.Catalog.Publish(ctx, publisher.Target{
			Kind:  publisher.KindRaster,
			Name:  st.Name,
			Title: st.Title,
			SRS:   st.SRS,
			BBox:  st.BBox,
			File:  h.Rasters.Path(st.File),
		}, exec.Bool(core.ParamOverwrite))
		if err != nil {
			return fmt.Errorf("publish %s: %w", st.Name, err)
		}
		st.Published = published
	}
	return nil
}

func (h *GeoTIFF) CreateResource(ctx context.Context, exec *core.ExecutionRequest) error {
	states, err := loadLayers(exec)
	if err != nil {
		return err
	}
	defer func() { saveLayers(exec, states) }()
	for i := range states {
		st := &states[i]
		d := &resource.Dataset{
			Title:     st.Title,
			Name:      st.Name,
			Alternate: h.Catalog.Alternate(st.Name),
			Subtype:   resource.SubtypeRaster,
			Owner:     exec.User,
			Extra:     map[string]any{extraFile: st.File},
		}
		d.SetBBox(st.BBox)
		d.SetFiles(storedFiles(exec))
		err := h.Resources.Create(ctx, d, resource.ResourceHandlerInfo{
			HandlerModulePath: h.ID(),
			ExecutionID:       exec.ExecID,
			Kwargs:            map[string]any{"action": string(exec.Action)},
		})
		if err != nil {
			return err
		}
		st.ResourceID, st.NewResource = d.ID, true
		exec.AddResource(d.ID, h.Resources.DetailURL(d))
	}
	return nil
}

// CopyRasterFile stages a copy of the source raster under the new name.
func (h *GeoTIFF) CopyRasterFile(ctx context.Context, exec *core.ExecutionRequest) error {
	if h.Rasters == nil {
		return errNoRasterStore
	}
	src, err := h.target(ctx, exec)
	if err != nil {
		return err
	}
	key, _ := src.Extra[extraFile].(string)
	if key == "" {
		return fmt.Errorf("dataset %d has no raster file", src.ID)
	}
	defaults := exec.Defaults()
	name, err := h.copyName(ctx, src, defaults)
	if err != nil {
		return err
	}
	st := layerState{
		Source: src.Name,
		Name:   name,
		Title:  defaultString(defaults, "title", src.Title),
		SRS:    src.SRID,
		BBox:   src.BBox(),
		File:   storage.Key(name, path.Base(key)),
	}
	if err := h.Rasters.PutFile(ctx, st.File, h.Rasters.Path(key)); err != nil {
		return fmt.Errorf("copy raster: %w", err)
	}
	saveLayers(exec, []layerState{st})
	return nil
}

func (h *GeoTIFF) CopyResource(ctx context.Context, exec *core.ExecutionRequest) error {
	states, err := loadLayers(exec)
	if err != nil {
		return err
	}
	if len(states) != 1 {
		return fmt.Errorf("copy resource: expected one staged raster, found %d", len(states))
	}
	src, err := h.target(ctx, exec)
	if err != nil {
		return err
	}
	st := &states[0]
	d, err := h.Resources.Copy(ctx, src, resource.ResourceHandlerInfo{
		HandlerModulePath: h.ID(),
		ExecutionID:       exec.ExecID,
		Kwargs:            map[string]any{"action": string(core.ActionCopy), "source": src.ID},
	}, func(d *resource.Dataset) {
		d.Name = st.Name
		d.Alternate = h.Catalog.Alternate(st.Name)
		d.Title = st.Title
		d.Owner = exec.User
		if d.Extra == nil {
			d.Extra = map[string]any{}
		}
		d.Extra[extraFile] = st.File
	})
	if err != nil {
		return err
	}
	st.ResourceID, st.NewResource = d.ID, true
	saveLayers(exec, states)
	exec.AddResource(d.ID, h.Resources.DetailURL(d))
	return nil
}

// RollbackImport removes staged raster files.
func (h *GeoTIFF) RollbackImport(ctx context.Context, exec *core.ExecutionRequest) error {
	states, err := loadLayers(exec)
	if err != nil || h.Rasters == nil {
		return err
	}
	return removeStaged(ctx, h.Rasters, states)
}

func removeStaged(ctx context.Context, store *storage.Local, states []layerState) error {
	for _, st := range states {
		if st.File == "" {
			continue
		}
		if err := store.DeletePrefix(ctx, st.Name); err != nil {
			return err
		}
	}
	return nil
}

func (h *GeoTIFF) RollbackPublish(ctx context.Context, exec *core.ExecutionRequest) error {
	states, err := loadLayers(exec)
	if err != nil {
		return err
	}
	return unpublish(ctx, h.Catalog, publisher.KindRaster, states)
}

func (h *GeoTIFF) RollbackCreateResource(ctx context.Context, exec *core.ExecutionRequest) error {
	states, err := loadLayers(exec)
	if err != nil {
		return err
	}
	return h.rollbackDatasets(ctx, states)
}
