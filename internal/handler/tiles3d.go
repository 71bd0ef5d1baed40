package handler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/geo"
	"github.com/JonMunkholm/geoimport/internal/logging"
	"github.com/JonMunkholm/geoimport/internal/resource"
	"github.com/JonMunkholm/geoimport/internal/schema"
	"github.com/JonMunkholm/geoimport/internal/storage"
)

// extraTileset is the Dataset.Extra key holding the tileset entry point.
const extraTileset = "tileset"

// Tiles3D stages a 3D Tiles tileset, given as tileset.json or a zip holding
// it, and creates its dataset. Tilesets are served as static assets, so
// nothing is published to the catalog server.
type Tiles3D struct {
	Deps
}

func NewTiles3D(d Deps) *Tiles3D {
	return &Tiles3D{Deps: d}
}

func (h *Tiles3D) ID() string { return "3dtiles" }

func (h *Tiles3D) CanHandle(files core.FileSet) bool {
	return strings.EqualFold(filepath.Base(files.Base()), geo.TilesetFile)
}

// IsValid checks the mandatory tileset members and that an extent can be
// derived from the root bounding volume.
func (h *Tiles3D) IsValid(_ context.Context, files core.FileSet, _ *core.ExecutionRequest) error {
	doc, err := geo.ReadTileset(files.Base())
	if err != nil {
		return core.Invalid(core.FamilyTiles3D, "%v", err)
	}
	if _, err := geo.TilesetBBox(doc); err != nil {
		return core.Invalid(core.FamilyTiles3D, "%v", err)
	}
	return nil
}

func (h *Tiles3D) Tasks(a core.Action) []string {
	if a == core.ActionUpload {
		return []string{core.StepStartImport, core.StepImportResource, core.StepCreateResource}
	}
	return nil
}

// ImportResource copies the tileset, with its content when zipped, into the
// asset store.
func (h *Tiles3D) ImportResource(ctx context.Context, exec *core.ExecutionRequest) error {
	if h.Rasters == nil {
		return errNoRasterStore
	}
	base := exec.LocalFiles.Base()
	doc, err := geo.ReadTileset(base)
	if err != nil {
		return core.Invalid(core.FamilyTiles3D, "%v", err)
	}
	bbox, err := geo.TilesetBBox(doc)
	if err != nil {
		return core.Invalid(core.FamilyTiles3D, "%v", err)
	}
	name, err := h.uniqueName(ctx, schema.NormalizeName(exec.Name))
	if err != nil {
		return err
	}

	st := layerState{Source: geo.TilesetFile, Name: name, Title: exec.Name, SRS: bbox.SRID, BBox: bbox}
	// recorded first so a partial unpack is removed by rollback
	st.File = storage.Key(name, geo.TilesetFile)
	saveLayers(exec, []layerState{st})

	if zip := exec.LocalFiles[core.FileZip]; zip != "" {
		members, err := storage.Unpack(zip, h.Rasters.Path(name))
		if err != nil {
			return err
		}
		if key, ok := tilesetKey(h.Rasters.Path(""), members); ok {
			st.File = key
		}
	} else if err := h.Rasters.PutFile(ctx, st.File, base); err != nil {
		return fmt.Errorf("stage tileset: %w", err)
	}
	saveLayers(exec, []layerState{st})
	logging.FromContext(ctx).Info("tileset staged", "dataset", name, "entry", st.File)
	return nil
}

// tilesetKey returns the storage key of the shallowest tileset.json among
// the unpacked members.
func tilesetKey(root string, members []string) (string, bool) {
	best := ""
	for _, m := range members {
		if !strings.EqualFold(filepath.Base(m), geo.TilesetFile) {
			continue
		}
		if best == "" || strings.Count(m, string(filepath.Separator)) < strings.Count(best, string(filepath.Separator)) {
			best = m
		}
	}
	if best == "" {
		return "", false
	}
	rel, err := filepath.Rel(root, best)
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// PublishResource is not part of the tileset pipeline.
func (h *Tiles3D) PublishResource(context.Context, *core.ExecutionRequest) error { return nil }

func (h *Tiles3D) CreateResource(ctx context.Context, exec *core.ExecutionRequest) error {
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
			Subtype:   resource.SubtypeTiles3D,
			Owner:     exec.User,
			Extra:     map[string]any{extraTileset: st.File},
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

func (h *Tiles3D) RollbackImport(ctx context.Context, exec *core.ExecutionRequest) error {
	states, err := loadLayers(exec)
	if err != nil || h.Rasters == nil {
		return err
	}
	return removeStaged(ctx, h.Rasters, states)
}

func (h *Tiles3D) RollbackPublish(context.Context, *core.ExecutionRequest) error { return nil }

func (h *Tiles3D) RollbackCreateResource(ctx context.Context, exec *core.ExecutionRequest) error {
	states, err := loadLayers(exec)
	if err != nil {
		return err
	}
	return h.rollbackDatasets(ctx, states)
}
