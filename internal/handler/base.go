// Package handler implements one core.FileHandler per supported spatial
// format. Vector formats share vectorBase, which loads layers into dynamic
// schema tables, publishes them and creates the catalog datasets. Raster,
// 3D Tiles, metadata and style handlers have their own pipelines.
package handler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/JonMunkholm/geoimport/internal/constraint"
	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/geo"
	"github.com/JonMunkholm/geoimport/internal/ogr"
	"github.com/JonMunkholm/geoimport/internal/publisher"
	"github.com/JonMunkholm/geoimport/internal/resource"
	"github.com/JonMunkholm/geoimport/internal/schema"
	"github.com/JonMunkholm/geoimport/internal/storage"
)

// DefaultFieldChunk is the number of fields created per fan-out task.
const DefaultFieldChunk = 16

// Catalog is the part of the OGC catalog the handlers drive.
// *publisher.DataPublisher implements it.
type Catalog interface {
	Alternate(name string) string
	Publish(ctx context.Context, t publisher.Target, overwrite bool) (bool, error)
	Unpublish(ctx context.Context, t publisher.Target) error
	SetStyle(ctx context.Context, layer, name string, sld []byte) error
}

// Deps are the collaborators shared by every handler.
type Deps struct {
	Schemas     *schema.Manager
	Resources   *resource.Manager
	Catalog     Catalog
	Loader      ogr.Loader
	Constraints *constraint.Registry
	// Rasters holds coverage files where the catalog server can read them.
	Rasters *storage.Local
	// FieldChunk bounds the fields created per fan-out task.
	FieldChunk int
}

func (d Deps) chunk() int {
	if d.FieldChunk > 0 {
		return d.FieldChunk
	}
	return DefaultFieldChunk
}

// New returns every handler in registration order.
func New(d Deps) []core.FileHandler {
	return []core.FileHandler{
		NewGeoPackage(d),
		NewShapefile(d),
		NewGeoJSON(d),
		NewKML(d),
		NewCSV(d),
		NewGeoTIFF(d),
		NewTiles3D(d),
		NewMetadata(d),
		NewSLD(d),
	}
}

var (
	_ core.Copier       = (*GeoPackage)(nil)
	_ core.Upserter     = (*GeoPackage)(nil)
	_ core.Copier       = (*Shapefile)(nil)
	_ core.Upserter     = (*Shapefile)(nil)
	_ core.Copier       = (*GeoJSON)(nil)
	_ core.Copier       = (*KML)(nil)
	_ core.Copier       = (*CSV)(nil)
	_ core.RasterCopier = (*GeoTIFF)(nil)
	_ core.FileHandler  = (*Tiles3D)(nil)
	_ core.FileHandler  = (*Metadata)(nil)
	_ core.FileHandler  = (*SLD)(nil)
)

// outputLayers is the output key holding the per-layer state of an execution.
const outputLayers = "layers"

// layerState is what one execution did to one dataset. Rollback hooks read
// it to undo exactly the work that happened.
type layerState struct {
	Source      string    `json:"source"`
	Name        string    `json:"name"`
	Title       string    `json:"title"`
	SchemaID    uint      `json:"schema_id,omitempty"`
	SRS         string    `json:"srs"`
	BBox        geo.BBox  `json:"bbox"`
	Loaded      int64     `json:"loaded"`
	Skipped     bool      `json:"skipped,omitempty"`
	CreatedDB   bool      `json:"created_schema,omitempty"` // schema and table belong to this execution
	Appended    bool      `json:"appended,omitempty"`       // rows above Mark were added by this execution
	Mark        int64     `json:"mark,omitempty"`
	Superseded  bool      `json:"superseded,omitempty"` // rows up to Mark were removed after the load
	Published   bool      `json:"published,omitempty"`
	ResourceID  uint      `json:"resource_id,omitempty"`
	NewResource bool      `json:"new_resource,omitempty"`
	PrevBBox    *geo.BBox `json:"previous_bbox,omitempty"`
	File        string    `json:"file,omitempty"`
}

func loadLayers(exec *core.ExecutionRequest) ([]layerState, error) {
	var layers []layerState
	if _, err := exec.DecodeOutput(outputLayers, &layers); err != nil {
		return nil, err
	}
	return layers, nil
}

func saveLayers(exec *core.ExecutionRequest, layers []layerState) {
	exec.SetOutput(outputLayers, layers)
}

// target loads the dataset named by the resource_pk input.
func (d Deps) target(ctx context.Context, exec *core.ExecutionRequest) (*resource.Dataset, error) {
	pk, ok := exec.ResourcePK()
	if !ok {
		return nil, core.Invalid(core.FamilyUpload, "%s requires resource_pk", exec.Action)
	}
	return d.Resources.Get(ctx, pk)
}

// uniqueName returns base, or base with a numeric suffix, so that neither a
// schema nor a catalog dataset already uses it.
func (d Deps) uniqueName(ctx context.Context, base string) (string, error) {
	name := base
	for i := 1; ; i++ {
		taken, err := d.nameTaken(ctx, name)
		if err != nil {
			return "", err
		}
		if !taken {
			return name, nil
		}
		suffix := fmt.Sprintf("_%d", i)
		trimmed := base
		if len(trimmed)+len(suffix) > 63 {
			trimmed = trimmed[:63-len(suffix)]
		}
		name = trimmed + suffix
	}
}

func (d Deps) nameTaken(ctx context.Context, name string) (bool, error) {
	exists, err := d.Schemas.Exists(ctx, name)
	if err != nil || exists {
		return exists, err
	}
	return d.Resources.AlternateExists(ctx, d.Catalog.Alternate(name))
}

// storedFiles lists the storage keys a dataset keeps when the upload asked
// for its spatial files to be stored.
func storedFiles(exec *core.ExecutionRequest) []string {
	if !exec.Bool(core.ParamStoreFiles) {
		return nil
	}
	keys := exec.Files()
	out := make([]string, 0, len(keys))
	for _, k := range core.FileKeys {
		if v, ok := keys[k]; ok {
			out = append(out, v)
		}
	}
	return out
}

// readSidecar returns the content of an optional sidecar file.
func readSidecar(files core.FileSet, key string) (string, error) {
	p := files[key]
	if p == "" {
		return "", nil
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return string(b), nil
}

func hasExt(p string, exts ...string) bool {
	lower := strings.ToLower(p)
	for _, e := range exts {
		if strings.HasSuffix(lower, e) {
			return true
		}
	}
	return false
}

// ignoreNotFound drops errors meaning the object is already gone.
func ignoreNotFound(err error) error {
	if errors.Is(err, schema.ErrNotFound) || errors.Is(err, resource.ErrNotFound) || errors.Is(err, publisher.ErrNotFound) {
		return nil
	}
	return err
}
