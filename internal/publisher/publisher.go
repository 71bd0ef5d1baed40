package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JonMunkholm/geoimport/internal/geo"
	"github.com/JonMunkholm/geoimport/internal/logging"
)

// Kind distinguishes the catalog store a target is published from.
type Kind string

const (
	KindVector Kind = "vector"
	KindRaster Kind = "raster"
)

// Target is one layer to register in the catalog.
type Target struct {
	Kind  Kind
	Name  string // layer and table (vector) or coverage (raster) name
	Title string
	SRS   string
	BBox  geo.BBox
	File  string // raster file path as seen by GeoServer
}

// DataPublisher publishes datasets into one workspace. Vector targets are
// served from a single shared PostGIS datastore; each raster gets its own
// coverage store named after the layer.
type DataPublisher struct {
	client      *Client
	workspace   string
	datastore   string
	storeParams map[string]string

	mu    sync.Mutex
	ready bool
}

// NewDataPublisher creates a publisher. storeParams are the connection
// parameters of the PostGIS datastore created on first use.
func NewDataPublisher(client *Client, workspace, datastore string, storeParams map[string]string) *DataPublisher {
	return &DataPublisher{client: client, workspace: workspace, datastore: datastore, storeParams: storeParams}
}

// Workspace returns the catalog workspace name.
func (p *DataPublisher) Workspace() string { return p.workspace }

// Alternate returns the qualified layer name ("workspace:name").
func (p *DataPublisher) Alternate(name string) string {
	return p.workspace + ":" + name
}

func (p *DataPublisher) ensureStores(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return nil
	}
	if err := p.client.EnsureWorkspace(ctx, p.workspace); err != nil {
		return fmt.Errorf("ensure workspace: %w", err)
	}
	if err := p.client.EnsureDatastore(ctx, p.workspace, p.datastore, p.storeParams); err != nil {
		return fmt.Errorf("ensure datastore: %w", err)
	}
	p.ready = true
	return nil
}

// Exists reports whether the target's layer is already published.
func (p *DataPublisher) Exists(ctx context.Context, t Target) (bool, error) {
	return p.client.LayerExists(ctx, p.workspace, t.Name)
}

// Publish registers t in the catalog. When overwrite is set and the layer
// already exists, nothing is sent so its styling and configuration survive;
// the returned bool reports whether a publish happened.
func (p *DataPublisher) Publish(ctx context.Context, t Target, overwrite bool) (bool, error) {
	log := logging.FromContext(ctx).With("layer", p.Alternate(t.Name), "kind", t.Kind)
	if overwrite {
		exists, err := p.Exists(ctx, t)
		if err != nil {
			return false, err
		}
		if exists {
			log.Info("layer already published, skipping")
			return false, nil
		}
	}
	if err := p.ensureStores(ctx); err != nil {
		return false, err
	}

	srs := t.SRS
	if srs == "" {
		srs = "EPSG:4326"
	}
	switch t.Kind {
	case KindRaster:
		if err := p.client.CreateCoverageStore(ctx, p.workspace, t.Name, "file:"+t.File); err != nil {
			return false, err
		}
		if err := p.client.PublishCoverage(ctx, p.workspace, t.Name, t.Name, t.Title, srs); err != nil {
			return false, err
		}
	default:
		ft := FeatureType{Name: t.Name, NativeName: t.Name, Title: t.Title, SRS: srs}
		if t.BBox.Valid() && !t.BBox.IsDefault() {
			ft.BBox = &BBox{MinX: t.BBox.MinX, MaxX: t.BBox.MaxX, MinY: t.BBox.MinY, MaxY: t.BBox.MaxY, CRS: srs}
		}
		if err := p.client.PublishFeatureType(ctx, p.workspace, p.datastore, ft); err != nil {
			return false, err
		}
	}
	log.Info("layer published")
	return true, nil
}

// Unpublish removes the target's layer and its backing catalog resource.
func (p *DataPublisher) Unpublish(ctx context.Context, t Target) error {
	if err := p.client.DeleteLayer(ctx, p.workspace, t.Name); err != nil {
		return err
	}
	if t.Kind == KindRaster {
		return p.client.DeleteCoverageStore(ctx, p.workspace, t.Name)
	}
	return p.client.DeleteFeatureType(ctx, p.workspace, p.datastore, t.Name)
}

// SetStyle uploads sld as the style name and makes it the layer default.
func (p *DataPublisher) SetStyle(ctx context.Context, layer, name string, sld []byte) error {
	if err := p.client.PutStyle(ctx, p.workspace, name, sld); err != nil {
		return err
	}
	return p.client.SetDefaultStyle(ctx, p.workspace, layer, name)
}

// Attributes returns the published attributes of layer. found is false when
// the layer is not in the catalog.
func (p *DataPublisher) Attributes(ctx context.Context, layer string) (attrs []Attribute, found bool, err error) {
	attrs, err = p.client.FeatureTypeAttributes(ctx, p.workspace, layer)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return attrs, true, nil
}
