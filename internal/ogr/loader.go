// Package ogr loads vector layers into dataset tables created by the schema
// package. Two loaders exist: Ogr2Ogr drives the GDAL command-line tool
// against PostGIS, Native streams features through the schema manager and
// works with any gorm dialect.
package ogr

import (
	"context"
	"errors"
	"fmt"

	"github.com/JonMunkholm/geoimport/internal/geo"
	"github.com/JonMunkholm/geoimport/internal/schema"
)

// ErrNoSource is returned by loaders that need an opened source.
var ErrNoSource = errors.New("loader requires an opened source")

// Request describes one layer load. The target table of Schema must exist.
type Request struct {
	Path   string     // source file on disk
	Source geo.Source // opened source, used by the native loader
	Layer  geo.LayerInfo
	Schema *schema.ModelSchema
}

// Result reports what a load wrote.
type Result struct {
	Loaded int64
}

// Loader copies the features of one layer into its dataset table.
type Loader interface {
	Name() string
	Load(ctx context.Context, req Request) (Result, error)
}

// Native inserts features row by row inside one data transaction.
type Native struct {
	schemas *schema.Manager
}

// NewNative creates a Native loader.
func NewNative(schemas *schema.Manager) *Native {
	return &Native{schemas: schemas}
}

func (n *Native) Name() string { return "native" }

func (n *Native) Load(ctx context.Context, req Request) (Result, error) {
	if req.Source == nil {
		return Result{}, ErrNoSource
	}
	var res Result
	err := n.schemas.Transaction(ctx, func(tx *schema.Manager) error {
		return req.Source.Features(ctx, req.Layer.Name, func(f geo.Feature) error {
			if err := tx.InsertRow(ctx, req.Schema, schema.FeatureRow(req.Schema, f)); err != nil {
				return fmt.Errorf("feature %d: %w", f.FID, err)
			}
			res.Loaded++
			return nil
		})
	})
	if err != nil {
		return Result{}, fmt.Errorf("load layer %s: %w", req.Layer.Name, err)
	}
	return res, nil
}
