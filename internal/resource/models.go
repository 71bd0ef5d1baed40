// Package resource stores the catalog records created by imports: datasets,
// the handler that produced each of them and the upload parallelism limit.
package resource

import (
	"encoding/json"
	"time"

	"github.com/JonMunkholm/geoimport/internal/geo"
	"gorm.io/datatypes"
)

// Subtypes of a dataset.
const (
	SubtypeVector  = "vector"
	SubtypeRaster  = "raster"
	SubtypeTiles3D = "3dtiles"
)

// Dataset is a catalog-facing resource.
type Dataset struct {
	ID          uint   `gorm:"primaryKey"`
	UUID        string `gorm:"size:36;uniqueIndex;not null"`
	Title       string `gorm:"size:255"`
	Name        string `gorm:"size:255;index;not null"`
	Alternate   string `gorm:"size:255;uniqueIndex;not null"`
	Subtype     string `gorm:"size:32;not null"`
	Owner       string `gorm:"size:150;index"`
	Abstract    string `gorm:"type:text"`
	BBoxMinX    float64
	BBoxMaxX    float64
	BBoxMinY    float64
	BBoxMaxY    float64
	SRID        string `gorm:"size:64"`
	ModelSchema *uint  `gorm:"column:model_schema_id"`
	Files       datatypes.JSON
	MetadataXML string `gorm:"type:text"`
	Style       string `gorm:"size:255"`
	Extra       datatypes.JSONMap
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BBox returns the stored bounding box.
func (d *Dataset) BBox() geo.BBox {
	return geo.BBox{MinX: d.BBoxMinX, MaxX: d.BBoxMaxX, MinY: d.BBoxMinY, MaxY: d.BBoxMaxY, SRID: d.SRID}
}

// SetBBox stores b as the dataset bounding box.
func (d *Dataset) SetBBox(b geo.BBox) {
	d.BBoxMinX, d.BBoxMaxX, d.BBoxMinY, d.BBoxMaxY, d.SRID = b.MinX, b.MaxX, b.MinY, b.MaxY, b.SRID
}

// FileList decodes the stored file keys.
func (d *Dataset) FileList() []string {
	var files []string
	if len(d.Files) > 0 {
		json.Unmarshal(d.Files, &files)
	}
	return files
}

// SetFiles stores the file keys of the dataset.
func (d *Dataset) SetFiles(files []string) {
	if files == nil {
		files = []string{}
	}
	b, _ := json.Marshal(files)
	d.Files = datatypes.JSON(b)
}

// ResourceHandlerInfo links a dataset to the handler that created it.
type ResourceHandlerInfo struct {
	ID                uint   `gorm:"primaryKey"`
	ResourceID        uint   `gorm:"index;not null"`
	HandlerModulePath string `gorm:"size:255;not null"`
	ExecutionID       string `gorm:"size:36"`
	Kwargs            datatypes.JSONMap
	CreatedAt         time.Time
}

// UploadParallelismLimit bounds concurrent executions per user.
type UploadParallelismLimit struct {
	Slug        string `gorm:"primaryKey;size:255"`
	Description string `gorm:"type:text"`
	MaxNumber   int    `gorm:"not null"`
}

// DefaultLimitSlug names the limit applied to every user.
const DefaultLimitSlug = "default_max_parallel_uploads"
