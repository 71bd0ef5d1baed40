package resource

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/JonMunkholm/geoimport/internal/schema"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a dataset does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrNoHandlerInfo is returned when a dataset has no handler link.
	ErrNoHandlerInfo = errors.New("resource has no handler info")
)

// Open connects gorm to dsn. "sqlite:<path>" selects SQLite, anything else
// is treated as a PostgreSQL DSN.
func Open(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if path, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		if !strings.Contains(path, "?") {
			path += "?_busy_timeout=5000&_journal_mode=WAL"
		}
		return gorm.Open(sqlite.Open(path), cfg)
	}
	return gorm.Open(postgres.Open(dsn), cfg)
}

// Manager is the catalog resource service.
type Manager struct {
	db         *gorm.DB
	schemas    *schema.Manager
	detailBase string
}

// NewManager creates a Manager. detailBase prefixes detail URLs.
func NewManager(db *gorm.DB, schemas *schema.Manager, detailBase string) *Manager {
	return &Manager{db: db, schemas: schemas, detailBase: strings.TrimRight(detailBase, "/")}
}

// Migrate creates the catalog tables and seeds the default parallelism limit.
func (m *Manager) Migrate(ctx context.Context, defaultLimit int) error {
	db := m.db.WithContext(ctx)
	if err := db.AutoMigrate(&Dataset{}, &ResourceHandlerInfo{}, &UploadParallelismLimit{}); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}
	limit := UploadParallelismLimit{
		Slug:        DefaultLimitSlug,
		Description: "The default maximum parallel uploads per user.",
		MaxNumber:   defaultLimit,
	}
	return db.Where(UploadParallelismLimit{Slug: DefaultLimitSlug}).FirstOrCreate(&limit).Error
}

// Create stores d and its handler link in one transaction.
func (m *Manager) Create(ctx context.Context, d *Dataset, info ResourceHandlerInfo) error {
	if d.UUID == "" {
		d.UUID = uuid.NewString()
	}
	if d.Files == nil {
		d.SetFiles(nil)
	}
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(d).Error; err != nil {
			return fmt.Errorf("create dataset %s: %w", d.Name, err)
		}
		info.ID = 0
		info.ResourceID = d.ID
		if err := tx.Create(&info).Error; err != nil {
			return fmt.Errorf("create handler info: %w", err)
		}
		return nil
	})
}

// Get loads a dataset by primary key.
func (m *Manager) Get(ctx context.Context, id uint) (*Dataset, error) {
	var d Dataset
	err := m.db.WithContext(ctx).First(&d, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetByAlternate loads a dataset by its qualified layer name.
func (m *Manager) GetByAlternate(ctx context.Context, alternate string) (*Dataset, error) {
	var d Dataset
	err := m.db.WithContext(ctx).Where("alternate = ?", alternate).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, alternate)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// AlternateExists reports whether a dataset uses alternate.
func (m *Manager) AlternateExists(ctx context.Context, alternate string) (bool, error) {
	var n int64
	err := m.db.WithContext(ctx).Model(&Dataset{}).Where("alternate = ?", alternate).Count(&n).Error
	return n > 0, err
}

// List returns datasets owned by owner, newest first. An empty owner lists all.
func (m *Manager) List(ctx context.Context, owner string) ([]Dataset, error) {
	q := m.db.WithContext(ctx).Order("id DESC")
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}
	var out []Dataset
	return out, q.Find(&out).Error
}

// Update saves every field of d.
func (m *Manager) Update(ctx context.Context, d *Dataset) error {
	return m.db.WithContext(ctx).Save(d).Error
}

// Copy creates a new dataset from src with the given overrides applied.
// The copy gets a new UUID and its own handler link.
func (m *Manager) Copy(ctx context.Context, src *Dataset, info ResourceHandlerInfo, apply func(*Dataset)) (*Dataset, error) {
	dst := *src
	dst.ID = 0
	dst.UUID = ""
	dst.CreatedAt, dst.UpdatedAt = time.Time{}, time.Time{}
	dst.Extra = maps.Clone(src.Extra)
	if apply != nil {
		apply(&dst)
	}
	if err := m.Create(ctx, &dst, info); err != nil {
		return nil, err
	}
	return &dst, nil
}

// Delete removes a dataset, its handler links and its dynamic schema.
func (m *Manager) Delete(ctx context.Context, id uint) error {
	d, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("resource_id = ?", id).Delete(&ResourceHandlerInfo{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Dataset{}, id).Error
	})
	if err != nil {
		return fmt.Errorf("delete dataset %d: %w", id, err)
	}
	if d.ModelSchema != nil && m.schemas != nil {
		ms, err := m.schemas.GetByID(ctx, *d.ModelSchema)
		if errors.Is(err, schema.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return m.schemas.Drop(ctx, ms)
	}
	return nil
}

// HandlerInfo returns the most recent handler link of a dataset.
func (m *Manager) HandlerInfo(ctx context.Context, resourceID uint) (*ResourceHandlerInfo, error) {
	var info ResourceHandlerInfo
	err := m.db.WithContext(ctx).Where("resource_id = ?", resourceID).Order("id DESC").First(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNoHandlerInfo, resourceID)
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// DetailURL returns the public page of a dataset.
func (m *Manager) DetailURL(d *Dataset) string {
	return fmt.Sprintf("%s/catalogue/#/dataset/%d", m.detailBase, d.ID)
}

// ParallelismLimit returns the configured ceiling for slug, falling back to
// the default limit.
func (m *Manager) ParallelismLimit(ctx context.Context, slug string) (int, error) {
	var limits []UploadParallelismLimit
	err := m.db.WithContext(ctx).Where("slug IN ?", []string{slug, DefaultLimitSlug}).Find(&limits).Error
	if err != nil {
		return 0, fmt.Errorf("load parallelism limit: %w", err)
	}
	fallback := -1
	for _, l := range limits {
		if l.Slug == slug {
			return l.MaxNumber, nil
		}
		fallback = l.MaxNumber
	}
	if fallback < 0 {
		return 0, fmt.Errorf("load parallelism limit: no %s record", DefaultLimitSlug)
	}
	return fallback, nil
}

// SetParallelismLimit creates or updates the limit called slug.
func (m *Manager) SetParallelismLimit(ctx context.Context, slug string, n int) error {
	return m.db.WithContext(ctx).Save(&UploadParallelismLimit{Slug: slug, MaxNumber: n}).Error
}
