package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a model schema does not exist.
	ErrNotFound = errors.New("model schema not found")
	// ErrExists is returned when creating a schema whose name is taken.
	ErrExists = errors.New("model schema already exists")
)

// Manager stores schema metadata in meta and creates dataset tables in data.
// Both may be the same database.
type Manager struct {
	meta *gorm.DB
	data *gorm.DB
}

// NewManager creates a Manager.
func NewManager(meta, data *gorm.DB) *Manager {
	return &Manager{meta: meta, data: data}
}

// Migrate creates the metadata tables.
func (m *Manager) Migrate(ctx context.Context) error {
	return m.meta.WithContext(ctx).AutoMigrate(&ModelSchema{}, &FieldSchema{})
}

// Dialect returns the data database dialect name.
func (m *Manager) Dialect() string {
	return m.data.Dialector.Name()
}

// Data returns the database holding dataset tables.
func (m *Manager) Data() *gorm.DB {
	return m.data
}

// CreateModelSchema registers a new schema for table. Managed schemas have
// their table created by CreateTable; unmanaged ones are created externally.
func (m *Manager) CreateModelSchema(ctx context.Context, name, table string, managed bool) (*ModelSchema, error) {
	ms := &ModelSchema{Name: name, DBName: "datastore", DBTable: table, Managed: managed}
	err := m.meta.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&ModelSchema{}).Where("name = ?", name).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrExists, name)
		}
		return tx.Create(ms).Error
	})
	if err != nil {
		return nil, err
	}
	return ms, nil
}

// Get loads a schema and its fields by name.
func (m *Manager) Get(ctx context.Context, name string) (*ModelSchema, error) {
	var ms ModelSchema
	err := m.meta.WithContext(ctx).Preload("Fields", func(db *gorm.DB) *gorm.DB {
		return db.Order("id")
	}).Where("name = ?", name).First(&ms).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return &ms, nil
}

// GetByID loads a schema and its fields by primary key.
func (m *Manager) GetByID(ctx context.Context, id uint) (*ModelSchema, error) {
	var ms ModelSchema
	err := m.meta.WithContext(ctx).Preload("Fields", func(db *gorm.DB) *gorm.DB {
		return db.Order("id")
	}).First(&ms, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &ms, nil
}

// Exists reports whether a schema with name is registered.
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	var n int64
	err := m.meta.WithContext(ctx).Model(&ModelSchema{}).Where("name = ?", name).Count(&n).Error
	return n > 0, err
}

// AddFields attaches fields to a schema. Fields whose name is already
// present are left untouched, so the call can be repeated per chunk.
func (m *Manager) AddFields(ctx context.Context, schemaID uint, fields []FieldSchema) error {
	if len(fields) == 0 {
		return nil
	}
	rows := make([]FieldSchema, len(fields))
	for i, f := range fields {
		f.ID = 0
		f.ModelSchemaID = schemaID
		rows[i] = f
	}
	return m.meta.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "model_schema_id"}, {Name: "name"}},
		DoNothing: true,
	}).Create(&rows).Error
}

// CreateTable creates the physical table of ms from its stored fields.
func (m *Manager) CreateTable(ctx context.Context, ms *ModelSchema) error {
	fresh, err := m.GetByID(ctx, ms.ID)
	if err != nil {
		return err
	}
	if len(fresh.Fields) == 0 {
		return fmt.Errorf("create table %s: schema has no fields", ms.DBTable)
	}
	stmt := CreateTableSQL(m.Dialect(), ms.DBTable, fresh.Fields)
	if err := m.data.WithContext(ctx).Exec(stmt).Error; err != nil {
		return fmt.Errorf("create table %s: %w", ms.DBTable, err)
	}
	ms.Fields = fresh.Fields
	return nil
}

// TableExists reports whether the physical table of ms exists.
func (m *Manager) TableExists(ms *ModelSchema) bool {
	return m.data.Migrator().HasTable(ms.DBTable)
}

// Drop removes the physical table and the schema metadata.
func (m *Manager) Drop(ctx context.Context, ms *ModelSchema) error {
	if err := m.data.WithContext(ctx).Exec("DROP TABLE IF EXISTS " + QuoteIdent(ms.DBTable)).Error; err != nil {
		return fmt.Errorf("drop table %s: %w", ms.DBTable, err)
	}
	return m.meta.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("model_schema_id = ?", ms.ID).Delete(&FieldSchema{}).Error; err != nil {
			return err
		}
		return tx.Delete(&ModelSchema{}, ms.ID).Error
	})
}

// DropByName drops the schema called name if it exists.
func (m *Manager) DropByName(ctx context.Context, name string) error {
	ms, err := m.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.Drop(ctx, ms)
}

// Clone registers a new schema named name for table with a copy of the
// fields of src. The physical table is not touched.
func (m *Manager) Clone(ctx context.Context, src *ModelSchema, name, table string) (*ModelSchema, error) {
	full, err := m.GetByID(ctx, src.ID)
	if err != nil {
		return nil, err
	}
	dst, err := m.CreateModelSchema(ctx, name, table, true)
	if err != nil {
		return nil, err
	}
	if err := m.AddFields(ctx, dst.ID, full.Fields); err != nil {
		return nil, fmt.Errorf("clone fields: %w", err)
	}
	return m.GetByID(ctx, dst.ID)
}

// CopyTable creates the table of dst and copies every row of src into it.
func (m *Manager) CopyTable(ctx context.Context, src, dst *ModelSchema) error {
	if err := m.CreateTable(ctx, dst); err != nil {
		return err
	}
	cols := make([]string, len(dst.Fields))
	for i, f := range dst.Fields {
		cols[i] = QuoteIdent(f.Name)
	}
	list := strings.Join(cols, ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		QuoteIdent(dst.DBTable), list, list, QuoteIdent(src.DBTable))
	if err := m.data.WithContext(ctx).Exec(stmt).Error; err != nil {
		return fmt.Errorf("copy %s to %s: %w", src.DBTable, dst.DBTable, err)
	}
	if m.Dialect() == DialectPostgres {
		// keep the serial ahead of the copied keys
		seq := fmt.Sprintf(`SELECT setval(pg_get_serial_sequence('%s', 'fid'), COALESCE(MAX(fid), 1)) FROM %s`,
			strings.ReplaceAll(QuoteIdent(dst.DBTable), "'", "''"), QuoteIdent(dst.DBTable))
		if err := m.data.WithContext(ctx).Exec(seq).Error; err != nil {
			return fmt.Errorf("reset sequence of %s: %w", dst.DBTable, err)
		}
	}
	return nil
}

// Transaction runs fn with a Manager whose data operations share one
// transaction.
func (m *Manager) Transaction(ctx context.Context, fn func(tx *Manager) error) error {
	return m.data.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Manager{meta: m.meta, data: tx})
	})
}
