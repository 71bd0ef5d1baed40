// Package schema manages the dynamic relational schema that backs each
// imported vector dataset: one ModelSchema per dataset table and one
// FieldSchema per column, plus the physical table DDL and row access.
package schema

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/JonMunkholm/geoimport/internal/geo"
)

// ColumnClass is the logical type of a dynamic column.
type ColumnClass string

const (
	ClassPrimaryKey ColumnClass = "autofield"
	ClassInteger    ColumnClass = "integer"
	ClassBigInteger ColumnClass = "biginteger"
	ClassFloat      ColumnClass = "float"
	ClassString     ColumnClass = "string"
	ClassText       ColumnClass = "text"
	ClassDate       ColumnClass = "date"
	ClassDateTime   ColumnClass = "datetime"
	ClassTime       ColumnClass = "time"
	ClassBoolean    ColumnClass = "boolean"
	ClassBinary     ColumnClass = "binary"
	ClassGeometry   ColumnClass = "geometry"
)

// Reserved column names written by every loader.
const (
	PKColumn       = "fid"
	GeometryColumn = "geometry"
)

// ModelSchema is the stored description of one dynamic dataset table.
type ModelSchema struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:255;uniqueIndex;not null"`
	DBName    string `gorm:"size:64;not null;default:datastore"`
	DBTable   string `gorm:"column:db_table_name;size:255;not null"`
	Managed   bool
	CreatedAt time.Time
	UpdatedAt time.Time

	Fields []FieldSchema `gorm:"constraint:OnDelete:CASCADE"`
}

// TableName overrides the gorm default.
func (ModelSchema) TableName() string { return "dynamic_models_modelschema" }

// FieldSchema is one typed column of a ModelSchema.
type FieldSchema struct {
	ID            uint        `gorm:"primaryKey"`
	ModelSchemaID uint        `gorm:"uniqueIndex:idx_field_schema_name;not null"`
	Name          string      `gorm:"uniqueIndex:idx_field_schema_name;size:63;not null"`
	SourceName    string      `gorm:"size:255"`
	Class         ColumnClass `gorm:"size:32;not null"`
	Nullable      bool
	MaxLength     int
	GeometryType  string `gorm:"size:32"`
	SRID          int
}

// TableName overrides the gorm default.
func (FieldSchema) TableName() string { return "dynamic_models_fieldschema" }

// ClassForField maps a source attribute type to a column class. Unknown
// types fall back to text.
func ClassForField(t geo.FieldType) ColumnClass {
	switch t {
	case geo.FieldInteger:
		return ClassInteger
	case geo.FieldInteger64:
		return ClassBigInteger
	case geo.FieldReal:
		return ClassFloat
	case geo.FieldString:
		return ClassString
	case geo.FieldDate:
		return ClassDate
	case geo.FieldDateTime:
		return ClassDateTime
	case geo.FieldTime:
		return ClassTime
	case geo.FieldBoolean:
		return ClassBoolean
	case geo.FieldBinary:
		return ClassBinary
	default:
		return ClassString
	}
}

// FieldsForLayer derives the FieldSchema set of a layer: the primary key,
// the geometry column and one column per attribute.
func FieldsForLayer(layer geo.LayerInfo) []FieldSchema {
	fields := []FieldSchema{
		{Name: PKColumn, Class: ClassPrimaryKey, Nullable: false},
		{
			Name:         GeometryColumn,
			Class:        ClassGeometry,
			Nullable:     true,
			GeometryType: layer.GeometryType,
			SRID:         layer.SRID,
		},
	}

	used := map[string]bool{PKColumn: true, GeometryColumn: true}
	for _, f := range layer.Fields {
		name := uniqueName(NormalizeName(f.Name), used)
		used[name] = true
		fields = append(fields, FieldSchema{
			Name:       name,
			SourceName: f.Name,
			Class:      ClassForField(f.Type),
			Nullable:   true,
			MaxLength:  f.Width,
		})
	}
	return fields
}

var nonIdent = regexp.MustCompile(`[^a-z0-9_]+`)

// NormalizeName turns an arbitrary label into a lower-case SQL identifier of
// at most 63 bytes.
func NormalizeName(s string) string {
	n := nonIdent.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "_")
	n = strings.Trim(n, "_")
	if n == "" {
		n = "field"
	}
	if n[0] >= '0' && n[0] <= '9' {
		n = "_" + n
	}
	if len(n) > 63 {
		n = n[:63]
	}
	return n
}

func uniqueName(name string, used map[string]bool) string {
	if !used[name] {
		return name
	}
	for i := 1; ; i++ {
		suffix := fmt.Sprintf("_%d", i)
		base := name
		if len(base)+len(suffix) > 63 {
			base = base[:63-len(suffix)]
		}
		if c := base + suffix; !used[c] {
			return c
		}
	}
}
