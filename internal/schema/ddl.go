package schema

import (
	"fmt"
	"strings"
)

// Dialect names as reported by gorm dialectors.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// QuoteIdent double-quotes an identifier for both supported dialects.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ColumnType returns the SQL type of f in the given dialect.
func ColumnType(dialect string, f FieldSchema) string {
	pg := dialect == DialectPostgres
	switch f.Class {
	case ClassPrimaryKey:
		if pg {
			return "BIGSERIAL PRIMARY KEY"
		}
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	case ClassInteger:
		return "INTEGER"
	case ClassBigInteger:
		if pg {
			return "BIGINT"
		}
		return "INTEGER"
	case ClassFloat:
		if pg {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case ClassString:
		if f.MaxLength > 0 {
			return fmt.Sprintf("VARCHAR(%d)", f.MaxLength)
		}
		return "TEXT"
	case ClassDate:
		return "DATE"
	case ClassDateTime:
		if pg {
			return "TIMESTAMP WITH TIME ZONE"
		}
		return "DATETIME"
	case ClassTime:
		if pg {
			return "TIME"
		}
		return "TEXT"
	case ClassBoolean:
		return "BOOLEAN"
	case ClassBinary:
		if pg {
			return "BYTEA"
		}
		return "BLOB"
	case ClassGeometry:
		if pg {
			return fmt.Sprintf("geometry(%s,%d)", postgisType(f.GeometryType), f.SRID)
		}
		return "BLOB"
	default:
		return "TEXT"
	}
}

// postgisType maps a GeoJSON geometry name to the PostGIS typmod.
func postgisType(t string) string {
	switch t {
	case "Point", "LineString", "Polygon", "MultiPoint", "MultiLineString", "MultiPolygon", "GeometryCollection":
		return strings.ToUpper(t)
	default:
		return "GEOMETRY"
	}
}

// CreateTableSQL renders the CREATE TABLE statement for a schema.
func CreateTableSQL(dialect, table string, fields []FieldSchema) string {
	cols := make([]string, 0, len(fields))
	for _, f := range fields {
		col := QuoteIdent(f.Name) + " " + ColumnType(dialect, f)
		if !f.Nullable && f.Class != ClassPrimaryKey {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", QuoteIdent(table), strings.Join(cols, ", "))
}
