package schema

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/geoimport/internal/geo"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"gorm.io/gorm/clause"
)

// Row is one dataset record: column values keyed by column name plus the
// geometry. The fid column is set by the database unless present in Values.
type Row struct {
	Values   map[string]any
	Geometry orb.Geometry
	SRID     int
}

func (m *Manager) geometryValue(g orb.Geometry, srid int) (any, error) {
	if g == nil {
		return nil, nil
	}
	b, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	if m.Dialect() == DialectPostgres {
		return clause.Expr{SQL: "ST_SetSRID(ST_GeomFromWKB(?), ?)", Vars: []any{b, srid}}, nil
	}
	return b, nil
}

func (m *Manager) rowValues(r Row) (map[string]any, error) {
	values := make(map[string]any, len(r.Values)+1)
	for k, v := range r.Values {
		values[k] = v
	}
	geom, err := m.geometryValue(r.Geometry, r.SRID)
	if err != nil {
		return nil, err
	}
	if geom != nil {
		values[GeometryColumn] = geom
	}
	return values, nil
}

// InsertRow appends r to the table of ms.
func (m *Manager) InsertRow(ctx context.Context, ms *ModelSchema, r Row) error {
	values, err := m.rowValues(r)
	if err != nil {
		return err
	}
	if err := m.data.WithContext(ctx).Table(ms.DBTable).Create(values).Error; err != nil {
		return fmt.Errorf("insert into %s: %w", ms.DBTable, err)
	}
	return nil
}

// UpdateRows sets the values of r on every row whose key column equals value.
func (m *Manager) UpdateRows(ctx context.Context, ms *ModelSchema, key string, value any, r Row) (int64, error) {
	values, err := m.rowValues(r)
	if err != nil {
		return 0, err
	}
	delete(values, key)
	delete(values, PKColumn)
	if len(values) == 0 {
		return 0, nil
	}
	res := m.data.WithContext(ctx).Table(ms.DBTable).
		Where(fmt.Sprintf("%s = ?", QuoteIdent(key)), value).
		Updates(values)
	if res.Error != nil {
		return 0, fmt.Errorf("update %s: %w", ms.DBTable, res.Error)
	}
	return res.RowsAffected, nil
}

// CountWhere counts rows whose key column equals value.
func (m *Manager) CountWhere(ctx context.Context, ms *ModelSchema, key string, value any) (int64, error) {
	var n int64
	err := m.data.WithContext(ctx).Table(ms.DBTable).
		Where(fmt.Sprintf("%s = ?", QuoteIdent(key)), value).
		Count(&n).Error
	return n, err
}

// CountRows returns the number of rows in the table of ms.
func (m *Manager) CountRows(ctx context.Context, ms *ModelSchema) (int64, error) {
	var n int64
	err := m.data.WithContext(ctx).Table(ms.DBTable).Count(&n).Error
	return n, err
}

// Truncate deletes every row of the table of ms.
func (m *Manager) Truncate(ctx context.Context, ms *ModelSchema) error {
	return m.data.WithContext(ctx).Exec("DELETE FROM " + QuoteIdent(ms.DBTable)).Error
}

// Rows reads the rows of ms ordered by fid. Geometries are decoded.
func (m *Manager) Rows(ctx context.Context, ms *ModelSchema) ([]Row, error) {
	cols := make([]string, 0, len(ms.Fields))
	for _, f := range ms.Fields {
		if f.Class == ClassGeometry && m.Dialect() == DialectPostgres {
			cols = append(cols, fmt.Sprintf("ST_AsBinary(%s) AS %s", QuoteIdent(f.Name), QuoteIdent(f.Name)))
			continue
		}
		cols = append(cols, QuoteIdent(f.Name))
	}
	if len(cols) == 0 {
		return nil, errors.New("schema has no fields")
	}

	var raw []map[string]any
	err := m.data.WithContext(ctx).Raw(fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(cols, ", "), QuoteIdent(ms.DBTable), QuoteIdent(PKColumn))).Scan(&raw).Error
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ms.DBTable, err)
	}

	srid := 0
	for _, f := range ms.Fields {
		if f.Class == ClassGeometry {
			srid = f.SRID
		}
	}
	out := make([]Row, 0, len(raw))
	for _, rec := range raw {
		r := Row{Values: make(map[string]any, len(rec)), SRID: srid}
		for k, v := range rec {
			if k != GeometryColumn {
				r.Values[k] = v
				continue
			}
			g, err := decodeGeometry(v)
			if err != nil {
				return nil, err
			}
			r.Geometry = g
		}
		out = append(out, r)
	}
	return out, nil
}

// decodeGeometry decodes a scanned WKB value. The SQLite driver hands
// blob columns back as string.
func decodeGeometry(v any) (orb.Geometry, error) {
	var b []byte
	switch raw := v.(type) {
	case []byte:
		b = raw
	case string:
		b = []byte(raw)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("decode geometry: unexpected %T", v)
	}
	if len(b) == 0 {
		return nil, nil
	}
	g, err := wkb.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("decode geometry: %w", err)
	}
	return g, nil
}

// Extent returns the bounding box of all geometries in the table of ms.
func (m *Manager) Extent(ctx context.Context, ms *ModelSchema) (orb.Bound, bool, error) {
	rows, err := m.Rows(ctx, ms)
	if err != nil {
		return orb.Bound{}, false, err
	}
	var b orb.Bound
	ok := false
	for _, r := range rows {
		if r.Geometry == nil {
			continue
		}
		if !ok {
			b, ok = r.Geometry.Bound(), true
			continue
		}
		b = b.Union(r.Geometry.Bound())
	}
	return b, ok, nil
}

// FeatureRow maps a source feature onto the columns of ms. Attributes are
// matched by their source name first, then by normalized name; attributes
// without a column are dropped. The feature id is left to the database.
func FeatureRow(ms *ModelSchema, f geo.Feature) Row {
	cols := make(map[string]string, len(ms.Fields))
	srid := 0
	for _, fs := range ms.Fields {
		switch fs.Class {
		case ClassPrimaryKey:
			continue
		case ClassGeometry:
			srid = fs.SRID
			continue
		}
		cols[fs.Name] = fs.Name
		if fs.SourceName != "" {
			cols[fs.SourceName] = fs.Name
		}
	}
	r := Row{Values: make(map[string]any, len(f.Properties)), Geometry: f.Geometry, SRID: srid}
	for k, v := range f.Properties {
		col, ok := cols[k]
		if !ok {
			col, ok = cols[NormalizeName(k)]
		}
		if ok {
			r.Values[col] = v
		}
	}
	return r
}

// MaxFID returns the highest primary key in the table of ms, 0 when empty.
func (m *Manager) MaxFID(ctx context.Context, ms *ModelSchema) (int64, error) {
	var n *int64
	err := m.data.WithContext(ctx).Table(ms.DBTable).Select("MAX(" + QuoteIdent(PKColumn) + ")").Scan(&n).Error
	if err != nil || n == nil {
		return 0, err
	}
	return *n, nil
}

// DeleteAfter removes the rows whose primary key is greater than fid.
func (m *Manager) DeleteAfter(ctx context.Context, ms *ModelSchema, fid int64) (int64, error) {
	res := m.data.WithContext(ctx).Exec(
		fmt.Sprintf("DELETE FROM %s WHERE %s > ?", QuoteIdent(ms.DBTable), QuoteIdent(PKColumn)), fid)
	return res.RowsAffected, res.Error
}

// DeleteThrough removes the rows whose primary key is at most fid.
func (m *Manager) DeleteThrough(ctx context.Context, ms *ModelSchema, fid int64) (int64, error) {
	res := m.data.WithContext(ctx).Exec(
		fmt.Sprintf("DELETE FROM %s WHERE %s <= ?", QuoteIdent(ms.DBTable), QuoteIdent(PKColumn)), fid)
	return res.RowsAffected, res.Error
}
