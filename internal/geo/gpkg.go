package geo

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotGeoPackage is returned when a file cannot be read as a GeoPackage.
var ErrNotGeoPackage = errors.New("not a valid GeoPackage")

// GeoPackage is an opened .gpkg file. Only feature tables are exposed.
type GeoPackage struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	layers []LayerInfo
	geomCo map[string]string // layer -> geometry column
	pkCol  map[string]string // layer -> primary key column
}

type gpkgLayerRow struct {
	TableName    string
	MinX         sql.NullFloat64
	MinY         sql.NullFloat64
	MaxX         sql.NullFloat64
	MaxY         sql.NullFloat64
	ColumnName   string
	GeometryType string
	SrsID        int
}

type gpkgSRSRow struct {
	Organization   string
	OrganizationID int
}

type tableColumn struct {
	CID     int            `gorm:"column:cid"`
	Name    string         `gorm:"column:name"`
	Type    string         `gorm:"column:type"`
	NotNull int            `gorm:"column:notnull"`
	Default sql.NullString `gorm:"column:dflt_value"`
	PK      int            `gorm:"column:pk"`
}

// OpenGeoPackage opens path read-only and loads its feature layer metadata.
func OpenGeoPackage(path string) (*GeoPackage, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open geopackage: %w", err)
	}

	db, err := gorm.Open(sqlite.Open("file:"+path+"?mode=ro"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotGeoPackage, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotGeoPackage, err)
	}

	g := &GeoPackage{
		db:     db,
		sqlDB:  sqlDB,
		geomCo: make(map[string]string),
		pkCol:  make(map[string]string),
	}
	if err := g.loadLayers(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return g, nil
}

func (g *GeoPackage) loadLayers() error {
	var rows []gpkgLayerRow
	err := g.db.Raw(`
		SELECT c.table_name AS table_name, c.min_x AS min_x, c.min_y AS min_y,
		       c.max_x AS max_x, c.max_y AS max_y, gc.column_name AS column_name,
		       gc.geometry_type_name AS geometry_type, gc.srs_id AS srs_id
		FROM gpkg_contents c
		JOIN gpkg_geometry_columns gc ON gc.table_name = c.table_name
		WHERE c.data_type = 'features'
		ORDER BY c.table_name`).Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotGeoPackage, err)
	}

	for _, r := range rows {
		info := LayerInfo{
			Name:         r.TableName,
			GeometryType: normalizeGeometryType(r.GeometryType),
		}
		info.SRID, info.CRS = g.lookupSRS(r.SrsID)

		if r.MinX.Valid && r.MinY.Valid && r.MaxX.Valid && r.MaxY.Valid {
			info.Extent = orb.Bound{
				Min: orb.Point{r.MinX.Float64, r.MinY.Float64},
				Max: orb.Point{r.MaxX.Float64, r.MaxY.Float64},
			}
			info.HasExtent = true
		}

		fields, pk, err := g.tableFields(r.TableName, r.ColumnName)
		if err != nil {
			return err
		}
		info.Fields = fields

		var count int64
		if err := g.db.Raw("SELECT COUNT(*) FROM " + quoteIdent(r.TableName)).Scan(&count).Error; err != nil {
			return fmt.Errorf("count %s: %w", r.TableName, err)
		}
		info.FeatureCount = count

		g.geomCo[r.TableName] = r.ColumnName
		g.pkCol[r.TableName] = pk
		g.layers = append(g.layers, info)
	}
	return nil
}

// lookupSRS resolves a gpkg srs_id. Ids 0 and -1 are the undefined
// geographic and cartesian systems and do not count as a CRS.
func (g *GeoPackage) lookupSRS(srsID int) (int, string) {
	if srsID <= 0 {
		return 0, ""
	}
	var srs gpkgSRSRow
	err := g.db.Raw(`SELECT organization, organization_coordsys_id AS organization_id
		FROM gpkg_spatial_ref_sys WHERE srs_id = ?`, srsID).Scan(&srs).Error
	if err != nil || srs.Organization == "" {
		return 0, ""
	}
	org := strings.ToUpper(srs.Organization)
	if org == "NONE" || org == "UNDEFINED" {
		return 0, ""
	}
	if org == "EPSG" && srs.OrganizationID > 0 {
		return srs.OrganizationID, fmt.Sprintf("EPSG:%d", srs.OrganizationID)
	}
	return srsID, fmt.Sprintf("%s:%d", org, srs.OrganizationID)
}

var textWidth = regexp.MustCompile(`\((\d+)\)`)

func (g *GeoPackage) tableFields(table, geomColumn string) ([]Field, string, error) {
	var cols []tableColumn
	if err := g.db.Raw(fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table))).Scan(&cols).Error; err != nil {
		return nil, "", fmt.Errorf("read columns of %s: %w", table, err)
	}

	var fields []Field
	pk := ""
	for _, c := range cols {
		if c.PK > 0 && pk == "" {
			pk = c.Name
			continue
		}
		if strings.EqualFold(c.Name, geomColumn) {
			continue
		}
		f := Field{Name: c.Name, Type: sqliteFieldType(c.Type)}
		if m := textWidth.FindStringSubmatch(c.Type); m != nil {
			f.Width, _ = strconv.Atoi(m[1])
		}
		fields = append(fields, f)
	}
	return fields, pk, nil
}

func sqliteFieldType(decl string) FieldType {
	t := strings.ToUpper(strings.TrimSpace(decl))
	if i := strings.Index(t, "("); i >= 0 {
		t = t[:i]
	}
	switch t {
	case "INTEGER":
		return FieldInteger64
	case "INT", "MEDIUMINT", "SMALLINT", "TINYINT":
		return FieldInteger
	case "FLOAT", "DOUBLE", "REAL":
		return FieldReal
	case "DATE":
		return FieldDate
	case "DATETIME":
		return FieldDateTime
	case "BOOLEAN":
		return FieldBoolean
	case "BLOB":
		return FieldBinary
	default:
		return FieldString
	}
}

// Layers implements Source.
func (g *GeoPackage) Layers() []LayerInfo {
	return g.layers
}

// Features implements Source.
func (g *GeoPackage) Features(ctx context.Context, layer string, fn func(Feature) error) error {
	info, ok := Layer(g, layer)
	if !ok {
		return fmt.Errorf("layer %q not found in geopackage", layer)
	}
	geomCol := g.geomCo[info.Name]
	pkCol := g.pkCol[info.Name]

	rows, err := g.db.WithContext(ctx).Raw(fmt.Sprintf("SELECT * FROM %s", quoteIdent(info.Name))).Rows()
	if err != nil {
		return fmt.Errorf("read layer %s: %w", info.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	var seq int64
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}

		seq++
		feat := Feature{FID: seq, Properties: make(map[string]any, len(cols))}
		for i, col := range cols {
			switch {
			case col == pkCol:
				if id, ok := toInt64(values[i]); ok {
					feat.FID = id
				}
			case strings.EqualFold(col, geomCol):
				blob, _ := values[i].([]byte)
				if len(blob) == 0 {
					continue
				}
				geom, _, err := DecodeGeoPackageBinary(blob)
				if err != nil {
					return fmt.Errorf("feature %d: %w", seq, err)
				}
				feat.Geometry = geom
			default:
				if b, ok := values[i].([]byte); ok {
					feat.Properties[col] = string(b)
				} else {
					feat.Properties[col] = values[i]
				}
			}
		}
		if err := fn(feat); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close implements Source.
func (g *GeoPackage) Close() error {
	return g.sqlDB.Close()
}

var envelopeSizes = map[byte]int{0: 0, 1: 32, 2: 48, 3: 48, 4: 64}

// DecodeGeoPackageBinary decodes a GeoPackage geometry blob (GP header + WKB).
func DecodeGeoPackageBinary(b []byte) (orb.Geometry, int32, error) {
	if len(b) < 8 || b[0] != 'G' || b[1] != 'P' {
		return nil, 0, errors.New("invalid geopackage geometry header")
	}
	flags := b[3]
	var order binary.ByteOrder = binary.BigEndian
	if flags&0x01 == 1 {
		order = binary.LittleEndian
	}
	srsID := int32(order.Uint32(b[4:8]))

	size, ok := envelopeSizes[(flags>>1)&0x07]
	if !ok {
		return nil, 0, errors.New("invalid geopackage envelope indicator")
	}
	if len(b) < 8+size {
		return nil, 0, errors.New("truncated geopackage geometry")
	}
	if flags&0x10 != 0 {
		return nil, srsID, nil
	}

	geom, err := wkb.Unmarshal(b[8+size:])
	if err != nil {
		return nil, 0, fmt.Errorf("decode wkb: %w", err)
	}
	return geom, srsID, nil
}

// EncodeGeoPackageBinary encodes g as a little-endian GeoPackage blob with no envelope.
func EncodeGeoPackageBinary(g orb.Geometry, srsID int32) ([]byte, error) {
	body, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	header := make([]byte, 8, 8+len(body))
	header[0], header[1] = 'G', 'P'
	header[2] = 0
	header[3] = 0x01
	binary.LittleEndian.PutUint32(header[4:], uint32(srsID))
	return append(header, body...), nil
}

func normalizeGeometryType(t string) string {
	switch strings.ToUpper(t) {
	case "POINT":
		return "Point"
	case "LINESTRING":
		return "LineString"
	case "POLYGON":
		return "Polygon"
	case "MULTIPOINT":
		return "MultiPoint"
	case "MULTILINESTRING":
		return "MultiLineString"
	case "MULTIPOLYGON":
		return "MultiPolygon"
	case "GEOMETRYCOLLECTION":
		return "GeometryCollection"
	default:
		return "Geometry"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
