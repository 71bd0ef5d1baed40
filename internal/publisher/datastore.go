package publisher

import (
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
)

// PostGISParams converts a PostgreSQL connection string into the connection
// parameters of a GeoServer PostGIS datastore.
func PostGISParams(dsn, schema string) (map[string]string, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse datastore dsn: %w", err)
	}
	if schema == "" {
		schema = "public"
	}
	return map[string]string{
		"dbtype":               "postgis",
		"host":                 cfg.Host,
		"port":                 strconv.Itoa(int(cfg.Port)),
		"database":             cfg.Database,
		"user":                 cfg.User,
		"passwd":               cfg.Password,
		"schema":               schema,
		"Expose primary keys":  "true",
		"Estimated extends":    "true",
		"validate connections": "true",
		"Loose bbox":           "true",
		"preparedStatements":   "false",
	}, nil
}
