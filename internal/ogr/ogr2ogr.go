package ogr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/geoimport/internal/logging"
	"github.com/JonMunkholm/geoimport/internal/schema"
	"github.com/jackc/pgx/v5/pgconn"
)

// Ogr2Ogr appends layers to PostGIS tables with the ogr2ogr binary.
type Ogr2Ogr struct {
	binary string
	pg     string
}

// NewOgr2Ogr builds a loader writing to the PostGIS database at dsn.
func NewOgr2Ogr(binary, dsn string) (*Ogr2Ogr, error) {
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse datastore dsn: %w", err)
	}
	if binary == "" {
		binary = "ogr2ogr"
	}
	pg := fmt.Sprintf("PG:host=%s port=%d dbname=%s user=%s", cfg.Host, cfg.Port, cfg.Database, cfg.User)
	if cfg.Password != "" {
		pg += " password=" + cfg.Password
	}
	return &Ogr2Ogr{binary: binary, pg: pg}, nil
}

func (o *Ogr2Ogr) Name() string { return "ogr2ogr" }

// Args returns the command line for req, without the binary.
func (o *Ogr2Ogr) Args(req Request) []string {
	args := []string{
		"--config", "PG_USE_COPY", "YES",
		"-f", "PostgreSQL", o.pg,
		req.Path,
	}
	if strings.EqualFold(filepath.Ext(req.Path), ".csv") {
		args = append(args,
			"-oo", "GEOM_POSSIBLE_NAMES=geom*,the_geom*,wkt_geom,wkt",
			"-oo", "X_POSSIBLE_NAMES=x,lon*",
			"-oo", "Y_POSSIBLE_NAMES=y,lat*",
			"-oo", "KEEP_GEOM_COLUMNS=NO",
		)
	} else if req.Layer.Name != "" {
		args = append(args, req.Layer.Name)
	}
	args = append(args,
		"-append",
		"-nln", req.Schema.DBTable,
		"-dim", "XY",
		"-gt", "65536",
	)
	for _, f := range req.Schema.Fields {
		if f.Class != schema.ClassGeometry {
			continue
		}
		if strings.HasPrefix(f.GeometryType, "Multi") {
			args = append(args, "-nlt", "PROMOTE_TO_MULTI")
		}
		if f.SRID > 0 {
			args = append(args, "-t_srs", fmt.Sprintf("EPSG:%d", f.SRID))
		}
	}
	return args
}

func (o *Ogr2Ogr) Load(ctx context.Context, req Request) (Result, error) {
	args := o.Args(req)
	cmd := exec.CommandContext(ctx, o.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logging.FromContext(ctx).Debug("running ogr2ogr", "layer", req.Layer.Name, "table", req.Schema.DBTable)
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return Result{}, fmt.Errorf("ogr2ogr %s: %s", req.Layer.Name, msg)
	}
	return Result{Loaded: req.Layer.FeatureCount}, nil
}
