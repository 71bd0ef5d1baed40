package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS upload_executionrequest (
	exec_id             uuid PRIMARY KEY,
	"user"              text NOT NULL,
	func_name           text NOT NULL,
	step                text NOT NULL,
	action              text NOT NULL,
	status              text NOT NULL,
	handler_module_path text NOT NULL,
	name                text NOT NULL DEFAULT '',
	input_params        jsonb NOT NULL DEFAULT '{}',
	output_params       jsonb NOT NULL DEFAULT '{}',
	log                 text NOT NULL DEFAULT '',
	created             timestamptz NOT NULL,
	last_updated        timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS upload_executionrequest_user_status
	ON upload_executionrequest ("user", status);
CREATE INDEX IF NOT EXISTS upload_executionrequest_last_updated
	ON upload_executionrequest (last_updated);
`

const selectColumns = `exec_id::text, "user", func_name, step, action, status,
	handler_module_path, name, input_params, output_params, log, created, last_updated`

// Postgres stores executions in a PostgreSQL table.
type Postgres struct {
	db DBTX
}

// Connect opens a pool to url with the given limits and verifies it.
func Connect(ctx context.Context, url string, maxConns, minConns int32, lifetime, idle time.Duration) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MinConns = minConns
	if lifetime > 0 {
		cfg.MaxConnLifetime = lifetime
	}
	if idle > 0 {
		cfg.MaxConnIdleTime = idle
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewPostgres creates a store on db.
func NewPostgres(db DBTX) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the executions table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate executions: %w", err)
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, e *core.ExecutionRequest) error {
	in, out, err := encodeParams(e)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO upload_executionrequest
			(exec_id, "user", func_name, step, action, status, handler_module_path,
			 name, input_params, output_params, log, created, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ExecID, e.User, e.FuncName, e.Step, string(e.Action), string(e.Status),
		e.HandlerModulePath, e.Name, in, out, e.Log, e.Created, e.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*core.ExecutionRequest, error) {
	rows, err := p.db.Query(ctx, `SELECT `+selectColumns+` FROM upload_executionrequest WHERE exec_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	e, err := pgx.CollectExactlyOneRow(rows, scanExecution)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *Postgres) Update(ctx context.Context, e *core.ExecutionRequest) error {
	in, out, err := encodeParams(e)
	if err != nil {
		return err
	}
	tag, err := p.db.Exec(ctx, `
		UPDATE upload_executionrequest
		SET step = $2, status = $3, name = $4, input_params = $5, output_params = $6,
		    log = $7, last_updated = $8
		WHERE exec_id = $1`,
		e.ExecID, e.Step, string(e.Status), e.Name, in, out, e.Log, e.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", core.ErrExecutionNotFound, e.ExecID)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, user string) ([]core.ExecutionRequest, error) {
	rows, err := p.db.Query(ctx, `SELECT `+selectColumns+` FROM upload_executionrequest
		WHERE $1 = '' OR "user" = $1 ORDER BY created DESC`, user)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return pgx.CollectRows(rows, scanExecution)
}

func (p *Postgres) CountActive(ctx context.Context, user string) (int, error) {
	var n int
	err := p.db.QueryRow(ctx, `SELECT count(*) FROM upload_executionrequest
		WHERE "user" = $1 AND status IN ($2, $3)`,
		user, string(core.StatusPending), string(core.StatusRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active executions: %w", err)
	}
	return n, nil
}

func (p *Postgres) ListTerminalBefore(ctx context.Context, t time.Time) ([]core.ExecutionRequest, error) {
	rows, err := p.db.Query(ctx, `SELECT `+selectColumns+` FROM upload_executionrequest
		WHERE status IN ($1, $2) AND last_updated < $3 ORDER BY last_updated`,
		string(core.StatusFinished), string(core.StatusFailed), t)
	if err != nil {
		return nil, fmt.Errorf("list old executions: %w", err)
	}
	return pgx.CollectRows(rows, scanExecution)
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM upload_executionrequest WHERE exec_id = $1`, id); err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	return nil
}

func scanExecution(row pgx.CollectableRow) (core.ExecutionRequest, error) {
	var (
		e              core.ExecutionRequest
		action, status string
		in, out        []byte
	)
	err := row.Scan(
		&e.ExecID, &e.User, &e.FuncName, &e.Step, &action, &status,
		&e.HandlerModulePath, &e.Name, &in, &out, &e.Log, &e.Created, &e.LastUpdated,
	)
	if err != nil {
		return e, err
	}
	e.Action, e.Status = core.Action(action), core.Status(status)
	if err := json.Unmarshal(in, &e.InputParams); err != nil {
		return e, fmt.Errorf("decode input params: %w", err)
	}
	if err := json.Unmarshal(out, &e.OutputParams); err != nil {
		return e, fmt.Errorf("decode output params: %w", err)
	}
	return e, nil
}

func encodeParams(e *core.ExecutionRequest) (in, out []byte, err error) {
	if in, err = json.Marshal(nonNil(e.InputParams)); err != nil {
		return nil, nil, fmt.Errorf("encode input params: %w", err)
	}
	if out, err = json.Marshal(nonNil(e.OutputParams)); err != nil {
		return nil, nil, fmt.Errorf("encode output params: %w", err)
	}
	return in, out, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
