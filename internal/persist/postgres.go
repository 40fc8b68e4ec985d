package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/resources/internal/logging"
	"github.com/fruitsalade/resources/internal/metrics"
	"github.com/fruitsalade/resources/internal/resource"
	"github.com/fruitsalade/resources/internal/tree"
)

const schema = `
CREATE TABLE IF NOT EXISTS workspace_state (
	id        INTEGER PRIMARY KEY CHECK (id = 1),
	next_id   BIGINT NOT NULL,
	stamp     BIGINT NOT NULL,
	marker    BIGINT NOT NULL,
	saved_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS resource_nodes (
	path      TEXT PRIMARY KEY,
	identity  BIGINT NOT NULL,
	kind      INTEGER NOT NULL,
	info      BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS resource_links (
	path      TEXT PRIMARY KEY,
	location  TEXT NOT NULL
);
`

// PostgresPersister keeps the state in PostgreSQL.
type PostgresPersister struct {
	db *sql.DB
}

// NewPostgresPersister connects to databaseURL and creates the schema.
func NewPostgresPersister(ctx context.Context, databaseURL string) (*PostgresPersister, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	p := &PostgresPersister{db: db}
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// Migrate creates the tables if they do not exist.
func (p *PostgresPersister) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logging.Debug("workspace schema ready")
	return nil
}

// Load reads the saved state.
func (p *PostgresPersister) Load(ctx context.Context) (*State, error) {
	st := &State{Links: make(map[resource.Path]string)}
	err := p.db.QueryRowContext(ctx,
		`SELECT next_id, stamp, marker FROM workspace_state WHERE id = 1`,
	).Scan(&st.NextID, &st.Stamp, &st.Marker)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("query workspace state: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `SELECT path, identity, kind, info FROM resource_nodes ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rec  tree.Record
			id   int64
			kind int
			raw  []byte
		)
		if err := rows.Scan(&rec.Path, &id, &kind, &raw); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		rec.Identity = resource.Identity(id)
		rec.Kind = resource.Kind(kind)
		rec.Info = resource.NewInfo()
		if err := cbor.Unmarshal(raw, rec.Info); err != nil {
			return nil, fmt.Errorf("decode info of %s: %w", rec.Path, err)
		}
		st.Nodes = append(st.Nodes, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}

	links, err := p.db.QueryContext(ctx, `SELECT path, location FROM resource_links`)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer links.Close()
	for links.Next() {
		var path resource.Path
		var loc string
		if err := links.Scan(&path, &loc); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		st.Links[path] = loc
	}
	return st, links.Err()
}

// Save replaces the saved state in one transaction.
func (p *PostgresPersister) Save(ctx context.Context, st *State) (err error) {
	start := time.Now()
	defer func() { metrics.RecordSave(p.Type(), time.Since(start)) }()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logging.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, `TRUNCATE resource_nodes, resource_links`); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("resource_nodes", "path", "identity", "kind", "info"))
	if err != nil {
		return fmt.Errorf("prepare node copy: %w", err)
	}
	for _, rec := range st.Nodes {
		raw, encErr := cbor.Marshal(rec.Info)
		if encErr != nil {
			stmt.Close()
			return fmt.Errorf("encode info of %s: %w", rec.Path, encErr)
		}
		if _, err = stmt.ExecContext(ctx, string(rec.Path), int64(rec.Identity), int(rec.Kind), raw); err != nil {
			stmt.Close()
			return fmt.Errorf("copy node %s: %w", rec.Path, err)
		}
	}
	if _, err = stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush nodes: %w", err)
	}
	if err = stmt.Close(); err != nil {
		return fmt.Errorf("close node copy: %w", err)
	}

	for path, loc := range st.Links {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO resource_links (path, location) VALUES ($1, $2)`, string(path), loc); err != nil {
			return fmt.Errorf("insert link %s: %w", path, err)
		}
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO workspace_state (id, next_id, stamp, marker, saved_at) VALUES (1, $1, $2, $3, NOW())
		 ON CONFLICT (id) DO UPDATE SET next_id = $1, stamp = $2, marker = $3, saved_at = NOW()`,
		int64(st.NextID), st.Stamp, st.Marker); err != nil {
		return fmt.Errorf("save workspace state: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	logging.Debug("saved workspace state", zap.Int("nodes", len(st.Nodes)), zap.Int("links", len(st.Links)))
	return nil
}

// Type returns "postgres".
func (p *PostgresPersister) Type() string { return "postgres" }

// Close closes the database connection.
func (p *PostgresPersister) Close() error {
	return p.db.Close()
}
