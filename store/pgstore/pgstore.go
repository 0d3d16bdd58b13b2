// Package pgstore persists recoverable node sources in PostgreSQL.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/gammadia/warden/rm"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	nodeSourcesTable = "warden_node_sources"
	nodesTable       = "warden_nodes"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// DB is the part of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// Store implements rm.Store
var _ rm.Store = (*Store)(nil)

// New connects to dsn and creates the tables when missing.
func New(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	store := &Store{db: pool, pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB uses an existing connection, the schema must already exist.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + nodeSourcesTable + ` (
	name TEXT PRIMARY KEY,
	definition JSONB NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS ` + nodesTable + ` (
	source TEXT NOT NULL REFERENCES ` + nodeSourcesTable + `(name) ON DELETE CASCADE,
	url TEXT NOT NULL,
	PRIMARY KEY (source, url)
)`,
	}
	for _, statement := range statements {
		if _, err := s.db.Exec(ctx, statement); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) SaveNodeSource(ctx context.Context, definition rm.NodeSourceDefinition) error {
	sql, args, err := saveNodeSourceQuery(definition)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to save node source '%s': %w", definition.Name, err)
	}
	return nil
}

func (s *Store) DeleteNodeSource(ctx context.Context, name string) error {
	sql, args, err := psql.Delete(nodeSourcesTable).Where(squirrel.Eq{"name": name}).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to delete node source '%s': %w", name, err)
	}
	return nil
}

func (s *Store) SaveNode(ctx context.Context, source string, url string) error {
	sql, args, err := saveNodeQuery(source, url)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to save node '%s': %w", url, err)
	}
	return nil
}

func (s *Store) DeleteNode(ctx context.Context, source string, url string) error {
	sql, args, err := psql.Delete(nodesTable).Where(squirrel.Eq{"source": source, "url": url}).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to delete node '%s': %w", url, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) ([]rm.RecoveredNodeSource, error) {
	sql, args, err := loadQuery()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load node sources: %w", err)
	}
	defer rows.Close()

	var recovered []rm.RecoveredNodeSource
	for rows.Next() {
		var (
			data []byte
			url  *string
		)
		if err := rows.Scan(&data, &url); err != nil {
			return nil, fmt.Errorf("failed to scan node source: %w", err)
		}

		var definition rm.NodeSourceDefinition
		if err := json.Unmarshal(data, &definition); err != nil {
			return nil, fmt.Errorf("failed to decode node source: %w", err)
		}

		// Rows are ordered by source, a new name starts a new entry
		if n := len(recovered); n == 0 || recovered[n-1].Definition.Name != definition.Name {
			recovered = append(recovered, rm.RecoveredNodeSource{Definition: definition})
		}
		if url != nil {
			last := &recovered[len(recovered)-1]
			last.Nodes = append(last.Nodes, *url)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load node sources: %w", err)
	}
	return recovered, nil
}

func saveNodeSourceQuery(definition rm.NodeSourceDefinition) (string, []any, error) {
	data, err := json.Marshal(definition)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode node source '%s': %w", definition.Name, err)
	}
	return psql.Insert(nodeSourcesTable).
		Columns("name", "definition").
		Values(definition.Name, data).
		Suffix("ON CONFLICT (name) DO UPDATE SET definition = EXCLUDED.definition").
		ToSql()
}

func saveNodeQuery(source, url string) (string, []any, error) {
	return psql.Insert(nodesTable).
		Columns("source", "url").
		Values(source, url).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
}

func loadQuery() (string, []any, error) {
	return psql.Select("s.definition", "n.url").
		From(nodeSourcesTable + " s").
		LeftJoin(nodesTable + " n ON n.source = s.name").
		OrderBy("s.name", "n.url").
		ToSql()
}
