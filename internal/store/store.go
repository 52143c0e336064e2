// Package store owns the local table store: the pgx-backed connection pool
// and the primitives used to clear and bulk-load a table during bootstrap
// and to apply a batch of row operations during steady-state replay. Table
// shapes arrive from the upstream catalog (internal/schema), not from a
// local migrations directory.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
)

// Store is the local table store backing every shard this node replicates.
type Store struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects to the local Postgres database that backs replicated
// tables and verifies the connection with a ping.
func Open(ctx context.Context, url string, logger zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	return &Store{
		Pool:   pool,
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.Pool.Close()
}

// EnsureTable creates table if it doesn't already exist, using the column
// types given by the upstream catalog (internal/schema's post_connect
// hook). Column order is made deterministic so repeated calls are no-ops
// in practice.
func (s *Store) EnsureTable(ctx context.Context, spec rlogtypes.TableSpec) error {
	cols := make([]string, 0, len(spec.Schema))
	for name := range spec.Schema {
		cols = append(cols, name)
	}
	sort.Strings(cols)

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", quoteIdent(spec.Name))
	for i, name := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s", quoteIdent(name), spec.Schema[name])
	}
	b.WriteString(")")

	if _, err := s.Pool.Exec(ctx, b.String()); err != nil {
		return fmt.Errorf("ensure table %s: %w", spec.Name, err)
	}
	return nil
}

// ClearTable truncates table, used once at the start of a bootstrap copy so
// a re-bootstrap after a crash doesn't duplicate rows.
func (s *Store) ClearTable(ctx context.Context, table string) error {
	_, err := s.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", quoteIdent(table)))
	if err != nil {
		return fmt.Errorf("clear table %s: %w", table, err)
	}
	return nil
}

// CopyRows bulk-loads rows into table via the Postgres COPY protocol, used
// by the bootstrap copier.
func (s *Store) CopyRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	n, err := s.Pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return n, fmt.Errorf("copy rows into %s: %w", table, err)
	}
	return n, nil
}

// ApplyOps applies a batch of row operations against the given executor:
// the pool itself for dirty batches, or an open transaction for
// transactional batches.
func ApplyOps(ctx context.Context, exec Executor, ops []rlogtypes.Op) error {
	for _, op := range ops {
		var err error
		switch op.Kind {
		case rlogtypes.OpInsert, rlogtypes.OpUpdate:
			err = upsert(ctx, exec, op)
		case rlogtypes.OpDelete:
			err = deleteRow(ctx, exec, op)
		default:
			err = fmt.Errorf("apply op: unknown op kind %v on table %s", op.Kind, op.Table)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Executor is satisfied by both *pgxpool.Pool and pgx.Tx, letting ApplyOps
// run either outside or inside a transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// buildUpsertSQL assembles an INSERT ... ON CONFLICT statement for op: DO
// UPDATE against EXCLUDED when op has non-key columns to set, DO NOTHING
// when op.Columns is empty (a key-only row has nothing to update on
// conflict).
func buildUpsertSQL(op rlogtypes.Op) (string, []any) {
	keyCols := sortedKeys(op.Key)
	colCols := sortedKeys(op.Columns)

	allCols := append(append([]string{}, keyCols...), colCols...)
	args := make([]any, 0, len(allCols))
	placeholders := make([]string, 0, len(allCols))
	for i, c := range allCols {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		if v, ok := op.Key[c]; ok {
			args = append(args, v)
		} else {
			args = append(args, op.Columns[c])
		}
	}

	var quotedAll, quotedKeys []string
	for _, c := range allCols {
		quotedAll = append(quotedAll, quoteIdent(c))
	}
	for _, c := range keyCols {
		quotedKeys = append(quotedKeys, quoteIdent(c))
	}

	var sets []string
	for _, c := range colCols {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(c), quoteIdent(c)))
	}

	if len(sets) == 0 {
		return fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
			quoteIdent(op.Table), strings.Join(quotedAll, ", "),
			strings.Join(placeholders, ", "), strings.Join(quotedKeys, ", "),
		), args
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		quoteIdent(op.Table),
		strings.Join(quotedAll, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(quotedKeys, ", "),
		strings.Join(sets, ", "),
	), args
}

// buildDeleteSQL assembles a DELETE statement matching op's key columns.
func buildDeleteSQL(op rlogtypes.Op) (string, []any) {
	keyCols := sortedKeys(op.Key)
	var conds []string
	args := make([]any, 0, len(keyCols))
	for i, c := range keyCols {
		conds = append(conds, fmt.Sprintf("%s = $%d", quoteIdent(c), i+1))
		args = append(args, op.Key[c])
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(op.Table), strings.Join(conds, " AND "))
	return sql, args
}

func upsert(ctx context.Context, exec Executor, op rlogtypes.Op) error {
	sql, args := buildUpsertSQL(op)
	if _, err := exec.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("upsert into %s: %w", op.Table, err)
	}
	return nil
}

func deleteRow(ctx context.Context, exec Executor, op rlogtypes.Op) error {
	sql, args := buildDeleteSQL(op)
	if _, err := exec.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("delete from %s: %w", op.Table, err)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
