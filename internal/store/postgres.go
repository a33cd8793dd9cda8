package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"
)

// PostgresAdapter implements Adapter on PostgreSQL with pgvector.
type PostgresAdapter struct {
	db         *pgxpool.Pool
	logger     *zap.Logger
	vectorCols map[string]bool
}

// NewPostgres creates a PostgresAdapter with a pgx connection pool. The
// vector extension is created first so every pooled connection can register
// the pgvector types.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresAdapter, error) {
	if err := ensureVectorExtension(ctx, dsn); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &PostgresAdapter{db: pool, logger: logger, vectorCols: map[string]bool{"embedding": true}}, nil
}

func ensureVectorExtension(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	return nil
}

func (s *PostgresAdapter) Name() string { return "postgres" }

// Migrate reads and executes all .up.sql files from the migrations directory
// in lexical order.
func (s *PostgresAdapter) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Close shuts down the connection pool.
func (s *PostgresAdapter) Close() {
	s.db.Close()
}

func (s *PostgresAdapter) GetByID(ctx context.Context, table, id string) Record {
	if err := validIdent(table); err != nil {
		s.fail("get by id", table, err)
		return nil
	}
	rows, err := s.query(ctx, s.db, fmt.Sprintf("SELECT * FROM %s WHERE id = $1", quote(table)), id)
	if err != nil {
		s.fail("get by id", table, err)
		return nil
	}
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

func (s *PostgresAdapter) GetAll(ctx context.Context, table string, filter Filter) []Record {
	if err := validIdent(table); err != nil {
		s.fail("get all", table, err)
		return []Record{}
	}
	where, args, err := whereClause(filter, 1)
	if err != nil {
		s.fail("get all", table, err)
		return []Record{}
	}
	rows, err := s.query(ctx, s.db, fmt.Sprintf("SELECT * FROM %s%s", quote(table), where), args...)
	if err != nil {
		s.fail("get all", table, err)
		return []Record{}
	}
	return rows
}

func (s *PostgresAdapter) Create(ctx context.Context, table string, rec Record) Record {
	cols := sortedKeys(rec)
	if err := validIdent(append([]string{table}, cols...)...); err != nil {
		s.fail("create", table, err)
		return nil
	}
	names, placeholders, args := insertParts(rec, cols)
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *", quote(table), names, placeholders)

	var out Record
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := s.query(ctx, tx, sql, args...)
		if err != nil {
			return err
		}
		if len(rows) != 1 {
			return fmt.Errorf("insert returned %d rows", len(rows))
		}
		out = rows[0]
		return nil
	})
	if err != nil {
		s.fail("create", table, err)
		return nil
	}
	return out
}

func (s *PostgresAdapter) Update(ctx context.Context, table, id string, partial Record) Record {
	cols := sortedKeys(partial)
	if err := validIdent(append([]string{table}, cols...)...); err != nil {
		s.fail("update", table, err)
		return nil
	}
	if len(cols) == 0 {
		return s.GetByID(ctx, table, id)
	}

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", quote(c), i+1)
		args = append(args, toParam(partial[c]))
	}
	args = append(args, id)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d RETURNING *", quote(table), strings.Join(sets, ", "), len(args))

	var out Record
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := s.query(ctx, tx, sql, args...)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			out = rows[0]
		}
		return nil
	})
	if err != nil {
		s.fail("update", table, err)
		return nil
	}
	return out
}

func (s *PostgresAdapter) Delete(ctx context.Context, table, id string) bool {
	if err := validIdent(table); err != nil {
		s.fail("delete", table, err)
		return false
	}
	var deleted bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", quote(table)), id)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		s.fail("delete", table, err)
		return false
	}
	return deleted
}

func (s *PostgresAdapter) Upsert(ctx context.Context, table string, rec Record, conflict []string) Record {
	cols := sortedKeys(rec)
	if err := validIdent(append(append([]string{table}, cols...), conflict...)...); err != nil {
		s.fail("upsert", table, err)
		return nil
	}
	if len(conflict) == 0 {
		s.fail("upsert", table, errors.New("no conflict columns"))
		return nil
	}

	skip := map[string]bool{"id": true, "created_at": true}
	for _, c := range conflict {
		skip[c] = true
	}
	var sets []string
	for _, c := range cols {
		if !skip[c] {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quote(c), quote(c)))
		}
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	conflictCols := make([]string, len(conflict))
	for i, c := range conflict {
		conflictCols[i] = quote(c)
	}
	names, placeholders, args := insertParts(rec, cols)
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s RETURNING *",
		quote(table), names, placeholders, strings.Join(conflictCols, ", "), action)

	var out Record
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := s.query(ctx, tx, sql, args...)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			out = rows[0]
		}
		return nil
	})
	if err != nil {
		s.fail("upsert", table, err)
		return nil
	}
	return out
}

// QueryVectorSimilarity orders by pgvector's L2 operator so the HNSW
// index can serve the scan.
func (s *PostgresAdapter) QueryVectorSimilarity(ctx context.Context, table, column string, query []float32, limit int) []Record {
	if err := validIdent(table, column); err != nil {
		s.fail("vector query", table, err)
		return []Record{}
	}
	if len(query) == 0 {
		return []Record{}
	}
	if limit <= 0 {
		limit = 10
	}
	col := quote(column)
	sql := fmt.Sprintf(`SELECT *, %s <-> $1 AS %s FROM %s WHERE %s IS NOT NULL ORDER BY %s <-> $1, id LIMIT $2`,
		col, DistanceField, quote(table), col, col)
	rows, err := s.query(ctx, s.db, sql, pgvector.NewVector(query), limit)
	if err != nil {
		s.fail("vector query", table, err)
		return []Record{}
	}
	sortByDistance(rows)
	return rows
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresAdapter) query(ctx context.Context, q querier, sql string, args ...any) ([]Record, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(maps))
	for i, m := range maps {
		out[i] = normalizeRecord(m, s.vectorCols)
	}
	return out, nil
}

// inTx runs fn in a transaction that is rolled back unless fn succeeds.
func (s *PostgresAdapter) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresAdapter) fail(op, table string, err error) {
	s.logger.Error("storage operation failed",
		zap.String("backend", "postgres"), zap.String("op", op), zap.String("table", table), zap.Error(err))
}

func quote(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

func insertParts(rec Record, cols []string) (string, string, []any) {
	names := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = quote(c)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = toParam(rec[c])
	}
	return strings.Join(names, ", "), strings.Join(placeholders, ", "), args
}

func whereClause(filter Filter, start int) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	cols := sortedKeys(filter)
	if err := validIdent(cols...); err != nil {
		return "", nil, err
	}
	preds := make([]string, 0, len(cols))
	var args []any
	for _, c := range cols {
		if filter[c] == nil {
			preds = append(preds, quote(c)+" IS NULL")
			continue
		}
		args = append(args, toParam(filter[c]))
		preds = append(preds, fmt.Sprintf("%s = $%d", quote(c), start+len(args)-1))
	}
	return " WHERE " + strings.Join(preds, " AND "), args, nil
}

// toParam maps shared value shapes onto pgx parameter types.
func toParam(v any) any {
	if vec, ok := v.([]float32); ok {
		return pgvector.NewVector(vec)
	}
	return v
}
