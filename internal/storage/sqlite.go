package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/p8fs/p8fs-core/internal/apperrors"
	"github.com/p8fs/p8fs-core/internal/models"
)

// sqlSubstrate owns the SQL half of a Provider: the database handle, the
// registered ModelDescriptors (EnsureTable populates this map; Select/
// Upsert/SimilaritySearch consult it instead of re-deriving schema), and the
// table metadata cache.
type sqlSubstrate struct {
	db *sql.DB

	mu          sync.RWMutex
	descriptors map[string]*models.ModelDescriptor
	cache       *metaCache
}

func openSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn+"?_journal=WAL&_fk=true&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // go-sqlite3 + WAL: serialize writers, matches teacher's single-writer assumption
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}
	return db, nil
}

func newSQLSubstrate(db *sql.DB) *sqlSubstrate {
	return &sqlSubstrate{
		db:          db,
		descriptors: make(map[string]*models.ModelDescriptor),
		cache:       newMetaCache(256),
	}
}

func (s *sqlSubstrate) planDDL(desc *models.ModelDescriptor) (string, error) {
	if desc.TableName == "" {
		return "", fmt.Errorf("storage: descriptor missing table name: %w", apperrors.ErrUnknownTable)
	}
	return planDDL(desc), nil
}

func (s *sqlSubstrate) ensureTable(ctx context.Context, desc *models.ModelDescriptor) error {
	ddl, err := s.planDDL(desc)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(ddl, "\n\n") {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: ensure table %s: %w", desc.TableName, err)
		}
	}

	s.mu.Lock()
	s.descriptors[desc.TableName] = desc
	s.mu.Unlock()

	s.cache.set(desc.TableName, tableMeta{primaryKey: desc.PrimaryKey, exists: true})
	return nil
}

func (s *sqlSubstrate) descriptorFor(table string) (*models.ModelDescriptor, error) {
	s.mu.RLock()
	desc, ok := s.descriptors[table]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: table %q not registered: %w", table, apperrors.ErrUnknownTable)
	}
	return desc, nil
}

// columnNames returns the base columns plus desc's own fields, in the fixed
// order EnsureTable created them in.
func columnNames(desc *models.ModelDescriptor) []string {
	cols := make([]string, 0, len(desc.Fields)+5)
	for _, f := range baseColumns() {
		cols = append(cols, f.Name)
	}
	for _, f := range desc.Fields {
		cols = append(cols, f.Name)
	}
	return cols
}

func fieldKind(desc *models.ModelDescriptor, col string) models.FieldKind {
	for _, f := range baseColumns() {
		if f.Name == col {
			return f.Kind
		}
	}
	for _, f := range desc.Fields {
		if f.Name == col {
			return f.Kind
		}
	}
	return models.FieldText
}

// encodeValue prepares a Go value for the driver: JSON-kind columns are
// marshaled to their text representation, everything else passes through.
func encodeValue(kind models.FieldKind, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if kind == models.FieldJSON {
		switch v.(type) {
		case string:
			return v, nil
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("storage: encode json column: %w", err)
			}
			return string(b), nil
		}
	}
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano), nil
	}
	return v, nil
}

// decodeRow turns a driver row (already scanned into interface{} values,
// with JSON columns still as their raw text) into the generic map shape
// every caller of Provider.Select expects, unmarshaling JSON columns back
// into Go values.
func decodeRow(desc *models.ModelDescriptor, cols []string, vals []interface{}) map[string]interface{} {
	row := make(map[string]interface{}, len(cols))
	for i, col := range cols {
		v := vals[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		if fieldKind(desc, col) == models.FieldJSON {
			if s, ok := v.(string); ok && s != "" {
				var decoded interface{}
				if err := json.Unmarshal([]byte(s), &decoded); err == nil {
					v = decoded
				}
			}
		}
		row[col] = v
	}
	return row
}

func (s *sqlSubstrate) upsert(ctx context.Context, table string, rows []map[string]interface{}, primaryKey string) error {
	desc, err := s.descriptorFor(table)
	if err != nil {
		return err
	}
	cols := columnNames(desc)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: upsert %s: begin: %w", table, err)
	}
	defer tx.Rollback()

	placeholders := make([]string, len(cols))
	updateSet := make([]string, 0, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		if c != primaryKey {
			updateSet = append(updateSet, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), primaryKey, strings.Join(updateSet, ", "),
	)

	for _, row := range rows {
		args := make([]interface{}, len(cols))
		for i, c := range cols {
			enc, err := encodeValue(fieldKind(desc, c), row[c])
			if err != nil {
				return err
			}
			args[i] = enc
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("storage: upsert %s: %w", table, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: upsert %s: commit: %w", table, err)
	}
	return nil
}

func (s *sqlSubstrate) selectRows(ctx context.Context, table string, opts SelectOptions) ([]map[string]interface{}, error) {
	desc, err := s.descriptorFor(table)
	if err != nil {
		return nil, err
	}
	cols := columnNames(desc)

	var where []string
	var args []interface{}
	for k, v := range opts.Filters {
		if strings.HasSuffix(k, "__like") {
			col := strings.TrimSuffix(k, "__like")
			where = append(where, fmt.Sprintf("%s LIKE ?", col))
			args = append(args, v)
			continue
		}
		where = append(where, fmt.Sprintf("%s = ?", k))
		args = append(args, v)
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if len(opts.OrderBy) > 0 {
		query += " ORDER BY " + strings.Join(opts.OrderBy, ", ")
	}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: select %s: %w", table, err)
	}
	defer rows.Close()

	return scanRows(desc, cols, rows)
}

func scanRows(desc *models.ModelDescriptor, cols []string, rows *sql.Rows) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("storage: scan row: %w", err)
		}
		out = append(out, decodeRow(desc, cols, vals))
	}
	return out, rows.Err()
}

// execute runs a caller-supplied, already-compiled parameterized query (the
// REM SQL dialect's output) and returns rows in the same generic shape as
// Select. Column kinds are unknown here, so JSON columns are returned as
// raw text; callers that need structure decode it themselves.
func (s *sqlSubstrate) execute(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error) {
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("storage: execute: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("storage: execute: columns: %w", err)
	}

	var out []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("storage: execute: scan: %w", err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[c] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
