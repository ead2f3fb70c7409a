// Package storage implements the Storage Provider (spec.md §4.1): a single
// abstraction every other core component calls for schema, row, vector and
// KV operations, backed by a SQL substrate (SQLite) and a KV substrate
// (Badger).
package storage

import (
	"context"
	"time"

	"github.com/p8fs/p8fs-core/internal/models"
)

// Filter is an equality (or "__like" suffix) constraint on a column.
// A key ending in "__like" is matched with SQL LIKE against its value.
type Filter map[string]interface{}

// OrderBy is a column name, optionally suffixed with " DESC" / " ASC".
type OrderBy []string

// SelectOptions bounds a Select call.
type SelectOptions struct {
	Filters Filter
	OrderBy OrderBy
	Limit   int
	Offset  int
}

// Provider is the uniform interface every other core component calls.
type Provider interface {
	// Schema ops.
	EnsureTable(ctx context.Context, desc *models.ModelDescriptor) error
	PlanDDL(desc *models.ModelDescriptor) (string, error)
	InvalidateTableCache(table string)
	ClearTableCache()

	// Row ops. rows are generic maps keyed by column name; callers
	// (Tenant Repository) own marshaling to/from their typed structs.
	Upsert(ctx context.Context, table string, rows []map[string]interface{}, primaryKey string) error
	Select(ctx context.Context, table string, opts SelectOptions) ([]map[string]interface{}, error)
	Execute(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error)

	// Vector ops.
	UpsertEmbedding(ctx context.Context, table string, rec *models.EmbeddingRecord) error
	SimilaritySearch(ctx context.Context, table, field, provider string, tenantID string, query []float32, limit int, threshold float64, metric models.SimilarityMetric) ([]models.ScoredRow, error)

	// KV ops.
	Get(ctx context.Context, key string) (map[string]interface{}, bool, error)
	Put(ctx context.Context, key string, value map[string]interface{}, ttl time.Duration) error
	Scan(ctx context.Context, prefix string, limit int) ([]models.KVEntry, error)

	Close() error
}
