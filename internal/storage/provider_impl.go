package storage

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/p8fs/p8fs-core/internal/apperrors"
	"github.com/p8fs/p8fs-core/internal/config"
	"github.com/p8fs/p8fs-core/internal/models"
	"github.com/p8fs/p8fs-core/internal/telemetry"
)

// SQLiteBadgerProvider is the concrete Provider: SQLite for rows and
// vectors, Badger for KV, unified behind the single interface every other
// core component calls (spec.md §4.1).
type SQLiteBadgerProvider struct {
	sql    *sqlSubstrate
	kv     *kvSubstrate
	logger logr.Logger

	cancelGC context.CancelFunc
}

// New opens both substrates and starts the Badger value-log GC loop. Errors
// from either substrate are fatal to construction: a provider with half its
// storage unavailable is not something callers should have to discover
// later, at the first failing query.
func New(cfg *config.Config) (*SQLiteBadgerProvider, error) {
	logger := telemetry.New("storage")

	db, err := openSQLite(cfg.SQLiteDSN)
	if err != nil {
		return nil, err
	}
	bdb, err := openBadger(cfg.BadgerPath, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	gcCtx, cancel := context.WithCancel(context.Background())
	kv := newKVSubstrate(bdb, logger)
	go kv.runGC(gcCtx, cfg.CompactionInterval)

	return &SQLiteBadgerProvider{
		sql:      newSQLSubstrate(db),
		kv:       kv,
		logger:   logger,
		cancelGC: cancel,
	}, nil
}

func (p *SQLiteBadgerProvider) EnsureTable(ctx context.Context, desc *models.ModelDescriptor) error {
	return p.sql.ensureTable(ctx, desc)
}

func (p *SQLiteBadgerProvider) PlanDDL(desc *models.ModelDescriptor) (string, error) {
	return p.sql.planDDL(desc)
}

func (p *SQLiteBadgerProvider) InvalidateTableCache(table string) {
	p.sql.cache.invalidate(table)
}

func (p *SQLiteBadgerProvider) ClearTableCache() {
	p.sql.cache.clear()
}

func (p *SQLiteBadgerProvider) Upsert(ctx context.Context, table string, rows []map[string]interface{}, primaryKey string) error {
	if len(rows) == 0 {
		return nil
	}
	return p.sql.upsert(ctx, table, rows, primaryKey)
}

func (p *SQLiteBadgerProvider) Select(ctx context.Context, table string, opts SelectOptions) ([]map[string]interface{}, error) {
	return p.sql.selectRows(ctx, table, opts)
}

func (p *SQLiteBadgerProvider) Execute(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error) {
	return p.sql.execute(ctx, query, params...)
}

func (p *SQLiteBadgerProvider) UpsertEmbedding(ctx context.Context, table string, rec *models.EmbeddingRecord) error {
	return p.sql.upsertEmbedding(ctx, table, rec)
}

func (p *SQLiteBadgerProvider) SimilaritySearch(ctx context.Context, table, field, provider, tenantID string, query []float32, limit int, threshold float64, metric models.SimilarityMetric) ([]models.ScoredRow, error) {
	return p.sql.similaritySearch(ctx, table, field, provider, tenantID, query, limit, threshold, metric)
}

func (p *SQLiteBadgerProvider) Get(ctx context.Context, key string) (map[string]interface{}, bool, error) {
	if key == "" {
		return nil, false, apperrors.ErrNotFound
	}
	return p.kv.get(ctx, key)
}

func (p *SQLiteBadgerProvider) Put(ctx context.Context, key string, value map[string]interface{}, ttl time.Duration) error {
	if key == "" {
		return apperrors.ErrNotFound
	}
	return p.kv.put(ctx, key, value, ttl)
}

func (p *SQLiteBadgerProvider) Scan(ctx context.Context, prefix string, limit int) ([]models.KVEntry, error) {
	return p.kv.scan(ctx, prefix, limit)
}

func (p *SQLiteBadgerProvider) Close() error {
	p.cancelGC()
	kvErr := p.kv.close()
	sqlErr := p.sql.db.Close()
	if kvErr != nil {
		return kvErr
	}
	return sqlErr
}

var _ Provider = (*SQLiteBadgerProvider)(nil)
