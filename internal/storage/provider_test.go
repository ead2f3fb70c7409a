package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/p8fs/p8fs-core/internal/apperrors"
	"github.com/p8fs/p8fs-core/internal/config"
	"github.com/p8fs/p8fs-core/internal/models"
)

func newTestProvider(t *testing.T) *SQLiteBadgerProvider {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		SQLiteDSN:          filepath.Join(dir, "test.db"),
		BadgerPath:         filepath.Join(dir, "badger"),
		CompactionInterval: time.Hour,
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func resourceDescriptor() *models.ModelDescriptor {
	return &models.ModelDescriptor{
		TableName:  "resources",
		PrimaryKey: "id",
		Fields: []models.FieldDescriptor{
			{Name: "name", Kind: models.FieldText},
			{Name: "category", Kind: models.FieldText, Nullable: true},
			{Name: "content", Kind: models.FieldText, Nullable: true},
		},
		EmbeddingFields: []models.EmbeddingFieldDescriptor{
			{SourceField: "content", ProviderID: "local-text"},
		},
		TenantIsolated: true,
	}
}

func TestEnsureTableAndUpsertSelect(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	desc := resourceDescriptor()

	if err := p.EnsureTable(ctx, desc); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	// Idempotent.
	if err := p.EnsureTable(ctx, desc); err != nil {
		t.Fatalf("EnsureTable (second call): %v", err)
	}

	now := time.Now().UTC()
	row := map[string]interface{}{
		"id":         "r-1",
		"tenant_id":  "tenant-a",
		"created_at": now,
		"updated_at": now,
		"metadata":   map[string]interface{}{"k": "v"},
		"name":       "Q3 roadmap",
		"category":   "planning",
		"content":    "roadmap notes",
	}
	if err := p.Upsert(ctx, "resources", []map[string]interface{}{row}, "id"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	rows, err := p.Select(ctx, "resources", SelectOptions{Filters: Filter{"tenant_id": "tenant-a"}})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0]["name"] != "Q3 roadmap" {
		t.Errorf("name = %v, want Q3 roadmap", rows[0]["name"])
	}
	meta, ok := rows[0]["metadata"].(map[string]interface{})
	if !ok || meta["k"] != "v" {
		t.Errorf("metadata not round-tripped: %#v", rows[0]["metadata"])
	}

	// Upsert with the same id updates in place rather than duplicating.
	row["category"] = "archived"
	if err := p.Upsert(ctx, "resources", []map[string]interface{}{row}, "id"); err != nil {
		t.Fatalf("Upsert (update): %v", err)
	}
	rows, err = p.Select(ctx, "resources", SelectOptions{Filters: Filter{"tenant_id": "tenant-a"}})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(rows) != 1 || rows[0]["category"] != "archived" {
		t.Fatalf("expected single updated row, got %#v", rows)
	}
}

func TestSelectUnknownTable(t *testing.T) {
	p := newTestProvider(t)
	_, err := p.Select(context.Background(), "nope", SelectOptions{})
	if apperrors.Classify(err) != apperrors.KindUnknownTable {
		t.Fatalf("expected unknown_table, got %v", err)
	}
}

func TestUpsertEmbeddingAndSimilaritySearch(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	desc := resourceDescriptor()
	if err := p.EnsureTable(ctx, desc); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	now := time.Now().UTC()
	seed := []struct {
		id   string
		name string
		vec  []float32
	}{
		{"r-1", "close match", []float32{1, 0, 0}},
		{"r-2", "far match", []float32{0, 1, 0}},
		{"r-3", "near match", []float32{0.9, 0.1, 0}},
	}
	for _, s := range seed {
		row := map[string]interface{}{
			"id": s.id, "tenant_id": "tenant-a", "created_at": now, "updated_at": now,
			"metadata": nil, "name": s.name, "category": "", "content": "",
		}
		if err := p.Upsert(ctx, "resources", []map[string]interface{}{row}, "id"); err != nil {
			t.Fatalf("seed upsert %s: %v", s.id, err)
		}
		rec := &models.EmbeddingRecord{
			EntityID: s.id, FieldName: "content", EmbeddingProvider: "local-text",
			EmbeddingVector: s.vec, VectorDimension: 3,
		}
		rec.TenantID = "tenant-a"
		if err := p.UpsertEmbedding(ctx, "resources", rec); err != nil {
			t.Fatalf("UpsertEmbedding %s: %v", s.id, err)
		}
	}

	results, err := p.SimilaritySearch(ctx, "resources", "content", "local-text", "tenant-a",
		[]float32{1, 0, 0}, 2, 0.0, models.MetricCosine)
	if err != nil {
		t.Fatalf("SimilaritySearch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Row["id"] != "r-1" {
		t.Errorf("top result = %v, want r-1", results[0].Row["id"])
	}
	if results[0].Similarity < results[1].Similarity {
		t.Errorf("results not sorted descending by similarity")
	}

	// Dimension mismatch must fail fast, never silently degrade.
	_, err = p.SimilaritySearch(ctx, "resources", "content", "local-text", "tenant-a",
		[]float32{1, 0}, 2, 0.0, models.MetricCosine)
	if apperrors.Classify(err) != apperrors.KindDimensionMismatch {
		t.Fatalf("expected embedding_dimension_mismatch, got %v", err)
	}
}

func TestSimilaritySearchRequiresTenant(t *testing.T) {
	p := newTestProvider(t)
	_, err := p.SimilaritySearch(context.Background(), "resources", "content", "local-text", "",
		[]float32{1}, 1, 0, models.MetricCosine)
	if apperrors.Classify(err) != apperrors.KindTenantMissing {
		t.Fatalf("expected tenant_missing, got %v", err)
	}
}

func TestKVPutGetScanTTL(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	if err := p.Put(ctx, "tenant-a/foo", map[string]interface{}{"v": 1.0}, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := p.Put(ctx, "tenant-a/bar", map[string]interface{}{"v": 2.0}, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	val, ok, err := p.Get(ctx, "tenant-a/foo")
	if err != nil || !ok {
		t.Fatalf("Get: val=%v ok=%v err=%v", val, ok, err)
	}
	if val["v"] != 1.0 {
		t.Errorf("v = %v, want 1.0", val["v"])
	}

	_, ok, err = p.Get(ctx, "tenant-a/missing")
	if err != nil || ok {
		t.Fatalf("Get missing key: ok=%v err=%v", ok, err)
	}

	entries, err := p.Scan(ctx, "tenant-a/", 10)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestTableCacheInvalidateAndClear(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	desc := resourceDescriptor()
	if err := p.EnsureTable(ctx, desc); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	if _, ok := p.sql.cache.get("resources"); !ok {
		t.Fatalf("expected resources in cache after EnsureTable")
	}
	p.InvalidateTableCache("resources")
	if _, ok := p.sql.cache.get("resources"); ok {
		t.Fatalf("expected resources evicted after InvalidateTableCache")
	}

	p.sql.cache.set("resources", tableMeta{primaryKey: "id", exists: true})
	p.ClearTableCache()
	if _, ok := p.sql.cache.get("resources"); ok {
		t.Fatalf("expected cache empty after ClearTableCache")
	}
}
