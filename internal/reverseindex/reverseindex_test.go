package reverseindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/p8fs/p8fs-core/internal/config"
	"github.com/p8fs/p8fs-core/internal/models"
	"github.com/p8fs/p8fs-core/internal/storage"
	"github.com/p8fs/p8fs-core/internal/telemetry"
)

func newTestProvider(t *testing.T) storage.Provider {
	t.Helper()
	dir := t.TempDir()
	p, err := storage.New(&config.Config{
		SQLiteDSN:          filepath.Join(dir, "test.db"),
		BadgerPath:         filepath.Join(dir, "badger"),
		CompactionInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func seedTable(t *testing.T, p storage.Provider, table, id, tenantID, name string) {
	t.Helper()
	seedTableAt(t, p, table, id, tenantID, name, time.Now().UTC())
}

func seedTableAt(t *testing.T, p storage.Provider, table, id, tenantID, name string, updatedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	desc := &models.ModelDescriptor{
		TableName:  table,
		PrimaryKey: "id",
		Fields:     []models.FieldDescriptor{{Name: "name", Kind: models.FieldText}},
	}
	if err := p.EnsureTable(ctx, desc); err != nil {
		t.Fatalf("EnsureTable %s: %v", table, err)
	}
	row := map[string]interface{}{
		"id": id, "tenant_id": tenantID, "created_at": updatedAt, "updated_at": updatedAt,
		"metadata": nil, "name": name,
	}
	if err := p.Upsert(ctx, table, []map[string]interface{}{row}, "id"); err != nil {
		t.Fatalf("Upsert %s: %v", table, err)
	}
}

func TestLookupByScanFindsAcrossTables(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	seedTable(t, p, "resources", "r-1", "tenant-a", "my-project-alpha")
	seedTable(t, p, "moments", "m-1", "tenant-a", "my-project-alpha")

	idx := New(p, []string{"resources", "moments"}, 100, telemetry.Discard())
	if err := idx.Put(ctx, "tenant-a", "my-project-alpha", "resources", "resources", "r-1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := idx.Put(ctx, "tenant-a", "my-project-alpha", "moments", "moments", "m-1"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	hits, err := idx.Lookup(ctx, "tenant-a", "my-project-alpha", "")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d: %#v", len(hits), hits)
	}

	// Tenant isolation: tenant-b must see nothing for the same name.
	hitsB, err := idx.Lookup(ctx, "tenant-b", "my-project-alpha", "")
	if err != nil {
		t.Fatalf("Lookup (tenant-b): %v", err)
	}
	if len(hitsB) != 0 {
		t.Fatalf("expected 0 hits for tenant-b, got %d", len(hitsB))
	}
}

func TestLookupColdCacheBroadcastsAndBackfills(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	seedTable(t, p, "resources", "r-1", "tenant-a", "cold-name")

	idx := New(p, []string{"resources", "moments"}, 100, telemetry.Discard())
	// No Put() call: KV is cold, so Lookup must fall back to SQL broadcast.
	hits, err := idx.Lookup(ctx, "tenant-a", "cold-name", "")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(hits) != 1 || hits[0].TableName != "resources" {
		t.Fatalf("expected 1 hit from resources, got %#v", hits)
	}

	// Backfill should have warmed the KV entry for the next lookup.
	hits2, err := idx.Lookup(ctx, "tenant-a", "cold-name", "")
	if err != nil {
		t.Fatalf("Lookup (second): %v", err)
	}
	if len(hits2) != 1 {
		t.Fatalf("expected 1 hit after backfill, got %d", len(hits2))
	}
}

func TestLookupByScanOrdersByUpdatedAtDesc(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	older := time.Now().UTC().Add(-time.Hour)
	newer := time.Now().UTC()
	seedTableAt(t, p, "resources", "r-old", "tenant-a", "shared-name", older)
	seedTableAt(t, p, "moments", "m-new", "tenant-a", "shared-name", newer)

	idx := New(p, []string{"resources", "moments"}, 100, telemetry.Discard())
	// Both Put()s warm the KV index so Lookup takes the scan-hit path, not
	// the cold-cache SQL broadcast fallback (which already orders via SQL).
	if err := idx.Put(ctx, "tenant-a", "shared-name", "resources", "resources", "r-old"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := idx.Put(ctx, "tenant-a", "shared-name", "moments", "moments", "m-new"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	hits, err := idx.Lookup(ctx, "tenant-a", "shared-name", "")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d: %#v", len(hits), hits)
	}
	if hits[0].TableName != "moments" || hits[1].TableName != "resources" {
		t.Fatalf("expected newer (moments) before older (resources), got %#v", hits)
	}
}

func TestLookupWithTableHint(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	seedTable(t, p, "resources", "r-1", "tenant-a", "hinted-name")

	idx := New(p, []string{"resources"}, 100, telemetry.Discard())
	hits, err := idx.Lookup(ctx, "tenant-a", "hinted-name", "resources")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(hits) != 1 || hits[0].Row["id"] != "r-1" {
		t.Fatalf("unexpected hits: %#v", hits)
	}
}

func TestSplitTableHint(t *testing.T) {
	table, name := SplitTableHint("resources:my-project-alpha")
	if table != "resources" || name != "my-project-alpha" {
		t.Errorf("got table=%q name=%q", table, name)
	}
	table, name = SplitTableHint("my-project-alpha")
	if table != "" || name != "my-project-alpha" {
		t.Errorf("got table=%q name=%q", table, name)
	}
}
