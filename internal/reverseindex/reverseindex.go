// Package reverseindex implements the tenant-prefixed name index (spec.md
// §4.2): a thin façade over storage.Provider's KV methods that turns a
// human name into entity pointers across tables, self-healing against SQL
// when the KV side is cold or stale.
package reverseindex

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/p8fs/p8fs-core/internal/apperrors"
	"github.com/p8fs/p8fs-core/internal/models"
	"github.com/p8fs/p8fs-core/internal/storage"
)

// Index is the Reverse Key Index. tables lists the tables eligible
// for name-based discovery; per spec.md §3, sessions are not name-addressable.
type Index struct {
	provider storage.Provider
	tables   []string
	scanSize int
	logger   logr.Logger
}

// New constructs an Index over the given nameable tables (e.g. "resources",
// "moments", "images"). scanSize bounds the KV prefix scan (spec.md §4.5.1
// default is 100).
func New(provider storage.Provider, tables []string, scanSize int, logger logr.Logger) *Index {
	if scanSize <= 0 {
		scanSize = 100
	}
	return &Index{provider: provider, tables: tables, scanSize: scanSize, logger: logger}
}

func key(tenantID, name, entityType string) string {
	return fmt.Sprintf("%s/%s/%s", tenantID, name, entityType)
}

func prefix(tenantID, name string) string {
	return fmt.Sprintf("%s/%s/", tenantID, name)
}

// Put writes (or rewrites) the reverse-index entry for one entity. Called by
// the Tenant Repository after every upsert of a nameable row.
func (idx *Index) Put(ctx context.Context, tenantID, name, entityType, tableName, entityID string) error {
	if tenantID == "" {
		return apperrors.ErrTenantMissing
	}
	entry := models.ReverseIndexEntry{
		EntityID: entityID, EntityType: entityType, TableName: tableName, TenantID: tenantID,
	}
	return idx.provider.Put(ctx, key(tenantID, name, entityType), toMap(entry), 0)
}

func toMap(e models.ReverseIndexEntry) map[string]interface{} {
	return map[string]interface{}{
		"entity_id":   e.EntityID,
		"entity_type": e.EntityType,
		"table_name":  e.TableName,
		"tenant_id":   e.TenantID,
	}
}

func fromMap(v map[string]interface{}) models.ReverseIndexEntry {
	str := func(k string) string {
		s, _ := v[k].(string)
		return s
	}
	return models.ReverseIndexEntry{
		EntityID: str("entity_id"), EntityType: str("entity_type"),
		TableName: str("table_name"), TenantID: str("tenant_id"),
	}
}

// Hit is one resolved row: which table it came from, plus the row itself.
type Hit struct {
	TableName string
	Row       map[string]interface{}
}

// Lookup implements the two-path algorithm of spec.md §4.2. tableHint, if
// non-empty, narrows the search to one table and skips the KV scan
// entirely. Results are deduplicated by (table, entity_id).
func (idx *Index) Lookup(ctx context.Context, tenantID, name, tableHint string) ([]Hit, error) {
	if tenantID == "" {
		return nil, apperrors.ErrTenantMissing
	}

	if tableHint != "" {
		return idx.lookupWithHint(ctx, tenantID, name, tableHint)
	}
	return idx.lookupByScan(ctx, tenantID, name)
}

// lookupWithHint runs the direct SQL path: "SELECT ... WHERE tenant_id=? AND
// (id=? OR name=?)". On hit, the KV entry is (re)written so the index stays
// warm for the next scan-based lookup.
func (idx *Index) lookupWithHint(ctx context.Context, tenantID, name, table string) ([]Hit, error) {
	rows, err := idx.provider.Select(ctx, table, storage.SelectOptions{
		Filters: storage.Filter{"tenant_id": tenantID, "id": name},
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("reverseindex: lookup %s by id: %w", table, err)
	}
	if len(rows) == 0 {
		rows, err = idx.provider.Select(ctx, table, storage.SelectOptions{
			Filters: storage.Filter{"tenant_id": tenantID, "name": name},
			OrderBy: storage.OrderBy{"updated_at DESC"},
		})
		if err != nil {
			return nil, fmt.Errorf("reverseindex: lookup %s by name: %w", table, err)
		}
	}
	if len(rows) == 0 {
		return nil, nil
	}

	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		hits = append(hits, Hit{TableName: table, Row: row})
		idx.backfill(ctx, tenantID, name, table, table, row)
	}
	return hits, nil
}

// lookupByScan implements the cold/warm KV scan path with SQL broadcast
// fallback and self-healing backfill.
func (idx *Index) lookupByScan(ctx context.Context, tenantID, name string) ([]Hit, error) {
	entries, err := idx.provider.Scan(ctx, prefix(tenantID, name), idx.scanSize)
	if err != nil {
		return nil, fmt.Errorf("reverseindex: scan %s: %w", name, err)
	}

	seen := make(map[string]bool)
	var hits []Hit

	for _, entry := range entries {
		ref := fromMap(entry.Value)
		if ref.TableName == "" || ref.EntityID == "" {
			continue
		}
		row, ok, err := idx.verify(ctx, tenantID, ref)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // stale pointer, target no longer resolvable
		}
		k := ref.TableName + "/" + ref.EntityID
		if seen[k] {
			continue
		}
		seen[k] = true
		hits = append(hits, Hit{TableName: ref.TableName, Row: row})
	}

	if len(hits) > 0 {
		sortHitsByUpdatedAtDesc(hits)
		return hits, nil
	}

	// Cold cache: broadcast across every nameable table and backfill KV.
	for _, table := range idx.tables {
		rows, err := idx.provider.Select(ctx, table, storage.SelectOptions{
			Filters: storage.Filter{"tenant_id": tenantID, "name": name},
			OrderBy: storage.OrderBy{"updated_at DESC"},
		})
		if err != nil {
			return nil, fmt.Errorf("reverseindex: broadcast select %s: %w", table, err)
		}
		for _, row := range rows {
			k := table + "/" + fmt.Sprintf("%v", row["id"])
			if seen[k] {
				continue
			}
			seen[k] = true
			hits = append(hits, Hit{TableName: table, Row: row})
			idx.backfill(ctx, tenantID, name, table, table, row)
		}
	}
	sortHitsByUpdatedAtDesc(hits)
	return hits, nil
}

// sortHitsByUpdatedAtDesc enforces spec.md §4.5.2's "LOOKUP results ordered
// by updated_at desc" regardless of whether a hit came from the KV scan path
// (scan order, no ordering guarantee) or the broadcast fallback (already
// per-table ordered, but not across tables).
func sortHitsByUpdatedAtDesc(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		return rowUpdatedAt(hits[i].Row).After(rowUpdatedAt(hits[j].Row))
	})
}

func rowUpdatedAt(row map[string]interface{}) time.Time {
	switch v := row["updated_at"].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// verify re-reads ref.TableName to confirm the KV pointer is still valid
// (spec.md §4.2's "stale pointers cause a SQL verification step"). A stale
// pointer is reported as not found; the KV entry itself is left unchanged.
func (idx *Index) verify(ctx context.Context, tenantID string, ref models.ReverseIndexEntry) (map[string]interface{}, bool, error) {
	rows, err := idx.provider.Select(ctx, ref.TableName, storage.SelectOptions{
		Filters: storage.Filter{"tenant_id": tenantID, "id": ref.EntityID},
		Limit:   1,
	})
	if err != nil {
		if apperrors.Classify(err) == apperrors.KindUnknownTable {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reverseindex: verify %s/%s: %w", ref.TableName, ref.EntityID, err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

func (idx *Index) backfill(ctx context.Context, tenantID, name, entityType, table string, row map[string]interface{}) {
	id, _ := row["id"].(string)
	if id == "" {
		return
	}
	if err := idx.Put(ctx, tenantID, name, entityType, table, id); err != nil {
		idx.logger.V(1).Info("reverseindex: backfill failed", "name", name, "table", table, "error", err.Error())
	}
}

// SplitTableHint extracts a leading "table:" hint from a LOOKUP key, matching
// the REM grammar's table-scoped form; kept here since both the REM parser
// and ad hoc callers need the same split.
func SplitTableHint(key string) (table, name string) {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}
