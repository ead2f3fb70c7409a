package rem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/p8fs/p8fs-core/internal/apperrors"
	"github.com/p8fs/p8fs-core/internal/embedding"
	"github.com/p8fs/p8fs-core/internal/models"
	"github.com/p8fs/p8fs-core/internal/reverseindex"
	"github.com/p8fs/p8fs-core/internal/storage"
)

// TableBinding is everything the Engine needs to execute a query against
// one registered table: its descriptor, from which the embedding provider
// and embedded source field are looked up.
type TableBinding struct {
	Descriptor *models.ModelDescriptor
}

// Engine executes a Plan against the Storage Provider, the Reverse Key
// Index, and the Embedding Service (spec.md §4.5.2's per-query-type
// execution rules). Unlike Parser, Engine is tenant-scoped per call, not
// per instance, since one Engine typically serves every tenant.
type Engine struct {
	provider  storage.Provider
	index     *reverseindex.Index
	embedding *embedding.Service
	tables    map[string]TableBinding
}

// NewEngine constructs an Engine over the given table registry (table name
// -> binding), used to resolve embedding providers/fields for SEARCH and to
// validate FROM/IN table names.
func NewEngine(provider storage.Provider, idx *reverseindex.Index, embeddingSvc *embedding.Service, tables map[string]TableBinding) *Engine {
	return &Engine{provider: provider, index: idx, embedding: embeddingSvc, tables: tables}
}

// Row is one result: which table it came from, its decoded columns, and
// (for SEARCH) its similarity score or (for TRAVERSE hops) the weight of
// the edge that discovered it.
type Row struct {
	Table      string
	Data       map[string]interface{}
	Similarity float64
	Weight     float64
}

// Execute runs a previously-parsed Plan for tenantID and returns its
// matching rows. tenantID must be non-empty — every REM query is
// tenant-scoped (spec.md §4.5, invariant (a)).
func (e *Engine) Execute(ctx context.Context, tenantID string, plan *Plan) ([]Row, error) {
	if tenantID == "" {
		return nil, apperrors.ErrTenantMissing
	}
	switch plan.Type {
	case QueryLookup:
		return e.execLookup(ctx, tenantID, plan.Lookup)
	case QuerySearch:
		return e.execSearch(ctx, tenantID, plan.Search)
	case QuerySQL:
		return e.execSQL(ctx, tenantID, plan.SQL)
	case QueryTraverse:
		return e.execTraverse(ctx, tenantID, plan.Traverse)
	default:
		return nil, fmt.Errorf("rem: unknown plan type %q: %w", plan.Type, apperrors.ErrUnsupportedSQL)
	}
}

// execLookup resolves every key through the Reverse Key Index, honoring an
// explicit table: hint per key when the key itself carries one (spec.md
// §4.5.1's "LOOKUP table:key" form takes precedence over the plan-level
// TableHint, which the parser sets when a single key has a table: prefix).
func (e *Engine) execLookup(ctx context.Context, tenantID string, lp *LookupPlan) ([]Row, error) {
	var out []Row
	for _, raw := range lp.Keys {
		hint, key := reverseindex.SplitTableHint(raw)
		if hint == "" {
			hint = lp.TableHint
		}
		hits, err := e.index.Lookup(ctx, tenantID, key, hint)
		if err != nil {
			return nil, fmt.Errorf("rem: lookup %q: %w", key, err)
		}
		for _, h := range hits {
			out = append(out, Row{Table: h.TableName, Data: h.Row})
		}
	}
	return out, nil
}

// execSearch embeds plan.QueryText with the target table's declared
// embedding provider and runs a cosine similarity search, filtering to
// threshold and truncating to limit (spec.md §4.5.1's SEARCH defaults:
// limit=10, threshold=0.7).
func (e *Engine) execSearch(ctx context.Context, tenantID string, sp *SearchPlan) ([]Row, error) {
	binding, ok := e.tables[sp.Table]
	if !ok {
		return nil, fmt.Errorf("rem: unknown table %q: %w", sp.Table, apperrors.ErrUnknownTable)
	}
	if len(binding.Descriptor.EmbeddingFields) == 0 {
		return nil, fmt.Errorf("rem: table %q has no embedding field: %w", sp.Table, apperrors.ErrVectorUnavailable)
	}
	ef := binding.Descriptor.EmbeddingFields[0]

	limit := sp.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	threshold := sp.Threshold
	if threshold < 0 {
		threshold = DefaultThreshold
	}

	vectors, err := e.embedding.Encode(ctx, ef.ProviderID, []string{sp.QueryText})
	if err != nil {
		return nil, fmt.Errorf("rem: encode search text: %w", err)
	}

	scored, err := e.provider.SimilaritySearch(ctx, sp.Table, ef.SourceField, ef.ProviderID, tenantID,
		vectors[0], limit, threshold, models.MetricCosine)
	if err != nil {
		return nil, fmt.Errorf("rem: similarity search %s: %w", sp.Table, err)
	}

	out := make([]Row, 0, len(scored))
	for _, s := range scored {
		out = append(out, Row{Table: sp.Table, Data: s.Row, Similarity: s.Similarity})
	}
	sortBySimilarityDesc(out)
	return out, nil
}

// execSQL evaluates the restricted SELECT dialect's WHERE clause (spec.md
// §4.5.2: comparison operators, IN, IS NULL, AND/OR, parenthesization — no
// joins, subqueries, or DDL). The tenant predicate is injected unconditionally
// and is not expressible in, or overridable by, the WHERE clause itself.
// Because a WHERE tree can't be pushed whole into storage.Filter's flat
// equality map, the engine fetches every tenant-scoped row (already ordered
// by the SQL substrate per sp.OrderBy) and evaluates the compiled predicate
// per row in Go, applying LIMIT after filtering rather than before it.
func (e *Engine) execSQL(ctx context.Context, tenantID string, sp *SQLPlan) ([]Row, error) {
	if _, ok := e.tables[sp.Table]; !ok {
		return nil, fmt.Errorf("rem: unknown table %q: %w", sp.Table, apperrors.ErrUnknownTable)
	}

	var where whereExpr
	if sp.WhereClause != "" {
		var err error
		where, err = parseWhere(sp.WhereClause)
		if err != nil {
			return nil, err
		}
	}

	var orderBy storage.OrderBy
	for _, ob := range sp.OrderBy {
		orderBy = append(orderBy, ob)
	}

	rows, err := e.provider.Select(ctx, sp.Table, storage.SelectOptions{
		Filters: storage.Filter{"tenant_id": tenantID}, OrderBy: orderBy,
	})
	if err != nil {
		return nil, fmt.Errorf("rem: select %s: %w", sp.Table, err)
	}

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if where != nil && !where.eval(r) {
			continue
		}
		out = append(out, Row{Table: sp.Table, Data: r})
		if sp.Limit > 0 && len(out) >= sp.Limit {
			break
		}
	}
	return out, nil
}

// execTraverse runs a BFS over the inline graph_paths edges of the initial
// frontier's rows, bounded by depth and a visited-set that breaks cycles
// (spec.md §4.5.2 / invariant (c): edges live on the source row, never a
// separate edge table).
func (e *Engine) execTraverse(ctx context.Context, tenantID string, tp *TraversePlan) ([]Row, error) {
	depth := tp.Depth
	if depth <= 0 {
		depth = DefaultDepth
	}
	if depth > MaxDepth {
		return nil, fmt.Errorf("rem: traverse depth %d exceeds maximum %d: %w", depth, MaxDepth, apperrors.ErrDepthExceeded)
	}

	var frontier []Row
	var err error
	switch tp.InitialKind {
	case "lookup":
		frontier, err = e.execLookup(ctx, tenantID, tp.InitialLookup)
	case "search":
		sp := *tp.InitialSearch
		if sp.Table == "" {
			sp.Table = tp.Table
		}
		frontier, err = e.execSearch(ctx, tenantID, &sp)
	default:
		return nil, fmt.Errorf("rem: traverse requires an initial LOOKUP or SEARCH: %w", apperrors.ErrUnsupportedSQL)
	}
	if err != nil {
		return nil, err
	}

	visited := make(map[string]bool)
	for _, r := range frontier {
		visited[visitKey(r)] = true
	}

	result := append([]Row(nil), frontier...)
	if tp.PlanOnly {
		return result, nil
	}

	edgeAllowed := func(relType string) bool {
		if len(tp.EdgeTypes) == 0 {
			return true
		}
		for _, et := range tp.EdgeTypes {
			if strings.EqualFold(et, relType) {
				return true
			}
		}
		return false
	}

	current := frontier
	for d := 0; d < depth && len(current) > 0; d++ {
		var next []Row
		for _, r := range current {
			edges := extractGraphPaths(r.Data["graph_paths"])
			for _, edge := range edges {
				if !edgeAllowed(edge.RelType) {
					continue
				}
				dstTable, dstID := reverseindex.SplitTableHint(edge.Dst)
				if dstTable == "" {
					dstTable = r.Table
					dstID = edge.Dst
				}
				row, ok, err := e.getRow(ctx, tenantID, dstTable, dstID)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				rr := Row{Table: dstTable, Data: row, Weight: edge.Weight}
				k := visitKey(rr)
				if visited[k] {
					continue
				}
				visited[k] = true
				next = append(next, rr)
			}
		}
		// Within a hop, order by edge weight desc (spec.md §4.5.2: "TRAVERSE
		// results ordered by hop distance asc then similarity/weight desc").
		// Hop distance itself is already asc since hops are appended in BFS
		// order below.
		sortByWeightDesc(next)
		result = append(result, next...)
		current = next
	}

	return result, nil
}

// sortByWeightDesc breaks weight ties by updated_at desc, the same
// secondary key SEARCH uses, for a deterministic order within a hop.
func sortByWeightDesc(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Weight != rows[j].Weight {
			return rows[i].Weight > rows[j].Weight
		}
		return rowUpdatedAt(rows[i].Data).After(rowUpdatedAt(rows[j].Data))
	})
}

func (e *Engine) getRow(ctx context.Context, tenantID, table, id string) (map[string]interface{}, bool, error) {
	if _, ok := e.tables[table]; !ok {
		return nil, false, nil
	}
	rows, err := e.provider.Select(ctx, table, storage.SelectOptions{
		Filters: storage.Filter{"tenant_id": tenantID, "id": id}, Limit: 1,
	})
	if err != nil {
		return nil, false, fmt.Errorf("rem: traverse fetch %s/%s: %w", table, id, err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

func visitKey(r Row) string {
	return r.Table + "/" + fmt.Sprintf("%v", r.Data["id"])
}

// extractGraphPaths tolerates the two shapes a decoded JSON column can take
// (already []models.GraphEdge via Entity.FromRow's decodeJSONField, or a
// generic []interface{} from a provider.Select/SimilaritySearch row, whose
// JSON columns the storage layer has already unmarshaled). A raw JSON string
// yields no edges.
func extractGraphPaths(v interface{}) []models.GraphEdge {
	switch t := v.(type) {
	case []models.GraphEdge:
		return t
	case []interface{}:
		out := make([]models.GraphEdge, 0, len(t))
		for _, item := range t {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			dst, _ := m["dst"].(string)
			rel, _ := m["rel_type"].(string)
			weight, _ := m["weight"].(float64)
			if dst == "" {
				continue
			}
			out = append(out, models.GraphEdge{Dst: dst, RelType: rel, Weight: weight})
		}
		return out
	default:
		return nil
	}
}

// sortBySimilarityDesc orders SEARCH results highest-similarity first,
// breaking ties by updated_at desc (spec.md §4.5.2: "SEARCH by similarity
// desc then updated_at desc").
func sortBySimilarityDesc(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Similarity != rows[j].Similarity {
			return rows[i].Similarity > rows[j].Similarity
		}
		return rowUpdatedAt(rows[i].Data).After(rowUpdatedAt(rows[j].Data))
	})
}

// rowUpdatedAt reads a decoded or raw row's updated_at column, tolerating
// both shapes: a time.Time (already decoded by models.Entity.FromRow) or the
// RFC3339Nano string storage.Provider.Select/Execute returns for an
// undecoded raw row.
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
