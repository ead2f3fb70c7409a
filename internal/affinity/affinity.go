// Package affinity implements the Affinity Builder (spec.md §4.7): a k-NN
// sweep over a tenant's embedded resources that materializes SEE_ALSO
// graph_paths edges, with an optional second LLM pass proposing typed
// edges. Grounded on the teacher's k-NN-adjacent FindSimilarPatterns sweep
// in internal/memory/procedural.go, generalized from string-signature
// matching to embedding cosine similarity.
package affinity

import (
	"context"
	"fmt"
	"time"

	"github.com/p8fs/p8fs-core/internal/embedding"
	"github.com/p8fs/p8fs-core/internal/llm"
	"github.com/p8fs/p8fs-core/internal/models"
	"github.com/p8fs/p8fs-core/internal/storage"
)

// SeeAlsoRelType is the edge type materialized by the plain k-NN pass
// (spec.md §4.7 step 2).
const SeeAlsoRelType = "SEE_ALSO"

// Config bounds one Run: K neighbors per resource, a similarity floor
// below which a neighbor is not materialized, and whether to run the
// optional LLM typed-edge pass.
type Config struct {
	K              int
	Threshold      float64
	TypedEdgePass  bool
	EmbeddingField string // source field the table's embedding is keyed on, e.g. "content"
	Provider       string // embedding.Provider id used for that field
}

// DefaultConfig matches spec.md §4.7's "k configurable, default 2-5".
func DefaultConfig() Config {
	return Config{K: 5, Threshold: 0.75, EmbeddingField: "content"}
}

// Report summarizes one Run.
type Report struct {
	ResourcesScanned int
	EdgesProposed    int
	EdgesReplaced    int
	TypedEdgesAdded  int
}

// Builder runs the Affinity sweep for one table within one tenant.
type Builder struct {
	provider  storage.Provider
	embedding *embedding.Service
	llm       llm.Client // nil disables the typed-edge pass regardless of Config.TypedEdgePass
	table     string
	cfg       Config
}

// NewBuilder constructs a Builder over table (e.g. "resources"). client may
// be nil if the typed-edge pass is not needed; embeddingSvc re-encodes each
// row's source text to get a query vector for SimilaritySearch (the stored
// embedding itself is not directly retrievable through storage.Provider's
// interface, which only exposes search, not raw vector fetch).
func NewBuilder(provider storage.Provider, embeddingSvc *embedding.Service, client llm.Client, table string, cfg Config) *Builder {
	return &Builder{provider: provider, embedding: embeddingSvc, llm: client, table: table, cfg: cfg}
}

// Run executes the sweep for tenantID: for every row in the table, finds
// its k nearest neighbors (excluding itself) via SimilaritySearch, and
// merges each one above cfg.Threshold into the row's graph_paths with the
// replace-iff-higher-weight rule.
func (b *Builder) Run(ctx context.Context, tenantID string) (*Report, error) {
	report := &Report{}
	rows, err := b.provider.Select(ctx, b.table, storage.SelectOptions{
		Filters: storage.Filter{"tenant_id": tenantID},
	})
	if err != nil {
		return nil, fmt.Errorf("affinity: select %s: %w", b.table, err)
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.ResourcesScanned++

		id, _ := row["id"].(string)
		text, _ := row[b.cfg.EmbeddingField].(string)
		if id == "" || text == "" {
			continue
		}

		vectors, err := b.embedding.Encode(ctx, b.cfg.Provider, []string{text})
		if err != nil {
			continue // no vector for this row yet, skip rather than fail the whole sweep
		}
		vec := vectors[0]

		k := b.cfg.K
		if k <= 0 {
			k = DefaultConfig().K
		}
		neighbors, err := b.provider.SimilaritySearch(ctx, b.table, b.cfg.EmbeddingField, b.cfg.Provider,
			tenantID, vec, k+1, b.cfg.Threshold, models.MetricCosine)
		if err != nil {
			return report, fmt.Errorf("affinity: similarity search for %s: %w", id, err)
		}

		edges := decodeGraphPaths(row["graph_paths"])
		changed := false
		for _, n := range neighbors {
			nid, _ := n.Row["id"].(string)
			if nid == "" || nid == id {
				continue
			}
			report.EdgesProposed++
			newEdges, replaced := mergeEdge(edges, models.GraphEdge{
				Dst: b.table + ":" + nid, RelType: SeeAlsoRelType, Weight: n.Similarity,
				CreatedAt: time.Now(),
			})
			edges = newEdges
			if replaced {
				report.EdgesReplaced++
				changed = true
			}
		}

		if b.cfg.TypedEdgePass && b.llm != nil {
			typedEdges, err := b.proposeTypedEdges(ctx, text, neighbors)
			if err == nil {
				for _, te := range typedEdges {
					merged, replaced := mergeEdge(edges, te)
					edges = merged
					if replaced {
						report.TypedEdgesAdded++
						changed = true
					}
				}
			}
		}

		if changed {
			// Upsert rewrites every descriptor column in one statement
			// (ON CONFLICT DO UPDATE SET col = excluded.col for all
			// columns), so a partial row would null out everything but
			// id/tenant_id/graph_paths. Mutate the full row already
			// fetched above instead of constructing a thin one.
			row["graph_paths"] = edges
			if err := b.provider.Upsert(ctx, b.table, []map[string]interface{}{row}, "id"); err != nil {
				return report, fmt.Errorf("affinity: upsert graph_paths for %s: %w", id, err)
			}
		}
	}

	return report, nil
}

// mergeEdge applies spec.md §4.7's replacement rule: an existing edge with
// the same (dst, rel_type) is replaced only if the new weight is higher;
// otherwise the edge list is returned unchanged (not appended twice).
func mergeEdge(edges []models.GraphEdge, candidate models.GraphEdge) ([]models.GraphEdge, bool) {
	for i, e := range edges {
		if e.Dst == candidate.Dst && e.RelType == candidate.RelType {
			if candidate.Weight > e.Weight {
				edges[i] = candidate
				return edges, true
			}
			return edges, false
		}
	}
	return append(edges, candidate), true
}

func decodeGraphPaths(v interface{}) []models.GraphEdge {
	switch t := v.(type) {
	case []models.GraphEdge:
		return append([]models.GraphEdge(nil), t...)
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
