package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/p8fs/p8fs-core/internal/apperrors"
	"github.com/p8fs/p8fs-core/internal/models"
)

// serializeVector packs a float32 vector into a little-endian byte slice for
// BLOB storage. The teacher serializes embeddings with a raw unsafe-pointer
// cast (episodic.go); encoding/binary gets the same fixed-width layout
// without the unsafe dependency, so that's the variant used here.
func serializeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeVector(b []byte) []float32 {
	n := len(b) / 4
	v := make([]float32, n)
	for i := 0; i < n; i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func (s *sqlSubstrate) upsertEmbedding(ctx context.Context, table string, rec *models.EmbeddingRecord) error {
	if rec.TenantID == "" {
		return apperrors.ErrTenantMissing
	}
	etable := embeddingsTableName(table)
	now := time.Now().UTC()
	id := rec.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	stmt := fmt.Sprintf(`
INSERT INTO %s (id, entity_id, field_name, embedding_provider, embedding_vector, vector_dimension, tenant_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(entity_id, field_name, tenant_id) DO UPDATE SET
  embedding_provider = excluded.embedding_provider,
  embedding_vector = excluded.embedding_vector,
  vector_dimension = excluded.vector_dimension,
  updated_at = excluded.updated_at`, etable)

	_, err := s.db.ExecContext(ctx, stmt,
		id.String(), rec.EntityID, rec.FieldName, rec.EmbeddingProvider,
		serializeVector(rec.EmbeddingVector), rec.VectorDimension, rec.TenantID,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert embedding %s.%s: %w", table, rec.FieldName, err)
	}
	return nil
}

// similaritySearch computes distance in Go rather than pushing it into SQL:
// SQLite has no native vector type, so every candidate row's BLOB is
// deserialized and scored against query here. This is still "supported"
// similarity search (a real computed answer over the full candidate set),
// not the vector_unavailable condition, which is reserved for substrates
// that cannot perform the comparison at all (see SPEC_FULL.md §4.1).
func (s *sqlSubstrate) similaritySearch(ctx context.Context, table, field, provider, tenantID string, query []float32, limit int, threshold float64, metric models.SimilarityMetric) ([]models.ScoredRow, error) {
	if tenantID == "" {
		return nil, apperrors.ErrTenantMissing
	}
	desc, err := s.descriptorFor(table)
	if err != nil {
		return nil, err
	}
	etable := embeddingsTableName(table)

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT entity_id, embedding_vector, vector_dimension FROM %s WHERE tenant_id = ? AND field_name = ? AND embedding_provider = ?", etable),
		tenantID, field, provider,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: similarity search %s.%s: %w", table, field, err)
	}
	defer rows.Close()

	type candidate struct {
		entityID string
		score    float64
		dist     float64
	}
	var candidates []candidate
	for rows.Next() {
		var entityID string
		var blob []byte
		var dim int
		if err := rows.Scan(&entityID, &blob, &dim); err != nil {
			return nil, fmt.Errorf("storage: similarity search %s.%s: scan: %w", table, field, err)
		}
		if dim != len(query) {
			return nil, fmt.Errorf("storage: candidate dimension %d != query dimension %d: %w", dim, len(query), apperrors.ErrDimensionMismatch)
		}
		vec := deserializeVector(blob)

		var score, dist float64
		switch metric {
		case models.MetricL2:
			dist = l2Distance(vec, query)
			score = -dist
		default:
			score = cosineSimilarity(vec, query)
			dist = 1 - score
		}
		if score < threshold {
			continue
		}
		candidates = append(candidates, candidate{entityID: entityID, score: score, dist: dist})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]interface{}, len(candidates))
	placeholders := make([]string, len(candidates))
	rank := make(map[string]candidate, len(candidates))
	for i, c := range candidates {
		ids[i] = c.entityID
		placeholders[i] = "?"
		rank[c.entityID] = c
	}

	cols := columnNames(desc)
	mainRows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id IN (%s)", joinCols(cols), table, joinPlaceholders(placeholders)),
		ids...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: similarity search %s.%s: fetch rows: %w", table, field, err)
	}
	defer mainRows.Close()

	fetched, err := scanRows(desc, cols, mainRows)
	if err != nil {
		return nil, err
	}

	out := make([]models.ScoredRow, 0, len(fetched))
	for _, row := range fetched {
		id, _ := row["id"].(string)
		c, ok := rank[id]
		if !ok {
			continue
		}
		out = append(out, models.ScoredRow{Row: row, Distance: c.dist, Similarity: c.score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

func joinCols(cols []string) string {
	s := ""
	for i, c := range cols {
		if i > 0 {
			s += ", "
		}
		s += c
	}
	return s
}

func joinPlaceholders(ph []string) string {
	s := ""
	for i, p := range ph {
		if i > 0 {
			s += ", "
		}
		s += p
	}
	return s
}
