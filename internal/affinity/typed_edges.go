package affinity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/p8fs/p8fs-core/internal/llm"
	"github.com/p8fs/p8fs-core/internal/models"
)

// typedEdgeSchema asks the LLM to classify the relationship between the
// source text and each candidate neighbor, matching spec.md §4.7 step 3's
// example relation types.
var typedEdgeSchema = map[string]interface{}{
	"type": "array",
	"items": map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"neighbor_id": map[string]interface{}{"type": "string"},
			"rel_type": map[string]interface{}{"type": "string",
				"enum": []string{"causes", "implements", "refines", "contradicts", "extends"}},
			"confidence": map[string]interface{}{"type": "number"},
		},
		"required": []string{"neighbor_id", "rel_type"},
	},
}

type rawTypedEdge struct {
	NeighborID string  `json:"neighbor_id"`
	RelType    string  `json:"rel_type"`
	Confidence float64 `json:"confidence"`
}

// proposeTypedEdges asks the LLM collaborator to classify the relationship
// between sourceText and each neighbor already found by the k-NN pass,
// returning GraphEdges for any it's confident about. Errors here are not
// fatal to Run — the caller treats a failed typed-edge pass the same as
// "no typed edges proposed this round".
func (b *Builder) proposeTypedEdges(ctx context.Context, sourceText string, neighbors []models.ScoredRow) ([]models.GraphEdge, error) {
	if len(neighbors) == 0 {
		return nil, nil
	}

	prompt := fmt.Sprintf("Classify the relationship from the SOURCE text to each NEIGHBOR. Use one of: causes, implements, refines, contradicts, extends. Omit a neighbor if no relationship applies.\n\nSOURCE:\n%s\n\nNEIGHBORS:\n%s\n\nJSON:",
		sourceText, formatNeighbors(neighbors))

	resp, err := b.llm.Complete(ctx, llm.Request{Prompt: prompt, Schema: typedEdgeSchema})
	if err != nil {
		return nil, fmt.Errorf("affinity: typed edge completion: %w", err)
	}

	var raw []rawTypedEdge
	if err := json.Unmarshal([]byte(resp.Text), &raw); err != nil {
		return nil, fmt.Errorf("affinity: parse typed edges: %w", err)
	}

	now := time.Now()
	out := make([]models.GraphEdge, 0, len(raw))
	for _, r := range raw {
		if r.NeighborID == "" || r.RelType == "" {
			continue
		}
		out = append(out, models.GraphEdge{
			Dst: b.table + ":" + r.NeighborID, RelType: r.RelType,
			Weight: r.Confidence, CreatedAt: now,
		})
	}
	return out, nil
}

func formatNeighbors(neighbors []models.ScoredRow) string {
	out := ""
	for _, n := range neighbors {
		id, _ := n.Row["id"].(string)
		out += fmt.Sprintf("- id=%s similarity=%.3f\n", id, n.Similarity)
	}
	return out
}
