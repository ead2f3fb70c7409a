package extract

import (
	"context"
	"testing"
	"time"

	"github.com/p8fs/p8fs-core/internal/llm"
	"github.com/p8fs/p8fs-core/internal/models"
)

// fakeClient returns a canned Response for Complete and is not expected to
// be used for Stream/SubmitBatch/PollBatch in these tests.
type fakeClient struct {
	text string
	err  error
}

func (f *fakeClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Text: f.text}, nil
}
func (f *fakeClient) Stream(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	panic("not used")
}
func (f *fakeClient) SubmitBatch(ctx context.Context, reqs []llm.Request) (string, error) {
	panic("not used")
}
func (f *fakeClient) PollBatch(ctx context.Context, batchID string) (llm.BatchStatus, error) {
	panic("not used")
}

func TestNormalizeEntityIDMatchesScenarioS3(t *testing.T) {
	cases := map[string]string{
		"John Smith":   "john-smith",
		"Sarah Chen":   "sarah-chen",
		"Mike Johnson": "mike-johnson",
		"Project Alpha": "project-alpha",
		"Acme Corp":    "acme-corp",
	}
	for name, want := range cases {
		if got := NormalizeEntityID(name); got != want {
			t.Errorf("NormalizeEntityID(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestExtractEntitiesDiscardsLowConfidence(t *testing.T) {
	client := &fakeClient{text: `[
		{"entity_type": "Person", "entity_name": "John Smith", "context": "discussed project", "confidence": 0.9},
		{"entity_type": "Organization", "entity_name": "Acme Corp", "context": "client", "confidence": 0.2}
	]`}
	ex := NewLLMExtractor(client)
	entities, err := ex.ExtractEntities(context.Background(), "John Smith discussed project with Acme Corp", "tenant-a")
	if err != nil {
		t.Fatalf("ExtractEntities: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("expected 1 entity to survive confidence filter, got %+v", entities)
	}
	if entities[0].EntityID != "john-smith" {
		t.Fatalf("unexpected entity id %q", entities[0].EntityID)
	}
}

func TestExtractEntitiesHandlesFencedJSON(t *testing.T) {
	client := &fakeClient{text: "```json\n[{\"entity_type\": \"Project\", \"entity_name\": \"Project Alpha\", \"confidence\": 0.8}]\n```"}
	ex := NewLLMExtractor(client)
	entities, err := ex.ExtractEntities(context.Background(), "about Project Alpha", "tenant-a")
	if err != nil {
		t.Fatalf("ExtractEntities: %v", err)
	}
	if len(entities) != 1 || entities[0].EntityID != "project-alpha" {
		t.Fatalf("unexpected entities: %+v", entities)
	}
}

func TestExtractMomentsValidatesSpan(t *testing.T) {
	client := &fakeClient{text: `[
		{"name": "standup", "moment_type": "meeting", "starts_at": "2026-01-01T09:00:00Z", "ends_at": "2026-01-01T09:15:00Z",
		 "present_persons": ["Alice"], "speakers": ["Alice"]},
		{"name": "bad", "moment_type": "meeting", "starts_at": "2026-01-01T10:00:00Z", "ends_at": "2026-01-01T09:00:00Z",
		 "present_persons": [], "speakers": []}
	]`}
	ex := NewLLMExtractor(client)
	resource := &models.Resource{
		Base:              models.Base{TenantID: "tenant-a"},
		ResourceTimestamp: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
	}
	moments, _, err := ex.ExtractMoments(context.Background(), "standup notes", "tenant-a", resource)
	if err != nil {
		t.Fatalf("ExtractMoments: %v", err)
	}
	if len(moments) != 1 {
		t.Fatalf("expected 1 valid moment (invalid span discarded), got %d", len(moments))
	}
	if moments[0].Name != "standup" {
		t.Fatalf("unexpected moment: %+v", moments[0])
	}
}

func TestModeClassifierBoth(t *testing.T) {
	c := NewModeClassifier()
	result := c.Classify("We had a meeting with the client today to discuss the project timeline")
	if result.Mode != ModeBoth {
		t.Fatalf("expected ModeBoth, got %s (%+v)", result.Mode, result)
	}
}

func TestModeClassifierNone(t *testing.T) {
	c := NewModeClassifier()
	result := c.Classify("the quick brown fox jumps over the lazy dog")
	if result.Mode != ModeNone {
		t.Fatalf("expected ModeNone, got %s", result.Mode)
	}
}
