// Package extract implements the Entity & Moment Extractors (spec.md
// §4.6): pure functions of (content, context) that prompt an LLM with a
// schema and parse the typed result. Adapted from the teacher's
// internal/memory/extractor.go (QwenExtractor), generalized from
// fact/entity/relationship extraction to this spec's Entity/Moment model.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/p8fs/p8fs-core/internal/llm"
	"github.com/p8fs/p8fs-core/internal/models"
)

func parseTimeRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// MinConfidence is the discard threshold for extracted entities (spec.md
// §4.6).
const MinConfidence = 0.3

// EntitySchema is the JSON Schema passed to the LLM for ExtractEntities,
// requesting exactly the shape spec.md §4.6 names.
var EntitySchema = map[string]interface{}{
	"type": "array",
	"items": map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"entity_type": map[string]interface{}{"type": "string",
				"enum": []string{"Person", "Organization", "Project", "Concept", "Location"}},
			"entity_name": map[string]interface{}{"type": "string"},
			"context":     map[string]interface{}{"type": "string"},
			"confidence":  map[string]interface{}{"type": "number"},
		},
		"required": []string{"entity_type", "entity_name", "confidence"},
	},
}

// MomentSchema is the JSON Schema passed to the LLM for ExtractMoments.
var MomentSchema = map[string]interface{}{
	"type": "array",
	"items": map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":        map[string]interface{}{"type": "string"},
			"moment_type": map[string]interface{}{"type": "string"},
			"starts_at":   map[string]interface{}{"type": "string"},
			"ends_at":     map[string]interface{}{"type": "string"},
			"location":    map[string]interface{}{"type": "string"},
			"present_persons": map[string]interface{}{"type": "array",
				"items": map[string]interface{}{"type": "string"}},
			"speakers": map[string]interface{}{"type": "array",
				"items": map[string]interface{}{"type": "string"}},
		},
		"required": []string{"name", "moment_type", "starts_at", "ends_at"},
	},
}

// Extractor is the narrowed agent interface spec.md §4.6 calls for:
// entity extraction and moment extraction, each a pure function of
// (content, context).
type Extractor interface {
	ExtractEntities(ctx context.Context, content, tenantID string) ([]models.EntityDescriptor, error)
	ExtractMoments(ctx context.Context, content, tenantID string, resource *models.Resource) ([]*models.Moment, []string, error)
}

// LLMExtractor is the one concrete Extractor, adapted line-for-line in
// spirit from the teacher's QwenExtractor: build a prompt, call the LLM
// collaborator, parse its JSON response.
type LLMExtractor struct {
	client llm.Client
}

// NewLLMExtractor binds an Extractor to an llm.Client collaborator.
func NewLLMExtractor(client llm.Client) *LLMExtractor {
	return &LLMExtractor{client: client}
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeEntityID lowercases name, replaces runs of non-alphanumeric
// characters with a single hyphen, and trims leading/trailing hyphens
// (spec.md §4.6's exact normalization rule, exercised by testable property
// S3).
func NormalizeEntityID(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	id := nonAlphanumeric.ReplaceAllString(lower, "-")
	return strings.Trim(id, "-")
}

type rawEntity struct {
	EntityType string  `json:"entity_type"`
	EntityName string  `json:"entity_name"`
	Context    string  `json:"context"`
	Confidence float64 `json:"confidence"`
}

// ExtractEntities prompts the LLM for every named entity in content,
// normalizes each entity_id, and discards anything below MinConfidence.
func (e *LLMExtractor) ExtractEntities(ctx context.Context, content, tenantID string) ([]models.EntityDescriptor, error) {
	prompt := fmt.Sprintf(`Extract all named entities (people, organizations, projects, concepts, locations) from the following text. Return a JSON array of objects with entity_type, entity_name, context, and confidence (0-1).

Text:
%s

JSON:`, content)

	resp, err := e.client.Complete(ctx, llm.Request{Prompt: prompt, Schema: EntitySchema})
	if err != nil {
		return nil, fmt.Errorf("extract: entity completion: %w", err)
	}
	return ParseEntitiesResponse(resp.Text)
}

// ParseEntitiesResponse parses a raw LLM completion text (already expected
// to match EntitySchema) into normalized EntityDescriptors, discarding
// anything below MinConfidence. Factored out of ExtractEntities so the
// Dreaming Worker's batch mode (internal/dreaming) can apply the same
// parsing to a PollBatch result without a live llm.Client in hand.
func ParseEntitiesResponse(text string) ([]models.EntityDescriptor, error) {
	var raw []rawEntity
	if err := json.Unmarshal([]byte(cleanJSON(text)), &raw); err != nil {
		return nil, fmt.Errorf("extract: parse entities: %w", err)
	}

	out := make([]models.EntityDescriptor, 0, len(raw))
	for _, r := range raw {
		if r.Confidence < MinConfidence {
			continue
		}
		id := NormalizeEntityID(r.EntityName)
		if id == "" {
			continue
		}
		out = append(out, models.EntityDescriptor{
			EntityID:   id,
			EntityType: r.EntityType,
			EntityName: r.EntityName,
			Context:    r.Context,
			Confidence: r.Confidence,
		})
	}
	return out, nil
}

type rawMoment struct {
	Name           string   `json:"name"`
	MomentType     string   `json:"moment_type"`
	StartsAt       string   `json:"starts_at"`
	EndsAt         string   `json:"ends_at"`
	Location       string   `json:"location"`
	PresentPersons []string `json:"present_persons"`
	Speakers       []string `json:"speakers"`
}

// ExtractMoments prompts the LLM for spans of the input resource,
// validates each candidate against models.Moment.Validate (invariant:
// ends >= starts, speakers subset of present_persons) and collects any
// duration warnings rather than rejecting the moment for them.
func (e *LLMExtractor) ExtractMoments(ctx context.Context, content, tenantID string, resource *models.Resource) ([]*models.Moment, []string, error) {
	prompt := fmt.Sprintf(`Identify distinct temporal moments (meetings, conversations, decisions) within the following text, bounded by %s and %s. Return a JSON array of objects with name, moment_type, starts_at, ends_at (RFC3339), location, present_persons, and speakers.

Text:
%s

JSON:`, resource.ResourceTimestamp.Format("2006-01-02T15:04:05Z07:00"), resourceEnd(resource), content)

	resp, err := e.client.Complete(ctx, llm.Request{Prompt: prompt, Schema: MomentSchema})
	if err != nil {
		return nil, nil, fmt.Errorf("extract: moment completion: %w", err)
	}
	return ParseMomentsResponse(resp.Text, tenantID, resource)
}

// ParseMomentsResponse parses a raw LLM completion text (already expected
// to match MomentSchema) into validated Moments plus any duration
// warnings, discarding spans that fail validation. Factored out of
// ExtractMoments for the same reason as ParseEntitiesResponse above.
func ParseMomentsResponse(text, tenantID string, resource *models.Resource) ([]*models.Moment, []string, error) {
	var raw []rawMoment
	if err := json.Unmarshal([]byte(cleanJSON(text)), &raw); err != nil {
		return nil, nil, fmt.Errorf("extract: parse moments: %w", err)
	}

	var moments []*models.Moment
	var allWarnings []string
	for _, r := range raw {
		starts, err1 := parseTimeRFC3339(r.StartsAt)
		ends, err2 := parseTimeRFC3339(r.EndsAt)
		if err1 != nil || err2 != nil {
			continue
		}
		present := make(map[string]models.PersonDescriptor, len(r.PresentPersons))
		for _, p := range r.PresentPersons {
			present[NormalizeEntityID(p)] = models.PersonDescriptor{DisplayLabel: p}
		}
		speakers := make(map[string]models.PersonDescriptor, len(r.Speakers))
		for _, p := range r.Speakers {
			speakers[NormalizeEntityID(p)] = models.PersonDescriptor{DisplayLabel: p}
		}

		m := &models.Moment{
			Base:                  models.Base{TenantID: tenantID},
			Name:                  r.Name,
			MomentType:            models.MomentType(r.MomentType),
			ResourceTimestamp:     starts,
			ResourceEndsTimestamp: ends,
			Location:              r.Location,
			PresentPersons:        present,
			Speakers:              speakers,
		}
		warnings, err := m.Validate()
		if err != nil {
			continue // invalid span or speaker-not-present, discard silently
		}
		allWarnings = append(allWarnings, warnings...)
		moments = append(moments, m)
	}
	return moments, allWarnings, nil
}

func resourceEnd(r *models.Resource) string {
	if r.ResourceTimestamp.IsZero() {
		return ""
	}
	return r.ResourceTimestamp.Format("2006-01-02T15:04:05Z07:00")
}

// cleanJSON strips a markdown code fence the LLM may have wrapped its
// response in, mirroring the teacher's cleanJSONResponse helper.
func cleanJSON(response string) string {
	response = strings.TrimSpace(response)
	switch {
	case strings.HasPrefix(response, "```json"):
		response = strings.TrimPrefix(response, "```json")
	case strings.HasPrefix(response, "```"):
		response = strings.TrimPrefix(response, "```")
	}
	response = strings.TrimSuffix(response, "```")
	return strings.TrimSpace(response)
}
