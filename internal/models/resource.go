package models

import (
	"fmt"
	"time"
)

// Resource is the atom of the system: everything else is derived from or
// points at a Resource.
type Resource struct {
	Base

	Name               string              `json:"name" db:"name"`
	Category           string              `json:"category" db:"category"`
	Content            string              `json:"content" db:"content"`
	Summary            string              `json:"summary" db:"summary"`
	URI                string              `json:"uri" db:"uri"`
	ResourceType       string              `json:"resource_type" db:"resource_type"`
	ResourceTimestamp  time.Time           `json:"resource_timestamp" db:"resource_timestamp"`
	RelatedEntities    []EntityDescriptor  `json:"related_entities" db:"related_entities"`
	GraphPaths         []GraphEdge         `json:"graph_paths" db:"graph_paths"`
}

// TableName is the SQL table this entity lives in.
func (r *Resource) TableName() string { return "resources" }

// GetBase exposes the embedded Base fields for code that is generic over
// every entity type (internal/tenantrepo).
func (r *Resource) GetBase() *Base { return &r.Base }

// ToRow renders the Resource into the generic column map storage.Provider
// consumes. Time and JSON-kind values are passed through natively; the
// storage layer's encodeValue does the actual serialization per the
// registered ModelDescriptor.
func (r *Resource) ToRow() map[string]interface{} {
	return mergeRow(baseRow(r.Base), map[string]interface{}{
		"name":               r.Name,
		"category":           r.Category,
		"content":            r.Content,
		"summary":            r.Summary,
		"uri":                r.URI,
		"resource_type":      r.ResourceType,
		"resource_timestamp": r.ResourceTimestamp,
		"related_entities":   r.RelatedEntities,
		"graph_paths":        r.GraphPaths,
	})
}

// FromRow populates the Resource from a row previously returned by
// storage.Provider.Select/Upsert's caller-visible shape.
func (r *Resource) FromRow(row map[string]interface{}) error {
	base, err := ParseBase(row)
	if err != nil {
		return err
	}
	r.Base = base
	r.Name, _ = row["name"].(string)
	r.Category, _ = row["category"].(string)
	r.Content, _ = row["content"].(string)
	r.Summary, _ = row["summary"].(string)
	r.URI, _ = row["uri"].(string)
	r.ResourceType, _ = row["resource_type"].(string)
	if t, ok := parseTime(row["resource_timestamp"]); ok {
		r.ResourceTimestamp = t
	}
	if err := decodeJSONField(row["related_entities"], &r.RelatedEntities); err != nil {
		return fmt.Errorf("models: resource related_entities: %w", err)
	}
	if err := decodeJSONField(row["graph_paths"], &r.GraphPaths); err != nil {
		return fmt.Errorf("models: resource graph_paths: %w", err)
	}
	return nil
}
