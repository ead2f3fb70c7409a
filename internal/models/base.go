// Package models defines the canonical data model shared by every core
// component: resources, moments, sessions, images, embedding records, KV
// entries and jobs. Every entity embeds Base, which carries the
// tenant-isolation key.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Base fields live on every stored entity. TenantID is mandatory and is the
// isolation key enforced by every read and write in this repository.
type Base struct {
	ID        uuid.UUID              `json:"id" db:"id"`
	TenantID  string                 `json:"tenant_id" db:"tenant_id"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt time.Time              `json:"updated_at" db:"updated_at"`
	Metadata  map[string]interface{} `json:"metadata" db:"metadata"`
}

// NewID generates an opaque 128-bit entity identifier.
func NewID() uuid.UUID {
	return uuid.New()
}

// ParseID parses a previously generated identifier back from its string form.
func ParseID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// GraphEdge is a directed, typed reference from the owning entity to
// another entity. Edges live inside the source entity's GraphPaths field,
// never in a separate edge table — see invariant (c) and the GLOSSARY.
type GraphEdge struct {
	Dst        string                 `json:"dst"`
	RelType    string                 `json:"rel_type"`
	Weight     float64                `json:"weight"`
	CreatedAt  time.Time              `json:"created_at"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// EntityDescriptor is an item in a Resource's RelatedEntities list —
// the normalized output of the entity extractor (§4.6).
type EntityDescriptor struct {
	EntityID   string  `json:"entity_id"`
	EntityType string  `json:"entity_type"`
	EntityName string  `json:"entity_name"`
	Context    string  `json:"context"`
	Confidence float64 `json:"confidence"`
}

const (
	EntityTypePerson       = "Person"
	EntityTypeOrganization = "Organization"
	EntityTypeProject      = "Project"
	EntityTypeConcept      = "Concept"
	EntityTypeLocation     = "Location"
)
