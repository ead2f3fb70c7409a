package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entity is the common surface every stored type exposes so the Tenant
// Repository can be written once, generically, instead of per-type (spec.md
// §9's "collapse decorator/inheritance base classes into plain records").
// ToRow/FromRow replace reflective struct-tag marshaling with an explicit,
// per-type mapping to and from the generic map shape storage.Provider
// speaks.
type Entity interface {
	GetBase() *Base
	TableName() string
	ToRow() map[string]interface{}
	FromRow(row map[string]interface{}) error
}

// ParseBase extracts the five fields every entity shares from a generic
// storage row. Rows with no "id" (a brand-new record not yet persisted)
// leave Base.ID at its zero value rather than erroring.
func ParseBase(row map[string]interface{}) (Base, error) {
	var b Base
	if idStr, _ := row["id"].(string); idStr != "" {
		id, err := ParseID(idStr)
		if err != nil {
			return b, fmt.Errorf("models: parse id %q: %w", idStr, err)
		}
		b.ID = id
	}
	b.TenantID, _ = row["tenant_id"].(string)
	if t, ok := parseTime(row["created_at"]); ok {
		b.CreatedAt = t
	}
	if t, ok := parseTime(row["updated_at"]); ok {
		b.UpdatedAt = t
	}
	if m, ok := row["metadata"].(map[string]interface{}); ok {
		b.Metadata = m
	}
	return b, nil
}

// parseTime reads a RFC3339Nano-formatted timestamp out of a generic row
// value. The storage layer hands timestamp columns back as strings (see
// internal/storage's decodeRow); ok is false for nil/empty/unparseable
// values so callers can leave the field at its zero value without erroring.
func parseTime(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// decodeJSONField converts a generic decoded-JSON value (already a
// map[string]interface{}/[]interface{} tree, per the storage layer's
// decodeRow) into a typed destination via a marshal/unmarshal round trip.
// This is JSON type coercion, not struct-tag reflection: the shape is
// already known at the call site.
func decodeJSONField(v interface{}, out interface{}) error {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		if s == "" {
			return nil
		}
		return json.Unmarshal([]byte(s), out)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("models: re-marshal json field: %w", err)
	}
	return json.Unmarshal(b, out)
}

func baseRow(b Base) map[string]interface{} {
	return map[string]interface{}{
		"id":         b.ID.String(),
		"tenant_id":  b.TenantID,
		"created_at": b.CreatedAt,
		"updated_at": b.UpdatedAt,
		"metadata":   b.Metadata,
	}
}

func mergeRow(dst map[string]interface{}, src map[string]interface{}) map[string]interface{} {
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
