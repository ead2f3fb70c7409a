package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is a single turn inside a Session's metadata-stored history. Long
// messages are compressed: Content becomes a REM LOOKUP placeholder and the
// full text is relocated to a KV sidecar entry (see Compress/Decompress).
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Compressed bool      `json:"_compressed,omitempty"`
	EntityKey  string    `json:"_entity_key,omitempty"`
	OriginalLen int      `json:"_original_length,omitempty"`
}

// CompressionThreshold is the message length (bytes) above which a message
// is compressed out of Session metadata and into the KV substrate.
const CompressionThreshold = 512

// SidecarKey returns the KV key for a session message's compressed body.
func SidecarKey(sessionID uuid.UUID, index int) string {
	return fmt.Sprintf("session-%s-msg-%d", sessionID.String(), index)
}

// Compress relocates Content into a REM LOOKUP placeholder if it exceeds
// CompressionThreshold, returning the original content so the caller can
// write it to the KV sidecar at SidecarKey(sessionID, index).
func (m *Message) Compress(sessionID uuid.UUID, index int) (sidecarValue string, didCompress bool) {
	if len(m.Content) <= CompressionThreshold || m.Compressed {
		return "", false
	}
	original := m.Content
	key := SidecarKey(sessionID, index)
	m.OriginalLen = len(original)
	m.EntityKey = key
	m.Compressed = true
	m.Content = "REM LOOKUP " + key
	return original, true
}

// Decompress restores Content from a previously fetched sidecar value. It is
// a no-op if the message was not compressed, and idempotent: calling it
// twice with the same value leaves the message unchanged.
func (m *Message) Decompress(sidecarValue string) {
	if !m.Compressed {
		return
	}
	m.Content = sidecarValue
}

// Session is a conversation thread.
type Session struct {
	Base

	ThreadID    string      `json:"thread_id" db:"thread_id"`
	UserID      string      `json:"userid" db:"userid"`
	Query       string      `json:"query" db:"query"`
	Agent       string      `json:"agent" db:"agent"`
	SessionType string      `json:"session_type" db:"session_type"`
	MomentID    *uuid.UUID  `json:"moment_id,omitempty" db:"moment_id"`
	GraphPaths  []GraphEdge `json:"graph_paths" db:"graph_paths"`
	Messages    []Message   `json:"messages" db:"-"` // stored inside Metadata["messages"]
}

func (s *Session) TableName() string { return "sessions" }

// GetBase exposes the embedded Base fields for code that is generic over
// every entity type (internal/tenantrepo).
func (s *Session) GetBase() *Base { return &s.Base }

// ToRow renders the Session into the generic column map storage.Provider
// consumes. Messages are owned by Session but not a column of their own
// (spec.md §3): they live inside Metadata["messages"].
func (s *Session) ToRow() map[string]interface{} {
	meta := make(map[string]interface{}, len(s.Metadata)+1)
	for k, v := range s.Metadata {
		meta[k] = v
	}
	meta["messages"] = s.Messages

	var momentID string
	if s.MomentID != nil {
		momentID = s.MomentID.String()
	}

	base := s.Base
	base.Metadata = meta
	return mergeRow(baseRow(base), map[string]interface{}{
		"thread_id":    s.ThreadID,
		"userid":       s.UserID,
		"query":        s.Query,
		"agent":        s.Agent,
		"session_type": s.SessionType,
		"moment_id":    momentID,
		"graph_paths":  s.GraphPaths,
	})
}

// FromRow populates the Session from a generic storage row, splitting
// Metadata["messages"] back out into Messages.
func (s *Session) FromRow(row map[string]interface{}) error {
	base, err := ParseBase(row)
	if err != nil {
		return err
	}
	s.Base = base
	s.ThreadID, _ = row["thread_id"].(string)
	s.UserID, _ = row["userid"].(string)
	s.Query, _ = row["query"].(string)
	s.Agent, _ = row["agent"].(string)
	s.SessionType, _ = row["session_type"].(string)
	if idStr, _ := row["moment_id"].(string); idStr != "" {
		if id, err := ParseID(idStr); err == nil {
			s.MomentID = &id
		}
	}
	if err := decodeJSONField(row["graph_paths"], &s.GraphPaths); err != nil {
		return fmt.Errorf("models: session graph_paths: %w", err)
	}
	if s.Metadata != nil {
		if raw, ok := s.Metadata["messages"]; ok {
			if err := decodeJSONField(raw, &s.Messages); err != nil {
				return fmt.Errorf("models: session messages: %w", err)
			}
			delete(s.Metadata, "messages")
		}
	}
	return nil
}
