package models

import (
	"fmt"
	"time"
)

// MomentType enumerates the kinds of temporal event a Moment can represent.
type MomentType string

const (
	MomentTypeMeeting      MomentType = "meeting"
	MomentTypeConversation MomentType = "conversation"
	MomentTypeReflection   MomentType = "reflection"
	MomentTypePlanning     MomentType = "planning"
	MomentTypeObservation  MomentType = "observation"
)

// PersonDescriptor is the value half of a PresentPersons / Speakers map.
type PersonDescriptor struct {
	DisplayLabel string  `json:"display_label"`
	SpeakingTime float64 `json:"speaking_time,omitempty"` // seconds, Speakers only
}

// Moment is a temporal event derived from one or more Resources.
type Moment struct {
	Base

	Name                   string                      `json:"name" db:"name"`
	MomentType             MomentType                  `json:"moment_type" db:"moment_type"`
	ResourceTimestamp      time.Time                   `json:"resource_timestamp" db:"resource_timestamp"`
	ResourceEndsTimestamp  time.Time                   `json:"resource_ends_timestamp" db:"resource_ends_timestamp"`
	EmotionTags            []string                    `json:"emotion_tags" db:"emotion_tags"`
	TopicTags              []string                    `json:"topic_tags" db:"topic_tags"`
	PresentPersons         map[string]PersonDescriptor `json:"present_persons" db:"present_persons"`
	Speakers               map[string]PersonDescriptor `json:"speakers" db:"speakers"`
	Location               string                      `json:"location" db:"location"`
	GraphPaths             []GraphEdge                 `json:"graph_paths" db:"graph_paths"`
}

func (m *Moment) TableName() string { return "moments" }

// GetBase exposes the embedded Base fields for code that is generic over
// every entity type (internal/tenantrepo).
func (m *Moment) GetBase() *Base { return &m.Base }

// ToRow renders the Moment into the generic column map storage.Provider
// consumes.
func (m *Moment) ToRow() map[string]interface{} {
	return mergeRow(baseRow(m.Base), map[string]interface{}{
		"name":                    m.Name,
		"moment_type":             string(m.MomentType),
		"resource_timestamp":      m.ResourceTimestamp,
		"resource_ends_timestamp": m.ResourceEndsTimestamp,
		"emotion_tags":            m.EmotionTags,
		"topic_tags":              m.TopicTags,
		"present_persons":         m.PresentPersons,
		"speakers":                m.Speakers,
		"location":                m.Location,
		"graph_paths":             m.GraphPaths,
	})
}

// FromRow populates the Moment from a generic storage row.
func (m *Moment) FromRow(row map[string]interface{}) error {
	base, err := ParseBase(row)
	if err != nil {
		return err
	}
	m.Base = base
	m.Name, _ = row["name"].(string)
	if mt, _ := row["moment_type"].(string); mt != "" {
		m.MomentType = MomentType(mt)
	}
	if t, ok := parseTime(row["resource_timestamp"]); ok {
		m.ResourceTimestamp = t
	}
	if t, ok := parseTime(row["resource_ends_timestamp"]); ok {
		m.ResourceEndsTimestamp = t
	}
	m.Location, _ = row["location"].(string)
	if err := decodeJSONField(row["emotion_tags"], &m.EmotionTags); err != nil {
		return fmt.Errorf("models: moment emotion_tags: %w", err)
	}
	if err := decodeJSONField(row["topic_tags"], &m.TopicTags); err != nil {
		return fmt.Errorf("models: moment topic_tags: %w", err)
	}
	if err := decodeJSONField(row["present_persons"], &m.PresentPersons); err != nil {
		return fmt.Errorf("models: moment present_persons: %w", err)
	}
	if err := decodeJSONField(row["speakers"], &m.Speakers); err != nil {
		return fmt.Errorf("models: moment speakers: %w", err)
	}
	if err := decodeJSONField(row["graph_paths"], &m.GraphPaths); err != nil {
		return fmt.Errorf("models: moment graph_paths: %w", err)
	}
	return nil
}

// Duration reports the moment's span.
func (m *Moment) Duration() time.Duration {
	return m.ResourceEndsTimestamp.Sub(m.ResourceTimestamp)
}

// Validate enforces invariant (d) and (e) from spec.md §3, returning
// warnings (not errors) for out-of-band durations per §4.6.
func (m *Moment) Validate() (warnings []string, err error) {
	if m.ResourceEndsTimestamp.Before(m.ResourceTimestamp) {
		return nil, ErrInvalidMomentSpan
	}
	for key := range m.Speakers {
		if _, ok := m.PresentPersons[key]; !ok {
			return nil, ErrSpeakerNotPresent
		}
	}
	d := m.Duration()
	if d < time.Minute {
		warnings = append(warnings, "moment duration shorter than 1 minute")
	}
	if d > 8*time.Hour {
		warnings = append(warnings, "moment duration longer than 8 hours")
	}
	return warnings, nil
}
