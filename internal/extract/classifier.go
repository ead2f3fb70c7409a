package extract

import (
	"strings"
)

// Mode names what kind of extraction pending content needs, adapted from
// the teacher's models.AgentType keyword-routing concept but re-targeted
// at spec.md §4.8's Dreaming Worker decision ("does this tenant's pending
// content need entity extraction, moment generation, or both").
type Mode string

const (
	ModeEntities Mode = "entities"
	ModeMoments  Mode = "moments"
	ModeBoth     Mode = "both"
	ModeNone     Mode = "none"
)

// ModeClassification is one scored verdict, mirroring the teacher's
// Classification{AgentType, Confidence, Reasoning}.
type ModeClassification struct {
	Mode       Mode
	Confidence float64
	Reasoning  string
}

// ModeClassifier decides which extraction mode(s) a piece of content
// warrants by keyword matching, adapted from the teacher's
// internal/agent.RuleBasedClassifier so the Dreaming Worker can skip an
// LLM call entirely when neither keyword set fires.
type ModeClassifier struct {
	entityKeywords []string
	momentKeywords []string
}

// NewModeClassifier constructs a ModeClassifier with spec-appropriate
// default keyword sets: entity-bearing content mentions named things,
// moment-bearing content describes events with a temporal span.
func NewModeClassifier() *ModeClassifier {
	return &ModeClassifier{
		entityKeywords: []string{
			"project", "team", "company", "organization", "client",
			"person", "people", "contact", "partner", "vendor",
			"location", "office", "building", "city", "country",
		},
		momentKeywords: []string{
			"meeting", "call", "discussed", "conversation", "decided",
			"agreed", "planned", "reviewed", "presented", "scheduled",
			"today", "yesterday", "this morning", "this afternoon",
		},
	}
}

// Classify scores content against both keyword sets and returns the
// extraction mode the Dreaming Worker should run, with a confidence and a
// human-readable reason (mirroring the teacher's keyword-match-count
// scoring: matches / total words, plus a per-match bonus, capped at 1.0).
func (c *ModeClassifier) Classify(content string) ModeClassification {
	lower := strings.ToLower(content)
	words := strings.Fields(lower)
	if len(words) == 0 {
		return ModeClassification{Mode: ModeNone, Confidence: 0, Reasoning: "empty content"}
	}

	entityScore, entityHits := score(words, c.entityKeywords)
	momentScore, momentHits := score(words, c.momentKeywords)

	switch {
	case entityScore > 0 && momentScore > 0:
		conf := (entityScore + momentScore) / 2
		return ModeClassification{Mode: ModeBoth, Confidence: conf,
			Reasoning: "matched entity keywords: " + strings.Join(entityHits, ", ") +
				"; matched moment keywords: " + strings.Join(momentHits, ", ")}
	case entityScore > 0:
		return ModeClassification{Mode: ModeEntities, Confidence: entityScore,
			Reasoning: "matched entity keywords: " + strings.Join(entityHits, ", ")}
	case momentScore > 0:
		return ModeClassification{Mode: ModeMoments, Confidence: momentScore,
			Reasoning: "matched moment keywords: " + strings.Join(momentHits, ", ")}
	default:
		return ModeClassification{Mode: ModeNone, Confidence: 0, Reasoning: "no keyword matches"}
	}
}

func score(words, keywords []string) (float64, []string) {
	matchCount := 0
	var hits []string
	for _, kw := range keywords {
		for _, w := range words {
			if strings.Contains(w, kw) || strings.Contains(kw, w) {
				matchCount++
				hits = append(hits, kw)
				break
			}
		}
	}
	if matchCount == 0 {
		return 0, nil
	}
	s := float64(matchCount)/float64(len(words)) + float64(matchCount)*0.1
	if s > 1.0 {
		s = 1.0
	}
	return s, hits
}
