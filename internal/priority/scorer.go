package priority

import (
	"encoding/json"
	"fmt"
	"strings"
)

const defaultBaseScore = 10

// DefaultBaseScores returns the per-entity-type starting scores. Incident
// reports outrank assessments, media uploads trail everything else.
func DefaultBaseScores() map[string]int {
	return map[string]int{
		"assessment": 50,
		"response":   50,
		"incident":   60,
		"entity":     30,
		"media":      20,
	}
}

// Scorer evaluates the configured rule set against sync item payloads.
// Scoring is a pure function of (entity type, payload, rules): no clock,
// no randomness, so identical inputs always produce identical output.
type Scorer struct {
	baseScores map[string]int
	rules      []Rule
}

// ScorerConfig carries the rule set and optional base-score overrides.
type ScorerConfig struct {
	BaseScores map[string]int
	Rules      []Rule
}

// NewScorer constructs a scorer. Rules are evaluated in slice order,
// which callers load sorted by rule position.
func NewScorer(cfg ScorerConfig) *Scorer {
	baseScores := cfg.BaseScores
	if baseScores == nil {
		baseScores = DefaultBaseScores()
	}
	return &Scorer{
		baseScores: baseScores,
		rules:      cfg.Rules,
	}
}

// Score computes the priority for a payload of the given entity type and a
// human-readable trace of which rules fired. An undecodable payload scores
// at the base; scoring never fails.
func (s *Scorer) Score(entityType string, payload json.RawMessage) (int, string) {
	normalized := strings.ToLower(strings.TrimSpace(entityType))
	base, ok := s.baseScores[normalized]
	if !ok {
		base = defaultBaseScore
	}

	total := base
	reason := fmt.Sprintf("base(%s)=%d", normalized, base)

	view := payloadView(payload)
	for _, rule := range s.rules {
		if !strings.EqualFold(rule.EntityType, normalized) {
			continue
		}
		conditions, err := rule.Conditions()
		if err != nil {
			continue
		}
		if !allMatch(conditions, view) {
			continue
		}
		total += rule.Modifier
		reason += fmt.Sprintf("; rule %s(%+d)", rule.Name, rule.Modifier)
	}

	return total, reason
}

func allMatch(conditions []Condition, view map[string]interface{}) bool {
	if len(conditions) == 0 {
		return false
	}
	for _, condition := range conditions {
		if !condition.matches(view) {
			return false
		}
	}
	return true
}

func payloadView(payload json.RawMessage) map[string]interface{} {
	if len(payload) == 0 {
		return nil
	}
	var view map[string]interface{}
	if err := json.Unmarshal(payload, &view); err != nil {
		return nil
	}
	return view
}
