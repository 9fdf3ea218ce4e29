package priority

import (
	"encoding/json"
	"testing"
)

func TestScoreAppliesMatchingRuleModifier(t *testing.T) {
	rules := []Rule{
		mustRule(t, "health-first", "assessment", []Condition{
			{Field: "type", Operator: OperatorEquals, Value: "HEALTH"},
		}, 20, 0),
	}
	scorer := NewScorer(ScorerConfig{Rules: rules})

	health, healthReason := scorer.Score("assessment", json.RawMessage(`{"type":"HEALTH"}`))
	if health != 70 {
		t.Fatalf("expected health assessment score 70, got %d", health)
	}
	if healthReason != "base(assessment)=50; rule health-first(+20)" {
		t.Fatalf("unexpected reason %q", healthReason)
	}

	shelter, shelterReason := scorer.Score("assessment", json.RawMessage(`{"type":"SHELTER"}`))
	if shelter != 50 {
		t.Fatalf("expected shelter assessment score 50, got %d", shelter)
	}
	if shelterReason != "base(assessment)=50" {
		t.Fatalf("unexpected reason %q", shelterReason)
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	rules := []Rule{
		mustRule(t, "critical", "incident", []Condition{
			{Field: "severity", Operator: OperatorGreaterThan, Value: 3},
		}, 30, 0),
		mustRule(t, "displacement", "incident", []Condition{
			{Field: "details.displaced", Operator: OperatorGreaterThan, Value: 100},
		}, 15, 1),
	}
	scorer := NewScorer(ScorerConfig{Rules: rules})
	payload := json.RawMessage(`{"severity":5,"details":{"displaced":250}}`)

	firstScore, firstReason := scorer.Score("incident", payload)
	for i := 0; i < 10; i++ {
		score, reason := scorer.Score("incident", payload)
		if score != firstScore || reason != firstReason {
			t.Fatalf("scoring not deterministic: (%d,%q) vs (%d,%q)", firstScore, firstReason, score, reason)
		}
	}
	if firstScore != 60+30+15 {
		t.Fatalf("expected cumulative score 105, got %d", firstScore)
	}
}

func TestScoreUnknownFieldPathNeverMatches(t *testing.T) {
	rules := []Rule{
		mustRule(t, "missing-field", "response", []Condition{
			{Field: "does.not.exist", Operator: OperatorEquals, Value: "x"},
		}, 40, 0),
	}
	scorer := NewScorer(ScorerConfig{Rules: rules})

	score, reason := scorer.Score("response", json.RawMessage(`{"type":"FOOD"}`))
	if score != 50 {
		t.Fatalf("expected base score 50, got %d", score)
	}
	if reason != "base(response)=50" {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestScoreAllConditionsMustMatch(t *testing.T) {
	rules := []Rule{
		mustRule(t, "urgent-health", "assessment", []Condition{
			{Field: "type", Operator: OperatorEquals, Value: "HEALTH"},
			{Field: "urgency", Operator: OperatorGreaterThan, Value: 2},
		}, 25, 0),
	}
	scorer := NewScorer(ScorerConfig{Rules: rules})

	score, _ := scorer.Score("assessment", json.RawMessage(`{"type":"HEALTH","urgency":1}`))
	if score != 50 {
		t.Fatalf("expected partial match to add nothing, got %d", score)
	}

	score, _ = scorer.Score("assessment", json.RawMessage(`{"type":"HEALTH","urgency":3}`))
	if score != 75 {
		t.Fatalf("expected full match score 75, got %d", score)
	}
}

func TestScoreMalformedPayloadFallsBackToBase(t *testing.T) {
	scorer := NewScorer(ScorerConfig{Rules: []Rule{
		mustRule(t, "any", "media", []Condition{
			{Field: "kind", Operator: OperatorEquals, Value: "photo"},
		}, 10, 0),
	}})

	score, reason := scorer.Score("media", json.RawMessage(`not-json`))
	if score != 20 {
		t.Fatalf("expected media base score 20, got %d", score)
	}
	if reason != "base(media)=20" {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestConditionOperators(t *testing.T) {
	payload := map[string]interface{}{
		"status":   "in_progress",
		"count":    float64(12),
		"tags":     []interface{}{"water", "sanitation"},
		"verified": true,
	}

	tests := []struct {
		name      string
		condition Condition
		expected  bool
	}{
		{"equals-string", Condition{Field: "status", Operator: OperatorEquals, Value: "in_progress"}, true},
		{"equals-bool", Condition{Field: "verified", Operator: OperatorEquals, Value: true}, true},
		{"not-equals", Condition{Field: "status", Operator: OperatorNotEquals, Value: "done"}, true},
		{"greater-than-true", Condition{Field: "count", Operator: OperatorGreaterThan, Value: 10}, true},
		{"greater-than-false", Condition{Field: "count", Operator: OperatorGreaterThan, Value: 12}, false},
		{"less-than", Condition{Field: "count", Operator: OperatorLessThan, Value: 20}, true},
		{"contains-substring", Condition{Field: "status", Operator: OperatorContains, Value: "progress"}, true},
		{"contains-list-element", Condition{Field: "tags", Operator: OperatorContains, Value: "water"}, true},
		{"contains-missing-element", Condition{Field: "tags", Operator: OperatorContains, Value: "food"}, false},
		{"numeric-operator-on-string", Condition{Field: "status", Operator: OperatorGreaterThan, Value: 1}, false},
		{"unknown-operator", Condition{Field: "status", Operator: Operator("LIKE"), Value: "x"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.condition.matches(payload); got != tt.expected {
				t.Fatalf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestNewRuleRejectsEmptyName(t *testing.T) {
	if _, err := NewRule("  ", "assessment", nil, 5, 0); err == nil {
		t.Fatalf("expected error for empty rule name")
	}
}

func mustRule(t *testing.T, name, entityType string, conditions []Condition, modifier, position int) Rule {
	t.Helper()
	rule, err := NewRule(name, entityType, conditions, modifier, position)
	if err != nil {
		t.Fatalf("unexpected rule error: %v", err)
	}
	return rule
}
