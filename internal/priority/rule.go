package priority

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Operator enumerates supported condition comparisons.
type Operator string

const (
	OperatorEquals      Operator = "EQUALS"
	OperatorNotEquals   Operator = "NOT_EQUALS"
	OperatorGreaterThan Operator = "GREATER_THAN"
	OperatorLessThan    Operator = "LESS_THAN"
	OperatorContains    Operator = "CONTAINS"
)

var (
	// ErrInvalidRuleName indicates a rule name is empty.
	ErrInvalidRuleName = errors.New("priority: invalid rule name")
	// ErrInvalidConditions indicates the stored conditions cannot be decoded.
	ErrInvalidConditions = errors.New("priority: invalid rule conditions")
)

// Condition compares one payload field, addressed by dot path, against a
// fixed value. A missing field never matches and never errors.
type Condition struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value"`
}

// Rule adds its modifier to an item's score when every condition matches.
// Rules are authored by coordinators and read-only to the sync engine.
type Rule struct {
	RuleID         string `gorm:"column:rule_id;primaryKey;size:190;not null"`
	Name           string `gorm:"column:name;size:190;not null"`
	EntityType     string `gorm:"column:entity_type;size:64;not null;index:idx_priority_rules_entity"`
	ConditionsJSON string `gorm:"column:conditions_json;type:text;not null"`
	Modifier       int    `gorm:"column:modifier;not null;default:0"`
	Position       int    `gorm:"column:position;not null;default:0"`
	CreatedAtSeconds int64 `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Rule) TableName() string {
	return "priority_rules"
}

// Conditions decodes the stored condition list.
func (r Rule) Conditions() ([]Condition, error) {
	if strings.TrimSpace(r.ConditionsJSON) == "" {
		return nil, nil
	}
	var conditions []Condition
	if err := json.Unmarshal([]byte(r.ConditionsJSON), &conditions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConditions, err)
	}
	return conditions, nil
}

// NewRule validates inputs and encodes conditions for storage.
func NewRule(name, entityType string, conditions []Condition, modifier, position int) (Rule, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return Rule{}, fmt.Errorf("%w: empty", ErrInvalidRuleName)
	}
	encoded, err := json.Marshal(conditions)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidConditions, err)
	}
	return Rule{
		Name:           trimmed,
		EntityType:     strings.TrimSpace(entityType),
		ConditionsJSON: string(encoded),
		Modifier:       modifier,
		Position:       position,
	}, nil
}

// matches reports whether the condition holds against the payload view.
// Unknown paths and incomparable values evaluate as non-matching.
func (c Condition) matches(payload map[string]interface{}) bool {
	value, found := lookupPath(payload, c.Field)
	if !found {
		return false
	}
	switch c.Operator {
	case OperatorEquals:
		return valuesEqual(value, c.Value)
	case OperatorNotEquals:
		return !valuesEqual(value, c.Value)
	case OperatorGreaterThan:
		left, right, ok := numericPair(value, c.Value)
		return ok && left > right
	case OperatorLessThan:
		left, right, ok := numericPair(value, c.Value)
		return ok && left < right
	case OperatorContains:
		return containsValue(value, c.Value)
	default:
		return false
	}
}

// lookupPath walks a dot-separated path through nested JSON objects.
func lookupPath(payload map[string]interface{}, path string) (interface{}, bool) {
	if payload == nil || strings.TrimSpace(path) == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var current interface{} = payload
	for _, segment := range segments {
		object, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = object[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func valuesEqual(left, right interface{}) bool {
	if leftNum, rightNum, ok := numericPair(left, right); ok {
		return leftNum == rightNum
	}
	leftText, leftIsText := left.(string)
	rightText, rightIsText := right.(string)
	if leftIsText && rightIsText {
		return leftText == rightText
	}
	leftBool, leftIsBool := left.(bool)
	rightBool, rightIsBool := right.(bool)
	if leftIsBool && rightIsBool {
		return leftBool == rightBool
	}
	return false
}

func numericPair(left, right interface{}) (float64, float64, bool) {
	leftNum, leftOK := asNumber(left)
	rightNum, rightOK := asNumber(right)
	return leftNum, rightNum, leftOK && rightOK
}

func asNumber(value interface{}) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	default:
		return 0, false
	}
}

func containsValue(haystack, needle interface{}) bool {
	switch typed := haystack.(type) {
	case string:
		needleText, ok := needle.(string)
		return ok && strings.Contains(typed, needleText)
	case []interface{}:
		for _, element := range typed {
			if valuesEqual(element, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
