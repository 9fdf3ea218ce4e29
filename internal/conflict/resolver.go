package conflict

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// Type classifies a detected discrepancy between local and server state.
type Type string

const (
	TypeQuantityShortage Type = "QUANTITY_SHORTAGE"
	TypeTimingConflict   Type = "TIMING_CONFLICT"
	TypeFieldMismatch    Type = "FIELD_MISMATCH"
)

// Severity grades a conflict. HIGH blocks automatic confirmation.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Record is one detected conflict. Records are transient; callers attach
// them to the owning optimistic update when they block confirmation.
type Record struct {
	Type          Type     `json:"type"`
	Severity      Severity `json:"severity"`
	Field         string   `json:"field"`
	Description   string   `json:"description"`
	Suggestion    string   `json:"suggestion"`
	ConflictingID string   `json:"conflictingId,omitempty"`
}

// PendingAllocation is another not-yet-confirmed change for the same
// target, used for timing-collision checks.
type PendingAllocation struct {
	ID   string
	Date time.Time
}

const (
	defaultQuantityHighPct = 40.0
	defaultQuantityMedPct  = 10.0
	defaultTimingWindow    = 48 * time.Hour
)

// ResolverConfig carries the variance thresholds. Zero values take the
// defaults (40% high, 10% medium, 2-day timing window).
type ResolverConfig struct {
	QuantityHighPct float64
	QuantityMedPct  float64
	TimingWindow    time.Duration
}

// Resolver compares local optimistic state against server-confirmed state
// and classifies discrepancies. Detection is pure and never errors.
type Resolver struct {
	quantityHighPct float64
	quantityMedPct  float64
	timingWindow    time.Duration
}

// NewResolver constructs a resolver with the provided thresholds.
func NewResolver(cfg ResolverConfig) *Resolver {
	highPct := cfg.QuantityHighPct
	if highPct <= 0 {
		highPct = defaultQuantityHighPct
	}
	medPct := cfg.QuantityMedPct
	if medPct <= 0 {
		medPct = defaultQuantityMedPct
	}
	window := cfg.TimingWindow
	if window <= 0 {
		window = defaultTimingWindow
	}
	return &Resolver{
		quantityHighPct: highPct,
		quantityMedPct:  medPct,
		timingWindow:    window,
	}
}

// Detect compares the scalar fields shared by both snapshots. Numeric
// variance below the medium threshold auto-resolves silently and produces
// no record. Date fields are additionally checked against other pending
// allocations for the same target.
func (r *Resolver) Detect(local, server map[string]interface{}, others []PendingAllocation) []Record {
	if local == nil || server == nil {
		return nil
	}

	fields := make([]string, 0, len(local))
	for field := range local {
		if _, shared := server[field]; shared {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)

	var records []Record
	for _, field := range fields {
		localValue := local[field]
		serverValue := server[field]

		if localNum, serverNum, ok := numericPair(localValue, serverValue); ok {
			if record, found := r.quantityVariance(field, localNum, serverNum); found {
				records = append(records, record)
			}
			continue
		}

		if localDate, ok := asDate(localValue); ok {
			records = append(records, r.timingCollisions(field, localDate, others)...)
			continue
		}

		if !scalarEqual(localValue, serverValue) {
			records = append(records, Record{
				Type:        TypeFieldMismatch,
				Severity:    SeverityLow,
				Field:       field,
				Description: fmt.Sprintf("field %q differs between local and server state", field),
				Suggestion:  "server value is treated as authoritative",
			})
		}
	}
	return records
}

// Blocks reports whether any record requires explicit human override
// before the update may be confirmed.
func Blocks(records []Record) bool {
	for _, record := range records {
		if record.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

func (r *Resolver) quantityVariance(field string, local, server float64) (Record, bool) {
	if local == server {
		return Record{}, false
	}
	if local == 0 {
		// No planned quantity to measure against; treat as a plain
		// mismatch rather than a shortage.
		return Record{
			Type:        TypeFieldMismatch,
			Severity:    SeverityLow,
			Field:       field,
			Description: fmt.Sprintf("server reports %v for %q with no local planned value", server, field),
			Suggestion:  "server value is treated as authoritative",
		}, true
	}

	deltaPct := math.Abs(local-server) / math.Abs(local) * 100
	switch {
	case deltaPct >= r.quantityHighPct:
		return Record{
			Type:        TypeQuantityShortage,
			Severity:    SeverityHigh,
			Field:       field,
			Description: fmt.Sprintf("server reports %v against local %v for %q (%.0f%% variance)", server, local, field, deltaPct),
			Suggestion:  "verify stock and distribution records before confirming",
		}, true
	case deltaPct > r.quantityMedPct:
		return Record{
			Type:        TypeQuantityShortage,
			Severity:    SeverityMedium,
			Field:       field,
			Description: fmt.Sprintf("server reports %v against local %v for %q (%.0f%% variance)", server, local, field, deltaPct),
			Suggestion:  "server quantity accepted as authoritative",
		}, true
	default:
		// Small variance auto-resolves with no visible conflict.
		return Record{}, false
	}
}

func (r *Resolver) timingCollisions(field string, localDate time.Time, others []PendingAllocation) []Record {
	var records []Record
	for _, other := range others {
		if other.Date.IsZero() {
			continue
		}
		gap := localDate.Sub(other.Date)
		if gap < 0 {
			gap = -gap
		}
		if gap <= r.timingWindow {
			records = append(records, Record{
				Type:          TypeTimingConflict,
				Severity:      SeverityMedium,
				Field:         field,
				Description:   fmt.Sprintf("%q falls within %s of pending allocation %s", field, r.timingWindow, other.ID),
				Suggestion:    "stagger distributions or merge the allocations",
				ConflictingID: other.ID,
			})
		}
	}
	return records
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

// asDate recognizes RFC 3339 timestamps and plain dates.
func asDate(value interface{}) (time.Time, bool) {
	text, ok := value.(string)
	if !ok {
		return time.Time{}, false
	}
	if parsed, err := time.Parse(time.RFC3339, text); err == nil {
		return parsed, true
	}
	if parsed, err := time.Parse("2006-01-02", text); err == nil {
		return parsed, true
	}
	return time.Time{}, false
}

func scalarEqual(left, right interface{}) bool {
	switch typed := left.(type) {
	case string:
		other, ok := right.(string)
		return ok && typed == other
	case bool:
		other, ok := right.(bool)
		return ok && typed == other
	case nil:
		return right == nil
	default:
		// Nested objects and arrays are outside field-level comparison.
		return true
	}
}
