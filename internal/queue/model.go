package queue

import (
	"errors"
	"fmt"
	"strings"
)

// EntityType enumerates the record kinds the sync engine routes.
type EntityType string

const (
	EntityTypeAssessment EntityType = "assessment"
	EntityTypeResponse   EntityType = "response"
	EntityTypeMedia      EntityType = "media"
	EntityTypeIncident   EntityType = "incident"
	EntityTypeEntity     EntityType = "entity"
)

// Operation enumerates supported remote mutations.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ItemStatus tracks an item through its sync lifecycle.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusActive     ItemStatus = "active"
	StatusSucceeded  ItemStatus = "succeeded"
	StatusFailed     ItemStatus = "failed"
	StatusRolledBack ItemStatus = "rolled_back"
)

var (
	// ErrInvalidEntityType indicates an unrecognized entity type.
	ErrInvalidEntityType = errors.New("queue: invalid entity type")
	// ErrInvalidOperation indicates an unrecognized operation.
	ErrInvalidOperation = errors.New("queue: invalid operation")
)

// ParseEntityType validates raw input against the known entity types.
func ParseEntityType(raw string) (EntityType, error) {
	switch EntityType(strings.ToLower(strings.TrimSpace(raw))) {
	case EntityTypeAssessment:
		return EntityTypeAssessment, nil
	case EntityTypeResponse:
		return EntityTypeResponse, nil
	case EntityTypeMedia:
		return EntityTypeMedia, nil
	case EntityTypeIncident:
		return EntityTypeIncident, nil
	case EntityTypeEntity:
		return EntityTypeEntity, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntityType, raw)
	}
}

// ParseOperation validates raw input against the known operations.
func ParseOperation(raw string) (Operation, error) {
	switch Operation(strings.ToLower(strings.TrimSpace(raw))) {
	case OperationCreate:
		return OperationCreate, nil
	case OperationUpdate:
		return OperationUpdate, nil
	case OperationDelete:
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, raw)
	}
}

// Item is one durable unit of pending sync work. Rows survive process
// restart; all mutation goes through Queue methods, never direct writes.
type Item struct {
	ID                   string     `gorm:"column:id;primaryKey;size:190;not null"`
	EntityType           EntityType `gorm:"column:entity_type;size:64;not null;index:idx_sync_items_entity"`
	EntityID             string     `gorm:"column:entity_id;size:190;not null"`
	Operation            Operation  `gorm:"column:op;size:32;not null"`
	PayloadJSON          string     `gorm:"column:payload_json;type:text;not null"`
	Priority             int        `gorm:"column:priority;not null;default:0;index:idx_sync_items_priority"`
	PriorityReason       string     `gorm:"column:priority_reason;type:text;not null;default:''"`
	RetryCount           int        `gorm:"column:retry_count;not null;default:0"`
	MaxRetries           int        `gorm:"column:max_retries;not null;default:3"`
	Status               ItemStatus `gorm:"column:status;size:32;not null;index:idx_sync_items_status"`
	NeedsReview          bool       `gorm:"column:needs_review;not null;default:false"`
	CreatedAtSeconds     int64      `gorm:"column:created_at_s;not null"`
	LastAttemptAtSeconds int64      `gorm:"column:last_attempt_at_s;not null;default:0"`
	NextRetryAtSeconds   int64      `gorm:"column:next_retry_at_s;not null;default:0"`
	LastError            string     `gorm:"column:last_error;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "sync_items"
}
