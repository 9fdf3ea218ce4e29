package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultBatchSize  = 5
	defaultMaxRetries = 3

	manualOverridePrefix = "manual override by "

	defaultBackoffBase = 30 * time.Second
	defaultBackoffCap  = time.Hour
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrItemNotFound indicates the referenced sync item does not exist.
	ErrItemNotFound = errors.New("queue: sync item not found")
	// ErrJustificationRequired rejects a manual override without audit text.
	ErrJustificationRequired = errors.New("queue: manual override requires a justification")
)

// IDProvider issues identifiers for new sync items.
type IDProvider interface {
	NewID() (string, error)
}

// Scorer assigns a priority and trace to a payload. Satisfied by
// priority.Scorer.
type Scorer interface {
	Score(entityType string, payload json.RawMessage) (int, string)
}

// OutcomeKind classifies the result of one sync attempt.
type OutcomeKind string

const (
	// OutcomeSucceeded removes the item from the queue.
	OutcomeSucceeded OutcomeKind = "succeeded"
	// OutcomeRetryable counts a retry and schedules backoff.
	OutcomeRetryable OutcomeKind = "retryable"
	// OutcomeTerminal fails the item immediately (payload rejected).
	OutcomeTerminal OutcomeKind = "terminal"
	// OutcomeConflict parks the item for human review, still pending.
	OutcomeConflict OutcomeKind = "conflict"
)

// Outcome is the result passed to MarkResult after an attempt.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// EnqueueRequest describes a new unit of pending sync work.
type EnqueueRequest struct {
	EntityType     EntityType
	EntityID       string
	Operation      Operation
	Payload        json.RawMessage
	Priority       int
	PriorityReason string
	MaxRetries     int
}

// BatchFilter narrows automatic batch selection.
type BatchFilter struct {
	MinPriority *int
	EntityType  EntityType
}

// Config wires the queue's dependencies.
type Config struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	Logger      *zap.Logger
	BatchSize   int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Queue is the ordered, durable collection of pending sync items.
type Queue struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  IDProvider
	logger      *zap.Logger
	batchSize   int
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// New constructs a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	backoffCap := cfg.BackoffCap
	if backoffCap <= 0 {
		backoffCap = defaultBackoffCap
	}
	return &Queue{
		db:          cfg.Database,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		logger:      logger,
		batchSize:   batchSize,
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}, nil
}

// Enqueue inserts a new pending item.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (Item, error) {
	id, err := q.idProvider.NewID()
	if err != nil {
		return Item{}, err
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}
	now := q.clock().UTC().Unix()
	item := Item{
		ID:                 id,
		EntityType:         req.EntityType,
		EntityID:           req.EntityID,
		Operation:          req.Operation,
		PayloadJSON:        string(req.Payload),
		Priority:           req.Priority,
		PriorityReason:     req.PriorityReason,
		MaxRetries:         maxRetries,
		Status:             StatusPending,
		CreatedAtSeconds:   now,
		NextRetryAtSeconds: now,
	}
	if err := q.db.WithContext(ctx).Create(&item).Error; err != nil {
		return Item{}, err
	}
	q.logger.Debug("sync item enqueued",
		zap.String("item_id", item.ID),
		zap.String("entity_type", string(item.EntityType)),
		zap.Int("priority", item.Priority))
	return item, nil
}

// Cancel removes a pending item, typically because its optimistic update
// was superseded. Cancelling an unknown item is a no-op.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	return q.db.WithContext(ctx).
		Where("id = ? AND status IN ?", id, []ItemStatus{StatusPending, StatusActive}).
		Delete(&Item{}).Error
}

// NextBatch returns up to n eligible items ordered by priority descending,
// then creation time ascending. Items are not removed; removal happens
// only through MarkResult, so a crash mid-batch leaves them pending.
func (q *Queue) NextBatch(ctx context.Context, n int, filter BatchFilter) ([]Item, error) {
	if n <= 0 {
		n = q.batchSize
	}
	now := q.clock().UTC().Unix()
	query := q.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Where("needs_review = ?", false).
		Where("next_retry_at_s <= ?", now)
	if filter.MinPriority != nil {
		query = query.Where("priority >= ?", *filter.MinPriority)
	}
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType)
	}
	var items []Item
	if err := query.
		Order("priority DESC").
		Order("created_at_s ASC").
		Order("id ASC").
		Limit(n).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// CountEligible reports how many items a full drain would attempt now.
func (q *Queue) CountEligible(ctx context.Context, filter BatchFilter) (int64, error) {
	now := q.clock().UTC().Unix()
	query := q.db.WithContext(ctx).Model(&Item{}).
		Where("status = ?", StatusPending).
		Where("needs_review = ?", false).
		Where("next_retry_at_s <= ?", now)
	if filter.MinPriority != nil {
		query = query.Where("priority >= ?", *filter.MinPriority)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// MarkAttempt flags the item active and stamps the attempt time.
func (q *Queue) MarkAttempt(ctx context.Context, id string) error {
	now := q.clock().UTC().Unix()
	result := q.db.WithContext(ctx).Model(&Item{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":            StatusActive,
			"last_attempt_at_s": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return nil
}

// MarkResult records the outcome of an attempt. Succeeded items are
// removed. Retryable failures count against maxRetries with exponential
// backoff; once exceeded the item fails terminally and the second return
// value is true. Conflicted items stay pending but parked for review.
func (q *Queue) MarkResult(ctx context.Context, id string, outcome Outcome) (Item, bool, error) {
	var item Item
	exhausted := false

	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Take(&item).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrItemNotFound, id)
			}
			return err
		}

		now := q.clock().UTC()
		switch outcome.Kind {
		case OutcomeSucceeded:
			item.Status = StatusSucceeded
			return tx.Delete(&Item{}, "id = ?", id).Error

		case OutcomeTerminal:
			item.Status = StatusFailed
			item.LastError = errorText(outcome.Err)
			return tx.Save(&item).Error

		case OutcomeConflict:
			item.Status = StatusPending
			item.NeedsReview = true
			item.LastError = errorText(outcome.Err)
			return tx.Save(&item).Error

		case OutcomeRetryable:
			item.LastError = errorText(outcome.Err)
			item.RetryCount++
			if item.RetryCount > item.MaxRetries {
				item.RetryCount = item.MaxRetries
				item.Status = StatusFailed
				exhausted = true
				return tx.Save(&item).Error
			}
			item.Status = StatusPending
			item.NextRetryAtSeconds = now.Add(q.backoff(item.RetryCount)).Unix()
			return tx.Save(&item).Error

		default:
			return fmt.Errorf("queue: unknown outcome kind %q", outcome.Kind)
		}
	})
	if txErr != nil {
		return Item{}, false, txErr
	}

	if exhausted {
		q.logger.Warn("sync item exhausted retries",
			zap.String("item_id", item.ID),
			zap.Int("max_retries", item.MaxRetries),
			zap.String("last_error", item.LastError))
	}
	return item, exhausted, nil
}

// ApplyManualOverride sets the priority directly and stamps an audit note.
// The justification is mandatory.
func (q *Queue) ApplyManualOverride(ctx context.Context, id string, newPriority int, actor, justification string) (Item, error) {
	if strings.TrimSpace(justification) == "" {
		return Item{}, ErrJustificationRequired
	}

	var item Item
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Take(&item).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrItemNotFound, id)
			}
			return err
		}
		item.Priority = newPriority
		item.PriorityReason = appendReason(item.PriorityReason,
			fmt.Sprintf("%s%s: %s", manualOverridePrefix, actor, strings.TrimSpace(justification)))
		item.NeedsReview = false
		return tx.Save(&item).Error
	})
	if txErr != nil {
		return Item{}, txErr
	}

	q.logger.Info("manual priority override",
		zap.String("item_id", item.ID),
		zap.Int("priority", newPriority),
		zap.String("actor", actor))
	return item, nil
}

// Retry resets a failed item for another round of automatic attempts.
func (q *Queue) Retry(ctx context.Context, id string) (Item, error) {
	var item Item
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Take(&item).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrItemNotFound, id)
			}
			return err
		}
		item.Status = StatusPending
		item.RetryCount = 0
		item.NeedsReview = false
		item.LastError = ""
		item.NextRetryAtSeconds = q.clock().UTC().Unix()
		return tx.Save(&item).Error
	})
	if txErr != nil {
		return Item{}, txErr
	}
	return item, nil
}

// Discard removes an item regardless of status.
func (q *Queue) Discard(ctx context.Context, id string) error {
	result := q.db.WithContext(ctx).Delete(&Item{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return nil
}

// Item returns a single item by identifier.
func (q *Queue) Item(ctx context.Context, id string) (Item, error) {
	var item Item
	if err := q.db.WithContext(ctx).Where("id = ?", id).Take(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
		return Item{}, err
	}
	return item, nil
}

// Items lists items by status in batch order. Failed items remain
// queryable here for manual retry or discard.
func (q *Queue) Items(ctx context.Context, status ItemStatus) ([]Item, error) {
	var items []Item
	if err := q.db.WithContext(ctx).
		Where("status = ?", status).
		Order("priority DESC").
		Order("created_at_s ASC").
		Order("id ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// Stats aggregates queue contents by status.
type Stats struct {
	Pending     int64 `json:"pending"`
	Failed      int64 `json:"failed"`
	NeedsReview int64 `json:"needsReview"`
}

// Stats returns current queue counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := q.db.WithContext(ctx).Model(&Item{}).Where("status = ?", StatusPending).Count(&stats.Pending).Error; err != nil {
		return Stats{}, err
	}
	if err := q.db.WithContext(ctx).Model(&Item{}).Where("status = ?", StatusFailed).Count(&stats.Failed).Error; err != nil {
		return Stats{}, err
	}
	if err := q.db.WithContext(ctx).Model(&Item{}).Where("needs_review = ?", true).Count(&stats.NeedsReview).Error; err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// RescorePending re-runs the scorer over every pending item. Rule-set
// changes take effect here, on the next scoring pass, never retroactively.
func (q *Queue) RescorePending(ctx context.Context, scorer Scorer) (int, error) {
	items, err := q.Items(ctx, StatusPending)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, item := range items {
		// Manually overridden priorities carry an audit note and are not
		// clobbered by rule-set changes.
		if strings.Contains(item.PriorityReason, manualOverridePrefix) {
			continue
		}
		score, reason := scorer.Score(string(item.EntityType), json.RawMessage(item.PayloadJSON))
		if score == item.Priority && reason == item.PriorityReason {
			continue
		}
		if err := q.db.WithContext(ctx).Model(&Item{}).
			Where("id = ?", item.ID).
			Updates(map[string]interface{}{
				"priority":        score,
				"priority_reason": reason,
			}).Error; err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// backoff doubles per retry from the configured base, capped.
func (q *Queue) backoff(retryCount int) time.Duration {
	backoff := q.backoffBase << uint(retryCount-1)
	if backoff > q.backoffCap || backoff <= 0 {
		backoff = q.backoffCap
	}
	return backoff
}

func appendReason(existing, note string) string {
	if strings.TrimSpace(existing) == "" {
		return note
	}
	return existing + "; " + note
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
