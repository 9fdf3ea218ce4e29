package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/reliefops/fieldsync/internal/queue"
)

// ScoringEnqueuer scores a mutation and inserts it into the sync queue.
// It satisfies optimistic.Enqueuer so every applied mutation enters the
// queue with a freshly computed priority.
type ScoringEnqueuer struct {
	Queue  *queue.Queue
	Scorer queue.Scorer
}

// EnqueueMutation assigns a priority and enqueues a sync item.
func (e *ScoringEnqueuer) EnqueueMutation(ctx context.Context, entityType, entityID, operation string, payload json.RawMessage) (string, error) {
	parsedType, err := queue.ParseEntityType(entityType)
	if err != nil {
		return "", err
	}
	parsedOp, err := queue.ParseOperation(operation)
	if err != nil {
		return "", err
	}
	score, reason := e.Scorer.Score(string(parsedType), payload)
	item, err := e.Queue.Enqueue(ctx, queue.EnqueueRequest{
		EntityType:     parsedType,
		EntityID:       entityID,
		Operation:      parsedOp,
		Payload:        payload,
		Priority:       score,
		PriorityReason: reason,
	})
	if err != nil {
		return "", err
	}
	return item.ID, nil
}

// CancelItem removes a superseded sync item from the queue.
func (e *ScoringEnqueuer) CancelItem(ctx context.Context, syncItemID string) error {
	return e.Queue.Cancel(ctx, syncItemID)
}

// ResolveItem settles a sync item whose remote call already succeeded,
// typically after a conflict override. A missing item is treated as
// already settled.
func (e *ScoringEnqueuer) ResolveItem(ctx context.Context, syncItemID string) error {
	_, _, err := e.Queue.MarkResult(ctx, syncItemID, queue.Outcome{Kind: queue.OutcomeSucceeded})
	if errors.Is(err, queue.ErrItemNotFound) {
		return nil
	}
	return err
}
