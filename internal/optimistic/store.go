package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/reliefops/fieldsync/internal/conflict"
)

// UpdateStatus tracks a locally-applied change through confirmation.
type UpdateStatus string

const (
	StatusPending    UpdateStatus = "pending"
	StatusConfirmed  UpdateStatus = "confirmed"
	StatusFailed     UpdateStatus = "failed"
	StatusRolledBack UpdateStatus = "rolled_back"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingEnqueuer   = errors.New("enqueuer is required")
	noOpLogger           = zap.NewNop()

	// ErrUpdateNotFound indicates the referenced update does not exist.
	ErrUpdateNotFound = errors.New("optimistic: update not found")
	// ErrJustificationRequired rejects a conflict override without audit text.
	ErrJustificationRequired = errors.New("optimistic: conflict override requires a justification")
	// ErrNotReviewable indicates the update has no attached conflicts to act on.
	ErrNotReviewable = errors.New("optimistic: update has no conflicts awaiting review")

	// errDuplicatePending marks an insert that lost the race to a
	// concurrent pending update for the same entity.
	errDuplicatePending = errors.New("optimistic: pending update already exists for entity")
)

// Update bridges a UI-visible change to its server confirmation state.
// LocalSnapshotJSON is what the user sees; ServerSnapshotJSON is the last
// known authoritative state, empty until first confirmation.
type Update struct {
	ID                 string       `gorm:"column:id;primaryKey;size:190;not null"`
	EntityType         string       `gorm:"column:entity_type;size:64;not null;index:idx_optimistic_entity,priority:1;index:ux_optimistic_pending,unique,where:status = 'pending',priority:1"`
	EntityID           string       `gorm:"column:entity_id;size:190;not null;index:idx_optimistic_entity,priority:2;index:ux_optimistic_pending,unique,where:status = 'pending',priority:2"`
	Operation          string       `gorm:"column:op;size:32;not null"`
	LocalSnapshotJSON  string       `gorm:"column:local_snapshot_json;type:text;not null"`
	ServerSnapshotJSON string       `gorm:"column:server_snapshot_json;type:text;not null;default:''"`
	Status             UpdateStatus `gorm:"column:status;size:32;not null;index:idx_optimistic_status"`
	LastError          string       `gorm:"column:last_error;type:text;not null;default:''"`
	SyncItemID         string       `gorm:"column:sync_item_id;size:190;not null;index:idx_optimistic_sync_item"`
	ConflictsJSON      string       `gorm:"column:conflicts_json;type:text;not null;default:''"`
	ResolutionNote     string       `gorm:"column:resolution_note;type:text;not null;default:''"`
	CreatedAtSeconds   int64        `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds   int64        `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Update) TableName() string {
	return "optimistic_updates"
}

// Conflicts decodes the attached conflict records, if any.
func (u Update) Conflicts() ([]conflict.Record, error) {
	if strings.TrimSpace(u.ConflictsJSON) == "" {
		return nil, nil
	}
	var records []conflict.Record
	if err := json.Unmarshal([]byte(u.ConflictsJSON), &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Enqueuer manages the sync items that carry optimistic updates to the
// remote service. Satisfied by the engine's scoring enqueuer wrapping
// the sync queue. ResolveItem settles an item whose remote call already
// succeeded, such as a conflict-gated item accepted on override.
type Enqueuer interface {
	EnqueueMutation(ctx context.Context, entityType, entityID, operation string, payload json.RawMessage) (string, error)
	CancelItem(ctx context.Context, syncItemID string) error
	ResolveItem(ctx context.Context, syncItemID string) error
}

// IDProvider issues identifiers for new updates.
type IDProvider interface {
	NewID() (string, error)
}

// Mutation is one user-initiated change applied locally before the server
// confirms it.
type Mutation struct {
	EntityType string
	EntityID   string
	Operation  string
	Payload    json.RawMessage
}

// Stats aggregates updates by status.
type Stats struct {
	Pending    int64 `json:"pending"`
	Confirmed  int64 `json:"confirmed"`
	Failed     int64 `json:"failed"`
	RolledBack int64 `json:"rolledBack"`
}

// StoreConfig wires the store's dependencies.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Enqueuer   Enqueuer
	Logger     *zap.Logger
}

// Store owns the apply/confirm/fail/rollback lifecycle of optimistic
// updates. At most one pending update exists per (entityType, entityID);
// a second mutation supersedes the first instead of racing it.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	enqueuer   Enqueuer
	logger     *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	if cfg.Enqueuer == nil {
		return nil, errMissingEnqueuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		enqueuer:   cfg.Enqueuer,
		logger:     logger,
	}, nil
}

// Apply records a mutation locally and enqueues the sync work for it.
// If a pending update already exists for the entity, it is superseded:
// its local snapshot is replaced and its old sync item cancelled.
func (s *Store) Apply(ctx context.Context, mutation Mutation) (Update, error) {
	update, err := s.apply(ctx, mutation)
	if errors.Is(err, errDuplicatePending) {
		// Lost the insert race to a concurrent mutation for the same
		// entity; the winner's row is pending now and gets superseded.
		update, err = s.apply(ctx, mutation)
	}
	return update, err
}

func (s *Store) apply(ctx context.Context, mutation Mutation) (Update, error) {
	now := s.clock().UTC().Unix()

	var existing Update
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND status = ?",
			mutation.EntityType, mutation.EntityID, StatusPending).
		Take(&existing).Error
	switch {
	case err == nil:
		return s.supersede(ctx, existing, mutation, now)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.createUpdate(ctx, mutation, now)
	default:
		return Update{}, err
	}
}

func (s *Store) createUpdate(ctx context.Context, mutation Mutation, now int64) (Update, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return Update{}, err
	}
	syncItemID, err := s.enqueuer.EnqueueMutation(ctx, mutation.EntityType, mutation.EntityID, mutation.Operation, mutation.Payload)
	if err != nil {
		return Update{}, err
	}
	update := Update{
		ID:                id,
		EntityType:        mutation.EntityType,
		EntityID:          mutation.EntityID,
		Operation:         mutation.Operation,
		LocalSnapshotJSON: string(mutation.Payload),
		Status:            StatusPending,
		SyncItemID:        syncItemID,
		CreatedAtSeconds:  now,
		UpdatedAtSeconds:  now,
	}
	// The lookup is re-run inside the transaction so a concurrent Apply
	// for the same entity cannot slip a second pending row in between
	// the dispatch check and this insert. The partial unique index on
	// pending rows backstops drivers with weaker isolation.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Update
		lookupErr := tx.
			Where("entity_type = ? AND entity_id = ? AND status = ?",
				mutation.EntityType, mutation.EntityID, StatusPending).
			Take(&existing).Error
		if lookupErr == nil {
			return errDuplicatePending
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return lookupErr
		}
		return tx.Create(&update).Error
	})
	if err != nil {
		if cancelErr := s.enqueuer.CancelItem(ctx, syncItemID); cancelErr != nil {
			s.logger.Warn("failed to cancel sync item for unapplied update",
				zap.String("sync_item_id", syncItemID),
				zap.Error(cancelErr))
		}
		if isDuplicatePending(err) {
			return Update{}, errDuplicatePending
		}
		return Update{}, err
	}
	return update, nil
}

func isDuplicatePending(err error) bool {
	if errors.Is(err, errDuplicatePending) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) supersede(ctx context.Context, existing Update, mutation Mutation, now int64) (Update, error) {
	if err := s.enqueuer.CancelItem(ctx, existing.SyncItemID); err != nil {
		return Update{}, err
	}
	syncItemID, err := s.enqueuer.EnqueueMutation(ctx, mutation.EntityType, mutation.EntityID, mutation.Operation, mutation.Payload)
	if err != nil {
		return Update{}, err
	}
	existing.LocalSnapshotJSON = string(mutation.Payload)
	existing.Operation = mutation.Operation
	existing.SyncItemID = syncItemID
	existing.UpdatedAtSeconds = now
	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return Update{}, err
	}
	s.logger.Debug("optimistic update superseded",
		zap.String("update_id", existing.ID),
		zap.String("entity_id", existing.EntityID),
		zap.String("sync_item_id", syncItemID))
	return existing, nil
}

// Confirm records server acknowledgement and stores the authoritative
// snapshot. Attached conflicts are cleared.
func (s *Store) Confirm(ctx context.Context, id string, serverSnapshot json.RawMessage) error {
	update, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	update.Status = StatusConfirmed
	update.ServerSnapshotJSON = string(serverSnapshot)
	update.ConflictsJSON = ""
	update.LastError = ""
	update.UpdatedAtSeconds = s.clock().UTC().Unix()
	return s.db.WithContext(ctx).Save(&update).Error
}

// Fail marks the update unrecoverable. The change stays visible in the
// failed list until the user retries or rolls it back.
func (s *Store) Fail(ctx context.Context, id string, cause error) error {
	update, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	update.Status = StatusFailed
	if cause != nil {
		update.LastError = cause.Error()
	}
	update.UpdatedAtSeconds = s.clock().UTC().Unix()
	return s.db.WithContext(ctx).Save(&update).Error
}

// Rollback restores the local view to the last server snapshot, or clears
// it entirely for a never-confirmed create. Rolling back twice is a no-op.
func (s *Store) Rollback(ctx context.Context, id string) error {
	update, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if update.Status == StatusRolledBack {
		return nil
	}
	if update.Status == StatusPending || update.Status == StatusFailed {
		if err := s.enqueuer.CancelItem(ctx, update.SyncItemID); err != nil {
			return err
		}
	}
	update.LocalSnapshotJSON = update.ServerSnapshotJSON
	update.Status = StatusRolledBack
	update.ConflictsJSON = ""
	update.UpdatedAtSeconds = s.clock().UTC().Unix()
	return s.db.WithContext(ctx).Save(&update).Error
}

// AttachConflicts parks a pending update with the server snapshot and the
// conflicts that block its confirmation.
func (s *Store) AttachConflicts(ctx context.Context, id string, serverSnapshot json.RawMessage, records []conflict.Record) error {
	update, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(records)
	if err != nil {
		return err
	}
	update.ServerSnapshotJSON = string(serverSnapshot)
	update.ConflictsJSON = string(encoded)
	update.Status = StatusPending
	update.UpdatedAtSeconds = s.clock().UTC().Unix()
	return s.db.WithContext(ctx).Save(&update).Error
}

// Override confirms a conflict-gated update on explicit human approval.
func (s *Store) Override(ctx context.Context, id, actor, justification string) error {
	if strings.TrimSpace(justification) == "" {
		return ErrJustificationRequired
	}
	update, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if strings.TrimSpace(update.ConflictsJSON) == "" {
		return fmt.Errorf("%w: %s", ErrNotReviewable, id)
	}
	// The remote accepted the write before the conflict gated it, so the
	// parked sync item is settled here rather than re-attempted.
	if err := s.enqueuer.ResolveItem(ctx, update.SyncItemID); err != nil {
		return err
	}
	update.Status = StatusConfirmed
	update.ConflictsJSON = ""
	update.ResolutionNote = fmt.Sprintf("conflict override by %s: %s", actor, strings.TrimSpace(justification))
	update.UpdatedAtSeconds = s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Save(&update).Error; err != nil {
		return err
	}
	s.logger.Info("conflict override accepted",
		zap.String("update_id", id),
		zap.String("actor", actor))
	return nil
}

// Reject discards a conflict-gated update by rolling it back.
func (s *Store) Reject(ctx context.Context, id string) error {
	update, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if strings.TrimSpace(update.ConflictsJSON) == "" {
		return fmt.Errorf("%w: %s", ErrNotReviewable, id)
	}
	return s.Rollback(ctx, id)
}

// Update returns a single update by identifier.
func (s *Store) Update(ctx context.Context, id string) (Update, error) {
	return s.get(ctx, id)
}

// BySyncItem resolves the update owned by a sync item.
func (s *Store) BySyncItem(ctx context.Context, syncItemID string) (Update, error) {
	var update Update
	err := s.db.WithContext(ctx).Where("sync_item_id = ?", syncItemID).Take(&update).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Update{}, fmt.Errorf("%w: sync item %s", ErrUpdateNotFound, syncItemID)
	}
	if err != nil {
		return Update{}, err
	}
	return update, nil
}

// Failed lists unrecoverable updates awaiting user action.
func (s *Store) Failed(ctx context.Context) ([]Update, error) {
	var updates []Update
	if err := s.db.WithContext(ctx).
		Where("status = ?", StatusFailed).
		Order("updated_at_s DESC").
		Find(&updates).Error; err != nil {
		return nil, err
	}
	return updates, nil
}

// NeedsReview lists pending updates gated by attached conflicts.
func (s *Store) NeedsReview(ctx context.Context) ([]Update, error) {
	var updates []Update
	if err := s.db.WithContext(ctx).
		Where("status = ? AND conflicts_json <> ''", StatusPending).
		Order("updated_at_s DESC").
		Find(&updates).Error; err != nil {
		return nil, err
	}
	return updates, nil
}

// PendingFor lists pending updates for an entity type, excluding one
// update. Used by the orchestrator to find competing allocations.
func (s *Store) PendingFor(ctx context.Context, entityType, excludeID string) ([]Update, error) {
	var updates []Update
	if err := s.db.WithContext(ctx).
		Where("entity_type = ? AND status = ? AND id <> ?", entityType, StatusPending, excludeID).
		Find(&updates).Error; err != nil {
		return nil, err
	}
	return updates, nil
}

// Stats returns counts per status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	counts := []struct {
		status UpdateStatus
		target *int64
	}{
		{StatusPending, &stats.Pending},
		{StatusConfirmed, &stats.Confirmed},
		{StatusFailed, &stats.Failed},
		{StatusRolledBack, &stats.RolledBack},
	}
	for _, count := range counts {
		if err := s.db.WithContext(ctx).Model(&Update{}).
			Where("status = ?", count.status).
			Count(count.target).Error; err != nil {
			return Stats{}, err
		}
	}
	return stats, nil
}

func (s *Store) get(ctx context.Context, id string) (Update, error) {
	var update Update
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&update).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Update{}, fmt.Errorf("%w: %s", ErrUpdateNotFound, id)
	}
	if err != nil {
		return Update{}, err
	}
	return update, nil
}
