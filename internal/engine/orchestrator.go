package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/reliefops/fieldsync/internal/bridge"
	"github.com/reliefops/fieldsync/internal/conflict"
	"github.com/reliefops/fieldsync/internal/connectivity"
	"github.com/reliefops/fieldsync/internal/optimistic"
	"github.com/reliefops/fieldsync/internal/queue"
)

const (
	defaultItemDelay          = 100 * time.Millisecond
	defaultDrainInterval      = 5 * time.Minute
	defaultBackgroundBatchCap = 10
)

var (
	errMissingQueue    = errors.New("sync queue is required")
	errMissingStore    = errors.New("optimistic store is required")
	errMissingRemote   = errors.New("remote client is required")
	errMissingResolver = errors.New("conflict resolver is required")
	noOpLogger         = zap.NewNop()
)

// Config wires the orchestrator's collaborators and tuning knobs. The
// delay and cap defaults are empirical, not derived, and stay
// configurable.
type Config struct {
	Queue              *queue.Queue
	Store              *optimistic.Store
	Resolver           *conflict.Resolver
	Remote             RemoteClient
	Monitor            *connectivity.Monitor
	Hub                *bridge.Hub
	Logger             *zap.Logger
	Clock              func() time.Time
	BatchSize          int
	ItemDelay          time.Duration
	DrainInterval      time.Duration
	BackgroundBatchCap int
}

// DrainOptions narrow one drain pass. Zero values drain everything
// eligible in default-sized batches.
type DrainOptions struct {
	MinPriority *int
	MaxItems    int
}

// DrainReport summarizes one drain pass.
type DrainReport struct {
	Processed int
	Succeeded int
	Failed    int
	Conflicts int
	Errors    []string
	Coalesced bool
	Paused    bool
}

// Orchestrator drains the queue in priority order, reconciles results
// into the optimistic store, and mirrors progress onto the message hub
// so the detached background context and the interactive context stay
// aligned without shared memory.
type Orchestrator struct {
	queue    *queue.Queue
	store    *optimistic.Store
	resolver *conflict.Resolver
	remote   RemoteClient
	monitor  *connectivity.Monitor
	hub      *bridge.Hub
	logger   *zap.Logger
	clock    func() time.Time

	batchSize          int
	itemDelay          time.Duration
	drainInterval      time.Duration
	backgroundBatchCap int

	draining atomic.Bool
	paused   atomic.Bool
	trigger  chan DrainOptions
}

// New constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	itemDelay := cfg.ItemDelay
	if itemDelay <= 0 {
		itemDelay = defaultItemDelay
	}
	drainInterval := cfg.DrainInterval
	if drainInterval <= 0 {
		drainInterval = defaultDrainInterval
	}
	backgroundBatchCap := cfg.BackgroundBatchCap
	if backgroundBatchCap <= 0 {
		backgroundBatchCap = defaultBackgroundBatchCap
	}
	return &Orchestrator{
		queue:              cfg.Queue,
		store:              cfg.Store,
		resolver:           cfg.Resolver,
		remote:             cfg.Remote,
		monitor:            cfg.Monitor,
		hub:                cfg.Hub,
		logger:             logger,
		clock:              clock,
		batchSize:          cfg.BatchSize,
		itemDelay:          itemDelay,
		drainInterval:      drainInterval,
		backgroundBatchCap: backgroundBatchCap,
		trigger:            make(chan DrainOptions, 1),
	}, nil
}

// Run processes triggers until the context is done: connectivity
// recovery, periodic timer while online, manual sync-now, and REGISTER
// messages from the detached background context.
func (o *Orchestrator) Run(ctx context.Context) {
	if o.hub != nil {
		messages, cancel := o.hub.Subscribe(ctx)
		defer cancel()
		// Control messages are consumed off the drain loop so a PAUSE
		// published mid-drain sets the flag before the next item's
		// attempt instead of waiting for the pass to finish.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case message := <-messages:
					o.handleMessage(ctx, message)
				}
			}
		}()
	}

	if o.monitor != nil {
		// Monitor callbacks run on the caller's goroutine, so the
		// transition state has to be safe for concurrent reports.
		var wasOnline atomic.Bool
		wasOnline.Store(o.monitor.Status().IsOnline)
		unsubscribe := o.monitor.Subscribe(func(status connectivity.Status) {
			previous := wasOnline.Swap(status.IsOnline)
			if status.IsOnline && !previous {
				o.requestDrain(DrainOptions{})
			}
		})
		defer unsubscribe()
	}

	ticker := time.NewTicker(o.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.online() {
				o.DrainOnce(ctx, DrainOptions{})
			}
		case opts := <-o.trigger:
			o.DrainOnce(ctx, opts)
		}
	}
}

// SyncNow requests a drain. A request arriving while a drain is active
// is coalesced; the in-flight drain picks up newly enqueued items on its
// next batch.
func (o *Orchestrator) SyncNow() {
	o.requestDrain(DrainOptions{})
}

// Pause stops draining before the next item. An in-flight remote call is
// allowed to finish.
func (o *Orchestrator) Pause() {
	o.paused.Store(true)
	o.logger.Info("sync paused")
}

// Resume clears the pause flag and requests a drain.
func (o *Orchestrator) Resume() {
	o.paused.Store(false)
	o.logger.Info("sync resumed")
	o.requestDrain(DrainOptions{})
}

// Draining reports whether a drain pass is currently active.
func (o *Orchestrator) Draining() bool {
	return o.draining.Load()
}

// Paused reports whether the pause flag is set.
func (o *Orchestrator) Paused() bool {
	return o.paused.Load()
}

func (o *Orchestrator) requestDrain(opts DrainOptions) {
	select {
	case o.trigger <- opts:
	default:
	}
}

func (o *Orchestrator) online() bool {
	if o.monitor == nil {
		return true
	}
	return o.monitor.Status().IsOnline
}

func (o *Orchestrator) handleMessage(ctx context.Context, message bridge.Message) {
	switch message.Kind {
	case bridge.KindPause:
		o.Pause()
	case bridge.KindResume:
		o.Resume()
	case bridge.KindRegister:
		payload, err := bridge.DecodeRegister(message)
		if err != nil {
			o.logger.Warn("invalid REGISTER message", zap.Error(err))
			return
		}
		opts := DrainOptions{MaxItems: o.backgroundBatchCap}
		if payload.MinPriority > 0 {
			minPriority := payload.MinPriority
			opts.MinPriority = &minPriority
		}
		if payload.Immediate {
			o.DrainOnce(ctx, opts)
			return
		}
		o.requestDrain(opts)
	default:
		// PROGRESS, COMPLETE and ERROR originate here; nothing to do.
	}
}

// DrainOnce performs a single drain pass. Only one drain may be active
// at a time; concurrent calls coalesce into a no-op report.
func (o *Orchestrator) DrainOnce(ctx context.Context, opts DrainOptions) DrainReport {
	if !o.draining.CompareAndSwap(false, true) {
		return DrainReport{Coalesced: true}
	}
	defer o.draining.Store(false)

	filter := queue.BatchFilter{MinPriority: opts.MinPriority}
	eligible, err := o.queue.CountEligible(ctx, filter)
	if err != nil {
		o.publishError(opts, err)
		return DrainReport{Errors: []string{err.Error()}}
	}
	total := int(eligible)
	if opts.MaxItems > 0 && total > opts.MaxItems {
		total = opts.MaxItems
	}

	report := DrainReport{}
	o.logger.Info("drain started", zap.Int("eligible", total))

	for {
		if o.paused.Load() {
			report.Paused = true
			break
		}
		batchSize := o.batchSize
		if opts.MaxItems > 0 {
			remaining := opts.MaxItems - report.Processed
			if remaining <= 0 {
				break
			}
			if batchSize <= 0 || remaining < batchSize {
				batchSize = remaining
			}
		}
		batch, err := o.queue.NextBatch(ctx, batchSize, filter)
		if err != nil {
			o.publishError(opts, err)
			report.Errors = append(report.Errors, err.Error())
			break
		}
		if len(batch) == 0 {
			break
		}

		interrupted := false
		for _, item := range batch {
			if o.paused.Load() {
				report.Paused = true
				interrupted = true
				break
			}
			if ctx.Err() != nil {
				interrupted = true
				break
			}

			o.attemptItem(ctx, item, &report)
			report.Processed++
			o.publishProgress(opts, total, report)

			// Returning control between items keeps pause/resume and
			// connectivity changes prompt and avoids saturating the
			// link or the battery.
			select {
			case <-ctx.Done():
				interrupted = true
			case <-time.After(o.itemDelay):
			}
			if interrupted {
				break
			}
		}
		if interrupted {
			break
		}
	}

	o.publishComplete(opts, report)
	o.logger.Info("drain finished",
		zap.Int("processed", report.Processed),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("conflicts", report.Conflicts),
		zap.Bool("paused", report.Paused))
	return report
}

// attemptItem syncs one item and reconciles the outcome. Item-level
// failures are absorbed into the report so one bad item never aborts the
// batch.
func (o *Orchestrator) attemptItem(ctx context.Context, item queue.Item, report *DrainReport) {
	if err := o.queue.MarkAttempt(ctx, item.ID); err != nil {
		report.Failed++
		report.Errors = append(report.Errors, err.Error())
		return
	}

	result, callErr := o.callRemote(ctx, item)
	if callErr == nil {
		o.reconcileSuccess(ctx, item, result, report)
		return
	}
	o.reconcileFailure(ctx, item, callErr, report)
}

func (o *Orchestrator) callRemote(ctx context.Context, item queue.Item) (Result, error) {
	payload := json.RawMessage(item.PayloadJSON)
	switch item.Operation {
	case queue.OperationCreate:
		return o.remote.Create(ctx, string(item.EntityType), payload)
	case queue.OperationUpdate:
		return o.remote.Update(ctx, string(item.EntityType), item.EntityID, payload)
	case queue.OperationDelete:
		return o.remote.Delete(ctx, string(item.EntityType), item.EntityID)
	default:
		return Result{}, &ValidationError{Err: queue.ErrInvalidOperation}
	}
}

func (o *Orchestrator) reconcileSuccess(ctx context.Context, item queue.Item, result Result, report *DrainReport) {
	update, err := o.store.BySyncItem(ctx, item.ID)
	if errors.Is(err, optimistic.ErrUpdateNotFound) {
		// Directly enqueued work with no optimistic counterpart.
		o.finishItem(ctx, item.ID, queue.Outcome{Kind: queue.OutcomeSucceeded}, report)
		report.Succeeded++
		return
	}
	if err != nil {
		report.Failed++
		report.Errors = append(report.Errors, err.Error())
		return
	}

	if result.ServerSnapshot != nil {
		records := o.detectConflicts(ctx, update, result.ServerSnapshot)
		if conflict.Blocks(records) {
			o.gateOnConflicts(ctx, item, update, result.ServerSnapshot, records, report)
			return
		}
		// LOW and MEDIUM conflicts auto-resolve: the server snapshot is
		// authoritative.
	}

	snapshot := result.ServerSnapshot
	if snapshot == nil {
		snapshot = json.RawMessage(item.PayloadJSON)
	}
	if err := o.store.Confirm(ctx, update.ID, snapshot); err != nil {
		report.Failed++
		report.Errors = append(report.Errors, err.Error())
		return
	}
	o.finishItem(ctx, item.ID, queue.Outcome{Kind: queue.OutcomeSucceeded}, report)
	report.Succeeded++
}

func (o *Orchestrator) reconcileFailure(ctx context.Context, item queue.Item, callErr error, report *DrainReport) {
	report.Errors = append(report.Errors, callErr.Error())

	var conflictErr *ConflictError
	if errors.As(callErr, &conflictErr) {
		update, err := o.store.BySyncItem(ctx, item.ID)
		if err == nil {
			o.gateOnConflicts(ctx, item, update, nil, conflictErr.Records, report)
			return
		}
		o.finishItem(ctx, item.ID, queue.Outcome{Kind: queue.OutcomeConflict, Err: callErr}, report)
		report.Conflicts++
		return
	}

	if !Retryable(callErr) {
		o.finishItem(ctx, item.ID, queue.Outcome{Kind: queue.OutcomeTerminal, Err: callErr}, report)
		o.failUpdate(ctx, item.ID, callErr)
		report.Failed++
		return
	}

	updated, exhausted, err := o.queue.MarkResult(ctx, item.ID, queue.Outcome{Kind: queue.OutcomeRetryable, Err: callErr})
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		report.Failed++
		return
	}
	report.Failed++
	if exhausted {
		o.failUpdate(ctx, item.ID, &ExhaustedRetriesError{
			ItemID:   item.ID,
			Attempts: updated.RetryCount + 1,
			Err:      callErr,
		})
	}
}

func (o *Orchestrator) gateOnConflicts(ctx context.Context, item queue.Item, update optimistic.Update, serverSnapshot json.RawMessage, records []conflict.Record, report *DrainReport) {
	if err := o.store.AttachConflicts(ctx, update.ID, serverSnapshot, records); err != nil {
		report.Errors = append(report.Errors, err.Error())
		report.Failed++
		return
	}
	o.finishItem(ctx, item.ID, queue.Outcome{
		Kind: queue.OutcomeConflict,
		Err:  &ConflictError{Records: records},
	}, report)
	report.Conflicts++
	o.logger.Warn("sync item gated on conflicts",
		zap.String("item_id", item.ID),
		zap.String("update_id", update.ID),
		zap.Int("records", len(records)))
}

func (o *Orchestrator) detectConflicts(ctx context.Context, update optimistic.Update, serverSnapshot json.RawMessage) []conflict.Record {
	local := snapshotView(update.LocalSnapshotJSON)
	server := snapshotView(string(serverSnapshot))
	others, err := o.store.PendingFor(ctx, update.EntityType, update.ID)
	if err != nil {
		o.logger.Warn("pending allocation lookup failed", zap.Error(err))
		others = nil
	}
	return o.resolver.Detect(local, server, allocationsFrom(others))
}

func (o *Orchestrator) finishItem(ctx context.Context, itemID string, outcome queue.Outcome, report *DrainReport) {
	if _, _, err := o.queue.MarkResult(ctx, itemID, outcome); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
}

func (o *Orchestrator) failUpdate(ctx context.Context, syncItemID string, cause error) {
	update, err := o.store.BySyncItem(ctx, syncItemID)
	if err != nil {
		return
	}
	if err := o.store.Fail(ctx, update.ID, cause); err != nil {
		o.logger.Error("failed to mark update failed",
			zap.String("update_id", update.ID),
			zap.Error(err))
	}
}

func (o *Orchestrator) publishProgress(opts DrainOptions, total int, report DrainReport) {
	if o.hub == nil {
		return
	}
	message, err := bridge.NewMessage(bridge.KindProgress, o.clock(), bridge.ProgressPayload{
		MinPriority: minPriorityOf(opts),
		Processed:   report.Processed,
		Total:       total,
		Succeeded:   report.Succeeded,
		Failed:      report.Failed,
	})
	if err != nil {
		return
	}
	o.hub.Publish(message)
}

func (o *Orchestrator) publishComplete(opts DrainOptions, report DrainReport) {
	if o.hub == nil {
		return
	}
	message, err := bridge.NewMessage(bridge.KindComplete, o.clock(), bridge.CompletePayload{
		MinPriority: minPriorityOf(opts),
		Succeeded:   report.Succeeded,
		Failed:      report.Failed,
		Errors:      report.Errors,
	})
	if err != nil {
		return
	}
	o.hub.Publish(message)
}

func (o *Orchestrator) publishError(opts DrainOptions, cause error) {
	if o.hub == nil {
		return
	}
	message, err := bridge.NewMessage(bridge.KindError, o.clock(), bridge.ErrorPayload{
		MinPriority: minPriorityOf(opts),
		Error:       cause.Error(),
	})
	if err != nil {
		return
	}
	o.hub.Publish(message)
}

func minPriorityOf(opts DrainOptions) int {
	if opts.MinPriority == nil {
		return 0
	}
	return *opts.MinPriority
}

func snapshotView(raw string) map[string]interface{} {
	if raw == "" {
		return nil
	}
	var view map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &view); err != nil {
		return nil
	}
	return view
}

// allocationsFrom extracts a planned date, when one exists, from each
// competing pending update so the resolver can flag timing collisions.
func allocationsFrom(updates []optimistic.Update) []conflict.PendingAllocation {
	var allocations []conflict.PendingAllocation
	for _, update := range updates {
		view := snapshotView(update.LocalSnapshotJSON)
		if view == nil {
			continue
		}
		if date, ok := firstDateField(view); ok {
			allocations = append(allocations, conflict.PendingAllocation{
				ID:   update.ID,
				Date: date,
			})
		}
	}
	return allocations
}

func firstDateField(view map[string]interface{}) (time.Time, bool) {
	fields := make([]string, 0, len(view))
	for field := range view {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		text, ok := view[field].(string)
		if !ok {
			continue
		}
		if parsed, err := time.Parse(time.RFC3339, text); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse("2006-01-02", text); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
