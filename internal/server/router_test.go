package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/reliefops/fieldsync/internal/auth"
	"github.com/reliefops/fieldsync/internal/conflict"
	"github.com/reliefops/fieldsync/internal/connectivity"
	"github.com/reliefops/fieldsync/internal/engine"
	"github.com/reliefops/fieldsync/internal/optimistic"
	"github.com/reliefops/fieldsync/internal/priority"
	"github.com/reliefops/fieldsync/internal/queue"
)

type stubTokenValidator struct {
	claims      auth.ActorClaims
	validateErr error
}

func (s stubTokenValidator) ValidateToken(string) (auth.ActorClaims, error) {
	if s.validateErr != nil {
		return auth.ActorClaims{}, s.validateErr
	}
	return s.claims, nil
}

type stubSynchronizer struct {
	syncRequests int
	paused       bool
}

func (s *stubSynchronizer) SyncNow()       { s.syncRequests++ }
func (s *stubSynchronizer) Pause()         { s.paused = true }
func (s *stubSynchronizer) Resume()        { s.paused = false }
func (s *stubSynchronizer) Draining() bool { return false }
func (s *stubSynchronizer) Paused() bool   { return s.paused }

type sequenceIDs struct {
	prefix string
	next   int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("%s-%03d", s.prefix, s.next), nil
}

type routerFixture struct {
	handler      http.Handler
	queue        *queue.Queue
	store        *optimistic.Store
	monitor      *connectivity.Monitor
	synchronizer *stubSynchronizer
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(t.TempDir(), "server.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&queue.Item{}, &optimistic.Update{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	syncQueue, err := queue.New(queue.Config{
		Database:   database,
		IDProvider: &sequenceIDs{prefix: "item"},
	})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	store, err := optimistic.NewStore(optimistic.StoreConfig{
		Database:   database,
		IDProvider: &sequenceIDs{prefix: "update"},
		Enqueuer:   &engine.ScoringEnqueuer{Queue: syncQueue, Scorer: priority.NewScorer(priority.ScorerConfig{})},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	monitor := connectivity.NewMonitor()
	synchronizer := &stubSynchronizer{}
	handler, err := NewHTTPHandler(Dependencies{
		TokenValidator: stubTokenValidator{claims: auth.ActorClaims{ActorID: "coordinator-7", Role: "coordinator"}},
		Queue:          syncQueue,
		Store:          store,
		Monitor:        monitor,
		Synchronizer:   synchronizer,
		Scorer:         priority.NewScorer(priority.ScorerConfig{}),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &routerFixture{
		handler:      handler,
		queue:        syncQueue,
		store:        store,
		monitor:      monitor,
		synchronizer: synchronizer,
	}
}

func (f *routerFixture) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Authorization", "Bearer test-token")
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestRouterRejectsMissingAuthorization(t *testing.T) {
	fixture := newRouterFixture(t)
	request := httptest.NewRequest(http.MethodGet, "/queue", http.NoBody)
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/queue", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenValidator{validateErr: jwt.ErrTokenExpired},
		logger: zap.New(core),
	}
	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entries[0].Level)
	}
	hasExpired := false
	for _, field := range entries[0].Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), jwt.ErrTokenExpired) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entries[0].Context)
	}
}

func TestMutationEndpointAppliesAndEnqueues(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.request(t, http.MethodPost, "/mutations", map[string]interface{}{
		"entity_type": "incident",
		"entity_id":   "inc-1",
		"operation":   "update",
		"payload":     map[string]interface{}{"severity": "high"},
	})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var update optimistic.Update
	if err := json.Unmarshal(recorder.Body.Bytes(), &update); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if update.SyncItemID == "" {
		t.Fatalf("expected enqueued sync item, got %+v", update)
	}
	item, err := fixture.queue.Item(context.Background(), update.SyncItemID)
	if err != nil {
		t.Fatalf("failed to load enqueued item: %v", err)
	}
	if item.Priority != 60 {
		t.Fatalf("expected incident base priority 60, got %d", item.Priority)
	}
}

func TestMutationEndpointRejectsUnknownEntityType(t *testing.T) {
	fixture := newRouterFixture(t)
	recorder := fixture.request(t, http.MethodPost, "/mutations", map[string]interface{}{
		"entity_type": "spaceship",
		"entity_id":   "x-1",
		"operation":   "update",
		"payload":     map[string]interface{}{},
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestQueuePriorityOverrideRecordsActor(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.request(t, http.MethodPost, "/mutations", map[string]interface{}{
		"entity_type": "assessment",
		"entity_id":   "as-1",
		"operation":   "update",
		"payload":     map[string]interface{}{"status": "draft"},
	})
	var update optimistic.Update
	if err := json.Unmarshal(recorder.Body.Bytes(), &update); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	recorder = fixture.request(t, http.MethodPost, "/queue/"+update.SyncItemID+"/priority", map[string]interface{}{
		"priority":      95,
		"justification": "named on triage list",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var item queue.Item
	if err := json.Unmarshal(recorder.Body.Bytes(), &item); err != nil {
		t.Fatalf("failed to decode item: %v", err)
	}
	if item.Priority != 95 {
		t.Fatalf("expected overridden priority 95, got %d", item.Priority)
	}
	if !strings.Contains(item.PriorityReason, "manual override by coordinator-7: named on triage list") {
		t.Fatalf("expected audit trail in reason, got %q", item.PriorityReason)
	}
}

func TestQueuePriorityOverrideRequiresJustification(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.request(t, http.MethodPost, "/mutations", map[string]interface{}{
		"entity_type": "assessment",
		"entity_id":   "as-1",
		"operation":   "update",
		"payload":     map[string]interface{}{},
	})
	var update optimistic.Update
	if err := json.Unmarshal(recorder.Body.Bytes(), &update); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	recorder = fixture.request(t, http.MethodPost, "/queue/"+update.SyncItemID+"/priority", map[string]interface{}{
		"priority": 95,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestQueueRescoreEndpointUpdatesStalePriorities(t *testing.T) {
	fixture := newRouterFixture(t)
	ctx := context.Background()

	stale, err := fixture.queue.Enqueue(ctx, queue.EnqueueRequest{
		EntityType:     queue.EntityTypeIncident,
		EntityID:       "inc-1",
		Operation:      queue.OperationCreate,
		Payload:        json.RawMessage(`{"severity":"high"}`),
		Priority:       10,
		PriorityReason: "imported before rules loaded",
	})
	if err != nil {
		t.Fatalf("failed to enqueue stale item: %v", err)
	}
	pinned, err := fixture.queue.Enqueue(ctx, queue.EnqueueRequest{
		EntityType:     queue.EntityTypeEntity,
		EntityID:       "ben-1",
		Operation:      queue.OperationUpdate,
		Payload:        json.RawMessage(`{"name":"roster"}`),
		Priority:       10,
		PriorityReason: "imported before rules loaded",
	})
	if err != nil {
		t.Fatalf("failed to enqueue pinned item: %v", err)
	}
	if _, err := fixture.queue.ApplyManualOverride(ctx, pinned.ID, 95, "coordinator-7", "flagged by site lead"); err != nil {
		t.Fatalf("failed to apply manual override: %v", err)
	}

	recorder := fixture.request(t, http.MethodPost, "/queue/rescore", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload struct {
		Rescored int `json:"rescored"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode rescore response: %v", err)
	}
	if payload.Rescored != 1 {
		t.Fatalf("expected 1 rescored item, got %d", payload.Rescored)
	}

	rescored, err := fixture.queue.Item(ctx, stale.ID)
	if err != nil {
		t.Fatalf("failed to load rescored item: %v", err)
	}
	if rescored.Priority != 60 {
		t.Fatalf("expected incident priority 60 after rescore, got %d", rescored.Priority)
	}
	kept, err := fixture.queue.Item(ctx, pinned.ID)
	if err != nil {
		t.Fatalf("failed to load overridden item: %v", err)
	}
	if kept.Priority != 95 {
		t.Fatalf("expected manual override to survive rescore, got priority %d", kept.Priority)
	}
}

func TestQueueEndpointsReturnNotFoundForUnknownItems(t *testing.T) {
	fixture := newRouterFixture(t)
	recorder := fixture.request(t, http.MethodPost, "/queue/missing/retry", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	recorder = fixture.request(t, http.MethodPost, "/queue/missing/discard", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	recorder = fixture.request(t, http.MethodPost, "/updates/missing/rollback", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestSyncNowAndStatus(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.request(t, http.MethodPost, "/sync/now", nil)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
	if fixture.synchronizer.syncRequests != 1 {
		t.Fatalf("expected one sync request, got %d", fixture.synchronizer.syncRequests)
	}

	recorder = fixture.request(t, http.MethodGet, "/sync/status", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var status syncStatusPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if status.Connectivity.IsOnline {
		t.Fatalf("expected offline before any event, got %+v", status.Connectivity)
	}
}

func TestPauseAndResumeEndpoints(t *testing.T) {
	fixture := newRouterFixture(t)

	if recorder := fixture.request(t, http.MethodPost, "/sync/pause", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if !fixture.synchronizer.paused {
		t.Fatalf("expected synchronizer paused")
	}
	if recorder := fixture.request(t, http.MethodPost, "/sync/resume", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if fixture.synchronizer.paused {
		t.Fatalf("expected synchronizer resumed")
	}
}

func TestConnectivityEventUpdatesStatus(t *testing.T) {
	fixture := newRouterFixture(t)

	battery := 15
	recorder := fixture.request(t, http.MethodPost, "/connectivity/events", map[string]interface{}{
		"online":          true,
		"connection_type": "wifi",
		"battery_level":   battery,
		"is_charging":     false,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	status := fixture.monitor.Status()
	if !status.IsOnline {
		t.Fatalf("expected online status, got %+v", status)
	}
	// Wifi on a nearly drained battery degrades the quality estimate.
	if status.Quality != connectivity.QualityGood {
		t.Fatalf("expected degraded quality, got %s", status.Quality)
	}
}

func TestConflictOverrideEndpointRequeuesSync(t *testing.T) {
	fixture := newRouterFixture(t)
	ctx := context.Background()

	recorder := fixture.request(t, http.MethodPost, "/mutations", map[string]interface{}{
		"entity_type": "response",
		"entity_id":   "resp-1",
		"operation":   "update",
		"payload":     map[string]interface{}{"quantity": 100},
	})
	var update optimistic.Update
	if err := json.Unmarshal(recorder.Body.Bytes(), &update); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	err := fixture.store.AttachConflicts(ctx, update.ID, json.RawMessage(`{"quantity":55}`), []conflict.Record{{
		Type:     conflict.TypeQuantityShortage,
		Severity: conflict.SeverityHigh,
		Field:    "quantity",
	}})
	if err != nil {
		t.Fatalf("failed to attach conflicts: %v", err)
	}

	recorder = fixture.request(t, http.MethodPost, "/updates/"+update.ID+"/override", map[string]interface{}{
		"justification": "verified count with warehouse",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if fixture.synchronizer.syncRequests == 0 {
		t.Fatalf("expected override to request a sync")
	}

	reloaded, err := fixture.store.Update(ctx, update.ID)
	if err != nil {
		t.Fatalf("failed to reload update: %v", err)
	}
	if !strings.Contains(reloaded.ResolutionNote, "conflict override by coordinator-7: verified count with warehouse") {
		t.Fatalf("expected audit note, got %q", reloaded.ResolutionNote)
	}
}

func TestRouterAllowsCrossOriginPreflight(t *testing.T) {
	fixture := newRouterFixture(t)
	request := httptest.NewRequest(http.MethodOptions, "/sync/now", http.NoBody)
	request.Header.Set("Origin", "https://dashboard.example.org")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("expected allow-origin header")
	}
}
