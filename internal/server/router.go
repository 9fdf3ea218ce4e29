package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/reliefops/fieldsync/internal/auth"
	"github.com/reliefops/fieldsync/internal/connectivity"
	"github.com/reliefops/fieldsync/internal/optimistic"
	"github.com/reliefops/fieldsync/internal/queue"
)

const actorContextKey = "fieldsync_actor"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingQueue          = errors.New("queue dependency required")
	errMissingStore          = errors.New("store dependency required")
	errMissingStoreMonitor   = errors.New("connectivity monitor dependency required")
	errMissingSynchronizer   = errors.New("synchronizer dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks bearer tokens and returns the acting identity.
type TokenValidator interface {
	ValidateToken(token string) (auth.ActorClaims, error)
}

// Synchronizer is the orchestrator surface the HTTP layer needs.
type Synchronizer interface {
	SyncNow()
	Pause()
	Resume()
	Draining() bool
	Paused() bool
}

type Dependencies struct {
	TokenValidator TokenValidator
	Queue          *queue.Queue
	Store          *optimistic.Store
	Monitor        *connectivity.Monitor
	Synchronizer   Synchronizer
	Scorer         queue.Scorer
	Bridge         *WebSocketBridge
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Monitor == nil {
		return nil, errMissingStoreMonitor
	}
	if deps.Synchronizer == nil {
		return nil, errMissingSynchronizer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:       deps.TokenValidator,
		queue:        deps.Queue,
		store:        deps.Store,
		monitor:      deps.Monitor,
		synchronizer: deps.Synchronizer,
		scorer:       deps.Scorer,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Bridge != nil {
		router.GET("/ws", gin.WrapF(deps.Bridge.Handle))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/now", handler.handleSyncNow)
	protected.POST("/sync/pause", handler.handleSyncPause)
	protected.POST("/sync/resume", handler.handleSyncResume)
	protected.GET("/sync/status", handler.handleSyncStatus)
	protected.GET("/queue", handler.handleQueueList)
	protected.POST("/queue/:id/priority", handler.handleQueuePriority)
	protected.POST("/queue/:id/retry", handler.handleQueueRetry)
	protected.POST("/queue/:id/discard", handler.handleQueueDiscard)
	if deps.Scorer != nil {
		protected.POST("/queue/rescore", handler.handleQueueRescore)
	}
	protected.POST("/mutations", handler.handleMutation)
	protected.GET("/updates/failed", handler.handleUpdatesFailed)
	protected.GET("/updates/review", handler.handleUpdatesReview)
	protected.POST("/updates/:id/rollback", handler.handleUpdateRollback)
	protected.POST("/updates/:id/override", handler.handleUpdateOverride)
	protected.POST("/updates/:id/reject", handler.handleUpdateReject)
	protected.POST("/connectivity/events", handler.handleConnectivityEvent)

	return router, nil
}

type httpHandler struct {
	tokens       TokenValidator
	queue        *queue.Queue
	store        *optimistic.Store
	monitor      *connectivity.Monitor
	synchronizer Synchronizer
	scorer       queue.Scorer
	logger       *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine on field devices that were offline
		// past the TTL; only unexpected failures warrant a warning.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(actorContextKey, claims)
	c.Next()
}

func (h *httpHandler) actor(c *gin.Context) auth.ActorClaims {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return auth.ActorClaims{}
	}
	claims, _ := value.(auth.ActorClaims)
	return claims
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSyncNow(c *gin.Context) {
	h.synchronizer.SyncNow()
	c.JSON(http.StatusAccepted, gin.H{"status": "requested"})
}

func (h *httpHandler) handleSyncPause(c *gin.Context) {
	h.synchronizer.Pause()
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (h *httpHandler) handleSyncResume(c *gin.Context) {
	h.synchronizer.Resume()
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

type syncStatusPayload struct {
	Connectivity connectivity.Status `json:"connectivity"`
	Queue        queue.Stats         `json:"queue"`
	Updates      optimistic.Stats    `json:"updates"`
	Draining     bool                `json:"draining"`
	Paused       bool                `json:"paused"`
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	queueStats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read queue stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
		return
	}
	updateStats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read update stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
		return
	}
	c.JSON(http.StatusOK, syncStatusPayload{
		Connectivity: h.monitor.Status(),
		Queue:        queueStats,
		Updates:      updateStats,
		Draining:     h.synchronizer.Draining(),
		Paused:       h.synchronizer.Paused(),
	})
}

func (h *httpHandler) handleQueueList(c *gin.Context) {
	status := queue.ItemStatus(strings.TrimSpace(c.DefaultQuery("status", string(queue.StatusPending))))
	items, err := h.queue.Items(c.Request.Context(), status)
	if err != nil {
		h.logger.Error("failed to list queue items", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type priorityOverridePayload struct {
	Priority      int    `json:"priority"`
	Justification string `json:"justification"`
}

func (h *httpHandler) handleQueuePriority(c *gin.Context) {
	var request priorityOverridePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	actor := h.actor(c)
	item, err := h.queue.ApplyManualOverride(c.Request.Context(), c.Param("id"), request.Priority, actor.ActorID, request.Justification)
	if err != nil {
		h.respondQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *httpHandler) handleQueueRetry(c *gin.Context) {
	item, err := h.queue.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// handleQueueRescore re-runs the scorer over pending items after rule
// changes. Manually overridden priorities are left alone.
func (h *httpHandler) handleQueueRescore(c *gin.Context) {
	rescored, err := h.queue.RescorePending(c.Request.Context(), h.scorer)
	if err != nil {
		h.logger.Error("failed to rescore pending items", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rescore_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rescored": rescored})
}

func (h *httpHandler) handleQueueDiscard(c *gin.Context) {
	if err := h.queue.Discard(c.Request.Context(), c.Param("id")); err != nil {
		h.respondQueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "discarded"})
}

type mutationPayload struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
}

func (h *httpHandler) handleMutation(c *gin.Context) {
	var request mutationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	update, err := h.store.Apply(c.Request.Context(), optimistic.Mutation{
		EntityType: request.EntityType,
		EntityID:   request.EntityID,
		Operation:  request.Operation,
		Payload:    request.Payload,
	})
	if err != nil {
		if errors.Is(err, queue.ErrInvalidEntityType) || errors.Is(err, queue.ErrInvalidOperation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("failed to apply mutation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mutation_failed"})
		return
	}
	c.JSON(http.StatusAccepted, update)
}

func (h *httpHandler) handleUpdatesFailed(c *gin.Context) {
	updates, err := h.store.Failed(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list failed updates", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updates": updates})
}

func (h *httpHandler) handleUpdatesReview(c *gin.Context) {
	updates, err := h.store.NeedsReview(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list review updates", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updates": updates})
}

func (h *httpHandler) handleUpdateRollback(c *gin.Context) {
	if err := h.store.Rollback(c.Request.Context(), c.Param("id")); err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rolled_back"})
}

type conflictOverridePayload struct {
	Justification string `json:"justification"`
}

func (h *httpHandler) handleUpdateOverride(c *gin.Context) {
	var request conflictOverridePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	actor := h.actor(c)
	if err := h.store.Override(c.Request.Context(), c.Param("id"), actor.ActorID, request.Justification); err != nil {
		h.respondStoreError(c, err)
		return
	}
	h.synchronizer.SyncNow()
	c.JSON(http.StatusOK, gin.H{"status": "override_applied"})
}

func (h *httpHandler) handleUpdateReject(c *gin.Context) {
	if err := h.store.Reject(c.Request.Context(), c.Param("id")); err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

type connectivityEventPayload struct {
	Online         bool   `json:"online"`
	ConnectionType string `json:"connection_type"`
	BatteryLevel   *int   `json:"battery_level"`
	IsCharging     bool   `json:"is_charging"`
}

func (h *httpHandler) handleConnectivityEvent(c *gin.Context) {
	var request connectivityEventPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status := h.monitor.Report(connectivity.Event{
		Online:         request.Online,
		ConnectionType: request.ConnectionType,
		BatteryLevel:   request.BatteryLevel,
		IsCharging:     request.IsCharging,
	})
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) respondQueueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, queue.ErrJustificationRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("queue operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_operation_failed"})
	}
}

func (h *httpHandler) respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, optimistic.ErrUpdateNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, optimistic.ErrJustificationRequired), errors.Is(err, optimistic.ErrNotReviewable):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("update operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_operation_failed"})
	}
}
