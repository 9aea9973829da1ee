// Package server exposes the canonical record store over HTTP for syncing devices.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/records"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "shiftsync_user_id"
	accessTokenQuery         = "access_token"
	errorCodeVersionConflict = "version_conflict"
	maxRequestBodySize       = 1 << 20
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingRecordService  = errors.New("record service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// RecordService is the canonical store the API fronts.
type RecordService interface {
	ApplyChange(ctx context.Context, change records.Change) (records.Outcome, error)
	Get(ctx context.Context, userID records.UserID, entity syncer.Entity, recordID records.RecordID) (syncer.Payload, error)
	List(ctx context.Context, userID records.UserID, entity syncer.Entity, sinceMillis int64) ([]syncer.Payload, error)
}

type Dependencies struct {
	TokenValidator    TokenValidator
	Records           RecordService
	Realtime          *RealtimeDispatcher
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Records == nil {
		return nil, errMissingRecordService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher(RealtimeConfig{Logger: logger})
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.TokenValidator,
		records:   deps.Records,
		realtime:  realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/stream", handler.handleStream)
	protected.GET("/:collection", handler.handleList)
	protected.GET("/:collection/:id", handler.handleGet)
	protected.POST("/:collection", handler.handleCreate)
	protected.PUT("/:collection/:id", handler.handleUpdate)
	protected.DELETE("/:collection/:id", handler.handleDelete)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens    TokenValidator
	records   RecordService
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

type recordListPayload struct {
	Records []syncer.Payload `json:"records"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleList(c *gin.Context) {
	userID, entity, ok := h.scope(c)
	if !ok {
		return
	}

	var since int64
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		since = parsed
	}

	payloads, err := h.records.List(c.Request.Context(), userID, entity, since)
	if err != nil {
		h.respondServiceError(c, "failed to list records", "list_failed", err)
		return
	}
	c.JSON(http.StatusOK, recordListPayload{Records: payloads})
}

func (h *httpHandler) handleGet(c *gin.Context) {
	userID, entity, ok := h.scope(c)
	if !ok {
		return
	}
	recordID, err := records.NewRecordID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record_id"})
		return
	}

	payload, err := h.records.Get(c.Request.Context(), userID, entity, recordID)
	if errors.Is(err, records.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.respondServiceError(c, "failed to load record", "get_failed", err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	payload, ok := decodeRequestPayload(c)
	if !ok {
		return
	}
	h.applyChange(c, syncer.OperationCreate, payload.ID(), payload)
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	payload, ok := decodeRequestPayload(c)
	if !ok {
		return
	}
	recordID := c.Param("id")
	if bodyID := payload.ID(); bodyID != "" && bodyID != recordID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "record_id_mismatch"})
		return
	}
	h.applyChange(c, syncer.OperationUpdate, recordID, payload)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	recordID := c.Param("id")
	h.applyChange(c, syncer.OperationDelete, recordID, syncer.Payload{syncer.FieldID: recordID})
}

func (h *httpHandler) applyChange(c *gin.Context, operation syncer.OperationType, rawRecordID string, payload syncer.Payload) {
	userID, entity, ok := h.scope(c)
	if !ok {
		return
	}
	recordID, err := records.NewRecordID(rawRecordID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record_id"})
		return
	}

	outcome, err := h.records.ApplyChange(c.Request.Context(), records.Change{
		UserID:    userID,
		Entity:    entity,
		RecordID:  recordID,
		Operation: operation,
		Payload:   payload,
	})
	if errors.Is(err, records.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.respondServiceError(c, "failed to apply record change", "apply_failed", err)
		return
	}

	if !outcome.Accepted {
		h.logger.Info("record change conflicted",
			zap.String("user_id", userID.String()),
			zap.String("entity", entity.String()),
			zap.String("record_id", recordID.String()),
			zap.String("operation", string(operation)))
		c.JSON(http.StatusConflict, gin.H{"error": errorCodeVersionConflict, "record": outcome.Record})
		return
	}

	h.realtime.Publish(RealtimeMessage{
		UserID:    userID.String(),
		EventType: RealtimeEventRecordChanged,
		Entity:    entity,
		Record:    outcome.Record,
		Timestamp: time.Now().UTC(),
	})

	status := http.StatusOK
	if operation == syncer.OperationCreate {
		status = http.StatusCreated
	}
	c.JSON(status, outcome.Record)
}

// scope resolves the authenticated user and the collection named in the path.
func (h *httpHandler) scope(c *gin.Context) (records.UserID, syncer.Entity, bool) {
	userID, err := records.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	entity, err := syncer.ParseCollection(c.Param("collection"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_collection"})
		return "", "", false
	}
	return userID, entity, true
}

func (h *httpHandler) respondServiceError(c *gin.Context, message, fallbackCode string, err error) {
	code := fallbackCode
	var serviceErr *records.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	if errors.Is(err, syncer.ErrInvalidEntity) || errors.Is(err, syncer.ErrInvalidOperationType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": code})
		return
	}
	h.logger.Error(message, zap.String("code", code), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": code})
}

func decodeRequestPayload(c *gin.Context) (syncer.Payload, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBodySize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return nil, false
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var payload syncer.Payload
	if err := decoder.Decode(&payload); err != nil || payload == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return nil, false
	}
	return payload, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// bearerToken reads the Authorization header, falling back to the access_token query
// parameter used by browser websocket clients.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", false
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		return token, token != ""
	}
	token := strings.TrimSpace(c.Query(accessTokenQuery))
	return token, token != ""
}
