package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/modhub/internal/activity"
	"github.com/MarcoPoloResearchLab/modhub/internal/catalog"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "modhub_user_id"
	accessTokenQuery   = "access_token"
	defaultPageSize    = 10
	maxPageSize        = 100
	errorCodeAuth      = "unauthorized"
	errorCodeRequest   = "invalid_request"
	errorCodePeriod    = "invalid_period"
	errorCodeUnknown   = "unknown_mod"
	errorCodeInternal  = "internal_error"
	messageUnknownMod  = "This mod is no longer available"
	messageInternal    = "Something went wrong, please try again"
	messageAuthMissing = "Log in required"
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingCatalog       = errors.New("catalog service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to the user id it was issued for.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	TokenManager      TokenValidator
	Catalog           *catalog.Service
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalog
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:            deps.TokenManager,
		catalog:           deps.Catalog,
		realtime:          realtime,
		logger:            logger,
		heartbeatInterval: heartbeat,
	}

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/history", handler.handleListHistory)
	protected.GET("/history/count", handler.handleCountHistory)
	protected.GET("/history/stream", handler.handleHistoryStream)
	protected.GET("/mods/:id", handler.handleGetMod)
	protected.POST("/mods/:id/favorite", handler.handleToggleFavorite)
	protected.POST("/mods/:id/download", handler.handleRegisterDownload)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens            TokenValidator
	catalog           *catalog.Service
	realtime          *RealtimeDispatcher
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type historyResponsePayload struct {
	Records  []activity.Record `json:"records"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
	Total    int               `json:"total"`
}

type countResponsePayload struct {
	Total int `json:"total"`
}

type favoriteResponsePayload struct {
	IsFavorite    bool  `json:"is_favorite"`
	FavoriteCount int64 `json:"favorite_count"`
}

type downloadResponsePayload struct {
	DownloadCount int64  `json:"download_count"`
	AssetLocation string `json:"asset_location"`
}

type modResponsePayload struct {
	ModID         string   `json:"mod_id"`
	Name          string   `json:"name"`
	ThumbnailURL  string   `json:"thumbnail_url,omitempty"`
	Version       string   `json:"version,omitempty"`
	Description   string   `json:"description,omitempty"`
	Category      string   `json:"category,omitempty"`
	Tags          []string `json:"tags"`
	IsFavorite    bool     `json:"is_favorite"`
	FavoriteCount int64    `json:"favorite_count"`
	DownloadCount int64    `json:"download_count"`
	AssetLocation string   `json:"asset_location"`
}

type streamEventPayload struct {
	SubjectIDs []string `json:"subjectIds"`
	Timestamp  int64    `json:"timestamp"`
	Source     string   `json:"source"`
}

func (h *httpHandler) handleListHistory(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	page, err := parsePositiveQuery(c, "page", 1)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: errorCodeRequest, Message: "page must be a positive integer"})
		return
	}
	pageSize, err := parsePositiveQuery(c, "page_size", defaultPageSize)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: errorCodeRequest, Message: "page_size must be a positive integer"})
		return
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	period, err := activity.ParsePeriod(c.Query("period"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: errorCodePeriod, Message: "period must be one of all, today, week, month"})
		return
	}

	result, err := h.catalog.ListHistory(c.Request.Context(), catalog.HistoryQuery{
		UserID:   userID,
		Page:     page,
		PageSize: pageSize,
		Filters: activity.Filters{
			Search:   strings.TrimSpace(c.Query("search")),
			Period:   period,
			Category: strings.TrimSpace(c.Query("category")),
		},
	})
	if err != nil {
		h.writeCatalogError(c, "history listing failed", err)
		return
	}
	records := result.Records
	if records == nil {
		records = []activity.Record{}
	}
	c.JSON(http.StatusOK, historyResponsePayload{
		Records:  records,
		Page:     result.Page,
		PageSize: result.PageSize,
		Total:    result.Total,
	})
}

func (h *httpHandler) handleCountHistory(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	total, err := h.catalog.CountHistory(c.Request.Context(), userID)
	if err != nil {
		h.writeCatalogError(c, "history count failed", err)
		return
	}
	c.JSON(http.StatusOK, countResponsePayload{Total: total})
}

func (h *httpHandler) handleGetMod(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	modID, ok := requireModID(c)
	if !ok {
		return
	}
	detail, err := h.catalog.GetMod(c.Request.Context(), userID, modID)
	if err != nil {
		h.writeCatalogError(c, "mod lookup failed", err)
		return
	}
	tags := detail.Tags
	if tags == nil {
		tags = []string{}
	}
	c.JSON(http.StatusOK, modResponsePayload{
		ModID:         detail.Mod.ModID,
		Name:          detail.Mod.Name,
		ThumbnailURL:  detail.Mod.ThumbnailURL,
		Version:       detail.Mod.Version,
		Description:   detail.Mod.Description,
		Category:      detail.Mod.Category,
		Tags:          tags,
		IsFavorite:    detail.IsFavorite,
		FavoriteCount: detail.Mod.FavoriteCount,
		DownloadCount: detail.Mod.DownloadCount,
		AssetLocation: detail.Mod.AssetURL,
	})
}

func (h *httpHandler) handleToggleFavorite(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	modID, ok := requireModID(c)
	if !ok {
		return
	}
	result, err := h.catalog.ToggleFavorite(c.Request.Context(), userID, modID)
	if err != nil {
		h.writeCatalogError(c, "favorite toggle failed", err)
		return
	}
	h.publishHistoryChange(userID, modID)
	c.JSON(http.StatusOK, favoriteResponsePayload{
		IsFavorite:    result.IsFavorite,
		FavoriteCount: result.FavoriteCount,
	})
}

func (h *httpHandler) handleRegisterDownload(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	modID, ok := requireModID(c)
	if !ok {
		return
	}
	result, err := h.catalog.RegisterDownload(c.Request.Context(), userID, modID)
	if err != nil {
		h.writeCatalogError(c, "download registration failed", err)
		return
	}
	h.publishHistoryChange(userID, modID)
	c.JSON(http.StatusOK, downloadResponsePayload{
		DownloadCount: result.DownloadCount,
		AssetLocation: result.AssetLocation,
	})
}

func (h *httpHandler) handleHistoryStream(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	requestContext := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(requestContext, userID.String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-requestContext.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, streamEventPayload{
				SubjectIDs: message.SubjectIDs,
				Timestamp:  message.Timestamp.UnixMilli(),
				Source:     realtimeSourceBackend,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, streamEventPayload{
				SubjectIDs: []string{},
				Timestamp:  tick.UTC().UnixMilli(),
				Source:     realtimeSourceBackend,
			})
			return true
		}
	})
}

func (h *httpHandler) publishHistoryChange(userID catalog.UserID, modID activity.SubjectID) {
	h.realtime.Publish(RealtimeMessage{
		UserID:     userID.String(),
		EventType:  RealtimeEventHistoryChanged,
		SubjectIDs: []string{modID.String()},
		Timestamp:  time.Now().UTC(),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: errorCodeAuth, Message: errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: errorCodeAuth, Message: messageAuthMissing})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) requireUser(c *gin.Context) (catalog.UserID, bool) {
	userID, err := catalog.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorPayload{Error: errorCodeAuth, Message: messageAuthMissing})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) writeCatalogError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, catalog.ErrUnknownMod):
		c.JSON(http.StatusNotFound, errorPayload{Error: errorCodeUnknown, Message: messageUnknownMod})
	case errors.Is(err, catalog.ErrInvalidUserID):
		c.JSON(http.StatusUnauthorized, errorPayload{Error: errorCodeAuth, Message: messageAuthMissing})
	default:
		code := errorCodeInternal
		var serviceErr *catalog.ServiceError
		if errors.As(err, &serviceErr) {
			code = serviceErr.Code()
		}
		h.logger.Error(message, zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: errorCodeInternal, Message: messageInternal})
	}
}

// bearerToken reads the Authorization header, falling back to the access_token query
// parameter for EventSource clients that cannot set headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if header != "" {
		return ""
	}
	return strings.TrimSpace(c.Query(accessTokenQuery))
}

func requireModID(c *gin.Context) (activity.SubjectID, bool) {
	modID, err := activity.NewSubjectID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: errorCodeRequest, Message: "mod id is required"})
		return "", false
	}
	return modID, true
}

func parsePositiveQuery(c *gin.Context, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if value < 1 {
		return 0, errors.New(key + " must be positive")
	}
	return value, nil
}
