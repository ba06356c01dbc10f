package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/openbox/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/projects"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey     = "openbox_user_id"
	defaultUploadBytes   = 50 << 20
	defaultUploadRate    = 30
	defaultUploadBurst   = 5
	defaultHeartbeatTick = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingProjectsService  = errors.New("projects service dependency required")
	errMissingRealtime         = errors.New("realtime dispatcher dependency required")
)

// SessionValidator authenticates incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UploadLimits bounds request bodies and per-user upload frequency.
type UploadLimits struct {
	MaxBytes      int64
	RatePerMinute int
	Burst         int
}

type Dependencies struct {
	SessionValidator SessionValidator
	ProjectsService  *projects.Service
	Realtime         *RealtimeDispatcher
	Logger           *zap.Logger
	UploadLimits     UploadLimits
	AllowedOrigins   []string
	Heartbeat        time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.ProjectsService == nil {
		return nil, errMissingProjectsService
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	limits := deps.UploadLimits
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = defaultUploadBytes
	}
	if limits.RatePerMinute <= 0 {
		limits.RatePerMinute = defaultUploadRate
	}
	if limits.Burst <= 0 {
		limits.Burst = defaultUploadBurst
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatTick
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		projects:  deps.ProjectsService,
		realtime:  deps.Realtime,
		logger:    logger,
		maxUpload: limits.MaxBytes,
		uploads:   newUploadLimiter(limits.RatePerMinute, limits.Burst),
		heartbeat: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/projects/import", handler.limitUploads, handler.handleImportProject)
	protected.POST("/projects", handler.handleCreateProject)
	protected.GET("/projects", handler.handleListProjects)
	protected.GET("/projects/:projectID", handler.handleGetProject)
	protected.PATCH("/projects/:projectID", handler.handleUpdateProject)
	protected.POST("/projects/:projectID/collaborators", handler.handleAddCollaborator)
	protected.DELETE("/projects/:projectID/collaborators/:userID", handler.handleRemoveCollaborator)
	protected.POST("/projects/:projectID/commits", handler.limitUploads, handler.handleCommitChanges)
	protected.GET("/projects/:projectID/commits", handler.handleListCommits)
	protected.PUT("/projects/:projectID/files/:fileID", handler.limitUploads, handler.handleEditFile)
	protected.GET("/projects/:projectID/files", handler.handleListFiles)
	protected.GET("/projects/:projectID/diff", handler.handleVersionDiff)
	protected.GET("/projects/:projectID/events", handler.handleProjectEvents)
	protected.GET("/files/:fileID", handler.handleGetFile)
	protected.GET("/files/:fileID/history", handler.handleFileHistory)
	protected.GET("/commits/:commitID", handler.handleGetCommit)
	protected.GET("/commits/:commitID/diff", handler.handleCommitDiff)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions  SessionValidator
	projects  *projects.Service
	realtime  *RealtimeDispatcher
	logger    *zap.Logger
	maxUpload int64
	uploads   *uploadLimiter
	heartbeat time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func currentUserID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}

// respondError writes the service error envelope for err and aborts the request.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	var serviceErr *projects.ServiceError
	if !errors.As(err, &serviceErr) {
		h.logger.Error("unexpected handler error", zap.String("path", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": string(projects.KindStorage), "code": "server.unexpected", "message": "internal error"})
		return
	}
	status := statusForKind(serviceErr.Kind())
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.String("code", serviceErr.Code()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   string(serviceErr.Kind()),
		"code":    serviceErr.Code(),
		"message": serviceErr.Message(),
	})
}

func respondInvalidRequest(c *gin.Context, code, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   string(projects.KindInvalidInput),
		"code":    "server." + code,
		"message": message,
	})
}

func statusForKind(kind projects.ErrorKind) int {
	switch kind {
	case projects.KindMalformedArchive, projects.KindEmptyArchive, projects.KindNoChanges,
		projects.KindEmptyCommit, projects.KindMissingProjectName, projects.KindInvalidInput:
		return http.StatusBadRequest
	case projects.KindProjectNotFound, projects.KindFileNotFound, projects.KindCommitNotFound, projects.KindVersionNotFound:
		return http.StatusNotFound
	case projects.KindVersionConflict:
		return http.StatusConflict
	case projects.KindArchiveTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusServiceUnavailable
	}
}

func trimmedParam(c *gin.Context, name string) string {
	return strings.TrimSpace(c.Param(name))
}
