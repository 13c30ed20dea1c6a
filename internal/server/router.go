package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/divergence"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/health"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/snapshots"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "scriptroom_user_id"
	claimsContextKey   = "scriptroom_claims"
	documentIDParam    = "document_id"
	defaultAdminRole   = "admin"
	snapshotLimitQuery = "limit"
)

var (
	errMissingCollabHandler   = errors.New("collab handler dependency required")
	errMissingSessions        = errors.New("session validator dependency required")
	errMissingSnapshotService = errors.New("snapshot service dependency required")
	errMissingConsistency     = errors.New("consistency service dependency required")
	errMissingHealthReporter  = errors.New("health reporter dependency required")
)

// CollabHandler terminates collaboration websockets.
type CollabHandler interface {
	Serve(w http.ResponseWriter, r *http.Request, documentID string)
}

// SessionValidator authenticates admin requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// SnapshotService is the snapshot surface exposed to operators.
type SnapshotService interface {
	GetFlattenedState(ctx context.Context, documentID string) (documents.FlattenedState, error)
	GetSnapshotHistory(ctx context.Context, documentID string, limit int) ([]snapshots.SnapshotMetadata, error)
	GetSnapshotStats(ctx context.Context, documentID string) (snapshots.SnapshotStats, error)
	CreateSnapshot(ctx context.Context, documentID, source, createdBy string) (snapshots.SnapshotMetadata, error)
}

// ConsistencyService checks and repairs flattened state.
type ConsistencyService interface {
	CheckConsistency(ctx context.Context, documentID string) (divergence.Report, error)
	AutoRepair(ctx context.Context, documentID string, strategy divergence.RepairStrategy) (bool, error)
}

// HealthReporter summarizes the subsystems.
type HealthReporter interface {
	Summary(ctx context.Context) health.Summary
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Collab      CollabHandler
	Sessions    SessionValidator
	AdminRole   string
	Snapshots   SnapshotService
	Consistency ConsistencyService
	Health      HealthReporter
	// Gatherer exposes /metrics when set.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Collab == nil:
		return nil, errMissingCollabHandler
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Snapshots == nil:
		return nil, errMissingSnapshotService
	case deps.Consistency == nil:
		return nil, errMissingConsistency
	case deps.Health == nil:
		return nil, errMissingHealthReporter
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	adminRole := strings.TrimSpace(deps.AdminRole)
	if adminRole == "" {
		adminRole = defaultAdminRole
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		collab:      deps.Collab,
		sessions:    deps.Sessions,
		adminRole:   adminRole,
		snapshots:   deps.Snapshots,
		consistency: deps.Consistency,
		health:      deps.Health,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleLiveness)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	router.GET("/collab/:"+documentIDParam, handler.handleCollab)

	admin := router.Group("/admin")
	admin.Use(handler.authorizeRequest, handler.requireAdmin)
	admin.GET("/health", handler.handleHealth)
	admin.GET("/documents/:"+documentIDParam+"/flattened", handler.handleFlattened)
	admin.GET("/documents/:"+documentIDParam+"/snapshots", handler.handleSnapshotHistory)
	admin.GET("/documents/:"+documentIDParam+"/snapshots/stats", handler.handleSnapshotStats)
	admin.POST("/documents/:"+documentIDParam+"/snapshots", handler.handleCreateSnapshot)
	admin.GET("/documents/:"+documentIDParam+"/consistency", handler.handleConsistency)
	admin.POST("/documents/:"+documentIDParam+"/repair", handler.handleRepair)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	collab      CollabHandler
	sessions    SessionValidator
	adminRole   string
	snapshots   SnapshotService
	consistency ConsistencyService
	health      HealthReporter
	logger      *zap.Logger
}

func (h *httpHandler) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleCollab hands the raw request to the websocket handler, which reports
// authentication failures as close codes after the upgrade.
func (h *httpHandler) handleCollab(c *gin.Context) {
	h.collab.Serve(c.Writer, c.Request, c.Param(documentIDParam))
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	value, _ := c.Get(claimsContextKey)
	claims, ok := value.(auth.SessionClaims)
	if !ok || !claims.HasRole(h.adminRole) {
		h.logger.Warn("admin role required", zap.String("user_id", c.GetString(userIDContextKey)), zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}
