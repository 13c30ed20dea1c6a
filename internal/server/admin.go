package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/divergence"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/updatelog"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type repairRequestPayload struct {
	Strategy string `json:"strategy"`
}

type repairResponsePayload struct {
	DocumentID string `json:"document_id"`
	Strategy   string `json:"strategy"`
	Repaired   bool   `json:"repaired"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.health.Summary(c.Request.Context()))
}

func (h *httpHandler) handleFlattened(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	state, err := h.snapshots.GetFlattenedState(c.Request.Context(), documentID)
	if err != nil {
		h.respondError(c, "flattened state lookup failed", documentID, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handleSnapshotHistory(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query(snapshotLimitQuery)); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	history, err := h.snapshots.GetSnapshotHistory(c.Request.Context(), documentID, limit)
	if err != nil {
		h.respondError(c, "snapshot history lookup failed", documentID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document_id": documentID, "snapshots": history})
}

func (h *httpHandler) handleSnapshotStats(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	stats, err := h.snapshots.GetSnapshotStats(c.Request.Context(), documentID)
	if err != nil {
		h.respondError(c, "snapshot stats lookup failed", documentID, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *httpHandler) handleCreateSnapshot(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	metadata, err := h.snapshots.CreateSnapshot(c.Request.Context(), documentID, documents.SourceManual, c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, "manual snapshot failed", documentID, err)
		return
	}
	c.JSON(http.StatusCreated, metadata)
}

func (h *httpHandler) handleConsistency(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	report, err := h.consistency.CheckConsistency(c.Request.Context(), documentID)
	if err != nil {
		h.respondError(c, "consistency check failed", documentID, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleRepair(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request repairRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	strategy, err := divergence.ParseStrategy(strings.TrimSpace(request.Strategy))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_strategy"})
		return
	}
	repaired, err := h.consistency.AutoRepair(c.Request.Context(), documentID, strategy)
	if err != nil && !errors.Is(err, divergence.ErrRepairNotConverged) {
		h.respondError(c, "repair failed", documentID, err)
		return
	}
	status := http.StatusOK
	if errors.Is(err, divergence.ErrRepairNotConverged) {
		status = http.StatusConflict
	}
	c.JSON(status, repairResponsePayload{DocumentID: documentID, Strategy: string(strategy), Repaired: repaired})
}

func (h *httpHandler) documentID(c *gin.Context) (string, bool) {
	documentID, err := documents.NewDocumentID(c.Param(documentIDParam))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", false
	}
	return documentID.String(), true
}

func (h *httpHandler) respondError(c *gin.Context, message, documentID string, err error) {
	switch {
	case errors.Is(err, documents.ErrDocumentNotFound),
		errors.Is(err, documents.ErrNoFlattenedState),
		errors.Is(err, updatelog.ErrNoUpdates):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, divergence.ErrUnsupportedRepairStrategy):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_strategy"})
	default:
		h.logger.Error(message, zap.String("document_id", documentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
