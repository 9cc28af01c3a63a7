package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cloudlearn/corelms/internal/store"
	"github.com/cloudlearn/corelms/internal/tracking"
	"github.com/cloudlearn/corelms/internal/transport/http/dto"
	"github.com/cloudlearn/corelms/internal/transport/http/middleware"
)

// TrackingHandler exposes TrackingService (spec.md §6): StartSubsectionSession,
// Heartbeat, EndSubsectionSession, GetSubsectionStatus.
type TrackingHandler struct {
	tracker *tracking.Tracker
	store   store.Store
}

func NewTrackingHandler(tracker *tracking.Tracker, st store.Store) *TrackingHandler {
	return &TrackingHandler{tracker: tracker, store: st}
}

func (h *TrackingHandler) subsectionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("subsectionId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorEnvelope{Code: "BadRequest", Message: "invalid subsection id"})
		return 0, false
	}
	return id, true
}

func (h *TrackingHandler) StartSubsectionSession(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorEnvelope{Code: "Unauthorized", Message: "missing user"})
		return
	}
	subsectionID, ok := h.subsectionID(c)
	if !ok {
		return
	}

	status, err := h.tracker.StartSession(c.Request.Context(), userID, subsectionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromSessionStatus(status))
}

func (h *TrackingHandler) Heartbeat(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorEnvelope{Code: "Unauthorized", Message: "missing user"})
		return
	}
	subsectionID, ok := h.subsectionID(c)
	if !ok {
		return
	}

	sub, err := h.store.GetSubsection(c.Request.Context(), subsectionID)
	if err != nil {
		writeError(c, err)
		return
	}

	status, err := h.tracker.Heartbeat(c.Request.Context(), userID, subsectionID, sub)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromSessionStatus(status))
}

func (h *TrackingHandler) EndSubsectionSession(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorEnvelope{Code: "Unauthorized", Message: "missing user"})
		return
	}
	subsectionID, ok := h.subsectionID(c)
	if !ok {
		return
	}

	if err := h.tracker.EndSession(c.Request.Context(), userID, subsectionID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *TrackingHandler) GetSubsectionStatus(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorEnvelope{Code: "Unauthorized", Message: "missing user"})
		return
	}
	subsectionID, ok := h.subsectionID(c)
	if !ok {
		return
	}

	p, err := h.tracker.GetStatus(c.Request.Context(), userID, subsectionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromSubsectionProgress(p))
}
