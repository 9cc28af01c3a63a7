package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cloudlearn/corelms/internal/availability"
	"github.com/cloudlearn/corelms/internal/progress"
	"github.com/cloudlearn/corelms/internal/transport/http/dto"
	"github.com/cloudlearn/corelms/internal/transport/http/middleware"
)

// ProgressHandler exposes ProgressService (spec.md §6): GetSectionProgress,
// GetTopicProgress, ListSectionsWithAvailability.
type ProgressHandler struct {
	agg      *progress.Aggregator
	resolver *availability.Resolver
}

func NewProgressHandler(agg *progress.Aggregator, resolver *availability.Resolver) *ProgressHandler {
	return &ProgressHandler{agg: agg, resolver: resolver}
}

func (h *ProgressHandler) GetSectionProgress(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorEnvelope{Code: "Unauthorized", Message: "missing user"})
		return
	}
	sectionID, err := strconv.ParseInt(c.Param("sectionId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorEnvelope{Code: "BadRequest", Message: "invalid section id"})
		return
	}

	bd, err := h.agg.RecomputeSection(c.Request.Context(), userID, sectionID)
	if err != nil {
		writeError(c, err)
		return
	}
	sp, err := h.agg.GetSectionProgress(c.Request.Context(), userID, sectionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromSectionProgress(sp, bd))
}

func (h *ProgressHandler) GetTopicProgress(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorEnvelope{Code: "Unauthorized", Message: "missing user"})
		return
	}
	topicID, err := strconv.ParseInt(c.Param("topicId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorEnvelope{Code: "BadRequest", Message: "invalid topic id"})
		return
	}

	bd, err := h.agg.RecomputeTopic(c.Request.Context(), userID, topicID)
	if err != nil {
		writeError(c, err)
		return
	}
	tp, err := h.agg.GetTopicProgress(c.Request.Context(), userID, topicID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromTopicProgress(tp, bd))
}

func (h *ProgressHandler) ListSectionsWithAvailability(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorEnvelope{Code: "Unauthorized", Message: "missing user"})
		return
	}
	topicID, err := strconv.ParseInt(c.Param("topicId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorEnvelope{Code: "BadRequest", Message: "invalid topic id"})
		return
	}

	sections, err := h.resolver.ListSectionsWithAvailability(c.Request.Context(), userID, topicID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sections": dto.FromSectionsWithAvailability(sections)})
}
