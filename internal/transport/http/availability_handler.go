package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cloudlearn/corelms/internal/availability"
	"github.com/cloudlearn/corelms/internal/transport/http/dto"
	"github.com/cloudlearn/corelms/internal/transport/http/middleware"
)

// AvailabilityHandler exposes AvailabilityService (spec.md §6):
// CanAccessSection, CanAccessTopic, CanStartTest.
type AvailabilityHandler struct {
	resolver *availability.Resolver
}

func NewAvailabilityHandler(resolver *availability.Resolver) *AvailabilityHandler {
	return &AvailabilityHandler{resolver: resolver}
}

func (h *AvailabilityHandler) CanAccessSection(c *gin.Context) {
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
	res, err := h.resolver.CanAccessSection(c.Request.Context(), userID, sectionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AvailabilityHandler) CanAccessTopic(c *gin.Context) {
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
	res, err := h.resolver.CanAccessTopic(c.Request.Context(), userID, topicID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AvailabilityHandler) CanStartTest(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorEnvelope{Code: "Unauthorized", Message: "missing user"})
		return
	}
	testID, err := strconv.ParseInt(c.Param("testId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorEnvelope{Code: "BadRequest", Message: "invalid test id"})
		return
	}
	res, err := h.resolver.CanStartTest(c.Request.Context(), userID, testID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
