package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cloudlearn/corelms/internal/materialguard"
	"github.com/cloudlearn/corelms/internal/store"
	"github.com/cloudlearn/corelms/internal/transport/http/dto"
	"github.com/cloudlearn/corelms/internal/transport/http/middleware"
)

// AdminHandler exposes the teacher-only archive operations that must
// respect the material-access guard (C6): a section/topic with a locking
// test in progress for the requesting user cannot be archived out from
// under it (§4.6).
type AdminHandler struct {
	guard *materialguard.Guard
	store store.Store
}

func NewAdminHandler(guard *materialguard.Guard, st store.Store) *AdminHandler {
	return &AdminHandler{guard: guard, store: st}
}

func (h *AdminHandler) ArchiveSection(c *gin.Context) {
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
	if err := h.guard.CheckSectionAccess(c.Request.Context(), userID, sectionID); err != nil {
		writeError(c, err)
		return
	}
	if err := h.store.ArchiveSection(c.Request.Context(), sectionID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) ArchiveTopic(c *gin.Context) {
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
	if err := h.guard.CheckTopicAccess(c.Request.Context(), userID, topicID); err != nil {
		writeError(c, err)
		return
	}
	if err := h.store.ArchiveTopic(c.Request.Context(), topicID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
