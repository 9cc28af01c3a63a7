package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cloudlearn/corelms/internal/apperr"
	"github.com/cloudlearn/corelms/internal/oracle"
	"github.com/cloudlearn/corelms/internal/store"
	"github.com/cloudlearn/corelms/internal/transport/http/dto"
)

// MediaHandler turns a Subsection's storage_path into a time-bounded URL
// through the oracle.MediaService collaborator (spec.md §6.3) — the core
// never hands out a raw storage path.
type MediaHandler struct {
	store store.Store
	media oracle.MediaService
}

func NewMediaHandler(st store.Store, media oracle.MediaService) *MediaHandler {
	return &MediaHandler{store: st, media: media}
}

func (h *MediaHandler) GetSubsectionMediaURL(c *gin.Context) {
	subsectionID, err := strconv.ParseInt(c.Param("subsectionId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorEnvelope{Code: "BadRequest", Message: "invalid subsection id"})
		return
	}

	sub, err := h.store.GetSubsection(c.Request.Context(), subsectionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if sub.StoragePath == nil {
		writeError(c, apperr.New(apperr.CodeNotFound, "subsection has no stored material"))
		return
	}

	url, err := h.media.PresignedURL(c.Request.Context(), *sub.StoragePath, 600)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}
