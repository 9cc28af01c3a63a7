package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cloudlearn/corelms/internal/apperr"
	"github.com/cloudlearn/corelms/internal/transport/http/dto"
	"github.com/cloudlearn/corelms/internal/transport/http/middleware"
)

// statusFor maps an apperr.Code to its HTTP status, the single place this
// core-to-transport translation happens (§7: "never in the core packages").
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeConflict, apperr.CodeDuplicate, apperr.CodeAlreadyInProgress,
		apperr.CodeAlreadySubmitted, apperr.CodeArchiveFirst:
		return http.StatusConflict
	case apperr.CodeForbidden, apperr.CodeMaterialLocked:
		return http.StatusForbidden
	case apperr.CodeNotAvailable, apperr.CodeExpired, apperr.CodeNoAttemptsLeft, apperr.CodeNoQuestions:
		return http.StatusUnprocessableEntity
	case apperr.CodeTooFrequent, apperr.CodeTooManyParallel:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError classifies err and writes the §7 error envelope. Unclassified
// errors (a bare error the core should never return, but defense in depth
// for anything that slips through a collaborator implementation) are
// reported as Internal without leaking their text.
func writeError(c *gin.Context, err error) {
	reqID := middleware.GetRequestID(c)
	var aerr *apperr.Error
	if !errors.As(err, &aerr) {
		c.JSON(http.StatusInternalServerError, dto.ErrorEnvelope{Code: string(apperr.CodeInternal), Message: "internal error", RequestID: reqID})
		return
	}
	c.JSON(statusFor(aerr.Code), dto.ErrorEnvelope{Code: string(aerr.Code), Message: aerr.Message, Details: aerr.Details, RequestID: reqID})
}
