package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cloudlearn/corelms/internal/testengine"
	"github.com/cloudlearn/corelms/internal/transport/http/dto"
	"github.com/cloudlearn/corelms/internal/transport/http/middleware"
)

// TestHandler exposes TestService (spec.md §6): StartTest, HeartbeatTest,
// SubmitTest, GetAttemptStatus, ListUserAttempts, ResetLastAttempt.
type TestHandler struct {
	engine *testengine.Engine
}

func NewTestHandler(engine *testengine.Engine) *TestHandler {
	return &TestHandler{engine: engine}
}

func (h *TestHandler) StartTest(c *gin.Context) {
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

	attempt, err := h.engine.Start(c.Request.Context(), userID, testID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromTestAttempt(attempt))
}

func (h *TestHandler) HeartbeatTest(c *gin.Context) {
	attemptID, err := strconv.ParseInt(c.Param("attemptId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorEnvelope{Code: "BadRequest", Message: "invalid attempt id"})
		return
	}

	var req dto.HeartbeatTestRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorEnvelope{Code: "BadRequest", Message: err.Error()})
			return
		}
		if err := dto.Validate(&req); err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorEnvelope{Code: "BadRequest", Message: dto.ValidationMessage(err)})
			return
		}
	}
	var draft json.RawMessage
	if req.Draft != nil {
		b, err := json.Marshal(req.Draft)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorEnvelope{Code: "BadRequest", Message: "invalid draft payload"})
			return
		}
		draft = b
	}

	remaining, err := h.engine.Heartbeat(c.Request.Context(), attemptID, draft)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.HeartbeatTestResponse{RemainingSeconds: remaining})
}

func (h *TestHandler) SubmitTest(c *gin.Context) {
	attemptID, err := strconv.ParseInt(c.Param("attemptId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorEnvelope{Code: "BadRequest", Message: "invalid attempt id"})
		return
	}

	var req dto.SubmitTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorEnvelope{Code: "BadRequest", Message: err.Error()})
		return
	}
	if err := dto.Validate(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorEnvelope{Code: "BadRequest", Message: dto.ValidationMessage(err)})
		return
	}
	var answers json.RawMessage
	if req.Answers != nil {
		b, err := json.Marshal(req.Answers)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorEnvelope{Code: "BadRequest", Message: "invalid answers payload"})
			return
		}
		answers = b
	}

	attempt, err := h.engine.Submit(c.Request.Context(), attemptID, answers)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromTestAttempt(attempt))
}

func (h *TestHandler) GetAttemptStatus(c *gin.Context) {
	attemptID, err := strconv.ParseInt(c.Param("attemptId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorEnvelope{Code: "BadRequest", Message: "invalid attempt id"})
		return
	}
	attempt, err := h.engine.GetAttemptStatus(c.Request.Context(), attemptID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromTestAttempt(attempt))
}

func (h *TestHandler) ListUserAttempts(c *gin.Context) {
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
	attempts, err := h.engine.ListUserAttempts(c.Request.Context(), userID, testID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": dto.FromTestAttempts(attempts)})
}

// ResetLastAttempt is teacher/admin-only; RequireRole gates it in the
// router before this handler runs.
func (h *TestHandler) ResetLastAttempt(c *gin.Context) {
	teacherID, err := middleware.GetUserID(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorEnvelope{Code: "Unauthorized", Message: "missing user"})
		return
	}
	testID, err := strconv.ParseInt(c.Param("testId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorEnvelope{Code: "BadRequest", Message: "invalid test id"})
		return
	}
	studentID, err := strconv.ParseInt(c.Param("studentId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorEnvelope{Code: "BadRequest", Message: "invalid student id"})
		return
	}

	if err := h.engine.ResetLast(c.Request.Context(), teacherID, testID, studentID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
