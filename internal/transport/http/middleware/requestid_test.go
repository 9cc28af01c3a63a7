package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestIDMintsOneWhenAbsent(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/", nil)

	RequestID()(c)

	got := w.Header().Get(requestIDHeader)
	assert.NotEmpty(t, got)
	_, err := uuid.Parse(got)
	assert.NoError(t, err)
	assert.Equal(t, got, GetRequestID(c))
}

func TestRequestIDReusesCallerSuppliedHeader(t *testing.T) {
	want := uuid.NewString()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/", nil)
	c.Request.Header.Set(requestIDHeader, want)

	RequestID()(c)

	assert.Equal(t, want, w.Header().Get(requestIDHeader))
	assert.Equal(t, want, GetRequestID(c))
}

func TestRequestIDReplacesGarbageCallerHeader(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/", nil)
	c.Request.Header.Set(requestIDHeader, "not-a-uuid")

	RequestID()(c)

	got := w.Header().Get(requestIDHeader)
	assert.NotEqual(t, "not-a-uuid", got)
	_, err := uuid.Parse(got)
	assert.NoError(t, err)
}

func TestGetRequestIDEmptyWhenMiddlewareNeverRan(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	assert.Equal(t, "", GetRequestID(c))
}
