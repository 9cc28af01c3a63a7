package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// RequestID stamps every request with a correlation id, reusing a caller-
// supplied X-Request-ID when it parses as a UUID (so a gateway or test
// harness can pin one end to end) and minting a fresh uuid.NewString()
// otherwise. The id is echoed back on the response header and stashed in
// the gin context so handlers (writeError) can attach it to their output.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the id RequestID stashed for this request, or ""
// if the middleware never ran (e.g. a handler invoked directly in a test).
func GetRequestID(c *gin.Context) string {
	v, _ := c.Get("request_id")
	s, _ := v.(string)
	return s
}
