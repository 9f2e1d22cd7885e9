package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader carries the request identifier in both directions.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "freshledger_request_id"

// RequestID returns a Gin middleware that propagates the caller's request ID
// when it is a UUID, or assigns a fresh one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// RequestIDFromCtx returns the request ID assigned by RequestID, or "".
func RequestIDFromCtx(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
