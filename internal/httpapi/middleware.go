package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rob634/rmhgeoapi/internal/platform/ctxutil"
)

const correlationHeader = "X-Correlation-Id"

// requestTrace stamps every request with a request ID, reusing the
// caller's X-Correlation-Id if one was sent, and stores it on the request
// context via ctxutil so downstream logging can pull it without threading
// it through every function signature.
func requestTrace() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set(correlationHeader, id)
		ctx := ctxutil.WithTraceData(c.Request.Context(), &ctxutil.TraceData{RequestID: id})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
