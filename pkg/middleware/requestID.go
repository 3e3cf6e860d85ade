package middleware

import (
	"context"

	"custodex.com/pkg/common"
	"custodex.com/pkg/logger"
	"github.com/gin-gonic/gin"
)

func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		if rid == "" {
			rid = common.New()
		}
		c.Set(common.CtxKeyRequestID, rid)
		// 写入 request context，后面所有日志都带上 trace_id
		ctx := context.WithValue(c.Request.Context(), logger.TraceIdKey, rid) //nolint:staticcheck
		c.Request = c.Request.WithContext(ctx)
		c.Header(common.HeaderRequestID, rid)
		c.Next()
	}
}
