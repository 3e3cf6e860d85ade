package middleware

import (
	"crypto/subtle"
	"net/http"

	"custodex.com/pkg/common"
	"github.com/gin-gonic/gin"
)

const HeaderSharedSecret = "X-Custody-Secret"

// SharedSecret 运维接口鉴权
// 常数时间比较，防时序侧信道
func SharedSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			// 没配密钥就放行 (开发环境)
			c.Next()
			return
		}
		got := c.GetHeader(HeaderSharedSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			common.Fail(c, http.StatusUnauthorized, 1002001, "未授权")
			c.Abort()
			return
		}
		c.Next()
	}
}
