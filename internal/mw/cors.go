package mw

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

// CORS 按白名单放行跨域请求，列表为空或包含 "*" 时允许所有来源。
func CORS(origins []string) gin.HandlerFunc {
	allowAll := len(origins) == 0 || lo.Contains(origins, "*")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case lo.Contains(origins, origin):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		default:
			// 不在白名单：不写 CORS 头，由浏览器拒绝。
			c.Next()
			return
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
