package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OriginPolicy - список разрешенных origin; пустой список разрешает любой (dev)
type OriginPolicy map[string]struct{}

func NewOriginPolicy(origins []string) OriginPolicy {
	p := make(OriginPolicy, len(origins))
	for _, o := range origins {
		p[o] = struct{}{}
	}
	return p
}

func (p OriginPolicy) Allows(origin string) bool {
	if len(p) == 0 {
		return true
	}
	_, ok := p[origin]
	return ok
}

func CORS(policy OriginPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && policy.Allows(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
