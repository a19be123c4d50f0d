package waitlist

import "github.com/gin-gonic/gin"

const (
	corsAllowOrigin  = "*"
	corsAllowMethods = "POST, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization, x-client-info, apikey"
)

// CORSMiddleware sets the permissive CORS headers the landing page relies on. It runs
// first on the signup route so every response, including throttled and recovered
// ones, carries them.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", corsAllowOrigin)
		c.Header("Access-Control-Allow-Methods", corsAllowMethods)
		c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
		c.Next()
	}
}
