package middleware

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

func setCorsHeaders(c *gin.Context) {
	c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
	c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, DELETE, PATCH")
	c.Writer.Header().Set("Access-Control-Allow-Headers", "X-Requested-With, Content-Type, Authorization, session-token")
	c.Writer.Header().Set("Access-Control-Max-Age", "86400")
	c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
	c.Writer.Header().Set("Content-Type", "application/json")
}

// CORSMiddleware configures CORS headers for incoming requests.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		setCorsHeaders(c)

		// For preflight requests, respond with 204 and abort further processing.
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// tokenValidator checks the Authorization header against the expected
// static API token. OPTIONS requests bypass validation.
func tokenValidator(c *gin.Context, expected string) bool {
	if c.Request.Method == "OPTIONS" {
		return true
	}
	if c.GetHeader("Authorization") != expected {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API token"})
		return false
	}
	return true
}

// APITokenRequired validates the static bearer token configured via the
// APITOKEN environment variable.
func APITokenRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := "Bearer " + os.Getenv("APITOKEN")
		if !tokenValidator(c, expected) {
			return
		}
		c.Next()
	}
}
