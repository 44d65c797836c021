package middleware

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// DBKey is the gin context key holding the request's gorm connection.
const DBKey = "db"

// DatabaseMiddleware injects the shared gorm DB into the request context.
func DatabaseMiddleware(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(DBKey, db)
		c.Next()
	}
}

// GetDB returns the gorm DB set by DatabaseMiddleware, or nil.
func GetDB(c *gin.Context) *gorm.DB {
	v, ok := c.Get(DBKey)
	if !ok {
		return nil
	}
	db, ok := v.(*gorm.DB)
	if !ok {
		return nil
	}
	return db
}
