package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stationops/geofence/config"
	"github.com/stationops/geofence/util"
)

// Context keys set by ValidateLoginToken for downstream handlers.
const (
	UserIDKey = "user_id"
	RoleIDKey = "role_id"
)

// ValidateLoginToken authenticates the session token from the
// `session-token` header. The session cache in Redis stores
// "userID:roleID" under session:<token>; on a cache miss or malformed
// value the session row in the database is the fallback.
func ValidateLoginToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionToken := c.GetHeader("session-token")
		if sessionToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid session token"})
			return
		}

		db := GetDB(c)
		if db == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Database connection not available"})
			return
		}

		if userID, roleID, ok := sessionFromRedis(sessionToken); ok {
			c.Set(UserIDKey, userID)
			c.Set(RoleIDKey, roleID)
			c.Next()
			return
		}

		// DB fallback: join sessions to users for the role.
		var result struct {
			UserID uint
			RoleID uint32
		}
		err := db.Table("sessions").
			Select("sessions.user_id as user_id, users.role_id as role_id").
			Joins("JOIN users ON sessions.user_id = users.id").
			Where("session_token = ? AND expires_at > ? AND sessions.deleted_at IS NULL", sessionToken, time.Now()).
			Take(&result).Error
		if err != nil || result.UserID == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Session not found"})
			return
		}

		c.Set(UserIDKey, result.UserID)
		c.Set(RoleIDKey, result.RoleID)
		c.Next()
	}
}

// sessionFromRedis resolves a token via the session cache. Malformed or
// zero values report a miss so the caller falls back to the database.
func sessionFromRedis(token string) (uint, uint32, bool) {
	rdb := config.GetRedisClient()
	if rdb == nil {
		return 0, 0, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	val, err := rdb.Get(ctx, fmt.Sprintf("session:%s", token)).Result()
	if err != nil {
		return 0, 0, false
	}
	parts := strings.SplitN(val, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	userID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil || userID == 0 {
		return 0, 0, false
	}
	roleID, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint(userID), uint32(roleID), true
}

// GetUserID returns the authenticated user ID set by ValidateLoginToken.
func GetUserID(c *gin.Context) (uint, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok
}

// GetRoleID returns the authenticated user's role ID.
func GetRoleID(c *gin.Context) (uint32, bool) {
	v, ok := c.Get(RoleIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint32)
	return id, ok
}

// AdminRoleID is the seeded Admin role. Elevated endpoints gate on it.
const AdminRoleID uint32 = 1

// RequireAdmin rejects requests whose authenticated role is not Admin.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		roleID, ok := GetRoleID(c)
		if !ok || roleID != AdminRoleID {
			userID, _ := GetUserID(c)
			util.LogUnauthorizedAccess(fmt.Sprintf("%d", userID), "", c.ClientIP(), c.Request.URL.Path, "admin role required")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			return
		}
		c.Next()
	}
}
