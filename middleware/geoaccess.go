package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stationops/geofence/security"
	"github.com/stationops/geofence/util"
)

// GeoAccessControl enforces the geographic access policy on every
// authenticated request. Exempt path prefixes and unauthenticated
// requests bypass the check entirely; the decision engine never sees
// them. A denied request gets a fixed blocked payload at 403, and a
// policy read failure fails safe with a generic 503.
func GeoAccessControl(engine *security.Engine, exemptPrefixes []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, prefix := range exemptPrefixes {
			if strings.HasPrefix(path, prefix) {
				c.Next()
				return
			}
		}

		userID, ok := GetUserID(c)
		if !ok || userID == 0 {
			// Login handles its own geography after authentication.
			c.Next()
			return
		}

		ip := clientIP(c)
		decision, err := engine.Authorize(c.Request.Context(), ip, userID, security.RequestContext{
			IP:        ip,
			UserAgent: c.Request.UserAgent(),
		})
		if err != nil {
			if errors.Is(err, security.ErrPolicyUnavailable) {
				util.CallServiceUnavailable(c, "Service temporarily unavailable")
				c.Abort()
				return
			}
			util.CallServerError(c, util.APIErrorParams{
				Msg: "Access check failed",
				Err: fmt.Errorf("authorization error"),
			})
			c.Abort()
			return
		}

		if !decision.Allow {
			country, city := "Unknown", ""
			if decision.Geo != nil {
				country = decision.Geo.CountryName
				city = decision.Geo.City
			}
			util.LogGeoBlocked(userID, ip, country, city, decision.Reason)
			util.CallForbidden(c, util.APIErrorParams{
				Msg: "Access blocked by geographic security policy",
				Err: fmt.Errorf("access blocked"),
			}, gin.H{
				"reason":  decision.Reason,
				"ip":      ip,
				"country": country,
				"city":    city,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// clientIP prefers the first X-Forwarded-For entry and falls back to
// the direct peer address.
func clientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	return c.ClientIP()
}
