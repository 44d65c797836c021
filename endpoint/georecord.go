package endpoint

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stationops/geofence/model"
	"github.com/stationops/geofence/security"
	"github.com/stationops/geofence/util"
)

// ListGeoRecords godoc
// @Summary      List cached geolocation records
// @Tags         Security
// @Produce      json
// @Security     SessionToken
// @Param        country query string false "Filter by country code"
// @Param        limit query int false "Limit number of results" default(100)
// @Success      200 {object} util.APIResponse{data=[]model.GeoRecord} "Records retrieved"
// @Failure      500 {object} util.APIResponse "Server error"
// @Router       /security/geo [get]
func ListGeoRecords(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	db, ok := getDBOrRespond(c)
	if !ok {
		return
	}

	query := db.Model(&model.GeoRecord{}).Order("last_seen desc").Limit(limit)
	if country := c.Query("country"); country != "" {
		query = query.Where("country_code = ?", country)
	}

	var records []model.GeoRecord
	if err := query.Find(&records).Error; err != nil {
		util.CallServerError(c, util.APIErrorParams{Msg: "Failed to retrieve geo records", Err: err})
		return
	}
	util.CallSuccessOK(c, util.APISuccessParams{Msg: "Geo records retrieved", Data: records})
}

// TestGeolocation godoc
// @Summary      Probe the geolocation service
// @Description  Resolve a given IP and report whether the policy admits it
// @Tags         Security
// @Produce      json
// @Security     SessionToken
// @Param        ip query string true "IP to resolve"
// @Success      200 {object} util.APIResponse "Lookup result"
// @Failure      500 {object} util.APIResponse "Lookup failed"
// @Router       /security/geo/test [get]
func TestGeolocation(resolver *security.Resolver, policies *security.PolicyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.DefaultQuery("ip", "8.8.8.8")

		geo, err := resolver.Resolve(c.Request.Context(), ip)
		if err != nil {
			util.CallServerError(c, util.APIErrorParams{Msg: "Geolocation lookup failed", Err: err})
			return
		}

		allowed := false
		if policy, err := policies.Get(); err == nil {
			allowed = policy.IsCountryAllowed(geo.CountryCode)
		}

		util.CallSuccessOK(c, util.APISuccessParams{
			Msg: "Geolocation lookup complete",
			Data: gin.H{
				"ip":      ip,
				"country": geo.CountryName,
				"city":    geo.City,
				"allowed": allowed,
			},
		})
	}
}

// SecurityStatus godoc
// @Summary      Security subsystem status
// @Description  Current configuration plus 30-day access statistics
// @Tags         Security
// @Produce      json
// @Security     SessionToken
// @Success      200 {object} util.APIResponse "Status retrieved"
// @Failure      500 {object} util.APIResponse "Server error"
// @Router       /security/status [get]
func SecurityStatus(policies *security.PolicyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		db, ok := getDBOrRespond(c)
		if !ok {
			return
		}

		policy, err := policies.Get()
		if err != nil {
			util.CallServerError(c, util.APIErrorParams{Msg: "Failed to load security policy", Err: err})
			return
		}

		last30 := time.Now().Add(-30 * 24 * time.Hour)
		var totalIPs, blockedAttempts int64
		var countries []string
		db.Model(&model.GeoRecord{}).Count(&totalIPs)
		db.Model(&model.SuspiciousAccessAttempt{}).
			Where("timestamp >= ? AND was_blocked = ?", last30, true).
			Count(&blockedAttempts)
		db.Model(&model.GeoRecord{}).Distinct("country_code").Pluck("country_code", &countries)

		var recentChanges []model.AuditEntry
		db.Order("id desc").Limit(10).Find(&recentChanges)

		util.CallSuccessOK(c, util.APISuccessParams{
			Msg: "Security status retrieved",
			Data: gin.H{
				"policy":            policy,
				"allowed_countries": policy.AllowedCountries(),
				"recent_changes":    recentChanges,
				"stats": gin.H{
					"total_ips":        totalIPs,
					"unique_countries": len(countries),
					"blocked_attempts": blockedAttempts,
				},
			},
		})
	}
}
