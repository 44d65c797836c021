package endpoint

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stationops/geofence/middleware"
	"github.com/stationops/geofence/model"
	"github.com/stationops/geofence/security"
	"github.com/stationops/geofence/util"
)

type resolveAttemptRequest struct {
	Notes string `json:"notes"`
}

// ListSuspiciousAttempts godoc
// @Summary      List suspicious access attempts
// @Tags         Security
// @Produce      json
// @Security     SessionToken
// @Param        resolved query bool false "Filter by resolution state"
// @Param        user_id query int false "Filter by user"
// @Param        limit query int false "Limit number of results" default(100)
// @Success      200 {object} util.APIResponse{data=[]model.SuspiciousAccessAttempt} "Attempts retrieved"
// @Failure      500 {object} util.APIResponse "Server error"
// @Router       /security/attempts [get]
func ListSuspiciousAttempts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	db, ok := getDBOrRespond(c)
	if !ok {
		return
	}

	query := db.Model(&model.SuspiciousAccessAttempt{}).Order("timestamp desc").Limit(limit)
	if resolved := c.Query("resolved"); resolved != "" {
		query = query.Where("resolved = ?", resolved == "true")
	}
	if userID := c.Query("user_id"); userID != "" {
		query = query.Where("user_id = ?", userID)
	}

	var attempts []model.SuspiciousAccessAttempt
	if err := query.Find(&attempts).Error; err != nil {
		util.CallServerError(c, util.APIErrorParams{Msg: "Failed to retrieve attempts", Err: err})
		return
	}
	util.CallSuccessOK(c, util.APISuccessParams{Msg: "Attempts retrieved", Data: attempts})
}

// ResolveSuspiciousAttempt godoc
// @Summary      Mark an attempt as resolved
// @Tags         Security
// @Accept       json
// @Produce      json
// @Security     SessionToken
// @Param        id path int true "Attempt ID"
// @Param        request body resolveAttemptRequest false "Resolution notes"
// @Success      200 {object} util.APIResponse{data=model.SuspiciousAccessAttempt} "Attempt resolved"
// @Failure      404 {object} util.APIResponse "Attempt not found"
// @Router       /security/attempts/{id}/resolve [patch]
func ResolveSuspiciousAttempt(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		util.CallUserError(c, util.APIErrorParams{Msg: "Invalid attempt ID", Err: fmt.Errorf("attempt ID is required")})
		return
	}
	var req resolveAttemptRequest
	_ = c.ShouldBindJSON(&req)

	db, ok := getDBOrRespond(c)
	if !ok {
		return
	}

	var attempt model.SuspiciousAccessAttempt
	if err := db.First(&attempt, id).Error; err != nil {
		util.CallErrorNotFound(c, util.APIErrorParams{Msg: "Attempt not found", Err: err})
		return
	}

	actorID, _ := middleware.GetUserID(c)
	now := time.Now()
	if err := db.Model(&attempt).Updates(map[string]interface{}{
		"resolved":         true,
		"resolved_by":      actorID,
		"resolved_at":      now,
		"resolution_notes": req.Notes,
	}).Error; err != nil {
		util.CallServerError(c, util.APIErrorParams{Msg: "Failed to resolve attempt", Err: err})
		return
	}

	db.First(&attempt, id)
	util.CallSuccessOK(c, util.APISuccessParams{Msg: "Attempt resolved", Data: attempt})
}

// CreateExceptionFromAttempt godoc
// @Summary      Create a PENDING exception from an attempt
// @Description  Convenience action for reviewers: opens a 7-day PENDING exception for the attempt's user and country
// @Tags         Security
// @Produce      json
// @Security     SessionToken
// @Param        id path int true "Attempt ID"
// @Success      200 {object} util.APIResponse{data=model.AccessException} "Exception created"
// @Failure      404 {object} util.APIResponse "Attempt not found"
// @Failure      409 {object} util.APIResponse "Conflicting exception exists"
// @Router       /security/attempts/{id}/exception [post]
func CreateExceptionFromAttempt(manager *security.ExceptionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil || id == 0 {
			util.CallUserError(c, util.APIErrorParams{Msg: "Invalid attempt ID", Err: fmt.Errorf("attempt ID is required")})
			return
		}

		db, ok := getDBOrRespond(c)
		if !ok {
			return
		}

		var attempt model.SuspiciousAccessAttempt
		if err := db.First(&attempt, id).Error; err != nil {
			util.CallErrorNotFound(c, util.APIErrorParams{Msg: "Attempt not found", Err: err})
			return
		}

		destination := "Unknown"
		if attempt.GeoRecordID != nil {
			var geo model.GeoRecord
			if err := db.First(&geo, *attempt.GeoRecordID).Error; err == nil {
				destination = geo.CountryName
			}
		}

		actorID, _ := middleware.GetUserID(c)
		start := time.Now()
		exception, err := manager.Request(
			attempt.UserID, destination,
			"Created from suspicious access attempt review",
			start, start.Add(7*24*time.Hour), actorID,
		)
		if err != nil {
			respondExceptionError(c, err)
			return
		}

		util.CallSuccessOK(c, util.APISuccessParams{Msg: "Exception created for review", Data: exception})
	}
}
