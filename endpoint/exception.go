package endpoint

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stationops/geofence/middleware"
	"github.com/stationops/geofence/model"
	"github.com/stationops/geofence/security"
	"github.com/stationops/geofence/util"
	"gorm.io/gorm"
)

type requestExceptionRequest struct {
	UserID             uint   `json:"user_id"`
	DestinationCountry string `json:"destination_country" binding:"required" example:"Canada"`
	Reason             string `json:"reason" binding:"required" example:"Family visit"`
	StartDate          string `json:"start_date" binding:"required" example:"2026-09-01T00:00:00Z"`
	EndDate            string `json:"end_date" binding:"required" example:"2026-09-15T00:00:00Z"`
}

type decideExceptionRequest struct {
	Notes string `json:"notes"`
}

// ListExceptions godoc
// @Summary      List access exceptions
// @Description  Get access exceptions, optionally filtered by status or user
// @Tags         Security
// @Produce      json
// @Security     SessionToken
// @Param        status query string false "Filter by status"
// @Param        user_id query int false "Filter by user"
// @Success      200 {object} util.APIResponse{data=[]model.AccessException} "Exceptions retrieved"
// @Failure      500 {object} util.APIResponse "Server error"
// @Router       /security/exceptions [get]
func ListExceptions(c *gin.Context) {
	db, ok := getDBOrRespond(c)
	if !ok {
		return
	}

	query := db.Model(&model.AccessException{}).Order("created_at desc")
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if userID := c.Query("user_id"); userID != "" {
		query = query.Where("user_id = ?", userID)
	}

	var exceptions []model.AccessException
	if err := query.Find(&exceptions).Error; err != nil {
		util.CallServerError(c, util.APIErrorParams{Msg: "Failed to retrieve exceptions", Err: err})
		return
	}

	// Present derived EXPIRED status without waiting for the sweep.
	now := time.Now()
	for i := range exceptions {
		exceptions[i].Status = exceptions[i].EffectiveStatus(now)
	}

	util.CallSuccessOK(c, util.APISuccessParams{Msg: "Exceptions retrieved", Data: exceptions})
}

// RequestException godoc
// @Summary      Request access exception
// @Description  Create a PENDING international access exception for a user
// @Tags         Security
// @Accept       json
// @Produce      json
// @Security     SessionToken
// @Param        request body requestExceptionRequest true "Exception request"
// @Success      200 {object} util.APIResponse{data=model.AccessException} "Exception requested"
// @Failure      400 {object} util.APIResponse "Invalid request"
// @Failure      409 {object} util.APIResponse "Conflicting exception exists"
// @Router       /security/exceptions [post]
func RequestException(manager *security.ExceptionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req requestExceptionRequest
		if !bindJSONOrRespond(c, &req, "Invalid request body") {
			return
		}

		start, err := time.Parse(time.RFC3339, req.StartDate)
		if err != nil {
			util.CallUserError(c, util.APIErrorParams{Msg: "Invalid start_date", Err: err})
			return
		}
		end, err := time.Parse(time.RFC3339, req.EndDate)
		if err != nil {
			util.CallUserError(c, util.APIErrorParams{Msg: "Invalid end_date", Err: err})
			return
		}

		requesterID, _ := middleware.GetUserID(c)
		userID := req.UserID
		if userID == 0 {
			userID = requesterID
		}

		exception, err := manager.Request(userID, req.DestinationCountry, req.Reason, start, end, requesterID)
		if err != nil {
			switch {
			case errors.Is(err, security.ErrExceptionConflict):
				util.CallConflict(c, util.APIErrorParams{Msg: "A live exception already exists for this destination", Err: err})
			case errors.Is(err, security.ErrInvalidWindow):
				util.CallUserError(c, util.APIErrorParams{Msg: "Invalid validity window", Err: err})
			default:
				util.CallServerError(c, util.APIErrorParams{Msg: "Failed to create exception", Err: err})
			}
			return
		}

		util.CallSuccessOK(c, util.APISuccessParams{Msg: "Exception requested", Data: exception})
	}
}

// DecideException godoc
// @Summary      Approve or deny an exception
// @Description  Move a PENDING exception to APPROVED or DENIED
// @Tags         Security
// @Accept       json
// @Produce      json
// @Security     SessionToken
// @Param        id path int true "Exception ID"
// @Param        request body decideExceptionRequest false "Decision notes"
// @Success      200 {object} util.APIResponse{data=model.AccessException} "Decision applied"
// @Failure      400 {object} util.APIResponse "Invalid transition"
// @Failure      404 {object} util.APIResponse "Exception not found"
// @Router       /security/exceptions/{id}/approve [post]
func DecideException(manager *security.ExceptionManager, approve bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := exceptionIDParam(c)
		if !ok {
			return
		}
		var req decideExceptionRequest
		_ = c.ShouldBindJSON(&req)

		db, ok := getDBOrRespond(c)
		if !ok {
			return
		}

		actorID, _ := middleware.GetUserID(c)

		// Resolve the requesting user's email for the approval notice.
		var exception model.AccessException
		userEmail := ""
		if err := db.First(&exception, id).Error; err == nil {
			userEmail = util.GetUserEmail(db, exception.UserID)
		}

		updated, err := manager.Decide(id, approve, actorID, req.Notes, userEmail)
		if err != nil {
			respondExceptionError(c, err)
			return
		}

		verdict := "denied"
		if approve {
			verdict = "approved"
		}
		util.CallSuccessOK(c, util.APISuccessParams{Msg: fmt.Sprintf("Exception %s", verdict), Data: updated})
	}
}

// RevokeException godoc
// @Summary      Revoke an approved exception
// @Tags         Security
// @Accept       json
// @Produce      json
// @Security     SessionToken
// @Param        id path int true "Exception ID"
// @Success      200 {object} util.APIResponse{data=model.AccessException} "Exception revoked"
// @Failure      400 {object} util.APIResponse "Invalid transition"
// @Failure      404 {object} util.APIResponse "Exception not found"
// @Router       /security/exceptions/{id}/revoke [post]
func RevokeException(manager *security.ExceptionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := exceptionIDParam(c)
		if !ok {
			return
		}
		var req decideExceptionRequest
		_ = c.ShouldBindJSON(&req)

		actorID, _ := middleware.GetUserID(c)
		updated, err := manager.Revoke(id, actorID, req.Notes)
		if err != nil {
			respondExceptionError(c, err)
			return
		}
		util.CallSuccessOK(c, util.APISuccessParams{Msg: "Exception revoked", Data: updated})
	}
}

func exceptionIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		util.CallUserError(c, util.APIErrorParams{Msg: "Invalid exception ID", Err: fmt.Errorf("exception ID is required")})
		return 0, false
	}
	return uint(id), true
}

func respondExceptionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, security.ErrExceptionConflict):
		util.CallConflict(c, util.APIErrorParams{Msg: "A live exception already exists for this destination", Err: err})
	case errors.Is(err, security.ErrInvalidTransition):
		util.CallUserError(c, util.APIErrorParams{Msg: "Invalid state transition", Err: err})
	case errors.Is(err, security.ErrExceptionNotActive):
		util.CallUserError(c, util.APIErrorParams{Msg: "Exception is not active", Err: err})
	case errors.Is(err, gorm.ErrRecordNotFound):
		util.CallErrorNotFound(c, util.APIErrorParams{Msg: "Exception not found", Err: err})
	default:
		util.CallServerError(c, util.APIErrorParams{Msg: "Exception operation failed", Err: err})
	}
}
