package endpoint

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stationops/geofence/model"
	"github.com/stationops/geofence/security"
	"github.com/stationops/geofence/util"
	"gorm.io/gorm"
)

// ListAuditEntries godoc
// @Summary      List audit ledger entries
// @Description  Read-only view of the policy change ledger
// @Tags         Security
// @Produce      json
// @Security     SessionToken
// @Param        limit query int false "Limit number of results" default(100)
// @Param        offset query int false "Offset for pagination" default(0)
// @Success      200 {object} util.APIResponse{data=[]model.AuditEntry} "Entries retrieved"
// @Failure      500 {object} util.APIResponse "Server error"
// @Router       /security/audit [get]
func ListAuditEntries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	db, ok := getDBOrRespond(c)
	if !ok {
		return
	}

	var entries []model.AuditEntry
	if err := db.Order("id desc").Limit(limit).Offset(offset).Find(&entries).Error; err != nil {
		util.CallServerError(c, util.APIErrorParams{Msg: "Failed to retrieve audit entries", Err: err})
		return
	}
	util.CallSuccessOK(c, util.APISuccessParams{Msg: "Audit entries retrieved", Data: entries})
}

// VerifyAuditEntry godoc
// @Summary      Verify one ledger entry
// @Description  Recompute and compare the entry checksum; a mismatch is reported as an integrity failure, distinct from not-found
// @Tags         Security
// @Produce      json
// @Security     SessionToken
// @Param        id path int true "Entry ID"
// @Success      200 {object} util.APIResponse "Entry verified"
// @Failure      404 {object} util.APIResponse "Entry not found"
// @Failure      409 {object} util.APIResponse "Integrity failure"
// @Router       /security/audit/{id}/verify [get]
func VerifyAuditEntry(audit *security.AuditLog) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil || id == 0 {
			util.CallUserError(c, util.APIErrorParams{Msg: "Invalid entry ID", Err: fmt.Errorf("entry ID is required")})
			return
		}

		entry, err := audit.VerifyByID(uint(id))
		if errors.Is(err, gorm.ErrRecordNotFound) {
			util.CallErrorNotFound(c, util.APIErrorParams{Msg: "Audit entry not found", Err: err})
			return
		}
		if errors.Is(err, security.ErrIntegrity) {
			util.CallConflict(c, util.APIErrorParams{Msg: "Audit entry failed integrity verification", Err: err})
			return
		}
		if err != nil {
			util.CallServerError(c, util.APIErrorParams{Msg: "Verification failed", Err: err})
			return
		}
		util.CallSuccessOK(c, util.APISuccessParams{Msg: "Audit entry verified", Data: entry})
	}
}

// VerifyAuditLog godoc
// @Summary      Verify the whole ledger
// @Description  Bulk integrity sweep over every audit entry
// @Tags         Security
// @Produce      json
// @Security     SessionToken
// @Success      200 {object} util.APIResponse{data=security.VerifyReport} "Sweep complete"
// @Failure      500 {object} util.APIResponse "Server error"
// @Router       /security/audit/verify [post]
func VerifyAuditLog(audit *security.AuditLog) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := audit.VerifyAll()
		if err != nil {
			util.CallServerError(c, util.APIErrorParams{Msg: "Integrity sweep failed", Err: err})
			return
		}
		msg := "Audit log verified"
		if report.InvalidCount > 0 {
			msg = fmt.Sprintf("Integrity sweep found %d invalid entries", report.InvalidCount)
		}
		util.CallSuccessOK(c, util.APISuccessParams{Msg: msg, Data: report})
	}
}
