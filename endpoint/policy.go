package endpoint

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/stationops/geofence/middleware"
	"github.com/stationops/geofence/security"
	"github.com/stationops/geofence/util"
)

type updatePolicyRequest struct {
	PrimaryCountry   *string `json:"primary_country" example:"US"`
	SecondaryCountry *string `json:"secondary_country" example:"CA"`
	GeoEnabled       *bool   `json:"geo_enabled" example:"true"`
	AdminEmail       *string `json:"admin_email" example:"admin@stationops.org"`
	ITEmail          *string `json:"it_email" example:"it@stationops.org"`
	SecurityEmail    *string `json:"security_email" example:"security@stationops.org"`
	Reason           string  `json:"reason" example:"Mutual aid agreement with Canadian department"`
}

// GetSecurityPolicy godoc
// @Summary      Get security policy
// @Description  Return the current geographic security configuration
// @Tags         Security
// @Produce      json
// @Security     SessionToken
// @Success      200 {object} util.APIResponse{data=model.SecurityPolicy} "Policy retrieved"
// @Failure      500 {object} util.APIResponse "Server error"
// @Router       /security/policy [get]
func GetSecurityPolicy(policies *security.PolicyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		policy, err := policies.Get()
		if err != nil {
			util.CallServerError(c, util.APIErrorParams{Msg: "Failed to load security policy", Err: err})
			return
		}
		util.CallSuccessOK(c, util.APISuccessParams{Msg: "Security policy retrieved", Data: policy})
	}
}

// UpdateSecurityPolicy godoc
// @Summary      Update security policy
// @Description  Apply changes to the geographic security configuration; country changes are written to the audit ledger
// @Tags         Security
// @Accept       json
// @Produce      json
// @Security     SessionToken
// @Param        request body updatePolicyRequest true "Policy changes"
// @Success      200 {object} util.APIResponse{data=model.SecurityPolicy} "Policy updated"
// @Failure      400 {object} util.APIResponse "Validation error"
// @Failure      500 {object} util.APIResponse "Server error"
// @Router       /security/policy [patch]
func UpdateSecurityPolicy(policies *security.PolicyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updatePolicyRequest
		if !bindJSONOrRespond(c, &req, "Invalid request body") {
			return
		}

		actorID, _ := middleware.GetUserID(c)
		result, err := policies.Update(security.PolicyUpdate{
			PrimaryCountry:   req.PrimaryCountry,
			SecondaryCountry: req.SecondaryCountry,
			GeoEnabled:       req.GeoEnabled,
			AdminEmail:       req.AdminEmail,
			ITEmail:          req.ITEmail,
			SecurityEmail:    req.SecurityEmail,
			Reason:           req.Reason,
		}, actorID, security.RequestContext{IP: c.ClientIP(), UserAgent: c.Request.UserAgent()})
		if err != nil {
			if errors.Is(err, security.ErrPolicyValidation) {
				util.CallUserError(c, util.APIErrorParams{Msg: "Invalid policy update", Err: err})
				return
			}
			util.CallServerError(c, util.APIErrorParams{Msg: "Failed to update security policy", Err: err})
			return
		}

		msg := "Security policy updated"
		if result.Warning != "" {
			msg = fmt.Sprintf("%s (warning: %s)", msg, result.Warning)
		}
		util.CallSuccessOK(c, util.APISuccessParams{Msg: msg, Data: result.Policy})
	}
}
