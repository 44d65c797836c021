package endpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stationops/geofence/config"
	"github.com/stationops/geofence/middleware"
	"github.com/stationops/geofence/model"
	"github.com/stationops/geofence/util"
	"gorm.io/gorm"
)

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email" example:"user@example.com"`
	Password string `json:"password" binding:"required" example:"password123"`
}

type LoginResponse struct {
	Token  string `json:"token"`
	Role   string `json:"role"`
	UserID uint   `json:"user_id"`
}

func bindJSONOrRespond(c *gin.Context, dst interface{}, msg string) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		util.CallUserError(c, util.APIErrorParams{Msg: msg, Err: err})
		return false
	}
	return true
}

func getDBOrRespond(c *gin.Context) (*gorm.DB, bool) {
	db := middleware.GetDB(c)
	if db == nil {
		util.CallServerError(c, util.APIErrorParams{Msg: "Database connection not available", Err: fmt.Errorf("db is nil")})
		return nil, false
	}
	return db, true
}

func createJWTToken(user model.User) (string, error) {
	claims := jwt.MapClaims{
		"user_id": user.ID,
		"email":   user.Email,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(util.GetJWTSecretByte())
}

// Login godoc
// @Summary      User login
// @Description  Authenticate user with email and password
// @Tags         Authentication
// @Accept       json
// @Produce      json
// @Param        request body LoginRequest true "Login credentials"
// @Success      200 {object} util.APIResponse{data=LoginResponse} "Login successful"
// @Failure      400 {object} util.APIResponse "Invalid request payload"
// @Failure      500 {object} util.APIResponse "Server error"
// @Router       /login [post]
func Login(c *gin.Context) {
	var req LoginRequest
	if !bindJSONOrRespond(c, &req, "Invalid request payload") {
		return
	}
	db, ok := getDBOrRespond(c)
	if !ok {
		return
	}

	ip := c.ClientIP()
	agent := c.Request.UserAgent()

	var user model.User
	if err := db.First(&user, "email = ?", req.Email).Error; err != nil {
		util.LogLoginFailure(req.Email, ip, agent, "user not found")
		util.CallUserError(c, util.APIErrorParams{Msg: "Invalid email or password", Err: fmt.Errorf("invalid credentials")})
		return
	}
	if user.Password != util.HashPassword(req.Password) {
		util.LogLoginFailure(req.Email, ip, agent, "invalid password")
		util.CallUserError(c, util.APIErrorParams{Msg: "Invalid email or password", Err: fmt.Errorf("invalid credentials")})
		return
	}

	var role model.Role
	if err := db.First(&role, "id = ?", user.RoleID).Error; err != nil {
		util.CallServerError(c, util.APIErrorParams{Msg: "Role not found", Err: err})
		return
	}

	tokenString, err := createJWTToken(user)
	if err != nil {
		util.CallServerError(c, util.APIErrorParams{Msg: "Could not generate token", Err: err})
		return
	}

	session := model.Session{
		SessionToken: tokenString,
		UserID:       user.ID,
		ExpiresAt:    time.Now().Add(time.Hour),
		ClientIP:     ip,
		Browser:      agent,
	}
	if err := db.Create(&session).Error; err != nil {
		util.CallServerError(c, util.APIErrorParams{Msg: "Failed to record session", Err: err})
		return
	}

	// Cache the session in Redis (best-effort).
	if rdb := config.GetRedisClient(); rdb != nil {
		val := fmt.Sprintf("%d:%d", user.ID, role.ID)
		_ = rdb.Set(context.Background(), fmt.Sprintf("session:%s", tokenString), val, time.Until(session.ExpiresAt)).Err()
		_ = util.AddSessionToUserSet(user.ID, tokenString)
	}

	util.LogLoginSuccess(user.ID, user.Email, ip, agent)
	util.CallSuccessOK(c, util.APISuccessParams{
		Msg:  "Login successful",
		Data: LoginResponse{Token: tokenString, Role: role.Name, UserID: user.ID},
	})
}

// Logout godoc
// @Summary      User logout
// @Description  Invalidate the current session
// @Tags         Authentication
// @Produce      json
// @Security     SessionToken
// @Success      200 {object} util.APIResponse "Logged out"
// @Failure      401 {object} util.APIResponse "Unauthorized"
// @Router       /logout [post]
func Logout(c *gin.Context) {
	sessionToken := c.GetHeader("session-token")
	db, ok := getDBOrRespond(c)
	if !ok {
		return
	}

	userID, _ := middleware.GetUserID(c)
	if sessionToken != "" {
		db.Where("session_token = ?", sessionToken).Delete(&model.Session{})
		if rdb := config.GetRedisClient(); rdb != nil {
			_ = rdb.Del(context.Background(), fmt.Sprintf("session:%s", sessionToken)).Err()
			_ = util.RemoveSessionTokenFromUserSet(userID, sessionToken)
		}
	}

	util.LogLogout(userID, "", c.ClientIP(), c.Request.UserAgent())
	util.CallSuccessOK(c, util.APISuccessParams{Msg: "Logged out", Data: map[string]interface{}{}})
}
