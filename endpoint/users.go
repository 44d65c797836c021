package endpoint

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stationops/geofence/middleware"
	"github.com/stationops/geofence/model"
	"github.com/stationops/geofence/util"
	"gorm.io/gorm"
)

type CreateUserRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	RoleID   uint32 `json:"role_id"`
}

type UpdateUserRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	IsActive *bool  `json:"is_active"`
}

func parseIDParam(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id parameter")
	}
	return uint(id), nil
}

func emailExists(db *gorm.DB, email string, excludeID uint) (bool, error) {
	var count int64
	if err := db.Model(&model.User{}).Where("email = ? AND id != ?", email, excludeID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func fetchUserByID(c *gin.Context, db *gorm.DB, userID uint) (*model.User, bool) {
	var user model.User
	if err := db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			util.CallErrorNotFound(c, util.APIErrorParams{Msg: "User not found", Err: err})
		} else {
			util.CallServerError(c, util.APIErrorParams{Msg: "Failed to retrieve user", Err: err})
		}
		return nil, false
	}
	return &user, true
}

func applyUserUpdate(db *gorm.DB, user *model.User, req *UpdateUserRequest) (passwordChanged bool, err error) {
	if req.Email != "" && req.Email != user.Email {
		exists, err := emailExists(db, req.Email, user.ID)
		if err != nil {
			return false, err
		}
		if exists {
			return false, fmt.Errorf("email already exists")
		}
		user.Email = req.Email
	}
	if req.Name != "" {
		user.Name = req.Name
	}
	if req.Password != "" {
		user.Password = util.HashPassword(req.Password)
		passwordChanged = true
	}
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
	}
	return passwordChanged, db.Save(user).Error
}

// ListUsers godoc
// @Summary      List users
// @Tags         Users
// @Produce      json
// @Security     SessionToken
// @Param        keyword query string false "Filter by name or email"
// @Success      200 {object} util.APIResponse{data=[]model.User} "Users retrieved"
// @Failure      500 {object} util.APIResponse "Server error"
// @Router       /users [get]
func ListUsers(c *gin.Context) {
	db, ok := getDBOrRespond(c)
	if !ok {
		return
	}

	query := db.Model(&model.User{}).Omit("password")
	if keyword := c.Query("keyword"); keyword != "" {
		like := "%" + keyword + "%"
		query = query.Where("name LIKE ? OR email LIKE ?", like, like)
	}

	var users []model.User
	if err := query.Order("id").Find(&users).Error; err != nil {
		util.CallServerError(c, util.APIErrorParams{Msg: "Failed to list users", Err: err})
		return
	}
	for i := range users {
		users[i].Password = ""
	}
	util.CallSuccessOK(c, util.APISuccessParams{Msg: "Users retrieved", Data: users})
}

// GetUserInfo godoc
// @Summary      Get the authenticated user's profile
// @Tags         Users
// @Produce      json
// @Security     SessionToken
// @Success      200 {object} util.APIResponse{data=model.User} "User retrieved"
// @Failure      401 {object} util.APIResponse "Unauthorized"
// @Router       /user [get]
func GetUserInfo(c *gin.Context) {
	db, ok := getDBOrRespond(c)
	if !ok {
		return
	}
	userID, ok := middleware.GetUserID(c)
	if !ok {
		util.CallUserNotAuthorized(c, util.APIErrorParams{Msg: "User not authenticated", Err: fmt.Errorf("user id not found in context")})
		return
	}
	user, ok := fetchUserByID(c, db, userID)
	if !ok {
		return
	}
	user.Password = ""
	util.CallSuccessOK(c, util.APISuccessParams{Msg: "User retrieved", Data: user})
}

// CreateUser godoc
// @Summary      Create a user
// @Tags         Users
// @Accept       json
// @Produce      json
// @Security     SessionToken
// @Param        user body CreateUserRequest true "User details"
// @Success      200 {object} util.APIResponse{data=model.User} "User created"
// @Failure      400 {object} util.APIResponse "Invalid request or email already exists"
// @Failure      500 {object} util.APIResponse "Server error"
// @Router       /users [post]
func CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if !bindJSONOrRespond(c, &req, "Invalid request payload") {
		return
	}
	db, ok := getDBOrRespond(c)
	if !ok {
		return
	}

	exists, err := emailExists(db, req.Email, 0)
	if err != nil {
		util.CallServerError(c, util.APIErrorParams{Msg: "Failed to check email", Err: err})
		return
	}
	if exists {
		util.CallUserError(c, util.APIErrorParams{Msg: "Email already exists", Err: fmt.Errorf("duplicate email")})
		return
	}

	roleID := req.RoleID
	if roleID == 0 {
		roleID = 2
	}
	user := model.User{
		Name:     req.Name,
		Email:    req.Email,
		Password: util.HashPassword(req.Password),
		RoleID:   roleID,
		IsActive: true,
	}
	if err := db.Create(&user).Error; err != nil {
		util.CallServerError(c, util.APIErrorParams{Msg: "Failed to create user", Err: err})
		return
	}
	user.Password = ""
	util.CallSuccessOK(c, util.APISuccessParams{Msg: "User created", Data: user})
}

// UpdateUserByID godoc
// @Summary      Update a user by ID
// @Tags         Users
// @Accept       json
// @Produce      json
// @Security     SessionToken
// @Param        id path int true "User ID"
// @Param        user body UpdateUserRequest true "Fields to update"
// @Success      200 {object} util.APIResponse{data=model.User} "User updated"
// @Failure      400 {object} util.APIResponse "Invalid request"
// @Failure      404 {object} util.APIResponse "User not found"
// @Failure      500 {object} util.APIResponse "Server error"
// @Router       /users/{id} [put]
func UpdateUserByID(c *gin.Context) {
	id, err := parseIDParam(c)
	if err != nil {
		util.CallUserError(c, util.APIErrorParams{Msg: "Invalid user ID", Err: err})
		return
	}
	var req UpdateUserRequest
	if !bindJSONOrRespond(c, &req, "Invalid request payload") {
		return
	}
	db, ok := getDBOrRespond(c)
	if !ok {
		return
	}
	user, ok := fetchUserByID(c, db, id)
	if !ok {
		return
	}

	passwordChanged, err := applyUserUpdate(db, user, &req)
	if err != nil {
		if err.Error() == "email already exists" {
			util.CallUserError(c, util.APIErrorParams{Msg: "Email already exists", Err: err})
		} else {
			util.CallServerError(c, util.APIErrorParams{Msg: "Failed to update user", Err: err})
		}
		return
	}
	if passwordChanged || (req.IsActive != nil && !*req.IsActive) {
		_ = db.Where("user_id = ?", user.ID).Delete(&model.Session{}).Error
		_ = util.InvalidateUserSessions(user.ID)
	}
	user.Password = ""
	util.CallSuccessOK(c, util.APISuccessParams{Msg: "User updated successfully", Data: user})
}

// DeleteUser godoc
// @Summary      Delete a user and invalidate their sessions
// @Tags         Users
// @Produce      json
// @Security     SessionToken
// @Param        id path int true "User ID"
// @Success      200 {object} util.APIResponse "User deleted"
// @Failure      404 {object} util.APIResponse "User not found"
// @Failure      500 {object} util.APIResponse "Server error"
// @Router       /users/{id} [delete]
func DeleteUser(c *gin.Context) {
	id, err := parseIDParam(c)
	if err != nil {
		util.CallUserError(c, util.APIErrorParams{Msg: "Invalid user ID", Err: err})
		return
	}
	db, ok := getDBOrRespond(c)
	if !ok {
		return
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		user := &model.User{}
		if err := tx.First(user, id).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", id).Delete(&model.Session{}).Error; err != nil {
			return err
		}
		return tx.Delete(user).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			util.CallErrorNotFound(c, util.APIErrorParams{Msg: "User not found", Err: err})
		} else {
			util.CallServerError(c, util.APIErrorParams{Msg: "Failed to delete user", Err: err})
		}
		return
	}
	_ = util.InvalidateUserSessions(id)
	util.CallSuccessOK(c, util.APISuccessParams{Msg: "User deleted"})
}
