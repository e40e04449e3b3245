package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"evalflow/internal/db"
	"evalflow/internal/user"
)

func isAdmin(c *gin.Context) bool {
	return c.GetString("role") == string(user.RoleAdmin)
}

// requireAdmin writes 403 for non-admins. The admin middleware already
// guards these routes; handlers check again when mounted elsewhere.
func requireAdmin(c *gin.Context) bool {
	if isAdmin(c) {
		return true
	}
	errorJSON(c, http.StatusForbidden, "forbidden", "Forbidden")
	return false
}

func userView(u user.User) gin.H {
	return gin.H{
		"id":               u.ID,
		"username":         u.Username,
		"role":             u.Role,
		"languageId":       u.LanguageID,
		"proficiencyLevel": u.Proficiency,
		"createdAt":        u.CreatedAt,
	}
}

// ProfileFields are the parts of a user that seed new session subjects.
type ProfileFields struct {
	LanguageID  *string `json:"languageId,omitempty"`
	Proficiency *int    `json:"proficiencyLevel,omitempty"`
}

// applyChanges sets password and profile on u, writing the error response
// on failure.
func applyChanges(c *gin.Context, u *user.User, password string, profile ProfileFields) bool {
	if err := u.SetProfile(profile.LanguageID, profile.Proficiency); err != nil {
		errorJSON(c, http.StatusBadRequest, "validation", "Invalid proficiency level")
		return false
	}
	if password != "" {
		if err := u.SetPassword(password); err != nil {
			errorJSON(c, http.StatusInternalServerError, "internal", "Password hash failed")
			return false
		}
	}
	return true
}

func loadUser(c *gin.Context, id any) (user.User, bool) {
	var u user.User
	if err := db.DB.First(&u, id).Error; err != nil {
		errorJSON(c, http.StatusNotFound, "not_found", "User not found")
		return u, false
	}
	return u, true
}

func saveUser(c *gin.Context, u *user.User) {
	if err := db.DB.Save(u).Error; err != nil {
		errorJSON(c, http.StatusInternalServerError, "internal", "Update error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "User updated"})
}

// GET /users  [admin only]
func ListUsersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		var users []user.User
		if err := db.DB.Order("id").Find(&users).Error; err != nil {
			errorJSON(c, http.StatusInternalServerError, "internal", "List error")
			return
		}
		result := make([]gin.H, 0, len(users))
		for _, u := range users {
			result = append(result, userView(u))
		}
		c.JSON(http.StatusOK, result)
	}
}

type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
	ProfileFields
}

// POST /users  [admin only]
func CreateUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		var req CreateUserRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
			errorJSON(c, http.StatusBadRequest, "validation", "Missing username or password")
			return
		}
		role, err := user.ParseRole(req.Role)
		if err != nil {
			errorJSON(c, http.StatusBadRequest, "validation", "Invalid role")
			return
		}
		var count int64
		db.DB.Model(&user.User{}).Where("username = ?", req.Username).Count(&count)
		if count > 0 {
			errorJSON(c, http.StatusBadRequest, "validation", "Username already exists")
			return
		}
		newUser := user.User{Username: req.Username, Role: role}
		if !applyChanges(c, &newUser, req.Password, req.ProfileFields) {
			return
		}
		if err := db.DB.Create(&newUser).Error; err != nil {
			errorJSON(c, http.StatusInternalServerError, "internal", "Create error")
			return
		}
		c.JSON(http.StatusCreated, userView(newUser))
	}
}

// GET /users/me
func GetMeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := currentUserID(c)
		if u, ok := loadUser(c, userID); ok {
			c.JSON(http.StatusOK, userView(u))
		}
	}
}

// UpdateMeRequest ignores role; users cannot change their own.
type UpdateMeRequest struct {
	Password string `json:"password,omitempty"`
	ProfileFields
}

// PUT /users/me
func UpdateMeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := currentUserID(c)
		var req UpdateMeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "validation", "Invalid request")
			return
		}
		u, ok := loadUser(c, userID)
		if !ok || !applyChanges(c, &u, req.Password, req.ProfileFields) {
			return
		}
		saveUser(c, &u)
	}
}

// DELETE /users/me
func DeleteMeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := currentUserID(c)
		if err := db.DB.Delete(&user.User{}, userID).Error; err != nil {
			errorJSON(c, http.StatusInternalServerError, "internal", "Delete error")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "User deleted"})
	}
}

// GET /users/:id  [admin only]
func GetUserByIdHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		if u, ok := loadUser(c, c.Param("id")); ok {
			c.JSON(http.StatusOK, userView(u))
		}
	}
}

type UpdateUserRequest struct {
	Password string `json:"password,omitempty"`
	Role     string `json:"role,omitempty"`
	ProfileFields
}

// PUT /users/:id  [admin only]
func UpdateUserByIdHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		var req UpdateUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "validation", "Invalid request")
			return
		}
		u, ok := loadUser(c, c.Param("id"))
		if !ok {
			return
		}
		if req.Role != "" {
			role, err := user.ParseRole(req.Role)
			if errors.Is(err, user.ErrInvalidRole) {
				errorJSON(c, http.StatusBadRequest, "validation", "Invalid role")
				return
			}
			u.Role = role
		}
		if !applyChanges(c, &u, req.Password, req.ProfileFields) {
			return
		}
		saveUser(c, &u)
	}
}

// DELETE /users/:id  [admin only]
func DeleteUserByIdHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		if err := db.DB.Delete(&user.User{}, c.Param("id")).Error; err != nil {
			errorJSON(c, http.StatusInternalServerError, "internal", "Delete error")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "User deleted"})
	}
}
