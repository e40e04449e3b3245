package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"evalflow/internal/db"
	"evalflow/internal/user"
)

// SetupRequest creates the first account, which is always an admin.
type SetupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	ProfileFields
}

func userCount() (int64, error) {
	var count int64
	err := db.DB.Model(&user.User{}).Count(&count).Error
	return count, err
}

// POST /setup, allowed only while no users exist.
func SetupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := userCount()
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, "internal", "DB error")
			return
		}
		if count != 0 {
			errorJSON(c, http.StatusForbidden, "forbidden", "Setup not allowed; users already exist")
			return
		}
		var req SetupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "validation", "Invalid request")
			return
		}
		if req.Username == "" || req.Password == "" {
			errorJSON(c, http.StatusBadRequest, "validation", "Username and password required")
			return
		}
		admin := user.User{Username: req.Username, Role: user.RoleAdmin}
		if !applyChanges(c, &admin, req.Password, req.ProfileFields) {
			return
		}
		if err := db.DB.Create(&admin).Error; err != nil {
			errorJSON(c, http.StatusInternalServerError, "internal", "DB error")
			return
		}
		resp := userView(admin)
		resp["setup_complete"] = true
		c.JSON(http.StatusCreated, resp)
	}
}
