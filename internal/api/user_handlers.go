package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"evalflow/internal/auth"
	"evalflow/internal/config"
	"evalflow/internal/db"
	"evalflow/internal/user"
)

// tokenLifetime bounds a JWT; the Redis session expires sooner when idle.
const tokenLifetime = 7 * 24 * time.Hour

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token    string `json:"token"`
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// POST /auth/login. Answers 403 with need_setup until the first account
// exists.
func LoginHandler(cfg *config.Config, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := userCount()
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, "internal", "DB error")
			return
		}
		if count == 0 {
			c.JSON(http.StatusForbidden, gin.H{"error": gin.H{
				"message":    "Initial setup required",
				"kind":       "need_setup",
				"need_setup": true,
			}})
			return
		}
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "validation", "Invalid request")
			return
		}
		var u user.User
		if err := db.DB.Where("username = ?", req.Username).First(&u).Error; err != nil ||
			user.CheckPassword(u.PasswordHash, req.Password) != nil {
			errorJSON(c, http.StatusUnauthorized, "unauthorized", "Invalid username or password")
			return
		}
		token, err := auth.GenerateJWT(cfg.Server.JWTSecret, u.ID, u.Username, string(u.Role), tokenLifetime)
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, "internal", "Failed to generate token")
			return
		}
		if err := auth.SetSession(c.Request.Context(), rdb, u.ID, token, auth.SessionTTL); err != nil {
			errorJSON(c, http.StatusServiceUnavailable, "unavailable", "Session store unavailable")
			return
		}
		c.JSON(http.StatusOK, LoginResponse{
			Token:    token,
			UserID:   u.ID,
			Username: u.Username,
			Role:     string(u.Role),
		})
	}
}

// POST /auth/logout drops the Redis session so the token stops working
// before it expires.
func LogoutHandler(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUserID(c)
		if !ok {
			errorJSON(c, http.StatusUnauthorized, "unauthorized", "Not authenticated")
			return
		}
		_ = auth.DeleteSession(c.Request.Context(), rdb, userID)
		c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
	}
}

func MeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := currentUserID(c)
		if u, ok := loadUser(c, userID); ok {
			c.JSON(http.StatusOK, userView(u))
		}
	}
}

// OnlineUserCountHandler returns the number of users holding a session.
func OnlineUserCountHandler(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := auth.OnlineUserCount(c.Request.Context(), rdb)
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, "internal", "Failed to count online users")
			return
		}
		c.JSON(http.StatusOK, gin.H{"online": count})
	}
}
