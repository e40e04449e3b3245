package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"evalflow/internal/config"
	"evalflow/internal/user"
)

// TokenFromRequest reads the bearer token, falling back to ?token= for
// websocket upgrades where browsers cannot set headers.
func TokenFromRequest(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.Query("token")
}

func abort(c *gin.Context, status int, message string) {
	kind := "unauthorized"
	if status == http.StatusForbidden {
		kind = "forbidden"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"message": message, "kind": kind}})
}

// AuthMiddleware accepts a token only while its Redis session still holds
// it, and slides the session forward on every request.
func AuthMiddleware(cfg *config.Config, rdb *redis.Client, requireAdmin bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := TokenFromRequest(c)
		if tokenStr == "" {
			abort(c, http.StatusUnauthorized, "Missing or invalid Authorization header")
			return
		}
		claims, err := ParseJWT(cfg.Server.JWTSecret, tokenStr)
		if err != nil {
			abort(c, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		ctx := c.Request.Context()
		sessionToken, err := GetSession(ctx, rdb, claims.UserID)
		if err != nil || sessionToken != tokenStr {
			abort(c, http.StatusUnauthorized, "Session expired or invalid")
			return
		}
		_ = SetSession(ctx, rdb, claims.UserID, tokenStr, SessionTTL)

		c.Set("userId", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("role", claims.Role)

		if requireAdmin && claims.Role != string(user.RoleAdmin) {
			abort(c, http.StatusForbidden, "Admin only")
			return
		}
		c.Next()
	}
}
