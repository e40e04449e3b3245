package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"evalflow/internal/config"
	"evalflow/internal/ledger"
	"evalflow/internal/sessions"
	"evalflow/internal/worksource"
)

// Services are the long-lived components the handlers work against. Any of
// them may be nil; the routes that need a missing one answer 503.
type Services struct {
	Sessions *sessions.Registry
	Ledger   *ledger.Store
	Breaker  *worksource.Breaker
}

// GET /health
func healthHandler(svc Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if svc.Breaker != nil {
			body["upstream"] = svc.Breaker.Stats()
		}
		if svc.Sessions != nil {
			body["sessions"] = svc.Sessions.Len()
		}
		c.JSON(http.StatusOK, body)
	}
}

// GET /config
func configHandler(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		names := make([]string, 0, len(cfg.Screens))
		for name := range cfg.Screens {
			names = append(names, name)
		}
		sort.Strings(names)

		screens := make([]gin.H, 0, len(names))
		for _, name := range names {
			sc := cfg.Screens[name]
			screens = append(screens, gin.H{
				"name":     name,
				"mode":     sc.Mode,
				"capacity": sc.Capacity,
			})
		}
		// Only return non-sensitive config fields
		c.JSON(http.StatusOK, gin.H{
			"server": gin.H{
				"subpath": cfg.Server.Subpath,
			},
			"screens": screens,
		})
	}
}

// GET /stats/me
func StatsHandler(store *ledger.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUserID(c)
		if !ok {
			errorJSON(c, http.StatusUnauthorized, "unauthorized", "Not authenticated")
			return
		}
		ctx := c.Request.Context()
		st, err := store.Stats(ctx, userID)
		if err != nil {
			respondError(c, err)
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("recent", "10"))
		recent, err := store.Recent(ctx, userID, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stats": st, "recent": recent})
	}
}

func unavailable(what string) gin.HandlerFunc {
	return func(c *gin.Context) {
		errorJSON(c, http.StatusServiceUnavailable, "unavailable", what+" not configured")
	}
}
