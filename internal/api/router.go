package api

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"evalflow/internal/auth"
	"evalflow/internal/config"
	"evalflow/internal/sessions"
)

func SetupRouter(cfg *config.Config, rdb *redis.Client, svc Services) *gin.Engine {
	r := gin.Default()
	subpath := cfg.Server.Subpath // e.g. "/evalflow", always starts with '/'

	authed := auth.AuthMiddleware(cfg, rdb, false)
	admin := auth.AuthMiddleware(cfg, rdb, true)

	group := r.Group(subpath)
	{
		group.GET("/health", healthHandler(svc))
		group.GET("/config", configHandler(cfg))

		// Setup: only if no users
		group.POST("/setup", SetupHandler())

		// Auth
		group.POST("/auth/login", LoginHandler(cfg, rdb))
		group.POST("/auth/logout", authed, LogoutHandler(rdb))
		group.GET("/auth/me", authed, MeHandler())

		// Admin: users
		group.GET("/users", admin, ListUsersHandler())
		group.POST("/users", admin, CreateUserHandler())

		// User self-service
		group.GET("/users/me", authed, GetMeHandler())
		group.PUT("/users/me", authed, UpdateMeHandler())
		group.DELETE("/users/me", authed, DeleteMeHandler())
		group.GET("/users/online", authed, OnlineUserCountHandler(rdb))

		// Admin: user by id
		group.GET("/users/:id", admin, GetUserByIdHandler())
		group.PUT("/users/:id", admin, UpdateUserByIdHandler())
		group.DELETE("/users/:id", admin, DeleteUserByIdHandler())

		if svc.Ledger != nil {
			group.GET("/stats/me", authed, StatsHandler(svc.Ledger))
		} else {
			group.GET("/stats/me", authed, unavailable("ledger"))
		}

		if svc.Sessions != nil {
			registerSessionRoutes(group, authed, svc.Sessions)
		}
	}
	return r
}

func registerSessionRoutes(group *gin.RouterGroup, authed gin.HandlerFunc, reg *sessions.Registry) {
	g := group.Group("/sessions", authed)
	g.POST("", CreateSessionHandler(reg))
	g.GET("/:id", GetSessionHandler(reg))
	g.DELETE("/:id", DeleteSessionHandler(reg))
	g.PUT("/:id/subject", SetSubjectHandler(reg))
	g.POST("/:id/refresh", RefreshHandler(reg))
	g.POST("/:id/skip", SkipHandler(reg))
	g.POST("/:id/comparison", ChooseHandler(reg))
	g.DELETE("/:id/comparison", AbandonComparisonHandler(reg))
	g.POST("/:id/verdict", VerdictHandler(reg))
	g.DELETE("/:id/verdict", CancelVerdictHandler(reg))
	g.POST("/:id/correction", CorrectionHandler(reg))
	g.POST("/:id/contribution", ContributionHandler(reg))
	g.GET("/:id/events", EventsHandler(reg))

	// Browsers cannot set headers on upgrades; the token rides in ?token=.
	group.GET("/ws/sessions/:id/events", authed, WSEventsHandler(reg))
}
