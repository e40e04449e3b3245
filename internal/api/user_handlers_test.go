package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalflow/internal/auth"
	"evalflow/internal/config"
	"evalflow/internal/db"
	"evalflow/internal/user"
)

// setupRedis returns a client that may point at nothing; handlers that only
// touch Redis on the happy path do not need a server.
func setupRedis() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
}

// requireRedis skips tests that need a live server.
func requireRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := setupRedis()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func loginRouter(rdb *redis.Client) *gin.Engine {
	cfg := &config.Config{}
	cfg.Server.JWTSecret = "secret"
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/login", LoginHandler(cfg, rdb))
	return r
}

// seedLogin stores a user whose password is pw.
func seedLogin(t *testing.T, username, pw string, role user.Role) user.User {
	t.Helper()
	u := user.User{Username: username, Role: role}
	require.NoError(t, u.SetPassword(pw))
	require.NoError(t, db.DB.Create(&u).Error)
	return u
}

func TestLogin_NeedsSetupWhileNoUsersExist(t *testing.T) {
	setupUserDB(t)
	resetUserTable(t)

	w := serveJSON(loginRouter(setupRedis()), "POST", "/login", `{"username":"a","password":"b"}`)
	require.Equal(t, http.StatusForbidden, w.Code)
	var body struct {
		Error struct {
			Kind      string `json:"kind"`
			NeedSetup bool   `json:"need_setup"`
		} `json:"error"`
	}
	decode(t, w, &body)
	assert.Equal(t, "need_setup", body.Error.Kind)
	assert.True(t, body.Error.NeedSetup)
}

func TestLogin_RejectsBadCredentials(t *testing.T) {
	setupUserDB(t)
	resetUserTable(t)
	seedLogin(t, "known", "right", user.RoleUser)
	r := loginRouter(setupRedis())

	for name, body := range map[string]string{
		"empty username": `{"username":""}`,
		"unknown user":   `{"username":"nobody","password":"right"}`,
		"wrong password": `{"username":"known","password":"wrong"}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := serveJSON(r, "POST", "/login", body)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "unauthorized", errorKind(t, w))
		})
	}

	w := serveJSON(r, "POST", "/login", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", errorKind(t, w))
}

func TestLogin_IssuesTokenCarryingRoleAndStoresSession(t *testing.T) {
	rdb := requireRedis(t)
	setupUserDB(t)
	resetUserTable(t)
	u := seedLogin(t, "reviewer", "mypw", user.RoleAdmin)
	t.Cleanup(func() { _ = auth.DeleteSession(context.Background(), rdb, u.ID) })

	w := serveJSON(loginRouter(rdb), "POST", "/login", `{"username":"reviewer","password":"mypw"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp LoginResponse
	decode(t, w, &resp)
	assert.Equal(t, u.ID, resp.UserID)
	assert.Equal(t, "admin", resp.Role)

	claims, err := auth.ParseJWT("secret", resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, u.ID, claims.UserID)

	stored, err := auth.GetSession(context.Background(), rdb, u.ID)
	require.NoError(t, err)
	assert.Equal(t, resp.Token, stored)
}

func TestLogout(t *testing.T) {
	gin.SetMode(gin.TestMode)

	anon := gin.New()
	anon.POST("/logout", LogoutHandler(setupRedis()))
	w := serveJSON(anon, "POST", "/logout", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", errorKind(t, w))

	signedIn := gin.New()
	signedIn.Use(asUser(123))
	signedIn.POST("/logout", LogoutHandler(setupRedis()))
	w = serveJSON(signedIn, "POST", "/logout", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Logged out")
}

func TestMeHandler_ReturnsProfile(t *testing.T) {
	setupUserDB(t)
	resetUserTable(t)
	u := seedLogin(t, "meuser", "pw", user.RoleUser)
	lang, level := "sw", 2
	require.NoError(t, u.SetProfile(&lang, &level))
	require.NoError(t, db.DB.Save(&u).Error)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(asUser(u.ID))
	r.GET("/me", MeHandler())

	w := serveJSON(r, "GET", "/me", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		Username    string `json:"username"`
		Role        string `json:"role"`
		LanguageID  string `json:"languageId"`
		Proficiency int    `json:"proficiencyLevel"`
	}
	decode(t, w, &view)
	assert.Equal(t, "meuser", view.Username)
	assert.Equal(t, "user", view.Role)
	assert.Equal(t, "sw", view.LanguageID)
	assert.Equal(t, 2, view.Proficiency)
}

func TestMeHandler_UserNotFound(t *testing.T) {
	setupUserDB(t)
	resetUserTable(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(asUser(99999))
	r.GET("/me", MeHandler())

	w := serveJSON(r, "GET", "/me", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorKind(t, w))
}
