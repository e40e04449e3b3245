package api

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalflow/internal/db"
	"evalflow/internal/user"
)

func seedUser(t *testing.T, username string, role string) user.User {
	t.Helper()
	u := user.User{Username: username, PasswordHash: "hash", Role: user.Role(role), CreatedAt: time.Now()}
	require.NoError(t, db.DB.Create(&u).Error, "seed user")
	return u
}

func withRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("role", role)
		c.Next()
	}
}

// userRouter mounts every user route behind a caller with the given id and
// role.
func userRouter(id uint, role string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userId", id)
		c.Next()
	}, withRole(role))
	r.GET("/users", ListUsersHandler())
	r.POST("/users", CreateUserHandler())
	r.GET("/users/me", GetMeHandler())
	r.PUT("/users/me", UpdateMeHandler())
	r.DELETE("/users/me", DeleteMeHandler())
	r.GET("/users/:id", GetUserByIdHandler())
	r.PUT("/users/:id", UpdateUserByIdHandler())
	r.DELETE("/users/:id", DeleteUserByIdHandler())
	return r
}

func userPath(u user.User) string {
	return fmt.Sprintf("/users/%d", u.ID)
}

func reload(t *testing.T, id uint) user.User {
	t.Helper()
	var u user.User
	require.NoError(t, db.DB.First(&u, id).Error)
	return u
}

func TestUpdateMe_ProfileAndPassword(t *testing.T) {
	setupUserDB(t)
	resetUserTable(t)
	me := seedUser(t, "profiled", "user")
	r := userRouter(me.ID, "user")

	w := serveJSON(r, "PUT", "/users/me", `{"languageId":"sw","proficiencyLevel":3,"password":"newpw"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := reload(t, me.ID)
	assert.Equal(t, "sw", got.LanguageID)
	assert.Equal(t, 3, got.Proficiency)
	assert.NoError(t, user.CheckPassword(got.PasswordHash, "newpw"))

	w = serveJSON(r, "GET", "/users/me", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		LanguageID  string `json:"languageId"`
		Proficiency int    `json:"proficiencyLevel"`
	}
	decode(t, w, &view)
	assert.Equal(t, "sw", view.LanguageID)
	assert.Equal(t, 3, view.Proficiency)
}

func TestUpdateMe_PartialUpdateKeepsOtherFields(t *testing.T) {
	setupUserDB(t)
	resetUserTable(t)
	me := seedUser(t, "partial", "user")
	r := userRouter(me.ID, "user")

	require.Equal(t, http.StatusOK, serveJSON(r, "PUT", "/users/me", `{"languageId":"ha","proficiencyLevel":1}`).Code)
	require.Equal(t, http.StatusOK, serveJSON(r, "PUT", "/users/me", `{"proficiencyLevel":4}`).Code)

	got := reload(t, me.ID)
	assert.Equal(t, "ha", got.LanguageID)
	assert.Equal(t, 4, got.Proficiency)
	assert.Equal(t, "hash", got.PasswordHash, "an empty password leaves the hash alone")
}

func TestUpdateMe_RejectsNegativeProficiency(t *testing.T) {
	setupUserDB(t)
	resetUserTable(t)
	me := seedUser(t, "neg", "user")

	w := serveJSON(userRouter(me.ID, "user"), "PUT", "/users/me", `{"languageId":"sw","proficiencyLevel":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", errorKind(t, w))
	assert.Empty(t, reload(t, me.ID).LanguageID, "nothing is saved from a rejected update")
}

func TestUpdateMe_IgnoresRole(t *testing.T) {
	setupUserDB(t)
	resetUserTable(t)
	me := seedUser(t, "climber", "user")

	w := serveJSON(userRouter(me.ID, "user"), "PUT", "/users/me", `{"role":"admin","languageId":"en"}`)
	require.Equal(t, http.StatusOK, w.Code)
	got := reload(t, me.ID)
	assert.Equal(t, user.RoleUser, got.Role)
	assert.Equal(t, "en", got.LanguageID)
}

func TestDeleteMe(t *testing.T) {
	setupUserDB(t)
	resetUserTable(t)
	me := seedUser(t, "leaving", "user")
	r := userRouter(me.ID, "user")

	require.Equal(t, http.StatusOK, serveJSON(r, "DELETE", "/users/me", "").Code)
	w := serveJSON(r, "GET", "/users/me", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorKind(t, w))
}

func TestCreateUser_WithRoleAndProfile(t *testing.T) {
	setupUserDB(t)
	resetUserTable(t)
	admin := seedUser(t, "root", "admin")
	r := userRouter(admin.ID, "admin")

	w := serveJSON(r, "POST", "/users", `{"username":"reviewer","password":"pw","role":"admin","languageId":"fr","proficiencyLevel":2}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created user.User
	require.NoError(t, db.DB.Where("username = ?", "reviewer").First(&created).Error)
	assert.True(t, created.IsAdmin())
	assert.Equal(t, "fr", created.LanguageID)
	assert.Equal(t, 2, created.Proficiency)
	assert.NoError(t, user.CheckPassword(created.PasswordHash, "pw"))

	w = serveJSON(r, "POST", "/users", `{"username":"plain","password":"pw"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var plain user.User
	require.NoError(t, db.DB.Where("username = ?", "plain").First(&plain).Error)
	assert.Equal(t, user.RoleUser, plain.Role, "role defaults to user")
}

func TestCreateUser_Rejects(t *testing.T) {
	setupUserDB(t)
	resetUserTable(t)
	admin := seedUser(t, "root", "admin")
	seedUser(t, "taken", "user")
	r := userRouter(admin.ID, "admin")

	for name, body := range map[string]string{
		"missing password":     `{"username":"x"}`,
		"unknown role":         `{"username":"x","password":"p","role":"superuser"}`,
		"negative proficiency": `{"username":"x","password":"p","proficiencyLevel":-3}`,
		"duplicate username":   `{"username":"taken","password":"p"}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := serveJSON(r, "POST", "/users", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, "validation", errorKind(t, w))
		})
	}

	var count int64
	db.DB.Model(&user.User{}).Where("username = ?", "x").Count(&count)
	assert.Zero(t, count)
}

func TestUpdateUserById_AdminChangesRoleAndProfile(t *testing.T) {
	setupUserDB(t)
	resetUserTable(t)
	admin := seedUser(t, "root", "admin")
	target := seedUser(t, "target", "user")
	r := userRouter(admin.ID, "admin")

	w := serveJSON(r, "PUT", userPath(target), `{"role":"admin","languageId":"de","proficiencyLevel":5}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := reload(t, target.ID)
	assert.True(t, got.IsAdmin())
	assert.Equal(t, "de", got.LanguageID)
	assert.Equal(t, 5, got.Proficiency)

	w = serveJSON(r, "PUT", userPath(target), `{"role":"owner"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", errorKind(t, w))
	assert.True(t, reload(t, target.ID).IsAdmin(), "an invalid role leaves the stored one")

	w = serveJSON(r, "PUT", "/users/424242", `{"languageId":"de"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorKind(t, w))
}

func TestAdminOnlyRoutesForbidUsers(t *testing.T) {
	setupUserDB(t)
	resetUserTable(t)
	caller := seedUser(t, "caller", "user")
	target := seedUser(t, "target", "user")
	r := userRouter(caller.ID, "user")

	for _, tc := range []struct{ method, path, body string }{
		{"GET", "/users", ""},
		{"POST", "/users", `{"username":"x","password":"y"}`},
		{"GET", userPath(target), ""},
		{"PUT", userPath(target), `{"role":"admin"}`},
		{"DELETE", userPath(target), ""},
	} {
		w := serveJSON(r, tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusForbidden, w.Code, "%s %s", tc.method, tc.path)
		assert.Equal(t, "forbidden", errorKind(t, w))
	}
	assert.Equal(t, user.RoleUser, reload(t, target.ID).Role)
}

func TestAdminReadsListsAndDeletesUsers(t *testing.T) {
	setupUserDB(t)
	resetUserTable(t)
	admin := seedUser(t, "root", "admin")
	target := seedUser(t, "target", "user")
	r := userRouter(admin.ID, "admin")

	w := serveJSON(r, "GET", "/users", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []struct {
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	decode(t, w, &list)
	require.Len(t, list, 2)
	assert.Equal(t, "root", list[0].Username)
	assert.Equal(t, "user", list[1].Role)
	assert.NotContains(t, w.Body.String(), "hash", "password hashes never leave the server")

	w = serveJSON(r, "GET", userPath(target), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"target"`)

	require.Equal(t, http.StatusOK, serveJSON(r, "DELETE", userPath(target), "").Code)
	w = serveJSON(r, "GET", userPath(target), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
