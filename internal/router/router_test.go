package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"taskflow/internal/auth"
	"taskflow/internal/config"
	"taskflow/internal/handler"
	"taskflow/internal/model"
	"taskflow/internal/repository"
	"taskflow/internal/service"
)

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// A pooled second connection to :memory: would see a different database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&model.User{}, &model.Task{}))

	cfg := &config.Config{
		JWTSecret:   "test-secret",
		JWTExpiry:   time.Hour,
		CORSOrigins: []string{"http://localhost:3000"},
		RateLimit:   1000,
	}

	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.JWTExpiry)
	userRepo := repository.NewUserRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	authService := service.NewAuthService(userRepo, jwtService)
	taskService := service.NewTaskService(taskRepo, nil)

	e := echo.New()
	Register(e, cfg, jwtService, handler.NewAuthHandler(authService), handler.NewTaskHandler(taskService))
	return e
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Count   int             `json:"count"`
	Total   int64           `json:"total"`
	Page    int             `json:"page"`
	Pages   int             `json:"pages"`
}

func do(t *testing.T, e *echo.Echo, method, path, token string, body interface{}) (int, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return rec.Code, env
}

func registerUser(t *testing.T, e *echo.Echo, name, email, role string) (token string, user model.User) {
	t.Helper()

	code, env := do(t, e, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"name":     name,
		"email":    email,
		"password": "password123",
		"role":     role,
	})
	require.Equal(t, http.StatusCreated, code)

	var data struct {
		Token string     `json:"token"`
		User  model.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.NotEmpty(t, data.Token)
	return data.Token, data.User
}

func createTask(t *testing.T, e *echo.Echo, token string, fields map[string]string) model.Task {
	t.Helper()

	code, env := do(t, e, http.MethodPost, "/api/v1/tasks", token, fields)
	require.Equal(t, http.StatusCreated, code)

	var task model.Task
	require.NoError(t, json.Unmarshal(env.Data, &task))
	return task
}

func TestRegisterLoginAndMe(t *testing.T) {
	e := newTestServer(t)

	token, user := registerUser(t, e, "Alice", "alice@example.com", "")
	assert.Equal(t, model.RoleUser, user.Role)

	code, env := do(t, e, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "password123",
	})
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)

	code, env = do(t, e, http.MethodGet, "/api/v1/auth/me", token, nil)
	assert.Equal(t, http.StatusOK, code)
	var me model.User
	require.NoError(t, json.Unmarshal(env.Data, &me))
	assert.Equal(t, "alice@example.com", me.Email)
}

func TestRegisterDuplicateEmailConflict(t *testing.T) {
	e := newTestServer(t)

	registerUser(t, e, "Alice", "dup@example.com", "")

	code, env := do(t, e, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"name":     "Other",
		"email":    "dup@example.com",
		"password": "password123",
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Message)
}

func TestLoginWrongPasswordUnauthorized(t *testing.T) {
	e := newTestServer(t)
	registerUser(t, e, "Alice", "alice@example.com", "")

	code, env := do(t, e, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, env.Success)
}

func TestAuthGuardRejectsBadTokens(t *testing.T) {
	e := newTestServer(t)
	token, _ := registerUser(t, e, "Alice", "alice@example.com", "")

	// Missing token.
	code, _ := do(t, e, http.MethodGet, "/api/v1/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	// Tampered token.
	code, _ = do(t, e, http.MethodGet, "/api/v1/tasks", token[:len(token)-3]+"abc", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	// Expired token, signed with the right secret.
	expiredSvc := auth.NewJWTService("test-secret", time.Nanosecond)
	expired, err := expiredSvc.GenerateToken(1, model.RoleUser)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	for _, target := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/tasks"},
		{http.MethodGet, "/api/v1/auth/me"},
		{http.MethodGet, "/api/v1/tasks/stats"},
		{http.MethodDelete, "/api/v1/tasks/1"},
	} {
		code, env := do(t, e, target.method, target.path, expired, nil)
		assert.Equal(t, http.StatusUnauthorized, code, "%s %s", target.method, target.path)
		assert.False(t, env.Success)
	}
}

func TestTaskOwnershipIsolation(t *testing.T) {
	e := newTestServer(t)

	tokenA, _ := registerUser(t, e, "Alice", "a@example.com", "")
	tokenB, _ := registerUser(t, e, "Bob", "b@example.com", "")

	task := createTask(t, e, tokenA, map[string]string{"title": "private"})

	// B cannot read, update, or delete A's task; always 404.
	code, _ := do(t, e, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d", task.ID), tokenB, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, e, http.MethodPut, fmt.Sprintf("/api/v1/tasks/%d", task.ID), tokenB,
		map[string]string{"status": model.StatusCompleted})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, e, http.MethodDelete, fmt.Sprintf("/api/v1/tasks/%d", task.ID), tokenB, nil)
	assert.Equal(t, http.StatusNotFound, code)

	// A still sees it untouched.
	code, env := do(t, e, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d", task.ID), tokenA, nil)
	assert.Equal(t, http.StatusOK, code)
	var got model.Task
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestListFilteringAndPagination(t *testing.T) {
	e := newTestServer(t)
	token, _ := registerUser(t, e, "Alice", "a@example.com", "")

	for i := 0; i < 13; i++ {
		createTask(t, e, token, map[string]string{"title": fmt.Sprintf("task-%d", i)})
	}
	createTask(t, e, token, map[string]string{"title": "done", "status": model.StatusCompleted})

	// 13 pending tasks, limit 6 -> exactly 3 pages.
	code, env := do(t, e, http.MethodGet, "/api/v1/tasks?status=pending&limit=6", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(13), env.Total)
	assert.Equal(t, 3, env.Pages)
	assert.Equal(t, 1, env.Page)
	assert.Equal(t, 6, env.Count)

	code, env = do(t, e, http.MethodGet, "/api/v1/tasks?status=pending&limit=6&page=3", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, env.Count)

	// Unknown status value is rejected before hitting the store.
	code, _ = do(t, e, http.MethodGet, "/api/v1/tasks?status=done", token, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	var pending []model.Task
	_, env = do(t, e, http.MethodGet, "/api/v1/tasks?status=pending&limit=100", token, nil)
	require.NoError(t, json.Unmarshal(env.Data, &pending))
	for _, task := range pending {
		assert.Equal(t, model.StatusPending, task.Status)
	}
}

func TestStatsRequiresAdmin(t *testing.T) {
	e := newTestServer(t)

	userToken, _ := registerUser(t, e, "Alice", "a@example.com", "")
	adminToken, _ := registerUser(t, e, "Root", "root@example.com", model.RoleAdmin)

	createTask(t, e, userToken, map[string]string{"title": "one"})
	createTask(t, e, userToken, map[string]string{"title": "two", "status": model.StatusCompleted})
	createTask(t, e, adminToken, map[string]string{"title": "three"})

	code, env := do(t, e, http.MethodGet, "/api/v1/tasks/stats", userToken, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.False(t, env.Success)

	code, env = do(t, e, http.MethodGet, "/api/v1/tasks/stats", adminToken, nil)
	require.Equal(t, http.StatusOK, code)

	var stats struct {
		Total    int64 `json:"total"`
		ByStatus []struct {
			Status string `json:"status"`
			Count  int64  `json:"count"`
		} `json:"byStatus"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, int64(3), stats.Total)
	require.Len(t, stats.ByStatus, 3)

	var sum int64
	for _, bucket := range stats.ByStatus {
		sum += bucket.Count
	}
	assert.Equal(t, stats.Total, sum)
}

func TestTaskLifecycleEndToEnd(t *testing.T) {
	e := newTestServer(t)

	// register -> login
	registerUser(t, e, "Alice", "a@x.com", "")
	code, env := do(t, e, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "a@x.com",
		"password": "password123",
	})
	require.Equal(t, http.StatusOK, code)
	var authData struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &authData))
	token := authData.Token

	// create
	task := createTask(t, e, token, map[string]string{"title": "T1", "status": model.StatusPending})

	// list(status=pending) -> exactly one item titled T1
	code, env = do(t, e, http.MethodGet, "/api/v1/tasks?status=pending", token, nil)
	require.Equal(t, http.StatusOK, code)
	var items []model.Task
	require.NoError(t, json.Unmarshal(env.Data, &items))
	require.Len(t, items, 1)
	assert.Equal(t, "T1", items[0].Title)

	// update status, partial payload preserves title
	code, env = do(t, e, http.MethodPut, fmt.Sprintf("/api/v1/tasks/%d", task.ID), token,
		map[string]string{"status": model.StatusCompleted})
	require.Equal(t, http.StatusOK, code)
	var updated model.Task
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, model.StatusCompleted, updated.Status)
	assert.Equal(t, "T1", updated.Title)

	// list(status=pending) -> empty
	code, env = do(t, e, http.MethodGet, "/api/v1/tasks?status=pending", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, env.Count)

	// delete -> getOne 404
	code, _ = do(t, e, http.MethodDelete, fmt.Sprintf("/api/v1/tasks/%d", task.ID), token, nil)
	require.Equal(t, http.StatusOK, code)
	code, env = do(t, e, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d", task.ID), token, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, env.Success)
}

func TestCreateTaskValidationErrors(t *testing.T) {
	e := newTestServer(t)
	token, _ := registerUser(t, e, "Alice", "a@example.com", "")

	code, env := do(t, e, http.MethodPost, "/api/v1/tasks", token, map[string]string{
		"description": "no title",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, env.Success)

	code, _ = do(t, e, http.MethodPost, "/api/v1/tasks", token, map[string]string{
		"title":  "ok",
		"status": "done",
	})
	assert.Equal(t, http.StatusBadRequest, code)
}
