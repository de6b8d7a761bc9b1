package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/foreman/pkg/bus"
	"github.com/opsforge/foreman/pkg/config"
	"github.com/opsforge/foreman/pkg/llm"
	"github.com/opsforge/foreman/pkg/models"
	"github.com/opsforge/foreman/pkg/tasks"
)

// blockingProvider keeps tasks alive until the test releases them, so
// handler tests can observe the running state deterministically.
type blockingProvider struct{}

func (blockingProvider) Execute(ctx context.Context, _ llm.Request) (*llm.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingProvider) Healthcheck(context.Context) error { return nil }

func newTestServer(t *testing.T) (*Server, *tasks.MemoryRepository, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := tasks.NewMemoryRepository()
	b := bus.New()
	b.Start()
	t.Cleanup(b.Stop)

	settings := *config.Default()
	settings.MaxConcurrentTasks = 2

	stages, err := tasks.NewStageClassifier(config.DefaultStageRules())
	require.NoError(t, err)
	hb := tasks.NewHeartbeatService(repo, b, stages, time.Hour, time.Hour)
	t.Cleanup(hb.StopAll)

	manager := tasks.NewManager(repo, b, blockingProvider{}, hb, nil, settings)
	t.Cleanup(manager.StopAll)

	srv := NewServer(manager, nil, nil, nil)
	return srv, repo, srv.Router()
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func validCreateBody() map[string]any {
	return map[string]any{
		"user_id":      42,
		"chat_id":      -100500,
		"project_path": "/srv/app",
		"prompt":       "fix the build",
	}
}

func TestCreateTask(t *testing.T) {
	_, _, router := newTestServer(t)

	w := postJSON(t, router, "/api/v1/tasks", validCreateBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var task models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Len(t, task.TaskID, 8)
	assert.Equal(t, models.StatusRunning, task.Status)
	assert.Equal(t, "/srv/app", task.ProjectPath)
}

func TestCreateTaskValidation(t *testing.T) {
	_, _, router := newTestServer(t)

	w := postJSON(t, router, "/api/v1/tasks", map[string]any{"prompt": "no project"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateTaskProjectBusy(t *testing.T) {
	_, _, router := newTestServer(t)

	first := postJSON(t, router, "/api/v1/tasks", validCreateBody())
	require.Equal(t, http.StatusCreated, first.Code)
	var created models.Task
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &created))

	w := postJSON(t, router, "/api/v1/tasks", validCreateBody())
	require.Equal(t, http.StatusConflict, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, created.TaskID, resp["task_id"])
}

func TestCreateTaskCapacityExceeded(t *testing.T) {
	_, _, router := newTestServer(t)

	for i, project := range []string{"/srv/a", "/srv/b"} {
		body := validCreateBody()
		body["project_path"] = project
		w := postJSON(t, router, "/api/v1/tasks", body)
		require.Equal(t, http.StatusCreated, w.Code, "task %d", i)
	}

	body := validCreateBody()
	body["project_path"] = "/srv/c"
	w := postJSON(t, router, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestGetTask(t *testing.T) {
	_, repo, router := newTestServer(t)

	task := models.NewTask("abcd0123", 1, "/srv/app", "p", 5, nil, nil)
	require.NoError(t, repo.Create(context.Background(), task))

	w := get(router, "/api/v1/tasks/abcd0123")
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "abcd0123", got.TaskID)

	assert.Equal(t, http.StatusNotFound, get(router, "/api/v1/tasks/ffffffff").Code)
}

func TestListRunning(t *testing.T) {
	_, repo, router := newTestServer(t)

	w := get(router, "/api/v1/tasks/running")
	require.Equal(t, http.StatusOK, w.Code)
	var empty struct {
		Tasks []models.Task `json:"tasks"`
		Count int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &empty))
	assert.Equal(t, 0, empty.Count)
	assert.NotNil(t, empty.Tasks)

	require.NoError(t, repo.Create(context.Background(),
		models.NewTask("abcd0123", 1, "/srv/app", "p", 5, nil, nil)))

	w = get(router, "/api/v1/tasks/running")
	require.Equal(t, http.StatusOK, w.Code)
	var one struct {
		Tasks []models.Task `json:"tasks"`
		Count int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	assert.Equal(t, 1, one.Count)
}

func TestListRunningFilteredByProject(t *testing.T) {
	_, repo, router := newTestServer(t)

	require.NoError(t, repo.Create(context.Background(),
		models.NewTask("abcd0123", 1, "/srv/app", "p", 5, nil, nil)))

	w := get(router, "/api/v1/tasks/running?project_path=/srv/app")
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "abcd0123", got.TaskID)

	assert.Equal(t, http.StatusNotFound,
		get(router, "/api/v1/tasks/running?project_path=/srv/idle").Code)
}

func TestLastFinished(t *testing.T) {
	_, repo, router := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, get(router, "/api/v1/tasks/last").Code)
	assert.Equal(t, http.StatusNotFound,
		get(router, "/api/v1/tasks/last?project_path=/srv/app").Code)

	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, models.NewTask("abcd0123", 1, "/srv/app", "p", 5, nil, nil)))
	require.NoError(t, repo.UpdateStatus(ctx, "abcd0123", models.StatusCompleted, tasks.StatusUpdate{}))

	w := get(router, "/api/v1/tasks/last?project_path=/srv/app")
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "abcd0123", got.TaskID)
}

func TestStopTask(t *testing.T) {
	_, _, router := newTestServer(t)

	w := postJSON(t, router, "/api/v1/tasks", validCreateBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	stop := postJSON(t, router, "/api/v1/tasks/"+created.TaskID+"/stop", nil)
	require.Equal(t, http.StatusNoContent, stop.Code)

	got := get(router, "/api/v1/tasks/"+created.TaskID)
	var task models.Task
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &task))
	assert.Equal(t, models.StatusStopped, task.Status)

	assert.Equal(t, http.StatusNotFound,
		postJSON(t, router, "/api/v1/tasks/ffffffff/stop", nil).Code)
}

func TestHealthWithoutDependencies(t *testing.T) {
	_, _, router := newTestServer(t)

	w := get(router, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}
