package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskhub/hub/internal/api"
	"github.com/taskhub/hub/internal/registry"
	"github.com/taskhub/hub/internal/repository"
	"github.com/taskhub/hub/internal/taskstore"
)

func newTestRouter(t *testing.T) (http.Handler, *registry.Registry, *taskstore.Store) {
	t.Helper()
	log := zap.NewNop()
	reg := registry.New(repository.NewMemoryCredentialRepository(), log)
	store, err := taskstore.New(context.Background(), repository.NewMemoryTaskRepository(), log, 30*time.Minute)
	require.NoError(t, err)

	router := api.NewRouter(api.RouterConfig{
		Registry: reg,
		Tasks:    store,
		Log:      log,
	})
	return router, reg, store
}

func TestHealthRequiresNoAuth(t *testing.T) {
	router, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTasksCreateRequiresBearerToken(t *testing.T) {
	router, _, _ := newTestRouter(t)
	body, _ := json.Marshal(map[string]string{"to": "alice", "content": "do it"})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTasksCreateUnknownTargetIs404(t *testing.T) {
	router, reg, _ := newTestRouter(t)
	token, err := reg.IssueToken(context.Background(), "caller", 1)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"to": "nobody", "content": "do it"})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTasksCreateMissingFieldsIs400(t *testing.T) {
	router, reg, _ := newTestRouter(t)
	token, err := reg.IssueToken(context.Background(), "caller", 1)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"to": "alice"})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTasksCreateAndFetch(t *testing.T) {
	router, reg, _ := newTestRouter(t)
	ctx := context.Background()
	token, err := reg.IssueToken(ctx, "caller", 1)
	require.NoError(t, err)
	_, err = reg.IssueToken(ctx, "alice", 2)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"to": "alice", "content": "do it"})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Data struct {
			TaskID string `json:"task_id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, taskstore.StatusAwaitingApproval, created.Data.Status)

	getReq := httptest.NewRequest(http.MethodGet, "/api/tasks/"+created.Data.TaskID, nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestAgentsListReturnsOnlineAgents(t *testing.T) {
	router, reg, _ := newTestRouter(t)
	ctx := context.Background()
	token, err := reg.IssueToken(ctx, "caller", 1)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Agents []map[string]any `json:"agents"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Empty(t, resp.Data.Agents)
}
