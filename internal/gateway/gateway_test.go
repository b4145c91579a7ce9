package gateway_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskhub/hub/internal/gateway"
	"github.com/taskhub/hub/internal/registry"
	"github.com/taskhub/hub/internal/repository"
	"github.com/taskhub/hub/internal/statuscache"
	"github.com/taskhub/hub/internal/taskstore"
)

type harness struct {
	gw       *gateway.Gateway
	reg      *registry.Registry
	tasks    *taskstore.Store
	statuses *statuscache.Cache
	url      string
	dial     func() (*gorillaws.Conn, error)
}

func newHarness(t *testing.T, cb gateway.Callbacks) *harness {
	t.Helper()
	log := zap.NewNop()
	reg := registry.New(repository.NewMemoryCredentialRepository(), log)
	store, err := taskstore.New(context.Background(), repository.NewMemoryTaskRepository(), log, 30*time.Minute)
	require.NoError(t, err)
	statuses := statuscache.New()
	gw := gateway.New(reg, store, statuses, cb, log, 5*time.Second)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return &harness{
		gw:       gw,
		reg:      reg,
		tasks:    store,
		statuses: statuses,
		url:      wsURL,
		dial: func() (*gorillaws.Conn, error) {
			conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
			return conn, err
		},
	}
}

func TestRegisterHandshake(t *testing.T) {
	h := newHarness(t, gateway.Callbacks{})
	ctx := context.Background()
	token, err := h.reg.IssueToken(ctx, "alice", 1)
	require.NoError(t, err)

	conn, err := h.dial()
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "register", "agent_name": "alice", "token": token}))

	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "register_ack", ack["type"])
	require.Equal(t, true, ack["success"])

	require.Eventually(t, func() bool { return h.reg.IsConnected("alice") }, time.Second, 10*time.Millisecond)
}

func TestRegisterWithBadTokenFails(t *testing.T) {
	h := newHarness(t, gateway.Callbacks{})
	ctx := context.Background()
	_, err := h.reg.IssueToken(ctx, "alice", 1)
	require.NoError(t, err)

	conn, err := h.dial()
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "register", "agent_name": "alice", "token": "wrong"}))

	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, false, ack["success"])
}

func TestBacklogDeliveredOnRegister(t *testing.T) {
	h := newHarness(t, gateway.Callbacks{})
	ctx := context.Background()
	token, err := h.reg.IssueToken(ctx, "carol", 1)
	require.NoError(t, err)

	task, err := h.tasks.CreateTask(ctx, taskstore.CreateParams{ToAgent: "carol", Content: "run", Status: taskstore.StatusApproved})
	require.NoError(t, err)
	require.NoError(t, h.tasks.AddToBacklog(ctx, "carol", task.ID))

	conn, err := h.dial()
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "register", "agent_name": "carol", "token": token}))

	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, true, ack["success"])

	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "task", frame["type"])
	require.Equal(t, task.ID.String(), frame["task_id"])

	got, ok := h.tasks.GetTask(task.ID)
	require.True(t, ok)
	require.Equal(t, taskstore.StatusRunning, got.Status)
	require.Empty(t, h.tasks.PendingFor("carol"))
}

func TestTaskResultTriggersCallback(t *testing.T) {
	var gotResult repository.Task
	resultCh := make(chan struct{}, 1)
	h := newHarness(t, gateway.Callbacks{
		OnTaskResult: func(task repository.Task) {
			gotResult = task
			resultCh <- struct{}{}
		},
	})
	ctx := context.Background()
	token, err := h.reg.IssueToken(ctx, "dave", 1)
	require.NoError(t, err)

	task, err := h.tasks.CreateTask(ctx, taskstore.CreateParams{ToAgent: "dave", Status: taskstore.StatusRunning})
	require.NoError(t, err)

	conn, err := h.dial()
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "register", "agent_name": "dave", "token": token}))
	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))

	payload, err := json.Marshal(map[string]string{"type": "task_result", "task_id": task.ID.String(), "result": "pong", "status": "success"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, payload))

	select {
	case <-resultCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnTaskResult callback")
	}
	require.Equal(t, taskstore.StatusCompleted, gotResult.Status)
	require.Equal(t, "pong", gotResult.Result)
}

func TestDuplicateTaskResultIsIdempotent(t *testing.T) {
	var callCount int
	callCh := make(chan struct{}, 4)
	h := newHarness(t, gateway.Callbacks{
		OnTaskResult: func(task repository.Task) {
			callCount++
			callCh <- struct{}{}
		},
	})
	ctx := context.Background()
	token, err := h.reg.IssueToken(ctx, "erin", 1)
	require.NoError(t, err)

	task, err := h.tasks.CreateTask(ctx, taskstore.CreateParams{ToAgent: "erin", Status: taskstore.StatusRunning})
	require.NoError(t, err)

	conn, err := h.dial()
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "register", "agent_name": "erin", "token": token}))
	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))

	payload, err := json.Marshal(map[string]string{"type": "task_result", "task_id": task.ID.String(), "result": "pong", "status": "success"})
	require.NoError(t, err)

	// Send the identical task_result frame twice, as a retried/duplicated
	// delivery would (spec.md's idempotence property: the second delivery
	// must not re-fire the completion callback or double-count the agent's
	// completed-task counter).
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, payload))
	select {
	case <-callCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first OnTaskResult callback")
	}

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, payload))

	// Give the duplicate frame time to be processed; it must not produce a
	// second callback invocation.
	select {
	case <-callCh:
		t.Fatal("OnTaskResult fired a second time for a duplicate task_result")
	case <-time.After(200 * time.Millisecond):
	}
	require.Equal(t, 1, callCount)

	snap, ok := h.statuses.Get("erin")
	require.True(t, ok)
	require.Equal(t, int64(1), snap.CompletedCount)
}
