package taskstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskhub/hub/internal/repository"
	"github.com/taskhub/hub/internal/taskstore"
)

func newStore(t *testing.T) *taskstore.Store {
	t.Helper()
	s, err := taskstore.New(context.Background(), repository.NewMemoryTaskRepository(), zap.NewNop(), 30*time.Minute)
	require.NoError(t, err)
	return s
}

func TestCreateTaskAssignsIDs(t *testing.T) {
	s := newStore(t)
	task, err := s.CreateTask(context.Background(), taskstore.CreateParams{
		FromUser: "bob", ToAgent: "alice", Content: "ping",
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, task.ID)
	require.NotEqual(t, uuid.Nil, task.ConversationID)
	require.Equal(t, taskstore.StatusPending, task.Status)
}

func TestStateMachineRejectsIllegalTransitions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	task, err := s.CreateTask(ctx, taskstore.CreateParams{ToAgent: "alice", Status: taskstore.StatusAwaitingApproval})
	require.NoError(t, err)

	// approve -> approved is legal
	task, err = s.UpdateStatus(ctx, task.ID, taskstore.StatusApproved, "")
	require.NoError(t, err)
	require.Equal(t, taskstore.StatusApproved, task.Status)

	// approved -> completed is not in the graph (must dispatch through running)
	_, err = s.UpdateStatus(ctx, task.ID, taskstore.StatusCompleted, "")
	require.Error(t, err)
}

func TestTerminalTransitionsAreIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	task, err := s.CreateTask(ctx, taskstore.CreateParams{ToAgent: "alice", Status: taskstore.StatusApproved})
	require.NoError(t, err)

	task, err = s.UpdateStatus(ctx, task.ID, taskstore.StatusRunning, "")
	require.NoError(t, err)
	task, err = s.UpdateStatus(ctx, task.ID, taskstore.StatusCompleted, "pong")
	require.NoError(t, err)
	require.NotNil(t, task.CompletedAt)

	// A second task_result for an already-terminal task is a silent no-op.
	again, err := s.UpdateStatus(ctx, task.ID, taskstore.StatusCompleted, "pong")
	require.NoError(t, err)
	require.Equal(t, task.CompletedAt, again.CompletedAt)
}

func TestBacklogOrderingAndRemoval(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		task, err := s.CreateTask(ctx, taskstore.CreateParams{ToAgent: "carol"})
		require.NoError(t, err)
		require.NoError(t, s.AddToBacklog(ctx, "carol", task.ID))
		ids = append(ids, task.ID)
	}

	pending := s.PendingFor("carol")
	require.Len(t, pending, 3)
	for i, task := range pending {
		require.Equal(t, ids[i], task.ID)
	}

	s.RemovePending(ctx, "carol", ids[1])
	pending = s.PendingFor("carol")
	require.Len(t, pending, 2)
	require.Equal(t, ids[0], pending[0].ID)
	require.Equal(t, ids[2], pending[1].ID)
}

func TestConversationChaining(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	root, err := s.CreateTask(ctx, taskstore.CreateParams{ToAgent: "alice", Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.SetResultMessage(ctx, root.ID, 555))
	found, ok := s.FindByResultMessage(555)
	require.True(t, ok)
	require.Equal(t, root.ID, found.ID)

	child, err := s.CreateTask(ctx, taskstore.CreateParams{
		ToAgent: "alice", Content: "again",
		ConversationID: root.ConversationID,
		ParentTaskID:   &root.ID,
	})
	require.NoError(t, err)

	chain := s.ByConversation(root.ConversationID)
	require.Len(t, chain, 2)
	require.Equal(t, root.ID, chain[0].ID)
	require.Equal(t, child.ID, chain[1].ID)
	require.Equal(t, root.ID, *chain[1].ParentTaskID)
}

func TestCloseConversationRejectsFurtherTurns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	task, err := s.CreateTask(ctx, taskstore.CreateParams{ToAgent: "alice"})
	require.NoError(t, err)

	require.False(t, s.IsClosed(task.ConversationID))
	s.CloseConversation(task.ConversationID)
	require.True(t, s.IsClosed(task.ConversationID))
}
