package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskhub/hub/internal/registry"
	"github.com/taskhub/hub/internal/repository"
	"github.com/taskhub/hub/internal/taskstore"
)

// Callbacks lets internal/api notify the chat adapter (C6) of tasks it
// creates on behalf of a programmatic caller, without importing
// internal/chatadapter — the same injection pattern internal/gateway uses
// for C5 -> C6 notifications (spec §4.8: "C6 registers its callbacks into
// C5 and C7").
type Callbacks struct {
	OnTaskCreated func(ctx context.Context, task repository.Task)
}

type taskJSON struct {
	TaskID          string     `json:"task_id"`
	FromUser        string     `json:"from_user"`
	ToAgent         string     `json:"to_agent"`
	Content         string     `json:"content"`
	Status          string     `json:"status"`
	Result          string     `json:"result,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ChatID          int64      `json:"chat_id,omitempty"`
	MessageID       int64      `json:"message_id,omitempty"`
	ConversationID  string     `json:"conversation_id,omitempty"`
	ParentTaskID    string     `json:"parent_task_id,omitempty"`
	ResultMessageID int64      `json:"result_message_id,omitempty"`
}

func toTaskJSON(t repository.Task) taskJSON {
	out := taskJSON{
		TaskID:          t.ID.String(),
		FromUser:        t.FromUser,
		ToAgent:         t.ToAgent,
		Content:         t.Content,
		Status:          t.Status,
		Result:          t.Result,
		CreatedAt:       t.CreatedAt,
		CompletedAt:     t.CompletedAt,
		ChatID:          t.ChatID,
		MessageID:       t.MessageID,
		ResultMessageID: t.ResultMessageID,
	}
	if t.ConversationID != uuid.Nil {
		out.ConversationID = t.ConversationID.String()
	}
	if t.ParentTaskID != nil {
		out.ParentTaskID = t.ParentTaskID.String()
	}
	return out
}

// TasksHandler implements the task-submission and task-lookup endpoints of
// spec §6's HTTP API table.
type TasksHandler struct {
	Registry  *registry.Registry
	Tasks     *taskstore.Store
	Callbacks Callbacks
	Log       *zap.Logger
}

type createTaskRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

// Create handles POST /api/tasks {to, content}: 201 on success, 400 on
// missing fields, 404 if the target agent has no credential on record
// (spec §6).
func (h *TasksHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.To == "" || req.Content == "" {
		ErrBadRequest(w, "to and content are required")
		return
	}

	if _, ok := h.Registry.CredentialByName(r.Context(), req.To); !ok {
		ErrNotFound(w)
		return
	}

	fromUser, _ := agentFromCtx(r.Context())

	task, err := h.Tasks.CreateTask(r.Context(), taskstore.CreateParams{
		FromUser: fromUser,
		ToAgent:  req.To,
		Content:  req.Content,
		Status:   taskstore.StatusAwaitingApproval,
	})
	if err != nil {
		h.Log.Warn("api task create failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if h.Callbacks.OnTaskCreated != nil {
		h.Callbacks.OnTaskCreated(r.Context(), task)
	}

	Created(w, envelope{
		"task_id": task.ID.String(),
		"status":  task.Status,
		"message": "task created, awaiting owner approval",
	})
}

// GetByID handles GET /api/tasks/:uuid.
func (h *TasksHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		ErrBadRequest(w, "invalid task id")
		return
	}
	task, ok := h.Tasks.GetTask(id)
	if !ok {
		ErrNotFound(w)
		return
	}
	Ok(w, toTaskJSON(task))
}
