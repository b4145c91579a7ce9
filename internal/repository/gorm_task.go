package repository

import (
	"context"
	"errors"
	"fmt"

	hubdb "github.com/taskhub/hub/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var terminalStatuses = []string{"completed", "failed", "rejected", "cancelled"}

// gormTaskRepository persists tasks and backlog entries through GORM.
type gormTaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository returns a TaskRepository backed by db.
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &gormTaskRepository{db: db}
}

func (r *gormTaskRepository) Upsert(ctx context.Context, task Task) error {
	row := toTaskRow(task)
	if err := r.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("task: upsert: %w", err)
	}
	return nil
}

func (r *gormTaskRepository) Update(ctx context.Context, task Task) error {
	row := toTaskRow(task)
	if err := r.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("task: update: %w", err)
	}
	return nil
}

func (r *gormTaskRepository) FindByID(ctx context.Context, id uuid.UUID) (Task, error) {
	var row hubdb.Task
	if err := r.db.WithContext(ctx).Where("task_id = ?", id.String()).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("task: find by id: %w", err)
	}
	return fromTaskRow(row), nil
}

// SaveBacklogEntry appends a backlog row at max(position)+1 for the agent.
// Callers must persist the task row first (foreign-key discipline).
func (r *gormTaskRepository) SaveBacklogEntry(ctx context.Context, agentName string, taskID uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxPos int64
		if err := tx.Model(&hubdb.PendingTask{}).
			Where("agent_name = ?", agentName).
			Select("COALESCE(MAX(position), 0)").
			Scan(&maxPos).Error; err != nil {
			return fmt.Errorf("task: backlog max position: %w", err)
		}
		row := hubdb.PendingTask{
			AgentName: agentName,
			TaskID:    taskID,
			Position:  maxPos + 1,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("task: save backlog entry: %w", err)
		}
		return nil
	})
}

func (r *gormTaskRepository) RemoveBacklogEntry(ctx context.Context, agentName string, taskID uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Where("agent_name = ? AND task_id = ?", agentName, taskID.String()).
		Delete(&hubdb.PendingTask{}).Error
	if err != nil {
		return fmt.Errorf("task: remove backlog entry: %w", err)
	}
	return nil
}

func (r *gormTaskRepository) LoadAll(ctx context.Context) ([]Task, error) {
	var rows []hubdb.Task
	if err := r.db.WithContext(ctx).
		Where("status NOT IN ?", terminalStatuses).
		Order("created_at asc").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("task: load all: %w", err)
	}
	out := make([]Task, len(rows))
	for i, row := range rows {
		out[i] = fromTaskRow(row)
	}
	return out, nil
}

func (r *gormTaskRepository) LoadBacklog(ctx context.Context) ([]BacklogEntry, error) {
	var rows []hubdb.PendingTask
	if err := r.db.WithContext(ctx).Order("agent_name asc, position asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("task: load backlog: %w", err)
	}
	out := make([]BacklogEntry, len(rows))
	for i, row := range rows {
		out[i] = BacklogEntry{AgentName: row.AgentName, TaskID: row.TaskID, Position: row.Position}
	}
	return out, nil
}

func (r *gormTaskRepository) FindRecent(ctx context.Context, agentName string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 20 {
		limit = 20
	}
	q := r.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if agentName != "" {
		q = q.Where("to_agent = ?", agentName)
	}
	var rows []hubdb.Task
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("task: find recent: %w", err)
	}
	out := make([]Task, len(rows))
	for i, row := range rows {
		out[i] = fromTaskRow(row)
	}
	return out, nil
}

func toTaskRow(t Task) hubdb.Task {
	return hubdb.Task{
		ID:              t.ID,
		FromUser:        t.FromUser,
		ToAgent:         t.ToAgent,
		Content:         t.Content,
		Status:          t.Status,
		Result:          t.Result,
		CreatedAt:       t.CreatedAt,
		CompletedAt:     t.CompletedAt,
		ChatID:          t.ChatID,
		MessageID:       t.MessageID,
		ConversationID:  t.ConversationID,
		ParentTaskID:    t.ParentTaskID,
		ResultMessageID: t.ResultMessageID,
	}
}

func fromTaskRow(row hubdb.Task) Task {
	return Task{
		ID:              row.ID,
		FromUser:        row.FromUser,
		ToAgent:         row.ToAgent,
		Content:         row.Content,
		Status:          row.Status,
		Result:          row.Result,
		CreatedAt:       row.CreatedAt,
		CompletedAt:     row.CompletedAt,
		ChatID:          row.ChatID,
		MessageID:       row.MessageID,
		ConversationID:  row.ConversationID,
		ParentTaskID:    row.ParentTaskID,
		ResultMessageID: row.ResultMessageID,
	}
}
