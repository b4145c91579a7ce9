// Package repository persists credentials, tasks, backlog entries and
// status-panel pointers. Two implementations exist per interface: a GORM
// one backed by sqlite/postgres (internal/db), and a fallback used when no
// DATABASE_URL is configured — a JSON file for credentials, and plain
// in-memory state for tasks and panels. Callers (internal/registry,
// internal/taskstore) depend only on these interfaces.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Credential is the persistence-layer view of an agent's identity.
type Credential struct {
	AgentName string
	Token     string
	OwnerID   int64
	CreatedAt time.Time
}

// CredentialRepository manages agent credentials.
type CredentialRepository interface {
	// Upsert creates the credential or replaces the existing one for the
	// same AgentName (used by both initial issuance and rotation).
	Upsert(ctx context.Context, cred Credential) error
	FindByName(ctx context.Context, agentName string) (Credential, error)
	FindByToken(ctx context.Context, token string) (Credential, error)
	FindByOwner(ctx context.Context, ownerID int64) (Credential, error)
	Delete(ctx context.Context, agentName string) error
	LoadAll(ctx context.Context) ([]Credential, error)
}

// Task is the persistence-layer view of a routed task.
type Task struct {
	ID              uuid.UUID
	FromUser        string
	ToAgent         string
	Content         string
	Status          string
	Result          string
	CreatedAt       time.Time
	CompletedAt     *time.Time
	ChatID          int64
	MessageID       int64
	ConversationID  uuid.UUID
	ParentTaskID    *uuid.UUID
	ResultMessageID int64
}

// TaskRepository persists task rows and their per-agent backlog entries.
type TaskRepository interface {
	Upsert(ctx context.Context, task Task) error
	Update(ctx context.Context, task Task) error
	FindByID(ctx context.Context, id uuid.UUID) (Task, error)

	// SaveBacklogEntry appends (agent_name, task_id) to the backlog at the
	// next position for that agent. Callers must have already persisted the
	// task row (foreign-key discipline, spec §4.1).
	SaveBacklogEntry(ctx context.Context, agentName string, taskID uuid.UUID) error
	RemoveBacklogEntry(ctx context.Context, agentName string, taskID uuid.UUID) error

	// LoadAll returns every non-terminal task, used to reconstruct the
	// in-memory task store and backlog on startup.
	LoadAll(ctx context.Context) ([]Task, error)

	// LoadBacklog returns (agent_name, task_id) pairs in insertion order,
	// used to reconstruct per-agent backlogs on startup.
	LoadBacklog(ctx context.Context) ([]BacklogEntry, error)

	// FindRecent returns up to limit tasks (most recent first), optionally
	// filtered to a single agent. limit is clamped to 20 by the caller.
	FindRecent(ctx context.Context, agentName string, limit int) ([]Task, error)
}

// BacklogEntry is one row of the per-agent backlog.
type BacklogEntry struct {
	AgentName string
	TaskID    uuid.UUID
	Position  int64
}

// Panel is the persistence-layer view of a pinned status-panel pointer.
type Panel struct {
	ChatID    int64
	MessageID int64
	UpdatedAt time.Time
}

// PanelRepository persists per-chat status-panel pointers.
type PanelRepository interface {
	Upsert(ctx context.Context, panel Panel) error
	FindByChatID(ctx context.Context, chatID int64) (Panel, error)
	LoadAll(ctx context.Context) ([]Panel, error)
}
