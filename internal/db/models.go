package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by UUID-keyed models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Credentials
// -----------------------------------------------------------------------------

// Credential identifies a registered agent. AgentName is the natural primary
// key; Token is the opaque bearer secret presented on the WebSocket register
// frame. Rotation replaces Token in place so the bijection between AgentName
// and Token holds at every point in time.
type Credential struct {
	AgentName string    `gorm:"column:agent_name;primaryKey"`
	Token     string    `gorm:"column:token;not null;uniqueIndex"`
	OwnerID   int64     `gorm:"column:owner_id;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (Credential) TableName() string { return "credentials" }

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// Task is the unit of work routed between the chat adapter and an agent.
// Status, ConversationID and ParentTaskID together drive the state machine
// and conversation-threading rules; see internal/taskstore.
type Task struct {
	ID              uuid.UUID  `gorm:"column:task_id;type:text;primaryKey"`
	FromUser        string     `gorm:"column:from_user;not null"`
	ToAgent         string     `gorm:"column:to_agent;not null;index"`
	Content         string     `gorm:"column:content;type:text;not null"`
	Status          string     `gorm:"column:status;not null;index"`
	Result          string     `gorm:"column:result;type:text"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null;index"`
	CompletedAt     *time.Time `gorm:"column:completed_at"`
	ChatID          int64      `gorm:"column:chat_id;not null;default:0"`
	MessageID       int64      `gorm:"column:message_id;not null;default:0"`
	ConversationID  uuid.UUID  `gorm:"column:conversation_id;type:text;not null;index"`
	ParentTaskID    *uuid.UUID `gorm:"column:parent_task_id;type:text"`
	ResultMessageID int64      `gorm:"column:result_message_id;not null;default:0"`
}

func (Task) TableName() string { return "tasks" }

// BeforeCreate assigns a time-ordered UUIDv7 task_id when the caller did not
// already supply one (the task store assigns task_id itself, so rows written
// through it arrive with the ID already set).
func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		t.ID = id
	}
	return nil
}

// PendingTask is a per-agent backlog row. Position is a monotonically
// increasing insertion-order marker assigned by the repository at write
// time (max(position)+1 for the agent), not by the database.
type PendingTask struct {
	AgentName string    `gorm:"column:agent_name;primaryKey"`
	TaskID    uuid.UUID `gorm:"column:task_id;type:text;primaryKey"`
	Position  int64     `gorm:"column:position;not null"`
}

func (PendingTask) TableName() string { return "pending_tasks" }

// StatusPanel is the persisted pointer to a pinned per-chat status message so
// a hub restart edits the same message instead of orphaning it.
type StatusPanel struct {
	ChatID    int64     `gorm:"column:chat_id;primaryKey"`
	MessageID int64     `gorm:"column:message_id;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (StatusPanel) TableName() string { return "status_panels" }
