package repository_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	hubdb "github.com/taskhub/hub/internal/db"
	"github.com/taskhub/hub/internal/repository"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	_ "modernc.org/sqlite"
)

// openTestDB mirrors internal/db.New's sqlite path: open the connection via
// the modernc pure-Go driver and hand the existing *sql.DB to GORM, so tests
// never pull in the CGO mattn/go-sqlite3 driver.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	db, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&hubdb.Credential{}, &hubdb.Task{}, &hubdb.PendingTask{}, &hubdb.StatusPanel{}))
	return db
}

func TestCredentialRepository_UpsertAndLookup(t *testing.T) {
	db := openTestDB(t)
	repo := repository.NewCredentialRepository(db)
	ctx := context.Background()

	cred := repository.Credential{AgentName: "alice", Token: "agt_abc", OwnerID: 100, CreatedAt: time.Now()}
	require.NoError(t, repo.Upsert(ctx, cred))

	got, err := repo.FindByName(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "agt_abc", got.Token)

	byToken, err := repo.FindByToken(ctx, "agt_abc")
	require.NoError(t, err)
	require.Equal(t, "alice", byToken.AgentName)

	// rotation: Upsert with a new token replaces the old one.
	cred.Token = "agt_def"
	require.NoError(t, repo.Upsert(ctx, cred))
	_, err = repo.FindByToken(ctx, "agt_abc")
	require.ErrorIs(t, err, repository.ErrNotFound)

	byOwner, err := repo.FindByOwner(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, "alice", byOwner.AgentName)
}

func TestCredentialRepository_NotFound(t *testing.T) {
	db := openTestDB(t)
	repo := repository.NewCredentialRepository(db)
	_, err := repo.FindByName(context.Background(), "ghost")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestTaskRepository_BacklogOrdering(t *testing.T) {
	db := openTestDB(t)
	repo := repository.NewTaskRepository(db)
	ctx := context.Background()

	convID := uuid.Must(uuid.NewV7())
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		task := repository.Task{
			ID:             uuid.Must(uuid.NewV7()),
			FromUser:       "bob",
			ToAgent:        "carol",
			Content:        "ping",
			Status:         "pending",
			CreatedAt:      time.Now(),
			ConversationID: convID,
		}
		require.NoError(t, repo.Upsert(ctx, task))
		require.NoError(t, repo.SaveBacklogEntry(ctx, "carol", task.ID))
		ids = append(ids, task.ID)
	}

	backlog, err := repo.LoadBacklog(ctx)
	require.NoError(t, err)
	require.Len(t, backlog, 3)
	for i, entry := range backlog {
		require.Equal(t, ids[i], entry.TaskID)
	}

	require.NoError(t, repo.RemoveBacklogEntry(ctx, "carol", ids[0]))
	backlog, err = repo.LoadBacklog(ctx)
	require.NoError(t, err)
	require.Len(t, backlog, 2)
}

func TestTaskRepository_LoadAllExcludesTerminal(t *testing.T) {
	db := openTestDB(t)
	repo := repository.NewTaskRepository(db)
	ctx := context.Background()

	convID := uuid.Must(uuid.NewV7())
	pending := repository.Task{ID: uuid.Must(uuid.NewV7()), Status: "pending", ToAgent: "carol", ConversationID: convID, CreatedAt: time.Now()}
	done := repository.Task{ID: uuid.Must(uuid.NewV7()), Status: "completed", ToAgent: "carol", ConversationID: convID, CreatedAt: time.Now()}
	require.NoError(t, repo.Upsert(ctx, pending))
	require.NoError(t, repo.Upsert(ctx, done))

	tasks, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, pending.ID, tasks[0].ID)
}

func TestPanelRepository_Upsert(t *testing.T) {
	db := openTestDB(t)
	repo := repository.NewPanelRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, repository.Panel{ChatID: 42, MessageID: 7, UpdatedAt: time.Now()}))
	p, err := repo.FindByChatID(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, int64(7), p.MessageID)
}
