// Package taskstore owns task records, their status transitions, the
// per-conversation index, each agent's backlog, an in-memory attachment
// cache, and the conversation-idle sweeper. Grounded on the teacher's
// repositories.JobRepository/db.Job status-enum pattern, generalized to the
// task state machine in spec §4.6, plus a gocron-driven periodic sweep in
// the style of the teacher's scheduler.Scheduler.
package taskstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskhub/hub/internal/hub"
	"github.com/taskhub/hub/internal/repository"
)

// Status values, per spec §4.6.
const (
	StatusPending          = "pending"
	StatusAwaitingApproval = "awaiting_approval"
	StatusApproved         = "approved"
	StatusRunning          = "running"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
	StatusRejected         = "rejected"
	StatusCancelled        = "cancelled"
)

func isTerminalStatus(s string) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// allowedTransitions encodes the §4.6 state graph. A transition not listed
// here is rejected with a StateError.
var allowedTransitions = map[string][]string{
	StatusPending:          {StatusAwaitingApproval},
	StatusAwaitingApproval: {StatusApproved, StatusRejected},
	StatusApproved:         {StatusRunning, StatusCancelled},
	StatusRunning:          {StatusCompleted, StatusFailed, StatusCancelled},
}

// Attachment is an in-memory-only inline file, never persisted (spec §3).
type Attachment struct {
	Filename string
	MimeType string
	Bytes    []byte
	Size     int64
}

// CreateParams are the caller-supplied fields for a new task. ID and
// ConversationID are filled in by CreateTask when zero.
type CreateParams struct {
	ID             uuid.UUID
	FromUser       string
	ToAgent        string
	Content        string
	Status         string
	ChatID         int64
	MessageID      int64
	ConversationID uuid.UUID
	ParentTaskID   *uuid.UUID
	Attachments    []Attachment
}

type conversation struct {
	taskIDs      []uuid.UUID
	lastActiveAt time.Time
	closed       bool
}

// IdleNotifyFunc is invoked when the sweeper closes an idle conversation,
// with the last task in that conversation.
type IdleNotifyFunc func(last repository.Task)

// Store holds the in-memory task/backlog/conversation state, backed by
// repository.TaskRepository for durability. In-memory state is
// authoritative for the live process (spec §4.1 failure policy); persistence
// failures are logged and swallowed.
type Store struct {
	mu      sync.RWMutex
	tasks   map[uuid.UUID]repository.Task
	backlog map[string][]uuid.UUID // agent_name -> ordered task_ids
	convs   map[uuid.UUID]*conversation
	byResultMsg map[int64]uuid.UUID
	attachments map[uuid.UUID][]Attachment

	repo repository.TaskRepository
	log  *zap.Logger

	idleThreshold time.Duration
	onIdle        IdleNotifyFunc

	scheduler gocron.Scheduler
}

// New constructs a Store and loads non-terminal tasks and the backlog from
// repo. idleThreshold is the conversation auto-close timeout (spec default
// 30 minutes).
func New(ctx context.Context, repo repository.TaskRepository, log *zap.Logger, idleThreshold time.Duration) (*Store, error) {
	if idleThreshold <= 0 {
		idleThreshold = 30 * time.Minute
	}
	s := &Store{
		tasks:         make(map[uuid.UUID]repository.Task),
		backlog:       make(map[string][]uuid.UUID),
		convs:         make(map[uuid.UUID]*conversation),
		byResultMsg:   make(map[int64]uuid.UUID),
		attachments:   make(map[uuid.UUID][]Attachment),
		repo:          repo,
		log:           log.Named("taskstore"),
		idleThreshold: idleThreshold,
	}

	tasks, err := repo.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("taskstore: load tasks: %w", &hub.FatalError{Reason: "failed to load tasks at startup", Err: err})
	}
	for _, t := range tasks {
		s.indexTask(t)
	}

	entries, err := repo.LoadBacklog(ctx)
	if err != nil {
		return nil, fmt.Errorf("taskstore: load backlog: %w", &hub.FatalError{Reason: "failed to load backlog at startup", Err: err})
	}
	for _, e := range entries {
		s.backlog[e.AgentName] = append(s.backlog[e.AgentName], e.TaskID)
	}

	return s, nil
}

// indexTask must be called with s.mu held (or during single-threaded startup).
func (s *Store) indexTask(t repository.Task) {
	s.tasks[t.ID] = t
	if t.ResultMessageID != 0 {
		s.byResultMsg[t.ResultMessageID] = t.ID
	}
	c, ok := s.convs[t.ConversationID]
	if !ok {
		c = &conversation{}
		s.convs[t.ConversationID] = c
	}
	c.taskIDs = append(c.taskIDs, t.ID)
	if t.CreatedAt.After(c.lastActiveAt) {
		c.lastActiveAt = t.CreatedAt
	}
}

// SetIdleNotifier registers the callback invoked when the sweeper closes a
// conversation. Must be called before Start.
func (s *Store) SetIdleNotifier(fn IdleNotifyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onIdle = fn
}

// Start launches the conversation-idle sweeper on the given tick interval
// (spec default 60s).
func (s *Store) Start(tick time.Duration) error {
	if tick <= 0 {
		tick = 60 * time.Second
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("taskstore: new scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(tick),
		gocron.NewTask(s.sweepIdleConversations),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("taskstore: schedule sweeper: %w", err)
	}
	s.scheduler = sched
	sched.Start()
	return nil
}

// Stop shuts the sweeper down.
func (s *Store) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}

func (s *Store) sweepIdleConversations() {
	now := time.Now()
	var notify []repository.Task

	s.mu.Lock()
	for _, c := range s.convs {
		if c.closed || len(c.taskIDs) == 0 {
			continue
		}
		if now.Sub(c.lastActiveAt) <= s.idleThreshold {
			continue
		}
		c.closed = true
		last := s.tasks[c.taskIDs[len(c.taskIDs)-1]]
		notify = append(notify, last)
	}
	onIdle := s.onIdle
	s.mu.Unlock()

	if onIdle == nil {
		return
	}
	for _, t := range notify {
		onIdle(t)
	}
}

// CreateTask assigns task_id/conversation_id when absent, persists the task,
// and indexes it. Per spec §4.1's foreign-key discipline, the caller must
// persist the task row before any backlog write — CreateTask does that by
// construction (it never writes a backlog entry itself).
func (s *Store) CreateTask(ctx context.Context, p CreateParams) (repository.Task, error) {
	id := p.ID
	if id == uuid.Nil {
		var err error
		id, err = uuid.NewV7()
		if err != nil {
			return repository.Task{}, fmt.Errorf("taskstore: create task: %w", err)
		}
	}
	convID := p.ConversationID
	if convID == uuid.Nil {
		var err error
		convID, err = uuid.NewV7()
		if err != nil {
			return repository.Task{}, fmt.Errorf("taskstore: create task: %w", err)
		}
	}
	status := p.Status
	if status == "" {
		status = StatusPending
	}

	task := repository.Task{
		ID:             id,
		FromUser:       p.FromUser,
		ToAgent:        p.ToAgent,
		Content:        p.Content,
		Status:         status,
		CreatedAt:      time.Now(),
		ChatID:         p.ChatID,
		MessageID:      p.MessageID,
		ConversationID: convID,
		ParentTaskID:   p.ParentTaskID,
	}

	s.mu.Lock()
	s.indexTask(task)
	if len(p.Attachments) > 0 {
		s.attachments[id] = p.Attachments
	}
	s.mu.Unlock()

	if err := s.repo.Upsert(ctx, task); err != nil {
		s.log.Warn("persist new task failed, continuing with in-memory state",
			zap.String("task_id", id.String()), zap.Error(err))
	}

	return task, nil
}

// UpdateStatus validates and applies a status transition, setting
// completed_at on terminal statuses, clearing attachments, and stamping
// conversation activity. result is stored verbatim when non-empty.
func (s *Store) UpdateStatus(ctx context.Context, taskID uuid.UUID, status string, result string) (repository.Task, error) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return repository.Task{}, fmt.Errorf("taskstore: update status: %w", repository.ErrNotFound)
	}

	// Terminal idempotence (spec §7/§8): a repeated transition to the same
	// terminal status is a silent no-op, not an error.
	if isTerminalStatus(task.Status) {
		s.mu.Unlock()
		if task.Status == status {
			return task, nil
		}
		return repository.Task{}, fmt.Errorf("taskstore: update status: %w",
			&hub.StateError{Reason: fmt.Sprintf("task %s is already terminal (%s)", taskID, task.Status)})
	}

	if !transitionAllowed(task.Status, status) {
		s.mu.Unlock()
		return repository.Task{}, fmt.Errorf("taskstore: update status: %w",
			&hub.StateError{Reason: fmt.Sprintf("illegal transition %s -> %s", task.Status, status)})
	}

	task.Status = status
	if result != "" {
		task.Result = result
	}
	if isTerminalStatus(status) {
		now := time.Now()
		task.CompletedAt = &now
		delete(s.attachments, taskID)
	}
	s.tasks[taskID] = task
	if c, ok := s.convs[task.ConversationID]; ok {
		c.lastActiveAt = time.Now()
	}
	s.mu.Unlock()

	if err := s.repo.Update(ctx, task); err != nil {
		s.log.Warn("persist status update failed, continuing with in-memory state",
			zap.String("task_id", taskID.String()), zap.Error(err))
	}
	return task, nil
}

func transitionAllowed(from, to string) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AddToBacklog records taskID as pending delivery to agentName, in insertion
// order. Must be called after the task row is persisted (see CreateTask).
func (s *Store) AddToBacklog(ctx context.Context, agentName string, taskID uuid.UUID) error {
	s.mu.Lock()
	s.backlog[agentName] = append(s.backlog[agentName], taskID)
	s.mu.Unlock()

	if err := s.repo.SaveBacklogEntry(ctx, agentName, taskID); err != nil {
		s.log.Warn("persist backlog entry failed, continuing with in-memory state",
			zap.String("agent_name", agentName), zap.String("task_id", taskID.String()), zap.Error(err))
	}
	return nil
}

// PendingFor returns the ordered backlog snapshot for agentName.
func (s *Store) PendingFor(agentName string) []repository.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.backlog[agentName]
	out := make([]repository.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// RemovePending removes taskID from agentName's backlog. Idempotent.
func (s *Store) RemovePending(ctx context.Context, agentName string, taskID uuid.UUID) {
	s.mu.Lock()
	ids := s.backlog[agentName]
	out := ids[:0]
	for _, id := range ids {
		if id == taskID {
			continue
		}
		out = append(out, id)
	}
	s.backlog[agentName] = out
	s.mu.Unlock()

	if err := s.repo.RemoveBacklogEntry(ctx, agentName, taskID); err != nil {
		s.log.Warn("remove backlog entry failed, continuing with in-memory state",
			zap.String("agent_name", agentName), zap.String("task_id", taskID.String()), zap.Error(err))
	}
}

// ByConversation returns every task in conversationID ordered by CreatedAt
// then TaskID, stable across persistence round-trips.
func (s *Store) ByConversation(conversationID uuid.UUID) []repository.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]repository.Task, 0, len(c.taskIDs))
	for _, id := range c.taskIDs {
		if t, ok := s.tasks[id]; ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// FindByResultMessage resolves a chat message id to the task whose result
// was delivered there, enabling reply-based continuation.
func (s *Store) FindByResultMessage(messageID int64) (repository.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byResultMsg[messageID]
	if !ok {
		return repository.Task{}, false
	}
	t, ok := s.tasks[id]
	return t, ok
}

// SetResultMessage indexes messageID as the carrier of taskID's result.
func (s *Store) SetResultMessage(ctx context.Context, taskID uuid.UUID, messageID int64) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("taskstore: set result message: %w", repository.ErrNotFound)
	}
	task.ResultMessageID = messageID
	s.tasks[taskID] = task
	s.byResultMsg[messageID] = taskID
	s.mu.Unlock()

	if err := s.repo.Update(ctx, task); err != nil {
		s.log.Warn("persist result message id failed, continuing with in-memory state",
			zap.String("task_id", taskID.String()), zap.Error(err))
	}
	return nil
}

// UpdateChatInfo back-fills the origin chat anchor for an API-created task
// once the adapter posts its approval bubble (spec §4.5/§9 racy back-fill).
func (s *Store) UpdateChatInfo(ctx context.Context, taskID uuid.UUID, chatID, messageID int64) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("taskstore: update chat info: %w", repository.ErrNotFound)
	}
	task.ChatID = chatID
	task.MessageID = messageID
	s.tasks[taskID] = task
	s.mu.Unlock()

	if err := s.repo.Update(ctx, task); err != nil {
		s.log.Warn("persist chat info failed, continuing with in-memory state",
			zap.String("task_id", taskID.String()), zap.Error(err))
	}
	return nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(taskID uuid.UUID) (repository.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	return t, ok
}

// Attachments returns the in-memory attachments for taskID, if any.
func (s *Store) Attachments(taskID uuid.UUID) []Attachment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attachments[taskID]
}

// ClearAttachments drops taskID's cached attachments (dispatch or terminal
// transition).
func (s *Store) ClearAttachments(taskID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attachments, taskID)
}

// FindRecent returns up to limit tasks (clamped to 20), most recent first,
// optionally filtered to one agent. Served from in-memory state so it works
// in file-fallback mode too.
func (s *Store) FindRecent(agentName string, limit int) []repository.Task {
	if limit <= 0 || limit > 20 {
		limit = 20
	}
	s.mu.RLock()
	all := make([]repository.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if agentName != "" && t.ToAgent != agentName {
			continue
		}
		all = append(all, t)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

// CloseConversation marks conversationID closed, rejecting further turns.
func (s *Store) CloseConversation(conversationID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[conversationID]; ok {
		c.closed = true
	}
}

// IsClosed reports whether conversationID has been closed (explicitly or by
// the idle sweeper). An unknown conversation is reported as open.
func (s *Store) IsClosed(conversationID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	return ok && c.closed
}
