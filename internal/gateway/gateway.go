// Package gateway is the WebSocket connection server (C5): framing,
// registration handshake, heartbeat, frame demultiplexing, and backlog
// redelivery on reconnect. Grounded on the teacher's internal/websocket
// (Hub/Client, ping-pong, read/write pump split), but made bidirectional —
// the teacher's clients only ever send pong; ours demultiplex the full
// agent->hub frame set of spec §6 via a closed tagged-union switch on
// `type` (spec §9's "no inheritance" design note).
package gateway

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskhub/hub/internal/registry"
	"github.com/taskhub/hub/internal/repository"
	"github.com/taskhub/hub/internal/statuscache"
	"github.com/taskhub/hub/internal/taskstore"
)

// Callbacks are the outbound hooks the chat adapter (C6) installs so the
// gateway never imports it directly — spec §9 flags the teacher's global
// callback singleton as a design smell; here the dependency runs the other
// way, through an explicit struct passed at construction.
type Callbacks struct {
	OnAgentOnline  func(agentName string)
	OnAgentOffline func(agentName string)
	OnTaskResult   func(task repository.Task)
	OnTaskCancelled func(task repository.Task)
	OnTaskProgress func(task repository.Task, status, detail string, elapsedMs int64)
}

// Gateway owns the set of live Clients and routes their frames into the
// registry, task store and status cache.
type Gateway struct {
	registry *registry.Registry
	tasks    *taskstore.Store
	statuses *statuscache.Cache
	log      *zap.Logger

	callbacksMu sync.RWMutex
	callbacks   Callbacks

	onlineMu       sync.Mutex
	lastOnline     map[string]time.Time
	onlineDebounce time.Duration
}

// New constructs a Gateway. onlineDebounce suppresses duplicate "online"
// notifications during flapping reconnects (spec §4.5 default 5s).
func New(reg *registry.Registry, tasks *taskstore.Store, statuses *statuscache.Cache, cb Callbacks, log *zap.Logger, onlineDebounce time.Duration) *Gateway {
	if onlineDebounce <= 0 {
		onlineDebounce = 5 * time.Second
	}
	return &Gateway{
		registry:       reg,
		tasks:          tasks,
		statuses:       statuses,
		callbacks:      cb,
		log:            log.Named("gateway"),
		lastOnline:     make(map[string]time.Time),
		onlineDebounce: onlineDebounce,
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and runs it to
// completion. Mount at the hub's WebSocket path.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	serve(g, w, r, g.log)
}

// SetCallbacks replaces the gateway's callback set. The chat adapter (C6)
// registers itself into the gateway (C5) this way once both are
// constructed, per the startup ordering in spec §4.8 — avoiding the
// teacher's global-callback-singleton pattern without requiring C6 to
// exist before C5 does.
func (g *Gateway) SetCallbacks(cb Callbacks) {
	g.callbacksMu.Lock()
	g.callbacks = cb
	g.callbacksMu.Unlock()
}

func (g *Gateway) cb() Callbacks {
	g.callbacksMu.RLock()
	defer g.callbacksMu.RUnlock()
	return g.callbacks
}

// Dispatch writes a `task` frame to agentName if it is online. Returns false
// without error if the agent is not connected — callers (taskstore-driven
// dispatch, chat adapter) treat that as "leave in backlog".
func (g *Gateway) Dispatch(ctx context.Context, task repository.Task, attachments []taskstore.Attachment) bool {
	conn, ok := g.registry.ConnectionFor(task.ToAgent)
	if !ok {
		return false
	}
	client, ok := conn.(*Client)
	if !ok {
		return false
	}

	frame := taskFrame{
		Type:           TypeTask,
		TaskID:         task.ID.String(),
		From:           task.FromUser,
		Content:        task.Content,
		ChatID:         task.ChatID,
		MessageID:      task.MessageID,
		ConversationID: task.ConversationID.String(),
	}
	if task.ParentTaskID != nil {
		frame.ParentTaskID = task.ParentTaskID.String()
	}
	for _, a := range attachments {
		frame.Attachments = append(frame.Attachments, AttachmentFrame{
			Filename:   a.Filename,
			MimeType:   a.MimeType,
			DataBase64: base64.StdEncoding.EncodeToString(a.Bytes),
			Size:       a.Size,
		})
	}
	client.enqueue(frame)
	return true
}

// CancelTask sends a cancel_task frame to task.ToAgent if it is online.
func (g *Gateway) CancelTask(task repository.Task) bool {
	conn, ok := g.registry.ConnectionFor(task.ToAgent)
	if !ok {
		return false
	}
	client, ok := conn.(*Client)
	if !ok {
		return false
	}
	client.enqueue(cancelTaskFrame{Type: TypeCancelTask, TaskID: task.ID.String()})
	return true
}

// deliverBacklog flushes agentName's backlog in insertion order, per
// spec §4.4's "Backlog delivery" rules.
func (g *Gateway) deliverBacklog(agentName string) {
	ctx := context.Background()
	for _, task := range g.tasks.PendingFor(agentName) {
		switch {
		case isTerminal(task.Status):
			g.tasks.RemovePending(ctx, agentName, task.ID)
		case task.Status != taskstore.StatusApproved:
			// Leave in backlog awaiting approval.
		default:
			attachments := g.tasks.Attachments(task.ID)
			if !g.Dispatch(ctx, task, attachments) {
				return // agent disappeared mid-flush; retry on next reconnect
			}
			g.tasks.RemovePending(ctx, agentName, task.ID)
			if _, err := g.tasks.UpdateStatus(ctx, task.ID, taskstore.StatusRunning, ""); err != nil {
				g.log.Warn("gateway: transition to running failed", zap.String("task_id", task.ID.String()), zap.Error(err))
			}
			g.tasks.ClearAttachments(task.ID)
		}
	}
}

func isTerminal(status string) bool {
	switch status {
	case taskstore.StatusCompleted, taskstore.StatusFailed, taskstore.StatusRejected, taskstore.StatusCancelled:
		return true
	default:
		return false
	}
}

// notifyOnline fires OnAgentOnline at most once per onlineDebounce window
// per agent name (spec §4.5's online-notification debounce).
func (g *Gateway) notifyOnline(agentName string) {
	g.onlineMu.Lock()
	last, ok := g.lastOnline[agentName]
	fire := !ok || time.Since(last) >= g.onlineDebounce
	if fire {
		g.lastOnline[agentName] = time.Now()
	}
	g.onlineMu.Unlock()

	if fire {
		if cb := g.cb(); cb.OnAgentOnline != nil {
			cb.OnAgentOnline(agentName)
		}
	}
}

func (g *Gateway) notifyOffline(agentName string) {
	if cb := g.cb(); cb.OnAgentOffline != nil {
		cb.OnAgentOffline(agentName)
	}
}

// handleDisconnect is called by readPump's deferred cleanup. Close semantics
// per spec §4.4: unregister and notify offline (no debounce); in-flight
// `running` tasks are left untouched (spec §9 open question).
func (g *Gateway) handleDisconnect(c *Client) {
	if c.agentName == "" {
		return // never completed registration; nothing to unregister
	}
	if conn, ok := g.registry.ConnectionFor(c.agentName); ok && conn != registry.Connection(c) {
		return // evicted by a newer connection for the same name, which stays registered
	}
	g.registry.Unregister(c.agentName)
	g.statuses.Reset(c.agentName)
	g.notifyOffline(c.agentName)
}

// Shutdown closes every live connection, per spec §4.8's shutdown sequence
// ("close C5: send close frames to all connections, stop heartbeat").
// Each Client.Close stops its own heartbeat ticker as a side effect of
// writePump returning once the send channel is closed.
func (g *Gateway) Shutdown() {
	for _, info := range g.registry.ListOnline(context.Background()) {
		if conn, ok := g.registry.ConnectionFor(info.AgentName); ok {
			_ = conn.Close()
		}
	}
}

func parseUUID(s string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}
