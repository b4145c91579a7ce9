// Package statuscache holds in-memory runtime counters per connected agent
// (running tasks, completed count, idle timestamp) reported via
// status_report frames. It has no teacher analogue beyond
// ConnectedAgent's static fields, so it is built fresh in the concurrency
// idiom the teacher uses for internal/websocket.Hub's client map: the lock
// is held only across the map mutation, never across I/O.
package statuscache

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time read of one agent's runtime counters.
type Snapshot struct {
	AgentName     string
	RunningTasks  int
	CurrentTaskID string
	CompletedCount int64
	IdleSince     time.Time
}

type entry struct {
	runningTasks   int
	currentTaskID  string
	completedCount int64
	idleSince      time.Time
}

// Cache is a mutex-guarded counter table: per-key updates may interleave
// freely (spec §5), so each method takes the table's single lock only for
// the duration of its own map access or mutation.
type Cache struct {
	mu      sync.Mutex
	byAgent map[string]*entry
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{byAgent: make(map[string]*entry)}
}

func (c *Cache) get(agentName string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byAgent[agentName]
	if !ok {
		e = &entry{idleSince: time.Now()}
		c.byAgent[agentName] = e
	}
	return e
}

// ApplyStatusReport updates an agent's counters from a status_report frame.
func (c *Cache) ApplyStatusReport(agentName string, runningTasks int, currentTaskID string, idleSince *time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byAgent[agentName]
	if !ok {
		e = &entry{}
		c.byAgent[agentName] = e
	}
	e.runningTasks = runningTasks
	e.currentTaskID = currentTaskID
	if idleSince != nil {
		e.idleSince = *idleSince
	}
}

// IncrementCompleted bumps the completed-task counter for agentName by one,
// called when a task_result is observed.
func (c *Cache) IncrementCompleted(agentName string) {
	e := c.get(agentName)
	c.mu.Lock()
	e.completedCount++
	c.mu.Unlock()
}

// Reset clears agentName's counters, called on disconnect.
func (c *Cache) Reset(agentName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byAgent, agentName)
}

// Get returns a snapshot of agentName's counters.
func (c *Cache) Get(agentName string) (Snapshot, bool) {
	c.mu.Lock()
	e, ok := c.byAgent[agentName]
	var cp entry
	if ok {
		cp = *e
	}
	c.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		AgentName:      agentName,
		RunningTasks:   cp.runningTasks,
		CurrentTaskID:  cp.currentTaskID,
		CompletedCount: cp.completedCount,
		IdleSince:      cp.idleSince,
	}, true
}

// All returns a snapshot of every tracked agent.
func (c *Cache) All() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Snapshot, 0, len(c.byAgent))
	for name, e := range c.byAgent {
		out = append(out, Snapshot{
			AgentName:      name,
			RunningTasks:   e.runningTasks,
			CurrentTaskID:  e.currentTaskID,
			CompletedCount: e.completedCount,
			IdleSince:      e.idleSince,
		})
	}
	return out
}
