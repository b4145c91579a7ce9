package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/taskhub/hub/internal/taskstore"
)

func (c *Client) handleRegister(data []byte) {
	var f registerFrame
	if err := json.Unmarshal(data, &f); err != nil || f.AgentName == "" || f.Token == "" {
		c.enqueue(registerAckFrame{Type: TypeRegisterAck, Success: false, Error: "invalid register frame"})
		go c.Close()
		return
	}

	ctx := context.Background()
	if !c.gw.registry.Validate(ctx, f.AgentName, f.Token) {
		c.enqueue(registerAckFrame{Type: TypeRegisterAck, Success: false, Error: "无效的 token"})
		go c.Close()
		return
	}

	// Register evicts any prior connection for this name before installing
	// this one (spec §4.2/§4.4 invariant).
	c.agentName = f.AgentName
	c.gw.registry.Register(f.AgentName, c)
	c.state.Store(int32(stateRegistered))
	c.touch()

	c.enqueue(registerAckFrame{Type: TypeRegisterAck, Success: true})
	c.gw.notifyOnline(f.AgentName)
	c.gw.deliverBacklog(f.AgentName)
}

func (c *Client) handleTaskResult(data []byte) {
	var f taskResultFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	taskID, ok := parseUUID(f.TaskID)
	if !ok {
		return
	}

	ctx := context.Background()
	status := taskstore.StatusCompleted
	if f.Status == "error" {
		status = taskstore.StatusFailed
	}

	before, hadBefore := c.gw.tasks.GetTask(taskID)

	task, err := c.gw.tasks.UpdateStatus(ctx, taskID, status, f.Result)
	if err != nil {
		// Terminal idempotence: a result landing on an already-terminal task
		// with a conflicting status is a silent no-op (spec §7/§8) — nothing
		// further to do either way.
		return
	}

	// UpdateStatus also answers a repeat delivery of the *same* terminal
	// status with (task, nil), not an error — a duplicate task_result must
	// still be a no-op, so only fire the counter and callback on the actual
	// transition into a terminal state, not on a redelivery of one already
	// recorded.
	if hadBefore && isTerminal(before.Status) && before.Status == task.Status {
		return
	}

	c.gw.statuses.IncrementCompleted(c.agentName)
	if cb := c.gw.cb(); cb.OnTaskResult != nil {
		cb.OnTaskResult(task)
	}
}

func (c *Client) handleTaskCancelled(data []byte) {
	var f taskCancelledFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	taskID, ok := parseUUID(f.TaskID)
	if !ok {
		return
	}
	task, err := c.gw.tasks.UpdateStatus(context.Background(), taskID, taskstore.StatusCancelled, "")
	if err != nil {
		return
	}
	if cb := c.gw.cb(); cb.OnTaskCancelled != nil {
		cb.OnTaskCancelled(task)
	}
}

func (c *Client) handleTaskProgress(data []byte) {
	var f taskProgressFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	taskID, ok := parseUUID(f.TaskID)
	if !ok {
		return
	}
	task, ok := c.gw.tasks.GetTask(taskID)
	if !ok {
		return
	}
	if cb := c.gw.cb(); cb.OnTaskProgress != nil {
		cb.OnTaskProgress(task, f.Status, f.Detail, f.ElapsedMs)
	}
}

func (c *Client) handleStatusReport(data []byte) {
	var f statusReportFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	var idleSince *time.Time
	if f.IdleSince != nil {
		t := time.Unix(*f.IdleSince, 0)
		idleSince = &t
	}
	c.gw.statuses.ApplyStatusReport(c.agentName, f.RunningTasks, f.CurrentTaskID, idleSince)
}

func (c *Client) handleListAgents(data []byte) {
	var f listAgentsFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	infos := c.gw.registry.ListOnline(context.Background())
	agents := make([]agentSummary, 0, len(infos))
	for _, info := range infos {
		owner := info.OwnerID
		agents = append(agents, agentSummary{
			Name:        info.AgentName,
			Status:      "online",
			ConnectedAt: info.ConnectedAt.Unix(),
			LastSeen:    info.LastSeen.Unix(),
			OwnerID:     &owner,
		})
	}
	c.enqueue(listAgentsResponseFrame{Type: TypeListAgentsResponse, RequestID: f.RequestID, Agents: agents})
}

func (c *Client) handleTaskStatus(data []byte) {
	var f taskStatusFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	resp := taskStatusResponseFrame{Type: TypeTaskStatusResponse, RequestID: f.RequestID}
	if taskID, ok := parseUUID(f.TaskID); ok {
		if task, ok := c.gw.tasks.GetTask(taskID); ok {
			resp.Task = &taskSummary{
				TaskID:    task.ID.String(),
				Status:    task.Status,
				Result:    task.Result,
				CreatedAt: task.CreatedAt.Unix(),
			}
		}
	}
	c.enqueue(resp)
}
