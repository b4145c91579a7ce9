package chatadapter

import (
	"context"

	"github.com/taskhub/hub/internal/repository"
)

// HandleAPITaskCreated is the callback internal/api installs (C7 -> C6)
// when it creates a task on behalf of a programmatic caller. internal/api
// always creates these tasks awaiting_approval (it has no auto-approve path
// of its own), so this always sends the approval prompt through
// sendApprovalPrompt: privately to the target's owner, and to a known group
// chat only when the agent has no credential or the private send fails. The
// prompt is never posted to both. The task's chat anchor is back-filled
// with whichever chat received the prompt.
func (a *Adapter) HandleAPITaskCreated(ctx context.Context, task repository.Task) {
	cred, hasCred := a.registry.CredentialByName(ctx, task.ToAgent)
	a.sendApprovalPrompt(ctx, task, cred, hasCred)
}
