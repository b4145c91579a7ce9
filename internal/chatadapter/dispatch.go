package chatadapter

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskhub/hub/internal/repository"
	"github.com/taskhub/hub/internal/taskstore"
)

// handleMessage routes an inbound text message: a reply to a known
// result message is a multi-turn continuation, otherwise it is parsed as
// a fresh "@agent content" task (spec §4.5).
func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	if msg.ReplyToMessage != nil {
		if parent, ok := a.tasks.FindByResultMessage(int64(msg.ReplyToMessage.MessageID)); ok {
			a.handleContinuation(ctx, msg, parent, content)
			return
		}
	}

	agentName, taskContent, ok := a.parseMention(content)
	if !ok {
		return
	}
	a.createAndRouteTask(ctx, agentName, taskContent, msg.From.UserName, msg.From.ID, msg.Chat.ID, msg.MessageID)
}

// createAndRouteTask creates a task in awaiting_approval and either
// auto-approves it (sender is the target's owner) or sends an approval
// prompt, per spec §4.5 "Dispatch flow".
func (a *Adapter) createAndRouteTask(ctx context.Context, agentName, content, fromUser string, fromID, chatID int64, messageID int) {
	task, err := a.tasks.CreateTask(ctx, taskstore.CreateParams{
		FromUser:  fromUser,
		ToAgent:   agentName,
		Content:   content,
		Status:    taskstore.StatusAwaitingApproval,
		ChatID:    chatID,
		MessageID: int64(messageID),
	})
	if err != nil {
		a.log.Warn("create task failed", zap.Error(err))
		return
	}

	cred, hasCred := a.registry.CredentialByName(ctx, agentName)
	if hasCred && fromID != 0 && fromID == cred.OwnerID {
		a.approveAndDispatch(ctx, task)
		return
	}

	a.sendApprovalPrompt(ctx, task, cred, hasCred)
}

// sendApprovalPrompt posts approve/reject buttons privately to the
// target's owner; if that delivery fails (e.g. the owner never started a
// DM with the bot), it falls back to the originating chat (spec §4.5).
func (a *Adapter) sendApprovalPrompt(ctx context.Context, task repository.Task, cred repository.Credential, hasCred bool) {
	text := fmt.Sprintf("请求将任务派发给 %s：\n%s", task.ToAgent, task.Content)
	keyboard := approvalKeyboard(task.ID.String())

	if hasCred {
		msg := tgbotapi.NewMessage(cred.OwnerID, text)
		msg.ReplyMarkup = keyboard
		if sent, err := a.bot.Send(msg); err == nil {
			if task.ChatID == 0 {
				_ = a.tasks.UpdateChatInfo(ctx, task.ID, cred.OwnerID, int64(sent.MessageID))
			}
			return
		}
		a.log.Debug("private approval delivery failed, falling back to origin chat", zap.String("agent", task.ToAgent))
	}

	chatID := task.ChatID
	if chatID == 0 {
		chatID = a.firstKnownChat()
	}
	if chatID == 0 {
		a.log.Warn("no chat available to post approval prompt", zap.String("task_id", task.ID.String()))
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if task.MessageID != 0 {
		msg.ReplyToMessageID = int(task.MessageID)
	}
	msg.ReplyMarkup = keyboard
	if sent, err := a.bot.Send(msg); err == nil && task.ChatID == 0 {
		_ = a.tasks.UpdateChatInfo(ctx, task.ID, chatID, int64(sent.MessageID))
	}
}

func approvalKeyboard(taskID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ 批准", "appr:"+taskID+":approve"),
			tgbotapi.NewInlineKeyboardButtonData("❌ 拒绝", "appr:"+taskID+":reject"),
		),
	)
}

// approveAndDispatch moves a task to approved (out of awaiting_approval,
// for an auto-approval or an owner's approve click; a continuation task
// created already approved is used as it is) and dispatches it if the
// target is online, otherwise leaves it in the backlog.
func (a *Adapter) approveAndDispatch(ctx context.Context, task repository.Task) {
	approved := task
	if task.Status != taskstore.StatusApproved {
		var err error
		approved, err = a.tasks.UpdateStatus(ctx, task.ID, taskstore.StatusApproved, "")
		if err != nil {
			a.log.Warn("approve transition failed", zap.Error(err))
			return
		}
	}
	if a.gw != nil && a.registry.IsConnected(approved.ToAgent) {
		attachments := a.tasks.Attachments(approved.ID)
		if a.gw.Dispatch(ctx, approved, attachments) {
			if _, err := a.tasks.UpdateStatus(ctx, approved.ID, taskstore.StatusRunning, ""); err != nil {
				a.log.Warn("running transition failed", zap.Error(err))
			}
			a.tasks.ClearAttachments(approved.ID)
			return
		}
	}
	if err := a.tasks.AddToBacklog(ctx, approved.ToAgent, approved.ID); err != nil {
		a.log.Warn("backlog add failed", zap.Error(err))
	}
}

// handleCallbackQuery dispatches inline-keyboard presses: approval
// decisions and result-pagination navigation.
func (a *Adapter) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	data := query.Data
	switch {
	case strings.HasPrefix(data, "appr:"):
		a.handleApprovalCallback(ctx, query, strings.TrimPrefix(data, "appr:"))
	case strings.HasPrefix(data, "pg:"):
		a.handlePageCallback(ctx, query, strings.TrimPrefix(data, "pg:"))
	case strings.HasPrefix(data, "endconv:"):
		a.handleEndConversationCallback(ctx, query, strings.TrimPrefix(data, "endconv:"))
	}
}

// handleApprovalCallback enforces spec §4.5's gate: the task must still be
// awaiting_approval, and the clicker must match the target's owner_id
// when one is known.
func (a *Adapter) handleApprovalCallback(ctx context.Context, query *tgbotapi.CallbackQuery, rest string) {
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return
	}
	taskID, err := uuid.Parse(parts[0])
	if err != nil {
		return
	}
	action := parts[1]

	task, ok := a.tasks.GetTask(taskID)
	if !ok {
		a.ackCallback(query.ID, "任务不存在")
		return
	}
	cred, hasCred := a.registry.CredentialByName(ctx, task.ToAgent)
	if hasCred && query.From.ID != cred.OwnerID {
		a.ackCallback(query.ID, "只有 Agent 主人可以审批")
		return
	}
	if task.Status != taskstore.StatusAwaitingApproval {
		a.ackCallback(query.ID, "任务已处理")
		return
	}

	switch action {
	case "approve":
		a.approveAndDispatch(ctx, task)
		a.ackCallback(query.ID, "已批准")
		a.clearKeyboard(query.Message, "✅ 已批准")
	case "reject":
		if _, err := a.tasks.UpdateStatus(ctx, task.ID, taskstore.StatusRejected, ""); err != nil {
			a.log.Warn("reject transition failed", zap.Error(err))
		}
		a.ackCallback(query.ID, "已拒绝")
		a.clearKeyboard(query.Message, "❌ 已拒绝")
	}
}

func (a *Adapter) ackCallback(queryID, text string) {
	if _, err := a.bot.Request(tgbotapi.NewCallback(queryID, text)); err != nil {
		a.log.Debug("callback ack failed", zap.Error(err))
	}
}

// clearKeyboard edits the decided-on approval message so the buttons are
// not clickable a second time.
func (a *Adapter) clearKeyboard(msg *tgbotapi.Message, suffix string) {
	if msg == nil {
		return
	}
	edit := tgbotapi.NewEditMessageText(msg.Chat.ID, msg.MessageID, msg.Text+"\n\n"+suffix)
	empty := tgbotapi.NewInlineKeyboardMarkup()
	edit.ReplyMarkup = &empty
	if _, err := a.bot.Send(edit); err != nil {
		a.log.Debug("clear keyboard failed", zap.Error(err))
	}
}

// handleContinuation implements spec §4.5's "Multi-turn continuation":
// a reply to an indexed result message chains a new task into the same
// conversation, auto-approved, unless the conversation is closed.
func (a *Adapter) handleContinuation(ctx context.Context, msg *tgbotapi.Message, parent repository.Task, content string) {
	if a.tasks.IsClosed(parent.ConversationID) {
		_, _ = a.reply(msg.Chat.ID, msg.MessageID, "对话已结束，请发起新的请求")
		return
	}

	parentID := parent.ID
	task, err := a.tasks.CreateTask(ctx, taskstore.CreateParams{
		FromUser:       msg.From.UserName,
		ToAgent:        parent.ToAgent,
		Content:        content,
		Status:         taskstore.StatusApproved,
		ChatID:         msg.Chat.ID,
		MessageID:      int64(msg.MessageID),
		ConversationID: parent.ConversationID,
		ParentTaskID:   &parentID,
	})
	if err != nil {
		a.log.Warn("continuation create failed", zap.Error(err))
		return
	}
	a.approveAndDispatch(ctx, task)
}
