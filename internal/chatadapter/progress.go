package chatadapter

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskhub/hub/internal/repository"
)

// progressDebounce is spec §4.5's "debounced 3 s" for task_progress edits.
const progressDebounce = 3 * time.Second

// handleTaskProgress is installed as gateway.Callbacks.OnTaskProgress. It
// creates the progress message on the first event for a task and
// thereafter edits it in place, debounced.
func (a *Adapter) handleTaskProgress(task repository.Task, status, detail string, elapsedMs int64) {
	label := renderProgressLabel(status, detail, elapsedMs)

	a.progressMu.Lock()
	slot, exists := a.progress[task.ID]
	if exists && time.Since(slot.lastUpdate) < progressDebounce {
		a.progressMu.Unlock()
		return
	}
	if !exists {
		slot = &progressSlot{chatID: task.ChatID, replyTo: int(task.MessageID)}
		a.progress[task.ID] = slot
	}
	a.progressMu.Unlock()

	if slot.chatID == 0 {
		return
	}

	if slot.messageID == 0 {
		msg := tgbotapi.NewMessage(slot.chatID, label)
		if slot.replyTo != 0 {
			msg.ReplyToMessageID = slot.replyTo
		}
		sent, err := a.bot.Send(msg)
		if err != nil {
			a.log.Debug("progress send failed", zap.Error(err))
			return
		}
		a.progressMu.Lock()
		slot.messageID = sent.MessageID
		slot.lastUpdate = time.Now()
		a.progressMu.Unlock()
		return
	}

	edit := tgbotapi.NewEditMessageText(slot.chatID, slot.messageID, label)
	if _, err := a.bot.Send(edit); err != nil {
		a.log.Debug("progress edit failed", zap.Error(err))
	}
	a.progressMu.Lock()
	slot.lastUpdate = time.Now()
	a.progressMu.Unlock()
}

func renderProgressLabel(status, detail string, elapsedMs int64) string {
	var label string
	switch status {
	case "thinking":
		label = "🤔 thinking"
	case "tool_use":
		label = fmt.Sprintf("🔧 tool_use: %s", detail)
	case "responding":
		label = "✍️ responding"
	default:
		label = fmt.Sprintf("⏳ %s", status)
	}
	return fmt.Sprintf("%s (%.1fs)", label, float64(elapsedMs)/1000)
}

// deleteProgress removes the progress message for a task, per spec §4.5:
// "On terminal, delete the progress message."
func (a *Adapter) deleteProgress(taskID uuid.UUID) {
	a.progressMu.Lock()
	slot, ok := a.progress[taskID]
	if ok {
		delete(a.progress, taskID)
	}
	a.progressMu.Unlock()
	if !ok || slot.messageID == 0 {
		return
	}
	del := tgbotapi.NewDeleteMessage(slot.chatID, slot.messageID)
	if _, err := a.bot.Request(del); err != nil {
		a.log.Debug("progress delete failed", zap.Error(err))
	}
}
