package chatadapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/taskhub/hub/internal/repository"
)

// panelDebounce is spec §4.5's "2 s debounce" for status-panel edits.
const panelDebounce = 2 * time.Second

func (a *Adapter) handleAgentOnline(agentName string) {
	a.log.Debug("agent online", zap.String("agent", agentName))
	a.schedulePanelRefresh()
}

func (a *Adapter) handleAgentOffline(agentName string) {
	a.log.Debug("agent offline", zap.String("agent", agentName))
	a.schedulePanelRefresh()
}

// schedulePanelRefresh refreshes the panel in every chat known to have
// one (plus every group chat the adapter has observed activity in), each
// independently debounced.
func (a *Adapter) schedulePanelRefresh() {
	seen := make(map[int64]struct{})

	a.chatsMu.Lock()
	for id := range a.knownChats {
		seen[id] = struct{}{}
	}
	a.chatsMu.Unlock()

	a.panelMu.Lock()
	for id := range a.panels {
		seen[id] = struct{}{}
	}
	a.panelMu.Unlock()

	for chatID := range seen {
		a.refreshPanel(chatID)
	}
}

// refreshPanel edits (or, on first creation or after the message was
// deleted, sends) the pinned status panel for chatID, per spec §4.5's
// "Status panel" section.
func (a *Adapter) refreshPanel(chatID int64) {
	a.panelMu.Lock()
	st, ok := a.panels[chatID]
	if ok && time.Since(st.updatedAt) < panelDebounce {
		a.panelMu.Unlock()
		return
	}
	if !ok {
		st = &panelState{}
		a.panels[chatID] = st
	}
	st.updatedAt = time.Now()
	messageID := st.messageID
	a.panelMu.Unlock()

	text := a.renderPanelText()

	if messageID == 0 {
		a.sendNewPanel(chatID, st, text)
		return
	}

	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := a.bot.Send(edit); err != nil {
		// The pinned message was likely deleted out from under us; send a
		// replacement rather than leaving the panel stale (spec §4.5).
		a.sendNewPanel(chatID, st, text)
	}
}

func (a *Adapter) sendNewPanel(chatID int64, st *panelState, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	sent, err := a.bot.Send(msg)
	if err != nil {
		a.log.Debug("panel send failed", zap.Error(err))
		return
	}

	a.panelMu.Lock()
	st.messageID = sent.MessageID
	a.panelMu.Unlock()

	ctx := context.Background()
	if err := a.panelRepo.Upsert(ctx, repository.Panel{ChatID: chatID, MessageID: int64(sent.MessageID), UpdatedAt: time.Now()}); err != nil {
		a.log.Warn("panel pointer persist failed", zap.Error(err))
	}

	pin := tgbotapi.PinChatMessageConfig{ChatID: chatID, MessageID: sent.MessageID, DisableNotification: true}
	if _, err := a.bot.Request(pin); err != nil {
		a.log.Debug("panel pin failed (best effort)", zap.Error(err))
	}
}

func (a *Adapter) renderPanelText() string {
	infos := a.registry.ListOnline(context.Background())
	var b strings.Builder
	b.WriteString("在线 Agent：\n")
	if len(infos) == 0 {
		b.WriteString("(无)\n")
	}
	for _, info := range infos {
		snap, _ := a.statuses.Get(info.AgentName)
		line := fmt.Sprintf("• %s — 运行中 %d，已完成 %d", info.AgentName, snap.RunningTasks, snap.CompletedCount)
		if snap.CurrentTaskID != "" {
			line += fmt.Sprintf("（当前：%s）", snap.CurrentTaskID)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
