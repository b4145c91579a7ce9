package chatadapter

import (
	"context"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskhub/hub/internal/repository"
)

// pageBudget is spec §4.5's "paginated into at most 4000-character pages".
const pageBudget = 4000

// pageLookbackFraction: a split point is only accepted if it falls in the
// upper 70% of the page window (at or after 30% of pageBudget); otherwise
// the page is hard-cut at the budget (spec §4.5).
const pageLookbackFraction = 0.3

// paginateText splits text into pages of at most pageBudget characters,
// preferring to split after the last newline within the page unless that
// newline falls in the first 30% of the window.
func paginateText(text string) []string {
	if text == "" {
		return []string{""}
	}
	var pages []string
	remaining := text
	for len(remaining) > pageBudget {
		window := remaining[:pageBudget]
		lowerBound := int(float64(pageBudget) * pageLookbackFraction)
		cut := pageBudget
		if idx := strings.LastIndex(window[lowerBound:], "\n"); idx >= 0 {
			cut = lowerBound + idx + 1
		}
		pages = append(pages, remaining[:cut])
		remaining = remaining[cut:]
	}
	pages = append(pages, remaining)
	return pages
}

// wrapTables fences consecutive pipe-delimited lines as a code block so
// they render as a fixed-width table (spec §4.5: "tables are pre-rendered
// as fixed-width code blocks").
func wrapTables(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	inTable := false
	for _, line := range lines {
		isTableLine := strings.HasPrefix(strings.TrimSpace(line), "|")
		if isTableLine && !inTable {
			out = append(out, "```")
			inTable = true
		} else if !isTableLine && inTable {
			out = append(out, "```")
			inTable = false
		}
		out = append(out, line)
	}
	if inTable {
		out = append(out, "```")
	}
	return strings.Join(out, "\n")
}

// formatResult converts fenced/inline code spans into MarkdownV2 segments
// and escapes everything else, per spec §4.5. It reports ok=false on
// malformed input (e.g. an unbalanced fence), in which case the caller
// falls back to plain text.
func formatResult(raw string) (formatted string, ok bool) {
	if strings.Count(raw, "```")%2 != 0 {
		return "", false
	}
	var b strings.Builder
	for i, seg := range strings.Split(raw, "```") {
		if i%2 == 1 {
			b.WriteString("```")
			b.WriteString(seg)
			b.WriteString("```")
			continue
		}
		b.WriteString(escapeInlineCode(seg))
	}
	return b.String(), true
}

func escapeInlineCode(s string) string {
	parts := strings.Split(s, "`")
	var b strings.Builder
	for i, p := range parts {
		if i%2 == 1 {
			b.WriteString("`")
			b.WriteString(p)
			b.WriteString("`")
		} else {
			b.WriteString(escapeMarkdownV2(p))
		}
	}
	return b.String()
}

func escapeMarkdownV2(s string) string {
	const specials = "_*[]()~>#+-=|{}.!\\"
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(specials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// resultPage pairs a rendered page's text with the parse mode it was
// rendered in, so prev/next navigation can re-apply the same formatting
// instead of falling back to Telegram's default (plain-text) rendering.
type resultPage struct {
	text      string
	parseMode string
}

func buildResultKeyboard(taskID string, page, total int, conversationID string) tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	if page > 0 {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("« prev", "pg:"+taskID+":"+strconv.Itoa(page-1)))
	}
	if page < total-1 {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("next »", "pg:"+taskID+":"+strconv.Itoa(page+1)))
	}
	rows := [][]tgbotapi.InlineKeyboardButton{}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	if conversationID != "" && conversationID != uuid.Nil.String() {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔚 结束对话", "endconv:"+conversationID),
		))
	}
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// handleTaskResult is installed as gateway.Callbacks.OnTaskResult. It
// deletes the progress message, renders and paginates the result, and
// records the first page's message id as result_message_id for
// reply-chaining (spec §4.5 "Result rendering").
func (a *Adapter) handleTaskResult(task repository.Task) {
	a.deleteProgress(task.ID)

	raw := wrapTables(task.Result)
	text, ok := formatResult(raw)
	parseMode := tgbotapi.ModeMarkdownV2
	if !ok {
		text, parseMode = task.Result, ""
	}
	pages := paginateText(text)

	a.storePages(task.ID, pages, parseMode)
	a.sendResultPage(task, pages, 0, parseMode)
	a.schedulePanelRefresh()
}

func (a *Adapter) storePages(taskID uuid.UUID, pages []string, parseMode string) {
	wrapped := make([]resultPage, len(pages))
	for i, p := range pages {
		wrapped[i] = resultPage{text: p, parseMode: parseMode}
	}
	a.pagesMu.Lock()
	defer a.pagesMu.Unlock()
	a.resultPages[taskID] = wrapped
}

func (a *Adapter) sendResultPage(task repository.Task, pages []string, idx int, parseMode string) {
	chatID := a.resolveChatTarget(task)
	if chatID == 0 {
		a.log.Warn("no chat to deliver result to", zap.String("task_id", task.ID.String()))
		return
	}

	msg := tgbotapi.NewMessage(chatID, pages[idx])
	if idx == 0 && task.MessageID != 0 {
		msg.ReplyToMessageID = int(task.MessageID)
	}
	msg.ParseMode = parseMode
	keyboard := buildResultKeyboard(task.ID.String(), idx, len(pages), task.ConversationID.String())
	msg.ReplyMarkup = keyboard

	sent, err := a.bot.Send(msg)
	if err != nil && parseMode != "" {
		// Rich formatting was rejected by the platform; fall back to plain
		// text pagination of the raw result (spec §4.5).
		plainPages := paginateText(task.Result)
		a.storePages(task.ID, plainPages, "")
		if idx >= len(plainPages) {
			idx = 0
		}
		msg.Text = plainPages[idx]
		msg.ParseMode = ""
		msg.ReplyMarkup = buildResultKeyboard(task.ID.String(), idx, len(plainPages), task.ConversationID.String())
		sent, err = a.bot.Send(msg)
	}
	if err != nil {
		a.log.Warn("result send failed", zap.Error(err))
		return
	}
	if idx == 0 {
		_ = a.tasks.SetResultMessage(context.Background(), task.ID, int64(sent.MessageID))
	}
}

// handlePageCallback handles prev/next navigation on a result page.
func (a *Adapter) handlePageCallback(ctx context.Context, query *tgbotapi.CallbackQuery, rest string) {
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return
	}
	taskID, err := uuid.Parse(parts[0])
	if err != nil {
		return
	}
	page, err := strconv.Atoi(parts[1])
	if err != nil || query.Message == nil {
		return
	}

	a.pagesMu.Lock()
	pages, ok := a.resultPages[taskID]
	a.pagesMu.Unlock()
	if !ok || page < 0 || page >= len(pages) {
		return
	}

	task, _ := a.tasks.GetTask(taskID)
	keyboard := buildResultKeyboard(taskID.String(), page, len(pages), task.ConversationID.String())
	edit := tgbotapi.NewEditMessageText(query.Message.Chat.ID, query.Message.MessageID, pages[page].text)
	edit.ParseMode = pages[page].parseMode
	edit.ReplyMarkup = &keyboard
	if _, err := a.bot.Send(edit); err != nil {
		a.log.Debug("page navigation edit failed", zap.Error(err))
	}
	a.ackCallback(query.ID, "")
}

// handleEndConversationCallback closes the conversation so further
// replies to any of its result messages are refused (spec §4.5).
func (a *Adapter) handleEndConversationCallback(ctx context.Context, query *tgbotapi.CallbackQuery, rest string) {
	convID, err := uuid.Parse(rest)
	if err != nil {
		return
	}
	a.tasks.CloseConversation(convID)
	a.ackCallback(query.ID, "对话已结束")
}

// resolveChatTarget implements spec §9's racy back-fill note: if a task
// has no chat anchor yet, fall back to the owner's private chat, then to
// the first known group chat.
func (a *Adapter) resolveChatTarget(task repository.Task) int64 {
	if task.ChatID != 0 {
		return task.ChatID
	}
	if cred, ok := a.registry.CredentialByName(context.Background(), task.ToAgent); ok && cred.OwnerID != 0 {
		return cred.OwnerID
	}
	return a.firstKnownChat()
}

// handleTaskCancelled is installed as gateway.Callbacks.OnTaskCancelled.
func (a *Adapter) handleTaskCancelled(task repository.Task) {
	a.deleteProgress(task.ID)
	chatID := a.resolveChatTarget(task)
	if chatID == 0 {
		return
	}
	_, _ = a.reply(chatID, int(task.MessageID), "任务已取消")
	a.schedulePanelRefresh()
}
