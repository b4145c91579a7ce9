// Package chatadapter is the chat-platform front end (C6): it parses
// inbound chat events into tasks, drives approvals, renders progress and
// results back into the chat, and maintains the per-chat status panel.
//
// Grounded on zkoranges-go-claw's internal/channels/telegram.go: the
// reconnecting long-poll loop with exponential backoff and the
// allowed-ids-gated callback-query handler used there for HITL approvals
// are adapted here for task approve/reject buttons. Where that adapter
// tracked chat ids in a pendingTasks map, this one reads the same
// information out of the task store's backlog/result-message index so
// there is a single source of truth for task state.
package chatadapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskhub/hub/internal/gateway"
	"github.com/taskhub/hub/internal/registry"
	"github.com/taskhub/hub/internal/repository"
	"github.com/taskhub/hub/internal/statuscache"
	"github.com/taskhub/hub/internal/taskstore"
)

// Config holds the chat adapter's environment-derived settings (spec §6).
type Config struct {
	BotToken      string
	DefaultChatID int64
}

type progressSlot struct {
	chatID     int64
	replyTo    int
	messageID  int
	lastUpdate time.Time
}

type panelState struct {
	messageID int
	updatedAt time.Time
	pending   bool
}

// Adapter is C6. It is constructed before the gateway learns about it:
// Callbacks() returns the gateway.Callbacks bundle that the caller passes
// to gateway.SetCallbacks once both C5 and C6 exist (spec §4.8's startup
// sequence: "construct C6, which registers its callbacks into C5").
type Adapter struct {
	bot      *tgbotapi.BotAPI
	cfg      Config
	registry *registry.Registry
	tasks    *taskstore.Store
	statuses *statuscache.Cache
	panelRepo repository.PanelRepository
	gw       *gateway.Gateway
	log      *zap.Logger

	progressMu sync.Mutex
	progress   map[uuid.UUID]*progressSlot

	pagesMu     sync.Mutex
	resultPages map[uuid.UUID][]resultPage

	panelMu sync.Mutex
	panels  map[int64]*panelState

	chatsMu    sync.Mutex
	knownChats map[int64]struct{}
}

// New constructs the adapter and logs in to the chat platform. It does not
// start polling; call Start for that once the gateway is wired up.
func New(cfg Config, reg *registry.Registry, tasks *taskstore.Store, statuses *statuscache.Cache, panelRepo repository.PanelRepository, log *zap.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("chatadapter: bot login failed: %w", err)
	}
	a := &Adapter{
		bot:        bot,
		cfg:        cfg,
		registry:   reg,
		tasks:      tasks,
		statuses:   statuses,
		panelRepo:  panelRepo,
		log:         log.Named("chatadapter"),
		progress:    make(map[uuid.UUID]*progressSlot),
		resultPages: make(map[uuid.UUID][]resultPage),
		panels:      make(map[int64]*panelState),
		knownChats:  make(map[int64]struct{}),
	}
	a.log.Info("chat adapter logged in", zap.String("bot_username", bot.Self.UserName))
	return a, nil
}

// SetGateway binds the gateway C6 dispatches tasks through. Must be called
// before Start.
func (a *Adapter) SetGateway(gw *gateway.Gateway) {
	a.gw = gw
}

// Callbacks returns the hook set the gateway should install via
// gateway.SetCallbacks after both C5 and C6 are constructed.
func (a *Adapter) Callbacks() gateway.Callbacks {
	return gateway.Callbacks{
		OnAgentOnline:   a.handleAgentOnline,
		OnAgentOffline:  a.handleAgentOffline,
		OnTaskResult:    a.handleTaskResult,
		OnTaskCancelled: a.handleTaskCancelled,
		OnTaskProgress:  a.handleTaskProgress,
	}
}

// ReloadPanels restores chat_id -> message_id panel pointers from
// persistence, per spec §4.5: "On restart, panel pointers are reloaded".
func (a *Adapter) ReloadPanels(ctx context.Context) error {
	rows, err := a.panelRepo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("chatadapter: reload panels: %w", err)
	}
	a.panelMu.Lock()
	for _, row := range rows {
		a.panels[row.ChatID] = &panelState{messageID: int(row.MessageID), updatedAt: row.UpdatedAt}
	}
	a.panelMu.Unlock()
	return nil
}

// RegisterWebhook points the chat platform at publicURL+"/webhook" instead
// of this adapter long-polling for updates (spec §6: HUB_PUBLIC_URL "used
// to compute the webhook URL"). Call this instead of Start when
// HUB_PUBLIC_URL is configured; updates then arrive through internal/api's
// /webhook route into HandleUpdate rather than through GetUpdatesChan.
func (a *Adapter) RegisterWebhook(publicURL string) error {
	wh, err := tgbotapi.NewWebhook(strings.TrimRight(publicURL, "/") + "/webhook")
	if err != nil {
		return fmt.Errorf("chatadapter: build webhook config: %w", err)
	}
	if _, err := a.bot.Request(wh); err != nil {
		return fmt.Errorf("chatadapter: register webhook: %w", err)
	}
	a.log.Info("registered chat webhook", zap.String("public_url", publicURL))
	return nil
}

// Start runs the long-poll loop until ctx is cancelled. It reconnects with
// exponential backoff on transport failure, exactly as the teacher's
// TelegramChannel.Start does. It first clears any webhook previously
// registered via RegisterWebhook, since the platform rejects long-polling
// while a webhook is active.
func (a *Adapter) Start(ctx context.Context) error {
	if _, err := a.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		a.log.Warn("failed to clear webhook before long-polling", zap.Error(err))
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := a.bot.GetUpdatesChan(u)

		pollErr := a.pollUpdates(ctx, updates)
		a.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}

		a.log.Warn("long-poll disconnected, reconnecting", zap.Error(pollErr), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates drains the update channel until ctx is cancelled, the
// channel closes, or no update arrives within stallTimeout (a long-poll
// that never resolves is indistinguishable from a dead connection).
func (a *Adapter) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			a.HandleUpdate(ctx, update)

		case <-timer.C:
			return fmt.Errorf("no updates for %v, assuming disconnect", stallTimeout)
		}
	}
}

// HandleUpdate dispatches a single decoded update. It is the common path
// for both the long-poll loop and the /webhook HTTP handler (spec §6: "POST
// /webhook ... forwarded to chat adapter") — the hub defaults to
// long-polling (HUB_PUBLIC_URL unset) but a deployment that does set
// HUB_PUBLIC_URL calls RegisterWebhook instead of Start, and updates then
// reach this same method through internal/api rather than GetUpdatesChan.
func (a *Adapter) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		a.noteChat(update.Message.Chat)
		a.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		a.handleCallbackQuery(ctx, update.CallbackQuery)
	}
}

// noteChat records a group chat as "known active" so API-submitted tasks
// without an origin chat can fall back to one of them (spec §4.5
// "API-submitted tasks").
func (a *Adapter) noteChat(chat *tgbotapi.Chat) {
	if chat == nil || !(chat.IsGroup() || chat.IsSuperGroup()) {
		return
	}
	a.chatsMu.Lock()
	a.knownChats[chat.ID] = struct{}{}
	a.chatsMu.Unlock()
}

// firstKnownChat returns a group chat id previously observed, or the
// configured default, or 0 if neither is available. Observed chats are kept
// in a map with no arrival order, so the id returned is any one of them,
// not necessarily the first one seen.
func (a *Adapter) firstKnownChat() int64 {
	a.chatsMu.Lock()
	defer a.chatsMu.Unlock()
	for id := range a.knownChats {
		return id
	}
	return a.cfg.DefaultChatID
}

func (a *Adapter) reply(chatID int64, replyTo int, text string) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if replyTo != 0 {
		msg.ReplyToMessageID = replyTo
	}
	sent, err := a.bot.Send(msg)
	if err != nil {
		a.log.Warn("send failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	return sent, err
}
