package api

import (
	"context"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// WebhookHandler decodes an inbound chat-platform update and forwards it to
// the chat adapter (spec §6: "POST /webhook ... forwarded to chat
// adapter"). The handler is a thin transport shim: it does not import
// internal/chatadapter directly, so that C7 depends on C6 only through the
// injected callback, the same callback-injection pattern used between C5
// and C6.
type WebhookHandler struct {
	OnUpdate func(ctx context.Context, update tgbotapi.Update)
	Log      *zap.Logger
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var update tgbotapi.Update
	if !decodeJSONLax(w, r, &update) {
		return
	}
	if h.OnUpdate != nil {
		h.OnUpdate(r.Context(), update)
	}
	w.WriteHeader(http.StatusOK)
}
