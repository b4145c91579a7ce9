package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/taskhub/hub/internal/registry"
	"github.com/taskhub/hub/internal/repository"
	"github.com/taskhub/hub/internal/taskstore"
)

// RouterConfig holds every dependency needed to build the HTTP router,
// populated in cmd/hub/main.go after every component is constructed —
// grounded on the teacher's RouterConfig struct, trimmed to this hub's
// much smaller surface (no users/destinations/policies, one bearer-token
// auth scheme instead of JWT + OIDC).
type RouterConfig struct {
	Registry  *registry.Registry
	Tasks     *taskstore.Store
	Log       *zap.Logger
	RateLimit RateLimitConfig

	// OnWebhookUpdate and OnAPITaskCreated are C6's hooks, injected here so
	// this package never imports internal/chatadapter directly (spec
	// §4.8: "C6 ... registers its callbacks into C5 and C7").
	OnWebhookUpdate  func(ctx context.Context, update tgbotapi.Update)
	OnAPITaskCreated func(ctx context.Context, task repository.Task)
}

// NewRouter builds the fully configured chi router for C7.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Log))
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	tasksHandler := &TasksHandler{
		Registry:  cfg.Registry,
		Tasks:     cfg.Tasks,
		Callbacks: Callbacks{OnTaskCreated: cfg.OnAPITaskCreated},
		Log:       cfg.Log,
	}
	agentsHandler := &AgentsHandler{Registry: cfg.Registry}
	webhookHandler := &WebhookHandler{OnUpdate: cfg.OnWebhookUpdate, Log: cfg.Log}
	limiter := NewTokenLimiter(cfg.RateLimit)

	r.Get("/health", HealthHandler)
	r.Post("/webhook", webhookHandler.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(cfg.Registry))

		r.With(limiter.Middleware).Post("/tasks", tasksHandler.Create)
		r.Get("/tasks/{uuid}", tasksHandler.GetByID)
		r.Get("/agents", agentsHandler.List)
	})

	return r
}

// DefaultRateLimit is a sane per-token ceiling for the task-submit
// endpoint if the deployment does not configure one explicitly.
var DefaultRateLimit = RateLimitConfig{Window: time.Minute, MaxRequests: 30}
