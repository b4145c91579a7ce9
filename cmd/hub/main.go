package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/taskhub/hub/internal/api"
	"github.com/taskhub/hub/internal/chatadapter"
	"github.com/taskhub/hub/internal/db"
	"github.com/taskhub/hub/internal/gateway"
	"github.com/taskhub/hub/internal/registry"
	"github.com/taskhub/hub/internal/repository"
	"github.com/taskhub/hub/internal/statuscache"
	"github.com/taskhub/hub/internal/taskstore"
)

var (
	version = "dev"
	commit  = "none"
)

// config holds the hub's environment-derived settings (spec §6
// "Environment configuration").
type config struct {
	port          string
	chatBotToken  string
	hubPublicURL  string
	databaseURL   string
	defaultChatID int64
	hubSecret     string
	logLevel      string
	credsPath     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}
	var defaultChatIDStr string

	root := &cobra.Command{
		Use:   "hub",
		Short: "Task routing hub — brokers tasks between a chat front end and remote agents",
		Long: `hub is the central component of the task-routing system. It exposes a
chat-platform front end, an HTTP API for programmatic task submission, and a
WebSocket gateway that remote worker agents connect to.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if defaultChatIDStr != "" {
				id, err := strconv.ParseInt(defaultChatIDStr, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid DEFAULT_CHAT_ID %q: %w", defaultChatIDStr, err)
				}
				cfg.defaultChatID = id
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.port, "port", envOrDefault("PORT", "9900"), "HTTP listener port")
	root.PersistentFlags().StringVar(&cfg.chatBotToken, "chat-bot-token", envOrDefault("CHAT_BOT_TOKEN", ""), "Chat-platform bot token (required)")
	root.PersistentFlags().StringVar(&cfg.hubPublicURL, "hub-public-url", envOrDefault("HUB_PUBLIC_URL", ""), "Public base URL, used for the webhook address")
	root.PersistentFlags().StringVar(&cfg.databaseURL, "database-url", envOrDefault("DATABASE_URL", ""), "Database DSN (postgres://... or a sqlite file path); empty selects the file fallback")
	root.PersistentFlags().StringVar(&defaultChatIDStr, "default-chat-id", envOrDefault("DEFAULT_CHAT_ID", ""), "Fallback chat id for API-submitted results when no active group chat is known")
	root.PersistentFlags().StringVar(&cfg.hubSecret, "hub-secret", envOrDefault("HUB_SECRET", ""), "Optional shared secret (reserved)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("HUB_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.credsPath, "credentials-path", envOrDefault("HUB_CREDENTIALS_PATH", "data/credentials.json"), "Path to the fallback credentials file when DATABASE_URL is unset")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hub %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.chatBotToken == "" {
		return fmt.Errorf("chat bot token is required — set --chat-bot-token or CHAT_BOT_TOKEN")
	}

	logger.Info("starting hub",
		zap.String("version", version),
		zap.String("port", cfg.port),
		zap.Bool("database_configured", cfg.databaseURL != ""),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Persistence (spec §4.8: "open persistence (migrations)") ---
	credRepo, taskRepo, panelRepo, closeDB, err := openPersistence(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	// --- 2. C2/C3/C4 ---
	reg := registry.New(credRepo, logger)

	tasks, err := taskstore.New(ctx, taskRepo, logger, 30*time.Minute)
	if err != nil {
		return fmt.Errorf("failed to construct task store: %w", err)
	}
	if err := tasks.Start(60 * time.Second); err != nil {
		return fmt.Errorf("failed to start task store sweeper: %w", err)
	}
	defer func() {
		if err := tasks.Stop(); err != nil {
			logger.Warn("task store sweeper shutdown error", zap.Error(err))
		}
	}()

	statuses := statuscache.New()

	// --- 3. C5, constructed with empty callbacks — C6 registers its own
	// once it exists (spec §4.8). ---
	gw := gateway.New(reg, tasks, statuses, gateway.Callbacks{}, logger, 5*time.Second)

	// --- 4. C6 ---
	adapter, err := chatadapter.New(chatadapter.Config{
		BotToken:      cfg.chatBotToken,
		DefaultChatID: cfg.defaultChatID,
	}, reg, tasks, statuses, panelRepo, logger)
	if err != nil {
		return fmt.Errorf("failed to construct chat adapter: %w", err)
	}
	adapter.SetGateway(gw)
	gw.SetCallbacks(adapter.Callbacks())

	if err := adapter.ReloadPanels(ctx); err != nil {
		logger.Warn("panel reload failed", zap.Error(err))
	}

	// --- 5. C7 ---
	router := api.NewRouter(api.RouterConfig{
		Registry:         reg,
		Tasks:            tasks,
		Log:              logger,
		RateLimit:        api.DefaultRateLimit,
		OnWebhookUpdate:  adapter.HandleUpdate,
		OnAPITaskCreated: adapter.HandleAPITaskCreated,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.Handle("/", router)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- 6. Chat update delivery: webhook mode if HUB_PUBLIC_URL is set
	// (spec §6), otherwise the long-poll loop. Registered/started last so
	// the webhook/HTTP path is already live by the time an update could
	// arrive. ---
	if cfg.hubPublicURL != "" {
		if err := adapter.RegisterWebhook(cfg.hubPublicURL); err != nil {
			return fmt.Errorf("failed to register chat webhook: %w", err)
		}
	} else {
		go func() {
			if err := adapter.Start(ctx); err != nil {
				logger.Error("chat adapter stopped", zap.Error(err))
				cancel()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down hub")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	gw.Shutdown()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("hub stopped")
	return nil
}

// openPersistence opens the database (applying migrations) when DATABASE_URL
// is set, otherwise falls back to a JSON credentials file plus in-memory
// task/panel storage (spec §4.1, §6).
func openPersistence(cfg *config, logger *zap.Logger) (repository.CredentialRepository, repository.TaskRepository, repository.PanelRepository, func(), error) {
	if cfg.databaseURL == "" {
		logger.Warn("DATABASE_URL not set, using file-fallback credential store and in-memory task/panel storage")
		credRepo, err := repository.NewFileCredentialRepository(cfg.credsPath)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to open file credential store: %w", err)
		}
		return credRepo, repository.NewMemoryTaskRepository(), repository.NewMemoryPanelRepository(), func() {}, nil
	}

	driver := "postgres"
	if !isPostgresDSN(cfg.databaseURL) {
		driver = "sqlite"
	}

	gormDB, err := db.New(db.Config{
		Driver:   driver,
		DSN:      cfg.databaseURL,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	credRepo := repository.NewCredentialRepository(gormDB)
	taskRepo := repository.NewTaskRepository(gormDB)
	panelRepo := repository.NewPanelRepository(gormDB)

	return credRepo, taskRepo, panelRepo, func() { _ = sqlDB.Close() }, nil
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
