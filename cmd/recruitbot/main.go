package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recruitbot/internal/assistant"
	"recruitbot/internal/config"
	"recruitbot/internal/dispatch"
	"recruitbot/internal/queue"
	"recruitbot/internal/storage"
	"recruitbot/internal/store"
	"recruitbot/internal/whatsapp"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "recruitbot",
		Short: "RecruitBot: WhatsApp recruitment assistant relay",
		Long:  "RecruitBot relays WhatsApp candidate conversations through an AI assistant, with resume intake and a durable event queue.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.recruitbot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			for _, dir := range []string{config.ExpandPath(cfg.General.DataDir), config.ExpandPath(cfg.Storage.Dir)} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "data", cfg.General.DataDir)
			return nil
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.General.LogLevel),
	}))
	return cfg, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the webhook receiver and the intake worker",
		Long:  "Serves the WhatsApp webhook and drains the inbound queue in one process. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start only the intake worker (no webhook server)",
		Long:  "Drains the inbound queue without serving the webhook, for running receivers and workers on separate hosts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			return app.worker.Run(ctx)
		},
	}
}

// app bundles everything the gateway and worker commands wire together.
type app struct {
	store   *store.SQLiteStore
	queue   *queue.SQLiteQueue
	webhook *whatsapp.Webhook
	worker  *dispatch.Worker
}

func (a *app) Close() {
	if err := a.queue.Close(); err != nil {
		logger.Warn("queue close failed", "err", err)
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("store close failed", "err", err)
	}
}

func buildApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	q, err := queue.New(cfg.Queue.DBPath, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("queue: %w", err)
	}

	files, err := storage.NewDiskStore(storage.DiskStoreConfig{
		Dir:     cfg.Storage.Dir,
		BaseURL: cfg.Storage.BaseURL,
		Logger:  logger,
	})
	if err != nil {
		q.Close()
		st.Close()
		return nil, fmt.Errorf("file storage: %w", err)
	}

	profile, err := assistant.LoadProfile(cfg.OpenAI.ProfilePath, logger)
	if err != nil {
		logger.Warn("profile not loaded, using defaults", "err", err)
	}

	client := assistant.NewClient(assistant.ClientConfig{
		APIKey:         cfg.OpenAI.APIKey,
		APIBase:        cfg.OpenAI.APIBase,
		AssistantID:    cfg.OpenAI.AssistantID,
		AppendAttempts: cfg.OpenAI.AppendAttempts,
		AppendBackoff:  time.Duration(cfg.OpenAI.AppendBackoffMs) * time.Millisecond,
		Logger:         logger,
	})

	sender := whatsapp.NewSender(whatsapp.SenderConfig{Config: cfg.WhatsApp, Logger: logger})
	downloader := whatsapp.NewDownloader(whatsapp.DownloaderConfig{Config: cfg.WhatsApp, Logger: logger})

	var classifier *assistant.ResumeClassifier
	if cfg.Intake.ClassifyResumes {
		classifier = assistant.NewResumeClassifier(assistant.ResumeClassifierConfig{
			APIKey:  cfg.OpenAI.APIKey,
			APIBase: cfg.OpenAI.APIBase,
			Model:   cfg.OpenAI.ClassifierModel,
			Logger:  logger,
		})
	}

	dispCfg := dispatch.DispatcherConfig{
		Ledger:               st,
		Directory:            st,
		Archive:              st,
		Assistant:            client,
		Sender:               sender,
		Downloader:           downloader,
		Files:                files,
		Profile:              profile,
		Logger:               logger,
		Format:               whatsapp.FormatText,
		ValidateContentType:  cfg.Intake.ValidateContentType,
		AcceptedContentTypes: cfg.Intake.AcceptedContentTypes,
		PollInterval:         time.Duration(cfg.OpenAI.PollIntervalMs) * time.Millisecond,
		RunTimeout:           time.Duration(cfg.OpenAI.RunTimeoutSeconds) * time.Second,
		ContextWindow:        cfg.Store.ContextWindow,
	}
	if classifier != nil {
		dispCfg.Classifier = classifier
	}
	dispatcher := dispatch.NewDispatcher(dispCfg)

	worker := dispatch.NewWorker(dispatch.WorkerConfig{
		Queue:      q,
		Handler:    dispatcher,
		Sweeper:    st,
		Logger:     logger,
		MaxReceive: cfg.Queue.MaxReceive,
		Wait:       time.Duration(cfg.Queue.WaitSeconds) * time.Second,
		Visibility: time.Duration(cfg.Queue.VisibilitySeconds) * time.Second,
		Retention:  time.Duration(cfg.Store.DedupRetentionDays) * 24 * time.Hour,
	})

	webhook := whatsapp.NewWebhook(whatsapp.WebhookConfig{
		Config: cfg.WhatsApp,
		Queue:  q,
		Logger: logger,
	})

	return &app{store: st, queue: q, webhook: webhook, worker: worker}, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           app.webhook.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("webhook server listening", "addr", addr, "path", cfg.WhatsApp.WebhookPath, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return app.worker.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and config status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				return err
			}
			logger.Info("config", "path", cfgPath, "loaded", true)

			q, err := queue.New(cfg.Queue.DBPath, logger)
			if err != nil {
				return fmt.Errorf("queue: %w", err)
			}
			defer q.Close()

			depth, err := q.Depth(context.Background())
			if err != nil {
				return fmt.Errorf("queue depth: %w", err)
			}
			logger.Info("queue", "db", cfg.Queue.DBPath, "depth", depth)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
