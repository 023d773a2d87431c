package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/openrcs/ftengine/internal/cleanup"
	"github.com/openrcs/ftengine/internal/config"
	"github.com/openrcs/ftengine/internal/content"
	"github.com/openrcs/ftengine/internal/http/rest"
	"github.com/openrcs/ftengine/internal/logctx"
	"github.com/openrcs/ftengine/internal/notifier"
	"github.com/openrcs/ftengine/internal/registry"
	"github.com/openrcs/ftengine/internal/session"
	"github.com/openrcs/ftengine/internal/storage/sqlite"
	"github.com/openrcs/ftengine/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("file transfer engine starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewResumeRepository(database)

	// =========================================================================
	// Start Content Store
	store, err := content.NewFSStore(cfg.ContentDir)
	if err != nil {
		return fmt.Errorf("failed to open content store: %w", err)
	}

	// =========================================================================
	// Start Telemetry
	tele, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.Service,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		if err := tele.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Session Manager
	var chat session.ChatProvider
	if cfg.WebhookURL != "" {
		chat = notifier.NewWebhook(cfg.WebhookURL)
	}

	mgr := session.NewManager(session.Deps{
		Store:    repo,
		Content:  store,
		Chat:     chat,
		Settings: settingsFromConfig(cfg),
	})

	setupEventObservers(ctx, mgr, tele, cfg)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, mgr, store, tele, cfg)

	reg := registry.New(repo, mgr)

	setupCleanup(ctx, repo, cfg)

	logger.Info("waiting for transfers...",
		"server_url", cfg.ServerURL,
		"content_dir", cfg.ContentDir,
		"auto_accept", cfg.AutoAccept,
		"instance_id", mgr.InstanceID(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// Resume interrupted transfers, one at a time.
	g.Go(func() error {
		if err := reg.Drain(gctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("failed to drain resume registry", "err", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("start shutdown")

		// Established transfers become system pauses so their resume
		// records survive the restart.
		mgr.TerminateAll(gctx, session.ReasonSystem)

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	return g.Wait()
}

// setupEventObservers bridges session events to telemetry and the optional
// webhook notifier.
func setupEventObservers(ctx context.Context, mgr *session.Manager, tele *telemetry.Telemetry, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.WebhookURL != "" {
		notif = notifier.NewWebhook(cfg.WebhookURL)
	}

	var (
		mu       sync.Mutex
		started  = make(map[string]time.Time)
		lastSeen = make(map[string]int64)
	)

	mgr.Subscribe(func(ev session.Event) {
		switch ev.Kind {
		case session.EventStarted:
			tele.IncrementActiveTransfers()

			mu.Lock()
			started[ev.TransferID] = time.Now()
			mu.Unlock()
		case session.EventProgress:
			mu.Lock()
			delta := ev.Transferred - lastSeen[ev.TransferID]
			lastSeen[ev.TransferID] = ev.Transferred
			mu.Unlock()

			tele.RecordTransferredBytes(string(ev.Direction), delta)
		case session.EventResumed:
			tele.RecordResume(string(ev.Direction))
		}

		if !ev.Kind.Terminal() {
			return
		}

		mu.Lock()
		startedAt, ok := started[ev.TransferID]
		delete(started, ev.TransferID)
		delete(lastSeen, ev.TransferID)
		mu.Unlock()

		if ok {
			tele.DecrementActiveTransfers()
			tele.RecordTransferOutcome(string(ev.Direction), ev.Kind.String(), time.Since(startedAt))
		}

		switch ev.Kind {
		case session.EventTransferred:
			logger.Info("transfer finished", "transfer_id", ev.TransferID, "direction", string(ev.Direction))

			if notif != nil {
				if notifyErr := notif.Notify(ctx, "transfer finished: "+ev.TransferID); notifyErr != nil {
					logger.Error("failed to send notification", "transfer_id", ev.TransferID, "err", notifyErr)
				}
			}
		case session.EventError:
			logger.Error("transfer failed", "transfer_id", ev.TransferID, "err", ev.Err)
			tele.RecordSystemError("session", "transfer_error")

			if notif != nil {
				if notifyErr := notif.Notify(ctx, "transfer failed: "+ev.TransferID); notifyErr != nil {
					logger.Error("failed to send notification", "transfer_id", ev.TransferID, "err", notifyErr)
				}
			}
		}
	})
}

// setupServer prepares the handlers and middlewares of the http rest server.
func setupServer(ctx context.Context, mgr *session.Manager, store content.Store, tele *telemetry.Telemetry, cfg *config.Config) *http.Server {
	handler := rest.NewTransferHandler(ctx, cfg.API.Username, cfg.API.Password, mgr, store, tele)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tele).Middleware)

	r.Mount("/", handler.Routes())
	r.Handle("/metrics", tele.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, repo *sqlite.ResumeRepository, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				tracked, err := repo.QueryAll()
				if err != nil {
					logger.Error("failed to get resume records for cleanup", "err", err)

					continue
				}

				if err := cleanup.DeleteOrphanedPartials(ctx, tracked, cfg.ContentDir, cfg.KeepPartialFor); err != nil {
					logger.Error("failed to delete orphaned partial downloads", "err", err)
				}
			}
		}
	}()
}

// settings adapts the environment configuration to the session layer.
type settings struct {
	cfg *config.Config
}

func settingsFromConfig(cfg *config.Config) *settings {
	return &settings{cfg: cfg}
}

func (s *settings) ServerURL() string { return s.cfg.ServerURL }

func (s *settings) ServerCredentials() (string, string) {
	return s.cfg.ServerUsername, s.cfg.ServerPassword
}

func (s *settings) UserAgent() string { return s.cfg.UserAgent }

func (s *settings) ReadTimeout() time.Duration { return s.cfg.ReadTimeout }

func (s *settings) AutoAccept() bool { return s.cfg.AutoAccept }

func (s *settings) AutoAcceptInRoaming() bool { return s.cfg.AutoAcceptInRoaming }

func (s *settings) Roaming() bool { return s.cfg.Roaming }

func (s *settings) WarnSizeBytes() int64 { return s.cfg.WarnSize }

func (s *settings) MaxSizeBytes() int64 { return s.cfg.MaxSize }

func (s *settings) DeliveryReports() bool { return s.cfg.DeliveryReports }

func (s *settings) AcceptanceWindow() time.Duration { return s.cfg.AcceptanceWindow }
