// MathIA - Adaptive Math Tutor Front-End Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/jrobador/mathIA-sub000/internal/api"
	"github.com/jrobador/mathIA-sub000/internal/config"
	"github.com/jrobador/mathIA-sub000/internal/identity"
	"github.com/jrobador/mathIA-sub000/internal/middleware"
	"github.com/jrobador/mathIA-sub000/internal/store"
	"github.com/jrobador/mathIA-sub000/internal/tutor"
	"github.com/jrobador/mathIA-sub000/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	backend, err := tutor.NewClient(tutor.ClientConfig{
		BaseURL:        cfg.BackendURL,
		RequestTimeout: cfg.RequestTimeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize tutor backend client", "error", err)
		os.Exit(1)
	}
	slog.Info("Tutor backend client initialized", "backend_url", cfg.BackendURL)

	// Push channels identify the learner tab via query parameters so the
	// backend routes asynchronous agent output to the right machine.
	var dial api.PushDialer
	if cfg.BackendWSURL != "" {
		dial = func(ctx context.Context, userID, tabID string) *tutor.PushChannel {
			u, parseErr := url.Parse(cfg.BackendWSURL)
			if parseErr != nil {
				slog.Warn("Invalid push channel URL, push disabled", "error", parseErr)
				return nil
			}
			q := u.Query()
			q.Set("user_id", userID)
			q.Set("tab_id", tabID)
			u.RawQuery = q.Encode()
			return tutor.DialPush(ctx, u.String(), logger.With("user_id", userID, "tab_id", tabID))
		}
		slog.Info("Push channel enabled", "ws_url", cfg.BackendWSURL)
	} else {
		slog.Info("Push channel disabled (TUTOR_BACKEND_WS_URL not set)")
	}

	mgr := api.NewManager(backend, dial, cfg.RequestTimeout, logger)
	defer mgr.Close()

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, cfg)
	healthHandler := api.NewHealthHandler(repo)
	profileHandler := api.NewProfileHandler(baseHandler)
	lessonHandler := api.NewLessonHandler(baseHandler, mgr)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	// All routes use anonymous-cookie identity (no auth needed).
	healthHandler.RegisterHealth(r)
	profileHandler.RegisterRoutes(r)
	lessonHandler.RegisterRoutes(r)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Reap tutors for tabs that went away without ending their session.
	mgr.StartReaper(ctx, cfg.SessionIdleTTL)
	slog.Info("Idle tutor reaper started", "idle_ttl", cfg.SessionIdleTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
