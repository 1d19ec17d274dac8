// Agent proxy server: authenticates against the identity provider and
// forwards chat requests to the remote agent API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/agent-proxy/internal/agent"
	"github.com/ashureev/agent-proxy/internal/api"
	"github.com/ashureev/agent-proxy/internal/auth"
	"github.com/ashureev/agent-proxy/internal/config"
	"github.com/ashureev/agent-proxy/internal/diag"
	"github.com/ashureev/agent-proxy/internal/middleware"
	"github.com/ashureev/agent-proxy/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	if !cfg.Identity.HasCredentials() {
		slog.Warn("No credential source configured, agent requests will fail authentication")
	}

	// Diagnostics.
	recorders := diag.Multi{diag.NewLogRecorder(logger)}
	if cfg.Metrics {
		recorders = append(recorders, diag.DefaultMetrics())
	}

	// Token lifecycle.
	var exchanger auth.Exchanger
	if cfg.Identity.HasPassword() {
		exchanger = auth.NewAuthenticator(cfg.Identity.TokenURL, cfg.Identity.ClientID,
			auth.WithClientSecret(cfg.Identity.ClientSecret),
			auth.WithExchangeTimeout(cfg.Token.ExchangeTimeout),
			auth.WithExpiryMargin(cfg.Token.ExpiryMargin),
			auth.WithAuthLogger(logger),
		)
	}
	supplier := auth.NewSupplier(exchanger,
		auth.Credentials{
			Username:    cfg.Identity.Username,
			Password:    cfg.Identity.Password,
			StaticToken: cfg.Identity.StaticToken,
		},
		auth.WithStore(auth.NewMemoryStore()),
		auth.WithLogger(logger),
		auth.WithRecorder(recorders),
		auth.WithRefreshThreshold(cfg.Token.RefreshThreshold),
		auth.WithRefreshGrace(cfg.Token.RefreshGrace),
	)

	// Initialize handlers.
	client := agent.NewClient(cfg.AgentURL,
		agent.WithTimeout(cfg.Token.AgentTimeout),
		agent.WithMaxResponseSize(cfg.Limits.MaxResponseBodySize),
	)
	agentHandler := agent.NewHandler(supplier, client, recorders, cfg, agent.WithHandlerLogger(logger))
	healthHandler := api.NewHealthHandler(cfg.AgentURL != "", cfg.Identity.HasCredentials())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	healthHandler.RegisterHealth(r)
	agentHandler.RegisterRoutes(r)
	if cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Chat page, catch-all.
	r.Handle("/*", web.Handler())

	// Agent answers can take well over a minute, so the write timeout has to
	// outlast the agent call.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Token.ExchangeTimeout*2 + cfg.Token.AgentTimeout*2 + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
