package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/heysme/heysme-server/internal/agent"
	"github.com/heysme/heysme-server/internal/api"
	"github.com/heysme/heysme-server/internal/config"
	"github.com/heysme/heysme-server/internal/deploy"
	"github.com/heysme/heysme-server/internal/events"
	"github.com/heysme/heysme-server/internal/github"
	"github.com/heysme/heysme-server/internal/identity"
	"github.com/heysme/heysme-server/internal/llm"
	"github.com/heysme/heysme-server/internal/middleware"
	"github.com/heysme/heysme-server/internal/sandbox"
	"github.com/heysme/heysme-server/internal/scrape"
	"github.com/heysme/heysme-server/internal/session"
)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

//nolint:gocyclo // Startup wiring is intentionally sequential to keep dependency setup explicit.
func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Database connected", "driver", repo.Dialect())

	sessions, err := newSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer sessions.Close()

	publisher, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			slog.Warn("Failed to close event publisher", "error", closeErr)
		}
	}()

	var verifier *identity.Verifier
	if cfg.Auth.JWTKey != "" {
		verifier, err = identity.NewVerifier(cfg.Auth.JWTKey, cfg.Auth.AuthorizedParties)
		if err != nil {
			return fmt.Errorf("initialize token verifier: %w", err)
		}
	} else {
		slog.Warn("CLERK_JWT_KEY not set, only the development user can sign in")
	}
	auth := identity.NewAuthenticator(repo, identity.Options{
		Verifier:       verifier,
		DevUserID:      cfg.Auth.DevUserID,
		IsDev:          cfg.IsDevelopment(),
		InviteRequired: cfg.Invite.Required,
		IsAdmin:        cfg.Auth.IsAdmin,
	})

	// Agent: a missing model key leaves the routes up but answering 503.
	provider, err := llm.New(cfg.LLM)
	switch {
	case errors.Is(err, llm.ErrNotConfigured):
		slog.Info("AI features disabled (no API key for provider)", "provider", cfg.LLM.Provider)
		provider = nil
	case err != nil:
		return fmt.Errorf("initialize llm provider: %w", err)
	default:
		slog.Info("LLM provider initialized", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
	}
	catalog, err := agent.DefaultCatalog()
	if err != nil {
		return fmt.Errorf("load prompt catalog: %w", err)
	}
	collector := agent.NewCollector(provider, sessions, catalog,
		agent.WithGitHub(github.New(cfg.GitHubToken)),
		agent.WithScraper(scrape.New()),
		agent.WithMaxTokens(cfg.LLM.MaxTokens),
	)
	coder := agent.NewCoder(provider, repo, sessions, catalog, cfg.LLM.MaxTokens)

	conversationLogger, err := agent.NewConversationLogger(cfg.ConversationLog, slog.Default())
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	agentHandler := agent.NewHandler(collector, coder, conversationLogger, cfg)
	defer agentHandler.Close()

	sandboxProvider, err := newSandboxProvider(cfg)
	if err != nil {
		return err
	}
	if closer, ok := sandboxProvider.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	sandboxes := sandbox.NewManager(sandboxProvider, repo, cfg.Sandbox.TTL)
	if sandboxProvider != nil {
		sandbox.StartReaper(ctx, repo, sandboxProvider, sandbox.ReaperOptions{
			TTL:            cfg.Sandbox.TTL,
			KillTimeout:    cfg.Timeout.SandboxCleanup,
			MaxRetries:     cfg.Retry.DatabaseMaxRetries,
			RetryBaseDelay: cfg.Retry.DatabaseRetryBaseDelay,
			OnCleanup: func(codingSessionID, userID string) {
				if err := publisher.Publish(context.Background(), events.SandboxReaped, map[string]string{
					"coding_session_id": codingSessionID,
					"user_id":           userID,
				}); err != nil {
					slog.Warn("Failed to publish sandbox reaped event", "coding_session_id", codingSessionID, "error", err)
				}
			},
		})
	}

	vercel := deploy.New(cfg.Deploy.VercelToken, cfg.Deploy.VercelTeamID)
	if !vercel.Enabled() {
		slog.Info("Deployments disabled (VERCEL_TOKEN not set)")
	}

	inviteLimiter := middleware.NewIPRateLimiter(cfg.Invite.RateLimitRPS, cfg.Invite.RateLimitBurst)
	handler := api.NewHandler(api.Deps{
		Repo:        repo,
		Auth:        auth,
		Sandboxes:   sandboxes,
		Deployer:    vercel,
		Events:      publisher,
		Notifier:    agentHandler,
		Config:      cfg,
		InviteLimit: inviteLimiter.Middleware,
	})
	defer handler.Close()

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	origins := []string{"*"}
	if cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}
	r.Use(middleware.CORS(origins))

	handler.RegisterRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(auth.Require)
		r.Use(auth.RequireInvite)
		agentHandler.RegisterRoutes(r)
	})

	// SSE streams need long-lived responses, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

func newSessionStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	if cfg.Session.RedisURL == "" {
		slog.Info("Using in-memory session store", "ttl", cfg.Session.TTL, "max_entries", cfg.Session.MaxEntries)
		return session.NewMemoryStore(cfg.Session.TTL, cfg.Session.MaxEntries), nil
	}
	s, err := session.NewRedisStore(ctx, cfg.Session.RedisURL, cfg.Session.TTL)
	if err != nil {
		return nil, fmt.Errorf("connect session redis: %w", err)
	}
	slog.Info("Using redis session store", "ttl", cfg.Session.TTL)
	return s, nil
}

func newPublisher(cfg *config.Config) (events.Publisher, error) {
	if cfg.NATSURL == "" {
		return events.Noop{}, nil
	}
	nc, err := events.NewNATS(cfg.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	slog.Info("Publishing domain events to NATS")
	return nc, nil
}

// newSandboxProvider returns nil when sandboxes are disabled.
func newSandboxProvider(cfg *config.Config) (sandbox.Provider, error) {
	switch cfg.Sandbox.Provider {
	case config.SandboxE2B:
		slog.Info("Sandbox provider initialized", "provider", sandbox.ProviderE2B, "template", cfg.Sandbox.E2BTemplate)
		return sandbox.NewE2B(cfg.Sandbox.E2BAPIKey, cfg.Sandbox.E2BTemplate), nil
	case config.SandboxDocker:
		d, err := sandbox.NewDocker(cfg.Sandbox.DockerImage)
		if err != nil {
			return nil, fmt.Errorf("initialize docker sandbox: %w", err)
		}
		slog.Info("Sandbox provider initialized", "provider", sandbox.ProviderDocker, "image", cfg.Sandbox.DockerImage)
		return d, nil
	default:
		slog.Info("Sandbox features disabled")
		return nil, nil
	}
}
