package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/api"
	"github.com/dennisdiepolder/monti/callcore/internal/auth"
	"github.com/dennisdiepolder/monti/callcore/internal/callqueue"
	"github.com/dennisdiepolder/monti/callcore/internal/config"
	"github.com/dennisdiepolder/monti/callcore/internal/hub"
	"github.com/dennisdiepolder/monti/callcore/internal/metrics"
	"github.com/dennisdiepolder/monti/callcore/internal/presence"
	"github.com/dennisdiepolder/monti/callcore/internal/storage"
	"github.com/dennisdiepolder/monti/callcore/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	// Offline agents are forgotten after this long
	offlineRetention = 10 * time.Minute
	cleanupInterval  = time.Minute
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("log_level", cfg.LogLevel).
		Bool("skip_auth", cfg.SkipAuth).
		Msg("starting call control server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log.Logger); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

// services are the long-lived components behind the router
type services struct {
	cfg     *config.Config
	hub     *hub.Hub
	tracker *presence.Tracker
	calls   *callqueue.Manager
	store   storage.Store
	metrics *metrics.Metrics
	tickets api.TicketStore
	auth    *auth.Authenticator
	logger  zerolog.Logger
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	// Shared presence directory, process memory only without Redis
	var mirror presence.Directory
	if cfg.RedisAddr != "" {
		rd, err := presence.OpenRedis(ctx, cfg.RedisAddr, cfg.PresenceTTL)
		if err != nil {
			return fmt.Errorf("presence: %w", err)
		}
		defer rd.Close()
		mirror = rd
		logger.Info().Str("addr", cfg.RedisAddr).Msg("mirroring presence to redis")
	}
	tracker := presence.NewTracker(mirror, logger)

	store, err := storage.NewStore(ctx, storage.DynamoConfigFrom(cfg), logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	calls := callqueue.NewManager(callqueue.Options{
		MaxQueueSize: cfg.MaxQueueSize,
		AvgHandle:    time.Duration(cfg.AvgHandleSeconds) * time.Second,
	}, tracker, logger)
	calls.SetStore(store)

	m := metrics.New()
	h := hub.New(hub.OptionsFrom(cfg), tracker, calls, store, m, logger)

	s := &services{
		cfg:     cfg,
		hub:     h,
		tracker: tracker,
		calls:   calls,
		store:   store,
		metrics: m,
		tickets: api.NewMemoryTickets(),
		auth: auth.New(auth.Options{
			SkipAuth:        cfg.SkipAuth,
			VerifySignature: cfg.Env == "production",
			OIDCIssuer:      cfg.OIDCIssuer,
		}, logger),
		logger: logger,
	}

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     newRouter(s),
		ReadTimeout: 15 * time.Second,
		// No write timeout: websocket connections are long-lived
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		h.Run(gctx)
		return nil
	})

	g.Go(func() error {
		callqueue.NewRoutingLoop(calls, h, cfg.RoutingInterval, cfg.RingTimeout, logger).Start(gctx)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := tracker.RemoveOffline(offlineRetention); n > 0 {
					logger.Debug().Int("removed", n).Msg("forgot offline agents")
				}
			}
		}
	})

	g.Go(func() error {
		logger.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func newRouter(s *services) http.Handler {
	r := chi.NewRouter()

	// Add middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(s.cfg.AllowedOrigins, s.logger))
	r.Use(api.CountRequests(s.metrics))

	// Register public routes (no auth required)
	r.Get("/health", healthHandler(s.hub))
	r.Get("/metrics", s.metrics.Handler())

	agents := api.NewAgentsHandler(s.tracker, s.hub, nil, s.logger)
	calls := api.NewCallsHandler(s.calls, s.hub, s.store, s.logger)
	tickets := api.NewTicketsHandler(s.tickets, s.logger)
	wsHandler := hub.NewHandler(s.hub, s.cfg.AllowedOrigins, s.logger)

	// Add auth middleware for protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Get("/ws", wsHandler.ServeHTTP)

		r.Get("/api/agents/available", agents.Available)
		r.Get("/api/agents/status", agents.Status)
		r.Get("/api/call/demo/agents", agents.Demo)
		r.Get("/api/webrtc/config", api.WebRTCConfig(s.cfg.ICE))
		r.Get("/api/tickets/{id}", tickets.Get)
		r.Post("/api/tickets", tickets.Create)
		r.Get("/api/calls/stats", calls.Stats)
		r.Get("/api/calls/history", calls.History)
		r.Get("/api/metrics", s.metrics.JSONHandler())

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole("admin", "supervisor", "crm_system"))
			r.Post("/api/agents/{agentId}/logout", agents.Logout)
			r.Post("/api/calls/{callId}/end", calls.End)
		})
	})

	return r
}

type connectionCounter interface {
	ConnectionCount() int
}

// healthHandler handles health check requests
func healthHandler(c connectionCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","service":"callcore","connections":%d}`, c.ConnectionCount())
	}
}
