package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adi-253/Haven/backend/internal/actions"
	"github.com/adi-253/Haven/backend/internal/api"
	"github.com/adi-253/Haven/backend/internal/config"
	"github.com/adi-253/Haven/backend/internal/handlers"
	"github.com/adi-253/Haven/backend/internal/normalizer"
	"github.com/adi-253/Haven/backend/internal/poller"
	"github.com/adi-253/Haven/backend/internal/realtime"
	"github.com/adi-253/Haven/backend/internal/reconciler"
	"github.com/adi-253/Haven/backend/internal/store"
	"github.com/adi-253/Haven/backend/internal/syncer"
	"github.com/adi-253/Haven/backend/internal/typing"
	"github.com/adi-253/Haven/backend/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// probe reports transport state to the health check.
type probe struct {
	relay  *realtime.Client
	poller *poller.Poller
}

func (p probe) RelayConnected() bool { return p.relay != nil && p.relay.Connected() }
func (p probe) PollingHalted() bool  { return p.poller.Halted() }

func main() {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Upstream client and the session's single store
	client := api.NewClient(cfg.APIBaseURL, cfg.APIToken, cfg.HTTPTimeout, logger.Named("api"))
	st := store.New(cfg.UserID, nil)
	norm := normalizer.New(nil)
	recon := reconciler.New(st, norm, logger.Named("reconciler"))

	debouncer := typing.NewDebouncer(cfg.TypingTimeout)
	tracker := typing.NewTracker(st, cfg.TypingTimeout)
	svc := actions.New(client, recon, norm, debouncer, logger.Named("actions"))

	// The relay is optional; without it the poller carries every update
	var relay syncer.Relay
	var relayClient *realtime.Client
	if cfg.PusherKey != "" {
		relayClient = realtime.NewClient(realtime.Options{
			URL:   realtime.PusherURL(cfg.PusherKey, cfg.PusherCluster, cfg.PusherHost, cfg.APIToken),
			Token: cfg.APIToken,
		}, logger.Named("realtime"))
		relay = relayClient
	}

	engine := syncer.New(client, relay, svc, recon, norm, tracker, logger.Named("syncer"))
	poll := poller.New(client, recon, cfg.PollInterval, cfg.PollAllConversations, logger.Named("poller"))
	// A refresh that got through proves the token works again
	engine.OnRefresh(poll.Resume)

	if err := engine.Start(ctx); err != nil {
		logger.Warn("initial refresh failed, waiting for poll and relay", zap.Error(err))
	}
	if relayClient != nil {
		go relayClient.Run(ctx)
	}
	go poll.Start(ctx)

	hub := websocket.NewHub(st, svc, engine, logger.Named("hub"))
	go hub.Run(ctx)

	// Set up router with middleware
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	logger.Info("CORS allowed origins", zap.Strings("origins", cfg.CORSOrigins))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", handlers.HealthCheck(probe{relay: relayClient, poller: poll}))
	r.Get("/ws", websocket.NewHandler(ctx, hub).ServeWS)
	handlers.Mount(r,
		handlers.NewConversationHandler(st, svc, engine),
		handlers.NewMessageHandler(st, svc, logger.Named("handlers")),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("Haven sync agent starting",
		zap.String("addr", srv.Addr),
		zap.Int64("viewer_id", cfg.UserID),
		zap.Bool("relay", relayClient != nil))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}

	poll.Stop()
	tracker.StopAll()
	debouncer.CancelAll()
	logger.Info("Haven sync agent stopped")
}
