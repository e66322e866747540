// Package bridge wires together the Store, MatrixClient, RocketchatClient
// factory, VirtualUserRegistry, CommandHandler, RoomHandler, MessageHandler,
// EventDispatcher, RocketchatWebhookHandler and ASHandler into a running
// bridge process.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/n42/mautrix-rocketchat/internal/command"
	"github.com/n42/mautrix-rocketchat/internal/config"
	"github.com/n42/mautrix-rocketchat/internal/database"
	"github.com/n42/mautrix-rocketchat/internal/matrix"
	"github.com/n42/mautrix-rocketchat/internal/puppet"
	"github.com/n42/mautrix-rocketchat/internal/rocketchat"
)

// Services is the record of long-lived collaborators constructed once at
// startup and handed to every handler. No handler keeps a reference to
// anything beyond this record.
type Services struct {
	Log          *slog.Logger
	Store        *database.Store
	MatrixClient matrix.Client
	Puppets      *puppet.Registry
	Commands     *command.Handler
	Metrics      *Metrics

	Rooms      *RoomHandler
	Messages   *MessageHandler
	Dispatcher *EventDispatcher
	Webhooks   *WebhookHandler
	AS         *ASHandler
}

// Bridge is the top-level process: it owns Services plus the HTTP servers
// that expose the application-service and webhook surfaces.
type Bridge struct {
	Config   *config.Config
	Log      *slog.Logger
	Store    *database.Store
	Services *Services
	Metrics  *Metrics

	asServer      *http.Server
	metricsServer *http.Server
	mu            sync.Mutex
	running       bool
}

// New creates a new Bridge instance from the given configuration. It opens
// the database but performs no other I/O; call Start to wire collaborators
// and bring up the HTTP listeners.
func New(cfg *config.Config, log *slog.Logger) (*Bridge, error) {
	store, err := database.New(cfg.Database.Type, cfg.Database.URI, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return &Bridge{
		Config: cfg,
		Log:    log,
		Store:  store,
	}, nil
}

// Start initializes all components and starts the bridge's HTTP listeners.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("bridge is already running")
	}

	b.Log.Info("starting mautrix-rocketchat bridge")

	b.Metrics = NewMetrics()

	if err := b.Store.RunMigrations(ctx); err != nil {
		return fmt.Errorf("run database migrations: %w", err)
	}
	b.Log.Info("database migrations complete")

	botUserID := fmt.Sprintf("@%s:%s", b.Config.AppService.Bot.Username, b.Config.Homeserver.Domain)

	matrixClient := matrix.NewHTTPClient(
		b.Config.Homeserver.Address,
		b.Config.AppService.ASToken,
		b.Config.Homeserver.Domain,
		b.Config.Bridge.HTTPTimeout,
	)

	puppets := puppet.New(
		b.Log.With("component", "puppets"),
		b.Store,
		matrixClient,
		b.Config.Homeserver.Domain,
		b.Config.AppService.Bot.Username,
	)
	puppets.SetMetrics(b.Metrics)

	newRocketchat := func(ctx context.Context, baseURL string) (rocketchat.Client, error) {
		return rocketchat.NewHTTPClient(ctx, baseURL, b.Config.Bridge.HTTPTimeout)
	}

	commands := command.New(command.Config{
		Log:               b.Log.With("component", "commands"),
		Store:             b.Store,
		MatrixClient:      matrixClient,
		Puppets:           puppets,
		NewRocketchat:     newRocketchat,
		SenderLocalpart:   b.Config.AppService.Bot.Username,
		HSDomain:          b.Config.Homeserver.Domain,
		BotUserID:         botUserID,
		MaxServerIDLength: b.Config.Bridge.MaxServerIDLength,
	})
	commands.SetMetrics(b.Metrics)

	rooms := NewRoomHandler(RoomHandlerConfig{
		Log:                 b.Log.With("component", "rooms"),
		MatrixClient:        matrixClient,
		Commands:            commands,
		BotUserID:           botUserID,
		HSDomain:            b.Config.Homeserver.Domain,
		AcceptRemoteInvites: b.Config.Bridge.AcceptRemoteInvites,
		Metrics:             b.Metrics,
	})

	messages := NewMessageHandler(MessageHandlerConfig{
		Log:             b.Log.With("component", "messages"),
		Store:           b.Store,
		MatrixClient:    matrixClient,
		Commands:        commands,
		NewRocketchat:   newRocketchat,
		BotUserID:       botUserID,
		SenderLocalpart: b.Config.AppService.Bot.Username,
		Metrics:         b.Metrics,
	})

	dispatcher := NewEventDispatcher(EventDispatcherConfig{
		Log:          b.Log.With("component", "dispatcher"),
		MatrixClient: matrixClient,
		Rooms:        rooms,
		Messages:     messages,
		BotUserID:    botUserID,
	})

	webhooks := NewWebhookHandler(WebhookHandlerConfig{
		Log:             b.Log.With("component", "webhooks"),
		Store:           b.Store,
		MatrixClient:    matrixClient,
		Puppets:         puppets,
		HSDomain:        b.Config.Homeserver.Domain,
		SenderLocalpart: b.Config.AppService.Bot.Username,
		BotUserID:       botUserID,
		LoopWindow:      b.Config.Bridge.LoopWindow,
		Metrics:         b.Metrics,
	})

	asHandler := NewASHandler(
		b.Log.With("component", "as_handler"),
		b.Config.AppService.HSToken,
		dispatcher,
		puppets,
	)

	b.Services = &Services{
		Log:          b.Log,
		Store:        b.Store,
		MatrixClient: matrixClient,
		Puppets:      puppets,
		Commands:     commands,
		Metrics:      b.Metrics,
		Rooms:        rooms,
		Messages:     messages,
		Dispatcher:   dispatcher,
		Webhooks:     webhooks,
		AS:           asHandler,
	}

	// The AS transaction/query routes and the Rocket.Chat webhook route are
	// one HTTP surface; they're served from a single mux and port here
	// rather than split across listeners.
	mux := http.NewServeMux()
	mux.Handle("POST /rocketchat", webhooks)
	mux.Handle("/", asHandler)

	asAddr := fmt.Sprintf("%s:%d", b.Config.AppService.Hostname, b.Config.AppService.Port)
	b.asServer = &http.Server{
		Addr:         asAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		b.Log.Info("bridge HTTP server listening", "addr", asAddr)
		if err := b.asServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.Log.Error("bridge HTTP server error", "error", err)
		}
	}()

	if b.Config.Metrics.Enabled {
		b.startMetricsServer()
	}

	b.running = true
	b.Log.Info("mautrix-rocketchat bridge started successfully")

	return nil
}

// Stop gracefully shuts down all bridge HTTP listeners and closes the store.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}

	b.Log.Info("stopping mautrix-rocketchat bridge")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if b.metricsServer != nil {
		if err := b.metricsServer.Shutdown(shutdownCtx); err != nil {
			b.Log.Error("metrics server shutdown error", "error", err)
		}
	}
	if b.asServer != nil {
		if err := b.asServer.Shutdown(shutdownCtx); err != nil {
			b.Log.Error("application service server shutdown error", "error", err)
		}
	}

	if b.Store != nil {
		if err := b.Store.Close(); err != nil {
			b.Log.Error("database close error", "error", err)
		}
	}

	b.running = false
	b.Log.Info("mautrix-rocketchat bridge stopped")

	return nil
}

// Run starts the bridge and blocks until a shutdown signal is received.
func (b *Bridge) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	b.Log.Info("received shutdown signal", "signal", sig)

	return b.Stop()
}

// startMetricsServer starts a dedicated HTTP server for Prometheus metrics
// and health checks.
func (b *Bridge) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", b.Metrics.Handler())
	mux.HandleFunc("/health", b.handleHealth)

	b.metricsServer = &http.Server{
		Addr:         b.Config.Metrics.Listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		b.Log.Info("metrics server listening", "addr", b.Config.Metrics.Listen)
		if err := b.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.Log.Error("metrics server error", "error", err)
		}
	}()
}

// handleHealth serves a JSON health check response.
func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := b.Metrics.HealthStatus()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	data, err := json.Marshal(status)
	if err != nil {
		b.Log.Error("failed to marshal health status", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Write(data)
}
