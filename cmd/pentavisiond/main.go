// pentavisiond bridges a PentaVision video-surveillance server into a home
// automation hub: it maintains an authenticated session over the Video
// Tunnel API, polls camera state, republishes changes over MQTT and a local
// HTTP API, and forwards PTZ commands back to the server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pentavision/pentavisiond/internal/config"
	"github.com/pentavision/pentavisiond/internal/core/auth"
	"github.com/pentavision/pentavisiond/internal/core/client"
	"github.com/pentavision/pentavisiond/internal/core/poll"
	"github.com/pentavision/pentavisiond/internal/core/ptz"
	"github.com/pentavision/pentavisiond/internal/core/state"
	"github.com/pentavision/pentavisiond/internal/httpapi"
	"github.com/pentavision/pentavisiond/internal/mqtt"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log)
	log.Info("pentavisiond starting", "server", cfg.Server.BaseURL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core wiring: session -> transport -> typed API.
	sessions := auth.NewSessionManager(cfg.Server.BaseURL(), cfg.Server.APIKey, nil, log)
	transport := client.New(cfg.Server.BaseURL(), sessions, nil, log)
	api := client.NewAPI(transport)

	bus := state.NewEventBus(log)
	store := state.NewDeviceStore(bus, log)

	poller := poll.New(api, store, time.Duration(cfg.Server.PollIntervalSeconds)*time.Second, log)
	dispatcher := ptz.NewDispatcher(api, time.Duration(cfg.Server.PTZCooldownMillis)*time.Millisecond, log)

	// Authenticate up front so credential problems surface immediately.
	if err := sessions.Authenticate(ctx); err != nil {
		log.Error("initial handshake failed", "error", err)
		os.Exit(1)
	}

	// Prime the device table before the entity surfaces come up.
	if err := poller.PollOnce(ctx); err != nil {
		log.Warn("initial device poll failed, continuing with empty table", "error", err)
	}

	var publisher mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewHAPublisher(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			DeviceID:    cfg.MQTT.DeviceID,
		}, dispatcher, store, api, bus, log)
	} else {
		publisher = mqtt.NewStubPublisher(log)
	}

	if err := publisher.Start(ctx); err != nil {
		log.Error("failed to start MQTT publisher", "error", err)
		os.Exit(1)
	}

	if err := poller.Start(ctx); err != nil {
		log.Error("failed to start poller", "error", err)
		os.Exit(1)
	}

	apiServer := httpapi.NewServer(store, bus, sessions, api, dispatcher, poller, cfg.HTTP.CORSAll, log)
	httpSrv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: apiServer.Handler(),
	}
	go func() {
		log.Info("HTTP API listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", "error", err)
		}
	}()

	// Wait for shutdown signal.
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigC
	log.Info("shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	httpSrv.Shutdown(shutdownCtx)
	poller.Stop(shutdownCtx)
	dispatcher.Close()
	publisher.Stop(shutdownCtx)

	if err := sessions.Revoke(shutdownCtx); err != nil {
		log.Warn("failed to revoke session", "error", err)
	}

	cancel()
	log.Info("pentavisiond stopped")
}

// newLogger builds the slog logger from config: text or JSON handler at the
// configured level.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
