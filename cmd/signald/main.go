// Package main provides the signaling daemon: it relays room-signaling envelopes
// between peers over websocket (and optionally line-delimited TCP), tracks
// recordings, and runs per-room Lua hooks for signals without a built-in handler.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomsignal/internal/codec"
	"github.com/cory-johannsen/roomsignal/internal/command"
	"github.com/cory-johannsen/roomsignal/internal/config"
	"github.com/cory-johannsen/roomsignal/internal/dispatch"
	"github.com/cory-johannsen/roomsignal/internal/hub"
	"github.com/cory-johannsen/roomsignal/internal/observability"
	"github.com/cory-johannsen/roomsignal/internal/recording"
	"github.com/cory-johannsen/roomsignal/internal/scripting"
	"github.com/cory-johannsen/roomsignal/internal/server"
	"github.com/cory-johannsen/roomsignal/internal/signaling"
	"github.com/cory-johannsen/roomsignal/internal/storage/postgres"
	"github.com/cory-johannsen/roomsignal/internal/transport/tcp"
	"github.com/cory-johannsen/roomsignal/internal/transport/websocket"
)

const (
	dbProbeInterval = 30 * time.Second
	dbProbeTimeout  = 5 * time.Second
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file; empty = defaults and environment only")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	d, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("building daemon", zap.Error(err))
	}
	defer d.close()

	logger.Info("signaling daemon initialized",
		zap.String("ws_addr", cfg.Websocket.Addr()),
		zap.String("health_addr", cfg.Health.Addr()),
		zap.Bool("tcp_enabled", cfg.Listener.Enabled),
		zap.String("storage", cfg.Storage.Driver),
		zap.Duration("startup", time.Since(start)),
	)

	if err := d.lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// daemon holds the wired components and the resources close must release.
type daemon struct {
	catalog    *command.Catalog
	dispatcher *dispatch.Dispatcher
	hub        *hub.Hub
	signaling  *signaling.Server
	health     *server.HealthService
	errors     *observability.HandlerErrors
	lifecycle  *server.Lifecycle
	status     websocket.StatusFunc
	closers    []func()
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// buildCatalog extends the default catalog with aliases from configuration.
func buildCatalog(extra map[string]string) (*command.Catalog, error) {
	catalog := command.DefaultCatalog()
	for sig, key := range extra {
		v, ok := command.VariantForKey(key)
		if !ok {
			return nil, fmt.Errorf("extra signal %q: unknown payload key %q", sig, key)
		}
		if err := catalog.Register(command.Signal(sig), v); err != nil {
			return nil, fmt.Errorf("extra signal %q: %w", sig, err)
		}
	}
	return catalog, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (recording.Store, *postgres.Pool, error) {
	if cfg.Storage.Driver != "postgres" {
		logger.Info("using in-memory recording store")
		return recording.NewMemoryStore(), nil, nil
	}
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	logger.Info("using postgres recording store",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Name),
	)
	return postgres.NewRecordingStore(pool.DB()), pool, nil
}

// build wires every component described by cfg. Nothing listens until the
// returned lifecycle runs.
func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*daemon, error) {
	d := &daemon{}
	fail := func(err error) (*daemon, error) {
		d.close()
		return nil, err
	}

	catalog, err := buildCatalog(cfg.Signaling.ExtraSignals)
	if err != nil {
		return fail(err)
	}
	d.catalog = catalog

	policy, err := codec.ParsePolicy(cfg.Signaling.UnknownSignal)
	if err != nil {
		return fail(err)
	}
	unhandled, err := dispatch.ParseUnhandledPolicy(cfg.Signaling.Unhandled)
	if err != nil {
		return fail(err)
	}
	c := codec.New(catalog, policy)

	d.errors = observability.NewHandlerErrors(logger)
	d.dispatcher = dispatch.New(logger,
		dispatch.WithUnhandledPolicy(unhandled),
		dispatch.WithErrorObserver(d.errors.Observe),
	)

	store, pool, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	if pool != nil {
		d.closers = append(d.closers, pool.Close)
	}

	d.hub = hub.New()
	d.signaling = signaling.NewServer(signaling.Config{
		Codec:      c,
		Dispatcher: d.dispatcher,
		Hub:        d.hub,
		Recordings: recording.NewService(store, logger),
		OutboxSize: cfg.Signaling.OutboundBuffer,
		Logger:     logger,
	})

	if cfg.Scripting.Dir != "" {
		mgr := scripting.NewManager(cfg.Scripting.InstructionLimit, logger)
		d.closers = append(d.closers, mgr.Close)
		mgr.SendRoom = d.signaling.SendRoom
		mgr.SendTo = d.signaling.SendTo
		mgr.Members = d.hub.UsersInRoom
		if err := mgr.LoadDir(cfg.Scripting.Dir); err != nil {
			return fail(fmt.Errorf("loading scripts: %w", err))
		}
		d.dispatcher.SetDefault(scripting.NewHandler(mgr, unhandled == dispatch.ErrorUnhandled))
		logger.Info("scripting enabled", zap.String("dir", cfg.Scripting.Dir))
	}

	d.health = server.NewHealthService(cfg.Health.Addr(), logger)
	if pool != nil {
		d.health.Watch("postgres", dbProbeInterval, dbProbeTimeout, pool.Probe)
	}

	var acceptor *tcp.Acceptor
	if cfg.Listener.Enabled {
		acceptor = tcp.NewAcceptor(cfg.Listener, d.signaling, logger)
	}
	d.status = func() map[string]any {
		body := map[string]any{
			"name":           cfg.Server.Name,
			"peers":          d.hub.Count(),
			"handlers":       d.dispatcher.Signals(),
			"handler_errors": d.errors.Snapshot(),
		}
		if acceptor != nil {
			body["tcp_connections"] = acceptor.Active()
		}
		return body
	}
	ws := websocket.NewServer(cfg.Websocket, cfg.Server.ShutdownTimeout, d.signaling, d.status, logger)

	d.lifecycle = server.NewLifecycle(logger, cfg.Server.ShutdownTimeout)
	d.lifecycle.Add("health", d.health)
	if acceptor != nil {
		d.lifecycle.Add("tcp", acceptor)
	}
	d.lifecycle.Add("websocket", ws)
	return d, nil
}
