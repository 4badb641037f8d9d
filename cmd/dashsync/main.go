// dashsync keeps live admin dashboards in sync with the backend's WebSocket
// channels, optionally persisting snapshots and relaying updates to Redis.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/adminlive/internal/auth"
	"github.com/rickgao/adminlive/internal/config"
	"github.com/rickgao/adminlive/internal/connection"
	"github.com/rickgao/adminlive/internal/database"
	"github.com/rickgao/adminlive/internal/endpoint"
	"github.com/rickgao/adminlive/internal/projector"
	"github.com/rickgao/adminlive/internal/relay"
	"github.com/rickgao/adminlive/internal/router"
	"github.com/rickgao/adminlive/internal/snapshot"
	"github.com/rickgao/adminlive/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/dashsync.local.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting dashsync",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
		"backend", cfg.Backend.Host,
		"channels", cfg.Channels,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	dashboards := make(map[string]*projector.Dashboard, len(cfg.Channels))
	sources := make([]snapshot.Source, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		d := projector.NewDashboard(ch)
		dashboards[ch] = d
		sources = append(sources, d)
	}

	var pingers []namedPinger

	// Snapshot persistence
	var saver *snapshot.Saver
	if cfg.Snapshot.Enabled {
		db := cfg.Snapshot.Database
		logger.Info("connecting to database",
			"host", db.Host,
			"port", db.Port,
			"database", db.Name,
		)

		pool, err := database.Connect(ctx, db, "dashsync-"+cfg.Instance.ID)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		store, err := snapshot.NewPGStore(pool, cfg.Snapshot.Table, snapshot.DefaultRetryConfig(), logger)
		if err != nil {
			logger.Error("invalid snapshot store", "error", err)
			os.Exit(1)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Error("failed to create snapshot table", "error", err)
			os.Exit(1)
		}

		saverCfg := snapshot.DefaultConfig()
		saverCfg.Interval = cfg.Snapshot.Interval
		saver = snapshot.New(saverCfg, store, sources, logger)
		saver.Restore(ctx)

		pingers = append(pingers, namedPinger{name: "postgres", pinger: pool})
		logger.Info("database connected", "table", cfg.Snapshot.Table)
	}

	// Redis relay
	var publisher *relay.Publisher
	if cfg.Relay.Enabled {
		publisher = relay.New(relay.NewRedisClient(cfg.Relay), cfg.Relay.Prefix, cfg.Relay.PublishTimeout, logger)
		defer publisher.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := publisher.Ping(pingCtx)
		pingCancel()
		if err != nil {
			logger.Error("failed to reach redis", "addr", cfg.Relay.Addr, "error", err)
			os.Exit(1)
		}

		pingers = append(pingers, namedPinger{name: "redis", pinger: publisher})
		logger.Info("redis relay connected", "addr", cfg.Relay.Addr, "prefix", cfg.Relay.Prefix)
	}

	// Connection manager
	r := router.NewRouter(logger)
	dialer := connection.NewDialer(cfg.Connections.ClientConfig(), logger)
	mgr := connection.NewManager(cfg.Connections.ManagerConfig(), dialer, r, logger)
	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start connection manager", "error", err)
		os.Exit(1)
	}

	tokens := auth.NewFileTokenSource(cfg.Backend.TokenPath, cfg.Backend.TokenOptional)
	builder := endpoint.New(cfg.Backend.Host, cfg.Backend.Secure, tokens)

	for _, ch := range cfg.Channels {
		var p projector.Projector = dashboards[ch]
		if publisher != nil {
			p = projector.Multi{dashboards[ch], publisher}
		}
		if _, err := mgr.Connect(ch, builder.For(ch), projector.Handlers(p, logger.With("channel", ch))); err != nil {
			logger.Error("failed to connect channel", "channel", ch, "error", err)
			os.Exit(1)
		}
	}

	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
		Handler:           newHealthHandler(mgr, dashboards, pingers, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	if saver != nil {
		if err := saver.Start(gctx); err != nil {
			logger.Error("failed to start snapshot saver", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("dashsync running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
	)

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := mgr.Stop(shutdownCtx); err != nil {
			logger.Warn("connection manager stop", "error", err)
		}
		if saver != nil {
			if err := saver.Stop(shutdownCtx); err != nil {
				logger.Warn("snapshot saver stop", "error", err)
			}
		}
		return healthServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("dashsync exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("dashsync stopped")
}
