// wsprobe connects to one admin backend channel and prints every decoded
// message to stdout as a JSON line. Connection state changes go to stderr.
//
// Usage:
//
//	go run ./cmd/wsprobe -host localhost:8000 -channel dashboard -token-file ~/.adminlive/token
//	go run ./cmd/wsprobe -config configs/dashsync.local.yaml -channel users -verbose
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rickgao/adminlive/internal/auth"
	"github.com/rickgao/adminlive/internal/config"
	"github.com/rickgao/adminlive/internal/connection"
	"github.com/rickgao/adminlive/internal/endpoint"
	"github.com/rickgao/adminlive/internal/router"
)

type probeLine struct {
	Channel    string          `json:"channel"`
	Type       string          `json:"type"`
	Known      bool            `json:"known"`
	Timestamp  string          `json:"timestamp,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func main() {
	configPath := flag.String("config", "", "optional dashsync config file for backend and connection settings")
	host := flag.String("host", "", "backend host[:port] (overrides config)")
	secure := flag.Bool("secure", false, "use wss://")
	tokenFile := flag.String("token-file", "", "file holding the bearer token (overrides config)")
	channel := flag.String("channel", config.DefaultChannel, "channel to subscribe to")
	maxMessages := flag.Int("max", 0, "exit after this many messages (0 = unlimited)")
	verbose := flag.Bool("verbose", false, "include payloads and debug logs")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	backend := config.BackendConfig{TokenOptional: true}
	clientCfg := connection.DefaultClientConfig()
	managerCfg := connection.DefaultManagerConfig()

	if *configPath != "" {
		cfg, err := config.LoadWithDefaults(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		backend = cfg.Backend
		clientCfg = cfg.Connections.ClientConfig()
		managerCfg = cfg.Connections.ManagerConfig()
	}
	if *host != "" {
		backend.Host = *host
	}
	if *secure {
		backend.Secure = true
	}
	if *tokenFile != "" {
		backend.TokenPath = *tokenFile
		backend.TokenOptional = false
	}
	if backend.Host == "" {
		logger.Error("backend host required: pass -host or -config")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	r := router.NewRouter(logger)
	mgr := connection.NewManager(managerCfg, connection.NewDialer(clientCfg, logger), r, logger)
	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start connection manager", "error", err)
		os.Exit(1)
	}

	builder := endpoint.New(backend.Host, backend.Secure, auth.NewFileTokenSource(backend.TokenPath, backend.TokenOptional))

	var (
		received atomic.Int64
		failed   atomic.Bool
		out      = json.NewEncoder(os.Stdout)
	)

	handlers := connection.Handlers{
		OnMessage: func(msg router.Message) {
			line := probeLine{
				Channel:    *channel,
				Type:       msg.Type,
				Known:      msg.Kind.Known(),
				Timestamp:  msg.Timestamp,
				ReceivedAt: msg.ReceivedAt,
			}
			if *verbose {
				line.Data = msg.Data
			}
			if err := out.Encode(line); err != nil {
				logger.Warn("failed to write message", "error", err)
			}

			if n := received.Add(1); *maxMessages > 0 && n >= int64(*maxMessages) {
				logger.Info("message limit reached", "count", n)
				cancel()
			}
		},
		OnError: func(err error) {
			logger.Warn("channel error", "error", err)
			if errors.Is(err, connection.ErrReconnectExhausted) {
				failed.Store(true)
			}
		},
		OnClose: func(code int, reason string) {
			logger.Info("channel closed", "code", code, "reason", reason)
		},
		OnState: func(s connection.State) {
			logger.Info("channel state", "channel", *channel, "state", s)
			if s == connection.StateFailed {
				failed.Store(true)
				cancel()
			}
		},
	}

	if _, err := mgr.Connect(*channel, builder.For(*channel), handlers); err != nil {
		logger.Error("failed to connect", "channel", *channel, "error", err)
		os.Exit(1)
	}

	logger.Info("probing - press Ctrl+C to stop", "host", backend.Host, "channel", *channel)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	mgr.Stop(shutdownCtx)

	// Stop leaves the router counters in place.
	stats := r.Stats()
	logger.Info("probe finished",
		"received", stats.MessagesReceived,
		"routed", stats.MessagesRouted,
		"parse_errors", stats.ParseErrors,
		"unknown", stats.UnknownMessages,
	)

	if failed.Load() {
		fmt.Fprintln(os.Stderr, "channel failed after exhausting reconnect attempts")
		os.Exit(1)
	}
}
