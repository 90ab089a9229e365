package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/whisper/companion/internal/ban"
	"github.com/whisper/companion/internal/chat"
	"github.com/whisper/companion/internal/gateway"
	"github.com/whisper/companion/internal/history"
	"github.com/whisper/companion/internal/messaging"
	"github.com/whisper/companion/internal/ratelimit"
	"github.com/whisper/companion/internal/session"
	"github.com/whisper/companion/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket gateway",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("listen", ":8080", "address to listen on")
	f.String("server-name", "", "instance name stored with sessions (default: hostname)")
	f.Int("workers", 256, "max concurrent read workers")
	f.Int("max-connections", 100000, "connection cap")
	f.String("nats-url", "", "NATS URL; empty runs a single instance with in-process fan-out")
	f.String("postgres-dsn", "", "PostgreSQL DSN for message history; empty keeps history in memory")

	_ = viper.BindPFlag("server.listen", f.Lookup("listen"))
	_ = viper.BindPFlag("server.name", f.Lookup("server-name"))
	_ = viper.BindPFlag("server.workers", f.Lookup("workers"))
	_ = viper.BindPFlag("server.max_connections", f.Lookup("max-connections"))
	_ = viper.BindPFlag("nats.url", f.Lookup("nats-url"))
	_ = viper.BindPFlag("postgres.dsn", f.Lookup("postgres-dsn"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := LoadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting gateway",
		zap.String("listen", cfg.Server.Listen),
		zap.String("server", cfg.Server.Name),
		zap.Int("workers", cfg.Server.Workers),
		zap.Int("max_conns", cfg.Server.MaxConnections),
		zap.String("redis", cfg.Redis.Addr),
		zap.Bool("nats", cfg.NATS.URL != ""),
		zap.Bool("postgres", cfg.Postgres.DSN != ""))
	if used := viper.ConfigFileUsed(); used != "" {
		logger.Info("config file loaded", zap.String("path", used))
	}

	// --- Redis ---
	sessions, err := session.NewStore(cfg.Redis.Addr, cfg.Server.Name)
	if err != nil {
		return err
	}
	defer sessions.Close()
	rdb := sessions.Client()

	// --- Bus ---
	var bus gateway.Bus = gateway.NewLocalBus()
	if cfg.NATS.URL != "" {
		nc, err := messaging.NewNATSClient(cfg.natsConfig(), logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		bus = nc
	}

	// --- History ---
	var hist gateway.History = gateway.NewBufferHistory(chat.NewMessageBufferSize(cfg.Server.HistoryBuffer))
	if cfg.Postgres.DSN != "" {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		store, err := history.Open(ctx, cfg.Postgres.DSN)
		cancel()
		if err != nil {
			return err
		}
		defer store.Close()
		hist = store
	}

	gw := gateway.New(gateway.Deps{
		Sessions:    sessions,
		Chats:       chat.NewStore(rdb),
		History:     hist,
		Bus:         bus,
		Limiter:     ratelimit.NewLimiter(rdb, logger),
		Suspensions: ban.NewStore(rdb),
	}, logger)

	server := ws.NewServer(cfg.wsConfig(), sessions, gw.Dispatch, logger)
	server.SetOnDisconnect(gw.OnDisconnect)
	server.SetAdmission(gw.Admit)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case s := <-sig:
		logger.Info("received signal", zap.String("signal", s.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
