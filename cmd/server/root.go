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

	"github.com/joho/godotenv"
	"github.com/npezzotti/campuschat/internal/api"
	"github.com/npezzotti/campuschat/internal/chat"
	"github.com/npezzotti/campuschat/internal/config"
	"github.com/npezzotti/campuschat/internal/database"
	"github.com/npezzotti/campuschat/internal/server"
	"github.com/npezzotti/campuschat/internal/stats"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownTimeout = 10 * time.Second

var v = config.NewViper()

// Execute runs the root command. It is called once by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "campuschat",
	Short:         "Runs the campus chat HTTP and websocket server",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real environment variables take precedence
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromViper(v)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}

		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		defer logger.Sync()

		return serve(cfg, logger)
	},
}

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Applies or rolls back the Postgres schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn := v.GetString(config.KeyDSN)
		if dsn == "" {
			return fmt.Errorf("%s is required", config.KeyDSN)
		}

		db, err := database.NewPgChatRepository(dsn)
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		defer db.Close()

		if err := db.Migrate(args[0] == "up"); err != nil {
			return fmt.Errorf("migrate %s: %w", args[0], err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "migrate %s complete\n", args[0])
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String(config.KeyAddr, v.GetString(config.KeyAddr), "server address")
	flags.String(config.KeyDSN, "", "postgres connection string")
	flags.String(config.KeyStore, v.GetString(config.KeyStore), "storage backend: postgres or memory")
	flags.String(config.KeySigningKey, "", "base64 encoded session signing key")
	flags.StringSlice(config.KeyAllowedOrigins, nil, "comma-separated list of allowed origins for CORS")
	flags.String(config.KeyLogLevel, v.GetString(config.KeyLogLevel), "log level (debug, info, warn, error)")
	flags.Int(config.KeyEventsPerSecond, v.GetInt(config.KeyEventsPerSecond), "inbound websocket events per second per connection, 0 to disable")
	flags.Bool(config.KeyMigrate, v.GetBool(config.KeyMigrate), "apply migrations on startup")

	for _, key := range []string{
		config.KeyAddr,
		config.KeyDSN,
		config.KeyStore,
		config.KeySigningKey,
		config.KeyAllowedOrigins,
		config.KeyLogLevel,
		config.KeyEventsPerSecond,
		config.KeyMigrate,
	} {
		_ = v.BindPFlag(key, flags.Lookup(key))
	}

	rootCmd.AddCommand(migrateCmd)
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if level == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	return zc.Build()
}

// openStore returns the configured repository, migrating Postgres first
// when requested.
func openStore(cfg *config.Config, logger *zap.Logger) (database.ChatRepository, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store, data will not survive a restart")
		return database.NewMemoryRepository(), nil
	}

	db, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}

	if cfg.Migrate {
		if err := db.Migrate(true); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("database migrations applied")
	}

	return db, nil
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	db, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("db close", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	svc := chat.NewService(db, logger.Named("chat"))

	chatServer, err := server.NewChatServer(
		logger.Named("realtime"),
		svc,
		server.NewPresenceRegistry(),
		statsUpdater,
		server.WithEventsPerSecond(cfg.EventsPerSecond),
	)
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	srv := api.NewChatApp(mux, logger.Named("http"), chatServer, svc, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigs:
		logger.Info("received signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", zap.Error(err))
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}
	signal.Stop(sigs)

	shutDownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	logger.Info("shutting down chat server")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		return fmt.Errorf("chat server shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return serveErr
}
