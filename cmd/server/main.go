package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/npezzotti/go-discuss/internal/api"
	"github.com/npezzotti/go-discuss/internal/assistant"
	"github.com/npezzotti/go-discuss/internal/config"
	"github.com/npezzotti/go-discuss/internal/database"
	"github.com/npezzotti/go-discuss/internal/server"
	"github.com/npezzotti/go-discuss/internal/stats"
	"github.com/npezzotti/go-discuss/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName     = "go-discuss"
	shutdownTimeout = 10 * time.Second
)

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Str("service", serviceName).Logger()
}

func connectNats(logger zerolog.Logger, url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(serviceName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
}

func main() {
	cfg, err := config.Load(pflag.CommandLine, os.Args[1:])
	if err != nil {
		l := zerolog.New(os.Stderr).With().Timestamp().Logger()
		l.Fatal().Err(err).Msg("config")
	}

	logger := newLogger(cfg)
	if err := run(logger, cfg); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}

	logger.Info().Msg("shutdown complete")
}

func run(logger zerolog.Logger, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbConn, err := database.NewPgDiscussRepository(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	if cfg.MigrateOnStart {
		if err := dbConn.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	if cfg.OtlpEndpoint != "" {
		otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
			ServiceName: serviceName,
			Endpoint:    cfg.OtlpEndpoint,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("telemetry shutdown")
			}
		}()
		logger.Info().Str("endpoint", cfg.OtlpEndpoint).Msg("metric export enabled")
	}

	statsUpdater := stats.NewStatsUpdater()
	statsUpdater.Run()
	defer statsUpdater.Stop()

	opts := server.Options{
		Repository:       dbConn,
		Stats:            statsUpdater,
		AssistantTimeout: cfg.AssistantTimeout,
		RoomCapacity:     cfg.RoomCapacity,
		MinJoinTokens:    cfg.MinJoinTokens,
		MessageCost:      cfg.MessageCost,
		NatsSubject:      cfg.NatsSubject,
	}

	if cfg.OllamaHost != "" {
		gen, err := assistant.NewOllamaGenerator(cfg.OllamaHost, cfg.OllamaModel)
		if err != nil {
			return fmt.Errorf("ollama client: %w", err)
		}
		opts.Generator = gen
		logger.Info().Str("host", cfg.OllamaHost).Str("model", cfg.OllamaModel).Msg("assistant enabled")
	}

	if cfg.NatsURL != "" {
		nc, err := connectNats(logger, cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		opts.Nats = nc
		logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected to NATS")
	}

	chatServer, err := server.NewChatServer(logger, opts)
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	app := api.NewDiscussApp(logger, chatServer, dbConn, http.HandlerFunc(statsUpdater.Handler), cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := app.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := app.Shutdown(shutdownCtx); err != nil {
			return err
		}

		logger.Info().Msg("shutting down chat server")
		return chatServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
