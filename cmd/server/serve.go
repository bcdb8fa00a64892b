package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Pallasmanul/agentServer/internal/audio"
	"github.com/Pallasmanul/agentServer/internal/config"
	"github.com/Pallasmanul/agentServer/internal/gateway"
	"github.com/Pallasmanul/agentServer/internal/metrics"
	"github.com/Pallasmanul/agentServer/internal/server"
	"github.com/Pallasmanul/agentServer/internal/session"
	"github.com/Pallasmanul/agentServer/internal/signaling"
	"github.com/Pallasmanul/agentServer/internal/transcription"
	"github.com/Pallasmanul/agentServer/internal/vad"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the audio-io service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, initLogger(cfg.Logging))
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Service starting",
		slog.String("service", server.ServiceName),
		slog.String("version", server.ServiceVersion),
		slog.String("config_path", configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.String("public_address", cfg.Server.PublicAddress),
		slog.Int("max_sessions", cfg.Server.MaxSessions),
		slog.String("default_audio", cfg.Audio.Params().String()),
		slog.Int("short_silence_ms", cfg.VAD.ShortSilenceMs),
		slog.Int("long_silence_ms", cfg.VAD.LongSilenceMs),
		slog.String("transcription_backend", cfg.Transcription.Backend),
		slog.Bool("synthesis", cfg.Synthesis.Enabled),
		slog.Bool("signaling", cfg.Signaling.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	var rdb *redis.Client
	if cfg.RedisRequired() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Address, err)
		}
		logger.Info("Connected to Redis", slog.String("address", cfg.Redis.Address), slog.Int("db", cfg.Redis.DB))
	}

	submitter, err := newSubmitter(cfg, rdb, appMetrics, logger)
	if err != nil {
		return err
	}

	deps := session.Dependencies{
		Codecs:      audio.NewOpusCodec,
		Classifiers: vad.EnergyClassifierFactory(cfg.VAD.EnergyThreshold),
		Metrics:     appMetrics,
	}

	var gw *gateway.Gateway
	if submitter != nil {
		gw = gateway.New(submitter, gateway.Config{
			MaxConcurrent: int64(cfg.Transcription.MaxConcurrent),
			SubmitTimeout: 2 * cfg.Transcription.GetTimeoutDuration(),
		}, appMetrics, logger)
		deps.Sink = gw
	} else {
		logger.Warn("Transcription disabled, flushed utterances are discarded")
	}

	registry := session.NewRegistry(session.Config{
		BindAddress:     cfg.Server.BindAddress,
		PublicAddress:   cfg.Server.PublicAddress,
		MaxPacketSize:   cfg.Server.MaxPacketSize,
		SocketBuffer:    cfg.Server.SocketBuffer,
		WriteTimeout:    cfg.Server.GetWriteTimeout(),
		MaxSessions:     cfg.Server.MaxSessions,
		InboxSize:       cfg.Server.InboxSize,
		IdleTimeout:     cfg.Server.GetIdleTimeout(),
		CleanupInterval: cfg.Server.GetCleanupInterval(),
		ShortSilenceMs:  cfg.VAD.ShortSilenceMs,
		LongSilenceMs:   cfg.VAD.LongSilenceMs,
	}, deps, logger)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Signaling.Enabled {
		sig := signaling.New(rdb, registry, signaling.Config{
			InboundPrefix:  cfg.Signaling.InboundPrefix,
			OutboundPrefix: cfg.Signaling.OutboundPrefix,
			EventsChannel:  cfg.Signaling.EventsChannel,
		}, appMetrics, logger)
		registry.OnTeardown(sig.OnTeardown)
		g.Go(func() error { return sig.Run(gctx) })
	}

	if cfg.Synthesis.Enabled {
		listener := gateway.NewSynthesisListener(rdb, registry, gateway.SynthesisConfig{
			OutputQueue: cfg.Synthesis.OutputQueue,
			ItemPrefix:  cfg.Synthesis.ItemPrefix,
			PollTimeout: cfg.Synthesis.GetPollTimeout(),
			SendTimeout: cfg.Synthesis.GetSendTimeout(),
		}, appMetrics, logger)
		g.Go(func() error { return listener.Run(gctx) })
	}

	if cfg.HTTP.Enabled {
		opts := server.Options{Gateway: gw, Transcription: submitter}
		httpServer := server.NewHTTPServer(cfg, registry, opts, appMetrics, logger)
		g.Go(func() error { return httpServer.Run(gctx) })
	}

	logger.Info("Service started successfully, waiting for signals...")

	<-gctx.Done()
	if ctx.Err() != nil {
		logger.Info("Received shutdown signal")
	}

	runErr := g.Wait()

	logger.Info("Starting graceful shutdown...")

	// sessions first so no new flushes reach the gateway
	registry.Close()

	if gw != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := gw.Close(shutdownCtx); err != nil {
			logger.Error("Pending transcriptions abandoned", slog.String("error", err.Error()))
		}

		stats := gw.Stats()
		logger.Info("Final gateway statistics",
			slog.Uint64("dispatched", stats.Dispatched),
			slog.Uint64("submitted", stats.Submitted),
			slog.Uint64("failed", stats.Failed),
			slog.Uint64("rejected", stats.Rejected),
		)
	}

	if closer, ok := submitter.(interface{ Close() error }); ok {
		closer.Close()
	}

	logger.Info("Service stopped")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// newSubmitter builds the transcription backend selected in cfg; nil means
// transcription is disabled
func newSubmitter(cfg *config.Config, rdb *redis.Client, m *metrics.Metrics, logger *slog.Logger) (transcription.Submitter, error) {
	switch cfg.Transcription.Backend {
	case config.BackendHTTP:
		client, err := transcription.NewHTTPClient(transcription.Config{
			Endpoint:   cfg.Transcription.Endpoint,
			APIKey:     cfg.Transcription.APIKey,
			Timeout:    cfg.Transcription.GetTimeoutDuration(),
			MaxRetries: cfg.Transcription.MaxRetries,
			Metrics:    m,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create transcription client: %w", err)
		}
		logger.Info("Transcription client initialized", slog.String("endpoint", cfg.Transcription.Endpoint))
		return client, nil

	case config.BackendRedis:
		queue := transcription.NewRedisQueue(rdb, transcription.QueueConfig{
			InputQueue: cfg.Transcription.InputQueue,
			ItemPrefix: cfg.Transcription.ItemPrefix,
			ItemTTL:    cfg.Transcription.GetItemTTL(),
		}, logger)
		logger.Info("Transcription queue initialized", slog.String("queue", cfg.Transcription.InputQueue))
		return queue, nil

	default:
		return nil, nil
	}
}
