package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Pallasmanul/agentServer/internal/audio"
	"github.com/Pallasmanul/agentServer/internal/metrics"
	"github.com/Pallasmanul/agentServer/internal/session"
)

// Default Redis layout shared with the TTS workers
const (
	DefaultOutputQueue     = "tts_output_queue"
	DefaultSynthesisPrefix = "tts:"
)

var (
	// ErrNoAudio is returned when a synthesis item has no audio field
	ErrNoAudio = errors.New("synthesis item has no audio")
	// ErrFormatMismatch is returned when synthesized audio cannot be played on the session
	ErrFormatMismatch = errors.New("synthesized audio does not match session format")
)

// Sender delivers PCM to a live session
type Sender interface {
	Get(id string) (session.SessionInfo, bool)
	Transmit(ctx context.Context, id string, pcm []byte) error
}

// SynthesisConfig contains the TTS output listener configuration
type SynthesisConfig struct {
	OutputQueue string
	ItemPrefix  string
	PollTimeout time.Duration
	SendTimeout time.Duration
	// RetryDelay is the pause after a Redis error before polling again
	RetryDelay time.Duration
}

// SynthesisListener waits for synthesized speech on the TTS output queue and
// plays it back to the owning session
type SynthesisListener struct {
	client  *redis.Client
	sender  Sender
	config  SynthesisConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSynthesisListener creates a listener delivering through sender
func NewSynthesisListener(client *redis.Client, sender Sender, config SynthesisConfig, m *metrics.Metrics, logger *slog.Logger) *SynthesisListener {
	if config.OutputQueue == "" {
		config.OutputQueue = DefaultOutputQueue
	}
	if config.ItemPrefix == "" {
		config.ItemPrefix = DefaultSynthesisPrefix
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = time.Second
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 30 * time.Second
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SynthesisListener{
		client:  client,
		sender:  sender,
		config:  config,
		metrics: m,
		logger:  logger,
	}
}

// Run consumes the output queue until ctx is cancelled
func (l *SynthesisListener) Run(ctx context.Context) error {
	l.logger.Info("Synthesis listener started", slog.String("queue", l.config.OutputQueue))
	defer l.logger.Info("Synthesis listener stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		result, err := l.client.BRPop(ctx, l.config.PollTimeout, l.config.OutputQueue).Result()
		switch {
		case err == nil:
		case errors.Is(err, redis.Nil):
			continue
		case ctx.Err() != nil:
			return nil
		default:
			l.logger.Error("Failed to poll synthesis queue", slog.String("error", err.Error()))
			select {
			case <-time.After(l.config.RetryDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		// BRPOP yields [queue, value]
		if len(result) != 2 {
			continue
		}

		if err := l.Deliver(ctx, result[1]); err != nil {
			l.logger.Warn("Failed to deliver synthesized audio",
				slog.String("session_id", result[1]),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Deliver plays the synthesis item of sessionID and deletes it, whether or
// not delivery succeeded
func (l *SynthesisListener) Deliver(ctx context.Context, sessionID string) error {
	key := l.config.ItemPrefix + sessionID

	err := l.deliver(ctx, sessionID, key)
	l.metrics.RecordSynthesis(err == nil)

	if delErr := l.client.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
		l.logger.Warn("Failed to delete synthesis item",
			slog.String("key", key),
			slog.String("error", delErr.Error()),
		)
	}

	return err
}

func (l *SynthesisListener) deliver(ctx context.Context, sessionID, key string) error {
	item, err := l.client.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}

	wav, ok := item["audio"]
	if !ok || wav == "" {
		return ErrNoAudio
	}

	format, pcm, err := audio.DecodeWAV([]byte(wav))
	if err != nil {
		return err
	}

	info, ok := l.sender.Get(sessionID)
	if !ok {
		return session.ErrSessionNotFound
	}

	if format.BitsPerSample != 16 || format.Channels != info.Channels {
		return fmt.Errorf("%w: %d-bit %d channel audio for a %d channel session",
			ErrFormatMismatch, format.BitsPerSample, format.Channels, info.Channels)
	}
	if format.SampleRate != info.InputSampleRate {
		l.logger.Warn("Synthesized audio sample rate differs from session, sending as-is",
			slog.String("session_id", sessionID),
			slog.Int("audio_sample_rate", format.SampleRate),
			slog.Int("session_sample_rate", info.InputSampleRate),
		)
	}

	sendCtx, cancel := context.WithTimeout(ctx, l.config.SendTimeout)
	defer cancel()

	if err := l.sender.Transmit(sendCtx, sessionID, pcm); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}

	l.logger.Info("Synthesized audio delivered",
		slog.String("session_id", sessionID),
		slog.Int("pcm_bytes", len(pcm)),
		slog.String("text", item["text"]),
	)
	return nil
}
