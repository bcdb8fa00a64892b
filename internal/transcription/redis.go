package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Default Redis layout shared with the ASR workers
const (
	DefaultInputQueue = "asr_input_queue"
	DefaultItemPrefix = "asr:"

	// StatusPending marks an item that has not been transcribed yet
	StatusPending = "pending"
)

// QueueConfig contains the Redis ASR queue configuration
type QueueConfig struct {
	InputQueue string
	ItemPrefix string
	// ItemTTL expires items nobody picked up; 0 keeps them forever
	ItemTTL time.Duration
}

// RedisQueue writes utterances straight into the ASR work queue: the audio is
// stored in an asr:<session_id> hash and the session id is pushed onto the
// input list
type RedisQueue struct {
	client *redis.Client
	config QueueConfig
	logger *slog.Logger
}

// NewRedisQueue creates a queue submitter on top of client
func NewRedisQueue(client *redis.Client, config QueueConfig, logger *slog.Logger) *RedisQueue {
	if config.InputQueue == "" {
		config.InputQueue = DefaultInputQueue
	}
	if config.ItemPrefix == "" {
		config.ItemPrefix = DefaultItemPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisQueue{
		client: client,
		config: config,
		logger: logger,
	}
}

// ItemKey returns the hash key holding sessionID's pending utterance
func (q *RedisQueue) ItemKey(sessionID string) string {
	return q.config.ItemPrefix + sessionID
}

// Submit stores wav and enqueues sessionID in one transaction
func (q *RedisQueue) Submit(ctx context.Context, sessionID string, wav []byte) error {
	segmentID := uuid.NewString()
	key := q.ItemKey(sessionID)

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"status":     StatusPending,
			"audio":      wav,
			"text":       "",
			"segment_id": segmentID,
			"created_at": strconv.FormatInt(time.Now().Unix(), 10),
		})
		if q.config.ItemTTL > 0 {
			pipe.Expire(ctx, key, q.config.ItemTTL)
		}
		pipe.LPush(ctx, q.config.InputQueue, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: redis enqueue: %w", ErrSubmit, err)
	}

	q.logger.Debug("Utterance queued for transcription",
		slog.String("session_id", sessionID),
		slog.String("segment_id", segmentID),
		slog.Int("audio_bytes", len(wav)),
	)

	return nil
}
