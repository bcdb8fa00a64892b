package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Pallasmanul/agentServer/internal/audio"
	"github.com/Pallasmanul/agentServer/internal/metrics"
	"github.com/Pallasmanul/agentServer/internal/transcription"
)

// ErrGatewayClosed is returned by operations after Close
var ErrGatewayClosed = errors.New("gateway closed")

// Config contains the flush submission settings
type Config struct {
	MaxConcurrent int64
	SubmitTimeout time.Duration
}

// Stats are the gateway's submission counters
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Submitted  uint64 `json:"submitted"`
	Failed     uint64 `json:"failed"`
	Rejected   uint64 `json:"rejected"`
	InFlight   int64  `json:"in_flight"`
}

// Gateway packages flushed utterances as WAV and hands them to the
// transcription submitter on a bounded set of goroutines. It implements
// session.FlushSink.
type Gateway struct {
	config    Config
	submitter transcription.Submitter
	metrics   *metrics.Metrics
	logger    *slog.Logger

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	mu     sync.Mutex

	dispatched atomic.Uint64
	submitted  atomic.Uint64
	failed     atomic.Uint64
	rejected   atomic.Uint64
	inFlight   atomic.Int64
}

// New creates a gateway in front of submitter
func New(submitter transcription.Submitter, config Config, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Gateway{
		config:    config,
		submitter: submitter,
		metrics:   m,
		logger:    logger,
		sem:       semaphore.NewWeighted(config.MaxConcurrent),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SubmitFlush encodes pcm as WAV and submits it in the background. It never
// blocks the calling session worker.
func (g *Gateway) SubmitFlush(sessionID string, params audio.Params, pcm []byte, frames int) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.rejected.Add(1)
		g.logger.Warn("Gateway closed, dropping utterance",
			slog.String("session_id", sessionID),
			slog.Int("frames", frames),
		)
		return
	}

	g.wg.Add(1)
	g.mu.Unlock()

	segmentID := uuid.NewString()
	logger := g.logger.With(
		slog.String("session_id", sessionID),
		slog.String("segment_id", segmentID),
	)

	wav, err := packageUtterance(pcm, params)
	if err != nil {
		g.wg.Done()
		g.rejected.Add(1)
		logger.Error("Failed to package utterance", slog.String("error", err.Error()))
		return
	}

	g.dispatched.Add(1)
	go func() {
		defer g.wg.Done()

		if err := g.sem.Acquire(g.ctx, 1); err != nil {
			g.failed.Add(1)
			logger.Warn("Utterance abandoned on shutdown", slog.Int("frames", frames))
			return
		}
		defer g.sem.Release(1)

		g.submit(logger, sessionID, wav, frames)
	}()
}

func (g *Gateway) submit(logger *slog.Logger, sessionID string, wav []byte, frames int) {
	ctx, cancel := context.WithTimeout(g.ctx, g.config.SubmitTimeout)
	defer cancel()

	g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	g.metrics.SubmissionStarted()

	start := time.Now()
	err := g.submitter.Submit(ctx, sessionID, wav)
	elapsed := time.Since(start)
	g.metrics.RecordSubmission(err == nil, elapsed.Seconds())

	if err != nil {
		g.failed.Add(1)
		logger.Error("Failed to submit utterance for transcription",
			slog.Int("frames", frames),
			slog.Int("wav_bytes", len(wav)),
			slog.String("error", err.Error()),
		)
		return
	}

	g.submitted.Add(1)
	logger.Info("Utterance submitted for transcription",
		slog.Int("frames", frames),
		slog.Int("wav_bytes", len(wav)),
		slog.Duration("elapsed", elapsed),
	)
}

// packageUtterance wraps pcm in a WAV container, dropping a trailing partial
// sample if the segmenter's framing left one
func packageUtterance(pcm []byte, params audio.Params) ([]byte, error) {
	channels := params.Channels
	if channels <= 0 {
		channels = 1
	}

	sampleBytes := 2 * channels
	pcm = pcm[:len(pcm)-len(pcm)%sampleBytes]

	wav, err := audio.EncodeWAV(pcm, params.SampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to encode WAV: %w", err)
	}
	return wav, nil
}

// Stats returns the current submission counters
func (g *Gateway) Stats() Stats {
	return Stats{
		Dispatched: g.dispatched.Load(),
		Submitted:  g.submitted.Load(),
		Failed:     g.failed.Load(),
		Rejected:   g.rejected.Load(),
		InFlight:   g.inFlight.Load(),
	}
}

// Close stops accepting utterances and waits for dispatched submissions to
// finish. When ctx expires first the remaining submissions are cancelled.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGatewayClosed
	}
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
		g.logger.Warn("Cancelling pending transcription submissions",
			slog.Int64("in_flight", g.inFlight.Load()),
		)
		g.cancel()
		<-done
		return ctx.Err()
	}
}
