package vad

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Default silence thresholds
const (
	DefaultShortSilenceMs = 1000
	DefaultLongSilenceMs  = 10000
)

// Config holds segmenter parameters
type Config struct {
	SampleRate      int
	FrameDurationMs int
	ShortSilenceMs  int // silence that ends an utterance
	LongSilenceMs   int // silence that ends the session
}

// FrameBytes returns the size of one 16-bit mono analysis frame
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameDurationMs / 1000 * 2
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.FrameDurationMs <= 0 {
		return fmt.Errorf("frame duration must be positive, got %d", c.FrameDurationMs)
	}
	if c.FrameBytes() == 0 {
		return fmt.Errorf("frame of %d ms at %d Hz holds no samples", c.FrameDurationMs, c.SampleRate)
	}
	if c.ShortSilenceMs <= 0 {
		return fmt.Errorf("short silence must be positive, got %d", c.ShortSilenceMs)
	}
	if c.LongSilenceMs <= c.ShortSilenceMs {
		return fmt.Errorf("long silence (%d ms) must exceed short silence (%d ms)", c.LongSilenceMs, c.ShortSilenceMs)
	}
	return nil
}

// Flush is one buffered utterance ready for transcription
type Flush struct {
	PCM    []byte
	Frames int
}

// Result is the outcome of processing one chunk of PCM
type Result struct {
	Flushes []Flush
	// Timeout is set when the long-silence threshold was reached.
	// The segmenter ignores all input afterwards.
	Timeout bool
}

// Stats represents segmenter counters
type Stats struct {
	Frames       uint64 `json:"frames"`
	SpeechFrames uint64 `json:"speech_frames"`
	Flushes      uint64 `json:"flushes"`
	SpeechCount  int    `json:"speech_count"`
	SilenceCount int    `json:"silence_count"`
	Buffered     int    `json:"buffered_frames"`
	Terminated   bool   `json:"terminated"`
}

// Segmenter turns a stream of PCM into utterances separated by silence.
// It is not safe for concurrent use; Stats may be read from any goroutine.
type Segmenter struct {
	cfg        Config
	classifier Classifier
	logger     *slog.Logger
	frameBytes int

	speechCount  int
	silenceCount int
	buffer       [][]byte
	terminated   bool

	frames       atomic.Uint64
	speechFrames atomic.Uint64
	flushes      atomic.Uint64
	snapshot     atomic.Pointer[Stats]
}

// NewSegmenter creates a segmenter
func NewSegmenter(cfg Config, classifier Classifier, logger *slog.Logger) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid VAD config: %w", err)
	}
	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Segmenter{
		cfg:        cfg,
		classifier: classifier,
		logger:     logger,
		frameBytes: cfg.FrameBytes(),
	}
	s.publish()
	return s, nil
}

// Process classifies every complete frame of pcm in order. A trailing partial
// frame is ignored.
func (s *Segmenter) Process(pcm []byte) Result {
	var result Result

	if s.terminated {
		return result
	}

	defer s.publish()

	for offset := 0; offset+s.frameBytes <= len(pcm); offset += s.frameBytes {
		frame := pcm[offset : offset+s.frameBytes]
		s.frames.Add(1)

		speech, err := s.classifier.IsSpeech(frame, s.cfg.SampleRate)
		if err != nil {
			s.logger.Warn("VAD classification failed, treating frame as silence",
				slog.String("error", err.Error()))
			speech = false
		}

		if speech {
			s.speechFrames.Add(1)
			s.speechCount++
			s.silenceCount = 0
			s.buffer = append(s.buffer, bytes.Clone(frame))
		} else {
			s.silenceCount++
			if s.speechCount > 0 {
				s.buffer = append(s.buffer, bytes.Clone(frame))
			}
		}

		silenceMs := s.silenceCount * s.cfg.FrameDurationMs

		// silenceCount is left alone so the long-silence timer keeps running
		if silenceMs >= s.cfg.ShortSilenceMs && len(s.buffer) > 0 {
			result.Flushes = append(result.Flushes, Flush{
				PCM:    bytes.Join(s.buffer, nil),
				Frames: len(s.buffer),
			})
			s.buffer = nil
			s.speechCount = 0
			s.flushes.Add(1)
		}

		if silenceMs >= s.cfg.LongSilenceMs {
			s.logger.Debug("Long silence reached",
				slog.Int("silence_frames", s.silenceCount),
				slog.Int("silence_ms", silenceMs))
			s.terminated = true
			s.buffer = nil
			result.Timeout = true
			break
		}
	}

	return result
}

// SpeechCount returns the consecutive speech counter
func (s *Segmenter) SpeechCount() int { return s.speechCount }

// SilenceCount returns the consecutive silence counter
func (s *Segmenter) SilenceCount() int { return s.silenceCount }

// Buffered returns the number of frames waiting for the next flush
func (s *Segmenter) Buffered() int { return len(s.buffer) }

// Terminated reports whether the long-silence timeout has fired
func (s *Segmenter) Terminated() bool { return s.terminated }

// Stats returns a snapshot of the segmenter counters
func (s *Segmenter) Stats() Stats {
	return *s.snapshot.Load()
}

func (s *Segmenter) publish() {
	s.snapshot.Store(&Stats{
		Frames:       s.frames.Load(),
		SpeechFrames: s.speechFrames.Load(),
		Flushes:      s.flushes.Load(),
		SpeechCount:  s.speechCount,
		SilenceCount: s.silenceCount,
		Buffered:     len(s.buffer),
		Terminated:   s.terminated,
	})
}
