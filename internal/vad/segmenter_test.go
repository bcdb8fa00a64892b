package vad

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"
)

// markerClassifier treats a frame as speech when its first byte is non-zero
type markerClassifier struct {
	err error
}

func (m *markerClassifier) IsSpeech(frame []byte, sampleRate int) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return frame[0] != 0, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		SampleRate:      16000,
		FrameDurationMs: 30,
		ShortSilenceMs:  DefaultShortSilenceMs,
		LongSilenceMs:   DefaultLongSilenceMs,
	}
}

// frames builds n frames of the given kind; speech frames carry their index
func frames(cfg Config, n int, speech bool) []byte {
	size := cfg.FrameBytes()
	out := make([]byte, 0, n*size)
	for i := 0; i < n; i++ {
		frame := make([]byte, size)
		if speech {
			frame[0] = 1
			frame[1] = byte(i)
		}
		out = append(out, frame...)
	}
	return out
}

func newTestSegmenter(t *testing.T, cfg Config) *Segmenter {
	t.Helper()
	s, err := NewSegmenter(cfg, &markerClassifier{}, testLogger())
	if err != nil {
		t.Fatalf("NewSegmenter failed: %v", err)
	}
	return s
}

func TestConfigFrameBytes(t *testing.T) {
	cfg := testConfig()
	if got := cfg.FrameBytes(); got != 960 {
		t.Errorf("Expected 960 bytes per frame, got %d", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero sample rate", func(c *Config) { c.SampleRate = 0 }, true},
		{"zero frame duration", func(c *Config) { c.FrameDurationMs = 0 }, true},
		{"zero short silence", func(c *Config) { c.ShortSilenceMs = 0 }, true},
		{"long not above short", func(c *Config) { c.LongSilenceMs = c.ShortSilenceMs }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.expectError && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestSegmenterShortSilenceFlush(t *testing.T) {
	cfg := testConfig()
	s := newTestSegmenter(t, cfg)

	input := append(frames(cfg, 40, true), frames(cfg, 34, false)...)
	result := s.Process(input)

	if len(result.Flushes) != 1 {
		t.Fatalf("Expected 1 flush, got %d", len(result.Flushes))
	}
	if result.Timeout {
		t.Error("Unexpected timeout")
	}

	flush := result.Flushes[0]
	if flush.Frames != 74 {
		t.Errorf("Expected 74 frames in flush, got %d", flush.Frames)
	}
	if !bytes.Equal(flush.PCM, input) {
		t.Errorf("Flushed PCM does not match the buffered frames")
	}

	if s.SpeechCount() != 0 {
		t.Errorf("Expected speech count 0, got %d", s.SpeechCount())
	}
	if s.Buffered() != 0 {
		t.Errorf("Expected empty buffer, got %d frames", s.Buffered())
	}
	if s.SilenceCount() != 34 {
		t.Errorf("Expected silence count 34, got %d", s.SilenceCount())
	}
}

func TestSegmenterFlushAcrossChunks(t *testing.T) {
	cfg := testConfig()
	s := newTestSegmenter(t, cfg)

	var flushes []Flush
	for i := 0; i < 40; i++ {
		flushes = append(flushes, s.Process(frames(cfg, 1, true)).Flushes...)
	}
	for i := 0; i < 33; i++ {
		flushes = append(flushes, s.Process(frames(cfg, 1, false)).Flushes...)
	}

	if len(flushes) != 0 {
		t.Fatalf("Flushed before 1000 ms of silence")
	}
	if s.Buffered() != 73 {
		t.Errorf("Expected 73 buffered frames, got %d", s.Buffered())
	}

	result := s.Process(frames(cfg, 1, false))
	if len(result.Flushes) != 1 || result.Flushes[0].Frames != 74 {
		t.Fatalf("Expected a single 74-frame flush, got %+v", result.Flushes)
	}
}

func TestSegmenterLeadingSilenceNotBuffered(t *testing.T) {
	cfg := testConfig()
	s := newTestSegmenter(t, cfg)

	result := s.Process(frames(cfg, 50, false))

	if len(result.Flushes) != 0 {
		t.Errorf("Silence alone must not flush, got %d flushes", len(result.Flushes))
	}
	if s.Buffered() != 0 {
		t.Errorf("Expected no buffered frames, got %d", s.Buffered())
	}
	if s.SilenceCount() != 50 {
		t.Errorf("Expected silence count 50, got %d", s.SilenceCount())
	}
}

func TestSegmenterSilenceAfterFlushNotBuffered(t *testing.T) {
	cfg := testConfig()
	s := newTestSegmenter(t, cfg)

	s.Process(append(frames(cfg, 5, true), frames(cfg, 34, false)...))
	s.Process(frames(cfg, 20, false))

	if s.Buffered() != 0 {
		t.Errorf("Silence after a flush must not be buffered, got %d frames", s.Buffered())
	}

	// Speech resumes: silence resets, buffering starts again
	s.Process(frames(cfg, 3, true))
	if s.SilenceCount() != 0 || s.SpeechCount() != 3 || s.Buffered() != 3 {
		t.Errorf("Unexpected counters: speech=%d silence=%d buffered=%d",
			s.SpeechCount(), s.SilenceCount(), s.Buffered())
	}
}

func TestSegmenterLongSilenceTimeout(t *testing.T) {
	cfg := testConfig()
	s := newTestSegmenter(t, cfg)

	// 333 * 30 ms = 9990 ms: still alive
	result := s.Process(append(frames(cfg, 40, true), frames(cfg, 333, false)...))
	if result.Timeout {
		t.Fatal("Timed out before 10000 ms of silence")
	}
	if len(result.Flushes) != 1 {
		t.Fatalf("Expected the utterance to flush first, got %d flushes", len(result.Flushes))
	}

	result = s.Process(frames(cfg, 1, false))
	if !result.Timeout {
		t.Fatal("Expected timeout at 334 silent frames")
	}
	if !s.Terminated() {
		t.Error("Segmenter should be terminated")
	}

	// Nothing is processed after the timeout
	before := s.Stats().Frames
	result = s.Process(frames(cfg, 100, true))
	if result.Timeout || len(result.Flushes) != 0 {
		t.Errorf("Terminated segmenter produced output: %+v", result)
	}
	if s.Stats().Frames != before {
		t.Errorf("Terminated segmenter classified frames")
	}
}

func TestSegmenterTimeoutStopsMidChunk(t *testing.T) {
	cfg := testConfig()
	s := newTestSegmenter(t, cfg)

	// Speech after the timeout frame in the same chunk is never seen
	input := append(frames(cfg, 334, false), frames(cfg, 10, true)...)
	result := s.Process(input)

	if !result.Timeout {
		t.Fatal("Expected timeout")
	}
	if got := s.Stats().Frames; got != 334 {
		t.Errorf("Expected 334 classified frames, got %d", got)
	}
	if s.Stats().SpeechFrames != 0 {
		t.Errorf("Speech after the timeout was classified")
	}
}

func TestSegmenterIgnoresPartialFrames(t *testing.T) {
	cfg := testConfig()
	s := newTestSegmenter(t, cfg)

	input := append(frames(cfg, 2, true), make([]byte, cfg.FrameBytes()-1)...)
	input[len(input)-1] = 1
	s.Process(input)

	if got := s.Stats().Frames; got != 2 {
		t.Errorf("Expected 2 classified frames, got %d", got)
	}
	if s.Buffered() != 2 {
		t.Errorf("Expected 2 buffered frames, got %d", s.Buffered())
	}

	// A chunk shorter than one frame does nothing
	s.Process([]byte{1, 2, 3})
	if got := s.Stats().Frames; got != 2 {
		t.Errorf("Short chunk should be ignored, got %d frames", got)
	}
}

func TestSegmenterClassifierError(t *testing.T) {
	cfg := testConfig()
	s, err := NewSegmenter(cfg, &markerClassifier{err: errors.New("boom")}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	s.Process(frames(cfg, 5, true))

	if s.SilenceCount() != 5 || s.SpeechCount() != 0 {
		t.Errorf("Classifier errors should count as silence: speech=%d silence=%d",
			s.SpeechCount(), s.SilenceCount())
	}
}

func TestSegmenterCustomThresholds(t *testing.T) {
	cfg := Config{SampleRate: 8000, FrameDurationMs: 20, ShortSilenceMs: 100, LongSilenceMs: 200}
	s := newTestSegmenter(t, cfg)

	result := s.Process(append(frames(cfg, 2, true), frames(cfg, 5, false)...))
	if len(result.Flushes) != 1 || result.Flushes[0].Frames != 7 {
		t.Fatalf("Expected one 7-frame flush, got %+v", result.Flushes)
	}

	result = s.Process(frames(cfg, 5, false))
	if !result.Timeout {
		t.Error("Expected timeout after 200 ms of silence")
	}
}

func TestSegmenterStats(t *testing.T) {
	cfg := testConfig()
	s := newTestSegmenter(t, cfg)

	s.Process(append(frames(cfg, 10, true), frames(cfg, 40, false)...))

	stats := s.Stats()
	if stats.Frames != 50 || stats.SpeechFrames != 10 || stats.Flushes != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.SilenceCount != 40 || stats.SpeechCount != 0 || stats.Buffered != 0 || stats.Terminated {
		t.Errorf("Unexpected counters %+v", stats)
	}
}

func TestNewSegmenterErrors(t *testing.T) {
	if _, err := NewSegmenter(testConfig(), nil, testLogger()); err == nil {
		t.Error("Expected error for nil classifier")
	}

	cfg := testConfig()
	cfg.LongSilenceMs = 500
	if _, err := NewSegmenter(cfg, &markerClassifier{}, testLogger()); err == nil {
		t.Error("Expected error for invalid config")
	}
}
