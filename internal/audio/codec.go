package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

var (
	// ErrDecode marks a compressed frame that could not be decoded
	ErrDecode = errors.New("frame decode failed")
	// ErrEncode is returned when no frame of an input could be encoded
	ErrEncode = errors.New("frame encode failed")
	// ErrInvalidParams is returned by Params.Validate
	ErrInvalidParams = errors.New("invalid audio parameters")
)

// SupportedSampleRates lists the rates the Opus codec accepts
var SupportedSampleRates = []int{8000, 12000, 16000, 24000, 48000}

// Params describes the PCM layout of a session. It never changes after creation.
type Params struct {
	SampleRate      int `json:"input_sample_rate" yaml:"sample_rate"`
	Channels        int `json:"channels" yaml:"channels"`
	FrameDurationMs int `json:"frame_duration" yaml:"frame_duration_ms"`
}

// FrameSamples returns the number of samples per channel in one frame
func (p Params) FrameSamples() int {
	return p.SampleRate * p.FrameDurationMs / 1000
}

// FrameBytes returns the size of one frame of 16-bit interleaved PCM
func (p Params) FrameBytes() int {
	return p.FrameSamples() * p.Channels * 2
}

// Validate checks that the parameters describe a usable PCM stream
func (p Params) Validate() error {
	rateOK := false
	for _, rate := range SupportedSampleRates {
		if p.SampleRate == rate {
			rateOK = true
			break
		}
	}
	if !rateOK {
		return fmt.Errorf("%w: sample rate %d not in %v", ErrInvalidParams, p.SampleRate, SupportedSampleRates)
	}

	if p.Channels != 1 && p.Channels != 2 {
		return fmt.Errorf("%w: channels must be 1 or 2, got %d", ErrInvalidParams, p.Channels)
	}

	if p.FrameDurationMs <= 0 || p.FrameDurationMs > 120 {
		return fmt.Errorf("%w: frame duration must be in (0, 120] ms, got %d", ErrInvalidParams, p.FrameDurationMs)
	}

	return nil
}

// String returns a compact representation of the parameters
func (p Params) String() string {
	return fmt.Sprintf("%dHz/%dch/%dms", p.SampleRate, p.Channels, p.FrameDurationMs)
}

// FrameCodec compresses and decompresses single PCM frames
type FrameCodec interface {
	EncodeFrame(pcm []byte) ([]byte, error)
	DecodeFrame(frame []byte) ([]byte, error)
}

// CodecFactory builds a FrameCodec for a session's parameters
type CodecFactory func(p Params) (FrameCodec, error)

// SplitFrames cuts pcm into ceil(len/frameBytes) chunks of exactly frameBytes,
// zero-padding the last one.
func SplitFrames(pcm []byte, frameBytes int) [][]byte {
	if frameBytes <= 0 || len(pcm) == 0 {
		return nil
	}

	count := (len(pcm) + frameBytes - 1) / frameBytes
	frames := make([][]byte, 0, count)

	for offset := 0; offset < len(pcm); offset += frameBytes {
		end := offset + frameBytes
		if end <= len(pcm) {
			frames = append(frames, pcm[offset:end])
			continue
		}

		last := make([]byte, frameBytes)
		copy(last, pcm[offset:])
		frames = append(frames, last)
	}

	return frames
}

// CodecStats holds codec counters
type CodecStats struct {
	FramesEncoded uint64 `json:"frames_encoded"`
	FramesDecoded uint64 `json:"frames_decoded"`
	EncodeErrors  uint64 `json:"encode_errors"`
	DecodeErrors  uint64 `json:"decode_errors"`
}

// Codec is the per-session adapter between raw PCM and compressed frames.
// It is owned by a single goroutine; only Stats may be called concurrently.
type Codec struct {
	params Params
	frames FrameCodec
	logger *slog.Logger

	framesEncoded atomic.Uint64
	framesDecoded atomic.Uint64
	encodeErrors  atomic.Uint64
	decodeErrors  atomic.Uint64
}

// NewCodec creates a codec adapter around a frame codec
func NewCodec(p Params, frames FrameCodec, logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{
		params: p,
		frames: frames,
		logger: logger,
	}
}

// Params returns the codec's PCM parameters
func (c *Codec) Params() Params {
	return c.params
}

// Encode splits pcm into frames and compresses each one independently,
// preserving order. A frame that fails to encode is logged and skipped.
func (c *Codec) Encode(pcm []byte) ([][]byte, error) {
	chunks := SplitFrames(pcm, c.params.FrameBytes())
	if len(chunks) == 0 {
		return nil, nil
	}

	c.logger.Debug("Encoding PCM",
		slog.Int("bytes", len(pcm)),
		slog.Int("frames", len(chunks)),
		slog.Int("frame_bytes", c.params.FrameBytes()))

	encoded := make([][]byte, 0, len(chunks))
	var lastErr error

	for i, chunk := range chunks {
		frame, err := c.frames.EncodeFrame(chunk)
		if err != nil {
			c.encodeErrors.Add(1)
			lastErr = err
			c.logger.Warn("Failed to encode frame",
				slog.Int("frame", i),
				slog.String("params", c.params.String()),
				slog.String("error", err.Error()))
			continue
		}
		encoded = append(encoded, frame)
	}

	c.framesEncoded.Add(uint64(len(encoded)))

	if len(encoded) == 0 {
		return nil, fmt.Errorf("%w: %d frames: %w", ErrEncode, len(chunks), lastErr)
	}

	return encoded, nil
}

// Decode decompresses a single frame. Failures are logged and reported as
// ok == false; they never affect the codec's state.
func (c *Codec) Decode(frame []byte) ([]byte, bool) {
	pcm, err := c.frames.DecodeFrame(frame)
	if err != nil {
		c.decodeErrors.Add(1)
		c.logger.Debug("Failed to decode frame",
			slog.Int("bytes", len(frame)),
			slog.String("error", fmt.Errorf("%w: %w", ErrDecode, err).Error()))
		return nil, false
	}

	c.framesDecoded.Add(1)
	return pcm, true
}

// Stats returns the codec counters
func (c *Codec) Stats() CodecStats {
	return CodecStats{
		FramesEncoded: c.framesEncoded.Load(),
		FramesDecoded: c.framesDecoded.Load(),
		EncodeErrors:  c.encodeErrors.Load(),
		DecodeErrors:  c.decodeErrors.Load(),
	}
}

// BytesToSamples converts little-endian 16-bit PCM to samples. A trailing odd byte is ignored.
func BytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes converts samples to little-endian 16-bit PCM
func SamplesToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
