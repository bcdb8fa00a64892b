// Package audio handles PCM framing, Opus compression and WAV packaging.
// It defines the per-session audio parameters, splits PCM into fixed-size
// codec frames and converts between raw PCM and the WAV containers used by
// the transcription and synthesis services.
package audio
