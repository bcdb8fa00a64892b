package vad

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/Pallasmanul/agentServer/internal/audio"
)

// Classifier decides whether a single PCM frame contains speech
type Classifier interface {
	IsSpeech(frame []byte, sampleRate int) (bool, error)
}

// ClassifierFactory builds a classifier for one session
type ClassifierFactory func() (Classifier, error)

// DefaultEnergyThreshold is the normalized RMS level (0-1) above which a frame is speech
const DefaultEnergyThreshold = 0.02

// EnergyClassifier labels frames by their RMS energy normalized to full scale
type EnergyClassifier struct {
	threshold float64

	totalFrames  atomic.Uint64
	speechFrames atomic.Uint64
}

// StatsReporter is implemented by classifiers that keep counters
type StatsReporter interface {
	GetStats() ClassifierStats
}

// ClassifierStats represents classifier statistics
type ClassifierStats struct {
	Threshold        float64 `json:"threshold"`
	TotalFrames      uint64  `json:"total_frames"`
	SpeechFrames     uint64  `json:"speech_frames"`
	SpeechPercentage float64 `json:"speech_percentage"`
}

// NewEnergyClassifier creates an RMS energy classifier
func NewEnergyClassifier(threshold float64) (*EnergyClassifier, error) {
	if threshold <= 0 || threshold >= 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}
	return &EnergyClassifier{threshold: threshold}, nil
}

// EnergyClassifierFactory returns a ClassifierFactory producing energy classifiers
func EnergyClassifierFactory(threshold float64) ClassifierFactory {
	return func() (Classifier, error) {
		return NewEnergyClassifier(threshold)
	}
}

// IsSpeech reports whether the frame's energy reaches the threshold
func (c *EnergyClassifier) IsSpeech(frame []byte, sampleRate int) (bool, error) {
	if len(frame) < 2 || len(frame)%2 != 0 {
		return false, fmt.Errorf("frame must hold whole 16-bit samples, got %d bytes", len(frame))
	}

	if sampleRate <= 0 {
		return false, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	speech := Energy(audio.BytesToSamples(frame)) >= c.threshold

	c.totalFrames.Add(1)
	if speech {
		c.speechFrames.Add(1)
	}

	return speech, nil
}

// Energy returns the RMS level of samples normalized to [0, 1]
func Energy(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum/float64(len(samples))) / 32768.0
}

// GetStats returns classifier statistics
func (c *EnergyClassifier) GetStats() ClassifierStats {
	total := c.totalFrames.Load()
	speech := c.speechFrames.Load()

	percentage := float64(0)
	if total > 0 {
		percentage = float64(speech) / float64(total) * 100
	}

	return ClassifierStats{
		Threshold:        c.threshold,
		TotalFrames:      total,
		SpeechFrames:     speech,
		SpeechPercentage: percentage,
	}
}
