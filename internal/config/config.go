package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Pallasmanul/agentServer/internal/audio"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Redis         RedisConfig         `yaml:"redis"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
	Signaling     SignalingConfig     `yaml:"signaling"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains the per-session UDP endpoint configuration
type ServerConfig struct {
	BindAddress     string `yaml:"bind_address"`
	PublicAddress   string `yaml:"public_address"` // advertised to devices
	MaxPacketSize   int    `yaml:"max_packet_size"`
	SocketBuffer    int    `yaml:"socket_buffer"`
	WriteTimeoutMs  int    `yaml:"write_timeout_ms"`
	MaxSessions     int    `yaml:"max_sessions"` // 0 means unlimited
	InboxSize       int    `yaml:"inbox_size"`
	IdleTimeout     int    `yaml:"idle_timeout"`     // seconds, 0 disables
	CleanupInterval int    `yaml:"cleanup_interval"` // seconds
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig holds the channel parameters used when a caller omits them
type AudioConfig struct {
	SampleRate    int `yaml:"sample_rate"`
	Channels      int `yaml:"channels"`
	FrameDuration int `yaml:"frame_duration"` // milliseconds
}

// VADConfig contains voice activity detection configuration
type VADConfig struct {
	EnergyThreshold float64 `yaml:"energy_threshold"`
	ShortSilenceMs  int     `yaml:"short_silence_ms"`
	LongSilenceMs   int     `yaml:"long_silence_ms"`
}

// RedisConfig contains the connection used by the queue backends and signaling
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TranscriptionConfig selects and configures the transcription submitter
type TranscriptionConfig struct {
	Backend       string `yaml:"backend"` // http, redis or none
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	InputQueue    string `yaml:"input_queue"`
	ItemPrefix    string `yaml:"item_prefix"`
	ItemTTL       int    `yaml:"item_ttl"` // seconds, 0 keeps items
}

// SynthesisConfig configures the TTS output listener
type SynthesisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	OutputQueue string `yaml:"output_queue"`
	ItemPrefix  string `yaml:"item_prefix"`
	PollTimeout int    `yaml:"poll_timeout"` // seconds
	SendTimeout int    `yaml:"send_timeout"` // seconds
}

// SignalingConfig configures the pub/sub device handshake
type SignalingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	InboundPrefix  string `yaml:"inbound_prefix"`
	OutboundPrefix string `yaml:"outbound_prefix"`
	EventsChannel  string `yaml:"events_channel"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Transcription backends
const (
	BackendHTTP  = "http"
	BackendRedis = "redis"
	BackendNone  = "none"
)

// Default returns the configuration used for any value the file leaves out
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:     "0.0.0.0",
			MaxPacketSize:   4096,
			SocketBuffer:    1 << 20,
			WriteTimeoutMs:  1000,
			MaxSessions:     0,
			InboxSize:       256,
			IdleTimeout:     300,
			CleanupInterval: 30,
		},
		HTTP: HTTPConfig{
			Port:    8001,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			Channels:      1,
			FrameDuration: 60,
		},
		VAD: VADConfig{
			EnergyThreshold: 0.02,
			ShortSilenceMs:  1000,
			LongSilenceMs:   10000,
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
		Transcription: TranscriptionConfig{
			Backend:       BackendHTTP,
			Endpoint:      "http://localhost:8000/asr",
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 10,
			InputQueue:    "asr_input_queue",
			ItemPrefix:    "asr:",
		},
		Synthesis: SynthesisConfig{
			Enabled:     false,
			OutputQueue: "tts_output_queue",
			ItemPrefix:  "tts:",
			PollTimeout: 1,
			SendTimeout: 30,
		},
		Signaling: SignalingConfig{
			Enabled:        false,
			InboundPrefix:  "device_pub/",
			OutboundPrefix: "device_sub/",
			EventsChannel:  "audio_io/events",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Synthesis.Validate(); err != nil {
		return fmt.Errorf("synthesis config: %w", err)
	}

	if err := c.Signaling.Validate(); err != nil {
		return fmt.Errorf("signaling config: %w", err)
	}

	if c.RedisRequired() {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis config: %w", err)
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// RedisRequired reports whether any enabled component talks to Redis
func (c *Config) RedisRequired() bool {
	return c.Transcription.Backend == BackendRedis || c.Synthesis.Enabled || c.Signaling.Enabled
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if net.ParseIP(s.BindAddress) == nil {
		return fmt.Errorf("bind_address must be an IP address, got '%s'", s.BindAddress)
	}

	if s.MaxPacketSize < 64 || s.MaxPacketSize > 65535 {
		return fmt.Errorf("max_packet_size must be between 64 and 65535 bytes, got %d", s.MaxPacketSize)
	}

	if s.SocketBuffer < 0 {
		return fmt.Errorf("socket_buffer cannot be negative, got %d", s.SocketBuffer)
	}

	if s.WriteTimeoutMs < 0 {
		return fmt.Errorf("write_timeout_ms cannot be negative, got %d", s.WriteTimeoutMs)
	}

	if s.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative, got %d", s.MaxSessions)
	}

	if s.InboxSize < 1 {
		return fmt.Errorf("inbox_size must be at least 1, got %d", s.InboxSize)
	}

	if s.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", s.IdleTimeout)
	}

	if s.IdleTimeout > 0 && s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate checks that the defaults describe a usable channel
func (a *AudioConfig) Validate() error {
	return audio.ValidateOpus(a.Params())
}

// Params returns the default channel parameters
func (a *AudioConfig) Params() audio.Params {
	return audio.Params{
		SampleRate:      a.SampleRate,
		Channels:        a.Channels,
		FrameDurationMs: a.FrameDuration,
	}
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.EnergyThreshold <= 0 || v.EnergyThreshold >= 1 {
		return fmt.Errorf("energy_threshold must be between 0 and 1 (exclusive), got %f", v.EnergyThreshold)
	}

	if v.ShortSilenceMs <= 0 {
		return fmt.Errorf("short_silence_ms must be positive, got %d", v.ShortSilenceMs)
	}

	if v.LongSilenceMs <= v.ShortSilenceMs {
		return fmt.Errorf("long_silence_ms (%d) must be greater than short_silence_ms (%d)",
			v.LongSilenceMs, v.ShortSilenceMs)
	}

	return nil
}

// Validate validates Redis configuration
func (r *RedisConfig) Validate() error {
	if r.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if _, _, err := net.SplitHostPort(r.Address); err != nil {
		return fmt.Errorf("address must be host:port, got '%s'", r.Address)
	}

	if r.DB < 0 {
		return fmt.Errorf("db cannot be negative, got %d", r.DB)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Backend {
	case BackendHTTP:
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the http backend")
		}
		if t.Timeout < 1 {
			return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
		}
		if t.MaxRetries < 0 {
			return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
		}
	case BackendRedis:
		if t.InputQueue == "" {
			return fmt.Errorf("input_queue cannot be empty for the redis backend")
		}
		if t.ItemTTL < 0 {
			return fmt.Errorf("item_ttl cannot be negative, got %d", t.ItemTTL)
		}
	case BackendNone:
		return nil
	default:
		return fmt.Errorf("backend must be one of [http, redis, none], got '%s'", t.Backend)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	return nil
}

// Validate validates synthesis configuration
func (s *SynthesisConfig) Validate() error {
	if !s.Enabled {
		return nil
	}

	if s.OutputQueue == "" {
		return fmt.Errorf("output_queue cannot be empty")
	}

	if s.PollTimeout < 1 {
		return fmt.Errorf("poll_timeout must be at least 1 second, got %d", s.PollTimeout)
	}

	if s.SendTimeout < 1 {
		return fmt.Errorf("send_timeout must be at least 1 second, got %d", s.SendTimeout)
	}

	return nil
}

// Validate validates signaling configuration
func (s *SignalingConfig) Validate() error {
	if !s.Enabled {
		return nil
	}

	if s.InboundPrefix == "" || s.OutboundPrefix == "" {
		return fmt.Errorf("inbound_prefix and outbound_prefix cannot be empty")
	}

	if s.InboundPrefix == s.OutboundPrefix {
		return fmt.Errorf("inbound_prefix and outbound_prefix must differ, both are '%s'", s.InboundPrefix)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// anything other than stdout/stderr is treated as a file path
	return nil
}

// GetWriteTimeout returns the UDP write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMs) * time.Millisecond
}

// GetIdleTimeout returns the idle session timeout as a time.Duration
func (s *ServerConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetCleanupInterval returns the idle sweep interval as a time.Duration
func (s *ServerConfig) GetCleanupInterval() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetItemTTL returns the ASR item expiry as a time.Duration
func (t *TranscriptionConfig) GetItemTTL() time.Duration {
	return time.Duration(t.ItemTTL) * time.Second
}

// GetPollTimeout returns the output queue poll timeout as a time.Duration
func (s *SynthesisConfig) GetPollTimeout() time.Duration {
	return time.Duration(s.PollTimeout) * time.Second
}

// GetSendTimeout returns the playback timeout as a time.Duration
func (s *SynthesisConfig) GetSendTimeout() time.Duration {
	return time.Duration(s.SendTimeout) * time.Second
}
