package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Pallasmanul/agentServer/internal/audio"
	"github.com/Pallasmanul/agentServer/internal/metrics"
	"github.com/Pallasmanul/agentServer/internal/session"
)

// Message types
const (
	TypeHello   = "hello"
	TypeGoodbye = "goodbye"
)

// Defaults for the device topics and the audio parameters assumed when a
// hello omits them
const (
	DefaultInboundPrefix  = "device_pub/"
	DefaultOutboundPrefix = "device_sub/"
	DefaultEventsChannel  = "audio_io/events"

	DefaultSampleRate    = 16000
	DefaultChannels      = 1
	DefaultFrameDuration = 60

	encryption = "aes-128-ctr"
)

var (
	// ErrUnsupportedTransport is returned for hellos asking for anything but UDP
	ErrUnsupportedTransport = errors.New("unsupported transport")
	// ErrMalformedMessage is returned for payloads that are not valid messages
	ErrMalformedMessage = errors.New("malformed signaling message")
)

// Channels is the part of the session registry the signaler drives
type Channels interface {
	Create(id string, p audio.Params) (*session.ChannelInfo, error)
	Delete(id string) bool
	Get(id string) (session.SessionInfo, bool)
}

// AudioParams is the audio_params object of a hello
type AudioParams struct {
	SampleRate    int    `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	FrameDuration int    `json:"frame_duration,omitempty"`
	Format        string `json:"format,omitempty"`
}

// UDPInfo is the udp object of a hello reply
type UDPInfo struct {
	Server     string `json:"server"`
	Port       int    `json:"port"`
	Encryption string `json:"encryption"`
	Key        string `json:"key"`
	Nonce      string `json:"nonce"`
}

// Message is a device control message
type Message struct {
	Type        string       `json:"type"`
	Transport   string       `json:"transport,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
	UDP         *UDPInfo     `json:"udp,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// Config contains the signaling configuration
type Config struct {
	// Devices publish on InboundPrefix+<client_id> and listen on OutboundPrefix+<client_id>
	InboundPrefix  string
	OutboundPrefix string
	// EventsChannel receives a goodbye for every torn down session
	EventsChannel  string
	PublishTimeout time.Duration
}

// Signaler runs the hello/goodbye handshake over Redis pub/sub
type Signaler struct {
	client   *redis.Client
	channels Channels
	config   Config
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// client id <-> session id, for replies and teardown notices
	sessions map[string]string
	owners   map[string]string
	mu       sync.Mutex
}

// New creates a signaler driving channels
func New(client *redis.Client, channels Channels, config Config, m *metrics.Metrics, logger *slog.Logger) *Signaler {
	if config.InboundPrefix == "" {
		config.InboundPrefix = DefaultInboundPrefix
	}
	if config.OutboundPrefix == "" {
		config.OutboundPrefix = DefaultOutboundPrefix
	}
	if config.EventsChannel == "" {
		config.EventsChannel = DefaultEventsChannel
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Signaler{
		client:   client,
		channels: channels,
		config:   config,
		metrics:  m,
		logger:   logger,
		sessions: make(map[string]string),
		owners:   make(map[string]string),
	}
}

// Run subscribes to the device topics and handles messages until ctx is cancelled
func (s *Signaler) Run(ctx context.Context) error {
	pattern := s.config.InboundPrefix + "*"

	pubsub := s.client.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	s.logger.Info("Signaling listener started", slog.String("pattern", pattern))
	defer s.logger.Info("Signaling listener stopped")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			clientID := strings.TrimPrefix(msg.Channel, s.config.InboundPrefix)
			if err := s.Handle(ctx, clientID, []byte(msg.Payload)); err != nil {
				s.logger.Warn("Failed to handle signaling message",
					slog.String("client_id", clientID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Handle processes one message published by clientID
func (s *Signaler) Handle(ctx context.Context, clientID string, payload []byte) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.metrics.RecordSignaling("unknown", "malformed")
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	switch msg.Type {
	case TypeHello:
		err := s.handleHello(ctx, clientID, &msg)
		s.metrics.RecordSignaling(TypeHello, outcome(err))
		return err
	case TypeGoodbye:
		s.handleGoodbye(clientID, &msg)
		s.metrics.RecordSignaling(TypeGoodbye, "ok")
		return nil
	default:
		s.metrics.RecordSignaling("unknown", "ignored")
		s.logger.Debug("Ignoring signaling message",
			slog.String("client_id", clientID),
			slog.String("type", msg.Type),
		)
		return nil
	}
}

func (s *Signaler) handleHello(ctx context.Context, clientID string, msg *Message) error {
	if msg.Transport != "" && msg.Transport != "udp" {
		return fmt.Errorf("%w: %s", ErrUnsupportedTransport, msg.Transport)
	}

	params := audio.Params{
		SampleRate:      DefaultSampleRate,
		Channels:        DefaultChannels,
		FrameDurationMs: DefaultFrameDuration,
	}
	if ap := msg.AudioParams; ap != nil {
		if ap.SampleRate > 0 {
			params.SampleRate = ap.SampleRate
		}
		if ap.Channels > 0 {
			params.Channels = ap.Channels
		}
		if ap.FrameDuration > 0 {
			params.FrameDurationMs = ap.FrameDuration
		}
	}

	// a device that says hello again while its session is alive gets the
	// existing channel back
	if sessionID, ok := s.sessionOf(clientID); ok && (msg.SessionID == "" || msg.SessionID == sessionID) {
		if info, alive := s.channels.Get(sessionID); alive {
			s.logger.Info("Device already has a session, resending channel",
				slog.String("client_id", clientID),
				slog.String("session_id", sessionID),
			)
			return s.reply(ctx, clientID, helloReply(sessionID, info.Address, info.Port, info.Key, info.Nonce,
				audio.Params{SampleRate: info.InputSampleRate, Channels: info.Channels, FrameDurationMs: info.FrameDuration}))
		}
	}

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	channel, err := s.channels.Create(sessionID, params)
	if err != nil {
		return fmt.Errorf("failed to create channel for %s: %w", clientID, err)
	}

	s.bind(clientID, sessionID)

	s.logger.Info("Channel created for device",
		slog.String("client_id", clientID),
		slog.String("session_id", sessionID),
		slog.Int("udp_port", channel.Port),
		slog.String("audio_params", params.String()),
	)

	return s.reply(ctx, clientID, helloReply(sessionID, channel.Address, channel.Port, channel.KeyHex, channel.NonceHex, params))
}

func (s *Signaler) handleGoodbye(clientID string, msg *Message) {
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID, _ = s.sessionOf(clientID)
	}
	if sessionID == "" {
		s.logger.Debug("Goodbye from device without a session", slog.String("client_id", clientID))
		return
	}

	s.logger.Info("Device said goodbye",
		slog.String("client_id", clientID),
		slog.String("session_id", sessionID),
	)

	// the teardown observer publishes the goodbye notice and forgets the device
	s.channels.Delete(sessionID)
}

// OnTeardown is registered with the session registry. It announces every
// teardown except replacement, where the device keeps talking to the new session.
func (s *Signaler) OnTeardown(sessionID string, reason session.TeardownReason) {
	if reason == session.ReasonReplaced {
		return
	}

	clientID := s.unbind(sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), s.config.PublishTimeout)
	defer cancel()

	notice := Message{Type: TypeGoodbye, SessionID: sessionID, Reason: string(reason)}
	if err := s.publish(ctx, s.config.EventsChannel, notice); err != nil {
		s.logger.Warn("Failed to publish teardown notice",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}

	if clientID != "" {
		if err := s.reply(ctx, clientID, notice); err != nil {
			s.logger.Warn("Failed to send goodbye to device",
				slog.String("client_id", clientID),
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.metrics.RecordSignaling(TypeGoodbye, "sent")
}

func (s *Signaler) reply(ctx context.Context, clientID string, msg Message) error {
	return s.publish(ctx, s.config.OutboundPrefix+clientID, msg)
}

func (s *Signaler) publish(ctx context.Context, channel string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func (s *Signaler) sessionOf(clientID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessions[clientID]
	return id, ok
}

func (s *Signaler) bind(clientID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if previous, ok := s.sessions[clientID]; ok {
		delete(s.owners, previous)
	}
	// the session changes hands; its old device must not reach it any more
	if owner, ok := s.owners[sessionID]; ok && owner != clientID && s.sessions[owner] == sessionID {
		delete(s.sessions, owner)
	}
	s.sessions[clientID] = sessionID
	s.owners[sessionID] = clientID
}

func (s *Signaler) unbind(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	clientID, ok := s.owners[sessionID]
	if !ok {
		return ""
	}
	delete(s.owners, sessionID)
	if s.sessions[clientID] == sessionID {
		delete(s.sessions, clientID)
	}
	return clientID
}

func helloReply(sessionID, server string, port int, key, nonce string, p audio.Params) Message {
	return Message{
		Type:      TypeHello,
		Transport: "udp",
		SessionID: sessionID,
		AudioParams: &AudioParams{
			SampleRate:    p.SampleRate,
			Channels:      p.Channels,
			FrameDuration: p.FrameDurationMs,
			Format:        "opus",
		},
		UDP: &UDPInfo{
			Server:     server,
			Port:       port,
			Encryption: encryption,
			Key:        key,
			Nonce:      nonce,
		},
	}
}

func outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
