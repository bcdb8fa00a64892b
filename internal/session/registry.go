package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Pallasmanul/agentServer/internal/audio"
	"github.com/Pallasmanul/agentServer/internal/metrics"
	"github.com/Pallasmanul/agentServer/internal/transport"
	"github.com/Pallasmanul/agentServer/internal/vad"
)

var (
	// ErrSessionNotFound is returned for operations on an unknown session id
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when a session is torn down mid-operation
	ErrSessionClosed = errors.New("session closed")
	// ErrBind wraps socket errors raised while creating a channel
	ErrBind = errors.New("failed to bind UDP endpoint")
	// ErrInvalidParams is returned for unusable audio parameters or ids
	ErrInvalidParams = errors.New("invalid channel parameters")
	// ErrRegistryFull is returned when the session limit is reached
	ErrRegistryFull = errors.New("session limit reached")
	// ErrRegistryClosed is returned after Close
	ErrRegistryClosed = errors.New("registry closed")
	// ErrNoPeer is returned by Send before the device has sent a valid packet
	ErrNoPeer = transport.ErrNoPeer
)

// Config contains the registry configuration
type Config struct {
	BindAddress     string
	PublicAddress   string // advertised to devices; defaults to the bound address
	MaxPacketSize   int
	SocketBuffer    int
	WriteTimeout    time.Duration
	MaxSessions     int // 0 means unlimited
	InboxSize       int
	IdleTimeout     time.Duration // 0 disables idle cleanup
	CleanupInterval time.Duration
	ShortSilenceMs  int
	LongSilenceMs   int
}

// Dependencies are the collaborators injected into every session
type Dependencies struct {
	Codecs      audio.CodecFactory
	Classifiers vad.ClassifierFactory
	Sink        FlushSink
	Metrics     *metrics.Metrics
}

// ChannelInfo is returned to the caller that created a channel
type ChannelInfo struct {
	Message  string `json:"message"`
	Address  string `json:"udp_address"`
	Port     int    `json:"udp_port"`
	KeyHex   string `json:"key"`
	NonceHex string `json:"nonce"`
}

// TeardownFunc observes session teardown
type TeardownFunc func(id string, reason TeardownReason)

// Registry owns all live sessions
type Registry struct {
	config  Config
	codecs  audio.CodecFactory
	classes vad.ClassifierFactory
	sink    FlushSink
	metrics *metrics.Metrics
	logger  *slog.Logger

	sessions map[string]*Session
	closed   bool
	mu       sync.RWMutex

	observers   []TeardownFunc
	observersMu sync.RWMutex

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewRegistry creates a registry and starts its idle cleanup routine
func NewRegistry(cfg Config, deps Dependencies, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Codecs == nil {
		deps.Codecs = audio.NewOpusCodec
	}
	if deps.Classifiers == nil {
		deps.Classifiers = vad.EnergyClassifierFactory(vad.DefaultEnergyThreshold)
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	if cfg.ShortSilenceMs <= 0 {
		cfg.ShortSilenceMs = vad.DefaultShortSilenceMs
	}
	if cfg.LongSilenceMs <= 0 {
		cfg.LongSilenceMs = vad.DefaultLongSilenceMs
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		config:   cfg,
		codecs:   deps.Codecs,
		classes:  deps.Classifiers,
		sink:     deps.Sink,
		metrics:  deps.Metrics,
		logger:   logger,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go r.startCleanupRoutine()

	return r
}

// OnTeardown registers fn to be called after every session teardown
func (r *Registry) OnTeardown(fn TeardownFunc) {
	r.observersMu.Lock()
	defer r.observersMu.Unlock()
	r.observers = append(r.observers, fn)
}

// Create allocates a key, nonce, codec, segmenter and UDP endpoint for id and
// starts its worker. An existing session with the same id is replaced.
func (r *Registry) Create(id string, p audio.Params) (*ChannelInfo, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidParams)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	var key, nonce [16]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	frameCodec, err := r.codecs(p)
	if errors.Is(err, audio.ErrInvalidParams) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}

	classifier, err := r.classes()
	if err != nil {
		return nil, fmt.Errorf("failed to create VAD classifier: %w", err)
	}

	logger := r.logger.With(slog.String("session_id", id))

	segmenter, err := vad.NewSegmenter(vad.Config{
		SampleRate:      p.SampleRate,
		FrameDurationMs: p.FrameDurationMs,
		ShortSilenceMs:  r.config.ShortSilenceMs,
		LongSilenceMs:   r.config.LongSilenceMs,
	}, classifier, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	s := newSession(id, p, key, nonce, audio.NewCodec(p, frameCodec, logger), segmenter, r, r.config.InboxSize)
	s.classifier = classifier

	endpoint, err := transport.Listen(transport.Config{
		BindAddress:   r.config.BindAddress,
		MaxPacketSize: r.config.MaxPacketSize,
		SocketBuffer:  r.config.SocketBuffer,
		WriteTimeout:  r.config.WriteTimeout,
	}, s.receive, s.transportFailed, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBind, err)
	}
	s.endpoint = endpoint

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		endpoint.Close()
		return nil, ErrRegistryClosed
	}
	previous, exists := r.sessions[id]
	if !exists && r.config.MaxSessions > 0 && len(r.sessions) >= r.config.MaxSessions {
		r.mu.Unlock()
		endpoint.Close()
		return nil, fmt.Errorf("%w: %d sessions", ErrRegistryFull, r.config.MaxSessions)
	}
	r.sessions[id] = s
	active := len(r.sessions)
	r.mu.Unlock()

	go s.run()
	endpoint.Start()

	if exists {
		logger.Warn("Session already exists, replacing it",
			slog.Int("previous_port", previous.endpoint.Port()),
		)
		r.finalize(previous, ReasonReplaced)
	}

	r.metrics.RecordSessionCreated()
	r.metrics.SetActiveSessions(active)

	info := &ChannelInfo{
		Message:  fmt.Sprintf("UDP channel created for session %s", id),
		Address:  r.advertisedAddress(endpoint),
		Port:     endpoint.Port(),
		KeyHex:   hex.EncodeToString(key[:]),
		NonceHex: hex.EncodeToString(nonce[:]),
	}

	logger.Info("Created UDP channel",
		slog.String("address", info.Address),
		slog.Int("port", info.Port),
		slog.String("params", p.String()),
	)

	return info, nil
}

// Delete tears down the session with id. It returns false if there is none.
func (r *Registry) Delete(id string) bool {
	r.mu.RLock()
	s, exists := r.sessions[id]
	r.mu.RUnlock()

	if !exists {
		r.logger.Warn("Session not found, cannot delete", slog.String("session_id", id))
		return false
	}

	return r.remove(s, ReasonDeleted)
}

// remove deletes s from the map if it is still the registered session for its
// id, then closes it. A stale session never removes its replacement.
func (r *Registry) remove(s *Session, reason TeardownReason) bool {
	r.mu.Lock()
	current, exists := r.sessions[s.ID]
	if !exists || current != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.ID)
	active := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetActiveSessions(active)
	r.finalize(s, reason)
	return true
}

// finalize closes a session that is no longer in the map and notifies observers
func (r *Registry) finalize(s *Session, reason TeardownReason) {
	s.close()

	lifetime := time.Since(s.CreatedAt)
	r.metrics.RecordSessionDestroyed(string(reason), lifetime.Seconds())

	r.logger.Info("UDP channel closed",
		slog.String("session_id", s.ID),
		slog.String("reason", string(reason)),
		slog.Duration("duration", lifetime),
		slog.Uint64("packets_received", s.packetsReceived.Load()),
		slog.Uint64("packets_dropped", s.packetsDropped.Load()),
		slog.Uint64("packets_sent", s.packetsSent.Load()),
		slog.Uint64("flushes", s.flushes.Load()),
	)

	r.observersMu.RLock()
	observers := make([]TeardownFunc, len(r.observers))
	copy(observers, r.observers)
	r.observersMu.RUnlock()

	for _, fn := range observers {
		fn(s.ID, reason)
	}
}

// Get returns a snapshot of the session with id
func (r *Registry) Get(id string) (SessionInfo, bool) {
	r.mu.RLock()
	s, exists := r.sessions[id]
	r.mu.RUnlock()

	if !exists {
		return SessionInfo{}, false
	}
	return s.Info(), true
}

// List returns snapshots of all sessions ordered by id
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].SessionID < infos[j].SessionID })
	return infos
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Send encodes, encrypts and transmits pcm to the session's device. Sending to
// an unknown session is logged and ignored.
func (r *Registry) Send(ctx context.Context, id string, pcm []byte) error {
	err := r.Transmit(ctx, id, pcm)
	if errors.Is(err, ErrSessionNotFound) {
		r.logger.Warn("Send to unknown session ignored",
			slog.String("session_id", id),
			slog.Int("pcm_bytes", len(pcm)),
		)
		return nil
	}
	return err
}

// Transmit is Send for callers that must know the audio went out: an unknown
// session is reported as ErrSessionNotFound.
func (r *Registry) Transmit(ctx context.Context, id string, pcm []byte) error {
	r.mu.RLock()
	s, exists := r.sessions[id]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	if err := s.enqueueSend(ctx, pcm); err != nil {
		s.logger.Warn("Failed to send audio", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Close tears down every session and stops the cleanup routine
func (r *Registry) Close() {
	r.logger.Info("Stopping session registry...")

	r.cancel()
	<-r.cleanup

	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		r.finalize(s, ReasonShutdown)
	}
	r.metrics.SetActiveSessions(0)

	r.logger.Info("Session registry stopped", slog.Int("closed_sessions", len(sessions)))
}

// advertisedAddress is the address devices should send to
func (r *Registry) advertisedAddress(endpoint *transport.Endpoint) string {
	if r.config.PublicAddress != "" {
		return r.config.PublicAddress
	}
	return endpoint.LocalAddr().IP.String()
}

// startCleanupRoutine removes sessions that have been idle for too long
func (r *Registry) startCleanupRoutine() {
	defer close(r.cleanup)

	if r.config.IdleTimeout <= 0 {
		<-r.ctx.Done()
		return
	}

	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.cleanupIdleSessions()
		}
	}
}

// cleanupIdleSessions removes sessions without traffic for IdleTimeout
func (r *Registry) cleanupIdleSessions() {
	now := time.Now()

	r.mu.RLock()
	expired := make([]*Session, 0)
	for _, s := range r.sessions {
		if now.Sub(s.LastActivity()) > r.config.IdleTimeout {
			expired = append(expired, s)
		}
	}
	r.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	r.logger.Info("Cleaning up idle sessions", slog.Int("expired_count", len(expired)))

	for _, s := range expired {
		r.remove(s, ReasonIdleTimeout)
	}
}
