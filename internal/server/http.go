package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Pallasmanul/agentServer/internal/audio"
	"github.com/Pallasmanul/agentServer/internal/config"
	"github.com/Pallasmanul/agentServer/internal/gateway"
	"github.com/Pallasmanul/agentServer/internal/metrics"
	"github.com/Pallasmanul/agentServer/internal/session"
	"github.com/Pallasmanul/agentServer/internal/transcription"
)

const (
	// ServiceName is reported by the health and root endpoints
	ServiceName = "audio-io"
	// ServiceVersion is reported by the health and root endpoints
	ServiceVersion = "1.0.0"

	maxAudioUpload = 10 << 20
	maxJSONBody    = 64 << 10
)

// Channels is the session registry surface exposed over HTTP
type Channels interface {
	Create(id string, p audio.Params) (*session.ChannelInfo, error)
	Delete(id string) bool
	Get(id string) (session.SessionInfo, bool)
	List() []session.SessionInfo
	Count() int
	Transmit(ctx context.Context, id string, pcm []byte) error
}

// Options are the optional collaborators reported on /health and /stats
type Options struct {
	Gateway       *gateway.Gateway
	Transcription transcription.Submitter
	// Gatherer backs /metrics; nil serves the default registry
	Gatherer prometheus.Gatherer
}

// CreateChannelRequest is the body of POST /udp_channel
type CreateChannelRequest struct {
	SessionID       string `json:"session_id"`
	InputSampleRate int    `json:"input_sample_rate"`
	Channels        int    `json:"channels"`
	FrameDuration   int    `json:"frame_duration"`
}

// HTTPServer provides the channel control plane and monitoring endpoints
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	logger   *slog.Logger
	config   *config.Config
	channels Channels
	options  Options
	metrics  *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(appConfig *config.Config, channels Channels, opts Options, m *metrics.Metrics, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		channels:  channels,
		options:   opts,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         net.JoinHostPort(appConfig.HTTP.Address, strconv.Itoa(appConfig.HTTP.Port)),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Channel control plane
	mux.HandleFunc("POST /udp_channel", h.withMetrics("/udp_channel", h.handleCreateChannel))
	mux.HandleFunc("DELETE /udp_channel/{session_id}", h.withMetrics("/udp_channel/{session_id}", h.handleDeleteChannel))
	mux.HandleFunc("POST /udp_channel/{session_id}/audio", h.withMetrics("/udp_channel/{session_id}/audio", h.handleSendAudio))
	mux.HandleFunc("GET /udp_pool", h.withMetrics("/udp_pool", h.handlePool))

	// Monitoring
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("GET /stats", h.withMetrics("/stats", h.handleStats))

	gatherer := h.options.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (h *HTTPServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
	}

	h.logger.Info("Stopping HTTP API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.server.Shutdown(shutdownCtx)
}

// handleCreateChannel implements POST /udp_channel
func (h *HTTPServer) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	params := h.config.Audio.Params()
	if req.InputSampleRate != 0 {
		params.SampleRate = req.InputSampleRate
	}
	if req.Channels != 0 {
		params.Channels = req.Channels
	}
	if req.FrameDuration != 0 {
		params.FrameDurationMs = req.FrameDuration
	}

	info, err := h.channels.Create(req.SessionID, params)
	if err != nil {
		h.logger.Error("Failed to create UDP channel",
			slog.String("session_id", req.SessionID),
			slog.String("error", err.Error()),
		)
		writeError(w, createStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// handleDeleteChannel implements DELETE /udp_channel/{session_id}
func (h *HTTPServer) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	if !h.channels.Delete(sessionID) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Session %s not found", sessionID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("UDP channel deleted for session %s", sessionID),
	})
}

// handleSendAudio implements POST /udp_channel/{session_id}/audio
func (h *HTTPServer) handleSendAudio(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	info, exists := h.channels.Get(sessionID)
	if !exists {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Session %s not found", sessionID))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxAudioUpload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}
	if len(body) > maxAudioUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "audio exceeds 10MB")
		return
	}

	format, pcm, err := audio.DecodeWAV(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if format.Channels != info.Channels {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("audio has %d channels, session expects %d", format.Channels, info.Channels))
		return
	}
	if format.SampleRate != info.InputSampleRate {
		h.logger.Warn("Uploaded audio sample rate differs from session, sending as-is",
			slog.String("session_id", sessionID),
			slog.Int("audio_sample_rate", format.SampleRate),
			slog.Int("session_sample_rate", info.InputSampleRate),
		)
	}

	if err := h.channels.Transmit(r.Context(), sessionID, pcm); err != nil {
		writeError(w, sendStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":   fmt.Sprintf("Audio sent to session %s", sessionID),
		"pcm_bytes": len(pcm),
	})
}

// handlePool implements GET /udp_pool
func (h *HTTPServer) handlePool(w http.ResponseWriter, r *http.Request) {
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		info, exists := h.channels.Get(sessionID)
		if !exists {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Session %s not found", sessionID))
			return
		}
		writeJSON(w, http.StatusOK, info)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"udp_channels": h.channels.List(),
	})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]any{
		"session_registry": map[string]any{
			"status":          "running",
			"active_sessions": h.channels.Count(),
		},
	}

	if g := h.options.Gateway; g != nil {
		stats := g.Stats()
		components["gateway"] = map[string]any{
			"status":    "running",
			"in_flight": stats.InFlight,
			"failed":    stats.Failed,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    ServiceName,
			"version": ServiceVersion,
		},
		"components": components,
	})
}

// handleConfig implements the /config endpoint; secrets are left out
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.config

	writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"bind_address":     c.Server.BindAddress,
			"public_address":   c.Server.PublicAddress,
			"max_packet_size":  c.Server.MaxPacketSize,
			"max_sessions":     c.Server.MaxSessions,
			"inbox_size":       c.Server.InboxSize,
			"idle_timeout":     c.Server.IdleTimeout,
			"write_timeout_ms": c.Server.WriteTimeoutMs,
		},
		"audio": map[string]any{
			"sample_rate":    c.Audio.SampleRate,
			"channels":       c.Audio.Channels,
			"frame_duration": c.Audio.FrameDuration,
		},
		"vad": map[string]any{
			"energy_threshold": c.VAD.EnergyThreshold,
			"short_silence_ms": c.VAD.ShortSilenceMs,
			"long_silence_ms":  c.VAD.LongSilenceMs,
		},
		"transcription": map[string]any{
			"backend":        c.Transcription.Backend,
			"endpoint":       c.Transcription.Endpoint,
			"timeout":        c.Transcription.Timeout,
			"max_retries":    c.Transcription.MaxRetries,
			"max_concurrent": c.Transcription.MaxConcurrent,
			"input_queue":    c.Transcription.InputQueue,
		},
		"synthesis": map[string]any{
			"enabled":      c.Synthesis.Enabled,
			"output_queue": c.Synthesis.OutputQueue,
		},
		"signaling": map[string]any{
			"enabled":         c.Signaling.Enabled,
			"inbound_prefix":  c.Signaling.InboundPrefix,
			"outbound_prefix": c.Signaling.OutboundPrefix,
		},
		"redis": map[string]any{
			"address": c.Redis.Address,
			"db":      c.Redis.DB,
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	sessions := h.channels.List()

	var received, dropped, sent, flushes, bytesIn, bytesOut, writeErrors uint64
	for _, s := range sessions {
		received += s.PacketsReceived
		dropped += s.PacketsDropped
		sent += s.PacketsSent
		flushes += s.Flushes
		bytesIn += s.BytesReceived
		bytesOut += s.BytesSent
		writeErrors += s.WriteErrors
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]any{
			"active_count":     len(sessions),
			"packets_received": received,
			"packets_dropped":  dropped,
			"packets_sent":     sent,
			"flushes":          flushes,
			"bytes_received":   bytesIn,
			"bytes_sent":       bytesOut,
			"write_errors":     writeErrors,
		},
	}

	if g := h.options.Gateway; g != nil {
		stats["gateway"] = g.Stats()
	}
	if client, ok := h.options.Transcription.(*transcription.HTTPClient); ok {
		stats["transcription"] = client.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": ServiceName,
		"version": ServiceVersion,
		"endpoints": map[string]string{
			"GET /":                                "API documentation",
			"POST /udp_channel":                    "Create an encrypted UDP audio channel",
			"DELETE /udp_channel/{session_id}":     "Tear a channel down",
			"POST /udp_channel/{session_id}/audio": "Play a WAV file to the device",
			"GET /udp_pool":                        "List channels (?session_id= for one)",
			"GET /health":                          "Service health check",
			"GET /config":                          "Get service configuration",
			"GET /stats":                           "Get service statistics",
			"GET /metrics":                         "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}

// createStatus maps a registry create error to an HTTP status
func createStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidParams), errors.Is(err, audio.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrRegistryFull), errors.Is(err, session.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendStatus maps an outbound send error to an HTTP status
func sendStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNoPeer):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
