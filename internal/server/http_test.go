package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Pallasmanul/agentServer/internal/audio"
	"github.com/Pallasmanul/agentServer/internal/config"
	"github.com/Pallasmanul/agentServer/internal/metrics"
	"github.com/Pallasmanul/agentServer/internal/protocol"
	"github.com/Pallasmanul/agentServer/internal/session"
	"github.com/Pallasmanul/agentServer/internal/vad"
)

// copyCodec stands in for Opus: a frame is its PCM
type copyCodec struct{}

func (copyCodec) EncodeFrame(pcm []byte) ([]byte, error) { return bytes.Clone(pcm), nil }

func (copyCodec) DecodeFrame(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, errors.New("empty frame")
	}
	return bytes.Clone(frame), nil
}

type testServer struct {
	handler  http.Handler
	registry *session.Registry
	gatherer *prometheus.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	registry := session.NewRegistry(session.Config{
		BindAddress:   "127.0.0.1",
		MaxPacketSize: 4096,
		WriteTimeout:  time.Second,
	}, session.Dependencies{
		Codecs:      func(audio.Params) (audio.FrameCodec, error) { return copyCodec{}, nil },
		Classifiers: vad.EnergyClassifierFactory(vad.DefaultEnergyThreshold),
		Metrics:     m,
	}, logger)
	t.Cleanup(registry.Close)

	cfg := config.Default()
	cfg.Transcription.APIKey = "super-secret"
	cfg.Redis.Password = "also-secret"

	srv := NewHTTPServer(cfg, registry, Options{Gatherer: reg}, m, logger)

	return &testServer{handler: srv.Handler(), registry: registry, gatherer: reg}
}

func (s *testServer) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) create(t *testing.T, body string) session.ChannelInfo {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/udp_channel", strings.NewReader(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /udp_channel = %d: %s", rec.Code, rec.Body.String())
	}
	var info session.ChannelInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("invalid create response: %v", err)
	}
	return info
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestCreateChannel(t *testing.T) {
	s := newTestServer(t)

	info := s.create(t, `{"session_id":"s1","input_sample_rate":16000,"channels":1,"frame_duration":20}`)

	if info.Message != "UDP channel created for session s1" {
		t.Errorf("message = %q", info.Message)
	}
	if info.Address != "127.0.0.1" || info.Port == 0 {
		t.Errorf("address = %s:%d", info.Address, info.Port)
	}
	if len(info.KeyHex) != 32 || len(info.NonceHex) != 32 {
		t.Errorf("key/nonce = %q/%q, want 32 hex chars each", info.KeyHex, info.NonceHex)
	}

	got, ok := s.registry.Get("s1")
	if !ok {
		t.Fatal("session not registered")
	}
	if got.InputSampleRate != 16000 || got.FrameDuration != 20 {
		t.Errorf("session params = %d Hz %d ms", got.InputSampleRate, got.FrameDuration)
	}
}

func TestCreateChannelDefaults(t *testing.T) {
	s := newTestServer(t)
	s.create(t, `{"session_id":"s1"}`)

	got, _ := s.registry.Get("s1")
	if got.InputSampleRate != 16000 || got.Channels != 1 || got.FrameDuration != 60 {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestCreateChannelErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"malformed json", `{"session_id":`, http.StatusBadRequest},
		{"missing session id", `{"input_sample_rate":16000}`, http.StatusBadRequest},
		{"unsupported sample rate", `{"session_id":"s1","input_sample_rate":44100}`, http.StatusBadRequest},
		{"bad channel count", `{"session_id":"s1","channels":6}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do(t, http.MethodPost, "/udp_channel", strings.NewReader(tt.body))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if body := decodeBody(t, rec); body["error"] == "" {
				t.Error("error message missing")
			}
			if s.registry.Count() != 0 {
				t.Error("session created for a rejected request")
			}
		})
	}
}

func TestDeleteChannel(t *testing.T) {
	s := newTestServer(t)
	s.create(t, `{"session_id":"s1"}`)

	rec := s.do(t, http.MethodDelete, "/udp_channel/s1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE = %d: %s", rec.Code, rec.Body.String())
	}
	if msg := decodeBody(t, rec)["message"]; msg != "UDP channel deleted for session s1" {
		t.Errorf("message = %v", msg)
	}
	if s.registry.Count() != 0 {
		t.Error("session still registered")
	}

	rec = s.do(t, http.MethodDelete, "/udp_channel/s1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second DELETE = %d, want 404", rec.Code)
	}
}

func TestPool(t *testing.T) {
	s := newTestServer(t)
	s.create(t, `{"session_id":"b"}`)
	s.create(t, `{"session_id":"a"}`)

	rec := s.do(t, http.MethodGet, "/udp_pool", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /udp_pool = %d", rec.Code)
	}
	var pool struct {
		Channels []session.SessionInfo `json:"udp_channels"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &pool); err != nil {
		t.Fatalf("invalid pool response: %v", err)
	}
	if len(pool.Channels) != 2 || pool.Channels[0].SessionID != "a" || pool.Channels[1].SessionID != "b" {
		t.Errorf("pool = %+v, want a then b", pool.Channels)
	}

	rec = s.do(t, http.MethodGet, "/udp_pool?session_id=a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /udp_pool?session_id=a = %d", rec.Code)
	}
	var one session.SessionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &one); err != nil {
		t.Fatalf("invalid session response: %v", err)
	}
	if one.SessionID != "a" || one.LastSequence != 0 || len(one.Key) != 32 {
		t.Errorf("session = %+v", one)
	}

	rec = s.do(t, http.MethodGet, "/udp_pool?session_id=missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session = %d, want 404", rec.Code)
	}
	if msg := decodeBody(t, rec)["error"]; msg != "Session missing not found" {
		t.Errorf("error = %v", msg)
	}
}

// device is a loopback client speaking the packet protocol
type device struct {
	conn  *net.UDPConn
	key   [16]byte
	nonce [16]byte
}

func newDevice(t *testing.T, info session.ChannelInfo) *device {
	t.Helper()

	d := &device{}
	key, _ := hex.DecodeString(info.KeyHex)
	nonce, _ := hex.DecodeString(info.NonceHex)
	copy(d.key[:], key)
	copy(d.nonce[:], nonce)

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP(info.Address), Port: info.Port})
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	d.conn = conn
	return d
}

func TestSendAudio(t *testing.T) {
	s := newTestServer(t)
	// 8 kHz mono 10 ms: 160-byte frames
	info := s.create(t, `{"session_id":"s1","input_sample_rate":8000,"channels":1,"frame_duration":10}`)
	dev := newDevice(t, info)

	wav, err := audio.EncodeWAV(bytes.Repeat([]byte{0x01, 0x00}, 200), 8000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	// no packet from the device yet
	rec := s.do(t, http.MethodPost, "/udp_channel/s1/audio", bytes.NewReader(wav))
	if rec.Code != http.StatusConflict {
		t.Fatalf("send before peer = %d, want 409: %s", rec.Code, rec.Body.String())
	}

	packet, err := protocol.Encrypt(dev.key, dev.nonce, make([]byte, 160), 0)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := dev.conn.Write(packet); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, _ := s.registry.Get("s1"); got.Peer != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("peer never learned")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec = s.do(t, http.MethodPost, "/udp_channel/s1/audio", bytes.NewReader(wav))
	if rec.Code != http.StatusOK {
		t.Fatalf("send = %d: %s", rec.Code, rec.Body.String())
	}
	if n := decodeBody(t, rec)["pcm_bytes"]; n != float64(400) {
		t.Errorf("pcm_bytes = %v, want 400", n)
	}

	// 400 bytes of PCM make three 160-byte frames
	buf := make([]byte, 2048)
	for want := uint32(1); want <= 3; want++ {
		dev.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := dev.conn.Read(buf)
		if err != nil {
			t.Fatalf("Read packet %d failed: %v", want, err)
		}
		frame, seq, err := protocol.Decrypt(dev.key, buf[:n], want-1)
		if err != nil {
			t.Fatalf("Decrypt packet %d failed: %v", want, err)
		}
		if seq != want || len(frame) != 160 {
			t.Errorf("packet %d: seq %d, %d bytes", want, seq, len(frame))
		}
	}
}

func TestSendAudioErrors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       func(t *testing.T) []byte
		wantStatus int
	}{
		{
			name:       "unknown session",
			path:       "/udp_channel/missing/audio",
			body:       func(t *testing.T) []byte { return nil },
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "not a wav",
			path:       "/udp_channel/s1/audio",
			body:       func(t *testing.T) []byte { return []byte("hello") },
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "stereo audio for mono session",
			path: "/udp_channel/s1/audio",
			body: func(t *testing.T) []byte {
				wav, err := audio.EncodeWAV(make([]byte, 640), 16000, 2)
				if err != nil {
					t.Fatalf("EncodeWAV failed: %v", err)
				}
				return wav
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.create(t, `{"session_id":"s1"}`)

			rec := s.do(t, http.MethodPost, tt.path, bytes.NewReader(tt.body(t)))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

// vanishingChannels deletes the session just before transmitting, like a
// device hanging up while its audio is uploaded
type vanishingChannels struct {
	*session.Registry
}

func (v vanishingChannels) Transmit(ctx context.Context, id string, pcm []byte) error {
	v.Registry.Delete(id)
	return v.Registry.Transmit(ctx, id, pcm)
}

func TestSendAudioSessionGoneMidRequest(t *testing.T) {
	s := newTestServer(t)
	s.create(t, `{"session_id":"s1"}`)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHTTPServer(config.Default(), vanishingChannels{s.registry}, Options{}, nil, logger).Handler()

	wav, err := audio.EncodeWAV(make([]byte, 640), 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/udp_channel/s1/audio", bytes.NewReader(wav))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestMonitoringEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.create(t, `{"session_id":"s1"}`)

	tests := []struct {
		path  string
		check func(t *testing.T, rec *httptest.ResponseRecorder)
	}{
		{"/health", func(t *testing.T, rec *httptest.ResponseRecorder) {
			body := decodeBody(t, rec)
			if body["status"] != "healthy" {
				t.Errorf("status = %v", body["status"])
			}
			components := body["components"].(map[string]any)
			registry := components["session_registry"].(map[string]any)
			if registry["active_sessions"] != float64(1) {
				t.Errorf("active_sessions = %v", registry["active_sessions"])
			}
		}},
		{"/stats", func(t *testing.T, rec *httptest.ResponseRecorder) {
			sessions := decodeBody(t, rec)["sessions"].(map[string]any)
			if sessions["active_count"] != float64(1) {
				t.Errorf("active_count = %v", sessions["active_count"])
			}
			if _, ok := sessions["bytes_received"]; !ok {
				t.Error("bytes_received missing")
			}
		}},
		{"/config", func(t *testing.T, rec *httptest.ResponseRecorder) {
			if strings.Contains(rec.Body.String(), "secret") {
				t.Error("/config leaks secrets")
			}
			if _, ok := decodeBody(t, rec)["vad"]; !ok {
				t.Error("vad section missing")
			}
		}},
		{"/", func(t *testing.T, rec *httptest.ResponseRecorder) {
			if decodeBody(t, rec)["service"] != ServiceName {
				t.Error("service name missing")
			}
		}},
		{"/metrics", func(t *testing.T, rec *httptest.ResponseRecorder) {
			if !strings.Contains(rec.Body.String(), "audio_io_sessions_created_total 1") {
				t.Errorf("metrics missing session counter:\n%s", rec.Body.String())
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, tt.path, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("GET %s = %d", tt.path, rec.Code)
			}
			tt.check(t, rec)
		})
	}
}

func TestRouting(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		method     string
		path       string
		wantStatus int
	}{
		{http.MethodGet, "/nope", http.StatusNotFound},
		{http.MethodPost, "/health", http.StatusMethodNotAllowed},
		{http.MethodGet, "/udp_channel", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		rec := s.do(t, tt.method, tt.path, nil)
		if rec.Code != tt.wantStatus {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
		}
	}
}

func TestHTTPMetricsRecorded(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/udp_pool?session_id=x", nil)

	families, err := s.gatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := false
	for _, family := range families {
		if family.GetName() != "audio_io_http_errors_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["endpoint"] == "/udp_pool" && labels["error_type"] == "client_error" {
				found = true
			}
		}
	}
	if !found {
		t.Error("404 on /udp_pool not recorded as a client error")
	}
}
