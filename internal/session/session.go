package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/Pallasmanul/agentServer/internal/audio"
	"github.com/Pallasmanul/agentServer/internal/protocol"
	"github.com/Pallasmanul/agentServer/internal/transport"
	"github.com/Pallasmanul/agentServer/internal/vad"
)

// TeardownReason explains why a session was destroyed
type TeardownReason string

// Teardown reasons
const (
	ReasonDeleted        TeardownReason = "deleted"
	ReasonReplaced       TeardownReason = "replaced"
	ReasonSilenceTimeout TeardownReason = "silence_timeout"
	ReasonIdleTimeout    TeardownReason = "idle_timeout"
	ReasonTransportError TeardownReason = "transport_error"
	ReasonShutdown       TeardownReason = "shutdown"
)

// FlushSink receives utterances flushed by a session's VAD. Implementations
// must not block the caller for longer than it takes to hand the work off.
type FlushSink interface {
	SubmitFlush(sessionID string, params audio.Params, pcm []byte, frames int)
}

// inboundPacket is a datagram read by the endpoint, waiting for the worker
type inboundPacket struct {
	data     []byte
	from     *net.UDPAddr
	received time.Time
}

// sendRequest asks the worker to encode and transmit PCM
type sendRequest struct {
	pcm    []byte
	result chan error
}

// Session is one device's encrypted audio channel. Its sequence counters,
// codec and segmenter are only touched by the session's worker goroutine.
type Session struct {
	ID        string
	Params    audio.Params
	CreatedAt time.Time

	key   [protocol.KeySize]byte
	nonce [protocol.HeaderSize]byte

	codec      *audio.Codec
	segmenter  *vad.Segmenter
	classifier vad.Classifier
	endpoint   *transport.Endpoint

	registry *Registry
	logger   *slog.Logger

	inbox  chan any
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// written by the worker, read by snapshots
	inboundSeq   atomic.Uint32
	outboundSeq  atomic.Uint32
	lastActivity atomic.Int64

	packetsReceived atomic.Uint64
	packetsDropped  atomic.Uint64
	packetsSent     atomic.Uint64
	flushes         atomic.Uint64

	// VAD counters already reported to metrics
	reportedFrames uint64
	reportedSpeech uint64
}

// SessionInfo is a point-in-time snapshot of a session
type SessionInfo struct {
	SessionID       string    `json:"session_id"`
	Address         string    `json:"udp_address"`
	Port            int       `json:"udp_port"`
	InputSampleRate int       `json:"input_sample_rate"`
	Channels        int       `json:"channels"`
	FrameDuration   int       `json:"frame_duration"`
	LastSequence    uint32    `json:"last_sequence"`
	OutSequence     uint32    `json:"out_sequence"`
	Peer            string    `json:"peer,omitempty"`
	Key             string    `json:"key"`
	Nonce           string    `json:"nonce"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`

	PacketsReceived uint64 `json:"packets_received"`
	PacketsDropped  uint64 `json:"packets_dropped"`
	PacketsSent     uint64 `json:"packets_sent"`
	FramesDecoded   uint64 `json:"frames_decoded"`
	DecodeErrors    uint64 `json:"decode_errors"`
	Flushes         uint64 `json:"flushes"`
	SpeechCount     int    `json:"speech_count"`
	SilenceCount    int    `json:"silence_count"`

	BytesReceived uint64 `json:"bytes_received"`
	BytesSent     uint64 `json:"bytes_sent"`
	WriteErrors   uint64 `json:"write_errors"`

	Classifier *vad.ClassifierStats `json:"classifier,omitempty"`
}

func newSession(id string, p audio.Params, key, nonce [16]byte, codec *audio.Codec, segmenter *vad.Segmenter, registry *Registry, inboxSize int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	s := &Session{
		ID:        id,
		Params:    p,
		CreatedAt: now,
		key:       key,
		nonce:     nonce,
		codec:     codec,
		segmenter: segmenter,
		registry:  registry,
		logger:    registry.logger.With(slog.String("session_id", id)),
		inbox:     make(chan any, inboxSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// receive is the endpoint handler; it runs on the endpoint's reader goroutine
func (s *Session) receive(data []byte, from *net.UDPAddr, received time.Time) {
	s.packetsReceived.Add(1)
	s.registry.metrics.RecordPacketReceived()

	if s.ctx.Err() != nil {
		return
	}

	select {
	case s.inbox <- inboundPacket{data: data, from: from, received: received}:
	default:
		s.drop("inbox_full")
		s.logger.Warn("Session inbox full, dropping packet",
			slog.String("remote_addr", from.String()),
			slog.Int("packet_size", len(data)),
		)
	}
}

// transportFailed is called by the endpoint when its socket can no longer be read
func (s *Session) transportFailed(err error) {
	s.logger.Warn("UDP transport failed, closing session", slog.String("error", err.Error()))
	go s.registry.remove(s, ReasonTransportError)
}

// run is the session worker. It is the only goroutine that advances the
// sequence counters or touches the codec and segmenter.
func (s *Session) run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case item := <-s.inbox:
			if s.ctx.Err() != nil {
				return
			}

			switch work := item.(type) {
			case inboundPacket:
				s.handlePacket(work)
			case sendRequest:
				work.result <- s.send(work.pcm)
			}
		}
	}
}

func (s *Session) handlePacket(packet inboundPacket) {
	plaintext, seq, err := protocol.Decrypt(s.key, packet.data, s.inboundSeq.Load())
	if err != nil {
		s.drop(dropReason(err))
		s.logger.Debug("Dropping packet",
			slog.String("remote_addr", packet.from.String()),
			slog.Int("packet_size", len(packet.data)),
			slog.String("error", err.Error()),
		)
		return
	}

	s.inboundSeq.Store(seq)
	s.endpoint.SetPeer(packet.from)
	s.touch(packet.received)

	pcm, ok := s.codec.Decode(plaintext)
	s.registry.metrics.RecordFrameDecoded(ok)
	if !ok {
		return
	}

	result := s.segmenter.Process(pcm)
	s.reportVAD()

	for _, flush := range result.Flushes {
		s.flushes.Add(1)
		duration := float64(flush.Frames*s.Params.FrameDurationMs) / 1000
		s.registry.metrics.RecordFlush(duration)

		s.logger.Info("Utterance flushed",
			slog.Int("frames", flush.Frames),
			slog.Int("bytes", len(flush.PCM)),
			slog.Float64("duration_seconds", duration),
		)

		if s.registry.sink != nil {
			s.registry.sink.SubmitFlush(s.ID, s.Params, flush.PCM, flush.Frames)
		}
	}

	if result.Timeout {
		s.logger.Info("Session silent for too long, closing",
			slog.Int("long_silence_ms", s.registry.config.LongSilenceMs),
		)
		// the worker cannot wait for its own shutdown
		go s.registry.remove(s, ReasonSilenceTimeout)
	}
}

// send encodes pcm and transmits one packet per codec frame with successive
// outbound sequence numbers
func (s *Session) send(pcm []byte) error {
	if s.endpoint.Peer() == nil {
		return ErrNoPeer
	}

	frames, err := s.codec.Encode(pcm)
	if err != nil {
		return fmt.Errorf("failed to encode audio: %w", err)
	}
	s.registry.metrics.RecordFramesEncoded(len(frames))

	sent := 0
	for _, frame := range frames {
		packet, err := protocol.Encrypt(s.key, s.nonce, frame, s.outboundSeq.Load())
		if err != nil {
			return fmt.Errorf("failed to encrypt frame: %w", err)
		}

		if err := s.endpoint.Write(packet); err != nil {
			s.registry.metrics.RecordPacketsSent(sent)
			return fmt.Errorf("failed to send frame %d of %d: %w", sent+1, len(frames), err)
		}

		s.outboundSeq.Add(1)
		s.packetsSent.Add(1)
		sent++
	}

	s.registry.metrics.RecordPacketsSent(sent)
	s.touch(time.Now())

	s.logger.Debug("Audio sent",
		slog.Int("pcm_bytes", len(pcm)),
		slog.Int("packets", sent),
		slog.Uint64("last_sequence", uint64(s.outboundSeq.Load())),
	)

	return nil
}

// enqueueSend hands a send request to the worker and waits for its result
func (s *Session) enqueueSend(ctx context.Context, pcm []byte) error {
	req := sendRequest{pcm: pcm, result: make(chan error, 1)}

	select {
	case s.inbox <- req:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops the worker and releases the socket
func (s *Session) close() {
	s.cancel()
	if err := s.endpoint.Close(); err != nil {
		s.logger.Warn("Error closing UDP endpoint", slog.String("error", err.Error()))
	}
	// no datagram reaches the session once close returns
	s.endpoint.Wait()
	<-s.done
}

func (s *Session) touch(t time.Time) {
	s.lastActivity.Store(t.UnixNano())
}

func (s *Session) drop(reason string) {
	s.packetsDropped.Add(1)
	s.registry.metrics.RecordPacketDropped(reason)
}

// reportVAD forwards segmenter counter deltas to metrics
func (s *Session) reportVAD() {
	stats := s.segmenter.Stats()
	s.registry.metrics.RecordVADFrames(stats.Frames-s.reportedFrames, stats.SpeechFrames-s.reportedSpeech)
	s.reportedFrames = stats.Frames
	s.reportedSpeech = stats.SpeechFrames
}

// LastActivity returns the time of the last accepted packet or send
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	codecStats := s.codec.Stats()
	vadStats := s.segmenter.Stats()
	netStats := s.endpoint.GetStatistics()

	info := SessionInfo{
		SessionID:       s.ID,
		Address:         s.registry.advertisedAddress(s.endpoint),
		Port:            s.endpoint.Port(),
		InputSampleRate: s.Params.SampleRate,
		Channels:        s.Params.Channels,
		FrameDuration:   s.Params.FrameDurationMs,
		LastSequence:    s.inboundSeq.Load(),
		OutSequence:     s.outboundSeq.Load(),
		Key:             hex.EncodeToString(s.key[:]),
		Nonce:           hex.EncodeToString(s.nonce[:]),
		CreatedAt:       s.CreatedAt,
		LastActivity:    s.LastActivity(),
		PacketsReceived: s.packetsReceived.Load(),
		PacketsDropped:  s.packetsDropped.Load(),
		PacketsSent:     s.packetsSent.Load(),
		FramesDecoded:   codecStats.FramesDecoded,
		DecodeErrors:    codecStats.DecodeErrors,
		Flushes:         s.flushes.Load(),
		SpeechCount:     vadStats.SpeechCount,
		SilenceCount:    vadStats.SilenceCount,
		BytesReceived:   netStats.BytesReceived,
		BytesSent:       netStats.BytesSent,
		WriteErrors:     netStats.WriteErrors,
	}

	if reporter, ok := s.classifier.(vad.StatsReporter); ok {
		classifierStats := reporter.GetStats()
		info.Classifier = &classifierStats
	}

	if peer := s.endpoint.Peer(); peer != nil {
		info.Peer = peer.String()
	}

	return info
}

// dropReason maps a framing error to a metrics label
func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrPacketTooShort):
		return "too_short"
	case errors.Is(err, protocol.ErrPacketType):
		return "packet_type"
	case errors.Is(err, protocol.ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, protocol.ErrSequenceMismatch):
		return "sequence"
	default:
		return "protocol"
	}
}
