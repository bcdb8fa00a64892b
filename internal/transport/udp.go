package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoPeer is returned by Write before any peer address is known
var ErrNoPeer = errors.New("no peer address known")

// ErrClosed is returned when writing to a closed endpoint
var ErrClosed = errors.New("endpoint closed")

// Handler receives every datagram read from the socket. data is owned by the handler.
type Handler func(data []byte, from *net.UDPAddr, received time.Time)

// Config holds endpoint socket settings
type Config struct {
	BindAddress   string
	MaxPacketSize int // read buffer per datagram
	SocketBuffer  int // SO_RCVBUF, 0 keeps the OS default
	WriteTimeout  time.Duration
}

// Endpoint is a UDP socket bound to an ephemeral port, serving one session
type Endpoint struct {
	conn    *net.UDPConn
	config  Config
	logger  *slog.Logger
	handler Handler
	onError func(error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	peer atomic.Pointer[net.UDPAddr]

	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64
	packetsSent     atomic.Uint64
	bytesSent       atomic.Uint64
	writeErrors     atomic.Uint64
}

// Statistics represents endpoint counters
type Statistics struct {
	PacketsReceived uint64 `json:"packets_received"`
	BytesReceived   uint64 `json:"bytes_received"`
	PacketsSent     uint64 `json:"packets_sent"`
	BytesSent       uint64 `json:"bytes_sent"`
	WriteErrors     uint64 `json:"write_errors"`
}

// Listen binds a socket on cfg.BindAddress with an OS-assigned port.
// Nothing is read until Start is called.
func Listen(cfg Config, handler Handler, onError func(error), logger *slog.Logger) (*Endpoint, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = 65535
	}
	if logger == nil {
		logger = slog.Default()
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.BindAddress, "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}

	if cfg.SocketBuffer > 0 {
		if err := conn.SetReadBuffer(cfg.SocketBuffer); err != nil {
			logger.Warn("Failed to set UDP read buffer size",
				slog.Int("buffer_size", cfg.SocketBuffer),
				slog.String("error", err.Error()),
			)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Endpoint{
		conn:    conn,
		config:  cfg,
		logger:  logger,
		handler: handler,
		onError: onError,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the receive loop
func (e *Endpoint) Start() {
	e.wg.Add(1)
	go e.receiveLoop()

	e.logger.Debug("UDP endpoint started", slog.String("address", e.conn.LocalAddr().String()))
}

// receiveLoop reads datagrams until the endpoint is closed or the socket fails
func (e *Endpoint) receiveLoop() {
	defer e.wg.Done()

	buffer := make([]byte, e.config.MaxPacketSize)

	for {
		n, remoteAddr, err := e.conn.ReadFromUDP(buffer)
		if err != nil {
			select {
			case <-e.ctx.Done():
				return
			default:
			}

			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}

			e.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			if e.onError != nil {
				e.onError(err)
			}
			return
		}

		e.packetsReceived.Add(1)
		e.bytesReceived.Add(uint64(n))

		// buffer is reused
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		e.handler(packetData, remoteAddr, time.Now())
	}
}

// SetPeer records the address outbound packets are sent to
func (e *Endpoint) SetPeer(addr *net.UDPAddr) {
	e.peer.Store(addr)
}

// Peer returns the last recorded peer address, or nil
func (e *Endpoint) Peer() *net.UDPAddr {
	return e.peer.Load()
}

// Write sends a datagram to the current peer
func (e *Endpoint) Write(data []byte) error {
	peer := e.peer.Load()
	if peer == nil {
		return ErrNoPeer
	}
	return e.WriteTo(data, peer)
}

// WriteTo sends a datagram to addr
func (e *Endpoint) WriteTo(data []byte, addr *net.UDPAddr) error {
	select {
	case <-e.ctx.Done():
		return ErrClosed
	default:
	}

	if e.config.WriteTimeout > 0 {
		if err := e.conn.SetWriteDeadline(time.Now().Add(e.config.WriteTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	n, err := e.conn.WriteToUDP(data, addr)
	if err != nil {
		e.writeErrors.Add(1)
		return fmt.Errorf("failed to write UDP packet to %s: %w", addr, err)
	}

	e.packetsSent.Add(1)
	e.bytesSent.Add(uint64(n))
	return nil
}

// LocalAddr returns the bound socket address
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Port returns the bound port
func (e *Endpoint) Port() int {
	return e.LocalAddr().Port
}

// Close stops the receive loop and releases the socket. It is safe to call
// more than once and from the handler itself.
func (e *Endpoint) Close() error {
	var err error
	e.once.Do(func() {
		e.cancel()
		err = e.conn.Close()
	})
	return err
}

// Wait blocks until the receive loop has exited
func (e *Endpoint) Wait() {
	e.wg.Wait()
}

// GetStatistics returns the endpoint counters
func (e *Endpoint) GetStatistics() Statistics {
	return Statistics{
		PacketsReceived: e.packetsReceived.Load(),
		BytesReceived:   e.bytesReceived.Load(),
		PacketsSent:     e.packetsSent.Load(),
		BytesSent:       e.bytesSent.Load(),
		WriteErrors:     e.writeErrors.Load(),
	}
}
