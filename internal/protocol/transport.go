package protocol

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

// maxDatagram is the largest UDP payload
const maxDatagram = 65507

// Handler receives inbound datagrams keyed by session address
type Handler func(address string, data []byte)

// UDPTransport is the single process-wide socket shared by all appliances
type UDPTransport struct {
	conn       *net.UDPConn
	devicePort int
	mu         sync.Mutex
}

// NewUDPTransport binds a UDP socket. An empty bindAddr picks any local port.
func NewUDPTransport(bindAddr string, devicePort int) (*UDPTransport, error) {
	if bindAddr == "" {
		bindAddr = ":0"
	}
	if devicePort <= 0 {
		devicePort = DevicePort
	}

	addr, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}

	return &UDPTransport{
		conn:       conn,
		devicePort: devicePort,
	}, nil
}

// LocalAddr returns the bound address
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// SendTo writes one datagram. Addresses without a port use the device port.
func (t *UDPTransport) SendTo(ctx context.Context, address string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr, err := t.resolve(address)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_, err = t.conn.WriteToUDP(data, addr)
	return err
}

func (t *UDPTransport) resolve(address string) (*net.UDPAddr, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		host, port = address, strconv.Itoa(t.devicePort)
	}
	return net.ResolveUDPAddr("udp4", net.JoinHostPort(host, port))
}

// SessionKey normalizes a configured address to the key replies arrive under:
// an explicit device port is dropped, any other port is kept.
func SessionKey(address string, devicePort int) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	if port == strconv.Itoa(devicePort) {
		return host
	}
	return address
}

// sessionKey maps a source address back to the key the caller registered
func (t *UDPTransport) sessionKey(addr *net.UDPAddr) string {
	if addr.Port == t.devicePort {
		return addr.IP.String()
	}
	return addr.String()
}

// Serve reads datagrams and hands them to handler until ctx ends or the socket closes
func (t *UDPTransport) Serve(ctx context.Context, handler Handler) error {
	log.Info().Str("addr", t.conn.LocalAddr().String()).Msg("UDP transport started")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			t.conn.Close()
		case <-stop:
		}
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("UDP read error")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		handler(t.sessionKey(addr), data)
	}
}

// Close closes the socket
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
