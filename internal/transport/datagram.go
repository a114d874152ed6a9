package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"

	"marlin-relay/internal/netutil"
)

// DatagramTransport is the unreliable datagram substrate that the reliable
// stream transport is built on top of. It is backed by a QUIC connection's
// unreliable-datagram extension (RFC 9221) via quic-go. Only
// SendDatagram/ReceiveDatagram are used; QUIC's own reliable streams are
// deliberately untouched since the reliable layer above needs its own
// wire frame layout (handshake, congestion control, reordering) rather
// than QUIC's.
type DatagramTransport struct {
	conn quic.Connection
	peer netutil.SocketAddress
}

var quicALPN = []string{"marlin-relay/datagram"}

func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
	}
}

// devTLSConfig builds a TLS config from the caller-supplied certificates; it
// generates no certificate of its own. insecure disables verification of the
// peer's certificate.
func devTLSConfig(certs []tls.Certificate, insecure bool) *tls.Config {
	return &tls.Config{
		Certificates:       certs,
		InsecureSkipVerify: insecure,
		NextProtos:         quicALPN,
	}
}

// ListenDatagram opens a QUIC listener on addr for accepting incoming
// datagram-substrate connections.
func ListenDatagram(ctx context.Context, addr string, certs []tls.Certificate) (*DatagramListener, error) {
	ln, err := quic.ListenAddr(addr, devTLSConfig(certs, false), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: listen datagram: %w", err)
	}
	return &DatagramListener{ln: ln}, nil
}

// DatagramListener accepts incoming DatagramTransport connections.
type DatagramListener struct {
	ln *quic.Listener
}

// Accept blocks for the next incoming connection.
func (l *DatagramListener) Accept(ctx context.Context) (*DatagramTransport, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	peer, err := netutil.Parse(conn.RemoteAddr().String())
	if err != nil {
		return nil, err
	}
	return &DatagramTransport{conn: conn, peer: peer}, nil
}

// Close stops accepting new connections.
func (l *DatagramListener) Close() error { return l.ln.Close() }

// DialDatagram dials addr, establishing the underlying QUIC connection used
// purely as an unreliable-datagram carrier.
func DialDatagram(ctx context.Context, addr string) (*DatagramTransport, error) {
	conn, err := quic.DialAddr(ctx, addr, devTLSConfig(nil, true), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: dial datagram: %w", err)
	}
	peer, err := netutil.Parse(conn.RemoteAddr().String())
	if err != nil {
		return nil, err
	}
	return &DatagramTransport{conn: conn, peer: peer}, nil
}

// Peer returns the address of the remote end.
func (d *DatagramTransport) Peer() netutil.SocketAddress { return d.peer }

// Send transmits a single unreliable datagram. Returns an error if the
// datagram exceeds the path's datagram size limit; the caller (stream
// transport E) is responsible for keeping DATA frames within MSS.
func (d *DatagramTransport) Send(payload []byte) error {
	if err := d.conn.SendDatagram(payload); err != nil {
		return fmt.Errorf("transport: send datagram: %w", err)
	}
	return nil
}

// Recv blocks for the next inbound datagram.
func (d *DatagramTransport) Recv(ctx context.Context) ([]byte, error) {
	b, err := d.conn.ReceiveDatagram(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: recv datagram: %w", err)
	}
	return b, nil
}

// Close tears down the underlying QUIC connection.
func (d *DatagramTransport) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.CloseWithError(0, "closed")
}

// ErrClosed is an exported sentinel for a closed datagram transport. Send and
// Recv do not return it: after Close they return quic-go's connection error
// wrapped with a "transport:" prefix.
var ErrClosed = errors.New("transport: datagram transport closed")
