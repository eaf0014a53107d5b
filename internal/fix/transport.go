package fix

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// Transport is the reliable ordered byte stream a session runs over. Plain
// TCP, TLS and the in-memory pipe used by tests all satisfy it; the session
// never assumes anything beyond ordered delivery.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer establishes the transport for a connection attempt. Reconnect policy
// lives with the caller; the session dials exactly once per Connect.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// TCPDialer connects over plain TCP.
type TCPDialer struct {
	Addr    string
	Timeout time.Duration
}

func (d *TCPDialer) Dial(ctx context.Context) (Transport, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// Latency beats throughput on the order path.
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

// PipeDialer hands out one end of an in-memory duplex pipe. Test use only.
type PipeDialer struct {
	Conn net.Conn
}

func (d *PipeDialer) Dial(ctx context.Context) (Transport, error) {
	if d.Conn == nil {
		return nil, fmt.Errorf("pipe dialer has no connection")
	}
	return d.Conn, nil
}
