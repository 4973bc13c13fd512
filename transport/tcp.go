package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"unishare/apperr"
	"unishare/models"
)

// TCP dials and accepts plain TCP streams on a fixed default port. It backs
// the local Wi-Fi transport and the emulated Bluetooth link.
type TCP struct {
	kind models.TransportKind
	port int
	dial DialOptions
}

// NewTCP returns the local network transport with default port.
func NewTCP(port int, dial DialOptions) *TCP {
	return &TCP{kind: models.TransportTCP, port: port, dial: dial}
}

func newTCPFamily(kind models.TransportKind, port int, dial DialOptions) *TCP {
	return &TCP{kind: kind, port: port, dial: dial}
}

func (t *TCP) Kind() models.TransportKind { return t.kind }

// Port returns the default port used when an address carries none.
func (t *TCP) Port() int { return t.port }

// PeerKey returns address in the form used to tell peers apart.
func (t *TCP) PeerKey(address string) string {
	return WithDefaultPort(strings.ToLower(strings.TrimSpace(address)), t.port)
}

func (t *TCP) Available() bool { return true }

// Connect dials address, adding the default port when it is missing.
func (t *TCP) Connect(ctx context.Context, address string) (Stream, error) {
	target := WithDefaultPort(address, t.port)
	return dialWithRetry(ctx, t.dial, target, func(ctx context.Context) (Stream, error) {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, apperr.New(apperr.ConnectFailed, "dial "+target, err)
		}
		return &connStream{conn: conn, kind: t.kind}, nil
	})
}

// Listen binds bind, or the default port on all interfaces when bind is empty.
func (t *TCP) Listen(ctx context.Context, bind string) (Listener, error) {
	address := WithDefaultPort(bind, t.port)
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, apperr.New(apperr.TransportUnavailable, "listen "+address, err)
	}
	return &tcpListener{listener: listener.(*net.TCPListener), kind: t.kind}, nil
}

type tcpListener struct {
	listener *net.TCPListener
	kind     models.TransportKind
}

// Accept blocks until a peer connects, ctx ends or the listener is closed.
func (l *tcpListener) Accept(ctx context.Context) (Stream, error) {
	if err := l.listener.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear accept deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = l.listener.SetDeadline(time.Now())
	})
	defer stop()

	conn, err := l.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.New(apperr.Cancelled, "accept on "+l.Addr(), ctx.Err())
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("accept connection: %w", err)
	}
	return &connStream{conn: conn, kind: l.kind}, nil
}

func (l *tcpListener) Addr() string { return l.listener.Addr().String() }

func (l *tcpListener) Close() error { return l.listener.Close() }

// connStream adapts a net.Conn to Stream.
type connStream struct {
	conn net.Conn
	kind models.TransportKind
}

func (s *connStream) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *connStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *connStream) Close() error                { return s.conn.Close() }
func (s *connStream) Kind() models.TransportKind  { return s.kind }
func (s *connStream) RemoteAddr() string          { return s.conn.RemoteAddr().String() }

// LocalAddr returns the local end of the connection.
func (s *connStream) LocalAddr() string { return s.conn.LocalAddr().String() }
