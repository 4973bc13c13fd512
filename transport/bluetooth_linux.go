//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"unishare/apperr"
	"unishare/models"
)

// pollInterval bounds how long a blocking socket call waits before
// re-checking for cancellation.
const pollInterval = 200 * time.Millisecond

type linuxRFCOMM struct {
	once sync.Once
	ok   bool
}

func platformRFCOMM() rfcommSockets { return &linuxRFCOMM{} }

// supported probes once whether the kernel exposes RFCOMM sockets.
func (r *linuxRFCOMM) supported() bool {
	r.once.Do(func() {
		fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
		if err != nil {
			return
		}
		_ = unix.Close(fd)
		r.ok = true
	})
	return r.ok
}

func openRFCOMMSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return -1, apperr.New(apperr.TransportUnavailable, "open rfcomm socket", err)
	}
	return fd, nil
}

// sockaddr stores the address in the little-endian order bdaddr_t expects.
func sockaddr(mac net.HardwareAddr, channel int) *unix.SockaddrRFCOMM {
	sa := &unix.SockaddrRFCOMM{Channel: uint8(channel)}
	for i := 0; i < 6 && i < len(mac); i++ {
		sa.Addr[5-i] = mac[i]
	}
	return sa
}

func macFromSockaddr(sa *unix.SockaddrRFCOMM) string {
	var ordered [6]byte
	for i := range ordered {
		ordered[i] = sa.Addr[5-i]
	}
	return formatMAC(ordered)
}

// waitFD polls fd for events until ready, ctx ends, or closed reports true.
func waitFD(ctx context.Context, fd int, events int16, closed func() bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if closed != nil && closed() {
			return net.ErrClosed
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

func (r *linuxRFCOMM) connect(ctx context.Context, addr BluetoothAddress) (Stream, error) {
	op := "connect " + addr.String()
	fd, err := openRFCOMMSocket()
	if err != nil {
		return nil, err
	}

	err = unix.Connect(fd, sockaddr(addr.MAC, addr.Channel))
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		_ = unix.Close(fd)
		return nil, classifyRFCOMM(op, err)
	}
	if err != nil {
		if err := waitFD(ctx, fd, unix.POLLOUT, nil); err != nil {
			_ = unix.Close(fd)
			if ctx.Err() != nil {
				return nil, apperr.New(apperr.ConnectFailed, op, ctx.Err())
			}
			return nil, apperr.New(apperr.ConnectFailed, op, err)
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			_ = unix.Close(fd)
			return nil, apperr.New(apperr.ConnectFailed, op, err)
		}
		if soErr != 0 {
			_ = unix.Close(fd)
			return nil, classifyRFCOMM(op, unix.Errno(soErr))
		}
	}

	return newRFCOMMStream(fd, addr.String()), nil
}

func classifyRFCOMM(op string, err error) error {
	switch {
	case errors.Is(err, unix.ENODEV), errors.Is(err, unix.EAFNOSUPPORT), errors.Is(err, unix.EPROTONOSUPPORT):
		return apperr.New(apperr.TransportUnavailable, op, err)
	default:
		return apperr.New(apperr.ConnectFailed, op, err)
	}
}

func (r *linuxRFCOMM) listen(ctx context.Context, channel int) (Listener, error) {
	fd, err := openRFCOMMSocket()
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrRFCOMM{Channel: uint8(channel)}); err != nil {
		_ = unix.Close(fd)
		return nil, classifyRFCOMM(fmt.Sprintf("bind rfcomm channel %d", channel), err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		_ = unix.Close(fd)
		return nil, classifyRFCOMM(fmt.Sprintf("listen rfcomm channel %d", channel), err)
	}
	return &rfcommListener{fd: fd, channel: channel, closed: make(chan struct{})}, nil
}

type rfcommListener struct {
	mu        sync.Mutex
	fd        int
	channel   int
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *rfcommListener) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *rfcommListener) Accept(ctx context.Context) (Stream, error) {
	for {
		err := waitFD(ctx, l.fd, unix.POLLIN, l.isClosed)
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperr.New(apperr.Cancelled, "accept on "+l.Addr(), ctx.Err())
			}
			return nil, err
		}

		l.mu.Lock()
		if l.isClosed() {
			l.mu.Unlock()
			return nil, net.ErrClosed
		}
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		l.mu.Unlock()
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, fmt.Errorf("accept rfcomm connection: %w", err)
		}

		remote := "rfcomm"
		if rsa, ok := sa.(*unix.SockaddrRFCOMM); ok {
			remote = fmt.Sprintf("%s/%d", macFromSockaddr(rsa), rsa.Channel)
		}
		return newRFCOMMStream(nfd, remote), nil
	}
}

func (l *rfcommListener) Addr() string {
	return fmt.Sprintf("rfcomm:%d", l.channel)
}

func (l *rfcommListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		l.mu.Lock()
		defer l.mu.Unlock()
		err = unix.Close(l.fd)
	})
	return err
}

// rfcommStream wraps a connected non-blocking socket. os.NewFile registers
// the descriptor with the runtime poller, so Close unblocks pending I/O.
type rfcommStream struct {
	file   *os.File
	remote string
}

func newRFCOMMStream(fd int, remote string) *rfcommStream {
	return &rfcommStream{file: os.NewFile(uintptr(fd), "rfcomm:"+remote), remote: remote}
}

func (s *rfcommStream) Read(p []byte) (int, error)  { return s.file.Read(p) }
func (s *rfcommStream) Write(p []byte) (int, error) { return s.file.Write(p) }
func (s *rfcommStream) Close() error                { return s.file.Close() }
func (s *rfcommStream) Kind() models.TransportKind  { return models.TransportBluetooth }
func (s *rfcommStream) RemoteAddr() string          { return s.remote }
