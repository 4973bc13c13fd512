// Package transport opens and accepts byte streams over the supported
// transport variants. Chunk boundaries are owned by the codec; a Stream is a
// plain ordered byte stream.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"unishare/apperr"
	"unishare/models"
)

// Stream is an established, ordered, bidirectional byte stream to one peer.
// Close unblocks any pending Read or Write.
type Stream interface {
	io.ReadWriteCloser
	Kind() models.TransportKind
	RemoteAddr() string
}

// Listener yields inbound streams until closed.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	Addr() string
	Close() error
}

// Transport is one transport variant.
type Transport interface {
	Kind() models.TransportKind
	// Connect dials address and returns an established stream or ConnectFailed.
	Connect(ctx context.Context, address string) (Stream, error)
	// Listen binds to bind and accepts inbound streams until closed.
	Listen(ctx context.Context, bind string) (Listener, error)
	// Available reports whether the variant can be used on this host right now.
	Available() bool
}

// Set indexes transports by kind.
type Set map[models.TransportKind]Transport

// NewSet builds a Set from transports.
func NewSet(transports ...Transport) Set {
	set := make(Set, len(transports))
	for _, t := range transports {
		set[t.Kind()] = t
	}
	return set
}

// Get returns the transport for kind or TransportUnavailable.
func (s Set) Get(kind models.TransportKind) (Transport, error) {
	t, ok := s[kind]
	if !ok || t == nil {
		return nil, apperr.Errorf(apperr.TransportUnavailable, "transport "+string(kind), "not configured")
	}
	if !t.Available() {
		return nil, apperr.Errorf(apperr.TransportUnavailable, "transport "+string(kind), "not available on this host")
	}
	return t, nil
}

// WithDefaultPort appends port to address when address has none.
func WithDefaultPort(address string, port int) string {
	if address == "" {
		return net.JoinHostPort("", strconv.Itoa(port))
	}
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}

// mergedListener accepts from several listeners at once and yields whichever
// stream arrives first.
type mergedListener struct {
	listeners []Listener
	streams   chan Stream
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func mergeListeners(listeners ...Listener) Listener {
	if len(listeners) == 1 {
		return listeners[0]
	}
	m := &mergedListener{
		listeners: listeners,
		streams:   make(chan Stream),
		errs:      make(chan error, len(listeners)),
		done:      make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-m.done
		cancel()
	}()
	for _, l := range listeners {
		m.wg.Add(1)
		go m.acceptLoop(ctx, l)
	}
	return m
}

func (m *mergedListener) acceptLoop(ctx context.Context, l Listener) {
	defer m.wg.Done()
	for {
		stream, err := l.Accept(ctx)
		if err != nil {
			select {
			case m.errs <- err:
			default:
			}
			return
		}
		select {
		case m.streams <- stream:
		case <-m.done:
			_ = stream.Close()
			return
		}
	}
}

func (m *mergedListener) Accept(ctx context.Context) (Stream, error) {
	failed := 0
	for {
		select {
		case stream := <-m.streams:
			return stream, nil
		case err := <-m.errs:
			failed++
			if failed == len(m.listeners) {
				return nil, err
			}
		case <-m.done:
			return nil, net.ErrClosed
		case <-ctx.Done():
			return nil, apperr.New(apperr.Cancelled, "accept", ctx.Err())
		}
	}
}

func (m *mergedListener) Addr() string {
	addrs := make([]string, 0, len(m.listeners))
	for _, l := range m.listeners {
		addrs = append(addrs, l.Addr())
	}
	return strings.Join(addrs, ",")
}

func (m *mergedListener) Close() error {
	var errs []error
	m.closeOnce.Do(func() {
		close(m.done)
		for _, l := range m.listeners {
			errs = append(errs, l.Close())
		}
		m.wg.Wait()
	})
	return errors.Join(errs...)
}
