package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"unishare/apperr"
	"unishare/models"
)

const (
	// MaxMessageSize is the largest data channel message a stream sends.
	MaxMessageSize = 16 * 1024
	bufferedHighWater = 1 << 20
	bufferedLowWater  = 256 * 1024
	closeFlushTimeout = 2 * time.Second
)

// WebRTC is the data channel transport. Its connections are negotiated
// through manually relayed signaling payloads, so Connect and Listen are not
// supported; the signaling coordinator hands out streams instead.
type WebRTC struct{}

// NewWebRTC returns the WebRTC transport descriptor.
func NewWebRTC() *WebRTC { return &WebRTC{} }

func (*WebRTC) Kind() models.TransportKind { return models.TransportWebRTC }

func (*WebRTC) Available() bool { return true }

func (*WebRTC) Connect(context.Context, string) (Stream, error) {
	return nil, apperr.Errorf(apperr.TransportUnavailable, "connect webrtc", "establish data channels through signaling")
}

func (*WebRTC) Listen(context.Context, string) (Listener, error) {
	return nil, apperr.Errorf(apperr.TransportUnavailable, "listen webrtc", "establish data channels through signaling")
}

// DataChannelStream adapts an ordered data channel to a byte stream. Writes
// are split into messages of at most MaxMessageSize and pause while the
// channel's send buffer is above its high-water mark.
type DataChannelStream struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	reader *io.PipeReader
	writer *io.PipeWriter

	writeMu sync.Mutex
	drained chan struct{}
	opened  chan struct{}
	openOne sync.Once

	closed    chan struct{}
	closeOnce sync.Once
}

// NewDataChannelStream wraps dc. It must be called before dc opens so no
// inbound message is missed. Closing the stream closes both dc and pc.
func NewDataChannelStream(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *DataChannelStream {
	reader, writer := io.Pipe()
	s := &DataChannelStream{
		pc:      pc,
		dc:      dc,
		reader:  reader,
		writer:  writer,
		drained: make(chan struct{}, 1),
		opened:  make(chan struct{}),
		closed:  make(chan struct{}),
	}

	dc.SetBufferedAmountLowThreshold(bufferedLowWater)
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drained <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		s.openOne.Do(func() { close(s.opened) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// Blocks until the reader consumes the data, which backpressures
		// the SCTP association.
		_, _ = s.writer.Write(msg.Data)
	})
	dc.OnClose(func() {
		_ = s.writer.Close()
	})
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		s.openOne.Do(func() { close(s.opened) })
	}
	return s
}

// Opened is closed once the data channel is open.
func (s *DataChannelStream) Opened() <-chan struct{} { return s.opened }

// Label returns the data channel label.
func (s *DataChannelStream) Label() string { return s.dc.Label() }

func (s *DataChannelStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *DataChannelStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	written := 0
	for written < len(p) {
		if err := s.waitForBuffer(); err != nil {
			return written, err
		}
		n := min(len(p)-written, MaxMessageSize)
		if err := s.dc.Send(bytes.Clone(p[written : written+n])); err != nil {
			if s.isClosed() {
				return written, io.ErrClosedPipe
			}
			return written, err
		}
		written += n
	}
	return written, nil
}

func (s *DataChannelStream) waitForBuffer() error {
	for s.dc.BufferedAmount() > bufferedHighWater {
		select {
		case <-s.drained:
		case <-s.closed:
			return io.ErrClosedPipe
		case <-time.After(100 * time.Millisecond):
		}
	}
	if s.isClosed() {
		return io.ErrClosedPipe
	}
	return nil
}

func (s *DataChannelStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close waits briefly for queued messages to be acknowledged, then tears
// down the data channel and the peer connection.
func (s *DataChannelStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(closeFlushTimeout)
		for s.dc.BufferedAmount() > 0 && time.Now().Before(deadline) {
			if s.dc.ReadyState() != webrtc.DataChannelStateOpen {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		close(s.closed)
		_ = s.reader.CloseWithError(io.ErrClosedPipe)
		_ = s.writer.Close()
		_ = s.dc.Close()
		err = s.pc.Close()
	})
	return err
}

// Abort tears the connection down without waiting for queued messages.
func (s *DataChannelStream) Abort() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.reader.CloseWithError(io.ErrClosedPipe)
		_ = s.writer.Close()
		_ = s.dc.Close()
		err = s.pc.Close()
	})
	return err
}

func (s *DataChannelStream) Kind() models.TransportKind { return models.TransportWebRTC }

// RemoteAddr returns the remote ICE candidate address once a pair is selected.
func (s *DataChannelStream) RemoteAddr() string {
	sctp := s.pc.SCTP()
	if sctp == nil || sctp.Transport() == nil || sctp.Transport().ICETransport() == nil {
		return "webrtc"
	}
	pair, err := sctp.Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil || pair.Remote == nil {
		return "webrtc"
	}
	return net.JoinHostPort(pair.Remote.Address, strconv.Itoa(int(pair.Remote.Port)))
}
