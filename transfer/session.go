package transfer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"unishare/apperr"
	"unishare/models"
	"unishare/transport"
)

// EventType distinguishes state transitions from progress updates.
type EventType string

const (
	EventState    EventType = "state"
	EventProgress EventType = "progress"
)

// Event is pushed to subscribers on every state change and after every
// acknowledged or accepted chunk.
type Event struct {
	Type    EventType              `json:"type"`
	Session models.SessionSnapshot `json:"session"`
}

// Ticket is returned when a session starts. Signal carries the signaling
// payload the user must relay for WebRTC sessions.
type Ticket struct {
	SessionID string `json:"session_id"`
	Signal    string `json:"signal,omitempty"`
}

// session is one transfer attempt. Its snapshot is mutated only under mu by
// the manager and the session goroutine.
type session struct {
	mu   sync.Mutex
	snap models.SessionSnapshot
	key  string
	err  error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	cancelled  bool
	committing bool
}

func (s *session) snapshot() models.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// markCancelled flags the session for cancellation. It reports false when
// the session already finished or is committing its result.
func (s *session) markCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.State.Terminal() || s.committing {
		return false
	}
	s.cancelled = true
	return true
}

// beginCommit stops cancellation from taking effect. It fails when the
// session was cancelled first.
func (s *session) beginCommit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return apperr.New(apperr.Cancelled, "commit", nil)
	}
	s.committing = true
	return nil
}

func (s *session) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// abortStream closes a stream without flushing when the stream supports it.
func abortStream(stream transport.Stream) {
	if aborter, ok := stream.(interface{ Abort() error }); ok {
		_ = aborter.Abort()
		return
	}
	_ = stream.Close()
}

// idleStream fails the transfer when no byte moves in either direction for
// longer than timeout.
type idleStream struct {
	transport.Stream
	timeout time.Duration
	last    atomic.Int64
	fired   atomic.Bool
	paused  atomic.Bool
	timer   *time.Timer
}

func watchIdle(stream transport.Stream, timeout time.Duration) *idleStream {
	s := &idleStream{Stream: stream, timeout: timeout}
	s.touch()
	s.timer = time.AfterFunc(time.Hour, s.check)
	s.timer.Reset(timeout)
	return s
}

func (s *idleStream) touch() { s.last.Store(time.Now().UnixNano()) }

func (s *idleStream) check() {
	if s.paused.Load() {
		return
	}
	idle := time.Since(time.Unix(0, s.last.Load()))
	if idle < s.timeout {
		s.timer.Reset(s.timeout - idle)
		return
	}
	s.fired.Store(true)
	abortStream(s.Stream)
}

func (s *idleStream) Read(p []byte) (int, error) {
	n, err := s.Stream.Read(p)
	if n > 0 {
		s.touch()
	}
	return n, err
}

func (s *idleStream) Write(p []byte) (int, error) {
	n, err := s.Stream.Write(p)
	if n > 0 {
		s.touch()
	}
	return n, err
}

func (s *idleStream) stop() { s.timer.Stop() }

// pause disarms the watchdog for the rest of the session. The stream is
// silent while the receiver verifies the assembled file.
func (s *idleStream) pause() {
	s.paused.Store(true)
	s.timer.Stop()
}

func (s *idleStream) idle() bool { return s.fired.Load() }
