// Package transfer owns transfer sessions: it enforces one active session per
// peer and transport, drives the chunked send and receive protocol over an
// established stream and publishes state and progress events.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"unishare/apperr"
	"unishare/codec"
	"unishare/events"
	"unishare/models"
	"unishare/signaling"
	"unishare/transport"
)

const (
	defaultWindowSize    = 8
	defaultChunkRetries  = 3
	defaultIdleTimeout   = 30 * time.Second
	defaultListenTimeout = 10 * time.Minute
	defaultRecentLimit   = 64
)

// Negotiator establishes WebRTC streams from manually relayed payloads.
type Negotiator interface {
	CreateOffer(ctx context.Context, sessionID string) (string, error)
	AcceptOffer(ctx context.Context, sessionID, offer string) (string, error)
	CompleteWithAnswer(ctx context.Context, sessionID, answer string) error
	Await(ctx context.Context, sessionID string) (transport.Stream, error)
	Reset(sessionID string)
}

// HistorySink archives sessions that reached a terminal state.
type HistorySink interface {
	RecordTransfer(record models.TransferRecord) error
}

// Options configures a Manager.
type Options struct {
	Transports transport.Set
	Negotiator Negotiator
	History    HistorySink

	// DownloadDir receives completed files.
	DownloadDir string
	// Binds overrides the listen address per transport kind.
	Binds map[models.TransportKind]string

	ChunkSize       int
	WindowSize      int
	MaxChunkRetries int
	IdleTimeout     time.Duration
	ListenTimeout   time.Duration
	RecentLimit     int

	Logger *logrus.Entry
}

// Manager is the process-wide session table.
type Manager struct {
	options Options
	log     *logrus.Entry
	hub     *events.Hub[Event]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	active   map[string]*session
	keys     map[string]string
	recent   []*session
	reserved map[string]struct{}
	closed   bool
}

// NewManager creates a manager with validated configuration.
func NewManager(options Options) (*Manager, error) {
	if len(options.Transports) == 0 {
		return nil, errors.New("transfer: at least one transport is required")
	}
	if options.DownloadDir == "" {
		return nil, errors.New("transfer: download dir is required")
	}
	if options.ChunkSize <= 0 {
		options.ChunkSize = codec.DefaultChunkSize
	}
	if options.ChunkSize > codec.MaxChunkSize {
		return nil, fmt.Errorf("transfer: chunk size %d exceeds %d", options.ChunkSize, codec.MaxChunkSize)
	}
	if options.WindowSize <= 0 {
		options.WindowSize = defaultWindowSize
	}
	if options.MaxChunkRetries <= 0 {
		options.MaxChunkRetries = defaultChunkRetries
	}
	if options.IdleTimeout <= 0 {
		options.IdleTimeout = defaultIdleTimeout
	}
	if options.ListenTimeout <= 0 {
		options.ListenTimeout = defaultListenTimeout
	}
	if options.RecentLimit <= 0 {
		options.RecentLimit = defaultRecentLimit
	}
	if options.Logger == nil {
		options.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		options:  options,
		log:      options.Logger.WithField("component", "transfer"),
		hub:      events.NewHub[Event](256),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*session),
		keys:     make(map[string]string),
		reserved: make(map[string]struct{}),
	}, nil
}

// Subscribe returns a channel of session events and a func that ends the
// subscription. Slow subscribers miss events rather than stall transfers.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.hub.Subscribe()
}

// BeginSend starts sending path to destination over kind. For WebRTC the
// destination is unused and the ticket carries the offer payload; the
// transfer starts once CompleteSignaling applies the answer.
func (m *Manager) BeginSend(ctx context.Context, path, destination string, kind models.TransportKind) (Ticket, error) {
	op := fmt.Sprintf("send %s over %s", path, kind)
	if !kind.Valid() {
		return Ticket{}, apperr.Errorf(apperr.TransportUnavailable, op, "unknown transport %q", kind)
	}
	t, err := m.options.Transports.Get(kind)
	if err != nil {
		return Ticket{}, err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Ticket{}, apperr.New(apperr.FileNotFound, op, err)
	}
	if info, err := os.Stat(absPath); err == nil {
		if _, err := codec.ChunkCount(uint64(info.Size()), m.options.ChunkSize); err != nil {
			return Ticket{}, apperr.New(apperr.FileNotFound, op, err)
		}
	}
	meta, err := codec.Describe(absPath)
	if err != nil {
		return Ticket{}, err
	}

	var key, peer string
	if kind == models.TransportWebRTC {
		peer = "offer:" + absPath
		key = string(kind) + "|" + peer
	} else {
		if strings.TrimSpace(destination) == "" {
			return Ticket{}, apperr.Errorf(apperr.ConnectFailed, op, "destination is required")
		}
		peer = normalizePeer(t, destination)
		key = string(kind) + "|" + peer
	}

	s, err := m.register(key, models.SessionSnapshot{
		Direction: models.DirectionSend,
		Transport: kind,
		Peer:      peer,
		File:      meta,
		State:     models.StateConnecting,
		Path:      absPath,
	})
	if err != nil {
		return Ticket{}, err
	}
	ticket := Ticket{SessionID: s.snap.ID}

	var open func(context.Context) (transport.Stream, error)
	if kind == models.TransportWebRTC {
		if m.options.Negotiator == nil {
			err := apperr.Errorf(apperr.TransportUnavailable, op, "no signaling coordinator configured")
			m.finish(s, err)
			return Ticket{}, err
		}
		offer, err := m.options.Negotiator.CreateOffer(ctx, ticket.SessionID)
		if err != nil {
			m.finish(s, err)
			return Ticket{}, err
		}
		ticket.Signal = offer
		open = func(ctx context.Context) (transport.Stream, error) {
			return m.options.Negotiator.Await(ctx, ticket.SessionID)
		}
	} else {
		open = func(ctx context.Context) (transport.Stream, error) {
			return t.Connect(ctx, destination)
		}
	}

	m.start(s, open, m.send)
	return ticket, nil
}

// BeginReceive starts a receiving session. Tcp and Bluetooth sessions listen
// on the transport's fixed port and accept one peer; WebRTC sessions answer
// offer and the ticket carries the answer payload.
func (m *Manager) BeginReceive(ctx context.Context, kind models.TransportKind, offer string) (Ticket, error) {
	op := fmt.Sprintf("receive over %s", kind)
	if !kind.Valid() {
		return Ticket{}, apperr.Errorf(apperr.TransportUnavailable, op, "unknown transport %q", kind)
	}
	t, err := m.options.Transports.Get(kind)
	if err != nil {
		return Ticket{}, err
	}

	if kind == models.TransportWebRTC {
		return m.beginAnswer(ctx, offer)
	}

	bind := m.options.Binds[kind]
	peer := "listen:" + bind
	s, err := m.register(string(kind)+"|"+peer, models.SessionSnapshot{
		Direction: models.DirectionReceive,
		Transport: kind,
		Peer:      peer,
		State:     models.StateListening,
	})
	if err != nil {
		return Ticket{}, err
	}

	listener, err := t.Listen(ctx, bind)
	if err != nil {
		m.finish(s, err)
		return Ticket{}, err
	}
	m.update(s, func(snap *models.SessionSnapshot) {
		snap.LocalAddr = listener.Addr()
	})

	open := func(ctx context.Context) (transport.Stream, error) {
		defer listener.Close()
		acceptCtx, cancel := context.WithTimeout(ctx, m.options.ListenTimeout)
		defer cancel()
		stream, err := listener.Accept(acceptCtx)
		if err != nil && ctx.Err() == nil && errors.Is(acceptCtx.Err(), context.DeadlineExceeded) {
			return nil, apperr.Errorf(apperr.ConnectFailed, "accept on "+listener.Addr(), "no peer connected within %s", m.options.ListenTimeout)
		}
		return stream, err
	}
	m.start(s, open, m.receive)
	return Ticket{SessionID: s.snap.ID}, nil
}

func (m *Manager) beginAnswer(ctx context.Context, offer string) (Ticket, error) {
	if m.options.Negotiator == nil {
		return Ticket{}, apperr.Errorf(apperr.TransportUnavailable, "receive over webrtc", "no signaling coordinator configured")
	}
	decoded, err := signaling.DecodePayload(offer)
	if err != nil {
		return Ticket{}, err
	}

	peer := "offer:" + decoded.PeerRef()
	s, err := m.register(string(models.TransportWebRTC)+"|"+peer, models.SessionSnapshot{
		Direction: models.DirectionReceive,
		Transport: models.TransportWebRTC,
		Peer:      peer,
		State:     models.StateConnecting,
	})
	if err != nil {
		return Ticket{}, err
	}
	id := s.snap.ID

	answer, err := m.options.Negotiator.AcceptOffer(ctx, id, offer)
	if err != nil {
		m.finish(s, err)
		return Ticket{}, err
	}

	open := func(ctx context.Context) (transport.Stream, error) {
		return m.options.Negotiator.Await(ctx, id)
	}
	m.start(s, open, m.receive)
	return Ticket{SessionID: id, Signal: answer}, nil
}

// CompleteSignaling applies the answer to the WebRTC send session id and
// blocks until the data channel opens or negotiation fails. A malformed
// answer leaves the session waiting for a correct one.
func (m *Manager) CompleteSignaling(ctx context.Context, id, answer string) error {
	s, ok := m.lookupActive(id)
	if !ok {
		return apperr.Errorf(apperr.SessionNotFound, "complete signaling", "no active session %s", id)
	}
	snap := s.snapshot()
	if snap.Transport != models.TransportWebRTC || snap.Direction != models.DirectionSend {
		return apperr.Errorf(apperr.SignalingStateError, "complete signaling", "session %s is not a webrtc send", id)
	}
	if snap.State != models.StateConnecting {
		return apperr.Errorf(apperr.SignalingStateError, "complete signaling", "session %s is %s", id, snap.State)
	}
	return m.options.Negotiator.CompleteWithAnswer(ctx, id, answer)
}

// FindSending returns the active send session for path over kind.
func (m *Manager) FindSending(path string, kind models.TransportKind) (string, bool) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.active {
		snap := s.snapshot()
		if snap.Direction == models.DirectionSend && snap.Transport == kind && snap.Path == absPath {
			return snap.ID, true
		}
	}
	return "", false
}

// Cancel moves a non-terminal session to cancelled, closes its stream,
// discards partial output and waits for the session to wind down. Cancelling
// a finished session is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	s, ok := m.lookupActive(id)
	if !ok {
		if _, found := m.Snapshot(id); found {
			return nil
		}
		return apperr.Errorf(apperr.SessionNotFound, "cancel", "no session %s", id)
	}
	if !s.markCancelled() {
		return nil
	}

	m.log.WithField("session", id).Info("cancelling transfer")
	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return apperr.New(apperr.Cancelled, "cancel "+id, ctx.Err())
	}
}

// Wait blocks until session id is terminal and returns its final snapshot
// and, for failed and cancelled sessions, the classified error.
func (m *Manager) Wait(ctx context.Context, id string) (models.SessionSnapshot, error) {
	s, ok := m.lookup(id)
	if !ok {
		return models.SessionSnapshot{}, apperr.Errorf(apperr.SessionNotFound, "wait", "no session %s", id)
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return s.snapshot(), apperr.New(apperr.Cancelled, "wait "+id, ctx.Err())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.err
}

// Snapshot returns a consistent copy of session id.
func (m *Manager) Snapshot(id string) (models.SessionSnapshot, bool) {
	s, ok := m.lookup(id)
	if !ok {
		return models.SessionSnapshot{}, false
	}
	return s.snapshot(), true
}

// Active lists non-terminal sessions, oldest first.
func (m *Manager) Active() []models.SessionSnapshot {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	return sortedSnapshots(sessions)
}

// List returns active and recently finished sessions, oldest first.
func (m *Manager) List() []models.SessionSnapshot {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.active)+len(m.recent))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	sessions = append(sessions, m.recent...)
	m.mu.Unlock()
	return sortedSnapshots(sessions)
}

// Close cancels every active session, waits for them and closes event
// subscriptions.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Cancel(context.Background(), id)
	}
	m.cancel()
	m.wg.Wait()
	m.hub.Close()
	return nil
}

func sortedSnapshots(sessions []*session) []models.SessionSnapshot {
	out := make([]models.SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	slices.SortFunc(out, func(a, b models.SessionSnapshot) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// normalizePeer maps the spellings of one destination to a single conflict
// key.
func normalizePeer(t transport.Transport, destination string) string {
	if keyed, ok := t.(interface{ PeerKey(string) string }); ok {
		return keyed.PeerKey(destination)
	}
	return strings.ToLower(strings.TrimSpace(destination))
}

// register creates a session and claims key, failing with SessionConflict
// when another active session holds it.
func (m *Manager) register(key string, snap models.SessionSnapshot) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, apperr.Errorf(apperr.Cancelled, "register session", "manager closed")
	}
	if existing, ok := m.keys[key]; ok {
		return nil, apperr.Errorf(apperr.SessionConflict, "register session",
			"session %s is already active for %s over %s", existing, snap.Peer, snap.Transport)
	}

	now := time.Now()
	snap.ID = uuid.NewString()
	snap.CreatedAt = now
	snap.UpdatedAt = now

	ctx, cancel := context.WithCancel(m.ctx)
	s := &session{
		snap:   snap,
		key:    key,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.active[snap.ID] = s
	m.keys[key] = snap.ID

	m.log.WithFields(logrus.Fields{
		"session":   snap.ID,
		"direction": snap.Direction,
		"transport": snap.Transport,
		"peer":      snap.Peer,
	}).Info("session created")
	m.hub.Publish(Event{Type: EventState, Session: snap})
	return s, nil
}

func (m *Manager) lookupActive(id string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[id]
	return s, ok
}

func (m *Manager) lookup(id string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.active[id]; ok {
		return s, true
	}
	for _, s := range m.recent {
		if s.snap.ID == id {
			return s, true
		}
	}
	return nil, false
}

// start runs the session goroutine: open a stream, drive the transfer over
// it, then finish the session.
func (m *Manager) start(s *session, open func(context.Context) (transport.Stream, error), drive func(context.Context, *session, *idleStream) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		stream, err := open(s.ctx)
		if err == nil {
			err = m.runStream(s, stream, drive)
		}
		m.finish(s, err)
	}()
}

func (m *Manager) runStream(s *session, stream transport.Stream, drive func(context.Context, *session, *idleStream) error) error {
	watched := watchIdle(stream, m.options.IdleTimeout)
	defer watched.stop()
	stop := context.AfterFunc(s.ctx, func() { abortStream(stream) })
	defer stop()

	m.update(s, func(snap *models.SessionSnapshot) {
		snap.RemoteAddr = stream.RemoteAddr()
		if strings.HasPrefix(snap.Peer, "listen:") {
			snap.Peer = stream.RemoteAddr()
		}
	})

	err := drive(s.ctx, s, watched)
	if err != nil {
		abortStream(stream)
		if watched.idle() && !s.isCancelled() {
			err = apperr.Errorf(apperr.ConnectFailed, "transfer", "no data from peer for %s", m.options.IdleTimeout)
		}
		return err
	}
	if err := stream.Close(); err != nil {
		m.log.WithField("session", s.snap.ID).WithError(err).Debug("close stream")
	}
	return nil
}

// update mutates the snapshot of a non-terminal session and publishes a
// state event.
func (m *Manager) update(s *session, mutate func(*models.SessionSnapshot)) {
	s.mu.Lock()
	if s.snap.State.Terminal() {
		s.mu.Unlock()
		return
	}
	mutate(&s.snap)
	s.snap.UpdatedAt = time.Now()
	snap := s.snap
	s.mu.Unlock()
	m.hub.Publish(Event{Type: EventState, Session: snap})
}

// transition moves a non-terminal session to state.
func (m *Manager) transition(s *session, state models.SessionState) bool {
	s.mu.Lock()
	if s.snap.State.Terminal() || s.snap.State == state {
		s.mu.Unlock()
		return false
	}
	from := s.snap.State
	s.snap.State = state
	s.snap.UpdatedAt = time.Now()
	snap := s.snap
	s.mu.Unlock()

	m.log.WithFields(logrus.Fields{"session": snap.ID, "from": from, "to": state}).Debug("session state")
	m.hub.Publish(Event{Type: EventState, Session: snap})
	return true
}

// progress raises bytesTransferred; it never decreases nor exceeds the file size.
func (m *Manager) progress(s *session, bytes uint64) {
	s.mu.Lock()
	if s.snap.State.Terminal() || bytes <= s.snap.BytesTransferred {
		s.mu.Unlock()
		return
	}
	s.snap.BytesTransferred = min(bytes, s.snap.File.SizeBytes)
	s.snap.UpdatedAt = time.Now()
	snap := s.snap
	s.mu.Unlock()
	m.hub.Publish(Event{Type: EventProgress, Session: snap})
}

// finish moves s to its terminal state, releases its key and archives it.
func (m *Manager) finish(s *session, err error) {
	s.mu.Lock()
	if s.snap.State.Terminal() {
		s.mu.Unlock()
		return
	}
	switch {
	case s.cancelled:
		s.snap.State = models.StateCancelled
		if apperr.KindOf(err) != apperr.Cancelled {
			err = apperr.Errorf(apperr.Cancelled, "transfer", "cancelled by user")
		}
	case err == nil:
		s.snap.State = models.StateCompleted
	case apperr.KindOf(err) == apperr.Cancelled:
		s.snap.State = models.StateCancelled
	default:
		s.snap.State = models.StateFailed
	}
	if err != nil {
		s.snap.ErrorKind = string(apperr.KindOf(err))
		s.snap.Error = err.Error()
	}
	s.err = err
	s.snap.UpdatedAt = time.Now()
	snap := s.snap
	s.mu.Unlock()

	s.cancel()
	if err != nil && snap.Transport == models.TransportWebRTC && m.options.Negotiator != nil {
		m.options.Negotiator.Reset(snap.ID)
	}

	m.mu.Lock()
	delete(m.active, snap.ID)
	if m.keys[s.key] == snap.ID {
		delete(m.keys, s.key)
	}
	m.recent = append(m.recent, s)
	if len(m.recent) > m.options.RecentLimit {
		m.recent = slices.Delete(m.recent, 0, len(m.recent)-m.options.RecentLimit)
	}
	m.mu.Unlock()

	entry := m.log.WithFields(logrus.Fields{
		"session":   snap.ID,
		"direction": snap.Direction,
		"transport": snap.Transport,
		"state":     snap.State,
		"bytes":     snap.BytesTransferred,
	})
	if err != nil {
		entry.WithError(err).Warn("session finished")
	} else {
		entry.Info("session finished")
	}

	if m.options.History != nil {
		if err := m.options.History.RecordTransfer(snap.Record()); err != nil {
			m.log.WithField("session", snap.ID).WithError(err).Warn("archive transfer")
		}
	}
	m.hub.Publish(Event{Type: EventState, Session: snap})
	close(s.done)
}

// reservePath picks a free name for name in the download dir. Names held by
// in-flight receptions count as taken.
func (m *Manager) reservePath(name string) (string, func()) {
	name = safeName(name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		full := filepath.Join(m.options.DownloadDir, candidate)
		if _, taken := m.reserved[full]; taken {
			continue
		}
		if exists(full) || exists(full+codec.PartialSuffix) {
			continue
		}
		m.reserved[full] = struct{}{}
		return full, func() {
			m.mu.Lock()
			delete(m.reserved, full)
			m.mu.Unlock()
		}
	}
}
