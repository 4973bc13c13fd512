// Package signaling drives the WebRTC offer/answer exchange for manually
// relayed signaling payloads and hands the negotiated data channel over as a
// transport stream.
package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"unishare/apperr"
	"unishare/transport"
)

// State is the lifecycle state of one signaling exchange.
type State string

const (
	StateIdle          State = "idle"
	StateOfferCreated  State = "offer_created"
	StateAwaiting      State = "awaiting_answer"
	StateOfferReceived State = "offer_received"
	StateAnswerCreated State = "answer_created"
	StateConnected     State = "connected"
	StateClosed        State = "closed"
	StateFailed        State = "failed"
)

// Role tells which side of the exchange the local peer plays.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// DataChannelLabel is the label of the file transfer data channel.
const DataChannelLabel = "file-transfer"

const (
	DefaultGatherTimeout      = 10 * time.Second
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultAnswerTimeout      = 5 * time.Minute
)

// Options configures a Coordinator.
type Options struct {
	// ICEServers are STUN/TURN URLs handed to the peer connection as is.
	ICEServers []string
	// GatherTimeout bounds ICE candidate gathering before a payload is emitted.
	GatherTimeout time.Duration
	// NegotiationTimeout bounds the wait for the data channel after the
	// offerer applies the answer.
	NegotiationTimeout time.Duration
	// AnswerTimeout bounds how long an exchange may wait for the other side
	// to relay its payload back.
	AnswerTimeout time.Duration
	// IncludeLoopback gathers loopback candidates, for same-host peers.
	IncludeLoopback bool
	Logger          *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.GatherTimeout <= 0 {
		o.GatherTimeout = DefaultGatherTimeout
	}
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if o.AnswerTimeout <= 0 {
		o.AnswerTimeout = DefaultAnswerTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// Coordinator owns every signaling exchange of the process until its data
// channel is handed to the caller.
type Coordinator struct {
	opts Options
	api  *webrtc.API
	log  *logrus.Entry

	mu        sync.Mutex
	exchanges map[string]*exchange
	closed    bool
}

type exchange struct {
	id        string
	role      Role
	state     State
	remoteRef string
	applying  bool

	pc       *webrtc.PeerConnection
	stream   *transport.DataChannelStream
	incoming chan *transport.DataChannelStream

	pcFailed     chan struct{}
	pcFailedOnce sync.Once
	done         chan struct{}
	err          error
	abort        chan struct{}
	abortOnce    sync.Once
	answerTimer  *time.Timer
}

// NewCoordinator builds a coordinator backed by a pion API configured from opts.
func NewCoordinator(opts Options) *Coordinator {
	opts = opts.withDefaults()

	settings := webrtc.SettingEngine{}
	if opts.IncludeLoopback {
		settings.SetIncludeLoopbackCandidate(true)
	}

	return &Coordinator{
		opts:      opts,
		api:       webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		log:       opts.Logger.WithField("component", "signaling"),
		exchanges: make(map[string]*exchange),
	}
}

// State returns the state of the exchange for sessionID. Unknown and
// handed-off exchanges are idle.
func (c *Coordinator) State(sessionID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ex, ok := c.exchanges[sessionID]; ok {
		return ex.state
	}
	return StateIdle
}

// CreateOffer starts an exchange as offerer and returns the offer payload.
func (c *Coordinator) CreateOffer(ctx context.Context, sessionID string) (string, error) {
	const op = "create offer"
	ex, err := c.register(sessionID, RoleOfferer, StateOfferCreated, "")
	if err != nil {
		return "", apperr.Ensure(apperr.SignalingStateError, op, err)
	}

	pc, err := c.newPeerConnection(ex)
	if err != nil {
		return "", c.abandon(ex, apperr.New(apperr.ConnectionNegotiationFailed, op, err))
	}

	ordered := true
	dc, err := pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return "", c.abandon(ex, apperr.New(apperr.ConnectionNegotiationFailed, op, err))
	}
	c.mu.Lock()
	ex.stream = transport.NewDataChannelStream(pc, dc)
	c.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", c.abandon(ex, apperr.New(apperr.ConnectionNegotiationFailed, op, err))
	}
	local, err := c.gather(ctx, pc, offer)
	if err != nil {
		return "", c.abandon(ex, apperr.Ensure(apperr.ConnectionNegotiationFailed, op, err))
	}
	payload, err := EncodePayload(sessionID, local)
	if err != nil {
		return "", c.abandon(ex, apperr.New(apperr.Internal, op, err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ex.state != StateOfferCreated {
		return "", apperr.Errorf(apperr.SignalingStateError, op, "exchange %s was reset", sessionID)
	}
	ex.state = StateAwaiting
	ex.answerTimer = time.AfterFunc(c.opts.AnswerTimeout, func() {
		c.mu.Lock()
		waiting := ex.state == StateAwaiting && !ex.applying
		c.mu.Unlock()
		if waiting {
			c.fail(ex, apperr.Errorf(apperr.NegotiationTimeout, "await answer", "no answer within %s", c.opts.AnswerTimeout))
		}
	})
	c.log.WithFields(logrus.Fields{"session": sessionID, "role": RoleOfferer}).Debug("offer created")
	return payload, nil
}

// AcceptOffer starts an exchange as answerer and returns the answer payload.
// The answer carries the offer's session id so the offerer can match it.
func (c *Coordinator) AcceptOffer(ctx context.Context, sessionID, offerPayload string) (string, error) {
	const op = "accept offer"
	if err := c.checkIdle(sessionID, op); err != nil {
		return "", err
	}
	offer, err := DecodePayload(offerPayload)
	if err != nil {
		return "", err
	}
	if offer.Description.Type != webrtc.SDPTypeOffer {
		return "", apperr.Errorf(apperr.MalformedSignalingPayload, op, "expected an offer, got %s", offer.Description.Type.String())
	}

	ex, err := c.register(sessionID, RoleAnswerer, StateOfferReceived, offer.PeerRef())
	if err != nil {
		return "", apperr.Ensure(apperr.SignalingStateError, op, err)
	}
	pc, err := c.newPeerConnection(ex)
	if err != nil {
		return "", c.abandon(ex, apperr.New(apperr.ConnectionNegotiationFailed, op, err))
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			c.log.WithFields(logrus.Fields{"session": sessionID, "label": dc.Label()}).Warn("ignoring unexpected data channel")
			return
		}
		// Wrapping synchronously registers the message handler before any
		// message can be delivered.
		stream := transport.NewDataChannelStream(pc, dc)
		select {
		case ex.incoming <- stream:
		default:
		}
	})

	if err := pc.SetRemoteDescription(offer.Description); err != nil {
		return "", c.abandon(ex, apperr.New(apperr.MalformedSignalingPayload, op, err))
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", c.abandon(ex, apperr.New(apperr.ConnectionNegotiationFailed, op, err))
	}
	local, err := c.gather(ctx, pc, answer)
	if err != nil {
		return "", c.abandon(ex, apperr.Ensure(apperr.ConnectionNegotiationFailed, op, err))
	}
	replyID := offer.SessionID
	if replyID == "" {
		replyID = sessionID
	}
	payload, err := EncodePayload(replyID, local)
	if err != nil {
		return "", c.abandon(ex, apperr.New(apperr.Internal, op, err))
	}

	c.mu.Lock()
	if ex.state != StateOfferReceived {
		c.mu.Unlock()
		return "", apperr.Errorf(apperr.SignalingStateError, op, "exchange %s was reset", sessionID)
	}
	ex.state = StateAnswerCreated
	c.mu.Unlock()

	go c.watch(ex, c.opts.AnswerTimeout)
	c.log.WithFields(logrus.Fields{"session": sessionID, "role": RoleAnswerer, "peer": ex.remoteRef}).Debug("answer created")
	return payload, nil
}

// CompleteWithAnswer applies the answer to an offer created by CreateOffer
// and blocks until the data channel opens, negotiation fails or times out.
// It never replaces an existing connection.
func (c *Coordinator) CompleteWithAnswer(ctx context.Context, sessionID, answerPayload string) error {
	const op = "complete with answer"

	c.mu.Lock()
	ex, ok := c.exchanges[sessionID]
	switch {
	case !ok:
		c.mu.Unlock()
		return apperr.Errorf(apperr.SignalingStateError, op, "no offer exists for session %s", sessionID)
	case ex.role != RoleOfferer:
		c.mu.Unlock()
		return apperr.Errorf(apperr.SignalingStateError, op, "session %s is an answerer", sessionID)
	case ex.state == StateConnected:
		c.mu.Unlock()
		return apperr.Errorf(apperr.SignalingStateError, op, "session %s is already connected", sessionID)
	case ex.state != StateAwaiting || ex.applying:
		state := ex.state
		c.mu.Unlock()
		return apperr.Errorf(apperr.SignalingStateError, op, "session %s is %s", sessionID, state)
	}
	ex.applying = true
	c.mu.Unlock()

	answer, err := DecodePayload(answerPayload)
	if err == nil && answer.Description.Type != webrtc.SDPTypeAnswer {
		err = apperr.Errorf(apperr.MalformedSignalingPayload, op, "expected an answer, got %s", answer.Description.Type.String())
	}
	if err == nil && answer.SessionID != "" && answer.SessionID != sessionID {
		err = apperr.Errorf(apperr.MalformedSignalingPayload, op, "answer belongs to session %s", answer.SessionID)
	}
	if err != nil {
		// A bad paste leaves the offer waiting for a correct answer.
		c.mu.Lock()
		ex.applying = false
		c.mu.Unlock()
		return err
	}

	if err := ex.pc.SetRemoteDescription(answer.Description); err != nil {
		return c.abandon(ex, apperr.New(apperr.ConnectionNegotiationFailed, op, err))
	}
	c.mu.Lock()
	ex.remoteRef = answer.PeerRef()
	if ex.answerTimer != nil {
		ex.answerTimer.Stop()
	}
	c.mu.Unlock()

	go c.watch(ex, c.opts.NegotiationTimeout)

	select {
	case <-ex.done:
		return ex.err
	case <-ctx.Done():
		err := apperr.New(apperr.Cancelled, op, ctx.Err())
		c.fail(ex, err)
		return err
	}
}

// Await blocks until the exchange for sessionID is connected and hands its
// stream to the caller. The exchange is discarded afterwards; the caller owns
// the stream.
func (c *Coordinator) Await(ctx context.Context, sessionID string) (transport.Stream, error) {
	const op = "await connection"
	c.mu.Lock()
	ex, ok := c.exchanges[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil, apperr.Errorf(apperr.SignalingStateError, op, "no exchange for session %s", sessionID)
	}

	select {
	case <-ex.done:
	case <-ctx.Done():
		err := apperr.New(apperr.Cancelled, op, ctx.Err())
		c.fail(ex, err)
		return nil, err
	}
	if ex.err != nil {
		return nil, ex.err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exchanges[sessionID] != ex {
		return nil, apperr.Errorf(apperr.SignalingStateError, op, "session %s was already handed off", sessionID)
	}
	delete(c.exchanges, sessionID)
	ex.state = StateClosed
	return ex.stream, nil
}

// Reset discards the exchange for sessionID and closes its connection unless
// it was already handed off.
func (c *Coordinator) Reset(sessionID string) {
	c.mu.Lock()
	ex, ok := c.exchanges[sessionID]
	if ok {
		delete(c.exchanges, sessionID)
	}
	c.mu.Unlock()
	if ok {
		c.teardown(ex, StateClosed, apperr.Errorf(apperr.Cancelled, "reset", "exchange %s reset", sessionID))
	}
}

// Close resets every exchange and rejects new ones.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	pending := make([]string, 0, len(c.exchanges))
	for id := range c.exchanges {
		pending = append(pending, id)
	}
	c.mu.Unlock()

	for _, id := range pending {
		c.Reset(id)
	}
	return nil
}

func (c *Coordinator) checkIdle(sessionID, op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return apperr.Errorf(apperr.SignalingStateError, op, "coordinator closed")
	}
	if ex, ok := c.exchanges[sessionID]; ok {
		return apperr.Errorf(apperr.SignalingStateError, op, "session %s is %s", sessionID, ex.state)
	}
	return nil
}

func (c *Coordinator) register(sessionID string, role Role, state State, remoteRef string) (*exchange, error) {
	if sessionID == "" {
		return nil, errors.New("signaling: empty session id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, apperr.Errorf(apperr.SignalingStateError, "register", "coordinator closed")
	}
	if ex, ok := c.exchanges[sessionID]; ok {
		return nil, apperr.Errorf(apperr.SignalingStateError, "register", "session %s is %s", sessionID, ex.state)
	}
	ex := &exchange{
		id:        sessionID,
		role:      role,
		state:     state,
		remoteRef: remoteRef,
		incoming:  make(chan *transport.DataChannelStream, 1),
		pcFailed:  make(chan struct{}),
		done:      make(chan struct{}),
		abort:     make(chan struct{}),
	}
	c.exchanges[sessionID] = ex
	return ex, nil
}

func (c *Coordinator) newPeerConnection(ex *exchange) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(c.opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: c.opts.ICEServers}}
	}
	pc, err := c.api.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.WithFields(logrus.Fields{"session": ex.id, "state": state.String()}).Debug("peer connection state")
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			ex.pcFailedOnce.Do(func() { close(ex.pcFailed) })
		}
	})

	c.mu.Lock()
	ex.pc = pc
	c.mu.Unlock()
	return pc, nil
}

// gather sets desc as local description and waits for ICE gathering so the
// payload carries every candidate; there is no trickle channel.
func (c *Coordinator) gather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	complete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, err
	}

	timer := time.NewTimer(c.opts.GatherTimeout)
	defer timer.Stop()
	select {
	case <-complete:
	case <-timer.C:
		c.log.WithField("timeout", c.opts.GatherTimeout.String()).Warn("ICE gathering incomplete, using candidates found so far")
	case <-ctx.Done():
		return webrtc.SessionDescription{}, apperr.New(apperr.Cancelled, "gather candidates", ctx.Err())
	}

	local := pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("signaling: no local description after gathering")
	}
	return *local, nil
}

// watch waits for the data channel to open and finishes the exchange.
func (c *Coordinator) watch(ex *exchange, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	c.mu.Lock()
	stream := ex.stream
	c.mu.Unlock()
	var opened <-chan struct{}
	if stream != nil {
		opened = stream.Opened()
	}

	for {
		select {
		case s := <-ex.incoming:
			c.mu.Lock()
			ex.stream = s
			c.mu.Unlock()
			stream = s
			opened = s.Opened()
		case <-opened:
			c.connected(ex)
			return
		case <-ex.pcFailed:
			c.fail(ex, apperr.Errorf(apperr.ConnectionNegotiationFailed, "negotiate", "peer connection failed"))
			return
		case <-timer.C:
			c.fail(ex, apperr.Errorf(apperr.NegotiationTimeout, "negotiate", "data channel not open within %s", timeout))
			return
		case <-ex.abort:
			return
		}
	}
}

func (c *Coordinator) connected(ex *exchange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ex.state == StateFailed || ex.state == StateClosed || ex.state == StateConnected {
		return
	}
	ex.state = StateConnected
	ex.applying = false
	close(ex.done)
	c.log.WithFields(logrus.Fields{"session": ex.id, "role": ex.role, "peer": ex.remoteRef}).Info("data channel open")
}

// abandon fails ex with err and returns err.
func (c *Coordinator) abandon(ex *exchange, err error) error {
	c.fail(ex, err)
	return err
}

// fail records err on a non-terminal exchange and closes its connection.
func (c *Coordinator) fail(ex *exchange, err error) {
	c.teardown(ex, StateFailed, err)
}

func (c *Coordinator) teardown(ex *exchange, state State, err error) {
	c.mu.Lock()
	if ex.state == StateFailed || ex.state == StateClosed {
		c.mu.Unlock()
		return
	}
	wasConnected := ex.state == StateConnected
	ex.state = state
	if !wasConnected {
		ex.err = err
		close(ex.done)
	}
	if ex.answerTimer != nil {
		ex.answerTimer.Stop()
	}
	pc, stream := ex.pc, ex.stream
	c.mu.Unlock()

	ex.abortOnce.Do(func() { close(ex.abort) })
	if state == StateFailed {
		c.log.WithFields(logrus.Fields{"session": ex.id, "role": ex.role}).WithError(err).Warn("signaling failed")
	}
	switch {
	case stream != nil:
		_ = stream.Abort()
	case pc != nil:
		_ = pc.Close()
	}
}
