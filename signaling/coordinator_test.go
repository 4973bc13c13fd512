package signaling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unishare/apperr"
	"unishare/transport"
)

func newTestCoordinator(opts Options) *Coordinator {
	opts.IncludeLoopback = true
	if opts.GatherTimeout == 0 {
		opts.GatherTimeout = 3 * time.Second
	}
	if opts.NegotiationTimeout == 0 {
		opts.NegotiationTimeout = 15 * time.Second
	}
	return NewCoordinator(opts)
}

// rawOffer produces an unrelayed offer description without gathering.
func rawOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	_, err = pc.CreateDataChannel(DataChannelLabel, nil)
	require.NoError(t, err)
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	return offer
}

func TestDecodePayloadFormats(t *testing.T) {
	offer := rawOffer(t)

	encoded, err := EncodePayload("session-1", offer)
	require.NoError(t, err)
	decoded, err := DecodePayload(encoded)
	require.NoError(t, err)
	assert.Equal(t, "session-1", decoded.SessionID)
	assert.Equal(t, "session-1", decoded.PeerRef())
	assert.Equal(t, offer.SDP, decoded.Description.SDP)

	bare, err := json.Marshal(offer)
	require.NoError(t, err)
	decoded, err = DecodePayload(string(bare))
	require.NoError(t, err)
	assert.Empty(t, decoded.SessionID)
	assert.Contains(t, decoded.PeerRef(), "sdp-")

	decoded, err = DecodePayload(base64.StdEncoding.EncodeToString(bare))
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, decoded.Description.Type)

	wrapped := encoded[:20] + "\n" + encoded[20:]
	_, err = DecodePayload(wrapped)
	assert.NoError(t, err)
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	for _, bad := range []string{
		"",
		"not a payload",
		"{}",
		`{"type":"offer","sdp":""}`,
		`{"type":"offer","sdp":"garbage"}`,
		base64.StdEncoding.EncodeToString([]byte(`{"v":1,"description":{"type":"rollback","sdp":"x"}}`)),
	} {
		_, err := DecodePayload(bad)
		assert.ErrorIs(t, err, apperr.MalformedSignalingPayload, "payload %q", bad)
	}
}

func TestCompleteWithAnswerBeforeOffer(t *testing.T) {
	c := newTestCoordinator(Options{})
	defer c.Close()

	err := c.CompleteWithAnswer(context.Background(), "nope", "anything")
	assert.ErrorIs(t, err, apperr.SignalingStateError)
	assert.Equal(t, StateIdle, c.State("nope"))
}

func TestCreateOfferTwiceFails(t *testing.T) {
	c := newTestCoordinator(Options{})
	defer c.Close()
	ctx := context.Background()

	payload, err := c.CreateOffer(ctx, "s1")
	require.NoError(t, err)
	assert.NotEmpty(t, payload)
	assert.Equal(t, StateAwaiting, c.State("s1"))

	_, err = c.CreateOffer(ctx, "s1")
	assert.ErrorIs(t, err, apperr.SignalingStateError)

	c.Reset("s1")
	assert.Equal(t, StateIdle, c.State("s1"))
	_, err = c.CreateOffer(ctx, "s1")
	assert.NoError(t, err)
}

func TestAcceptOfferMalformedLeavesIdle(t *testing.T) {
	c := newTestCoordinator(Options{})
	defer c.Close()

	_, err := c.AcceptOffer(context.Background(), "r1", "definitely-not-sdp")
	assert.ErrorIs(t, err, apperr.MalformedSignalingPayload)
	assert.Equal(t, StateIdle, c.State("r1"))
}

func TestAnswererCannotComplete(t *testing.T) {
	offerer := newTestCoordinator(Options{})
	answerer := newTestCoordinator(Options{})
	defer offerer.Close()
	defer answerer.Close()
	ctx := context.Background()

	offer, err := offerer.CreateOffer(ctx, "o1")
	require.NoError(t, err)
	answer, err := answerer.AcceptOffer(ctx, "a1", offer)
	require.NoError(t, err)

	err = answerer.CompleteWithAnswer(ctx, "a1", answer)
	assert.ErrorIs(t, err, apperr.SignalingStateError)
}

func TestWrongAnswerKeepsOfferWaiting(t *testing.T) {
	c := newTestCoordinator(Options{})
	defer c.Close()
	ctx := context.Background()

	_, err := c.CreateOffer(ctx, "s1")
	require.NoError(t, err)

	err = c.CompleteWithAnswer(ctx, "s1", "garbage")
	assert.ErrorIs(t, err, apperr.MalformedSignalingPayload)
	assert.Equal(t, StateAwaiting, c.State("s1"))

	foreign, err := EncodePayload("someone-else", rawOffer(t))
	require.NoError(t, err)
	err = c.CompleteWithAnswer(ctx, "s1", foreign)
	assert.ErrorIs(t, err, apperr.MalformedSignalingPayload)
	assert.Equal(t, StateAwaiting, c.State("s1"))
}

func TestOffererTimesOutWithoutAnswer(t *testing.T) {
	c := newTestCoordinator(Options{AnswerTimeout: 100 * time.Millisecond})
	defer c.Close()
	ctx := context.Background()

	_, err := c.CreateOffer(ctx, "s1")
	require.NoError(t, err)

	_, err = c.Await(ctx, "s1")
	assert.ErrorIs(t, err, apperr.NegotiationTimeout)
	assert.Equal(t, StateFailed, c.State("s1"))
}

func TestLoopbackNegotiationHandsOffStreams(t *testing.T) {
	offerer := newTestCoordinator(Options{})
	answerer := newTestCoordinator(Options{})
	defer offerer.Close()
	defer answerer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	offer, err := offerer.CreateOffer(ctx, "offer-session")
	require.NoError(t, err)
	answer, err := answerer.AcceptOffer(ctx, "answer-session", offer)
	require.NoError(t, err)
	assert.Equal(t, StateAnswerCreated, answerer.State("answer-session"))

	decoded, err := DecodePayload(answer)
	require.NoError(t, err)
	assert.Equal(t, "offer-session", decoded.SessionID, "answer echoes the offer session id")

	require.NoError(t, offerer.CompleteWithAnswer(ctx, "offer-session", answer))
	assert.Equal(t, StateConnected, offerer.State("offer-session"))

	err = offerer.CompleteWithAnswer(ctx, "offer-session", answer)
	assert.ErrorIs(t, err, apperr.SignalingStateError, "a connected exchange must not be overwritten")

	sendSide, err := offerer.Await(ctx, "offer-session")
	require.NoError(t, err)
	receiveSide, err := answerer.Await(ctx, "answer-session")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, offerer.State("offer-session"))

	message := make([]byte, 3*transport.MaxMessageSize+5)
	for i := range message {
		message[i] = byte(i * 7)
	}
	go func() {
		_, _ = sendSide.Write(message)
	}()
	got := make([]byte, len(message))
	_, err = io.ReadFull(receiveSide, got)
	require.NoError(t, err)
	assert.Equal(t, message, got)

	require.NoError(t, sendSide.Close())
	_ = receiveSide.Close()
}
