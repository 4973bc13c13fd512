package apperr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	err := New(ConnectFailed, "dial 10.0.0.2:9000", io.ErrUnexpectedEOF)

	assert.ErrorIs(t, err, ConnectFailed)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, ChunkCorrupt)
	assert.Equal(t, ConnectFailed, KindOf(err))
	assert.Equal(t, "dial 10.0.0.2:9000: connect_failed: unexpected EOF", err.Error())
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("session abc: %w", New(ChecksumMismatch, "finalize", nil))

	assert.ErrorIs(t, err, ChecksumMismatch)
	assert.Equal(t, ChecksumMismatch, KindOf(err))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, SessionConflict, KindOf(SessionConflict))
}

func TestEnsureKeepsExistingKind(t *testing.T) {
	inner := New(NegotiationTimeout, "await", nil)

	assert.Same(t, inner, Ensure(ConnectFailed, "outer", inner))
	assert.ErrorIs(t, Ensure(ConnectFailed, "outer", io.EOF), ConnectFailed)
	assert.NoError(t, Ensure(ConnectFailed, "outer", nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, ConnectFailed.Retryable())
	assert.True(t, ChunkCorrupt.Retryable())
	assert.False(t, SessionConflict.Retryable())
	assert.False(t, SignalingStateError.Retryable())
}
