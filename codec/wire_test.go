package codec

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unishare/apperr"
	"unishare/models"
)

func TestMetadataWireLayout(t *testing.T) {
	var buf bytes.Buffer
	meta := models.FileMetadata{Name: "ab", SizeBytes: 0x0102030405060708, ContentChecksum: 0xDEADBEEF}
	require.NoError(t, WriteMetadata(&buf, meta))

	want := []byte{
		0x00, 0x02, 'a', 'b',
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0xDE, 0xAD, 0xBE, 0xEF,
	}
	assert.Equal(t, want, buf.Bytes())

	got, err := ReadMetadata(bytes.NewReader(want))
	require.NoError(t, err)
	assert.Equal(t, meta, got)
}

func TestChunkWireLayout(t *testing.T) {
	var buf bytes.Buffer
	chunk := Chunk{Seq: 7, Payload: []byte{0xAA, 0xBB, 0xCC}, Checksum: 0x01020304}
	require.NoError(t, WriteChunk(&buf, chunk))

	want := []byte{
		0x00, 0x00, 0x00, 0x07,
		0x00, 0x00, 0x00, 0x03,
		0xAA, 0xBB, 0xCC,
		0x01, 0x02, 0x03, 0x04,
	}
	assert.Equal(t, want, buf.Bytes())

	got, err := ReadChunk(bytes.NewReader(want), MaxChunkSize)
	require.NoError(t, err)
	assert.Equal(t, chunk, got)
}

func TestReadChunkErrors(t *testing.T) {
	_, err := ReadChunk(bytes.NewReader(nil), MaxChunkSize)
	assert.ErrorIs(t, err, io.EOF)

	truncated := []byte{0, 0, 0, 1, 0, 0, 0, 4, 0xAA}
	_, err = ReadChunk(bytes.NewReader(truncated), MaxChunkSize)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	oversized := []byte{0, 0, 0, 1, 0xFF, 0xFF, 0xFF, 0xFF}
	_, err = ReadChunk(bytes.NewReader(oversized), MaxChunkSize)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestMetadataRejectsBadNames(t *testing.T) {
	assert.ErrorIs(t, WriteMetadata(io.Discard, models.FileMetadata{}), ErrInvalidName)

	_, err := ReadMetadata(bytes.NewReader([]byte{0, 0}))
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = ReadMetadata(bytes.NewReader([]byte{0, 5, 'a'}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReplyRecords(t *testing.T) {
	var buf bytes.Buffer
	for _, reply := range []Reply{Ack(3), Nack(9), Complete(), Failed(apperr.New(apperr.ChecksumMismatch, "x", nil))} {
		require.NoError(t, WriteReply(&buf, reply))
	}
	assert.Equal(t, []byte{1, 0, 0, 0, 3}, buf.Bytes()[:5])

	var got []Reply
	for {
		reply, err := ReadReply(&buf)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, reply)
	}
	assert.Equal(t, []Reply{Ack(3), Nack(9), Complete(), {Kind: ReplyFailed, Value: ReasonChecksumMismatch}}, got)

	_, err := ReadReply(bytes.NewReader([]byte{9, 0, 0, 0, 0}))
	assert.ErrorIs(t, err, ErrUnknownReply)
}

func TestReasonMapping(t *testing.T) {
	for _, kind := range []apperr.Kind{apperr.ChecksumMismatch, apperr.FileIncomplete, apperr.ChunkCorrupt} {
		reason := ReasonFor(apperr.New(kind, "op", nil))
		assert.ErrorIs(t, ReasonError(reason), kind)
	}
	assert.Equal(t, ReasonAborted, ReasonFor(errors.New("disk full")))
	assert.ErrorIs(t, ReasonError(ReasonAborted), apperr.Cancelled)
}
