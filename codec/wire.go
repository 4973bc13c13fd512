package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"unishare/apperr"
	"unishare/models"
)

// All integers on the wire are big-endian.
//
//	metadata: [nameLength:u16][name][sizeBytes:u64][contentChecksum:u32]
//	chunk:    [sequenceNumber:u32][payloadLength:u32][payload][chunkChecksum:u32]
//	reply:    [kind:u8][value:u32]
const (
	chunkHeaderSize  = 8
	chunkTrailerSize = 4
	replySize        = 5
	// MaxNameLength is the longest file name a metadata record can carry.
	MaxNameLength = 1<<16 - 1
)

var (
	// ErrFrameTooLarge indicates a chunk header announced a payload above the limit.
	ErrFrameTooLarge = errors.New("codec: chunk payload exceeds max size")
	// ErrInvalidName indicates a metadata record carried an unusable file name.
	ErrInvalidName = errors.New("codec: invalid file name")
	// ErrUnknownReply indicates a reply record with an unknown kind.
	ErrUnknownReply = errors.New("codec: unknown reply kind")
)

// WriteMetadata writes the per-session metadata record.
func WriteMetadata(w io.Writer, meta models.FileMetadata) error {
	if meta.Name == "" || len(meta.Name) > MaxNameLength || !utf8.ValidString(meta.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, meta.Name)
	}
	buf := make([]byte, 0, 2+len(meta.Name)+8+4)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(meta.Name)))
	buf = append(buf, meta.Name...)
	buf = binary.BigEndian.AppendUint64(buf, meta.SizeBytes)
	buf = binary.BigEndian.AppendUint32(buf, meta.ContentChecksum)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// ReadMetadata reads the per-session metadata record.
func ReadMetadata(r io.Reader) (models.FileMetadata, error) {
	var lengthBuf [2]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return models.FileMetadata{}, fmt.Errorf("read metadata name length: %w", err)
	}
	nameLength := binary.BigEndian.Uint16(lengthBuf[:])
	if nameLength == 0 {
		return models.FileMetadata{}, fmt.Errorf("%w: empty", ErrInvalidName)
	}

	rest := make([]byte, int(nameLength)+12)
	if _, err := io.ReadFull(r, rest); err != nil {
		return models.FileMetadata{}, fmt.Errorf("read metadata: %w", noEOF(err))
	}
	name := string(rest[:nameLength])
	if !utf8.ValidString(name) {
		return models.FileMetadata{}, fmt.Errorf("%w: not UTF-8", ErrInvalidName)
	}
	return models.FileMetadata{
		Name:            name,
		SizeBytes:       binary.BigEndian.Uint64(rest[nameLength:]),
		ContentChecksum: binary.BigEndian.Uint32(rest[nameLength+8:]),
	}, nil
}

// WriteChunk writes one chunk record with a single Write call.
func WriteChunk(w io.Writer, chunk Chunk) error {
	buf := make([]byte, 0, chunkHeaderSize+len(chunk.Payload)+chunkTrailerSize)
	buf = binary.BigEndian.AppendUint32(buf, chunk.Seq)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(chunk.Payload)))
	buf = append(buf, chunk.Payload...)
	buf = binary.BigEndian.AppendUint32(buf, chunk.Checksum)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write chunk %d: %w", chunk.Seq, err)
	}
	return nil
}

// ReadChunk reads one chunk record. It returns io.EOF only when the stream
// ends cleanly before a record starts. The checksum is not verified here.
func ReadChunk(r io.Reader, maxPayload int) (Chunk, error) {
	var header [chunkHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Chunk{}, err
	}
	seq := binary.BigEndian.Uint32(header[0:4])
	length := binary.BigEndian.Uint32(header[4:8])
	if int64(length) > int64(maxPayload) {
		return Chunk{}, fmt.Errorf("%w: chunk %d announces %d bytes", ErrFrameTooLarge, seq, length)
	}

	body := make([]byte, int(length)+chunkTrailerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return Chunk{}, fmt.Errorf("read chunk %d: %w", seq, noEOF(err))
	}
	return Chunk{
		Seq:      seq,
		Payload:  body[:length],
		Checksum: binary.BigEndian.Uint32(body[length:]),
	}, nil
}

// ReplyKind identifies a receiver-to-sender record.
type ReplyKind uint8

const (
	ReplyAck      ReplyKind = 1
	ReplyNack     ReplyKind = 2
	ReplyComplete ReplyKind = 3
	ReplyFailed   ReplyKind = 4
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyAck:
		return "ack"
	case ReplyNack:
		return "nack"
	case ReplyComplete:
		return "complete"
	case ReplyFailed:
		return "failed"
	default:
		return fmt.Sprintf("reply(%d)", uint8(k))
	}
}

// Failure reasons carried by a ReplyFailed record.
const (
	ReasonChecksumMismatch uint32 = 1
	ReasonFileIncomplete   uint32 = 2
	ReasonChunkCorrupt     uint32 = 3
	ReasonAborted          uint32 = 4
)

// Reply is a receiver verdict on a chunk or on the whole file. Value holds
// the sequence number for acks and nacks and the reason for failures.
type Reply struct {
	Kind  ReplyKind
	Value uint32
}

// Ack acknowledges chunk seq.
func Ack(seq uint32) Reply { return Reply{Kind: ReplyAck, Value: seq} }

// Nack requests retransmission of chunk seq.
func Nack(seq uint32) Reply { return Reply{Kind: ReplyNack, Value: seq} }

// Complete reports a verified file.
func Complete() Reply { return Reply{Kind: ReplyComplete} }

// Failed reports a terminal receiver failure for err.
func Failed(err error) Reply { return Reply{Kind: ReplyFailed, Value: ReasonFor(err)} }

// WriteReply writes one reply record.
func WriteReply(w io.Writer, reply Reply) error {
	var buf [replySize]byte
	buf[0] = byte(reply.Kind)
	binary.BigEndian.PutUint32(buf[1:], reply.Value)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write %s reply: %w", reply.Kind, err)
	}
	return nil
}

// ReadReply reads one reply record.
func ReadReply(r io.Reader) (Reply, error) {
	var buf [replySize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Reply{}, err
	}
	reply := Reply{Kind: ReplyKind(buf[0]), Value: binary.BigEndian.Uint32(buf[1:])}
	switch reply.Kind {
	case ReplyAck, ReplyNack, ReplyComplete, ReplyFailed:
		return reply, nil
	default:
		return Reply{}, fmt.Errorf("%w: %d", ErrUnknownReply, buf[0])
	}
}

// ReasonFor maps a receiver error to its wire reason.
func ReasonFor(err error) uint32 {
	switch apperr.KindOf(err) {
	case apperr.ChecksumMismatch:
		return ReasonChecksumMismatch
	case apperr.FileIncomplete:
		return ReasonFileIncomplete
	case apperr.ChunkCorrupt:
		return ReasonChunkCorrupt
	default:
		return ReasonAborted
	}
}

// ReasonError maps a wire reason back to a classified error.
func ReasonError(reason uint32) error {
	const op = "receiver verdict"
	switch reason {
	case ReasonChecksumMismatch:
		return apperr.New(apperr.ChecksumMismatch, op, nil)
	case ReasonFileIncomplete:
		return apperr.New(apperr.FileIncomplete, op, nil)
	case ReasonChunkCorrupt:
		return apperr.New(apperr.ChunkCorrupt, op, nil)
	default:
		return apperr.Errorf(apperr.Cancelled, op, "receiver aborted the transfer")
	}
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
