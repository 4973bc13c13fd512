package codec

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"

	"unishare/apperr"
)

// Encoder lazily reads a file as a sequence of chunks. It can be restarted
// from any sequence number and re-read single chunks for retransmission.
type Encoder struct {
	file      *os.File
	size      uint64
	chunkSize int
	total     uint32
	next      uint32
}

// NewEncoder opens path for chunked reading.
func NewEncoder(path string, chunkSize int) (*Encoder, error) {
	if err := validChunkSize(chunkSize); err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.New(apperr.FileNotFound, "open "+path, err)
		}
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}

	size := uint64(info.Size())
	total, err := ChunkCount(size, chunkSize)
	if err != nil {
		_ = file.Close()
		return nil, apperr.New(apperr.FileNotFound, "open "+path, err)
	}
	return &Encoder{
		file:      file,
		size:      size,
		chunkSize: chunkSize,
		total:     total,
	}, nil
}

// Total returns the number of chunks in the file.
func (e *Encoder) Total() uint32 { return e.total }

// ChunkSize returns the configured payload size.
func (e *Encoder) ChunkSize() int { return e.chunkSize }

// Next returns the next chunk in sequence, or io.EOF after the last one.
func (e *Encoder) Next() (Chunk, error) {
	if e.next >= e.total {
		return Chunk{}, io.EOF
	}
	chunk, err := e.ChunkAt(e.next)
	if err != nil {
		return Chunk{}, err
	}
	e.next++
	return chunk, nil
}

// Seek makes the next call to Next return chunk seq.
func (e *Encoder) Seek(seq uint32) error {
	if seq > e.total {
		return fmt.Errorf("codec: seek to chunk %d beyond total %d", seq, e.total)
	}
	e.next = seq
	return nil
}

// ChunkAt reads chunk seq without moving the sequence cursor.
func (e *Encoder) ChunkAt(seq uint32) (Chunk, error) {
	if seq >= e.total {
		return Chunk{}, fmt.Errorf("codec: chunk %d out of range (total %d)", seq, e.total)
	}
	want := chunkLen(e.size, e.chunkSize, seq)
	offset := int64(seq) * int64(e.chunkSize)

	buffer := make([]byte, want)
	n, err := e.file.ReadAt(buffer, offset)
	if err != nil && !(errors.Is(err, io.EOF) && n == want) {
		return Chunk{}, fmt.Errorf("read chunk %d at offset %d: %w", seq, offset, err)
	}
	return NewChunk(seq, buffer), nil
}

// Chunks yields chunks starting at from until the end of the file or the
// first read error.
func (e *Encoder) Chunks(from uint32) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		for seq := from; seq < e.total; seq++ {
			chunk, err := e.ChunkAt(seq)
			if !yield(chunk, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the underlying file.
func (e *Encoder) Close() error {
	return e.file.Close()
}
