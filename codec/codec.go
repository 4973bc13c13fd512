// Package codec splits files into sequenced, checksummed chunks and
// reassembles them, and defines the byte-exact wire records exchanged
// between sender and receiver.
package codec

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"

	"unishare/apperr"
	"unishare/models"
)

const (
	// DefaultChunkSize is the payload size of every chunk but the last.
	DefaultChunkSize = 64 * 1024
	// MaxChunkSize is the largest payload a chunk may carry.
	MaxChunkSize = 64 * 1024
)

// Chunk is one sequenced slice of file content.
type Chunk struct {
	Seq      uint32
	Payload  []byte
	Checksum uint32
}

// Checksum returns the CRC-32 (IEEE) of b.
func Checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// NewChunk builds a chunk and computes its checksum.
func NewChunk(seq uint32, payload []byte) Chunk {
	return Chunk{Seq: seq, Payload: payload, Checksum: Checksum(payload)}
}

// Valid reports whether the payload matches the carried checksum.
func (c Chunk) Valid() bool {
	return Checksum(c.Payload) == c.Checksum
}

// ErrFileTooLarge is returned for sizes whose chunks cannot all be numbered
// by a 32-bit sequence.
var ErrFileTooLarge = errors.New("codec: file too large for chunk size")

// ChunkCount returns how many chunks a file of size bytes is split into. It
// fails with ErrFileTooLarge when the count does not fit a sequence number.
func ChunkCount(size uint64, chunkSize int) (uint32, error) {
	if size == 0 || chunkSize <= 0 {
		return 0, nil
	}
	cs := uint64(chunkSize)
	count := size / cs
	if size%cs != 0 {
		count++
	}
	if count > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d bytes need %d chunks of %d", ErrFileTooLarge, size, count, chunkSize)
	}
	return uint32(count), nil
}

// chunkLen returns the exact payload length chunk seq must carry.
func chunkLen(size uint64, chunkSize int, seq uint32) int {
	offset := uint64(seq) * uint64(chunkSize)
	if offset >= size {
		return 0
	}
	return int(min(uint64(chunkSize), size-offset))
}

func validChunkSize(chunkSize int) error {
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		return fmt.Errorf("codec: chunk size must be in (0, %d], got %d", MaxChunkSize, chunkSize)
	}
	return nil
}

// Describe computes the metadata of the regular file at path: its base name,
// size and whole-content checksum.
func Describe(path string) (models.FileMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		// Unreadable files are reported the same way as missing ones.
		return models.FileMetadata{}, apperr.New(apperr.FileNotFound, "describe "+path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return models.FileMetadata{}, fmt.Errorf("stat %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return models.FileMetadata{}, apperr.Errorf(apperr.FileNotFound, "describe "+path, "not a regular file")
	}

	sum, err := checksumReader(file)
	if err != nil {
		return models.FileMetadata{}, fmt.Errorf("checksum %q: %w", path, err)
	}

	return models.FileMetadata{
		Name:            filepath.Base(path),
		SizeBytes:       uint64(info.Size()),
		ContentChecksum: sum,
	}, nil
}

func checksumReader(r io.Reader) (uint32, error) {
	hasher := crc32.NewIEEE()
	if _, err := io.Copy(hasher, r); err != nil {
		return 0, err
	}
	return hasher.Sum32(), nil
}
