package codec

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"sync"

	"unishare/apperr"
	"unishare/models"
)

// PartialSuffix is appended to the destination path while a file is being
// reassembled.
const PartialSuffix = ".part"

// Assembler writes chunks into a temporary file at the offset implied by
// their sequence number and moves the file into place once every chunk is
// present and the whole-content checksum matches.
//
// Chunks may arrive in any order and more than once.
type Assembler struct {
	mu        sync.Mutex
	meta      models.FileMetadata
	chunkSize int
	finalPath string
	tempPath  string
	file      *os.File
	received  []bool
	count     uint32
	written   uint64
	corrupt   map[uint32]struct{}
	done      bool
}

// NewAssembler prepares <destPath>.part sized for meta. A size that cannot
// be chunked fails with ChunkCorrupt before anything is created.
func NewAssembler(meta models.FileMetadata, chunkSize int, destPath string) (*Assembler, error) {
	if err := validChunkSize(chunkSize); err != nil {
		return nil, err
	}
	total, err := ChunkCount(meta.SizeBytes, chunkSize)
	if err != nil {
		return nil, apperr.New(apperr.ChunkCorrupt, "metadata for "+meta.Name, err)
	}
	tempPath := destPath + PartialSuffix
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create partial file: %w", err)
	}
	if err := file.Truncate(int64(meta.SizeBytes)); err != nil {
		_ = file.Close()
		_ = os.Remove(tempPath)
		return nil, fmt.Errorf("size partial file: %w", err)
	}

	return &Assembler{
		meta:      meta,
		chunkSize: chunkSize,
		finalPath: destPath,
		tempPath:  tempPath,
		file:      file,
		received:  make([]bool, total),
		corrupt:   make(map[uint32]struct{}),
	}, nil
}

// TempPath returns the path of the partial file.
func (a *Assembler) TempPath() string { return a.tempPath }

// Total returns the number of chunks the file consists of.
func (a *Assembler) Total() uint32 { return uint32(len(a.received)) }

// Accept verifies and writes one chunk. It reports whether the chunk was new;
// duplicates of an already accepted chunk are ignored. A chunk whose
// checksum or length does not match fails with ChunkCorrupt and leaves a gap
// that a later valid copy can fill.
func (a *Assembler) Accept(chunk Chunk) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done {
		return false, errors.New("codec: assembler already finished")
	}
	op := fmt.Sprintf("accept chunk %d", chunk.Seq)
	if chunk.Seq >= uint32(len(a.received)) {
		return false, apperr.Errorf(apperr.ChunkCorrupt, op, "sequence beyond last chunk %d", len(a.received))
	}
	if want := chunkLen(a.meta.SizeBytes, a.chunkSize, chunk.Seq); len(chunk.Payload) != want {
		a.corrupt[chunk.Seq] = struct{}{}
		return false, apperr.Errorf(apperr.ChunkCorrupt, op, "payload length %d, want %d", len(chunk.Payload), want)
	}
	if !chunk.Valid() {
		a.corrupt[chunk.Seq] = struct{}{}
		return false, apperr.Errorf(apperr.ChunkCorrupt, op, "checksum %08x, want %08x", Checksum(chunk.Payload), chunk.Checksum)
	}
	if a.received[chunk.Seq] {
		return false, nil
	}

	offset := int64(chunk.Seq) * int64(a.chunkSize)
	if _, err := a.file.WriteAt(chunk.Payload, offset); err != nil {
		return false, fmt.Errorf("write chunk %d at offset %d: %w", chunk.Seq, offset, err)
	}
	a.received[chunk.Seq] = true
	delete(a.corrupt, chunk.Seq)
	a.count++
	a.written += uint64(len(chunk.Payload))
	return true, nil
}

// Received returns the number of distinct chunks accepted so far.
func (a *Assembler) Received() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// BytesWritten returns the payload bytes of all accepted chunks.
func (a *Assembler) BytesWritten() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written
}

// Complete reports whether every chunk has been accepted. A zero-byte file is
// complete immediately.
func (a *Assembler) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count == uint32(len(a.received))
}

// Missing lists the sequence numbers not yet accepted, in order.
func (a *Assembler) Missing() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var missing []uint32
	for seq, ok := range a.received {
		if !ok {
			missing = append(missing, uint32(seq))
		}
	}
	return missing
}

// Finalize validates the reassembled file and renames it to the destination
// path. A file with gaps fails with FileIncomplete and is kept for further
// chunks; a whole-content checksum mismatch fails with ChecksumMismatch and
// removes the partial file.
func (a *Assembler) Finalize() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done {
		return "", errors.New("codec: assembler already finished")
	}
	if a.count != uint32(len(a.received)) {
		missing := uint32(len(a.received)) - a.count
		err := apperr.Errorf(apperr.FileIncomplete, "finalize", "%d of %d chunks missing", missing, len(a.received))
		if len(a.corrupt) > 0 {
			err = apperr.New(apperr.FileIncomplete, "finalize", errors.Join(
				fmt.Errorf("%d of %d chunks missing", missing, len(a.received)),
				apperr.Errorf(apperr.ChunkCorrupt, "finalize", "%d chunks failed verification", len(a.corrupt)),
			))
		}
		return "", err
	}

	if err := a.file.Sync(); err != nil {
		return "", fmt.Errorf("sync partial file: %w", err)
	}
	sum, err := checksumReader(io.NewSectionReader(a.file, 0, int64(a.meta.SizeBytes)))
	if err != nil {
		return "", fmt.Errorf("checksum partial file: %w", err)
	}
	if sum != a.meta.ContentChecksum {
		a.discardLocked()
		return "", apperr.Errorf(apperr.ChecksumMismatch, "finalize", "content checksum %08x, want %08x", sum, a.meta.ContentChecksum)
	}

	a.done = true
	if err := a.file.Close(); err != nil {
		_ = os.Remove(a.tempPath)
		return "", fmt.Errorf("close partial file: %w", err)
	}
	if err := os.Rename(a.tempPath, a.finalPath); err != nil {
		_ = os.Remove(a.tempPath)
		return "", fmt.Errorf("move file into place: %w", err)
	}
	return a.finalPath, nil
}

// Discard abandons the transfer and removes the partial file. It is a no-op
// after Finalize succeeded.
func (a *Assembler) Discard() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.discardLocked()
}

func (a *Assembler) discardLocked() error {
	if a.done {
		return nil
	}
	a.done = true
	_ = a.file.Close()
	if err := os.Remove(a.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove partial file: %w", err)
	}
	return nil
}

// Decode assembles chunks into destPath. Corrupt chunks are recorded as gaps
// and may be superseded by a later valid copy of the same sequence number.
// On any failure the partial file is removed and nothing exists at destPath.
func Decode(chunks iter.Seq2[Chunk, error], meta models.FileMetadata, chunkSize int, destPath string) error {
	assembler, err := NewAssembler(meta, chunkSize, destPath)
	if err != nil {
		return err
	}

	for chunk, err := range chunks {
		if err != nil {
			_ = assembler.Discard()
			return fmt.Errorf("decode: %w", err)
		}
		if _, err := assembler.Accept(chunk); err != nil && !errors.Is(err, apperr.ChunkCorrupt) {
			_ = assembler.Discard()
			return err
		}
	}

	if _, err := assembler.Finalize(); err != nil {
		_ = assembler.Discard()
		return err
	}
	return nil
}
