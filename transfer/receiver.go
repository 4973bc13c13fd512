package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"unishare/apperr"
	"unishare/codec"
	"unishare/models"
)

// receive reads the metadata record, assembles chunks into a partial file
// and replies with the verdict once every chunk is present.
func (m *Manager) receive(ctx context.Context, s *session, stream *idleStream) error {
	const op = "receive"

	meta, err := codec.ReadMetadata(stream)
	if err != nil {
		if errors.Is(err, codec.ErrInvalidName) {
			return apperr.New(apperr.ChunkCorrupt, "read metadata", err)
		}
		return streamError(ctx, "read metadata", err)
	}

	if _, err := codec.ChunkCount(meta.SizeBytes, m.options.ChunkSize); err != nil {
		return m.refuse(stream, apperr.New(apperr.ChunkCorrupt, "read metadata", err))
	}

	dest, release := m.reservePath(meta.Name)
	defer release()

	snap := s.snapshot()
	log := m.log.WithFields(logrus.Fields{"session": snap.ID, "file": meta.Name, "size": meta.SizeBytes})
	m.update(s, func(snap *models.SessionSnapshot) {
		snap.File = meta
		snap.Path = dest
	})

	if err := os.MkdirAll(m.options.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	asm, err := codec.NewAssembler(meta, m.options.ChunkSize, dest)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			if err := asm.Discard(); err != nil {
				log.WithError(err).Warn("discard partial file")
			}
		}
	}()

	m.transition(s, models.StateTransferring)
	log.Info("receiving file")

	corrupt := make(map[uint32]int)
	for !asm.Complete() {
		if ctx.Err() != nil {
			return apperr.New(apperr.Cancelled, op, ctx.Err())
		}
		chunk, err := codec.ReadChunk(stream, codec.MaxChunkSize)
		if err != nil {
			return m.rejectTransfer(ctx, stream, asm, err)
		}
		if chunk.Seq >= asm.Total() {
			return m.refuse(stream, apperr.Errorf(apperr.ChunkCorrupt, op, "chunk %d beyond total %d", chunk.Seq, asm.Total()))
		}

		if _, err := asm.Accept(chunk); err != nil {
			if apperr.KindOf(err) != apperr.ChunkCorrupt {
				return err
			}
			corrupt[chunk.Seq]++
			if corrupt[chunk.Seq] > m.options.MaxChunkRetries {
				return m.refuse(stream, apperr.Errorf(apperr.ChunkCorrupt, op, "chunk %d failed verification %d times", chunk.Seq, corrupt[chunk.Seq]))
			}
			log.WithField("seq", chunk.Seq).WithError(err).Debug("requesting retransmission")
			if err := codec.WriteReply(stream, codec.Nack(chunk.Seq)); err != nil {
				return streamError(ctx, op, err)
			}
			continue
		}

		if err := codec.WriteReply(stream, codec.Ack(chunk.Seq)); err != nil {
			return streamError(ctx, op, err)
		}
		m.progress(s, asm.BytesWritten())
	}

	stream.pause()
	m.transition(s, models.StateVerifying)
	if err := s.beginCommit(); err != nil {
		return err
	}
	path, err := asm.Finalize()
	if err != nil {
		return m.refuse(stream, err)
	}
	committed = true
	m.update(s, func(snap *models.SessionSnapshot) {
		snap.Path = path
	})

	if err := codec.WriteReply(stream, codec.Complete()); err != nil {
		log.WithError(err).Warn("send completion reply")
	}
	log.WithField("path", path).Info("file received")
	return nil
}

// rejectTransfer classifies a failed chunk read. A stream that ends before
// every chunk arrived leaves the file incomplete.
func (m *Manager) rejectTransfer(ctx context.Context, stream io.Writer, asm *codec.Assembler, err error) error {
	const op = "receive"
	if ctx.Err() != nil {
		return apperr.New(apperr.Cancelled, op, ctx.Err())
	}
	if errors.Is(err, codec.ErrFrameTooLarge) {
		return m.refuse(stream, apperr.New(apperr.ChunkCorrupt, op, err))
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		missing := asm.Total() - asm.Received()
		return apperr.Errorf(apperr.FileIncomplete, op, "stream ended with %d of %d chunks missing", missing, asm.Total())
	}
	return streamError(ctx, op, err)
}

// refuse sends a failure verdict and returns err.
func (m *Manager) refuse(stream io.Writer, err error) error {
	if werr := codec.WriteReply(stream, codec.Failed(err)); werr != nil {
		m.log.WithError(werr).Debug("send failure reply")
	}
	return err
}

// safeName reduces a peer-supplied file name to a single path element.
func safeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "received-file"
	}
	return name
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
