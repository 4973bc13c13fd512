package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"unishare/apperr"
	"unishare/codec"
	"unishare/models"
)

// send streams the session file: metadata first, then chunks with at most
// WindowSize unacknowledged at a time, then waits for the receiver verdict.
func (m *Manager) send(ctx context.Context, s *session, stream *idleStream) error {
	snap := s.snapshot()
	op := "send " + snap.File.Name
	log := m.log.WithFields(logrus.Fields{"session": snap.ID, "file": snap.File.Name})

	enc, err := codec.NewEncoder(snap.Path, m.options.ChunkSize)
	if err != nil {
		return err
	}
	defer enc.Close()

	m.transition(s, models.StateTransferring)
	if err := codec.WriteMetadata(stream, snap.File); err != nil {
		return streamError(ctx, op, err)
	}

	total := enc.Total()
	size := snap.File.SizeBytes
	chunkSize := uint64(m.options.ChunkSize)

	slots := make(chan struct{}, m.options.WindowSize)
	resend := make(chan uint32, m.options.WindowSize)
	allAcked := make(chan struct{})
	if total == 0 {
		close(allAcked)
		stream.pause()
		m.transition(s, models.StateVerifying)
	}

	g, gctx := errgroup.WithContext(ctx)
	var verified atomic.Bool
	// A failure on either side of the pipe must unblock the other.
	stop := context.AfterFunc(gctx, func() {
		if !verified.Load() {
			abortStream(stream.Stream)
		}
	})
	defer stop()

	write := func(seq uint32) error {
		chunk, err := enc.ChunkAt(seq)
		if err != nil {
			return fmt.Errorf("read chunk %d: %w", seq, err)
		}
		if err := codec.WriteChunk(stream, chunk); err != nil {
			return streamError(gctx, op, err)
		}
		return nil
	}

	g.Go(func() error {
		var next uint32
		for {
			select {
			case seq := <-resend:
				if err := write(seq); err != nil {
					return err
				}
				continue
			default:
			}

			if next >= total {
				select {
				case seq := <-resend:
					if err := write(seq); err != nil {
						return err
					}
				case <-allAcked:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
				continue
			}

			select {
			case seq := <-resend:
				if err := write(seq); err != nil {
					return err
				}
			case slots <- struct{}{}:
				if err := write(next); err != nil {
					return err
				}
				next++
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		acked := make([]bool, total)
		retries := make(map[uint32]int)
		var count uint32
		var bytes uint64

		for {
			reply, err := codec.ReadReply(stream)
			if err != nil {
				if errors.Is(err, codec.ErrUnknownReply) {
					return apperr.New(apperr.ConnectFailed, op, err)
				}
				return streamError(gctx, op, err)
			}

			switch reply.Kind {
			case codec.ReplyAck:
				seq := reply.Value
				if seq >= total || acked[seq] {
					continue
				}
				acked[seq] = true
				count++
				select {
				case <-slots:
				default:
				}
				bytes += min(chunkSize, size-uint64(seq)*chunkSize)
				m.progress(s, bytes)
				if count == total {
					close(allAcked)
					stream.pause()
					m.transition(s, models.StateVerifying)
				}

			case codec.ReplyNack:
				seq := reply.Value
				if seq >= total || acked[seq] {
					continue
				}
				retries[seq]++
				if retries[seq] > m.options.MaxChunkRetries {
					return apperr.Errorf(apperr.ChunkCorrupt, op, "chunk %d rejected %d times", seq, retries[seq])
				}
				log.WithFields(logrus.Fields{"seq": seq, "attempt": retries[seq]}).Debug("resending chunk")
				select {
				case resend <- seq:
				case <-gctx.Done():
					return gctx.Err()
				}

			case codec.ReplyComplete:
				if count != total {
					return apperr.Errorf(apperr.ConnectFailed, op, "receiver completed after %d of %d chunks", count, total)
				}
				// The receiver kept the file; a late cancel must not override that.
				if err := s.beginCommit(); err != nil {
					return err
				}
				verified.Store(true)
				return nil

			case codec.ReplyFailed:
				return codec.ReasonError(reply.Value)
			}
		}
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			return apperr.New(apperr.Cancelled, op, err)
		}
		return err
	}
	log.WithField("bytes", size).Info("receiver verified file")
	return nil
}

// streamError classifies an I/O failure on the session stream.
func streamError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return apperr.New(apperr.Cancelled, op, ctx.Err())
	}
	var classified *apperr.Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return apperr.Errorf(apperr.ConnectFailed, op, "peer closed the connection: %w", err)
	}
	return apperr.New(apperr.ConnectFailed, op, err)
}
