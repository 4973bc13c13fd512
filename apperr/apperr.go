// Package apperr defines the error taxonomy surfaced by the transfer engine.
//
// Every error that crosses a component boundary carries a Kind. Callers test
// for a kind with errors.Is:
//
//	if errors.Is(err, apperr.SessionConflict) { ... }
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure.
type Kind string

const (
	FileNotFound                Kind = "file_not_found"
	TransportUnavailable        Kind = "transport_unavailable"
	ConnectFailed               Kind = "connect_failed"
	ChunkCorrupt                Kind = "chunk_corrupt"
	FileIncomplete              Kind = "file_incomplete"
	ChecksumMismatch            Kind = "checksum_mismatch"
	SignalingStateError         Kind = "signaling_state"
	MalformedSignalingPayload   Kind = "malformed_signaling_payload"
	NegotiationTimeout          Kind = "negotiation_timeout"
	ConnectionNegotiationFailed Kind = "connection_negotiation_failed"
	SessionConflict             Kind = "session_conflict"
	SessionNotFound             Kind = "session_not_found"
	Cancelled                   Kind = "cancelled"
	Internal                    Kind = "internal"
)

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string {
	return string(k)
}

// Retryable reports whether a local retry may succeed for this kind.
// Usage errors (conflicts, signaling misuse) are never retried.
func (k Kind) Retryable() bool {
	switch k {
	case ConnectFailed, ChunkCorrupt:
		return true
	default:
		return false
	}
}

// Error is a classified failure of one operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New classifies err as kind for operation op. A nil err yields an error
// carrying only the kind.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is New with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost kind attached to err, or Internal when err
// is unclassified. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	var kind Kind
	if errors.As(err, &kind) {
		return kind
	}
	return Internal
}

// Ensure keeps an already classified error as is and classifies anything
// else as kind.
func Ensure(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return New(kind, op, err)
}
