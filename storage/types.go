package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"unishare/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// TransferFilter narrows ListTransfers results. Zero fields match everything.
type TransferFilter struct {
	Direction models.Direction
	Transport models.TransportKind
	State     models.SessionState
	Peer      string
	Limit     int
	Offset    int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDirection(direction models.Direction) error {
	switch direction {
	case models.DirectionSend, models.DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateFinalState(state models.SessionState) error {
	switch state {
	case models.StateCompleted, models.StateFailed, models.StateCancelled:
		return nil
	default:
		return fmt.Errorf("transfer state %q is not terminal", state)
	}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
