package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"unishare/models"
)

const defaultListLimit = 100

// RecordTransfer archives a terminal session. Recording the same session
// again replaces the earlier row.
func (s *Store) RecordTransfer(record models.TransferRecord) error {
	if record.SessionID == "" {
		return errors.New("session_id is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if !record.Transport.Valid() {
		return fmt.Errorf("invalid transport %q", record.Transport)
	}
	if err := validateFinalState(record.State); err != nil {
		return err
	}
	if record.FinishedAt.IsZero() {
		record.FinishedAt = time.Now()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.FinishedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			session_id,
			direction,
			transport,
			peer,
			filename,
			size_bytes,
			checksum,
			state,
			bytes_transferred,
			stored_path,
			error_kind,
			created_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			peer = excluded.peer,
			filename = excluded.filename,
			size_bytes = excluded.size_bytes,
			checksum = excluded.checksum,
			state = excluded.state,
			bytes_transferred = excluded.bytes_transferred,
			stored_path = excluded.stored_path,
			error_kind = excluded.error_kind,
			finished_at = excluded.finished_at`,
		record.SessionID,
		string(record.Direction),
		string(record.Transport),
		record.Peer,
		record.Filename,
		int64(record.SizeBytes),
		int64(record.Checksum),
		string(record.State),
		int64(record.BytesTransferred),
		nullString(record.Path),
		nullString(record.ErrorKind),
		record.CreatedAt.UnixMilli(),
		record.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", record.SessionID, err)
	}
	return nil
}

const transferColumns = `
	session_id,
	direction,
	transport,
	peer,
	filename,
	size_bytes,
	checksum,
	state,
	bytes_transferred,
	stored_path,
	error_kind,
	created_at,
	finished_at`

// GetTransfer fetches one archived session.
func (s *Store) GetTransfer(sessionID string) (*models.TransferRecord, error) {
	row := s.db.QueryRow(`SELECT`+transferColumns+` FROM transfers WHERE session_id = ?`, sessionID)
	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", sessionID, err)
	}
	return record, nil
}

// ListTransfers returns archived sessions, most recently finished first.
func (s *Store) ListTransfers(filter TransferFilter) ([]models.TransferRecord, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Direction != "" {
		if err := validateDirection(filter.Direction); err != nil {
			return nil, err
		}
		clauses = append(clauses, "direction = ?")
		args = append(args, string(filter.Direction))
	}
	if filter.Transport != "" {
		clauses = append(clauses, "transport = ?")
		args = append(args, string(filter.Transport))
	}
	if filter.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Peer != "" {
		clauses = append(clauses, "peer = ?")
		args = append(args, filter.Peer)
	}

	query := `SELECT` + transferColumns + ` FROM transfers`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := max(filter.Offset, 0)
	query += " ORDER BY finished_at DESC, session_id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	records := make([]models.TransferRecord, 0)
	for rows.Next() {
		record, scanErr := scanTransfer(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer row: %w", scanErr)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return records, nil
}

// PruneTransfers deletes sessions finished before cutoff.
func (s *Store) PruneTransfers(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM transfers WHERE finished_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune transfers rows affected: %w", err)
	}
	return removed, nil
}

func scanTransfer(row scanner) (*models.TransferRecord, error) {
	var (
		record           models.TransferRecord
		direction        string
		transport        string
		state            string
		sizeBytes        int64
		checksum         int64
		bytesTransferred int64
		storedPath       sql.NullString
		errorKind        sql.NullString
		createdAt        int64
		finishedAt       int64
	)
	if err := row.Scan(
		&record.SessionID,
		&direction,
		&transport,
		&record.Peer,
		&record.Filename,
		&sizeBytes,
		&checksum,
		&state,
		&bytesTransferred,
		&storedPath,
		&errorKind,
		&createdAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	record.Direction = models.Direction(direction)
	record.Transport = models.TransportKind(transport)
	record.State = models.SessionState(state)
	record.SizeBytes = uint64(sizeBytes)
	record.Checksum = uint32(checksum)
	record.BytesTransferred = uint64(bytesTransferred)
	record.Path = storedPath.String
	record.ErrorKind = errorKind.String
	record.CreatedAt = time.UnixMilli(createdAt)
	record.FinishedAt = time.UnixMilli(finishedAt)
	return &record, nil
}
