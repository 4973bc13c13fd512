package models

import "time"

// TransportKind names one of the transport variants.
type TransportKind string

const (
	TransportTCP       TransportKind = "tcp"
	TransportBluetooth TransportKind = "bluetooth"
	TransportWebRTC    TransportKind = "webrtc"
)

// Valid reports whether k is a known transport variant.
func (k TransportKind) Valid() bool {
	switch k {
	case TransportTCP, TransportBluetooth, TransportWebRTC:
		return true
	default:
		return false
	}
}

// Direction tells whether the local side sends or receives the file.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// SessionState is the lifecycle state of a transfer session.
type SessionState string

const (
	StateListening    SessionState = "listening"
	StateConnecting   SessionState = "connecting"
	StateTransferring SessionState = "transferring"
	StateVerifying    SessionState = "verifying"
	StateCompleted    SessionState = "completed"
	StateFailed       SessionState = "failed"
	StateCancelled    SessionState = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// FileMetadata describes the file carried by one session. It is computed
// once from the source and never changes afterwards.
type FileMetadata struct {
	Name            string `json:"name"`
	SizeBytes       uint64 `json:"size_bytes"`
	ContentChecksum uint32 `json:"content_checksum"`
}

// SessionSnapshot is a consistent, read-only copy of a session.
type SessionSnapshot struct {
	ID               string        `json:"id"`
	Direction        Direction     `json:"direction"`
	Transport        TransportKind `json:"transport"`
	Peer             string        `json:"peer"`
	File             FileMetadata  `json:"file"`
	State            SessionState  `json:"state"`
	BytesTransferred uint64        `json:"bytes_transferred"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	LocalAddr        string        `json:"local_addr,omitempty"`
	RemoteAddr       string        `json:"remote_addr,omitempty"`
	Path             string        `json:"path,omitempty"`
	ErrorKind        string        `json:"error_kind,omitempty"`
	Error            string        `json:"error,omitempty"`
}

// TransferRecord is the archived form of a terminal session.
type TransferRecord struct {
	SessionID        string        `json:"session_id"`
	Direction        Direction     `json:"direction"`
	Transport        TransportKind `json:"transport"`
	Peer             string        `json:"peer"`
	Filename         string        `json:"filename"`
	SizeBytes        uint64        `json:"size_bytes"`
	Checksum         uint32        `json:"checksum"`
	State            SessionState  `json:"state"`
	BytesTransferred uint64        `json:"bytes_transferred"`
	Path             string        `json:"path,omitempty"`
	ErrorKind        string        `json:"error_kind,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	FinishedAt       time.Time     `json:"finished_at"`
}

// Record converts a terminal snapshot to its archived form.
func (s SessionSnapshot) Record() TransferRecord {
	return TransferRecord{
		SessionID:        s.ID,
		Direction:        s.Direction,
		Transport:        s.Transport,
		Peer:             s.Peer,
		Filename:         s.File.Name,
		SizeBytes:        s.File.SizeBytes,
		Checksum:         s.File.ContentChecksum,
		State:            s.State,
		BytesTransferred: s.BytesTransferred,
		Path:             s.Path,
		ErrorKind:        s.ErrorKind,
		CreatedAt:        s.CreatedAt,
		FinishedAt:       s.UpdatedAt,
	}
}
