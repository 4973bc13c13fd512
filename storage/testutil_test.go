package storage

import (
	"testing"
	"time"

	"unishare/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func sampleRecord(id string, finishedAt time.Time) models.TransferRecord {
	return models.TransferRecord{
		SessionID:        id,
		Direction:        models.DirectionSend,
		Transport:        models.TransportTCP,
		Peer:             "192.168.1.20:9000",
		Filename:         "photo.png",
		SizeBytes:        2048,
		Checksum:         0xCAFEBABE,
		State:            models.StateCompleted,
		BytesTransferred: 2048,
		CreatedAt:        finishedAt.Add(-time.Second),
		FinishedAt:       finishedAt,
	}
}
