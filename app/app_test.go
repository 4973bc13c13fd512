package app

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unishare/apperr"
	"unishare/config"
	"unishare/connectivity"
	"unishare/discovery"
	"unishare/models"
	"unishare/storage"
	"unishare/transport"
)

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func fixedProbe(v bool) connectivity.Probe {
	return func(context.Context) (bool, error) { return v, nil }
}

type testPeer struct {
	app       *App
	store     *storage.Store
	discovery *discovery.Service
	cfg       *config.Config
}

func newTestApp(t *testing.T, name string, targets ...string) *testPeer {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.DeviceName = name
	cfg.ChunkSize = 4096
	cfg.IdleTimeout = config.Duration(5 * time.Second)
	cfg.GatherTimeout = config.Duration(3 * time.Second)

	store, err := storage.OpenPath(cfg.HistoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := quietLogger()
	disc := discovery.NewService(discovery.Options{
		SelfID:   cfg.DeviceID,
		Bind:     "127.0.0.1:0",
		Targets:  targets,
		Interval: 50 * time.Millisecond,
		Expiry:   time.Second,
		Logger:   logger,
	})
	dial := transport.DialOptions{Attempts: 2, Timeout: time.Second, InitialInterval: 10 * time.Millisecond}

	a, err := New(Options{
		Config:     cfg,
		History:    store,
		Logger:     logger,
		Transports: transport.NewSet(
			transport.NewTCP(0, dial),
			transport.NewBluetooth(transport.BluetoothOptions{Mode: transport.BluetoothTCP, Dial: dial}),
			transport.NewWebRTC(),
		),
		Binds: map[models.TransportKind]string{
			models.TransportTCP:       "127.0.0.1:0",
			models.TransportBluetooth: "127.0.0.1:0",
		},
		Discovery:  disc,
		Connectivity: connectivity.New(connectivity.Options{
			Wifi:      fixedProbe(true),
			Bluetooth: fixedProbe(false),
			Internet:  fixedProbe(true),
		}),
		IncludeLoopback: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return &testPeer{app: a, store: store, discovery: disc, cfg: cfg}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func writeFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func invoke(t *testing.T, a *App, name string, args any) (any, error) {
	t.Helper()
	var raw json.RawMessage
	if args != nil {
		encoded, err := json.Marshal(args)
		require.NoError(t, err)
		raw = encoded
	}
	return a.Invoke(testContext(t), name, raw)
}

func waitFinished(t *testing.T, a *App, id string) models.SessionSnapshot {
	t.Helper()
	snap, err := a.transfers.Wait(testContext(t), id)
	require.NoError(t, err)
	return snap
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestSendFileOverTCP(t *testing.T) {
	sender := newTestApp(t, "sender")
	receiver := newTestApp(t, "receiver")
	path, data := writeFile(t, "test.txt", 3*4096+17)

	notes, stop := receiver.app.Subscribe()
	defer stop()

	result, err := invoke(t, receiver.app, "receive_file", nil)
	require.NoError(t, err)
	assert.Contains(t, result, "Receiver started using Wi-Fi Direct on 127.0.0.1:")

	listening := receiver.app.ListTransfers()
	require.Len(t, listening, 1)
	assert.Equal(t, models.StateListening, listening[0].State)
	pending, ok := receiver.app.PendingReceive(models.TransportTCP)
	require.True(t, ok)
	assert.Equal(t, listening[0].ID, pending.ID)

	result, err = invoke(t, sender.app, "send_file", CommandArgs{FilePath: path, Destination: listening[0].LocalAddr})
	require.NoError(t, err)
	assert.Equal(t, "File sent via Wi-Fi Direct", result)

	received := waitFinished(t, receiver.app, listening[0].ID)
	assert.Equal(t, models.StateCompleted, received.State)
	got, err := os.ReadFile(received.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	var sawProgress, sawCompleted bool
	deadline := time.After(5 * time.Second)
	for !sawCompleted {
		select {
		case note := <-notes:
			snap, ok := note.Payload.(models.SessionSnapshot)
			require.True(t, ok)
			switch note.Event {
			case EventTransferProgress:
				sawProgress = true
			case EventTransferState:
				sawCompleted = snap.State == models.StateCompleted
			}
		case <-deadline:
			t.Fatal("no completed transfer-state notification")
		}
	}
	assert.True(t, sawProgress)

	history, err := invoke(t, sender.app, "transfer_history", CommandArgs{Direction: string(models.DirectionSend)})
	require.NoError(t, err)
	records := history.([]models.TransferRecord)
	require.Len(t, records, 1)
	assert.Equal(t, "test.txt", records[0].Filename)
	assert.Equal(t, models.StateCompleted, records[0].State)
}

func TestSendFileBluetoothOverEmulatedLink(t *testing.T) {
	sender := newTestApp(t, "sender")
	receiver := newTestApp(t, "receiver")
	path, data := writeFile(t, "photo.jpg", 2*4096)

	result, err := invoke(t, receiver.app, "receive_file_bluetooth", nil)
	require.NoError(t, err)
	assert.Contains(t, result, "Receiver started using Bluetooth")
	pending, ok := receiver.app.PendingReceive(models.TransportBluetooth)
	require.True(t, ok)

	result, err = invoke(t, sender.app, "send_file_bluetooth", CommandArgs{FilePath: path, Destination: pending.LocalAddr})
	require.NoError(t, err)
	assert.Equal(t, "File sent via Bluetooth", result)

	received := waitFinished(t, receiver.app, pending.ID)
	assert.Equal(t, models.TransportBluetooth, received.Transport)
	got, err := os.ReadFile(received.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSendFileBestFallsBackToBluetooth(t *testing.T) {
	sender := newTestApp(t, "sender")
	path, _ := writeFile(t, "a.bin", 10)

	_, err := invoke(t, sender.app, "send_file", CommandArgs{FilePath: path, Destination: "127.0.0.1:1", Transport: "auto"})
	assert.ErrorIs(t, err, apperr.ConnectFailed)

	history, err := sender.app.TransferHistory(storage.TransferFilter{State: models.StateFailed})
	require.NoError(t, err)
	tried := make([]models.TransportKind, 0, len(history))
	for _, record := range history {
		tried = append(tried, record.Transport)
	}
	assert.ElementsMatch(t, []models.TransportKind{models.TransportTCP, models.TransportBluetooth}, tried)
}

func TestSendMissingFileIsTyped(t *testing.T) {
	sender := newTestApp(t, "sender")
	_, err := sender.app.SendFile(testContext(t), filepath.Join(t.TempDir(), "missing"), "127.0.0.1")
	assert.ErrorIs(t, err, apperr.FileNotFound)
}

func TestSecondReceiveConflicts(t *testing.T) {
	peer := newTestApp(t, "receiver")
	_, err := peer.app.ReceiveFile(testContext(t))
	require.NoError(t, err)
	_, err = peer.app.ReceiveFile(testContext(t))
	assert.ErrorIs(t, err, apperr.SessionConflict)

	id := peer.app.ListTransfers()[0].ID
	result, err := invoke(t, peer.app, "cancel_transfer", CommandArgs{SessionID: id})
	require.NoError(t, err)
	assert.Equal(t, "Transfer cancelled", result)
	assert.Equal(t, models.StateCancelled, waitFinishedCancelled(t, peer.app, id).State)
}

func waitFinishedCancelled(t *testing.T, a *App, id string) models.SessionSnapshot {
	t.Helper()
	snap, err := a.transfers.Wait(testContext(t), id)
	require.ErrorIs(t, err, apperr.Cancelled)
	return snap
}

func TestWebRTCCommands(t *testing.T) {
	sender := newTestApp(t, "sender")
	receiver := newTestApp(t, "receiver")
	path, data := writeFile(t, "test.txt", 5*4096+3)

	_, err := invoke(t, sender.app, "complete_webrtc_sending", CommandArgs{FilePath: path, Answer: "{}"})
	assert.ErrorIs(t, err, apperr.SignalingStateError, "no offer exists yet")

	offer, err := invoke(t, sender.app, "start_webrtc_sending", CommandArgs{FilePath: path})
	require.NoError(t, err)
	require.NotEmpty(t, offer)

	_, err = invoke(t, receiver.app, "receive_webrtc_file", CommandArgs{Offer: "not a session description"})
	assert.ErrorIs(t, err, apperr.MalformedSignalingPayload)

	answer, err := invoke(t, receiver.app, "receive_webrtc_file", CommandArgs{Offer: offer.(string)})
	require.NoError(t, err)
	require.NotEmpty(t, answer)

	_, err = invoke(t, sender.app, "complete_webrtc_sending", CommandArgs{FilePath: path, Answer: "garbage"})
	assert.ErrorIs(t, err, apperr.MalformedSignalingPayload)

	result, err := invoke(t, sender.app, "complete_webrtc_sending", CommandArgs{FilePath: path, Answer: answer.(string)})
	require.NoError(t, err)
	assert.Equal(t, "File sent via WebRTC successfully", result)

	var received models.SessionSnapshot
	for _, snap := range receiver.app.ListTransfers() {
		if snap.Transport == models.TransportWebRTC {
			received = snap
		}
	}
	require.NotEmpty(t, received.ID)
	received, err = receiver.app.WaitTransfer(testContext(t), received.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, received.State)
	got, err := os.ReadFile(received.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestHotspotDiscoveryPushesDisplayString(t *testing.T) {
	scanner := newTestApp(t, "scanner")
	notes, stop := scanner.app.Subscribe()
	defer stop()

	result, err := invoke(t, scanner.app, "start_hotspot_discovery", nil)
	require.NoError(t, err)
	assert.Equal(t, DiscoveryStarted, result)

	advertiser := newTestApp(t, "Pixel", scanner.discovery.ScanAddr())
	result, err = invoke(t, advertiser.app, "start_hotspot", nil)
	require.NoError(t, err)
	assert.Equal(t, HotspotStarted, result)
	_, err = advertiser.app.StartHotspot(testContext(t))
	require.NoError(t, err, "advertising twice is a no-op")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case note := <-notes:
			if note.Event != EventDeviceDiscovered {
				continue
			}
			assert.Equal(t, "Discovered Pixel (127.0.0.1)", note.Payload)
			devices, err := invoke(t, scanner.app, "list_devices", nil)
			require.NoError(t, err)
			list := devices.([]models.Device)
			require.Len(t, list, 1)
			assert.Equal(t, advertiser.cfg.DeviceID, list[0].ID)
			assert.True(t, list[0].Has(models.CapabilityWifi))
			return
		case <-deadline:
			t.Fatal("no device-discovered notification")
		}
	}
}

func TestCheckConnectivityStatus(t *testing.T) {
	peer := newTestApp(t, "peer")
	status, err := invoke(t, peer.app, "check_connectivity_status", nil)
	require.NoError(t, err)
	assert.Equal(t, connectivity.Status{WifiDirect: true, Internet: true}, status)
}

func TestInvokeRejectsUnknownCommandAndBadArgs(t *testing.T) {
	peer := newTestApp(t, "peer")
	_, err := peer.app.Invoke(testContext(t), "format_disk", nil)
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = peer.app.Invoke(testContext(t), "send_file", json.RawMessage(`[1,2]`))
	require.Error(t, err)

	_, err = invoke(t, peer.app, "cancel_transfer", CommandArgs{SessionID: "nope"})
	assert.ErrorIs(t, err, apperr.SessionNotFound)
}

func TestCloseIsIdempotent(t *testing.T) {
	peer := newTestApp(t, "peer")
	require.NoError(t, peer.app.Close())
	require.NoError(t, peer.app.Close())

	notes, _ := peer.app.Subscribe()
	_, open := <-notes
	assert.False(t, open)
}

func TestSelfClaimsInternetOnlyWhenReachable(t *testing.T) {
	peer := newTestApp(t, "laptop")
	self := peer.app.Self(testContext(t))
	assert.True(t, self.Has(models.CapabilityInternet))
	assert.True(t, self.Has(models.CapabilityBluetooth))
	assert.Equal(t, "laptop", self.DisplayName)

	peer.app.connectivity = connectivity.New(connectivity.Options{
		Wifi:      fixedProbe(true),
		Bluetooth: fixedProbe(false),
		Internet:  fixedProbe(false),
	})
	self = peer.app.Self(testContext(t))
	assert.False(t, self.Has(models.CapabilityInternet))
	assert.True(t, self.Has(models.CapabilityWifi))
}
