package discovery

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"unishare/models"
)

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRegistryUpsertReportsFirstSighting(t *testing.T) {
	registry := NewRegistry(time.Minute)
	now := time.Unix(1_706_000_000, 0)

	if !registry.Upsert(models.Device{ID: "a", DisplayName: "A", BluetoothAddress: "AA:BB:CC:DD:EE:FF"}, now) {
		t.Fatalf("expected first sighting")
	}
	if registry.Upsert(models.Device{ID: "a", DisplayName: "A renamed"}, now.Add(time.Second)) {
		t.Fatalf("expected repeat sighting")
	}

	device, ok := registry.Get("a", now.Add(time.Second))
	if !ok {
		t.Fatalf("expected device a")
	}
	if device.DisplayName != "A renamed" {
		t.Fatalf("expected updated name, got %q", device.DisplayName)
	}
	if device.BluetoothAddress != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("expected bluetooth address to be kept, got %q", device.BluetoothAddress)
	}
	if !device.LastSeen.Equal(now.Add(time.Second)) {
		t.Fatalf("unexpected last seen %s", device.LastSeen)
	}
}

func TestRegistryPruneExpiresStaleEntries(t *testing.T) {
	registry := NewRegistry(time.Minute)
	now := time.Unix(1_706_000_000, 0)

	registry.Upsert(models.Device{ID: "old", DisplayName: "Old"}, now)
	registry.Upsert(models.Device{ID: "fresh", DisplayName: "Fresh"}, now.Add(50*time.Second))

	if expired := registry.Prune(now.Add(59 * time.Second)); len(expired) != 0 {
		t.Fatalf("expected nothing expired yet, got %+v", expired)
	}
	expired := registry.Prune(now.Add(61 * time.Second))
	if len(expired) != 1 || expired[0].ID != "old" {
		t.Fatalf("expected old to expire, got %+v", expired)
	}
	if _, ok := registry.Get("old", now.Add(61*time.Second)); ok {
		t.Fatalf("expired device must not be listed")
	}

	snapshot := registry.Snapshot(now.Add(61 * time.Second))
	if len(snapshot) != 1 || snapshot[0].ID != "fresh" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	if !registry.Upsert(models.Device{ID: "old", DisplayName: "Old"}, now.Add(62*time.Second)) {
		t.Fatalf("a device heard again after expiry is a new sighting")
	}
}

func TestRegistryHidesExpiredEntriesBeforePrune(t *testing.T) {
	registry := NewRegistry(time.Minute)
	now := time.Unix(1_706_000_000, 0)
	registry.Upsert(models.Device{ID: "gone", DisplayName: "Gone"}, now)

	if got := registry.Snapshot(now.Add(time.Minute)); len(got) != 1 {
		t.Fatalf("device at the edge of the window must be listed, got %+v", got)
	}
	later := now.Add(time.Minute + time.Millisecond)
	if got := registry.Snapshot(later); len(got) != 0 {
		t.Fatalf("expired device must not be listed, got %+v", got)
	}
	if _, ok := registry.Get("gone", later); ok {
		t.Fatalf("expired device must not be returned")
	}
	if expired := registry.Prune(later); len(expired) != 1 {
		t.Fatalf("prune must still report the expired device, got %+v", expired)
	}
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	registry := NewRegistry(time.Minute)
	registry.Upsert(models.Device{ID: "a", Capabilities: []models.Capability{models.CapabilityWifi}}, time.Now())

	snapshot := registry.Snapshot(time.Now())
	snapshot[0].Capabilities[0] = models.CapabilityBluetooth

	device, _ := registry.Get("a", time.Now())
	if device.Capabilities[0] != models.CapabilityWifi {
		t.Fatalf("snapshot mutation leaked into registry")
	}
}

func TestDecodeBeaconRejectsForeignDatagrams(t *testing.T) {
	for _, payload := range []string{
		"hello",
		`{"app":"other","v":1,"id":"x"}`,
		`{"app":"unishare","v":1,"id":" "}`,
		`{"app":"unishare","v":0,"id":"x"}`,
	} {
		if _, err := decodeBeacon([]byte(payload), "10.0.0.2"); err == nil {
			t.Fatalf("expected %q to be rejected", payload)
		}
	}

	raw, err := encodeBeacon(models.Device{ID: "x", Port: 9000})
	if err != nil {
		t.Fatalf("encodeBeacon failed: %v", err)
	}
	device, err := decodeBeacon(raw, "10.0.0.2")
	if err != nil {
		t.Fatalf("decodeBeacon failed: %v", err)
	}
	if device.DisplayName != "x" || device.Address != "10.0.0.2" || device.Port != 9000 {
		t.Fatalf("unexpected device %+v", device)
	}
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for discovery event")
	}
	return Event{}
}

func TestBeaconDiscoveryAndExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_706_000_000, 0)}
	scanner := NewService(Options{
		SelfID:   "scanner",
		Bind:     "127.0.0.1:0",
		Interval: time.Hour,
		Expiry:   time.Minute,
		Logger:   quietLogger(),
		Now:      clock.Now,
	})
	defer scanner.Close()

	events, unsubscribe := scanner.Subscribe()
	defer unsubscribe()

	if err := scanner.StartScanning(); err != nil {
		t.Fatalf("StartScanning failed: %v", err)
	}
	if err := scanner.StartScanning(); err != nil {
		t.Fatalf("second StartScanning must be a no-op: %v", err)
	}

	advertiser := NewService(Options{
		SelfID:   "phone",
		Targets:  []string{scanner.ScanAddr()},
		Interval: 20 * time.Millisecond,
		Logger:   quietLogger(),
	})
	defer advertiser.Close()

	self := models.Device{ID: "phone", DisplayName: "Phone", Port: 9000, Capabilities: []models.Capability{models.CapabilityWifi}}
	if err := advertiser.StartAdvertising(self); err != nil {
		t.Fatalf("StartAdvertising failed: %v", err)
	}
	if err := advertiser.StartAdvertising(self); err != nil {
		t.Fatalf("second StartAdvertising must be a no-op: %v", err)
	}

	ev := waitEvent(t, events)
	if ev.Type != EventDeviceDiscovered || ev.Device.ID != "phone" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Device.Address != "127.0.0.1" || ev.Device.Port != 9000 {
		t.Fatalf("unexpected endpoint %+v", ev.Device)
	}
	if DisplayString(ev.Device) != "Discovered Phone (127.0.0.1)" {
		t.Fatalf("unexpected display string %q", DisplayString(ev.Device))
	}

	// Repeated beacons refresh the entry without another discovery event.
	time.Sleep(100 * time.Millisecond)
	select {
	case extra := <-events:
		t.Fatalf("unexpected event %+v", extra)
	default:
	}

	advertiser.StopAdvertising()
	if advertiser.Advertising() {
		t.Fatalf("expected advertiser to stop")
	}
	// Let in-flight datagrams land before the clock jumps.
	time.Sleep(50 * time.Millisecond)

	clock.Advance(2 * time.Minute)
	expired := scanner.Prune()
	if len(expired) != 1 || expired[0].ID != "phone" {
		t.Fatalf("expected phone to expire, got %+v", expired)
	}
	ev = waitEvent(t, events)
	if ev.Type != EventDeviceExpired || ev.Device.ID != "phone" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if len(scanner.Devices()) != 0 {
		t.Fatalf("expected no devices after expiry")
	}
}

func TestScannerIgnoresOwnBeacons(t *testing.T) {
	svc := NewService(Options{
		SelfID:   "me",
		Bind:     "127.0.0.1:0",
		Interval: 20 * time.Millisecond,
		Logger:   quietLogger(),
	})
	defer svc.Close()

	if err := svc.StartScanning(); err != nil {
		t.Fatalf("StartScanning failed: %v", err)
	}
	conn, err := net.Dial("udp4", svc.ScanAddr())
	if err != nil {
		t.Fatalf("dial scanner: %v", err)
	}
	defer conn.Close()

	own, _ := encodeBeacon(models.Device{ID: "me", DisplayName: "Me"})
	other, _ := encodeBeacon(models.Device{ID: "you", DisplayName: "You"})
	if _, err := conn.Write(own); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := conn.Write(other); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := svc.Registry().Get("you", time.Now()); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := svc.Registry().Get("you", time.Now()); !ok {
		t.Fatalf("expected peer beacon to register")
	}
	if _, ok := svc.Registry().Get("me", time.Now()); ok {
		t.Fatalf("own beacon must be ignored")
	}

	svc.StopScanning()
	if svc.Scanning() {
		t.Fatalf("expected scanner to stop")
	}
}
