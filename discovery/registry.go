package discovery

import (
	"sort"
	"sync"
	"time"

	"unishare/models"
)

// Registry is the table of devices currently considered online. All methods
// are safe for concurrent use and hand out copies.
type Registry struct {
	expiry time.Duration

	mu      sync.RWMutex
	devices map[string]models.Device
}

// NewRegistry creates a registry whose entries expire after expiry without a
// fresh sighting.
func NewRegistry(expiry time.Duration) *Registry {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Registry{expiry: expiry, devices: make(map[string]models.Device)}
}

// Upsert records a sighting of device at now. It reports true on the first
// sighting of the device id.
func (r *Registry) Upsert(device models.Device, now time.Time) bool {
	device = device.Clone()
	device.LastSeen = now

	r.mu.Lock()
	defer r.mu.Unlock()

	previous, exists := r.devices[device.ID]
	if exists {
		if device.BluetoothAddress == "" {
			device.BluetoothAddress = previous.BluetoothAddress
		}
		if len(device.Capabilities) == 0 {
			device.Capabilities = previous.Capabilities
		}
		if previous.LastSeen.After(now) {
			device.LastSeen = previous.LastSeen
		}
	}
	r.devices[device.ID] = device
	return !exists
}

// Prune removes entries not seen within the expiry window and returns them.
func (r *Registry) Prune(now time.Time) []models.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []models.Device
	for id, device := range r.devices {
		if r.expired(device, now) {
			expired = append(expired, device)
			delete(r.devices, id)
		}
	}
	sortDevices(expired)
	return expired
}

// Get returns the device with id unless it has gone unseen past the expiry
// window at now.
func (r *Registry) Get(id string, now time.Time) (models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	device, ok := r.devices[id]
	if !ok || r.expired(device, now) {
		return models.Device{}, false
	}
	return device.Clone(), true
}

// Snapshot returns every device still online at now, ordered by display
// name. Entries awaiting the next Prune are left out.
func (r *Registry) Snapshot(now time.Time) []models.Device {
	r.mu.RLock()
	out := make([]models.Device, 0, len(r.devices))
	for _, device := range r.devices {
		if !r.expired(device, now) {
			out = append(out, device.Clone())
		}
	}
	r.mu.RUnlock()

	sortDevices(out)
	return out
}

func (r *Registry) expired(device models.Device, now time.Time) bool {
	return now.Sub(device.LastSeen) > r.expiry
}

func sortDevices(devices []models.Device) {
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].DisplayName == devices[j].DisplayName {
			return devices[i].ID < devices[j].ID
		}
		return devices[i].DisplayName < devices[j].DisplayName
	})
}
