package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"unishare/models"
)

const (
	beaconApp     = "unishare"
	beaconVersion = 1
	// maxBeaconSize bounds one datagram.
	maxBeaconSize = 2048
)

var errNotBeacon = errors.New("discovery: not a device beacon")

// beacon is the JSON datagram periodically broadcast by an advertising device.
type beacon struct {
	App              string              `json:"app"`
	Version          int                 `json:"v"`
	ID               string              `json:"id"`
	Name             string              `json:"name"`
	Port             int                 `json:"port,omitempty"`
	BluetoothAddress string              `json:"bt,omitempty"`
	Capabilities     []models.Capability `json:"caps,omitempty"`
}

func encodeBeacon(self models.Device) ([]byte, error) {
	raw, err := json.Marshal(beacon{
		App:              beaconApp,
		Version:          beaconVersion,
		ID:               self.ID,
		Name:             self.DisplayName,
		Port:             self.Port,
		BluetoothAddress: self.BluetoothAddress,
		Capabilities:     self.Capabilities,
	})
	if err != nil {
		return nil, fmt.Errorf("encode beacon: %w", err)
	}
	if len(raw) > maxBeaconSize {
		return nil, fmt.Errorf("encode beacon: %d bytes exceeds %d", len(raw), maxBeaconSize)
	}
	return raw, nil
}

// decodeBeacon parses a datagram received from host.
func decodeBeacon(payload []byte, host string) (models.Device, error) {
	var b beacon
	if err := json.Unmarshal(payload, &b); err != nil {
		return models.Device{}, fmt.Errorf("%w: %v", errNotBeacon, err)
	}
	if b.App != beaconApp || b.Version < 1 {
		return models.Device{}, errNotBeacon
	}
	id := strings.TrimSpace(b.ID)
	if id == "" {
		return models.Device{}, fmt.Errorf("%w: missing device id", errNotBeacon)
	}
	name := strings.TrimSpace(b.Name)
	if name == "" {
		name = id
	}
	return models.Device{
		ID:               id,
		DisplayName:      name,
		Address:          host,
		Port:             b.Port,
		BluetoothAddress: b.BluetoothAddress,
		Capabilities:     b.Capabilities,
		Source:           SourceBroadcast,
	}, nil
}
