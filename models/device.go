package models

import (
	"slices"
	"time"
)

// Capability is a transport family a device says it can use.
type Capability string

const (
	CapabilityWifi      Capability = "wifi"
	CapabilityBluetooth Capability = "bluetooth"
	CapabilityInternet  Capability = "internet"
)

// Device represents a peer learned from discovery or entered manually.
type Device struct {
	ID               string       `json:"id"`
	DisplayName      string       `json:"display_name"`
	Address          string       `json:"address"`
	Port             int          `json:"port,omitempty"`
	BluetoothAddress string       `json:"bluetooth_address,omitempty"`
	Capabilities     []Capability `json:"capabilities"`
	LastSeen         time.Time    `json:"last_seen"`
	Source           string       `json:"source,omitempty"`
}

// Has reports whether the device advertises capability c.
func (d Device) Has(c Capability) bool {
	return slices.Contains(d.Capabilities, c)
}

// Clone returns a copy that shares no slices with d.
func (d Device) Clone() Device {
	out := d
	out.Capabilities = slices.Clone(d.Capabilities)
	return out
}
