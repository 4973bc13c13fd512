package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"unishare/apperr"
	"unishare/models"
)

// Bluetooth link modes.
const (
	BluetoothAuto   = "auto"
	BluetoothRFCOMM = "rfcomm"
	BluetoothTCP    = "tcp"
)

// BluetoothOptions configures the Bluetooth transport.
type BluetoothOptions struct {
	// Mode selects native RFCOMM sockets, TCP emulation, or auto.
	Mode string
	// Channel is the RFCOMM channel used when an address carries none and
	// the channel a listener binds.
	Channel int
	// EmulationPort is the TCP port of the emulated link.
	EmulationPort int
	Dial          DialOptions
}

// Bluetooth carries streams over RFCOMM where the platform supports it and
// over a TCP emulation of the link otherwise.
//
// In auto mode, MAC-style addresses ("AA:BB:CC:DD:EE:FF" or
// "AA:BB:CC:DD:EE:FF/5") are dialled over RFCOMM and anything else over the
// emulated link; listeners accept on both when RFCOMM is available.
type Bluetooth struct {
	opts      BluetoothOptions
	emulation *TCP
	rfcomm    rfcommSockets
}

// rfcommSockets is the platform RFCOMM implementation.
type rfcommSockets interface {
	supported() bool
	connect(ctx context.Context, addr BluetoothAddress) (Stream, error)
	listen(ctx context.Context, channel int) (Listener, error)
}

// NewBluetooth returns the Bluetooth transport.
func NewBluetooth(opts BluetoothOptions) *Bluetooth {
	if opts.Mode == "" {
		opts.Mode = BluetoothAuto
	}
	if opts.Channel <= 0 {
		opts.Channel = 3
	}
	return &Bluetooth{
		opts:      opts,
		emulation: newTCPFamily(models.TransportBluetooth, opts.EmulationPort, opts.Dial),
		rfcomm:    platformRFCOMM(),
	}
}

func (b *Bluetooth) Kind() models.TransportKind { return models.TransportBluetooth }

// Mode returns the configured link mode.
func (b *Bluetooth) Mode() string { return b.opts.Mode }

// Available reports whether the configured mode can run on this host. The
// emulated link is always available.
func (b *Bluetooth) Available() bool {
	if b.opts.Mode == BluetoothRFCOMM {
		return b.rfcomm.supported()
	}
	return true
}

// PeerKey returns address in the form used to tell peers apart. Device
// addresses gain the default channel and hosts of the emulated link the
// emulation port, matching what Connect dials.
func (b *Bluetooth) PeerKey(address string) string {
	if b.opts.Mode != BluetoothTCP {
		if addr, isMAC := ParseBluetoothAddress(address, b.opts.Channel); isMAC {
			return addr.String()
		}
	}
	return b.emulation.PeerKey(address)
}

// Connect dials a Bluetooth peer.
func (b *Bluetooth) Connect(ctx context.Context, address string) (Stream, error) {
	addr, isMAC := ParseBluetoothAddress(address, b.opts.Channel)
	switch {
	case b.opts.Mode == BluetoothTCP || (b.opts.Mode == BluetoothAuto && !isMAC):
		return b.emulation.Connect(ctx, address)
	case !isMAC:
		return nil, apperr.Errorf(apperr.ConnectFailed, "connect "+address, "not a bluetooth device address")
	case !b.rfcomm.supported():
		return nil, apperr.Errorf(apperr.TransportUnavailable, "connect "+address, "rfcomm sockets are not supported on this host")
	}
	return dialWithRetry(ctx, b.opts.Dial, addr.String(), func(ctx context.Context) (Stream, error) {
		return b.rfcomm.connect(ctx, addr)
	})
}

// Listen accepts Bluetooth peers. bind selects the TCP address of the
// emulated link; the RFCOMM listener always binds the configured channel on
// every local adapter.
func (b *Bluetooth) Listen(ctx context.Context, bind string) (Listener, error) {
	switch b.opts.Mode {
	case BluetoothTCP:
		return b.emulation.Listen(ctx, bind)
	case BluetoothRFCOMM:
		if !b.rfcomm.supported() {
			return nil, apperr.Errorf(apperr.TransportUnavailable, "listen", "rfcomm sockets are not supported on this host")
		}
		return b.rfcomm.listen(ctx, b.opts.Channel)
	}

	emulated, err := b.emulation.Listen(ctx, bind)
	if err != nil {
		return nil, err
	}
	if !b.rfcomm.supported() {
		return emulated, nil
	}
	native, err := b.rfcomm.listen(ctx, b.opts.Channel)
	if err != nil {
		// The emulated link still serves peers when no adapter can bind.
		return emulated, nil
	}
	return mergeListeners(emulated, native), nil
}

// BluetoothAddress is a device address plus RFCOMM channel.
type BluetoothAddress struct {
	MAC     net.HardwareAddr
	Channel int
}

func (a BluetoothAddress) String() string {
	return strings.ToUpper(a.MAC.String()) + "/" + strconv.Itoa(a.Channel)
}

// ParseBluetoothAddress parses "AA:BB:CC:DD:EE:FF[/channel]". It reports
// false when s is not a 6-byte hardware address.
func ParseBluetoothAddress(s string, defaultChannel int) (BluetoothAddress, bool) {
	host, channelText, hasChannel := strings.Cut(strings.TrimSpace(s), "/")
	mac, err := net.ParseMAC(host)
	if err != nil || len(mac) != 6 || strings.Count(host, ":") != 5 {
		return BluetoothAddress{}, false
	}
	channel := defaultChannel
	if hasChannel {
		parsed, err := strconv.Atoi(channelText)
		if err != nil || parsed < 1 || parsed > 30 {
			return BluetoothAddress{}, false
		}
		channel = parsed
	}
	return BluetoothAddress{MAC: mac, Channel: channel}, true
}

func formatMAC(b [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5])
}
