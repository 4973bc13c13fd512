package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"unishare/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_unishare._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultScanTimeout bounds each mDNS browse window.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// mdnsBroadcaster advertises the local device as a DNS-SD service.
type mdnsBroadcaster struct {
	server *zeroconf.Server
}

func startMDNS(register registerFunc, service, domain string, self models.Device) (*mdnsBroadcaster, error) {
	if strings.TrimSpace(self.ID) == "" {
		return nil, errors.New("self device ID is required")
	}
	if self.Port <= 0 {
		return nil, errors.New("listening port must be > 0")
	}

	txt := []string{
		"device_id=" + self.ID,
		"version=" + strconv.Itoa(beaconVersion),
	}
	if len(self.Capabilities) > 0 {
		caps := make([]string, 0, len(self.Capabilities))
		for _, c := range self.Capabilities {
			caps = append(caps, string(c))
		}
		txt = append(txt, "caps="+strings.Join(caps, ","))
	}
	if self.BluetoothAddress != "" {
		txt = append(txt, "bt="+self.BluetoothAddress)
	}

	server, err := register(self.DisplayName, service, domain, self.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &mdnsBroadcaster{server: server}, nil
}

func (b *mdnsBroadcaster) stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// browseOnce collects the devices answering within one browse window.
func browseOnce(ctx context.Context, browse browseFunc, service, domain, selfID string, timeout time.Duration) ([]models.Device, error) {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]models.Device)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				device, ok := parseEntry(entry, selfID)
				if !ok {
					continue
				}
				collectedMu.Lock()
				collected[device.ID] = device
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, service, domain, entries); err != nil {
		return nil, err
	}
	<-scanCtx.Done()
	<-collectorDone

	collectedMu.Lock()
	defer collectedMu.Unlock()
	out := make([]models.Device, 0, len(collected))
	for _, device := range collected {
		out = append(out, device)
	}
	sortDevices(out)

	// A timeout just means this browse window ended naturally.
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfID string) (models.Device, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfID {
		return models.Device{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	// IPv4 sorts first, the address most transports can dial.
	sort.SliceStable(addresses, func(i, j int) bool {
		return strings.Contains(addresses[j], ":") && !strings.Contains(addresses[i], ":")
	})
	if len(addresses) == 0 {
		return models.Device{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	var caps []models.Capability
	for _, c := range strings.Split(txt["caps"], ",") {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, models.Capability(c))
		}
	}

	return models.Device{
		ID:               deviceID,
		DisplayName:      name,
		Address:          addresses[0],
		Port:             entry.Port,
		BluetoothAddress: txt["bt"],
		Capabilities:     caps,
		Source:           SourceMDNS,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
