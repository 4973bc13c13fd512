// Package discovery finds peers on the local network. Devices advertise
// themselves with periodic UDP beacons on the hotspot discovery port and,
// optionally, as an mDNS service; scanners keep a registry of devices heard
// recently and push a notification on first sight and on expiry.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"unishare/events"
	"unishare/models"
)

const (
	// DefaultPort is the UDP port beacons are broadcast to.
	DefaultPort = 9002
	// DefaultInterval is the beacon period.
	DefaultInterval = 2 * time.Second
	// DefaultExpiry is how long a device stays listed without a beacon.
	DefaultExpiry = 60 * time.Second
	// DefaultBrowseInterval is the period between mDNS browse windows.
	DefaultBrowseInterval = 10 * time.Second

	SourceBroadcast = "broadcast"
	SourceMDNS      = "mdns"
)

// EventType identifies a registry change.
type EventType string

const (
	EventDeviceDiscovered EventType = "device_discovered"
	EventDeviceExpired    EventType = "device_expired"
)

// Event carries a discovery update.
type Event struct {
	Type   EventType     `json:"type"`
	Device models.Device `json:"device"`
}

// Options controls advertising and scanning.
type Options struct {
	// SelfID is the local device id; beacons carrying it are ignored.
	SelfID string
	// Port is the discovery UDP port.
	Port int
	// Bind is the scan listen address; empty binds Port on all interfaces.
	Bind string
	// Targets are the addresses beacons are sent to; empty broadcasts to
	// 255.255.255.255 on Port.
	Targets []string
	// Interval is both the beacon period and the prune tick.
	Interval time.Duration
	Expiry   time.Duration

	EnableMDNS     bool
	Service        string
	Domain         string
	BrowseInterval time.Duration
	ScanTimeout    time.Duration

	Registry *Registry
	Logger   *logrus.Entry
	Now      func() time.Time

	registerFn registerFunc
	browseFn   browseFunc
}

func (o Options) withDefaults() Options {
	out := o
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.Bind == "" {
		out.Bind = net.JoinHostPort("", strconv.Itoa(out.Port))
	}
	if len(out.Targets) == 0 {
		out.Targets = []string{net.JoinHostPort(net.IPv4bcast.String(), strconv.Itoa(out.Port))}
	}
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.Expiry <= 0 {
		out.Expiry = DefaultExpiry
	}
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.BrowseInterval <= 0 {
		out.BrowseInterval = DefaultBrowseInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Registry == nil {
		out.Registry = NewRegistry(out.Expiry)
	}
	if out.Logger == nil {
		out.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// Service runs the advertiser and scanner as independent background tasks.
type Service struct {
	opts Options
	log  *logrus.Entry
	hub  *events.Hub[Event]

	mu        sync.Mutex
	advertise *task
	scan      *task
	scanAddr  string
	closed    bool
}

type task struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stop   func()
}

func (t *task) halt() {
	t.cancel()
	if t.stop != nil {
		t.stop()
	}
	t.wg.Wait()
}

// NewService creates a stopped discovery service.
func NewService(opts Options) *Service {
	cfg := opts.withDefaults()
	return &Service{
		opts: cfg,
		log:  cfg.Logger.WithField("component", "discovery"),
		hub:  events.NewHub[Event](128),
	}
}

// Registry returns the device table the service maintains.
func (s *Service) Registry() *Registry { return s.opts.Registry }

// Subscribe returns discovery events and a func ending the subscription.
func (s *Service) Subscribe() (<-chan Event, func()) { return s.hub.Subscribe() }

// Devices returns the devices currently considered online.
func (s *Service) Devices() []models.Device { return s.opts.Registry.Snapshot(s.opts.Now()) }

// Advertising reports whether the advertiser runs.
func (s *Service) Advertising() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertise != nil
}

// Scanning reports whether the scanner runs.
func (s *Service) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scan != nil
}

// ScanAddr returns the bound scan address while scanning.
func (s *Service) ScanAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanAddr
}

// StartAdvertising begins broadcasting self. It is a no-op while already
// advertising.
func (s *Service) StartAdvertising(self models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("discovery: service closed")
	}
	if s.advertise != nil {
		return nil
	}
	if self.ID == "" {
		return errors.New("discovery: device id is required")
	}

	payload, err := encodeBeacon(self)
	if err != nil {
		return err
	}
	targets := make([]*net.UDPAddr, 0, len(s.opts.Targets))
	for _, target := range s.opts.Targets {
		addr, err := net.ResolveUDPAddr("udp4", target)
		if err != nil {
			return fmt.Errorf("discovery: resolve beacon target %q: %w", target, err)
		}
		targets = append(targets, addr)
	}
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("discovery: open beacon socket: %w", err)
	}

	var broadcaster *mdnsBroadcaster
	if s.opts.EnableMDNS {
		broadcaster, err = startMDNS(s.opts.registerFn, s.opts.Service, s.opts.Domain, self)
		if err != nil {
			// Beacons still work without multicast DNS.
			s.log.WithError(err).Warn("mDNS advertising unavailable")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, stop: func() {
		_ = conn.Close()
		broadcaster.stop()
	}}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		s.beaconLoop(ctx, conn, targets, payload)
	}()
	s.advertise = t

	s.log.WithFields(logrus.Fields{"device": self.ID, "targets": s.opts.Targets}).Info("advertising started")
	return nil
}

func (s *Service) beaconLoop(ctx context.Context, conn net.PacketConn, targets []*net.UDPAddr, payload []byte) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		for _, target := range targets {
			if _, err := conn.WriteTo(payload, target); err != nil && ctx.Err() == nil {
				s.log.WithError(err).WithField("target", target.String()).Debug("send beacon")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// StopAdvertising stops the advertiser.
func (s *Service) StopAdvertising() {
	s.mu.Lock()
	t := s.advertise
	s.advertise = nil
	s.mu.Unlock()
	if t != nil {
		t.halt()
		s.log.Info("advertising stopped")
	}
}

// StartScanning begins listening for beacons. It is a no-op while already
// scanning.
func (s *Service) StartScanning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("discovery: service closed")
	}
	if s.scan != nil {
		return nil
	}

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "udp4", s.opts.Bind)
	if err != nil {
		return fmt.Errorf("discovery: listen on %s: %w", s.opts.Bind, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, stop: func() { _ = conn.Close() }}
	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		s.readLoop(ctx, conn)
	}()
	go func() {
		defer t.wg.Done()
		s.pruneLoop(ctx)
	}()

	if s.opts.EnableMDNS {
		browse := s.opts.browseFn
		if browse == nil {
			resolver, err := zeroconf.NewResolver(nil)
			if err != nil {
				s.log.WithError(err).Warn("mDNS scanning unavailable")
			} else {
				browse = resolver.Browse
			}
		}
		if browse != nil {
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				s.browseLoop(ctx, browse)
			}()
		}
	}

	s.scan = t
	s.scanAddr = conn.LocalAddr().String()
	s.log.WithField("addr", s.scanAddr).Info("scanning started")
	return nil
}

func (s *Service) readLoop(ctx context.Context, conn net.PacketConn) {
	buf := make([]byte, maxBeaconSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Debug("read beacon")
			continue
		}

		host := from.String()
		if udp, ok := from.(*net.UDPAddr); ok {
			host = udp.IP.String()
		}
		device, err := decodeBeacon(buf[:n], host)
		if err != nil {
			s.log.WithError(err).WithField("from", from.String()).Debug("ignoring datagram")
			continue
		}
		s.observe(device)
	}
}

func (s *Service) browseLoop(ctx context.Context, browse browseFunc) {
	ticker := time.NewTicker(s.opts.BrowseInterval)
	defer ticker.Stop()

	for {
		devices, err := browseOnce(ctx, browse, s.opts.Service, s.opts.Domain, s.opts.SelfID, s.opts.ScanTimeout)
		if err != nil && ctx.Err() == nil {
			s.log.WithError(err).Debug("mDNS browse")
		}
		for _, device := range devices {
			s.observe(device)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Prune()
		}
	}
}

// observe records a sighting unless it is our own.
func (s *Service) observe(device models.Device) {
	if device.ID == s.opts.SelfID {
		return
	}
	now := s.opts.Now()
	if s.opts.Registry.Upsert(device, now) {
		stored, _ := s.opts.Registry.Get(device.ID, now)
		s.log.WithFields(logrus.Fields{
			"device":  stored.ID,
			"name":    stored.DisplayName,
			"address": stored.Address,
			"source":  stored.Source,
		}).Info("device discovered")
		s.hub.Publish(Event{Type: EventDeviceDiscovered, Device: stored})
	}
}

// Prune expires stale devices now and publishes an event for each.
func (s *Service) Prune() []models.Device {
	expired := s.opts.Registry.Prune(s.opts.Now())
	for _, device := range expired {
		s.log.WithField("device", device.ID).Info("device expired")
		s.hub.Publish(Event{Type: EventDeviceExpired, Device: device})
	}
	return expired
}

// StopScanning stops the scanner. The registry keeps its entries until
// they expire on a later scan.
func (s *Service) StopScanning() {
	s.mu.Lock()
	t := s.scan
	s.scan = nil
	s.scanAddr = ""
	s.mu.Unlock()
	if t != nil {
		t.halt()
		s.log.Info("scanning stopped")
	}
}

// Close stops both tasks and ends every subscription.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.StopAdvertising()
	s.StopScanning()
	s.hub.Close()
	return nil
}

// DisplayString renders device the way discovery notifications show it.
func DisplayString(device models.Device) string {
	if device.Address == "" {
		return "Discovered " + device.DisplayName
	}
	return fmt.Sprintf("Discovered %s (%s)", device.DisplayName, device.Address)
}
