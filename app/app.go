// Package app wires the engine components together and exposes them as the
// named commands a UI calls.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"unishare/config"
	"unishare/connectivity"
	"unishare/discovery"
	"unishare/events"
	"unishare/models"
	"unishare/signaling"
	"unishare/storage"
	"unishare/transfer"
	"unishare/transport"
)

// Push notification names.
const (
	EventDeviceDiscovered = "device-discovered"
	EventDeviceExpired    = "device-expired"
	EventTransferProgress = "transfer-progress"
	EventTransferState    = "transfer-state"
)

// Notification is one asynchronous push delivered to UI subscribers.
type Notification struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// History archives finished sessions and lists them back.
type History interface {
	transfer.HistorySink
	ListTransfers(filter storage.TransferFilter) ([]models.TransferRecord, error)
}

// Options configures an App. Only Config is required; the remaining fields
// replace the components New would build from it.
type Options struct {
	Config  *config.Config
	History History
	Logger  *logrus.Entry

	Transports   transport.Set
	Binds        map[models.TransportKind]string
	Discovery    *discovery.Service
	Connectivity *connectivity.Aggregator
	// IncludeLoopback lets WebRTC peers on the same host find each other.
	IncludeLoopback bool
}

// App owns every long-lived component of one engine process.
type App struct {
	cfg *config.Config
	log *logrus.Entry

	transports   transport.Set
	signaling    *signaling.Coordinator
	transfers    *transfer.Manager
	discovery    *discovery.Service
	connectivity *connectivity.Aggregator
	history      History

	hub       *events.Hub[Notification]
	unsub     []func()
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds the engine from opts and starts forwarding component events.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	transports := opts.Transports
	if transports == nil {
		dial := transport.DialOptions{
			Attempts: cfg.ConnectAttempts,
			Timeout:  cfg.ConnectTimeout.Std(),
			Logger:   logger.WithField("component", "transport"),
		}
		transports = transport.NewSet(
			transport.NewTCP(cfg.TCPPort, dial),
			transport.NewBluetooth(transport.BluetoothOptions{
				Mode:          cfg.BluetoothMode,
				Channel:       cfg.RFCOMMChannel,
				EmulationPort: cfg.BluetoothPort,
				Dial:          dial,
			}),
			transport.NewWebRTC(),
		)
	}

	coordinator := signaling.NewCoordinator(signaling.Options{
		ICEServers:         cfg.ICEServers,
		GatherTimeout:      cfg.GatherTimeout.Std(),
		NegotiationTimeout: cfg.NegotiationTimeout.Std(),
		AnswerTimeout:      cfg.AnswerTimeout.Std(),
		IncludeLoopback:    opts.IncludeLoopback,
		Logger:             logger,
	})

	var sink transfer.HistorySink
	if opts.History != nil {
		sink = opts.History
	}
	manager, err := transfer.NewManager(transfer.Options{
		Transports:      transports,
		Negotiator:      coordinator,
		History:         sink,
		DownloadDir:     cfg.DownloadDir,
		Binds:           opts.Binds,
		ChunkSize:       cfg.ChunkSize,
		WindowSize:      cfg.WindowSize,
		MaxChunkRetries: cfg.MaxChunkRetries,
		IdleTimeout:     cfg.IdleTimeout.Std(),
		ListenTimeout:   cfg.ListenTimeout.Std(),
		Logger:          logger,
	})
	if err != nil {
		_ = coordinator.Close()
		return nil, err
	}

	disc := opts.Discovery
	if disc == nil {
		disc = discovery.NewService(discovery.Options{
			SelfID:     cfg.DeviceID,
			Port:       cfg.DiscoveryPort,
			Targets:    cfg.DiscoveryTargets,
			Interval:   cfg.AdvertiseInterval.Std(),
			Expiry:     cfg.DiscoveryExpiry.Std(),
			EnableMDNS: cfg.EnableMDNS,
			Logger:     logger,
		})
	}

	agg := opts.Connectivity
	if agg == nil {
		agg = connectivity.New(connectivity.Options{
			ProbeURL: cfg.InternetProbeURL,
			Logger:   logger,
		})
	}

	a := &App{
		cfg:          cfg,
		log:          logger.WithField("component", "app"),
		transports:   transports,
		signaling:    coordinator,
		transfers:    manager,
		discovery:    disc,
		connectivity: agg,
		history:      opts.History,
		hub:          events.NewHub[Notification](256),
	}

	transferEvents, stopTransfers := manager.Subscribe()
	discoveryEvents, stopDiscovery := disc.Subscribe()
	a.unsub = []func(){stopTransfers, stopDiscovery}
	a.wg.Add(2)
	go a.forwardTransfers(transferEvents)
	go a.forwardDiscovery(discoveryEvents)

	return a, nil
}

// Subscribe returns the push notification stream and a func that ends it.
func (a *App) Subscribe() (<-chan Notification, func()) {
	return a.hub.Subscribe()
}

// Self describes the local device as discovery advertises it. Internet is
// claimed only when WebRTC is configured and the reachability probe passes.
func (a *App) Self(ctx context.Context) models.Device {
	caps := []models.Capability{models.CapabilityWifi}
	if bt, err := a.transports.Get(models.TransportBluetooth); err == nil && bt.Available() {
		caps = append(caps, models.CapabilityBluetooth)
	}
	if _, err := a.transports.Get(models.TransportWebRTC); err == nil && a.connectivity.Snapshot(ctx).Internet {
		caps = append(caps, models.CapabilityInternet)
	}
	return models.Device{
		ID:           a.cfg.DeviceID,
		DisplayName:  a.cfg.DeviceName,
		Port:         a.cfg.TCPPort,
		Capabilities: caps,
	}
}

// Close stops discovery, cancels active transfers and ends every
// subscription. It is safe to call more than once.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = errors.Join(
			a.discovery.Close(),
			a.transfers.Close(),
			a.signaling.Close(),
		)
		for _, stop := range a.unsub {
			stop()
		}
		a.wg.Wait()
		a.hub.Close()
	})
	return err
}

func (a *App) forwardTransfers(ch <-chan transfer.Event) {
	defer a.wg.Done()
	for ev := range ch {
		name := EventTransferState
		if ev.Type == transfer.EventProgress {
			name = EventTransferProgress
		}
		a.hub.Publish(Notification{Event: name, Payload: ev.Session})
	}
}

func (a *App) forwardDiscovery(ch <-chan discovery.Event) {
	defer a.wg.Done()
	for ev := range ch {
		switch ev.Type {
		case discovery.EventDeviceDiscovered:
			a.hub.Publish(Notification{Event: EventDeviceDiscovered, Payload: discovery.DisplayString(ev.Device)})
		case discovery.EventDeviceExpired:
			a.hub.Publish(Notification{Event: EventDeviceExpired, Payload: ev.Device})
		}
	}
}

func (a *App) commandLog(command string) *logrus.Entry {
	return a.log.WithField("command", command)
}

func transportLabel(kind models.TransportKind) string {
	switch kind {
	case models.TransportTCP:
		return "Wi-Fi Direct"
	case models.TransportBluetooth:
		return "Bluetooth"
	case models.TransportWebRTC:
		return "WebRTC"
	default:
		return string(kind)
	}
}

func unknownCommand(name string) error {
	return fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

// ErrUnknownCommand is returned by Invoke for names it does not serve.
var ErrUnknownCommand = errors.New("app: unknown command")
