// Package connectivity reports which transport families the host can use
// right now.
package connectivity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultProbeURL is contacted to decide internet reachability.
	DefaultProbeURL = "https://www.google.com"
	// DefaultInternetTimeout bounds the internet probe.
	DefaultInternetTimeout = 3 * time.Second
)

// Status is one point-in-time availability reading.
type Status struct {
	WifiDirect bool `json:"wifiDirect"`
	Bluetooth  bool `json:"bluetooth"`
	Internet   bool `json:"internet"`
}

// Probe answers a single availability question. An error counts as
// unavailable.
type Probe func(ctx context.Context) (bool, error)

// Options selects the probes. Nil probes use the host implementations.
type Options struct {
	Wifi      Probe
	Bluetooth Probe
	Internet  Probe

	ProbeURL        string
	InternetTimeout time.Duration
	HTTPClient      *http.Client

	Logger *logrus.Entry
}

// Aggregator combines the probes into a Status.
type Aggregator struct {
	wifi      Probe
	bluetooth Probe
	internet  Probe
	log       *logrus.Entry
}

// New returns an aggregator over opts.
func New(opts Options) *Aggregator {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.ProbeURL == "" {
		opts.ProbeURL = DefaultProbeURL
	}
	if opts.InternetTimeout <= 0 {
		opts.InternetTimeout = DefaultInternetTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.InternetTimeout}
	}

	a := &Aggregator{
		wifi:      opts.Wifi,
		bluetooth: opts.Bluetooth,
		internet:  opts.Internet,
		log:       opts.Logger.WithField("component", "connectivity"),
	}
	if a.wifi == nil {
		a.wifi = LocalNetworkProbe
	}
	if a.bluetooth == nil {
		a.bluetooth = BluetoothProbe
	}
	if a.internet == nil {
		a.internet = HTTPProbe(opts.HTTPClient, opts.ProbeURL, opts.InternetTimeout)
	}
	return a
}

// Snapshot runs every probe concurrently and reports the result. Nothing is
// cached between calls.
func (a *Aggregator) Snapshot(ctx context.Context) Status {
	var status Status
	g, gctx := errgroup.WithContext(ctx)
	run := func(name string, probe Probe, out *bool) {
		g.Go(func() error {
			ok, err := probe(gctx)
			if err != nil {
				a.log.WithError(err).WithField("probe", name).Debug("probe failed")
				return nil
			}
			*out = ok
			return nil
		})
	}
	run("wifi", a.wifi, &status.WifiDirect)
	run("bluetooth", a.bluetooth, &status.Bluetooth)
	run("internet", a.internet, &status.Internet)
	_ = g.Wait()

	a.log.WithFields(logrus.Fields{
		"wifi":      status.WifiDirect,
		"bluetooth": status.Bluetooth,
		"internet":  status.Internet,
	}).Debug("connectivity snapshot")
	return status
}

// LocalNetworkProbe reports whether an up, non-loopback interface holds an
// IPv4 address, which the Tcp and hotspot discovery transports need.
func LocalNetworkProbe(context.Context) (bool, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil && !ipNet.IP.IsLoopback() {
				return true, nil
			}
		}
	}
	return false, nil
}

// HTTPProbe reports whether a HEAD request to url gets any response within
// timeout.
func HTTPProbe(client *http.Client, url string, timeout time.Duration) Probe {
	return func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false, fmt.Errorf("build probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, nil
		}
		_ = resp.Body.Close()
		return true, nil
	}
}
