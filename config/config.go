package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "unishare"
	// DataDirEnv overrides the resolved data directory when set.
	DataDirEnv = "UNISHARE_DATA_DIR"

	// DefaultTCPPort is the fixed port of the local Wi-Fi transport.
	DefaultTCPPort = 9000
	// DefaultBluetoothPort is the TCP port used when Bluetooth is emulated over IP.
	DefaultBluetoothPort = 9001
	// DefaultDiscoveryPort is the UDP port of the hotspot beacon channel.
	DefaultDiscoveryPort = 9002
	// DefaultBridgeAddr is where the UI bridge listens.
	DefaultBridgeAddr = "127.0.0.1:9010"
	// DefaultRFCOMMChannel is used when a Bluetooth address carries no channel.
	DefaultRFCOMMChannel = 3

	// DefaultChunkSize is the payload size of one chunk.
	DefaultChunkSize = 64 * 1024
	// MaxChunkSize caps ChunkSize.
	MaxChunkSize = 64 * 1024
	// DefaultWindowSize is the number of unacknowledged chunks a sender keeps in flight.
	DefaultWindowSize = 8
	// DefaultMaxChunkRetries bounds retransmissions of one chunk.
	DefaultMaxChunkRetries = 3
	// DefaultConnectAttempts bounds dial attempts per send.
	DefaultConnectAttempts = 3

	// BluetoothModeAuto picks RFCOMM for MAC addresses and TCP emulation otherwise.
	BluetoothModeAuto = "auto"
	// BluetoothModeRFCOMM always uses native RFCOMM sockets.
	BluetoothModeRFCOMM = "rfcomm"
	// BluetoothModeTCP always emulates Bluetooth over TCP.
	BluetoothModeTCP = "tcp"

	// DefaultInternetProbeURL is requested by the internet reachability probe.
	DefaultInternetProbeURL = "https://www.google.com"

	configFileName = "config.json"
)

// Duration is a time.Duration persisted as a Go duration string ("30s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", text, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var nanos int64
	if err := json.Unmarshal(raw, &nanos); err != nil {
		return fmt.Errorf("duration must be a string or integer nanoseconds: %s", raw)
	}
	*d = Duration(nanos)
	return nil
}

// Config contains persistent engine settings.
type Config struct {
	DeviceID    string `json:"device_id"`
	DeviceName  string `json:"device_name"`
	DownloadDir string `json:"download_dir"`
	HistoryPath string `json:"history_path"`

	TCPPort       int    `json:"tcp_port"`
	BluetoothPort int    `json:"bluetooth_port"`
	BluetoothMode string `json:"bluetooth_mode"`
	RFCOMMChannel int    `json:"rfcomm_channel"`

	ChunkSize       int      `json:"chunk_size"`
	WindowSize      int      `json:"window_size"`
	MaxChunkRetries int      `json:"max_chunk_retries"`
	ConnectAttempts int      `json:"connect_attempts"`
	ConnectTimeout  Duration `json:"connect_timeout"`
	IdleTimeout     Duration `json:"idle_timeout"`
	ListenTimeout   Duration `json:"listen_timeout"`

	ICEServers         []string `json:"ice_servers"`
	GatherTimeout      Duration `json:"gather_timeout"`
	NegotiationTimeout Duration `json:"negotiation_timeout"`
	AnswerTimeout      Duration `json:"answer_timeout"`

	DiscoveryPort     int      `json:"discovery_port"`
	DiscoveryTargets  []string `json:"discovery_targets"`
	AdvertiseInterval Duration `json:"advertise_interval"`
	DiscoveryExpiry   Duration `json:"discovery_expiry"`
	EnableMDNS        bool     `json:"enable_mdns"`

	InternetProbeURL string `json:"internet_probe_url"`
	BridgeAddr       string `json:"bridge_addr"`
	LogLevel         string `json:"log_level"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If UNISHARE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the data directory and the download
// directory of cfg if needed.
func EnsureDataDirectories(dataDir string, cfg *Config) error {
	dirs := []string{dataDir}
	if cfg != nil && cfg.DownloadDir != "" {
		dirs = append(dirs, cfg.DownloadDir)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create directory %q: %w", dataDir, err)
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	switch {
	case err == nil:
		if normalizeDefaults(cfg, dataDir) {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", err
			}
		}
	case errors.Is(err, fs.ErrNotExist):
		cfg = Default(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	default:
		return nil, "", err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir, cfg); err != nil {
		return nil, "", err
	}

	return cfg, cfgPath, nil
}

// Default returns a fully populated configuration rooted at dataDir.
func Default(dataDir string) *Config {
	cfg := &Config{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("config: chunk_size must be in (0, %d], got %d", MaxChunkSize, c.ChunkSize)
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("config: window_size must be positive, got %d", c.WindowSize)
	}
	if c.MaxChunkRetries < 0 {
		return fmt.Errorf("config: max_chunk_retries must not be negative, got %d", c.MaxChunkRetries)
	}
	for name, port := range map[string]int{
		"tcp_port":       c.TCPPort,
		"bluetooth_port": c.BluetoothPort,
		"discovery_port": c.DiscoveryPort,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("config: %s out of range: %d", name, port)
		}
	}
	if normalizeBluetoothMode(c.BluetoothMode) == "" {
		return fmt.Errorf("config: unknown bluetooth_mode %q", c.BluetoothMode)
	}
	return nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "UniShare Device"
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	setString := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}
	setDuration := func(field *Duration, value time.Duration) {
		if *field <= 0 {
			*field = Duration(value)
			updated = true
		}
	}

	setString(&cfg.DeviceID, uuid.NewString())
	setString(&cfg.DeviceName, defaultDeviceName())
	setString(&cfg.DownloadDir, filepath.Join(dataDir, "received"))
	setString(&cfg.HistoryPath, filepath.Join(dataDir, "history.db"))

	setInt(&cfg.TCPPort, DefaultTCPPort)
	setInt(&cfg.BluetoothPort, DefaultBluetoothPort)
	setInt(&cfg.RFCOMMChannel, DefaultRFCOMMChannel)
	mode := normalizeBluetoothMode(cfg.BluetoothMode)
	if mode == "" && strings.TrimSpace(cfg.BluetoothMode) == "" {
		mode = BluetoothModeAuto
	}
	if mode != "" && cfg.BluetoothMode != mode {
		cfg.BluetoothMode = mode
		updated = true
	}

	setInt(&cfg.ChunkSize, DefaultChunkSize)
	setInt(&cfg.WindowSize, DefaultWindowSize)
	if cfg.MaxChunkRetries == 0 {
		cfg.MaxChunkRetries = DefaultMaxChunkRetries
		updated = true
	}
	setInt(&cfg.ConnectAttempts, DefaultConnectAttempts)
	setDuration(&cfg.ConnectTimeout, 5*time.Second)
	setDuration(&cfg.IdleTimeout, 30*time.Second)
	setDuration(&cfg.ListenTimeout, 10*time.Minute)

	if cfg.ICEServers == nil {
		cfg.ICEServers = []string{}
		updated = true
	}
	setDuration(&cfg.GatherTimeout, 10*time.Second)
	setDuration(&cfg.NegotiationTimeout, 30*time.Second)
	setDuration(&cfg.AnswerTimeout, 5*time.Minute)

	setInt(&cfg.DiscoveryPort, DefaultDiscoveryPort)
	setDuration(&cfg.AdvertiseInterval, 2*time.Second)
	setDuration(&cfg.DiscoveryExpiry, 60*time.Second)

	setString(&cfg.InternetProbeURL, DefaultInternetProbeURL)
	setString(&cfg.BridgeAddr, DefaultBridgeAddr)
	setString(&cfg.LogLevel, "info")

	return updated
}

func normalizeBluetoothMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case BluetoothModeAuto:
		return BluetoothModeAuto
	case BluetoothModeRFCOMM:
		return BluetoothModeRFCOMM
	case BluetoothModeTCP:
		return BluetoothModeTCP
	default:
		return ""
	}
}
