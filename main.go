package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"unishare/app"
	"unishare/bridge"
	"unishare/config"
	"unishare/models"
	"unishare/storage"
)

var version = "0.1.0"

type globalFlags struct {
	logLevel string
	logJSON  bool
}

// runtime is everything one command invocation needs.
type runtime struct {
	cfg     *config.Config
	cfgPath string
	log     *logrus.Entry
	store   *storage.Store
	app     *app.App
}

func (r *runtime) close() {
	if err := r.app.Close(); err != nil {
		r.log.WithError(err).Warn("engine shutdown")
	}
	if err := r.store.Close(); err != nil {
		r.log.WithError(err).Warn("database close error")
	}
}

func main() {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "unishare",
		Short:         "Peer-to-peer file transfer over Wi-Fi, Bluetooth and WebRTC",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error); defaults to the config value")
	rootCmd.PersistentFlags().BoolVar(&flags.logJSON, "log-json", false, "emit logs as JSON")

	rootCmd.AddCommand(
		serveCommand(flags),
		sendCommand(flags),
		receiveCommand(flags),
		webrtcSendCommand(flags),
		webrtcReceiveCommand(flags),
		statusCommand(flags),
		discoverCommand(flags),
		historyCommand(flags),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newLogger(flags *globalFlags, cfg *config.Config) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if flags.logJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	levelName := flags.logLevel
	if levelName == "" {
		levelName = cfg.LogLevel
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logrus.NewEntry(logger).WithField("device", cfg.DeviceName)
}

func startRuntime(flags *globalFlags) (*runtime, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("startup failed while loading config: %w", err)
	}
	logger := newLogger(flags, cfg)

	store, err := storage.OpenPath(cfg.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("startup failed while opening database: %w", err)
	}

	engine, err := app.New(app.Options{Config: cfg, History: store, Logger: logger})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("startup failed while building engine: %w", err)
	}
	return &runtime{cfg: cfg, cfgPath: cfgPath, log: logger, store: store, app: engine}, nil
}

func serveCommand(flags *globalFlags) *cobra.Command {
	var (
		addr      string
		hotspot   bool
		discover  bool
		receiveOn []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and expose its commands to a UI over a websocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := startRuntime(flags)
			if err != nil {
				return err
			}
			defer rt.close()
			if addr == "" {
				addr = rt.cfg.BridgeAddr
			}

			fmt.Printf("Device ID:       %s\n", rt.cfg.DeviceID)
			fmt.Printf("Device Name:     %s\n", rt.cfg.DeviceName)
			fmt.Printf("Config File:     %s\n", rt.cfgPath)
			fmt.Printf("Database File:   %s\n", rt.cfg.HistoryPath)
			fmt.Printf("Downloads:       %s\n", rt.cfg.DownloadDir)

			ctx := cmd.Context()
			if hotspot {
				if _, err := rt.app.StartHotspot(ctx); err != nil {
					rt.log.WithError(err).Warn("hotspot startup failed")
				}
			}
			if discover {
				if _, err := rt.app.StartHotspotDiscovery(ctx); err != nil {
					rt.log.WithError(err).Warn("discovery startup failed")
				}
			}
			for _, kind := range receiveOn {
				if _, err := rt.app.Invoke(ctx, receiveCommandName(models.TransportKind(kind)), nil); err != nil {
					rt.log.WithError(err).WithField("transport", kind).Warn("receiver startup failed")
				}
			}

			listener, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			server := bridge.NewServer(rt.app, rt.log)
			defer server.Close()

			fmt.Printf("Bridge:          ws://%s/ws\n", listener.Addr())
			fmt.Println("Status:          running (press Ctrl+C to stop)")
			err = server.Serve(ctx, listener)
			fmt.Println("Status:          shutting down")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "bridge listen address; defaults to the config value")
	cmd.Flags().BoolVar(&hotspot, "hotspot", false, "advertise this device on start")
	cmd.Flags().BoolVar(&discover, "discover", false, "scan for devices on start")
	cmd.Flags().StringSliceVar(&receiveOn, "receive", nil, "start receivers on start (tcp, bluetooth)")
	return cmd
}

func receiveCommandName(kind models.TransportKind) string {
	if kind == models.TransportBluetooth {
		return "receive_file_bluetooth"
	}
	return "receive_file"
}

func sendCommand(flags *globalFlags) *cobra.Command {
	var transport string
	cmd := &cobra.Command{
		Use:   "send <file> <destination>",
		Short: "Send a file to a listening peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := startRuntime(flags)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := cmd.Context()
			var result string
			switch strings.ToLower(transport) {
			case "tcp", "wifi":
				result, err = rt.app.SendFile(ctx, args[0], args[1])
			case "bluetooth", "bt":
				result, err = rt.app.SendFileBluetooth(ctx, args[0], args[1])
			case "auto":
				result, err = rt.app.SendFileBest(ctx, args[0], args[1])
			default:
				return fmt.Errorf("unknown transport %q", transport)
			}
			if err != nil {
				return err
			}
			fmt.Println(result)
			return nil
		},
	}
	cmd.Flags().StringVarP(&transport, "transport", "t", "tcp", "tcp, bluetooth or auto")
	return cmd
}

func receiveCommand(flags *globalFlags) *cobra.Command {
	var transport string
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Wait for one incoming file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := startRuntime(flags)
			if err != nil {
				return err
			}
			defer rt.close()

			kind := models.TransportTCP
			switch strings.ToLower(transport) {
			case "tcp", "wifi":
			case "bluetooth", "bt":
				kind = models.TransportBluetooth
			default:
				return fmt.Errorf("unknown transport %q", transport)
			}

			ctx := cmd.Context()
			result, err := rt.app.Invoke(ctx, receiveCommandName(kind), nil)
			if err != nil {
				return err
			}
			fmt.Println(result)
			return waitReceived(ctx, rt, kind)
		},
	}
	cmd.Flags().StringVarP(&transport, "transport", "t", "tcp", "tcp or bluetooth")
	return cmd
}

func waitReceived(ctx context.Context, rt *runtime, kind models.TransportKind) error {
	pending, ok := rt.app.PendingReceive(kind)
	if !ok {
		return errors.New("receive session ended before a peer connected")
	}
	snap, err := rt.app.WaitTransfer(ctx, pending.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Received %s (%d bytes) from %s\n", snap.File.Name, snap.BytesTransferred, snap.Peer)
	fmt.Printf("Saved to %s\n", snap.Path)
	return nil
}

func webrtcSendCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "webrtc-send <file>",
		Short: "Send a file over WebRTC with copy-paste signaling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := startRuntime(flags)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := cmd.Context()
			offer, err := rt.app.StartWebRTCSending(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println("Offer (give this to the receiver):")
			fmt.Println(offer)
			fmt.Println()
			fmt.Print("Paste the answer: ")

			answer, err := readPayload(ctx)
			if err != nil {
				return err
			}
			result, err := rt.app.CompleteWebRTCSending(ctx, args[0], answer)
			if err != nil {
				return err
			}
			fmt.Println(result)
			return nil
		},
	}
}

func webrtcReceiveCommand(flags *globalFlags) *cobra.Command {
	var offer string
	cmd := &cobra.Command{
		Use:   "webrtc-receive",
		Short: "Answer a WebRTC offer and receive the file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := startRuntime(flags)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := cmd.Context()
			if offer == "" {
				fmt.Print("Paste the offer: ")
				if offer, err = readPayload(ctx); err != nil {
					return err
				}
			}
			answer, err := rt.app.ReceiveWebRTCFile(ctx, offer)
			if err != nil {
				return err
			}
			fmt.Println("Answer (give this to the sender):")
			fmt.Println(answer)
			return waitReceived(ctx, rt, models.TransportWebRTC)
		},
	}
	cmd.Flags().StringVar(&offer, "offer", "", "offer payload; read from stdin when empty")
	return cmd
}

// readPayload reads one non-empty line from stdin, giving up when ctx ends.
func readPayload(ctx context.Context) (string, error) {
	lines := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				lines <- line
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- err
			return
		}
		errs <- errors.New("no payload on stdin")
	}()
	select {
	case line := <-lines:
		return line, nil
	case err := <-errs:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func statusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report which transports are available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := startRuntime(flags)
			if err != nil {
				return err
			}
			defer rt.close()
			return printJSON(rt.app.CheckConnectivityStatus(cmd.Context()))
		},
	}
}

func discoverCommand(flags *globalFlags) *cobra.Command {
	var (
		duration  time.Duration
		advertise bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Scan the hotspot channel and print devices as they appear",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := startRuntime(flags)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), duration)
			defer cancel()
			notes, stop := rt.app.Subscribe()
			defer stop()

			if advertise {
				if _, err := rt.app.StartHotspot(ctx); err != nil {
					return err
				}
			}
			result, err := rt.app.StartHotspotDiscovery(ctx)
			if err != nil {
				return err
			}
			fmt.Println(result)

			for {
				select {
				case <-ctx.Done():
					return printJSON(rt.app.ListDevices())
				case note, ok := <-notes:
					if !ok {
						return nil
					}
					if note.Event == app.EventDeviceDiscovered {
						fmt.Println(note.Payload)
					}
				}
			}
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "how long to scan")
	cmd.Flags().BoolVar(&advertise, "advertise", false, "advertise this device while scanning")
	return cmd
}

func historyCommand(flags *globalFlags) *cobra.Command {
	var filter storage.TransferFilter
	var direction, transport, state string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := startRuntime(flags)
			if err != nil {
				return err
			}
			defer rt.close()

			filter.Direction = models.Direction(direction)
			filter.Transport = models.TransportKind(transport)
			filter.State = models.SessionState(state)
			records, err := rt.app.TransferHistory(filter)
			if err != nil {
				return err
			}
			return printJSON(records)
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "", "send or receive")
	cmd.Flags().StringVar(&transport, "transport", "", "tcp, bluetooth or webrtc")
	cmd.Flags().StringVar(&state, "state", "", "completed, failed or cancelled")
	cmd.Flags().StringVar(&filter.Peer, "peer", "", "peer address")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum rows")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "rows to skip")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
