// Command bluenet discovers, controls and commissions Crownstone BLE
// peripherals.
//
// Usage:
//
//	bluenet [-config path] init
//	bluenet [-config path] scan [-filter all|crownstone|guidestone|ibeacon|stone] [-for 30s]
//	bluenet [-config path] relay <address> on|off|toggle|read
//	bluenet [-config path] pwm <address> [0-100]
//	bluenet [-config path] reset <address>
//	bluenet [-config path] setup [-id n] <address>
//	bluenet [-config path] history
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"


	"github.com/chaz8081/bluenet-core/internal/ble"
	"github.com/chaz8081/bluenet-core/internal/ble/crypto"
	"github.com/chaz8081/bluenet-core/internal/bridge/influx"
	"github.com/chaz8081/bluenet-core/internal/bridge/mqtt"
	"github.com/chaz8081/bluenet-core/internal/config"
	"github.com/chaz8081/bluenet-core/internal/events"
	"github.com/chaz8081/bluenet-core/internal/ledger"
	"github.com/chaz8081/bluenet-core/internal/logging"
	"github.com/chaz8081/bluenet-core/internal/provision"
	"github.com/chaz8081/bluenet-core/internal/registry"
	"github.com/chaz8081/bluenet-core/internal/scanner"
	"github.com/chaz8081/bluenet-core/internal/session"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/bluenet/config.yaml)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	if cmd == "init" {
		path, err := config.WriteDefault()
		if err != nil {
			fatalf("init: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote default config to", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatalf("config validation: %v", err)
	}

	logger := logging.New(cfg, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, cmd, args); err != nil {
		stop()
		fatalf("%s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: bluenet [-config path] <command> [args]

Commands:
  init                          write the default config file
  scan [-filter f] [-for d]     interval scan and print nearby devices
  relay <address> on|off|toggle|read
  pwm <address> [0-100]         read or write the dimmer
  reset <address>               factory reset
  setup [-id n] <address>       commission a device in setup mode
  history                       list recorded setup attempts
`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "bluenet: "+format+"\n", args...)
	os.Exit(1)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

// app holds the wired components for one command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *events.Bus
	transport *ble.TinyGoTransport
	stops     []func() // run before the bus drains
	closers   []func() // run after, in reverse
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, cmd string, args []string) error {
	if cmd == "history" {
		return history(ctx, cfg)
	}

	a := &app{cfg: cfg, logger: logger, bus: events.New(logger)}
	defer a.close()

	if err := a.attachBridges(ctx); err != nil {
		return err
	}

	a.transport = ble.NewTinyGoTransport(a.bus, logger)
	if err := a.transport.Enable(); err != nil {
		return err
	}

	switch cmd {
	case "scan":
		return a.scan(ctx, args)
	case "relay":
		return a.relay(ctx, args)
	case "pwm":
		return a.pwm(ctx, args)
	case "reset":
		return a.reset(ctx, args)
	case "setup":
		return a.setup(ctx, args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) attachBridges(ctx context.Context) error {
	if a.cfg.MQTT.Enabled {
		b, err := mqtt.Connect(mqtt.Options{
			Broker:      a.cfg.MQTT.Broker,
			ClientID:    a.cfg.MQTT.ClientID,
			TopicPrefix: a.cfg.MQTT.TopicPrefix,
			QoS:         a.cfg.MQTT.QoS,
			UIInterval:  a.cfg.Scan.UIInterval,
		}, a.logger)
		if err != nil {
			return err
		}
		detach := b.Attach(a.bus)
		a.closers = append(a.closers, b.Close, detach)
	}
	if a.cfg.InfluxDB.Enabled {
		r, err := influx.Connect(ctx, influx.Options{
			URL:    a.cfg.InfluxDB.URL,
			Token:  a.cfg.InfluxDB.Token,
			Org:    a.cfg.InfluxDB.Org,
			Bucket: a.cfg.InfluxDB.Bucket,
		}, a.logger)
		if err != nil {
			return err
		}
		detach := r.Attach(a.bus)
		a.closers = append(a.closers, r.Close, detach)
	}
	return nil
}

// close stops sessions, drains the bus so bridges see every event, then
// releases the bridges.
func (a *app) close() {
	for _, stop := range a.stops {
		stop()
	}
	a.bus.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) scan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	filterName := fs.String("filter", a.cfg.Scan.Filter, "device filter")
	limit := fs.Duration("for", 0, "stop after this long (0 runs until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	filter, err := ble.ParseFilter(*filterName)
	if err != nil {
		return err
	}

	reg, err := registry.New(registry.Options{
		Alpha:            a.cfg.Scan.SmoothingAlpha,
		MeasuredPower:    a.cfg.Scan.MeasuredPower,
		PathLossExponent: a.cfg.Scan.PathLossExponent,
	})
	if err != nil {
		return err
	}
	sc := scanner.New(a.transport, reg, a.bus, scanner.Options{StaleAfter: a.cfg.Scan.StaleAfter}, a.logger)

	unsubAdapter := a.bus.Subscribe(events.TopicAdapterState, func(e events.Event) {
		sc.SetAdapterEnabled(e.(ble.AdapterStateChanged).Enabled)
	})
	defer unsubAdapter()
	unsubPhase := a.bus.Subscribe(events.TopicScanPhase, func(e events.Event) {
		if pc := e.(scanner.PhaseChanged); pc.Phase == scanner.Paused {
			printDevices(pc.Devices)
		}
	})
	defer unsubPhase()

	if *limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *limit)
		defer cancel()
	}

	if err := sc.Start(scanner.Cycle{Scan: a.cfg.Scan.Duration, Pause: a.cfg.Scan.Pause}, filter); err != nil {
		return err
	}
	a.logger.Info("[SCAN] running", "filter", filter, "scan", a.cfg.Scan.Duration, "pause", a.cfg.Scan.Pause)

	<-ctx.Done()
	return sc.Stop()
}

func printDevices(devices []registry.Device) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ADDRESS\tNAME\tKIND\tRSSI\tSMOOTHED\tDISTANCE\n")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.1f\t%.2fm\n",
			d.Address, d.DisplayName(), d.Kind, d.RSSI, d.Smoothed, d.Distance)
	}
	w.Flush()
	fmt.Println()
}

// manager builds a session manager. Sessions are encrypted when setup keys
// are configured.
func (a *app) manager(encrypted bool) (*session.Manager, error) {
	opts := session.ManagerOptions{
		Session: session.Options{
			IdleTimeout:    a.cfg.Session.IdleTimeout,
			ConnectTimeout: a.cfg.Session.ConnectTimeout,
			CommandTimeout: a.cfg.Session.CommandTimeout,
		},
		BreakerFailures: a.cfg.Session.BreakerFailures,
		BreakerCooldown: a.cfg.Session.BreakerCooldown,
	}
	if encrypted {
		keys, err := a.cfg.SetupKeys()
		if err != nil {
			a.logger.Warn("[SESSION] keys not configured, talking in the clear", "error", err)
		} else {
			opts.Session.Keys = &keys
			opts.Session.Level = crypto.LevelAdmin
		}
	}
	m, err := session.NewManager(a.transport, a.bus, opts, a.logger)
	if err != nil {
		return nil, err
	}
	a.stops = append(a.stops, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := m.Close(ctx); err != nil {
			a.logger.Warn("[SESSION] close failed", "error", err)
		}
	})
	return m, nil
}

func addressArg(args []string, i int) (string, error) {
	if len(args) <= i {
		return "", errors.New("missing device address")
	}
	if _, err := ble.ParseAddress(args[i]); err != nil {
		return "", err
	}
	return args[i], nil
}

func (a *app) relay(ctx context.Context, args []string) error {
	addr, err := addressArg(args, 0)
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return errors.New("want on, off, toggle or read")
	}
	m, err := a.manager(true)
	if err != nil {
		return err
	}

	var on bool
	switch args[1] {
	case "on":
		_, err = session.ExecuteWithLifecycle(ctx, m, addr, session.RelayOn)
		on = true
	case "off":
		_, err = session.ExecuteWithLifecycle(ctx, m, addr, session.RelayOff)
	case "toggle":
		on, err = session.ExecuteWithLifecycle(ctx, m, addr, session.ToggleRelay{})
	case "read":
		on, err = session.ExecuteWithLifecycle(ctx, m, addr, session.ReadRelay{})
	default:
		return fmt.Errorf("unknown relay action %q", args[1])
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s relay: %s\n", addr, onOff(on))
	return nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func (a *app) pwm(ctx context.Context, args []string) error {
	addr, err := addressArg(args, 0)
	if err != nil {
		return err
	}
	m, err := a.manager(true)
	if err != nil {
		return err
	}
	if len(args) < 2 {
		v, err := session.ExecuteWithLifecycle(ctx, m, addr, session.ReadPWM{})
		if err != nil {
			return err
		}
		fmt.Printf("%s pwm: %d\n", addr, v)
		return nil
	}
	v, err := strconv.ParseUint(args[1], 10, 8)
	if err != nil {
		return fmt.Errorf("pwm value: %w", err)
	}
	if _, err := session.ExecuteWithLifecycle(ctx, m, addr, session.WritePWM{Value: uint8(v)}); err != nil {
		return err
	}
	fmt.Printf("%s pwm: %d\n", addr, v)
	return nil
}

func (a *app) reset(ctx context.Context, args []string) error {
	addr, err := addressArg(args, 0)
	if err != nil {
		return err
	}
	m, err := a.manager(true)
	if err != nil {
		return err
	}
	if _, err := session.ExecuteWithLifecycle(ctx, m, addr, session.FactoryReset{}); err != nil {
		return err
	}
	fmt.Printf("%s factory reset\n", addr)
	return nil
}

func (a *app) setup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("setup", flag.ContinueOnError)
	id := fs.Uint("id", 0, "device id (0 takes the next free id from the ledger)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addr, err := addressArg(fs.Args(), 0)
	if err != nil {
		return err
	}

	keys, err := a.cfg.SetupKeys()
	if err != nil {
		return err
	}
	beacon, err := a.cfg.BeaconUUID()
	if err != nil {
		return err
	}

	var led *ledger.Ledger
	if a.cfg.Ledger.Path != "" {
		if err := os.MkdirAll(filepath.Dir(a.cfg.Ledger.Path), 0o755); err != nil {
			return fmt.Errorf("ledger dir: %w", err)
		}
		if led, err = ledger.Open(a.cfg.Ledger.Path); err != nil {
			return err
		}
		defer led.Close()
	}

	if *id > 0xFFFF {
		return fmt.Errorf("device id %d out of range", *id)
	}
	deviceID := uint16(*id)
	if deviceID == 0 {
		if led == nil {
			return errors.New("-id is required when the ledger is disabled")
		}
		if deviceID, err = led.NextDeviceID(ctx); err != nil {
			return err
		}
	}

	m, err := a.manager(false)
	if err != nil {
		return err
	}
	s, err := m.ConnectAndDiscover(ctx, addr)
	if err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = m.Disconnect(dctx, addr, false)
	}()

	req := provision.Request{
		CrownstoneID:      deviceID,
		Keys:              keys,
		MeshAccessAddress: a.cfg.Setup.MeshAccessAddress,
		Beacon: provision.Beacon{
			UUID:  beacon,
			Major: a.cfg.Setup.BeaconMajor,
			Minor: a.cfg.Setup.BeaconMinor,
		},
	}
	onProgress := func(st provision.Status) {
		if st.Err != nil {
			fmt.Printf("[%2d/%d] %-26s FAILED: %v\n", st.Step, provision.TotalSteps, st.Name, st.Err)
			return
		}
		fmt.Printf("[%2d/%d] %-26s %3.0f%%\n", st.Step, provision.TotalSteps, st.Name, st.Fraction*100)
	}
	onComplete := func(res provision.Result) {
		if led == nil {
			return
		}
		if err := led.Record(context.WithoutCancel(ctx), res); err != nil {
			a.logger.Error("[LEDGER] record failed", "attempt", res.Attempt, "error", err)
		}
	}

	if err := provision.New(a.bus, a.logger).Run(ctx, s, req, onProgress, onComplete); err != nil {
		return err
	}
	fmt.Printf("%s commissioned as device %d\n", addr, deviceID)
	return nil
}

func history(ctx context.Context, cfg *config.Config) error {
	if cfg.Ledger.Path == "" {
		return errors.New("ledger is disabled")
	}
	led, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer led.Close()

	entries, err := led.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "STARTED\tADDRESS\tID\tRESULT\n")
	for _, e := range entries {
		result := "ok"
		if !e.OK {
			result = fmt.Sprintf("failed at step %d: %s", e.FailedStep, e.Error)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", e.StartedAt.Local().Format(time.DateTime), e.Address, e.CrownstoneID, result)
	}
	return w.Flush()
}
