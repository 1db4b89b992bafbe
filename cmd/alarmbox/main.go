package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

func printVersion() {
	fmt.Printf("alarmbox v%s\n", version)
	fmt.Println("Rotary-controlled buzzer and remote on/off alarm outputs")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  alarmbox [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Runs two independent tasks:")
	fmt.Println("    - decoder: a push-button toggles between volume and range mode, a")
	fmt.Println("      rotary encoder adjusts the buzzer PWM duty or period")
	fmt.Println("    - dispatcher: a TCP listener that accepts /on and /off requests, one")
	fmt.Println("      client at a time, and drives the alarm outputs")
	fmt.Println("  State changes are published on a websocket and optionally over MQTT.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        Path to YAML config file (defaults are used when omitted)")
	fmt.Println()
	fmt.Println("  -listen string")
	fmt.Printf("        Command listener address (default \":%d\")\n", defaultCommandPort)
	fmt.Println()
	fmt.Println("  -status-listen string")
	fmt.Println("        Status HTTP/websocket address; empty disables (default \":8080\")")
	fmt.Println()
	fmt.Println("  -gpio-backend string")
	fmt.Println("        GPIO backend: cdev|sim (default \"cdev\")")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Run on the board with a config file")
	fmt.Println("  alarmbox -config /etc/alarmbox.yaml")
	fmt.Println()
	fmt.Println("  # Run on a workstation without GPIO")
	fmt.Println("  alarmbox -gpio-backend sim -log-level debug")
	fmt.Println()
	fmt.Println("  # Switch the alarm on")
	fmt.Println("  alarm-ctl -addr 192.168.1.50:1234 on")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - The cdev backend needs access to /dev/gpiochipN and /sys/class/pwm")
	fmt.Println("  - Only one command client is served at a time; others wait in the listen backlog")
	fmt.Println()
}

func main() {
	// Check for version/help early
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath   = flag.String("config", "", "Path to YAML config file")
		listen       = flag.String("listen", "", "Command listener address")
		statusListen = flag.String("status-listen", "", "Status HTTP/websocket address (empty disables)")
		gpioBackend  = flag.String("gpio-backend", "", "GPIO backend: cdev|sim")
		logLevelStr  = flag.String("log-level", "", "Log level: error, warn, info, debug")
		_            = flag.Bool("version", false, "Print version and exit")
		_            = flag.Bool("help", false, "Print help message")
	)
	flag.Usage = printUsage
	flag.Parse()

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only explicitly set flags override the file.
	var overrides FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			overrides.DispatchListen = listen
		case "status-listen":
			overrides.StatusListen = statusListen
		case "gpio-backend":
			overrides.GPIOBackend = gpioBackend
		case "log-level":
			overrides.LogLevel = logLevelStr
		}
	})
	overrides.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error: invalid config:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(logLevel, os.Stdout)

	logger.Debug("starting alarmbox", "version", version)
	logger.Debug("configuration",
		"config", *configPath,
		"gpio_backend", cfg.GPIO.Backend,
		"gpio_chip", cfg.GPIO.Chip,
		"decoder_enabled", cfg.Decoder.Enabled,
		"dispatcher_enabled", cfg.Dispatcher.Enabled,
		"dispatcher_listen", cfg.Dispatcher.Listen,
		"status_listen", cfg.Status.Listen,
		"mqtt_enabled", cfg.MQTT.Enabled,
		"log_level", cfg.Logging.Level,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &cfg, logger); err != nil {
		logger.Error("alarmbox failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// run is the composition root: it opens the hardware and runs every task on it.
func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	hw, err := openHardware(cfg, componentLogger(logger, "gpio"))
	if err != nil {
		return err
	}
	defer hw.Close(logger)

	return runTasks(ctx, cfg, hw, logger)
}

// runTasks wires telemetry and starts every task over hw. It returns when ctx
// is canceled or a task fails. Network trouble is not a task failure: the
// dispatcher retries its bind and the status server is skipped if it cannot
// listen, so local control keeps running.
func runTasks(ctx context.Context, cfg *Config, hw *Hardware, logger *slog.Logger) error {
	telemetry := make(chan Telemetry, telemetryQueueSize)

	hub := NewHub(componentLogger(logger, "ws"), HubConfig{})
	sinks := []stateSink{hub}

	if cfg.MQTT.Enabled {
		pub, err := connectMQTT(cfg.MQTT, componentLogger(logger, "mqtt"))
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}

	broadcaster := NewBroadcaster(telemetry, componentLogger(logger, "broadcaster"), sinks...)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		broadcaster.Run(gctx)
		return nil
	})

	if cfg.Status.Listen != "" {
		stateServer := NewStateServer(componentLogger(logger, "ws"), hub, broadcaster)
		mux := newStatusMux(stateServer, hub, broadcaster, hw.Sim, componentLogger(logger, "status"))
		g.Go(func() error {
			return runStatusServer(gctx, cfg.Status.Listen, mux, componentLogger(logger, "status"))
		})
	}

	if cfg.Decoder.Enabled {
		decoder := NewDecoder(hw, cfg.ToDecoderConfig(), telemetry, componentLogger(logger, "decoder"))
		g.Go(func() error {
			return decoder.Run(gctx)
		})
	}

	if cfg.Dispatcher.Enabled {
		dispatcher := NewDispatcher(cfg.ToDispatcherConfig(), hw.DispatcherOutputs, telemetry, componentLogger(logger, "dispatcher"))
		g.Go(func() error {
			return dispatcher.Run(gctx)
		})
	}

	return g.Wait()
}
