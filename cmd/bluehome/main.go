// BlueHome Bridge - KNX bus monitor to MQTT gateway
//
// This is the main entry point for the bluehome bridge. It monitors a KNX bus
// through knxd, publishes the decoded values of configured devices to MQTT,
// and writes commands received over MQTT back to the bus.
//
// Usage:
//
//	bluehome [-c count] [-u user] [-f file] [-l logfile] [-q] [hostname[:port]]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/bluehome-bridge/migrations"

	"github.com/nerrad567/bluehome-bridge/internal/bridges/knx"
	"github.com/nerrad567/bluehome-bridge/internal/device"
	"github.com/nerrad567/bluehome-bridge/internal/infrastructure/config"
	"github.com/nerrad567/bluehome-bridge/internal/infrastructure/database"
	"github.com/nerrad567/bluehome-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/bluehome-bridge/internal/infrastructure/kafka"
	"github.com/nerrad567/bluehome-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/bluehome-bridge/internal/infrastructure/metrics"
	"github.com/nerrad567/bluehome-bridge/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// mqttTransport is the broker connection used by run.
type mqttTransport interface {
	knx.MQTTClient
	metrics.HealthChecker
	SetLogger(logger mqtt.Logger)
	SetOnDisconnect(callback func(err error))
	Close() error
}

// connectMQTT opens the broker connection. Tests replace it.
var connectMQTT = func(cfg config.MQTTConfig, will mqtt.Will) (mqttTransport, error) {
	client, err := mqtt.Connect(cfg, will)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func main() {
	// Cancel on Ctrl+C and SIGTERM for a graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()

	code := exitCode(err)
	if code != exitOK {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - args: Command-line arguments without the program name
//   - stdout, stderr: Destinations for -version and usage output
//
// Returns:
//   - error: nil on clean shutdown; failures carry their exit code
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return withCode(exitUsage, err)
	}

	if opts.showVersion {
		fmt.Fprintf(stdout, "bluehome %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	// Use default logger until config is loaded
	log := logging.Default()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		log.Error("cannot load configuration", "path", opts.configPath, "error", err)
		return withCode(exitConfig, fmt.Errorf("loading config: %w", err))
	}
	opts.applyOverrides(cfg)

	log = logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // nothing left to report to

	log.Info("starting bluehome bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)
	log.Info("configuration loaded",
		"path", opts.configPath,
		"mqtt", cfg.MQTT.String(),
		"bus", cfg.Bus.URL,
		"solar_ip", cfg.SolarIP,
		"devices", len(cfg.Devices),
	)

	registry := device.NewRegistry(cfg.Devices, device.WithAddressNormalizer(knx.CanonicalGroupAddress))

	// Open the bus monitoring session
	busCfg := knx.BusConfig{
		Connection:     cfg.Bus.URL,
		ConnectTimeout: time.Duration(cfg.Bus.ConnectTimeoutMS) * time.Millisecond,
		MonitorTimeout: time.Duration(cfg.Bus.MonitorTimeoutMS) * time.Millisecond,
	}
	monitor, err := knx.OpenMonitor(ctx, busCfg)
	if err != nil {
		return withCode(exitBusConnect, fmt.Errorf("connecting to knxd: %w", err))
	}
	monitor.SetLogger(log)
	defer func() {
		st := monitor.Stats()
		log.Info("closing bus monitor",
			"frames_rx", st.FramesRx,
			"errors", st.ErrorsTotal,
			"last_activity", st.LastActivity.Format(time.RFC3339),
		)
		if closeErr := monitor.Close(); closeErr != nil {
			log.Error("error closing bus monitor", "error", closeErr)
		}
	}()

	if opts.user != "" {
		password, pwErr := readPassword()
		if pwErr != nil {
			return withCode(exitPassword, fmt.Errorf("error reading password: %w", pwErr))
		}
		if authErr := monitor.Authenticate(opts.user, password); authErr != nil {
			return withCode(exitAuth, fmt.Errorf("authentication failure: %w", authErr))
		}
	}
	log.Info("connection to knxd established", "host", monitor.Host())

	// Connect to MQTT broker with an offline last will
	willPayload, err := knx.BuildWillPayload(cfg.MQTT.ClientID, version)
	if err != nil {
		return withCode(exitMQTTConnect, fmt.Errorf("building last will: %w", err))
	}
	mqttClient, err := connectMQTT(cfg.MQTT, mqtt.Will{Topic: knx.HealthTopic, Payload: willPayload})
	if err != nil {
		return withCode(exitMQTTConnect, fmt.Errorf("connecting to MQTT: %w", err))
	}
	mqttClient.SetLogger(log)
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected", "broker", cfg.MQTT.Address, "client_id", cfg.MQTT.ClientID)

	// Optional sinks
	s, err := startSinks(cfg, log)
	if err != nil {
		return withCode(exitSinkStart, err)
	}
	defer s.close(log)

	var observer knx.Observer
	if s.collector != nil {
		observer = s.collector
	}

	bridge, err := knx.NewBridge(knx.BridgeOptions{
		Monitor: monitor,
		OpenWriter: func(ctx context.Context) (knx.GroupWriter, error) {
			w, err := knx.OpenWriter(ctx, busCfg)
			if err != nil {
				return nil, err
			}
			return w, nil
		},
		MQTTClient:     mqttClient,
		Devices:        registry,
		Recorder:       s.frameSink(),
		Sinks:          s.telemetry,
		Observer:       observer,
		Logger:         log,
		QoS:            byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2
		Count:          opts.count,
		HealthInterval: cfg.Health.IntervalDuration(),
		ClientID:       cfg.MQTT.ClientID,
		Version:        version,
	})
	if err != nil {
		return withCode(exitMQTTConnect, fmt.Errorf("creating bridge: %w", err))
	}

	if s.metrics != nil {
		s.metrics.AddHealthCheck("mqtt", mqttClient)
		s.metrics.AddHealthCheck("knxd", metrics.HealthCheckFunc(func(context.Context) error {
			if !monitor.Stats().Connected {
				return knx.ErrNotConnected
			}
			return nil
		}))
	}

	if err := bridge.Start(ctx); err != nil {
		return withCode(exitMQTTConnect, fmt.Errorf("starting bridge: %w", err))
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
		st := bridge.Stats()
		log.Info("bridge stopped",
			"frames_received", st.FramesReceived,
			"frames_dropped", st.FramesDropped,
			"published", st.Published,
			"delivery_failures", st.DeliveryFailures,
			"commands", st.Commands,
		)
	}()

	log.Info("bluehome bridge running", "count", opts.count)

	if err := bridge.Run(ctx); err != nil {
		var busErr *knx.BusError
		if errors.As(err, &busErr) {
			log.Error("bus monitor failed", "kind", busErr.Kind.String(), "error", err)
		}
		return fmt.Errorf("monitoring bus: %w", err)
	}

	if ctx.Err() != nil {
		log.Info("signal received - shutting down")
	}
	return nil
}

// recentLimit caps the addresses listed in the recorder summary.
const recentLimit = 5

// sinks holds the optional outputs started for this run.
type sinks struct {
	db        *database.DB
	recorder  *knx.FrameRecorder
	influx    *influxdb.Client
	kafka     *kafka.Sink
	collector *metrics.Collector
	metrics   *metrics.Server
	telemetry []knx.TelemetrySink
}

// startSinks opens every configured sink. On failure the sinks opened so
// far are closed again.
func startSinks(cfg *config.Config, log *logging.Logger) (*sinks, error) {
	s := &sinks{}
	if err := s.start(cfg, log); err != nil {
		s.close(log)
		return nil, err
	}
	return s, nil
}

// start opens the sinks enabled in cfg.
func (s *sinks) start(cfg *config.Config, log *logging.Logger) error {
	var err error

	// Bus recorder (optional)
	if cfg.Recorder.Path != "" {
		s.db, err = database.Open(cfg.Recorder)
		if err != nil {
			return fmt.Errorf("opening recorder database: %w", err)
		}
		if err = s.db.Migrate(context.Background()); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		applied, _, statusErr := s.db.GetMigrationStatus(context.Background())
		if statusErr != nil {
			return fmt.Errorf("reading migration status: %w", statusErr)
		}
		s.recorder = knx.NewFrameRecorder(s.db.DB)
		s.recorder.SetLogger(log)
		if err = s.recorder.Start(); err != nil {
			s.recorder = nil
			return fmt.Errorf("starting bus recorder: %w", err)
		}
		log.Info("bus recorder started", "path", s.db.Path(), "migrations", len(applied))
	}

	// InfluxDB mirror (optional)
	if cfg.InfluxDB.Enabled {
		s.influx, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		s.influx.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		s.telemetry = append(s.telemetry, s.influx)
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Kafka mirror (optional)
	if cfg.Kafka.Enabled() {
		s.kafka, err = kafka.NewSink(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("creating Kafka sink: %w", err)
		}
		s.kafka.SetOnError(func(err error) {
			log.Error("Kafka write error", "error", err)
		})
		s.telemetry = append(s.telemetry, s.kafka)
		log.Info("Kafka mirror enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// Metrics endpoint (optional)
	if cfg.Metrics.Addr != "" {
		s.collector = metrics.NewCollector(version)
		s.metrics = metrics.NewServer(cfg.Metrics.Addr, s.collector, log)
		if s.db != nil {
			s.metrics.AddHealthCheck("recorder", s.db)
		}
		if s.influx != nil {
			s.metrics.AddHealthCheck("influxdb", s.influx)
		}
		if err = s.metrics.Start(); err != nil {
			s.metrics = nil
			return fmt.Errorf("starting metrics server: %w", err)
		}
		log.Info("metrics server listening", "addr", s.metrics.Addr())
	}

	return nil
}

// frameSink returns the recorder as a knx.FrameSink, or nil when disabled.
func (s *sinks) frameSink() knx.FrameSink {
	if s.recorder == nil {
		return nil
	}
	return s.recorder
}

// close stops every started sink in reverse order of startup.
func (s *sinks) close(log *logging.Logger) {
	if s.metrics != nil {
		if err := s.metrics.Close(); err != nil {
			log.Error("error closing metrics server", "error", err)
		}
	}
	if s.kafka != nil {
		log.Info("closing Kafka sink")
		if err := s.kafka.Close(); err != nil {
			log.Error("error closing Kafka sink", "error", err)
		}
	}
	if s.influx != nil {
		log.Info("closing InfluxDB connection")
		if err := s.influx.Close(); err != nil {
			log.Error("error closing InfluxDB", "error", err)
		}
	}
	if s.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		gas, gaErr := s.recorder.GroupAddressCount(ctx)
		devices, devErr := s.recorder.DeviceCount(ctx)
		recentGAs, recentGAErr := s.recorder.RecentGroupAddresses(ctx, recentLimit)
		recentDevices, recentDevErr := s.recorder.RecentDevices(ctx, recentLimit)
		cancel()
		if err := errors.Join(gaErr, devErr, recentGAErr, recentDevErr); err != nil {
			log.Warn("reading recorder summary failed", "error", err)
		} else {
			log.Info("bus recorder stopping",
				"group_addresses", gas,
				"devices", devices,
				"recent_group_addresses", recentGAs,
				"recent_devices", recentDevices,
			)
		}
		s.recorder.Stop()
	}
	if s.db != nil {
		log.Info("closing recorder database")
		if err := s.db.Close(); err != nil {
			log.Error("error closing recorder database", "error", err)
		}
	}
}
