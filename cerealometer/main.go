package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/reef-pi/rpi/i2c"

	"github.com/itohio/cerealometer/pkg/admin"
	"github.com/itohio/cerealometer/pkg/calibration"
	"github.com/itohio/cerealometer/pkg/config"
	"github.com/itohio/cerealometer/pkg/dispenser"
	"github.com/itohio/cerealometer/pkg/loadcell"
	"github.com/itohio/cerealometer/pkg/observability"
	"github.com/itohio/cerealometer/pkg/sample"
	"github.com/itohio/cerealometer/pkg/settings"
	"github.com/itohio/cerealometer/pkg/telemetry"
)

var _ admin.Controller = (*dispenser.Runtime)(nil)

func main() {
	var (
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		envFlag    = flag.String("env", ".env", "Environment file with secrets")
		portFlag   = flag.String("p", "", "Serial port override (e.g., /dev/ttyACM0)")
		mockFlag   = flag.Bool("mock", false, "Use mocked load cells instead of the configured source")
		addrFlag   = flag.String("addr", "", "Admin listen address override (e.g., :8080)")
		listFlag   = flag.Bool("list-ports", false, "List serial ports and exit")
		debugFlag  = flag.Bool("debug", false, "Run the admin router in debug mode")
	)
	flag.Parse()

	if *listFlag {
		listPorts()
		return
	}

	if err := config.LoadEnv(*envFlag); err != nil {
		log.Fatalf("Failed to load environment: %v", err)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	store, err := settings.Open(cfg.Settings.Path)
	if err != nil {
		log.Fatalf("Failed to open settings: %v", err)
	}
	applyDeviceSettings(cfg, store.Device())
	cfg.ApplyEnv()

	if *portFlag != "" {
		cfg.Source.Serial.Port = *portFlag
	}
	if *mockFlag {
		cfg.Source.Kind = config.SourceMock
	}
	if *addrFlag != "" {
		cfg.Admin.Addr = *addrFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	reader, err := openReader(cfg)
	if err != nil {
		log.Fatalf("Failed to open load cells: %v", err)
	}
	defer reader.Close()

	obs := observability.NewPromObs(prometheus.DefaultRegisterer)

	orch := buildOrchestrator(cfg, reader, store, obs)

	sender, closeSender, err := buildSender(cfg, obs)
	if err != nil {
		log.Fatalf("Failed to configure telemetry: %v", err)
	}
	defer closeSender()

	reporter := telemetry.NewReporter(cfg.Device.ID, sender, obs, cfg.Telemetry.RequestTimeout)
	rt := dispenser.New(orch, reporter, obs, dispenser.Options{
		SampleInterval: cfg.Sampling.Interval,
		ReportInterval: cfg.Telemetry.Interval,
		PushInterval:   cfg.Admin.PushInterval,
	})

	if !*debugFlag {
		gin.SetMode(gin.ReleaseMode)
	}
	hub := admin.NewHub()
	rt.OnUpdate(hub.Publish)
	srv := admin.NewServer(admin.Options{
		Controller:         rt,
		Settings:           store,
		Hub:                hub,
		Gatherer:           prometheus.DefaultGatherer,
		DefaultReferenceKg: cfg.Sampling.ReferenceKg,
		LegacyWait:         cfg.Sampling.Interval * time.Duration(cfg.Sampling.TimeoutCycles+cfg.Sampling.CaptureSamples),
		PollInterval:       cfg.Sampling.Interval,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go hub.Run(ctx)
	go func() {
		log.Printf("admin: listening on %s", cfg.Admin.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("admin: server failed: %v", err)
			stop()
		}
	}()

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("dispenser: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("admin: shutdown: %v", err)
	}
	log.Printf("cerealometer stopped")
}

func listPorts() {
	ports, err := loadcell.Ports()
	if err != nil {
		log.Fatalf("Failed to list serial ports: %v", err)
	}
	for _, p := range ports {
		fmt.Printf("%s\t%s\n", p.Name, p.Description)
	}
}

// applyDeviceSettings lets values saved from the settings page replace the
// identity in the YAML file. The environment is applied afterwards and wins.
func applyDeviceSettings(cfg *config.Config, d settings.Device) {
	if d.DeviceID != "" {
		cfg.Device.ID = d.DeviceID
	}
	if d.ProjectID != "" {
		cfg.Device.ProjectID = d.ProjectID
	}
	if d.Secret != "" {
		cfg.Device.Secret = d.Secret
	}
}

func openReader(cfg *config.Config) (loadcell.Reader, error) {
	slots := cfg.SlotIDs()

	switch cfg.Source.Kind {
	case config.SourceSerial:
		d := loadcell.New(cfg.Source.Serial.Port, cfg.Source.Serial.BaudRate, slots)
		if err := d.Connect(); err != nil {
			return nil, err
		}
		log.Printf("loadcell: reading bridge on %s", cfg.Source.Serial.Port)
		return d, nil

	case config.SourceI2C:
		bus, err := i2c.New()
		if err != nil {
			return nil, fmt.Errorf("open i2c bus: %w", err)
		}
		channels := make(map[int]int, len(cfg.Slots))
		for _, s := range cfg.Slots {
			channels[s.ID] = s.MuxChannel
		}
		n := loadcell.NewNAU7802(bus, loadcell.NAU7802Config{
			MuxAddress: cfg.Source.I2C.MuxAddress,
			Address:    cfg.Source.I2C.Address,
			Channels:   channels,
		})
		if err := n.Init(); err != nil {
			n.Close()
			return nil, err
		}
		log.Printf("loadcell: %d NAU7802 converters behind mux 0x%02x", len(channels), cfg.Source.I2C.MuxAddress)
		return n, nil

	default:
		log.Printf("loadcell: using mocked load cells")
		return loadcell.NewMock(&cfg.Mock, slots), nil
	}
}

func buildOrchestrator(cfg *config.Config, reader loadcell.Reader, store *settings.FileStore, obs observability.Observer) *calibration.Orchestrator {
	limits := calibration.Limits{
		CaptureSamples:  cfg.Sampling.CaptureSamples,
		SanityBound:     cfg.Sampling.SanityBound,
		SaturationLimit: cfg.Sampling.SaturationLimit,
		Epsilon:         cfg.Sampling.DegenerateEpsilon,
		MaxMissedCycles: cfg.Sampling.MaxMissedCycles,
	}

	stored := store.LoadAll()
	machines := make([]*calibration.Machine, 0, len(cfg.Slots))
	for _, s := range cfg.Slots {
		cal, ok := stored[s.ID]
		if !ok {
			cal = calibration.DefaultCalibration
			log.Printf("calibration: slot %d (%s) has no stored values, using defaults", s.ID, s.Name)
		}
		ch := sample.NewChannel(s.ID, reader, cfg.Sampling.Window)
		machines = append(machines, calibration.NewMachine(s.ID, ch, limits, cal))
	}
	return calibration.NewOrchestrator(machines, store, obs, cfg.Sampling.TimeoutCycles)
}

// buildSender returns the cloud sender, mirrored into PostgreSQL when a
// history database is configured. Without an endpoint readings are logged.
func buildSender(cfg *config.Config, obs observability.Observer) (telemetry.Sender, func(), error) {
	var primary telemetry.Sender
	if base := cfg.TelemetryBaseURL(); base != "" {
		cloud, err := telemetry.NewCloudSender(telemetry.CloudConfig{
			BaseURL:      base,
			PathTemplate: cfg.Telemetry.PathTemplate,
			DeviceID:     cfg.Device.ID,
			AuthSecret:   cfg.Device.Secret,
		}, &http.Client{Timeout: cfg.Telemetry.RequestTimeout})
		if err != nil {
			return nil, nil, err
		}
		primary = cloud
		if host := cfg.FirebaseHost(); host != "" {
			log.Printf("telemetry: reporting to %s (project database %s)", base, host)
		} else {
			log.Printf("telemetry: reporting to %s", base)
		}
	} else {
		log.Printf("telemetry: no endpoint configured, readings are logged only")
		primary = telemetry.NewLogSender()
	}

	if cfg.Telemetry.History.ConnString == "" {
		return primary, func() {}, nil
	}

	db, err := telemetry.OpenPostgres(cfg.Telemetry.History.ConnString)
	if err != nil {
		return nil, nil, err
	}
	sink := telemetry.NewPostgresSink(db, cfg.Telemetry.History.Table)
	log.Printf("telemetry: mirroring delivered readings into %s", cfg.Telemetry.History.Table)
	return telemetry.NewFanOut(obs, primary, sink), func() { db.Close() }, nil
}
