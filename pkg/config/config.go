package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Source kinds.
const (
	SourceMock   = "mock"
	SourceSerial = "serial"
	SourceI2C    = "i2c"
)

// Config represents the application configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Source    SourceConfig    `yaml:"source"`
	Slots     []SlotConfig    `yaml:"slots"`
	Sampling  SamplingConfig  `yaml:"sampling"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Admin     AdminConfig     `yaml:"admin"`
	Settings  SettingsConfig  `yaml:"settings"`
	Mock      MockConfig      `yaml:"mock"`
}

// DeviceConfig identifies the dispenser.
type DeviceConfig struct {
	ID        string `yaml:"id"`
	ProjectID string `yaml:"project_id"` // Firebase project id
	Secret    string `yaml:"secret"`     // Firebase database secret
}

// SourceConfig selects where raw load-cell samples come from.
type SourceConfig struct {
	Kind   string       `yaml:"kind"`
	Serial SerialConfig `yaml:"serial"`
	I2C    I2CConfig    `yaml:"i2c"`
}

// SerialConfig contains serial port configuration of the bridge MCU.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// I2CConfig contains NAU7802 addressing behind a TCA9548A multiplexer.
type I2CConfig struct {
	MuxAddress uint8 `yaml:"mux_address"`
	Address    uint8 `yaml:"address"`
}

// SlotConfig describes one physical bin.
type SlotConfig struct {
	ID         int    `yaml:"id"`
	Name       string `yaml:"name"`
	MuxChannel int    `yaml:"mux_channel"` // I2C multiplexer channel (i2c source only)
}

// SamplingConfig contains signal conditioning and calibration parameters.
type SamplingConfig struct {
	Interval          time.Duration `yaml:"interval"`
	Window            int           `yaml:"window"`            // moving average window
	CaptureSamples    int           `yaml:"capture_samples"`   // samples averaged by tare/calibrate
	TimeoutCycles     int           `yaml:"timeout_cycles"`    // sampling cycles before an operation is forced to Fault
	MaxMissedCycles   int           `yaml:"max_missed_cycles"` // consecutive cycles without a sample before the channel faults
	SanityBound       float64       `yaml:"sanity_bound"`      // max |tare offset| in raw counts
	SaturationLimit   int32         `yaml:"saturation_limit"`
	DegenerateEpsilon float64       `yaml:"degenerate_epsilon"`
	ReferenceKg       float64       `yaml:"reference_kg"` // default reference weight for the legacy form
}

// TelemetryConfig contains cloud reporting parameters.
type TelemetryConfig struct {
	BaseURL        string        `yaml:"base_url"`
	PathTemplate   string        `yaml:"path_template"`
	Interval       time.Duration `yaml:"interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	History        HistoryConfig `yaml:"history"`
}

// HistoryConfig configures the optional PostgreSQL mirror of delivered readings.
type HistoryConfig struct {
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
}

// AdminConfig contains the web admin listener configuration.
type AdminConfig struct {
	Addr         string        `yaml:"addr"`
	PushInterval time.Duration `yaml:"push_interval"`
}

// SettingsConfig points at the persisted settings file.
type SettingsConfig struct {
	Path string `yaml:"path"`
}

// MockConfig contains mock load-cell parameters.
type MockConfig struct {
	Zero        int32   `yaml:"zero"`          // raw counts with empty bin
	CountsPerKg float64 `yaml:"counts_per_kg"` // raw counts per kilogram
	NoiseLevel  float64 `yaml:"noise_level"`   // peak noise in counts
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ID: "cerealometer",
		},
		Source: SourceConfig{
			Kind: SourceMock,
			Serial: SerialConfig{
				Port:     "/dev/ttyACM0",
				BaudRate: 115200,
			},
			I2C: I2CConfig{
				MuxAddress: 0x70,
				Address:    0x2A,
			},
		},
		Slots: []SlotConfig{
			{ID: 0, Name: "slot 0", MuxChannel: 0},
			{ID: 1, Name: "slot 1", MuxChannel: 1},
			{ID: 2, Name: "slot 2", MuxChannel: 2},
		},
		Sampling: SamplingConfig{
			Interval:          100 * time.Millisecond,
			Window:            8,
			CaptureSamples:    10,
			TimeoutCycles:     20,
			MaxMissedCycles:   40,
			SanityBound:       4000000,
			SaturationLimit:   8388000,
			DegenerateEpsilon: 1.0,
			ReferenceKg:       0.1,
		},
		Telemetry: TelemetryConfig{
			PathTemplate:   "/api/v1/devices/{device_id}/readings",
			Interval:       30 * time.Second,
			RequestTimeout: 10 * time.Second,
			History: HistoryConfig{
				Table: "slot_readings",
			},
		},
		Admin: AdminConfig{
			Addr:         ":8080",
			PushInterval: time.Second,
		},
		Settings: SettingsConfig{
			Path: "./data/settings.yaml",
		},
		Mock: MockConfig{
			Zero:        120000,
			CountsPerKg: 10000,
			NoiseLevel:  20,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Device.ID == "" {
		c.Device.ID = def.Device.ID
	}

	if c.Source.Kind == "" {
		c.Source.Kind = def.Source.Kind
	}
	if c.Source.Serial.Port == "" {
		c.Source.Serial.Port = def.Source.Serial.Port
	}
	if c.Source.Serial.BaudRate == 0 {
		c.Source.Serial.BaudRate = def.Source.Serial.BaudRate
	}
	if c.Source.I2C.MuxAddress == 0 {
		c.Source.I2C.MuxAddress = def.Source.I2C.MuxAddress
	}
	if c.Source.I2C.Address == 0 {
		c.Source.I2C.Address = def.Source.I2C.Address
	}

	if len(c.Slots) == 0 {
		c.Slots = def.Slots
	}

	if c.Sampling.Interval == 0 {
		c.Sampling.Interval = def.Sampling.Interval
	}
	if c.Sampling.Window == 0 {
		c.Sampling.Window = def.Sampling.Window
	}
	if c.Sampling.CaptureSamples == 0 {
		c.Sampling.CaptureSamples = def.Sampling.CaptureSamples
	}
	if c.Sampling.TimeoutCycles == 0 {
		c.Sampling.TimeoutCycles = def.Sampling.TimeoutCycles
	}
	if c.Sampling.MaxMissedCycles == 0 {
		c.Sampling.MaxMissedCycles = 2 * c.Sampling.TimeoutCycles
	}
	if c.Sampling.SanityBound == 0 {
		c.Sampling.SanityBound = def.Sampling.SanityBound
	}
	if c.Sampling.SaturationLimit == 0 {
		c.Sampling.SaturationLimit = def.Sampling.SaturationLimit
	}
	if c.Sampling.DegenerateEpsilon == 0 {
		c.Sampling.DegenerateEpsilon = def.Sampling.DegenerateEpsilon
	}
	if c.Sampling.ReferenceKg == 0 {
		c.Sampling.ReferenceKg = def.Sampling.ReferenceKg
	}

	if c.Telemetry.PathTemplate == "" {
		c.Telemetry.PathTemplate = def.Telemetry.PathTemplate
	}
	if c.Telemetry.Interval == 0 {
		c.Telemetry.Interval = def.Telemetry.Interval
	}
	if c.Telemetry.RequestTimeout == 0 {
		c.Telemetry.RequestTimeout = def.Telemetry.RequestTimeout
	}
	if c.Telemetry.History.Table == "" {
		c.Telemetry.History.Table = def.Telemetry.History.Table
	}

	if c.Admin.Addr == "" {
		c.Admin.Addr = def.Admin.Addr
	}
	if c.Admin.PushInterval == 0 {
		c.Admin.PushInterval = def.Admin.PushInterval
	}

	if c.Settings.Path == "" {
		c.Settings.Path = def.Settings.Path
	}

	if c.Mock.CountsPerKg == 0 {
		c.Mock.CountsPerKg = def.Mock.CountsPerKg
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Source.Kind {
	case SourceMock, SourceSerial, SourceI2C:
	default:
		errs = append(errs, fmt.Errorf("source.kind %q must be one of mock, serial, i2c", c.Source.Kind))
	}

	if len(c.Slots) == 0 {
		errs = append(errs, errors.New("at least one slot is required"))
	}
	seen := make(map[int]bool, len(c.Slots))
	for _, s := range c.Slots {
		if s.ID < 0 {
			errs = append(errs, fmt.Errorf("slot id %d must not be negative", s.ID))
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("duplicate slot id %d", s.ID))
		}
		seen[s.ID] = true
		if s.MuxChannel < 0 || s.MuxChannel > 7 {
			errs = append(errs, fmt.Errorf("slot %d: mux_channel %d out of range 0..7", s.ID, s.MuxChannel))
		}
	}

	if c.Sampling.Window < 4 {
		errs = append(errs, fmt.Errorf("sampling.window %d must be at least 4", c.Sampling.Window))
	}
	if c.Sampling.CaptureSamples < 10 {
		errs = append(errs, fmt.Errorf("sampling.capture_samples %d must be at least 10", c.Sampling.CaptureSamples))
	}
	if c.Sampling.TimeoutCycles <= c.Sampling.CaptureSamples {
		errs = append(errs, fmt.Errorf("sampling.timeout_cycles %d must exceed capture_samples %d",
			c.Sampling.TimeoutCycles, c.Sampling.CaptureSamples))
	}
	if c.Sampling.MaxMissedCycles <= 0 {
		errs = append(errs, fmt.Errorf("sampling.max_missed_cycles %d must be positive", c.Sampling.MaxMissedCycles))
	}
	if c.Sampling.SanityBound <= 0 {
		errs = append(errs, fmt.Errorf("sampling.sanity_bound %g must be positive", c.Sampling.SanityBound))
	}
	if c.Sampling.SaturationLimit <= 0 {
		errs = append(errs, fmt.Errorf("sampling.saturation_limit %d must be positive", c.Sampling.SaturationLimit))
	}
	if c.Sampling.DegenerateEpsilon < 0 {
		errs = append(errs, fmt.Errorf("sampling.degenerate_epsilon %g must not be negative", c.Sampling.DegenerateEpsilon))
	}
	if c.Sampling.ReferenceKg <= 0 {
		errs = append(errs, errors.New("sampling.reference_kg must be positive"))
	}

	if c.Device.ID == "" {
		errs = append(errs, errors.New("device.id is required"))
	}
	if !strings.Contains(c.Telemetry.PathTemplate, "{device_id}") {
		errs = append(errs, errors.New("telemetry.path_template must contain {device_id}"))
	}

	return errors.Join(errs...)
}

// TelemetryBaseURL returns the configured base URL, or the Cloud Functions
// URL derived from the Firebase project id.
func (c *Config) TelemetryBaseURL() string {
	if c.Telemetry.BaseURL != "" {
		return strings.TrimRight(c.Telemetry.BaseURL, "/")
	}
	if c.Device.ProjectID != "" {
		return fmt.Sprintf("http://us-central1-%s.cloudfunctions.net", c.Device.ProjectID)
	}
	return ""
}

// FirebaseHost returns the realtime database host of the configured project.
func (c *Config) FirebaseHost() string {
	if c.Device.ProjectID == "" {
		return ""
	}
	return c.Device.ProjectID + ".firebaseio.com"
}

// SlotIDs returns the configured slot ids in declaration order.
func (c *Config) SlotIDs() []int {
	ids := make([]int, 0, len(c.Slots))
	for _, s := range c.Slots {
		ids = append(ids, s.ID)
	}
	return ids
}
