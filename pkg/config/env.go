package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Environment variables that override the YAML file.
const (
	EnvDeviceID     = "CEREAL_DEVICE_ID"
	EnvProjectID    = "CEREAL_FIREBASE_PROJECT_ID"
	EnvSecret       = "CEREAL_FIREBASE_SECRET"
	EnvTelemetryURL = "CEREAL_TELEMETRY_URL"
	EnvHistoryDSN   = "CEREAL_HISTORY_DSN"
	EnvSerialPort   = "CEREAL_SERIAL_PORT"
)

// LoadEnv loads variables from the given .env files into the process
// environment. Missing files are not an error; variables already set in the
// environment are kept.
func LoadEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// ApplyEnv overrides identity and secret fields from the environment.
func (c *Config) ApplyEnv() {
	override(&c.Device.ID, EnvDeviceID)
	override(&c.Device.ProjectID, EnvProjectID)
	override(&c.Device.Secret, EnvSecret)
	override(&c.Telemetry.BaseURL, EnvTelemetryURL)
	override(&c.Telemetry.History.ConnString, EnvHistoryDSN)
	override(&c.Source.Serial.Port, EnvSerialPort)
}

func override(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
