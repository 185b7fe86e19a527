// Package config handles application configuration loading and validation.
//
// Configuration is loaded from a YAML file, validated using struct tags and
// then overridden by TPER_* environment variables (a .env file is honoured).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jusunglee/tper-go/internal/models"
)

// maxMinimumInterval is the longest interval the scheduler ever selects
const maxMinimumInterval = 15 * time.Minute

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port int `yaml:"port" validate:"gt=0,lte=65535"`
}

// APIConfig contains upstream API settings
type APIConfig struct {
	BaseURL   string        `yaml:"base_url" validate:"required,url"`
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
	RateLimit float64       `yaml:"rate_limit" validate:"gt=0"`
}

// PollingConfig contains scheduling settings
type PollingConfig struct {
	MinimumInterval time.Duration `yaml:"minimum_interval" validate:"gt=0"`
	Timezone        string        `yaml:"timezone" validate:"required"`
}

// StopConfig is one tracked stop
type StopConfig struct {
	StopID    int               `yaml:"stop_id" validate:"gt=0,lte=999999"`
	StopName  string            `yaml:"stop_name"`
	LineIDs   []string          `yaml:"line_ids" validate:"required,min=1,max=20,unique,dive,number,min=1,max=6"`
	LineNames map[string]string `yaml:"line_names"`
}

// MQTTConfig contains broker settings
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker" validate:"required_if=Enabled true"`
	Port            int    `yaml:"port" validate:"gte=0,lte=65535"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	ClientID        string `yaml:"client_id"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// GTFSRTConfig toggles the GTFS-Realtime export
type GTFSRTConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AppConfig is the root configuration structure
type AppConfig struct {
	Server  ServerConfig  `yaml:"server"`
	API     APIConfig     `yaml:"api"`
	Polling PollingConfig `yaml:"polling"`
	Stops   []StopConfig  `yaml:"stops" validate:"dive"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Logging LoggingConfig `yaml:"logging"`
	GTFSRT  GTFSRTConfig  `yaml:"gtfsrt"`
}

// Default returns the configuration used when a field is not set
func Default() AppConfig {
	return AppConfig{
		Server: ServerConfig{Port: 8080},
		API: APIConfig{
			BaseURL:   "https://webus.bo.it/app",
			Timeout:   10 * time.Second,
			RateLimit: 2.0,
		},
		Polling: PollingConfig{
			MinimumInterval: 30 * time.Second,
			Timezone:        "Europe/Rome",
		},
		MQTT: MQTTConfig{
			Port:        1883,
			TopicPrefix: "tper",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads, overrides and validates the configuration at path.
// An empty path skips the file and uses defaults plus environment.
func Load(path string) (*AppConfig, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and cross-field rules
func (c *AppConfig) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[int]bool, len(c.Stops))
	for _, s := range c.Stops {
		if seen[s.StopID] {
			return fmt.Errorf("invalid config: stop %d configured twice", s.StopID)
		}
		seen[s.StopID] = true
		for _, id := range s.LineIDs {
			if n, _ := strconv.Atoi(id); n <= 0 {
				return fmt.Errorf("invalid config: stop %d: line id %q must be positive", s.StopID, id)
			}
		}
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Polling.MinimumInterval > maxMinimumInterval {
		return errors.New("invalid config: minimum_interval exceeds the longest polling interval")
	}
	return nil
}

// Location resolves the polling timezone
func (c *AppConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Polling.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", c.Polling.Timezone, err)
	}
	return loc, nil
}

// TrackedStops converts the configured stops into domain values
func (c *AppConfig) TrackedStops() []models.TrackedStop {
	stops := make([]models.TrackedStop, len(c.Stops))
	for i, s := range c.Stops {
		stops[i] = models.NewTrackedStop(s.StopID, s.StopName, s.LineIDs, s.LineNames)
	}
	return stops
}

func applyEnv(cfg *AppConfig) error {
	if v := os.Getenv("TPER_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("TPER_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
	if v := os.Getenv("TPER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TPER_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TPER_HTTP_PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	return nil
}
