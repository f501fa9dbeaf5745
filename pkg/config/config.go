// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration shared by the hub, sensor
// and display commands.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/VILLASframework/heartrelay/pkg"
	"github.com/VILLASframework/heartrelay/pkg/sensor"
)

type Config struct {
	Log     LogConfig     `yaml:"log"`
	Hub     HubConfig     `yaml:"hub"`
	Sensor  SensorConfig  `yaml:"sensor"`
	Display DisplayConfig `yaml:"display"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HubConfig struct {
	Addr          string        `yaml:"addr"`
	SessionExpiry time.Duration `yaml:"session_expiry"`
	OutboxLength  int           `yaml:"outbox_length"`
}

type SensorConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	QueueLength    int           `yaml:"queue_length"`
	StatusInterval time.Duration `yaml:"status_interval"`

	Session   sensor.SessionConfig   `yaml:"session"`
	Simulator sensor.SimulatorConfig `yaml:"simulator"`
}

type DisplayConfig struct {
	Endpoint           string        `yaml:"endpoint"`
	Addr               string        `yaml:"addr"`
	QueueLength        int           `yaml:"queue_length"`
	Timezone           string        `yaml:"timezone"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	TrackLength        time.Duration `yaml:"track_length"`

	Store StoreConfig `yaml:"store"`
}

type StoreConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// Load reads the configuration at path. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	return load(path, nil)
}

func load(path string, override func(*Config)) (*Config, error) {
	var cfg Config

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if override != nil {
		override(&cfg)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Hub.Addr == "" {
		c.Hub.Addr = ":8080"
	}
	if c.Hub.SessionExpiry == 0 {
		c.Hub.SessionExpiry = 5 * time.Minute
	}
	if c.Hub.OutboxLength == 0 {
		c.Hub.OutboxLength = 64
	}

	if c.Sensor.Endpoint == "" {
		c.Sensor.Endpoint = "ws://localhost:8080/default/sensor?role=sensor"
	}
	if c.Sensor.MetricsAddr == "" {
		c.Sensor.MetricsAddr = ":9101"
	}
	if c.Sensor.QueueLength == 0 {
		c.Sensor.QueueLength = 32
	}
	if c.Sensor.Session == (sensor.SessionConfig{}) {
		c.Sensor.Session = sensor.DefaultSessionConfig()
	}

	if c.Display.Endpoint == "" {
		c.Display.Endpoint = "ws://localhost:8080/default/display?role=display"
	}
	if c.Display.Addr == "" {
		c.Display.Addr = ":8081"
	}
	if c.Display.QueueLength == 0 {
		c.Display.QueueLength = 32
	}
	if c.Display.CheckpointInterval == 0 {
		c.Display.CheckpointInterval = time.Minute
	}
	if c.Display.TrackLength == 0 {
		c.Display.TrackLength = 45 * time.Minute
	}
	if c.Display.Store.Driver == "" {
		c.Display.Store.Driver = "sqlite"
	}
	if c.Display.Store.Path == "" && c.Display.Store.Driver == "sqlite" {
		c.Display.Store.Path = "./data/sessions.db"
	}
	if c.Display.Store.PoolSize == 0 {
		c.Display.Store.PoolSize = 4
	}
}

func (c *Config) validate() error {
	if _, err := c.Log.level(); err != nil {
		return err
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json', got '%s'", c.Log.Format)
	}

	if c.Hub.OutboxLength < 0 {
		return errors.New("hub.outbox_length must not be negative")
	}

	if err := validateEndpoint("sensor.endpoint", c.Sensor.Endpoint, pkg.RoleSensor); err != nil {
		return err
	}
	if c.Sensor.StatusInterval < 0 {
		return errors.New("sensor.status_interval must not be negative")
	}

	// Zero selects the simulator default.
	sim := c.Sensor.Simulator
	if sim.StartupDelay < 0 {
		return errors.New("sensor.simulator.startup_delay must not be negative")
	}
	if sim.Interval < 0 {
		return errors.New("sensor.simulator.interval must not be negative")
	}
	if sim.RestingBPM < 0 || sim.Variability < 0 {
		return errors.New("sensor.simulator.resting_bpm and variability must not be negative")
	}

	if err := validateEndpoint("display.endpoint", c.Display.Endpoint, pkg.RoleDisplay); err != nil {
		return err
	}
	if _, err := c.Display.Location(); err != nil {
		return err
	}
	if c.Display.CheckpointInterval < 0 {
		return errors.New("display.checkpoint_interval must not be negative")
	}

	switch c.Display.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Display.Store.Path == "" {
			return errors.New("display.store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("display.store.driver must be 'memory' or 'sqlite', got '%s'", c.Display.Store.Driver)
	}

	return nil
}

func validateEndpoint(key, value string, role pkg.Role) error {
	e, err := pkg.ParseEndpoint(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}

	if e.Role != role {
		return fmt.Errorf("%s: role must be '%s', got '%s'", key, role, e.Role)
	}

	return nil
}

// Location resolves the timezone used for day boundaries. An empty
// name selects the local timezone.
func (c DisplayConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("display.timezone: %w", err)
	}

	return loc, nil
}

func (c LogConfig) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return l, fmt.Errorf("log.level: %w", err)
	}

	return l, nil
}

// NewLogger builds the process logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.level()
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// Flags holds the command-line options shared by all commands.
type Flags struct {
	fs *pflag.FlagSet

	path      string
	level     string
	format    string
	addr      string
	endpoint  string
	bindAddr  func(*Config) *string
	bindEndpt func(*Config) *string
}

// NewFlags registers the shared options on fs. addr and endpoint select
// the config fields the --addr and --endpoint flags override; either may
// be nil if the command has no such option.
func NewFlags(fs *pflag.FlagSet, addr, endpoint func(*Config) *string) *Flags {
	f := &Flags{
		fs:        fs,
		bindAddr:  addr,
		bindEndpt: endpoint,
	}

	fs.StringVarP(&f.path, "config", "c", "", "Path to the YAML configuration file")
	fs.StringVar(&f.level, "log-level", "", "The log level (debug, info, warn, error)")
	fs.StringVar(&f.format, "log-format", "", "The log format (text, json)")

	if addr != nil {
		fs.StringVar(&f.addr, "addr", "", "HTTP service address")
	}
	if endpoint != nil {
		fs.StringVar(&f.endpoint, "endpoint", "", "Hub endpoint, e.g. ws://host:8080/<session>/<peer>?role=<role>")
	}

	return f
}

// Load reads the configuration file given by --config and applies the
// flags set on the command line.
func (f *Flags) Load() (*Config, error) {
	return load(f.path, func(c *Config) {
		if f.fs.Changed("log-level") {
			c.Log.Level = f.level
		}
		if f.fs.Changed("log-format") {
			c.Log.Format = f.format
		}
		if f.bindAddr != nil && f.fs.Changed("addr") {
			*f.bindAddr(c) = f.addr
		}
		if f.bindEndpt != nil && f.fs.Changed("endpoint") {
			*f.bindEndpt(c) = f.endpoint
		}
	})
}
