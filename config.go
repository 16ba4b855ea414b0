package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"rfidbridge/acquire"
	"rfidbridge/codec"
	"rfidbridge/control"
	"rfidbridge/discovery"
	"rfidbridge/eventpipe"
	"rfidbridge/frame"
	"rfidbridge/identity"
	"rfidbridge/indicator"
	"rfidbridge/logger"
	"rfidbridge/mqtt"
	"rfidbridge/publish"
	"rfidbridge/reader"
	"rfidbridge/trigger"
)

const defaultPingInterval = 120 * time.Second

// Config is the main configuration structure for rfidbridge.
type Config struct {
	// Node identity, used as MQTT client id and default topic prefix
	ClientID string `yaml:"client_id"`

	Logging logger.Config `yaml:"logging"`

	// Read pipeline
	Acquire    acquire.Config   `yaml:"acquire"`
	Transports reader.Config    `yaml:"transports"`
	Discovery  discovery.Config `yaml:"discovery"`
	Codec      codec.Config     `yaml:"codec"`
	Frame      frame.Config     `yaml:"frame"`
	Directory  identity.Config  `yaml:"directory"`

	// Event outputs
	MQTT         mqtt.Config        `yaml:"mqtt"`
	NATS         publish.NATSConfig `yaml:"nats"`
	Stdout       bool               `yaml:"stdout"` // JSON lines on stdout
	PingInterval time.Duration      `yaml:"ping_interval"`

	// Base64 HMAC key for MQTT control commands. Empty leaves the control
	// topic unsubscribed.
	ControlSecret string `yaml:"control_secret"`

	// Local hardware and control
	Indicator indicator.Config `yaml:"indicator"`
	Trigger   trigger.Config   `yaml:"trigger"`
	EventPipe eventpipe.Config `yaml:"event_pipe"`

	// Readers connected at startup
	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig is a reader connected when the node starts.
type DeviceConfig struct {
	ID                     string `yaml:"id"`
	acquire.ConnectOptions `yaml:",inline"`
	Autostart              bool `yaml:"autostart"` // start reading once connected
}

// LoadConfig reads, defaults and validates the config at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadConfigOrDefault is LoadConfig, except a missing file yields the
// defaults when the path was not asked for explicitly.
func loadConfigOrDefault(path string, explicit bool) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		cfg = &Config{}
		cfg.applyDefaults()
		return cfg, nil
	}
	return cfg, err
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID, _ = os.Hostname()
	}
	if c.ClientID == "" {
		c.ClientID = "rfidbridge"
	}
	if c.MQTT.Prefix == "" {
		c.MQTT.Prefix = "rfid/" + c.ClientID
	}
	if c.Frame.Prefixes == nil {
		c.Frame.Prefixes = frame.DefaultConfig().Prefixes
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	c.Acquire = c.Acquire.WithDefaults()
}

// Validate rejects configs the node cannot run with.
func (c *Config) Validate() error {
	if err := c.Acquire.Validate(); err != nil {
		return err
	}
	if err := c.Transports.Validate(); err != nil {
		return err
	}
	if err := c.Directory.Validate(); err != nil {
		return err
	}
	if err := c.Trigger.Validate(); err != nil {
		return err
	}
	if c.Codec.BarcodeWidth < 0 || c.Codec.OrderWidth < 0 || c.Codec.TargetLength < 0 {
		return fmt.Errorf("codec: widths must not be negative")
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("ping_interval must not be negative")
	}
	if c.ControlSecret != "" {
		if _, err := control.DecodeSecret(c.ControlSecret); err != nil {
			return fmt.Errorf("control_secret: %w", err)
		}
	}

	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if _, _, err := reader.ParseDeviceID(d.ID); err != nil {
			return fmt.Errorf("devices: %w", err)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices: %s listed twice", d.ID)
		}
		if err := d.ConnectOptions.Validate(c.Acquire.Terminator); err != nil {
			return fmt.Errorf("devices: %s: %w", d.ID, err)
		}
		seen[d.ID] = true
	}
	return nil
}

// device returns the configured options for id, if any.
func (c *Config) device(id string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceConfig{ID: id}, false
}
