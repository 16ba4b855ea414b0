package acquire

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"rfidbridge/reader"
)

const (
	DefaultResolveTimeout = 2 * time.Second
	DefaultMaxHistory     = 200
	DefaultTerminator     = "\r\n"
	DefaultEventBuffer    = 256
)

// Config holds the read pipeline settings.
type Config struct {
	PollInterval   time.Duration `yaml:"poll_interval"` // 0 leaves poll-style readers silent
	StartCommand   string        `yaml:"start_command"` // "hex:" prefix sends raw bytes
	StopCommand    string        `yaml:"stop_command"`
	Terminator     string        `yaml:"terminator"`
	DedupTimeout   time.Duration `yaml:"dedup_timeout"`
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
	MaxHistory     int           `yaml:"max_history"`
	EventBuffer    int           `yaml:"event_buffer"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Terminator == "" {
		c.Terminator = DefaultTerminator
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = DefaultResolveTimeout
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	return c
}

func (c Config) Validate() error {
	if c.PollInterval < 0 {
		return fmt.Errorf("acquire: poll_interval must not be negative")
	}
	if c.DedupTimeout < 0 {
		return fmt.Errorf("acquire: dedup_timeout must not be negative")
	}
	return validateCommands(c.Terminator, c.StartCommand, c.StopCommand)
}

func validateCommands(terminator string, cmds ...string) error {
	for _, cmd := range cmds {
		if _, err := command(cmd, terminator); err != nil {
			return err
		}
	}
	return nil
}

// ConnectOptions are per-connection settings. Zero values take the
// orchestrator's.
type ConnectOptions struct {
	reader.Options `yaml:",inline"`

	PollInterval time.Duration `yaml:"poll_interval"`
	StartCommand string        `yaml:"start_command"`
	StopCommand  string        `yaml:"stop_command"`
}

// Validate checks the options' own settings; empty fields are left to the
// orchestrator defaults.
func (o ConnectOptions) Validate(terminator string) error {
	if o.PollInterval < 0 {
		return fmt.Errorf("acquire: poll_interval must not be negative")
	}
	return validateCommands(terminator, o.StartCommand, o.StopCommand)
}

// command renders a configured command as bytes. Text gets the terminator
// appended; "hex:" commands are sent exactly as given.
func command(cmd, terminator string) ([]byte, error) {
	if cmd == "" {
		return nil, nil
	}
	if raw, ok := strings.CutPrefix(cmd, "hex:"); ok {
		b, err := hex.DecodeString(strings.ReplaceAll(raw, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("acquire: command %q: %w", cmd, err)
		}
		return b, nil
	}
	return []byte(cmd + terminator), nil
}
