package reader

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config selects which transports are available and how they start.
type Config struct {
	Disabled   []string       `yaml:"disabled"`    // transports to leave out, e.g. ["bluetooth"]
	Defaults   Options        `yaml:"defaults"`    // connection options applied under per-connect ones
	ScanWindow time.Duration  `yaml:"scan_window"` // bounds a BLE scan
	BlueZ      bool           `yaml:"bluez"`       // add BlueZ paired devices to the SPP list
	Paired     []PairedDevice `yaml:"paired"`
}

// Validate rejects unknown transport names.
func (c Config) Validate() error {
	for _, name := range c.Disabled {
		if !knownKind(Kind(name)) {
			return fmt.Errorf("reader: unknown transport %q in disabled", name)
		}
	}
	for _, p := range c.Paired {
		if p.Address == "" && p.Device == "" {
			return fmt.Errorf("reader: paired device %q needs an address or device", p.Name)
		}
	}
	return nil
}

func knownKind(k Kind) bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// New builds a Registry holding every transport cfg does not disable.
func New(cfg Config, log zerolog.Logger) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	off := make(map[Kind]bool, len(cfg.Disabled))
	for _, name := range cfg.Disabled {
		off[Kind(name)] = true
	}

	all := []Transport{
		NewSerial(log),
		NewHID(log),
		NewUSB(log),
		NewBLE(log, cfg.ScanWindow),
		NewSPP(log, cfg.Paired, cfg.BlueZ),
	}
	r := NewRegistry()
	for _, t := range all {
		if off[t.Kind()] {
			log.Debug().Str("transport", string(t.Kind())).Msg("transport disabled")
			continue
		}
		r.Register(t)
	}
	return r, nil
}
