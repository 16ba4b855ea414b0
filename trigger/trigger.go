// Package trigger turns a GPIO push button into a reading on/off signal.
package trigger

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotSupported is returned where GPIO character devices are unavailable.
var ErrNotSupported = errors.New("gpio trigger not supported on this platform")

// Modes.
const (
	ModeToggle = "toggle" // each press flips reading
	ModeHold   = "hold"   // read while the button is held
)

// Config holds configuration for the trigger button.
type Config struct {
	Chip     string        `yaml:"chip"`
	Pin      int           `yaml:"pin"`
	Mode     string        `yaml:"mode"`
	Debounce time.Duration `yaml:"debounce"`
}

func (c Config) Validate() error {
	switch c.Mode {
	case "", ModeToggle, ModeHold:
		return nil
	}
	return fmt.Errorf("trigger: unknown mode %q", c.Mode)
}

// Handler is called whenever the trigger changes reading on or off.
type Handler func(active bool)

// state folds raw button edges into on/off changes.
type state struct {
	mu      sync.Mutex
	mode    string
	active  bool
	handler Handler
}

// edge records a press (true) or release (false).
func (s *state) edge(pressed bool) {
	s.mu.Lock()
	next := s.active
	switch s.mode {
	case ModeHold:
		next = pressed
	default:
		if pressed {
			next = !s.active
		}
	}
	changed := next != s.active
	s.active = next
	s.mu.Unlock()

	if changed && s.handler != nil {
		s.handler(next)
	}
}

// Active reports whether the trigger currently asks for reading.
func (s *state) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
