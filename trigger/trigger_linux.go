//go:build linux

package trigger

import (
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// Trigger handles the reading button.
type Trigger struct {
	state
	line *gpiocdev.Line
}

// New requests the button line. Returns nil if no pin is configured.
func New(cfg Config, handler Handler) (*Trigger, error) {
	if cfg.Pin == 0 {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Chip == "" {
		cfg.Chip = "gpiochip0"
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 5 * time.Millisecond
	}

	t := &Trigger{state: state{mode: cfg.Mode, handler: handler}}

	var err error
	t.line, err = gpiocdev.RequestLine(cfg.Chip, cfg.Pin,
		gpiocdev.WithPullUp,
		gpiocdev.WithBothEdges,
		gpiocdev.WithDebounce(cfg.Debounce),
		gpiocdev.WithEventHandler(t.handleEvent))
	if err != nil {
		return nil, err
	}
	return t, nil
}

// The button pulls the line low when pressed.
func (t *Trigger) handleEvent(evt gpiocdev.LineEvent) {
	switch evt.Type {
	case gpiocdev.LineEventFallingEdge:
		t.edge(true)
	case gpiocdev.LineEventRisingEdge:
		t.edge(false)
	}
}

// Release releases GPIO resources.
func (t *Trigger) Release() error {
	if t.line != nil {
		return t.line.Close()
	}
	return nil
}
