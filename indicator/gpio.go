package indicator

import (
	"fmt"

	"github.com/hjkoskel/govattu"
)

// GPIO implements Indicator using discrete GPIO LED pins.
// Yellow means connected, green means reading, red means fault.
type GPIO struct {
	hw        govattu.Vattu
	greenPin  *uint8
	yellowPin *uint8
	redPin    *uint8
}

// NewGPIO creates a new GPIO-based indicator.
func NewGPIO(greenPin, yellowPin, redPin *uint8) (*GPIO, error) {
	hw, err := govattu.Open()
	if err != nil {
		return nil, fmt.Errorf("open gpio: %w", err)
	}

	g := &GPIO{
		hw:        hw,
		greenPin:  greenPin,
		yellowPin: yellowPin,
		redPin:    redPin,
	}

	// Initialize all pins as outputs, start off
	for _, pin := range g.pins() {
		hw.PinMode(*pin, govattu.ALToutput)
		hw.PinClear(*pin)
	}

	return g, nil
}

// Idle implements Indicator.Idle.
func (g *GPIO) Idle() {
	g.only()
}

// Connected implements Indicator.Connected.
func (g *GPIO) Connected() {
	g.only(g.yellowPin)
}

// Reading implements Indicator.Reading.
func (g *GPIO) Reading() {
	g.only(g.greenPin)
}

// TagRead implements Indicator.TagRead. An unknown product lights yellow
// with green.
func (g *GPIO) TagRead(resolved bool) {
	if resolved {
		g.only(g.greenPin)
		return
	}
	g.only(g.greenPin, g.yellowPin)
}

// Fault implements Indicator.Fault.
func (g *GPIO) Fault() {
	g.only(g.redPin)
}

// Shutdown implements Indicator.Shutdown.
func (g *GPIO) Shutdown() {
	g.only()
}

// Release implements Indicator.Release.
func (g *GPIO) Release() error {
	g.only()
	return g.hw.Close()
}

// only lights the given pins and clears the rest.
func (g *GPIO) only(on ...*uint8) {
	for _, pin := range g.pins() {
		lit := false
		for _, p := range on {
			if p == pin {
				lit = true
			}
		}
		if lit {
			g.hw.PinSet(*pin)
		} else {
			g.hw.PinClear(*pin)
		}
	}
}

func (g *GPIO) pins() []*uint8 {
	var out []*uint8
	for _, p := range []*uint8{g.greenPin, g.yellowPin, g.redPin} {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}
