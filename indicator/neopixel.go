package indicator

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Neopixel command strings for the external neopixel tool.
const (
	neoNoReader   = "@2 !150000 001010"
	neoConnected  = "@3 !150000 400000"
	neoReading    = "@3 !50000 004000"
	neoTagKnown   = "@1 !50000 8000"
	neoTagUnknown = "@1 !50000 808000"
	neoFault      = "@2 !10000 ff"
	neoTerminated = "@0 010101"
)

// Neopixel implements Indicator using an external neopixel tool via named pipe.
type Neopixel struct {
	mu   sync.Mutex
	pipe io.WriteCloser
}

// NewNeopixel creates a new Neopixel indicator.
func NewNeopixel(pipePath string) (*Neopixel, error) {
	f, err := os.OpenFile(pipePath, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open neopixel pipe %s: %w", pipePath, err)
	}
	return &Neopixel{pipe: f}, nil
}

// Idle implements Indicator.Idle.
func (n *Neopixel) Idle() {
	n.write(neoNoReader)
}

// Connected implements Indicator.Connected.
func (n *Neopixel) Connected() {
	n.write(neoConnected)
}

// Reading implements Indicator.Reading.
func (n *Neopixel) Reading() {
	n.write(neoReading)
}

// TagRead implements Indicator.TagRead.
func (n *Neopixel) TagRead(resolved bool) {
	if resolved {
		n.write(neoTagKnown)
		return
	}
	n.write(neoTagUnknown)
}

// Fault implements Indicator.Fault.
func (n *Neopixel) Fault() {
	n.write(neoFault)
}

// Shutdown implements Indicator.Shutdown.
func (n *Neopixel) Shutdown() {
	n.write(neoTerminated)
}

// Release implements Indicator.Release.
func (n *Neopixel) Release() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pipe == nil {
		return nil
	}
	err := n.pipe.Close()
	n.pipe = nil
	return err
}

func (n *Neopixel) write(s string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pipe != nil {
		n.pipe.Write([]byte(s + "\n"))
	}
}
