//go:build linux

package reader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kenshaw/evdev"
	"github.com/rs/zerolog"
)

// HID is the transport for keyboard-wedge readers exposed as input devices.
// Key presses accumulate until Enter, forming one chunk.
type HID struct {
	log     zerolog.Logger
	pattern string
}

// NewHID creates the HID transport.
func NewHID(log zerolog.Logger) *HID {
	return &HID{
		log:     log.With().Str("transport", string(KindHID)).Logger(),
		pattern: "/dev/input/event*",
	}
}

func (h *HID) Kind() Kind { return KindHID }

// Discover lists input devices that can be opened by this process.
func (h *HID) Discover(ctx context.Context) ([]Descriptor, error) {
	paths, err := filepath.Glob(h.pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", h.pattern, err)
	}

	var out []Descriptor
	for _, path := range paths {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		dev, err := evdev.OpenFile(path)
		if err != nil {
			h.log.Debug().Err(err).Str("path", path).Msg("skip input device")
			continue
		}
		id := dev.ID()
		out = append(out, Descriptor{
			ID:        string(KindHID) + ":" + path,
			Kind:      KindHID,
			Name:      dev.Name(),
			VendorID:  uint16(id.Vendor),
			ProductID: uint16(id.Product),
			Path:      path,
		})
		dev.Close()
	}
	return out, nil
}

// Connect opens the device and grabs it so the keystrokes do not leak into
// the console. The grab is released on close.
func (h *HID) Connect(ctx context.Context, desc Descriptor, opts Options) (Conn, error) {
	opts = opts.WithDefaults(DefaultOptions())
	dev, err := openWithin(ctx, opts.ConnectTimeout, func() (*evdev.Evdev, error) {
		return evdev.OpenFile(desc.Path)
	}, func(d *evdev.Evdev) { d.Close() })
	if err != nil {
		return nil, connectError(desc.ID, err)
	}

	if err := dev.Lock(); err != nil {
		dev.Close()
		return nil, &ConnectionError{Device: desc.ID, Reason: ReasonBusy, Err: fmt.Errorf("grab: %w", err)}
	}

	c := &hidConn{dev: dev}
	c.stream = newStream(desc, func() error {
		_ = dev.Unlock()
		return dev.Close()
	})
	c.run(c.readLoop)

	h.log.Info().
		Str("device", desc.ID).
		Str("name", dev.Name()).
		Str("vendor", fmt.Sprintf("0x%04x", dev.ID().Vendor)).
		Msg("hid reader opened")
	return c, nil
}

type hidConn struct {
	*stream
	dev *evdev.Evdev
}

func (c *hidConn) Polled() bool { return false }

func (c *hidConn) Send([]byte) error { return ErrSendUnsupported }

func (c *hidConn) readLoop() {
	ctx, cancel := c.context()
	defer cancel()

	ch := c.dev.Poll(ctx)
	var line strings.Builder
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-ch:
			if event == nil {
				if !c.stopping() {
					c.fail("read", fmt.Errorf("input device closed"))
				}
				return
			}

			key, ok := event.Type.(evdev.KeyType)
			if !ok || event.Value != 1 {
				continue
			}
			if key == evdev.KeyEnter {
				if line.Len() > 0 {
					c.emit(line.String())
					line.Reset()
				}
				continue
			}
			if s := key.String(); len(s) == 1 {
				line.WriteString(s)
			}
		}
	}
}
