package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/tarm/serial"
)

// PairedDevice is a Bluetooth serial reader known ahead of time. Device,
// when set, is a bound /dev/rfcommN node used instead of a raw socket.
type PairedDevice struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Channel int    `yaml:"channel"`
	Device  string `yaml:"device"`
}

// SPP is the Bluetooth classic serial port profile transport.
type SPP struct {
	log    zerolog.Logger
	paired []PairedDevice
	bluez  bool
}

// NewSPP creates the SPP transport. Configured devices are always listed;
// with bluez set, devices paired through BlueZ are added to them.
func NewSPP(log zerolog.Logger, paired []PairedDevice, bluez bool) *SPP {
	return &SPP{
		log:    log.With().Str("transport", string(KindBluetoothSerial)).Logger(),
		paired: paired,
		bluez:  bluez,
	}
}

func (s *SPP) Kind() Kind { return KindBluetoothSerial }

// Discover lists the configured and paired devices. SPP has no scan; a
// device has to be paired before it can be used.
func (s *SPP) Discover(ctx context.Context) ([]Descriptor, error) {
	seen := make(map[string]bool)
	var out []Descriptor
	for _, p := range s.paired {
		d := p.descriptor()
		seen[strings.ToUpper(p.Address)] = true
		out = append(out, d)
	}

	if !s.bluez {
		return out, nil
	}
	found, err := bluezPaired(ctx)
	if err != nil {
		s.log.Debug().Err(err).Msg("bluez paired devices unavailable")
		return out, nil
	}
	for _, p := range found {
		if seen[strings.ToUpper(p.Address)] {
			continue
		}
		out = append(out, p.descriptor())
	}
	return out, nil
}

func (p PairedDevice) descriptor() Descriptor {
	locator := p.Address
	if p.Device != "" {
		locator = p.Device
	}
	name := p.Name
	if name == "" {
		name = p.Address
	}
	return Descriptor{
		ID:      fmt.Sprintf("%s:%s", KindBluetoothSerial, locator),
		Kind:    KindBluetoothSerial,
		Name:    name,
		Address: p.Address,
		Path:    p.Device,
	}
}

// bluezPaired asks BlueZ over the system bus for every paired device.
func bluezPaired(ctx context.Context) ([]PairedDevice, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("system bus: %w", err)
	}
	defer conn.Close()

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := conn.Object("org.bluez", "/").CallWithContext(ctx, "org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0)
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez managed objects: %w", err)
	}

	var out []PairedDevice
	for _, ifaces := range objects {
		props, ok := ifaces["org.bluez.Device1"]
		if !ok {
			continue
		}
		if paired, _ := props["Paired"].Value().(bool); !paired {
			continue
		}
		addr, _ := props["Address"].Value().(string)
		if addr == "" {
			continue
		}
		name, _ := props["Name"].Value().(string)
		out = append(out, PairedDevice{Name: name, Address: addr})
	}
	return out, nil
}

// Connect opens the bound rfcomm tty when the device has one and an RFCOMM
// socket otherwise.
func (s *SPP) Connect(ctx context.Context, desc Descriptor, opts Options) (Conn, error) {
	opts = opts.WithDefaults(DefaultOptions())
	channel := opts.SPPChannel
	path, addr := desc.Path, desc.Address
	for _, p := range s.paired {
		if strings.EqualFold(p.Address, addr) || (path != "" && p.Device == path) {
			if p.Channel > 0 {
				channel = p.Channel
			}
			if path == "" {
				path = p.Device
			}
			if addr == "" {
				addr = p.Address
			}
		}
	}

	var (
		rwc   io.ReadWriteCloser
		isTTY bool
		err   error
	)
	if path != "" {
		isTTY = true
		rwc, err = openWithin(ctx, opts.ConnectTimeout, func() (io.ReadWriteCloser, error) {
			return serial.OpenPort(&serial.Config{
				Name:        path,
				Baud:        opts.Baud,
				ReadTimeout: 100 * time.Millisecond,
			})
		}, func(c io.ReadWriteCloser) { _ = c.Close() })
	} else {
		rwc, err = openWithin(ctx, opts.ConnectTimeout, func() (io.ReadWriteCloser, error) {
			return dialRFCOMM(addr, channel)
		}, func(c io.ReadWriteCloser) { _ = c.Close() })
	}
	if err != nil {
		return nil, connectError(desc.ID, err)
	}

	c := &sppConn{rwc: rwc, tty: isTTY}
	c.stream = newStream(desc, rwc.Close)
	c.run(c.readLoop)

	s.log.Info().
		Str("device", desc.ID).
		Bool("tty", isTTY).
		Int("channel", channel).
		Msg("bluetooth serial connected")
	return c, nil
}

type sppConn struct {
	*stream
	rwc io.ReadWriteCloser
	tty bool
}

func (c *sppConn) Polled() bool { return true }

func (c *sppConn) Send(data []byte) error {
	if c.stopping() {
		return ErrClosed
	}
	if _, err := c.rwc.Write(data); err != nil {
		return &TransportError{Device: c.desc.ID, Op: "write", Err: err}
	}
	return nil
}

// readLoop treats EOF on the tty as a read timeout. On a socket EOF means
// the remote end went away.
func (c *sppConn) readLoop() {
	buf := make([]byte, 512)
	for {
		n, err := c.rwc.Read(buf)
		if n > 0 {
			c.ingest(buf[:n])
		}
		if err == nil {
			continue
		}
		if c.stopping() {
			return
		}
		if c.tty && errors.Is(err, io.EOF) {
			continue
		}
		if errors.Is(err, io.EOF) {
			err = errRemoteClosed
		}
		c.fail("read", err)
		return
	}
}

var errRemoteClosed = errors.New("remote closed the connection")
