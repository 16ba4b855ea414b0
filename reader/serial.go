package reader

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Serial is the transport for readers on a serial or USB-CDC port.
type Serial struct {
	log zerolog.Logger
}

// NewSerial creates the serial transport.
func NewSerial(log zerolog.Logger) *Serial {
	return &Serial{log: log.With().Str("transport", string(KindSerial)).Logger()}
}

func (s *Serial) Kind() Kind { return KindSerial }

// Discover lists every serial port. USB details are filled in when the
// platform enumerator provides them.
func (s *Serial) Discover(ctx context.Context) ([]Descriptor, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil && len(details) > 0 {
		out := make([]Descriptor, 0, len(details))
		for _, d := range details {
			desc := Descriptor{
				ID:   string(KindSerial) + ":" + d.Name,
				Kind: KindSerial,
				Name: d.Name,
				Path: d.Name,
			}
			if d.IsUSB {
				desc.VendorID = parseHexID(d.VID)
				desc.ProductID = parseHexID(d.PID)
				if d.Product != "" {
					desc.Name = d.Product
				}
			}
			out = append(out, desc)
		}
		return out, nil
	}

	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	out := make([]Descriptor, 0, len(ports))
	for _, p := range ports {
		out = append(out, Descriptor{ID: string(KindSerial) + ":" + p, Kind: KindSerial, Name: p, Path: p})
	}
	return out, nil
}

// Connect opens the port with the configured line settings.
func (s *Serial) Connect(ctx context.Context, desc Descriptor, opts Options) (Conn, error) {
	opts = opts.WithDefaults(DefaultOptions())
	mode, err := serialMode(opts)
	if err != nil {
		return nil, &ConnectionError{Device: desc.ID, Reason: ReasonIO, Err: err}
	}

	port, err := openWithin(ctx, opts.ConnectTimeout, func() (serial.Port, error) {
		return serial.Open(desc.Path, mode)
	}, func(p serial.Port) { _ = p.Close() })
	if err != nil {
		return nil, connectError(desc.ID, err)
	}

	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		_ = port.Close()
		return nil, connectError(desc.ID, fmt.Errorf("set read timeout: %w", err))
	}
	_ = port.ResetInputBuffer()

	c := &serialConn{port: port}
	c.stream = newStream(desc, port.Close)
	c.run(c.readLoop)

	s.log.Info().Str("device", desc.ID).Int("baud", opts.Baud).Msg("serial port opened")
	return c, nil
}

type serialConn struct {
	*stream
	port serial.Port
}

func (c *serialConn) Polled() bool { return true }

func (c *serialConn) Send(data []byte) error {
	if c.stopping() {
		return ErrClosed
	}
	if _, err := c.port.Write(data); err != nil {
		return &TransportError{Device: c.desc.ID, Op: "write", Err: err}
	}
	return nil
}

func (c *serialConn) readLoop() {
	buf := make([]byte, 1024)
	for {
		if c.stopping() {
			return
		}
		n, err := c.port.Read(buf)
		if n > 0 {
			c.ingest(buf[:n])
		}
		if err != nil {
			if !c.stopping() {
				c.fail("read", err)
			}
			return
		}
	}
}

func serialMode(opts Options) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: opts.Baud,
		DataBits: opts.DataBits,
	}

	switch opts.Parity {
	case "", "none":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	case "mark":
		mode.Parity = serial.MarkParity
	case "space":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unknown parity %q", opts.Parity)
	}

	switch opts.StopBits {
	case "", "1":
		mode.StopBits = serial.OneStopBit
	case "1.5":
		mode.StopBits = serial.OnePointFiveStopBits
	case "2":
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unknown stop bits %q", opts.StopBits)
	}

	switch opts.FlowControl {
	case "", "none":
	case "hardware":
		mode.InitialStatusBits = &serial.ModemOutputBits{RTS: true, DTR: true}
	default:
		return nil, fmt.Errorf("unknown flow control %q", opts.FlowControl)
	}
	return mode, nil
}

func parseHexID(s string) uint16 {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}
