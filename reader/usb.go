//go:build cgo

package reader

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog"
)

// USB is the transport for readers talking over raw bulk or interrupt
// endpoints. The kernel driver is detached while the interface is claimed
// and re-attached when it is released.
type USB struct {
	log zerolog.Logger
}

// NewUSB creates the USB transport.
func NewUSB(log zerolog.Logger) *USB {
	return &USB{log: log.With().Str("transport", string(KindUSB)).Logger()}
}

func (u *USB) Kind() Kind { return KindUSB }

// Discover lists every USB device with its product strings.
func (u *USB) Discover(ctx context.Context) ([]Descriptor, error) {
	uctx := gousb.NewContext()
	defer uctx.Close()

	devs, err := uctx.OpenDevices(func(*gousb.DeviceDesc) bool { return true })
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("enumerate usb devices: %w", err)
	}

	out := make([]Descriptor, 0, len(devs))
	for _, dev := range devs {
		desc := dev.Desc
		name := fmt.Sprintf("USB %04X:%04X", uint16(desc.Vendor), uint16(desc.Product))
		manufacturer, _ := dev.Manufacturer()
		product, _ := dev.Product()
		if manufacturer != "" || product != "" {
			name = strings.TrimSpace(manufacturer + " " + product)
		}
		out = append(out, Descriptor{
			ID:        fmt.Sprintf("%s:%s", KindUSB, usbLocator(desc)),
			Kind:      KindUSB,
			Name:      name,
			VendorID:  uint16(desc.Vendor),
			ProductID: uint16(desc.Product),
			Address:   usbLocator(desc),
		})
		dev.Close()
	}
	return out, nil
}

// Connect claims the configured interface and starts polling its inbound
// endpoint.
func (u *USB) Connect(ctx context.Context, desc Descriptor, opts Options) (Conn, error) {
	opts = opts.WithDefaults(DefaultOptions())
	match, err := parseUSBLocator(desc.Address)
	if err != nil {
		return nil, &ConnectionError{Device: desc.ID, Reason: ReasonNotFound, Err: err}
	}

	claim, err := openWithin(ctx, opts.ConnectTimeout, func() (*usbClaim, error) {
		return claimUSB(match, opts)
	}, func(c *usbClaim) { _ = c.release() })
	if err != nil {
		return nil, &ConnectionError{Device: desc.ID, Reason: usbReason(err), Err: err}
	}

	c := &usbConn{claim: claim}
	c.stream = newStream(desc, claim.release)
	c.run(c.readLoop)

	u.log.Info().
		Str("device", desc.ID).
		Int("interface", opts.USBInterface).
		Int("endpoint", claim.in.Desc.Number).
		Msg("usb interface claimed")
	return c, nil
}

type usbMatch struct {
	vendor, product gousb.ID
	bus, address    int
}

func (m usbMatch) matches(d *gousb.DeviceDesc) bool {
	if d.Vendor != m.vendor || d.Product != m.product {
		return false
	}
	if m.bus > 0 && (d.Bus != m.bus || d.Address != m.address) {
		return false
	}
	return true
}

func usbLocator(d *gousb.DeviceDesc) string {
	return fmt.Sprintf("%04x:%04x:%d:%d", uint16(d.Vendor), uint16(d.Product), d.Bus, d.Address)
}

// parseUSBLocator accepts "vvvv:pppp" or "vvvv:pppp:bus:address".
func parseUSBLocator(s string) (usbMatch, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 4 {
		return usbMatch{}, fmt.Errorf("usb locator %q: want vid:pid[:bus:address]", s)
	}
	vid, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return usbMatch{}, fmt.Errorf("usb vendor id %q: %w", parts[0], err)
	}
	pid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return usbMatch{}, fmt.Errorf("usb product id %q: %w", parts[1], err)
	}
	m := usbMatch{vendor: gousb.ID(vid), product: gousb.ID(pid)}
	if len(parts) == 4 {
		if m.bus, err = strconv.Atoi(parts[2]); err != nil {
			return usbMatch{}, fmt.Errorf("usb bus %q: %w", parts[2], err)
		}
		if m.address, err = strconv.Atoi(parts[3]); err != nil {
			return usbMatch{}, fmt.Errorf("usb address %q: %w", parts[3], err)
		}
	}
	return m, nil
}

// usbClaim holds everything opened for one connection, in release order.
type usbClaim struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

func claimUSB(m usbMatch, opts Options) (*usbClaim, error) {
	c := &usbClaim{ctx: gousb.NewContext()}
	ok := false
	defer func() {
		if !ok {
			_ = c.release()
		}
	}()

	devs, err := c.ctx.OpenDevices(m.matches)
	if len(devs) == 0 {
		if err == nil {
			err = gousb.ErrorNotFound
		}
		return nil, err
	}
	c.dev = devs[0]
	for _, extra := range devs[1:] {
		extra.Close()
	}

	if err := c.dev.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("auto detach: %w", err)
	}

	cfgNum := opts.USBConfig
	if cfgNum == 0 {
		if cfgNum, err = c.dev.ActiveConfigNum(); err != nil {
			return nil, fmt.Errorf("active config: %w", err)
		}
	}
	if c.cfg, err = c.dev.Config(cfgNum); err != nil {
		return nil, fmt.Errorf("config %d: %w", cfgNum, err)
	}
	if c.intf, err = c.cfg.Interface(opts.USBInterface, opts.USBAlternate); err != nil {
		return nil, fmt.Errorf("claim interface %d: %w", opts.USBInterface, err)
	}

	inNum, outNum := opts.USBEndpoint, 0
	for _, ep := range c.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk && ep.TransferType != gousb.TransferTypeInterrupt {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && inNum == 0 {
			inNum = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionOut && outNum == 0 {
			outNum = ep.Number
		}
	}
	if inNum == 0 {
		return nil, fmt.Errorf("interface %d has no inbound endpoint", opts.USBInterface)
	}
	if c.in, err = c.intf.InEndpoint(inNum); err != nil {
		return nil, fmt.Errorf("in endpoint %d: %w", inNum, err)
	}
	if outNum != 0 {
		c.out, _ = c.intf.OutEndpoint(outNum)
	}

	ok = true
	return c, nil
}

func (c *usbClaim) release() error {
	var errs []error
	if c.intf != nil {
		c.intf.Close()
	}
	if c.cfg != nil {
		errs = append(errs, c.cfg.Close())
	}
	if c.dev != nil {
		errs = append(errs, c.dev.Close())
	}
	if c.ctx != nil {
		errs = append(errs, c.ctx.Close())
	}
	return errors.Join(errs...)
}

func usbReason(err error) Reason {
	switch {
	case errors.Is(err, gousb.ErrorNotFound), errors.Is(err, gousb.ErrorNoDevice):
		return ReasonNotFound
	case errors.Is(err, gousb.ErrorAccess):
		return ReasonPermission
	case errors.Is(err, gousb.ErrorBusy):
		return ReasonBusy
	}
	return classify(err)
}

type usbConn struct {
	*stream
	claim *usbClaim
}

func (c *usbConn) Polled() bool { return false }

// Close cancels the pending transfer and waits for the read loop before the
// interface is released; libusb does not tolerate freeing a handle mid-transfer.
func (c *usbConn) Close() error {
	c.stop()
	select {
	case <-c.loop:
	case <-time.After(closeWait):
	}
	return c.releaseNow()
}

func (c *usbConn) Send(data []byte) error {
	if c.claim.out == nil {
		return ErrSendUnsupported
	}
	if c.stopping() {
		return ErrClosed
	}
	if _, err := c.claim.out.Write(data); err != nil {
		return &TransportError{Device: c.desc.ID, Op: "write", Err: err}
	}
	return nil
}

func (c *usbConn) readLoop() {
	ctx, cancel := c.context()
	defer cancel()

	size := c.claim.in.Desc.MaxPacketSize
	if size <= 0 {
		size = 64
	}
	buf := make([]byte, size)
	for {
		n, err := c.claim.in.ReadContext(ctx, buf)
		if n > 0 {
			c.ingest(buf[:n])
		}
		if err != nil {
			if c.stopping() {
				return
			}
			if errors.Is(err, gousb.TransferTimedOut) {
				continue
			}
			c.fail("read", err)
			return
		}
	}
}
