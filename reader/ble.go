package reader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"
)

// DefaultScanWindow bounds a BLE scan when none is configured.
const DefaultScanWindow = 10 * time.Second

// BLE is the Bluetooth Low Energy transport. Addresses seen during a scan are
// cached so a later Connect does not need to rescan.
type BLE struct {
	log     zerolog.Logger
	adapter *bluetooth.Adapter
	window  time.Duration

	mu      sync.Mutex // serializes scans on the shared adapter
	enabled bool
	seen    map[string]bluetooth.Address

	linkMu sync.Mutex
	links  map[string]*bleConn // live connections by upper-case address
}

// NewBLE creates the BLE transport on the default adapter.
func NewBLE(log zerolog.Logger, window time.Duration) *BLE {
	if window <= 0 {
		window = DefaultScanWindow
	}
	b := &BLE{
		log:     log.With().Str("transport", string(KindBluetooth)).Logger(),
		adapter: bluetooth.DefaultAdapter,
		window:  window,
		seen:    make(map[string]bluetooth.Address),
		links:   make(map[string]*bleConn),
	}
	b.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		b.linkChanged(d.Address.String(), connected)
	})
	return b
}

var errLinkLost = errors.New("bluetooth link lost")

// linkChanged ends the connection to addr when the peripheral drops the link.
func (b *BLE) linkChanged(addr string, connected bool) {
	if connected {
		return
	}
	b.linkMu.Lock()
	c := b.links[strings.ToUpper(addr)]
	b.linkMu.Unlock()
	if c == nil {
		return
	}
	b.log.Warn().Str("device", c.desc.ID).Msg("bluetooth link lost")
	c.fail("link", errLinkLost)
	c.stop()
}

// track registers c for link-loss notification while loop runs.
func (b *BLE) track(c *bleConn, loop func()) {
	key := strings.ToUpper(c.desc.Address)
	b.linkMu.Lock()
	b.links[key] = c
	b.linkMu.Unlock()

	c.run(func() {
		defer func() {
			b.linkMu.Lock()
			if b.links[key] == c {
				delete(b.links, key)
			}
			b.linkMu.Unlock()
		}()
		loop()
	})
}

func (b *BLE) Kind() Kind { return KindBluetooth }

func (b *BLE) enable() error {
	if b.enabled {
		return nil
	}
	if err := b.adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	b.enabled = true
	return nil
}

// Discover scans for advertising devices until the scan window closes or ctx
// is done. Devices with no local name are skipped.
func (b *BLE) Discover(ctx context.Context) ([]Descriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enable(); err != nil {
		return nil, err
	}

	found := make(map[string]Descriptor)
	err := b.scan(ctx, func(r bluetooth.ScanResult) bool {
		addr := r.Address.String()
		b.seen[strings.ToUpper(addr)] = r.Address
		name := r.LocalName()
		if name == "" {
			return false
		}
		found[addr] = Descriptor{
			ID:      fmt.Sprintf("%s:%s", KindBluetooth, addr),
			Kind:    KindBluetooth,
			Name:    name,
			Address: addr,
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	out := make([]Descriptor, 0, len(found))
	for _, d := range found {
		out = append(out, d)
	}
	return out, nil
}

// scan runs until stop returns true, the window closes or ctx is done.
func (b *BLE) scan(ctx context.Context, stop func(bluetooth.ScanResult) bool) error {
	ctx, cancel := context.WithTimeout(ctx, b.window)
	defer cancel()

	var once sync.Once
	halt := func() { once.Do(func() { _ = b.adapter.StopScan() }) }
	go func() {
		<-ctx.Done()
		halt()
	}()

	err := b.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		if stop(r) {
			halt()
		}
	})
	if err != nil {
		return fmt.Errorf("bluetooth scan: %w", err)
	}
	return nil
}

// resolve returns the adapter address for addr, scanning for it if it has
// not been seen yet.
func (b *BLE) resolve(ctx context.Context, addr string) (bluetooth.Address, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enable(); err != nil {
		return bluetooth.Address{}, err
	}
	key := strings.ToUpper(addr)
	if a, ok := b.seen[key]; ok {
		return a, nil
	}
	err := b.scan(ctx, func(r bluetooth.ScanResult) bool {
		b.seen[strings.ToUpper(r.Address.String())] = r.Address
		return strings.EqualFold(r.Address.String(), addr)
	})
	if err != nil {
		return bluetooth.Address{}, err
	}
	if a, ok := b.seen[key]; ok {
		return a, nil
	}
	return bluetooth.Address{}, fmt.Errorf("bluetooth device %s: %w", addr, errNotAdvertising)
}

var errNotAdvertising = errors.New("not advertising")

// Connect links to the device and subscribes to notifications. When no
// characteristic accepts a subscription the value is polled instead.
func (b *BLE) Connect(ctx context.Context, desc Descriptor, opts Options) (Conn, error) {
	opts = opts.WithDefaults(DefaultOptions())

	addr, err := b.resolve(ctx, desc.Address)
	if err != nil {
		reason := classify(err)
		if errors.Is(err, errNotAdvertising) {
			reason = ReasonNotFound
		}
		return nil, &ConnectionError{Device: desc.ID, Reason: reason, Err: err}
	}

	dev, err := openWithin(ctx, opts.ConnectTimeout, func() (bluetooth.Device, error) {
		d, err := b.adapter.Connect(addr, bluetooth.ConnectionParams{})
		return d, err
	}, func(d bluetooth.Device) { _ = d.Disconnect() })
	if err != nil {
		return nil, connectError(desc.ID, err)
	}

	chars, err := bleCharacteristics(dev, opts)
	if err != nil || len(chars) == 0 {
		_ = dev.Disconnect()
		if err == nil {
			err = errors.New("no characteristics exposed")
		}
		return nil, &ConnectionError{Device: desc.ID, Reason: ReasonUnsupported, Err: err}
	}

	c := &bleConn{log: b.log, chars: chars}
	c.stream = newStream(desc, dev.Disconnect)

	subscribed := 0
	if !opts.BLEPoll {
		for _, ch := range chars {
			if err := ch.EnableNotifications(c.notify); err == nil {
				subscribed++
			}
		}
	}
	if subscribed > 0 {
		b.track(c, c.waitLoop)
	} else {
		b.track(c, func() { c.pollLoop(opts.BLEPollInterval) })
	}

	b.log.Info().
		Str("device", desc.ID).
		Int("characteristics", len(chars)).
		Bool("notify", subscribed > 0).
		Msg("bluetooth device connected")
	return c, nil
}

func bleCharacteristics(dev bluetooth.Device, opts Options) ([]bluetooth.DeviceCharacteristic, error) {
	var svcFilter, charFilter []bluetooth.UUID
	if opts.BLEService != "" {
		u, err := bluetooth.ParseUUID(opts.BLEService)
		if err != nil {
			return nil, fmt.Errorf("service uuid %q: %w", opts.BLEService, err)
		}
		svcFilter = []bluetooth.UUID{u}
	}
	if opts.BLECharacteristic != "" {
		u, err := bluetooth.ParseUUID(opts.BLECharacteristic)
		if err != nil {
			return nil, fmt.Errorf("characteristic uuid %q: %w", opts.BLECharacteristic, err)
		}
		charFilter = []bluetooth.UUID{u}
	}

	services, err := dev.DiscoverServices(svcFilter)
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	var out []bluetooth.DeviceCharacteristic
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics(charFilter)
		if err != nil {
			continue
		}
		out = append(out, chars...)
	}
	return out, nil
}

type bleConn struct {
	*stream
	log   zerolog.Logger
	chars []bluetooth.DeviceCharacteristic
}

func (c *bleConn) Polled() bool { return false }

// Send writes to the first characteristic that accepts a write.
func (c *bleConn) Send(data []byte) error {
	if c.stopping() {
		return ErrClosed
	}
	var last error = ErrSendUnsupported
	for _, ch := range c.chars {
		if _, err := ch.WriteWithoutResponse(data); err == nil {
			return nil
		} else {
			last = err
		}
	}
	return &TransportError{Device: c.desc.ID, Op: "write", Err: last}
}

func (c *bleConn) notify(buf []byte) {
	if c.stopping() {
		return
	}
	data := make([]byte, len(buf))
	copy(data, buf)
	c.ingestPacket(data)
}

// waitLoop idles while notifications arrive. It ends on Close or when the
// link drops.
func (c *bleConn) waitLoop() {
	<-c.done
}

// pollLoop reads every characteristic on each tick and emits a value only
// when it differs from the previous read.
func (c *bleConn) pollLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := make([][]byte, len(c.chars))
	buf := make([]byte, 512)
	failures := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		ok := false
		for i, ch := range c.chars {
			n, err := ch.Read(buf)
			if err != nil {
				continue
			}
			ok = true
			if n == 0 || bytes.Equal(buf[:n], last[i]) {
				continue
			}
			last[i] = append(last[i][:0], buf[:n]...)
			c.ingestPacket(append([]byte(nil), buf[:n]...))
		}
		if ok {
			failures = 0
			continue
		}
		failures++
		if failures >= 3 {
			c.fail("read", errors.New("characteristic reads failing"))
			return
		}
	}
}
