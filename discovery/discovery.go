// Package discovery enumerates candidate readers across every registered
// transport and filters out devices that are unlikely to be tag scanners.
package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"rfidbridge/reader"
)

// DefaultVendors are USB vendor IDs seen on keyboard-wedge and bulk readers.
var DefaultVendors = []uint16{
	0x08ff, // AuthenTec
	0x1a86, // QinHeng (CH34x bridges)
	0x0403, // FTDI
	0xffff, // unbranded readers
	0x16c0, // Van Ooijen / V-USB
	0x0c27, // RFIDeas
	0x04d8, // Microchip
}

// DefaultNameHints match Bluetooth readers by advertised name.
var DefaultNameHints = []string{"rfid", "reader", "scanner"}

// Config tunes the filters. Nil slices mean the defaults; an empty slice
// turns a filter off.
type Config struct {
	Vendors   []uint16 `yaml:"vendors"`
	NameHints []string `yaml:"name_hints"`
}

// Result is the outcome of one discovery round.
type Result struct {
	ByTransport map[reader.Kind][]reader.Descriptor `json:"byTransport"`
	Combined    []reader.Descriptor                 `json:"combined"`
}

// Discoverer runs discovery against a Registry.
type Discoverer struct {
	registry *reader.Registry
	vendors  map[uint16]bool
	hints    []string
	log      zerolog.Logger
}

func New(cfg Config, registry *reader.Registry, log zerolog.Logger) *Discoverer {
	vendors := cfg.Vendors
	if vendors == nil {
		vendors = DefaultVendors
	}
	hints := cfg.NameHints
	if hints == nil {
		hints = DefaultNameHints
	}
	d := &Discoverer{
		registry: registry,
		vendors:  make(map[uint16]bool, len(vendors)),
		log:      log,
	}
	for _, v := range vendors {
		d.vendors[v] = true
	}
	for _, h := range hints {
		d.hints = append(d.hints, strings.ToLower(h))
	}
	return d
}

// DiscoverAll enumerates every transport concurrently. A transport that is
// unsupported or fails contributes an empty list; DiscoverAll itself only
// fails when ctx does.
func (d *Discoverer) DiscoverAll(ctx context.Context) (Result, error) {
	transports := d.registry.Transports()
	res := Result{ByTransport: make(map[reader.Kind][]reader.Descriptor, len(reader.Kinds))}
	for _, k := range reader.Kinds {
		res.ByTransport[k] = []reader.Descriptor{}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range transports {
		g.Go(func() error {
			found, err := t.Discover(gctx)
			if err != nil {
				ev := d.log.Warn()
				if errors.Is(err, reader.ErrUnsupported) {
					ev = d.log.Debug()
				}
				ev.Err(err).Str("transport", string(t.Kind())).Msg("discovery failed")
				return nil
			}
			kept := d.filter(t.Kind(), found)
			mu.Lock()
			res.ByTransport[t.Kind()] = kept
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	for _, k := range reader.Kinds {
		res.Combined = append(res.Combined, res.ByTransport[k]...)
	}
	d.log.Info().Int("devices", len(res.Combined)).Msg("discovery complete")
	return res, nil
}

func (d *Discoverer) filter(kind reader.Kind, in []reader.Descriptor) []reader.Descriptor {
	out := make([]reader.Descriptor, 0, len(in))
	for _, desc := range in {
		if d.Accept(kind, desc) {
			out = append(out, desc)
		}
	}
	return out
}

// Accept reports whether desc looks like a tag reader for its transport.
func (d *Discoverer) Accept(kind reader.Kind, desc reader.Descriptor) bool {
	switch kind {
	case reader.KindHID, reader.KindUSB:
		if len(d.vendors) == 0 {
			return true
		}
		return d.vendors[desc.VendorID]
	case reader.KindBluetooth, reader.KindBluetoothSerial:
		if len(d.hints) == 0 {
			return true
		}
		name := strings.ToLower(desc.Name)
		for _, h := range d.hints {
			if strings.Contains(name, h) {
				return true
			}
		}
		return false
	default:
		return true
	}
}
