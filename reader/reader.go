// Package reader talks to the physical tag scanners. Each transport turns its
// hardware handle into a stream of decoded text chunks.
package reader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Kind names a transport family. It is also the prefix of a device ID.
type Kind string

const (
	KindSerial          Kind = "serial"
	KindHID             Kind = "hid"
	KindUSB             Kind = "usb"
	KindBluetooth       Kind = "bluetooth"
	KindBluetoothSerial Kind = "bluetooth-serial"
)

// Kinds lists every transport in discovery priority order.
var Kinds = []Kind{KindSerial, KindHID, KindUSB, KindBluetooth, KindBluetoothSerial}

// Descriptor identifies one candidate device.
type Descriptor struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"transport"`
	Name      string `json:"name"`
	VendorID  uint16 `json:"vendorId,omitempty"`
	ProductID uint16 `json:"productId,omitempty"`
	Address   string `json:"address,omitempty"`
	Path      string `json:"path,omitempty"`
}

// Frame is one chunk of data delivered by a connection.
type Frame struct {
	Kind       Kind
	Device     string
	Payload    string
	ReceivedAt time.Time
}

// Conn is an open connection to one device.
type Conn interface {
	// Descriptor returns the device this connection owns.
	Descriptor() Descriptor
	// Frames is closed when the connection ends.
	Frames() <-chan Frame
	// Errors carries mid-session TransportErrors and is closed with Frames.
	Errors() <-chan error
	// Send writes a command to the device.
	Send(data []byte) error
	// Polled reports whether the device needs start commands to report tags.
	Polled() bool
	// Close releases the hardware handle. Safe to call more than once.
	Close() error
}

// Transport enumerates and connects devices of one Kind.
type Transport interface {
	Kind() Kind
	Discover(ctx context.Context) ([]Descriptor, error)
	Connect(ctx context.Context, desc Descriptor, opts Options) (Conn, error)
}

// Options configures a connection. Zero values fall back to defaults.
type Options struct {
	Baud           int           `yaml:"baud"`
	DataBits       int           `yaml:"data_bits"`
	Parity         string        `yaml:"parity"`       // none, odd, even, mark, space
	StopBits       string        `yaml:"stop_bits"`    // 1, 1.5, 2
	FlowControl    string        `yaml:"flow_control"` // none, hardware
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	USBConfig    int `yaml:"usb_config"`
	USBInterface int `yaml:"usb_interface"`
	USBAlternate int `yaml:"usb_alternate"`
	USBEndpoint  int `yaml:"usb_endpoint"` // 0 selects the first inbound bulk/interrupt endpoint

	BLEService        string        `yaml:"ble_service"`
	BLECharacteristic string        `yaml:"ble_characteristic"`
	BLEPoll           bool          `yaml:"ble_poll"`
	BLEPollInterval   time.Duration `yaml:"ble_poll_interval"`

	SPPChannel int `yaml:"spp_channel"`
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Baud:            9600,
		DataBits:        8,
		Parity:          "none",
		StopBits:        "1",
		FlowControl:     "none",
		ConnectTimeout:  5 * time.Second,
		BLEPollInterval: 250 * time.Millisecond,
		SPPChannel:      1,
	}
}

// WithDefaults fills zero fields of o from d.
func (o Options) WithDefaults(d Options) Options {
	if o.Baud == 0 {
		o.Baud = d.Baud
	}
	if o.DataBits == 0 {
		o.DataBits = d.DataBits
	}
	if o.Parity == "" {
		o.Parity = d.Parity
	}
	if o.StopBits == "" {
		o.StopBits = d.StopBits
	}
	if o.FlowControl == "" {
		o.FlowControl = d.FlowControl
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.USBConfig == 0 {
		o.USBConfig = d.USBConfig
	}
	if o.USBInterface == 0 {
		o.USBInterface = d.USBInterface
	}
	if o.USBAlternate == 0 {
		o.USBAlternate = d.USBAlternate
	}
	if o.USBEndpoint == 0 {
		o.USBEndpoint = d.USBEndpoint
	}
	if o.BLEService == "" {
		o.BLEService = d.BLEService
	}
	if o.BLECharacteristic == "" {
		o.BLECharacteristic = d.BLECharacteristic
	}
	if !o.BLEPoll {
		o.BLEPoll = d.BLEPoll
	}
	if o.BLEPollInterval <= 0 {
		o.BLEPollInterval = d.BLEPollInterval
	}
	if o.SPPChannel == 0 {
		o.SPPChannel = d.SPPChannel
	}
	return o
}

// ParseDeviceID splits "<kind>:<locator>".
func ParseDeviceID(id string) (Kind, string, error) {
	kind, locator, ok := strings.Cut(id, ":")
	if !ok || locator == "" {
		return "", "", fmt.Errorf("device id %q: want <transport>:<locator>", id)
	}
	if k := Kind(kind); knownKind(k) {
		return k, locator, nil
	}
	return "", "", fmt.Errorf("device id %q: %w: %s", id, ErrUnsupported, kind)
}

// DescriptorFromID builds a Descriptor for a device that was not discovered
// in this process.
func DescriptorFromID(id string) (Descriptor, error) {
	kind, locator, err := ParseDeviceID(id)
	if err != nil {
		return Descriptor{}, err
	}
	d := Descriptor{ID: id, Kind: kind, Name: locator}
	switch kind {
	case KindSerial, KindHID:
		d.Path = locator
	case KindUSB:
		d.Address = locator
	case KindBluetooth:
		d.Address = locator
	case KindBluetoothSerial:
		if strings.HasPrefix(locator, "/") {
			d.Path = locator
		} else {
			d.Address = locator
		}
	}
	return d, nil
}

// Registry holds the transports available in this build.
type Registry struct {
	mu         sync.RWMutex
	transports map[Kind]Transport
}

func NewRegistry() *Registry {
	return &Registry{transports: make(map[Kind]Transport)}
}

// Register adds or replaces the transport for t.Kind().
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	r.transports[t.Kind()] = t
	r.mu.Unlock()
}

// Get returns the transport for kind, or ErrUnsupported.
func (r *Registry) Get(kind Kind) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, kind)
	}
	return t, nil
}

// Transports returns the registered transports in priority order.
func (r *Registry) Transports() []Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Transport, 0, len(r.transports))
	for _, k := range Kinds {
		if t, ok := r.transports[k]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Sentinel errors.
var (
	ErrUnsupported     = errors.New("transport unsupported")
	ErrSendUnsupported = errors.New("send not supported by transport")
	ErrClosed          = errors.New("connection closed")
)
