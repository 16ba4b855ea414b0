// Package acquire runs reader connections: it routes connect requests to a
// transport, drives start/stop polling, and turns raw chunks into enriched
// read events on a single channel.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rfidbridge/codec"
	"rfidbridge/dedup"
	"rfidbridge/frame"
	"rfidbridge/identity"
	"rfidbridge/reader"
)

var (
	ErrAlreadyConnected = errors.New("device already connected")
	ErrNotConnected     = errors.New("device not connected")
	ErrClosed           = errors.New("orchestrator closed")
)

// closeWait bounds how long Close waits for connections to drain.
const closeWait = 2 * time.Second

// Resolver enriches a decoded tag. It returns nil when nothing is known.
type Resolver interface {
	Resolve(ctx context.Context, barcode, order string) *identity.ProductRecord
}

// Deps are the collaborators an Orchestrator needs. Resolver may be nil.
type Deps struct {
	Registry  *reader.Registry
	Extractor *frame.Extractor
	Codec     *codec.Codec
	Resolver  Resolver
	Log       zerolog.Logger
}

// Orchestrator owns every reader connection, the shared dedup window and
// the read history.
type Orchestrator struct {
	cfg       Config
	registry  *reader.Registry
	extractor *frame.Extractor
	codec     *codec.Codec
	resolver  Resolver
	dedup     *dedup.Deduplicator
	log       zerolog.Logger
	now       func() time.Time

	events chan Event
	quit   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[string]*connection
	closed bool

	histMu  sync.Mutex
	history []ReadEvent
}

// New creates an Orchestrator. Nil Extractor or Codec get defaults.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg = cfg.WithDefaults()
	if deps.Registry == nil {
		deps.Registry = reader.NewRegistry()
	}
	if deps.Extractor == nil {
		deps.Extractor = frame.NewExtractor(frame.DefaultConfig())
	}
	if deps.Codec == nil {
		deps.Codec = codec.New(codec.Config{})
	}
	return &Orchestrator{
		cfg:       cfg,
		registry:  deps.Registry,
		extractor: deps.Extractor,
		codec:     deps.Codec,
		resolver:  deps.Resolver,
		dedup:     dedup.New(cfg.DedupTimeout),
		log:       deps.Log,
		now:       time.Now,
		events:    make(chan Event, cfg.EventBuffer),
		quit:      make(chan struct{}),
		conns:     make(map[string]*connection),
	}
}

// Events delivers every connection's events. It is closed by Close.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// connection is the orchestrator's view of one device.
type connection struct {
	desc    reader.Descriptor
	opts    ConnectOptions
	session string

	// guarded by Orchestrator.mu
	state    State
	since    time.Time
	conn     reader.Conn
	reading  bool
	stopPoll chan struct{}
	pollDone chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	inject   chan string
	queue    chan *pending
	cause    error
	downOnce sync.Once
}

// pending is a read waiting on its enrichment. Events leave in queue order.
type pending struct {
	ev    Event
	ready chan struct{}
}

// Connect opens the device named by deviceID ("<transport>:<locator>").
func (o *Orchestrator) Connect(ctx context.Context, deviceID string, opts ConnectOptions) error {
	desc, err := reader.DescriptorFromID(deviceID)
	if err != nil {
		return &reader.ConnectionError{Device: deviceID, Reason: reader.ReasonUnsupported, Err: err}
	}
	return o.ConnectDescriptor(ctx, desc, opts)
}

// ConnectDescriptor opens a device found by discovery.
func (o *Orchestrator) ConnectDescriptor(ctx context.Context, desc reader.Descriptor, opts ConnectOptions) error {
	c, err := o.reserve(desc, opts)
	if err != nil {
		return err
	}
	log := o.log.With().Str("device", desc.ID).Str("session", c.session).Logger()

	transport, err := o.registry.Get(desc.Kind)
	if err != nil {
		err = &reader.ConnectionError{Device: desc.ID, Reason: reader.ReasonUnsupported, Err: err}
		o.abandon(c, err)
		return err
	}

	log.Info().Str("transport", string(desc.Kind)).Msg("connecting")
	conn, err := transport.Connect(ctx, desc, opts.Options)
	if err != nil {
		o.abandon(c, err)
		log.Warn().Err(err).Msg("connect failed")
		return err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	if c.state != StateConnecting {
		// Disconnect won the race
		o.mu.Unlock()
		_ = conn.Close()
		log.Info().Msg("disconnected while connecting")
		return &reader.ConnectionError{Device: desc.ID, Reason: reader.ReasonIO, Err: ErrNotConnected}
	}
	c.conn = conn
	c.setState(StateConnected, o.now())
	c.queue <- ready(Event{Type: EventConnected, Device: desc.ID, Session: c.session, Time: o.now()})
	o.wg.Add(2)
	o.mu.Unlock()

	go o.ingest(c)
	go o.emitter(c)
	log.Info().Bool("polled", conn.Polled()).Msg("connected")
	return nil
}

func (o *Orchestrator) reserve(desc reader.Descriptor, opts ConnectOptions) (*connection, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	if c, ok := o.conns[desc.ID]; ok && c.state != StateDisconnected {
		return nil, fmt.Errorf("%s: %w", desc.ID, ErrAlreadyConnected)
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = o.cfg.PollInterval
	}
	if opts.StartCommand == "" {
		opts.StartCommand = o.cfg.StartCommand
	}
	if opts.StopCommand == "" {
		opts.StopCommand = o.cfg.StopCommand
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		desc:    desc,
		opts:    opts,
		session: uuid.NewString(),
		ctx:     ctx,
		cancel:  cancel,
		inject:  make(chan string, 64),
		queue:   make(chan *pending, 256),
	}
	c.setState(StateConnecting, o.now())
	o.conns[desc.ID] = c
	return c, nil
}

// abandon marks a connect that never produced a connection.
func (o *Orchestrator) abandon(c *connection, err error) {
	o.mu.Lock()
	c.cause = err
	c.setState(StateDisconnected, o.now())
	o.mu.Unlock()
	c.cancel()
}

func (c *connection) setState(s State, at time.Time) {
	c.state = s
	c.since = at
}

// StartReading makes the device report tags. Poll-style readers get the
// start command on every poll tick.
func (o *Orchestrator) StartReading(deviceID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, err := o.active(deviceID)
	if err != nil {
		return err
	}
	if c.reading {
		return nil
	}
	var start []byte
	if c.conn.Polled() {
		if start, err = command(c.opts.StartCommand, o.cfg.Terminator); err != nil {
			return err
		}
	}
	c.reading = true
	c.setState(StateReading, o.now())

	if len(start) == 0 || c.opts.PollInterval <= 0 {
		return nil
	}
	c.stopPoll = make(chan struct{})
	c.pollDone = make(chan struct{})
	o.wg.Add(1)
	go o.poll(c, c.conn, start, c.opts.PollInterval, c.stopPoll, c.pollDone)
	return nil
}

// StopReading cancels polling and sends the stop command if one is set.
// Stopping a device that is not reading is a no-op.
func (o *Orchestrator) StopReading(deviceID string) error {
	o.mu.Lock()
	c, err := o.active(deviceID)
	if err != nil {
		o.mu.Unlock()
		if errors.Is(err, ErrNotConnected) {
			return nil
		}
		return err
	}
	if !c.reading {
		o.mu.Unlock()
		return nil
	}
	c.reading = false
	c.setState(StateConnected, o.now())
	pollDone := c.pollDone
	if c.stopPoll != nil {
		close(c.stopPoll)
		c.stopPoll, c.pollDone = nil, nil
	}
	conn := c.conn
	o.mu.Unlock()

	if pollDone != nil {
		<-pollDone
	}
	stop, err := command(c.opts.StopCommand, o.cfg.Terminator)
	if err != nil || len(stop) == 0 {
		return err
	}
	if err := conn.Send(stop); err != nil && !errors.Is(err, reader.ErrSendUnsupported) {
		return err
	}
	return nil
}

// active returns the live connection for deviceID. Callers hold o.mu.
func (o *Orchestrator) active(deviceID string) (*connection, error) {
	if o.closed {
		return nil, ErrClosed
	}
	c, ok := o.conns[deviceID]
	if !ok || (c.state != StateConnected && c.state != StateReading) {
		return nil, fmt.Errorf("%s: %w", deviceID, ErrNotConnected)
	}
	return c, nil
}

// Disconnect closes the device. Disconnecting an unknown or already
// disconnected device is not an error.
func (o *Orchestrator) Disconnect(deviceID string) error {
	o.mu.Lock()
	c, ok := o.conns[deviceID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	return o.teardown(c, nil)
}

// teardown runs once per connection, whoever asks first.
func (o *Orchestrator) teardown(c *connection, cause error) error {
	var err error
	c.downOnce.Do(func() {
		o.mu.Lock()
		if c.stopPoll != nil {
			close(c.stopPoll)
			c.stopPoll, c.pollDone = nil, nil
		}
		c.reading = false
		if c.cause == nil {
			c.cause = cause
		}
		conn := c.conn
		if c.state != StateDisconnected {
			c.setState(StateDisconnected, o.now())
		}
		o.mu.Unlock()

		c.cancel()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

// Inject feeds chunk through the read pipeline as if the device had sent it.
func (o *Orchestrator) Inject(deviceID, chunk string) error {
	o.mu.Lock()
	c, err := o.active(deviceID)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case c.inject <- chunk:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("%s: %w", deviceID, ErrNotConnected)
	}
}

// State returns the device's state; unknown devices are Idle.
func (o *Orchestrator) State(deviceID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.conns[deviceID]; ok {
		return c.state
	}
	return StateIdle
}

// Devices snapshots every known connection.
func (o *Orchestrator) Devices() []Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Status, 0, len(o.conns))
	for id, c := range o.conns {
		out = append(out, Status{Device: id, Name: c.desc.Name, State: c.state, Session: c.session, Since: c.since})
	}
	return out
}

// Active lists the devices currently connected or reading.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for id, c := range o.conns {
		if c.state == StateConnected || c.state == StateReading {
			out = append(out, id)
		}
	}
	return out
}

// History returns the retained reads, oldest first.
func (o *Orchestrator) History() []ReadEvent {
	o.histMu.Lock()
	defer o.histMu.Unlock()
	return append([]ReadEvent(nil), o.history...)
}

func (o *Orchestrator) remember(r ReadEvent) {
	o.histMu.Lock()
	defer o.histMu.Unlock()
	o.history = append(o.history, r)
	if n := len(o.history) - o.cfg.MaxHistory; n > 0 {
		o.history = append(o.history[:0], o.history[n:]...)
	}
}

// Close disconnects every device, closes Events and releases the resolver
// when it holds resources.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	conns := make([]*connection, 0, len(o.conns))
	for _, c := range o.conns {
		conns = append(conns, c)
	}
	o.mu.Unlock()

	var errs []error
	for _, c := range conns {
		errs = append(errs, o.teardown(c, nil))
	}

	drained := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(closeWait):
		o.log.Warn().Msg("event consumer stalled, dropping pending events")
	}
	close(o.quit)
	<-drained
	close(o.events)

	if closer, ok := o.resolver.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) send(ev Event) {
	select {
	case o.events <- ev:
	case <-o.quit:
	}
}
