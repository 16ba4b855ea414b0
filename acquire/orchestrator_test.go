package acquire

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rfidbridge/identity"
	"rfidbridge/reader"
)

type fakeConn struct {
	desc   reader.Descriptor
	polled bool
	frames chan reader.Frame
	errs   chan error

	mu       sync.Mutex
	sent     [][]byte
	closed   bool
	closeErr error
}

func newFakeConn(desc reader.Descriptor, polled bool) *fakeConn {
	return &fakeConn{
		desc:   desc,
		polled: polled,
		frames: make(chan reader.Frame, 16),
		errs:   make(chan error, 1),
	}
}

func (f *fakeConn) Descriptor() reader.Descriptor { return f.desc }
func (f *fakeConn) Frames() <-chan reader.Frame   { return f.frames }
func (f *fakeConn) Errors() <-chan error          { return f.errs }
func (f *fakeConn) Polled() bool                  { return f.polled }

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return reader.ErrClosed
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.frames)
		close(f.errs)
	}
	return f.closeErr
}

func (f *fakeConn) push(payload string, at time.Time) {
	f.frames <- reader.Frame{Kind: f.desc.Kind, Device: f.desc.ID, Payload: payload, ReceivedAt: at}
}

// fail simulates the transport's read loop dying.
func (f *fakeConn) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs <- &reader.TransportError{Device: f.desc.ID, Op: "read", Err: err}
	f.closed = true
	close(f.frames)
	close(f.errs)
}

func (f *fakeConn) sends() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, b := range f.sent {
		out[i] = string(b)
	}
	return out
}

type fakeTransport struct {
	kind   reader.Kind
	polled bool
	err    error

	// When set, Connect signals entered and then waits for release.
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	conns []*fakeConn
}

func (t *fakeTransport) Kind() reader.Kind { return t.kind }

func (t *fakeTransport) Discover(context.Context) ([]reader.Descriptor, error) { return nil, nil }

func (t *fakeTransport) Connect(_ context.Context, desc reader.Descriptor, _ reader.Options) (reader.Conn, error) {
	if t.err != nil {
		return nil, t.err
	}
	if t.release != nil {
		t.entered <- struct{}{}
		<-t.release
	}
	c := newFakeConn(desc, t.polled)
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[len(t.conns)-1]
}

type resolverFunc func(ctx context.Context, barcode, order string) *identity.ProductRecord

func (f resolverFunc) Resolve(ctx context.Context, barcode, order string) *identity.ProductRecord {
	return f(ctx, barcode, order)
}

type closingResolver struct {
	resolverFunc
	closed bool
}

func (c *closingResolver) Close() error {
	c.closed = true
	return nil
}

func newTestOrchestrator(t *testing.T, cfg Config, resolver Resolver, transports ...reader.Transport) *Orchestrator {
	t.Helper()
	reg := reader.NewRegistry()
	for _, tr := range transports {
		reg.Register(tr)
	}
	o := New(cfg, Deps{Registry: reg, Resolver: resolver, Log: zerolog.Nop()})
	t.Cleanup(func() { o.Close() })
	return o
}

func nextEvent(t *testing.T, o *Orchestrator) Event {
	t.Helper()
	select {
	case ev, ok := <-o.Events():
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectEvent(t *testing.T, o *Orchestrator, typ EventType) Event {
	t.Helper()
	ev := nextEvent(t, o)
	require.Equal(t, typ, ev.Type, "event %+v", ev)
	return ev
}

// drainUntilDisconnected collects events up to and including disconnected.
func drainUntilDisconnected(t *testing.T, o *Orchestrator) []Event {
	t.Helper()
	var out []Event
	for {
		ev := nextEvent(t, o)
		out = append(out, ev)
		if ev.Type == EventDisconnected {
			return out
		}
	}
}

func countType(evs []Event, typ EventType) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestSerialReadEndToEnd(t *testing.T) {
	tr := &fakeTransport{kind: reader.KindSerial, polled: true}
	o := newTestOrchestrator(t, Config{DedupTimeout: 500 * time.Millisecond}, nil, tr)

	require.NoError(t, o.Connect(context.Background(), "serial:/dev/ttyFAKE0", ConnectOptions{}))
	expectEvent(t, o, EventConnected)
	require.NoError(t, o.StartReading("serial:/dev/ttyFAKE0"))
	assert.Equal(t, StateReading, o.State("serial:/dev/ttyFAKE0"))

	at := time.Now()
	conn := tr.last()
	conn.push("E20012345678901234567890", at)
	conn.push("E20012345678901234567890", at.Add(150*time.Millisecond))

	ev := expectEvent(t, o, EventData)
	require.NotNil(t, ev.Read)
	assert.Equal(t, "123456789012", ev.Read.Barcode)
	assert.Equal(t, "3456", ev.Read.OrderNumber)
	assert.Equal(t, "E20012345678901234567890", ev.Read.EPC)
	assert.Equal(t, "serial:/dev/ttyFAKE0", ev.Read.Device)
	assert.Nil(t, ev.Read.ProductRecord)

	require.NoError(t, o.Disconnect("serial:/dev/ttyFAKE0"))
	rest := drainUntilDisconnected(t, o)
	assert.Zero(t, countType(rest, EventData), "duplicate inside the window must be dropped")
	assert.Equal(t, StateDisconnected, o.State("serial:/dev/ttyFAKE0"))
	assert.Len(t, o.History(), 1)
}

func TestReadAfterWindowIsForwarded(t *testing.T) {
	tr := &fakeTransport{kind: reader.KindHID}
	o := newTestOrchestrator(t, Config{DedupTimeout: 500 * time.Millisecond}, nil, tr)
	id := "hid:/dev/input/event7"

	require.NoError(t, o.Connect(context.Background(), id, ConnectOptions{}))
	expectEvent(t, o, EventConnected)
	require.NoError(t, o.StartReading(id))

	at := time.Now()
	tr.last().push("TAG:197416145132046400000000", at)
	tr.last().push("TAG:197416145132046400000000", at.Add(600*time.Millisecond))

	first := expectEvent(t, o, EventData)
	second := expectEvent(t, o, EventData)
	assert.Equal(t, "0464", first.Read.OrderNumber)
	assert.Equal(t, first.Read.Barcode, second.Read.Barcode)
}

func TestFramesIgnoredUntilReading(t *testing.T) {
	tr := &fakeTransport{kind: reader.KindHID}
	o := newTestOrchestrator(t, Config{}, nil, tr)
	id := "hid:/dev/input/event1"

	require.NoError(t, o.Connect(context.Background(), id, ConnectOptions{}))
	expectEvent(t, o, EventConnected)

	tr.last().push("TAG:111111111111222200000000", time.Now())
	require.NoError(t, o.Inject(id, "EPC:333333333333444400000000"))

	ev := expectEvent(t, o, EventData)
	assert.Equal(t, "333333333333", ev.Read.Barcode, "only the injected chunk is processed")
}

func TestNoiseProducesNoEvent(t *testing.T) {
	tr := &fakeTransport{kind: reader.KindSerial}
	o := newTestOrchestrator(t, Config{}, nil, tr)
	id := "serial:/dev/ttyS9"

	require.NoError(t, o.Connect(context.Background(), id, ConnectOptions{}))
	expectEvent(t, o, EventConnected)
	require.NoError(t, o.StartReading(id))

	tr.last().push("hello world", time.Now())
	tr.last().push("OK", time.Now())
	require.NoError(t, o.Disconnect(id))

	evs := drainUntilDisconnected(t, o)
	assert.Equal(t, 1, len(evs))
}

func TestEnrichmentOverridesOrder(t *testing.T) {
	resolver := resolverFunc(func(_ context.Context, barcode, order string) *identity.ProductRecord {
		if barcode != "197416145132" {
			return nil
		}
		return &identity.ProductRecord{SKU: "TEE-BLK-M", StyleName: "Tee", OrderNumber: "0999"}
	})
	tr := &fakeTransport{kind: reader.KindSerial}
	o := newTestOrchestrator(t, Config{}, resolver, tr)
	id := "serial:/dev/ttyUSB3"

	require.NoError(t, o.Connect(context.Background(), id, ConnectOptions{}))
	expectEvent(t, o, EventConnected)
	require.NoError(t, o.Inject(id, "197416145132075630000000"))

	ev := expectEvent(t, o, EventData)
	require.NotNil(t, ev.Read.ProductRecord)
	assert.Equal(t, "TEE-BLK-M", ev.Read.SKU)
	assert.Equal(t, "0999", ev.Read.OrderNumber)
}

func TestUnavailableDirectoryStillEmits(t *testing.T) {
	r := identity.NewResolverWith(func(context.Context) (identity.Directory, error) {
		return nil, errors.New("connection refused")
	}, time.Minute, zerolog.Nop())
	tr := &fakeTransport{kind: reader.KindSerial}
	o := newTestOrchestrator(t, Config{}, r, tr)
	id := "serial:/dev/ttyUSB4"

	require.NoError(t, o.Connect(context.Background(), id, ConnectOptions{}))
	expectEvent(t, o, EventConnected)
	require.NoError(t, o.Inject(id, "E20012345678901234567890"))

	ev := expectEvent(t, o, EventData)
	assert.Equal(t, "123456789012", ev.Read.Barcode)
	assert.Equal(t, "3456", ev.Read.OrderNumber)
	assert.Nil(t, ev.Read.ProductRecord)
}

func TestSlowEnrichmentKeepsOrder(t *testing.T) {
	resolver := resolverFunc(func(ctx context.Context, barcode, _ string) *identity.ProductRecord {
		if barcode == "111111111111" {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-ctx.Done():
			}
		}
		return &identity.ProductRecord{SKU: "sku-" + barcode}
	})
	tr := &fakeTransport{kind: reader.KindSerial}
	o := newTestOrchestrator(t, Config{}, resolver, tr)
	id := "serial:/dev/ttyUSB5"

	require.NoError(t, o.Connect(context.Background(), id, ConnectOptions{}))
	expectEvent(t, o, EventConnected)
	require.NoError(t, o.Inject(id, "111111111111000100000000"))
	require.NoError(t, o.Inject(id, "222222222222000200000000"))

	first := expectEvent(t, o, EventData)
	second := expectEvent(t, o, EventData)
	assert.Equal(t, "111111111111", first.Read.Barcode)
	assert.Equal(t, "sku-111111111111", first.Read.SKU)
	assert.Equal(t, "222222222222", second.Read.Barcode)
}

func TestResolveTimeoutBoundsEnrichment(t *testing.T) {
	resolver := resolverFunc(func(ctx context.Context, _, _ string) *identity.ProductRecord {
		<-ctx.Done()
		return nil
	})
	tr := &fakeTransport{kind: reader.KindSerial}
	o := newTestOrchestrator(t, Config{ResolveTimeout: 50 * time.Millisecond}, resolver, tr)
	id := "serial:/dev/ttyUSB6"

	require.NoError(t, o.Connect(context.Background(), id, ConnectOptions{}))
	expectEvent(t, o, EventConnected)
	require.NoError(t, o.Inject(id, "E20012345678901234567890"))

	ev := expectEvent(t, o, EventData)
	assert.Nil(t, ev.Read.ProductRecord)
	assert.Equal(t, "product lookup timed out", ev.Read.Error)
}

func TestPollingSendsStartAndStop(t *testing.T) {
	tr := &fakeTransport{kind: reader.KindSerial, polled: true}
	cfg := Config{PollInterval: 10 * time.Millisecond, StartCommand: "READ", StopCommand: "STOP"}
	o := newTestOrchestrator(t, cfg, nil, tr)
	id := "serial:/dev/ttyACM0"

	require.NoError(t, o.Connect(context.Background(), id, ConnectOptions{}))
	expectEvent(t, o, EventConnected)
	require.NoError(t, o.StartReading(id))
	require.NoError(t, o.StartReading(id))

	conn := tr.last()
	require.Eventually(t, func() bool { return len(conn.sends()) >= 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, o.StopReading(id))
	require.NoError(t, o.StopReading(id))
	sent := conn.sends()
	assert.Equal(t, "READ\r\n", sent[0])
	assert.Equal(t, "STOP\r\n", sent[len(sent)-1])
	assert.Equal(t, StateConnected, o.State(id))

	time.Sleep(40 * time.Millisecond)
	assert.Len(t, conn.sends(), len(sent), "no polling after stop")
}

func TestPollingDisabledWithoutCommand(t *testing.T) {
	tr := &fakeTransport{kind: reader.KindSerial, polled: true}
	o := newTestOrchestrator(t, Config{PollInterval: 5 * time.Millisecond}, nil, tr)
	id := "serial:/dev/ttyACM1"

	require.NoError(t, o.Connect(context.Background(), id, ConnectOptions{}))
	expectEvent(t, o, EventConnected)
	require.NoError(t, o.StartReading(id))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, tr.last().sends())
}

func TestPerConnectionCommands(t *testing.T) {
	tr := &fakeTransport{kind: reader.KindBluetoothSerial, polled: true}
	o := newTestOrchestrator(t, Config{}, nil, tr)
	id := "bluetooth-serial:/dev/rfcomm0"

	opts := ConnectOptions{PollInterval: 10 * time.Millisecond, StartCommand: "hex:A0 04 01 89"}
	require.NoError(t, o.Connect(context.Background(), id, opts))
	expectEvent(t, o, EventConnected)
	require.NoError(t, o.StartReading(id))

	conn := tr.last()
	require.Eventually(t, func() bool { return len(conn.sends()) > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "\xa0\x04\x01\x89", conn.sends()[0])
}

func TestConnectTwiceRejected(t *testing.T) {
	tr := &fakeTransport{kind: reader.KindSerial}
	o := newTestOrchestrator(t, Config{}, nil, tr)
	id := "serial:/dev/ttyUSB0"

	require.NoError(t, o.Connect(context.Background(), id, ConnectOptions{}))
	expectEvent(t, o, EventConnected)
	assert.ErrorIs(t, o.Connect(context.Background(), id, ConnectOptions{}), ErrAlreadyConnected)

	require.NoError(t, o.Disconnect(id))
	drainUntilDisconnected(t, o)
	require.NoError(t, o.Connect(context.Background(), id, ConnectOptions{}), "reconnect after disconnect")
	expectEvent(t, o, EventConnected)
}

func TestConnectFailure(t *testing.T) {
	cerr := &reader.ConnectionError{Device: "serial:/dev/ttyNOPE", Reason: reader.ReasonNotFound}
	tr := &fakeTransport{kind: reader.KindSerial, err: cerr}
	o := newTestOrchestrator(t, Config{}, nil, tr)

	err := o.Connect(context.Background(), "serial:/dev/ttyNOPE", ConnectOptions{})
	var got *reader.ConnectionError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, reader.ReasonNotFound, got.Reason)
	assert.Equal(t, StateDisconnected, o.State("serial:/dev/ttyNOPE"))

	err = o.Connect(context.Background(), "usb:08ff:0009", ConnectOptions{})
	require.ErrorAs(t, err, &got)
	assert.Equal(t, reader.ReasonUnsupported, got.Reason)

	err = o.Connect(context.Background(), "carrier-pigeon:1", ConnectOptions{})
	require.ErrorAs(t, err, &got)
	assert.Equal(t, reader.ReasonUnsupported, got.Reason)
}

func TestDisconnectWhileConnecting(t *testing.T) {
	tr := &fakeTransport{kind: reader.KindSerial, entered: make(chan struct{}), release: make(chan struct{})}
	o := newTestOrchestrator(t, Config{}, nil, tr)
	id := "serial:/dev/ttyUSB9"

	result := make(chan error, 1)
	go func() { result <- o.Connect(context.Background(), id, ConnectOptions{}) }()
	<-tr.entered
	assert.Equal(t, StateConnecting, o.State(id))

	require.NoError(t, o.Disconnect(id))
	close(tr.release)

	err := <-result
	var cerr *reader.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NotErrorIs(t, err, ErrClosed)
	assert.Equal(t, StateDisconnected, o.State(id))
	assert.True(t, tr.last().closed, "late connection is closed")

	tr.release = nil
	require.NoError(t, o.Connect(context.Background(), id, ConnectOptions{}))
	expectEvent(t, o, EventConnected)
}

func TestBadStartCommandLeavesStateAlone(t *testing.T) {
	tr := &fakeTransport{kind: reader.KindSerial, polled: true}
	o := newTestOrchestrator(t, Config{}, nil, tr)
	id := "serial:/dev/ttyACM2"

	opts := ConnectOptions{PollInterval: 10 * time.Millisecond, StartCommand: "hex:zz"}
	require.NoError(t, o.Connect(context.Background(), id, opts))
	expectEvent(t, o, EventConnected)

	assert.Error(t, o.StartReading(id))
	assert.Equal(t, StateConnected, o.State(id))
	assert.NoError(t, o.StopReading(id))
}

func TestConnectOptionsValidate(t *testing.T) {
	assert.NoError(t, ConnectOptions{}.Validate("\r\n"))
	assert.NoError(t, ConnectOptions{StartCommand: "READ", StopCommand: "hex:AA01"}.Validate("\r\n"))
	assert.Error(t, ConnectOptions{StartCommand: "hex:zz"}.Validate("\r\n"))
	assert.Error(t, ConnectOptions{StopCommand: "hex:1"}.Validate(""))
	assert.Error(t, ConnectOptions{PollInterval: -time.Second}.Validate(""))
}

func TestTransportFaultDisconnects(t *testing.T) {
	tr := &fakeTransport{kind: reader.KindUSB}
	o := newTestOrchestrator(t, Config{}, nil, tr)
	id := "usb:08ff:0009:1:4"

	require.NoError(t, o.Connect(context.Background(), id, ConnectOptions{}))
	expectEvent(t, o, EventConnected)
	tr.last().fail(errors.New("device unplugged"))

	ev := expectEvent(t, o, EventError)
	var te *reader.TransportError
	require.ErrorAs(t, ev.Err, &te)

	ev = expectEvent(t, o, EventDisconnected)
	assert.Error(t, ev.Err)
	assert.Equal(t, StateDisconnected, o.State(id))
}

func TestDisconnectIdempotent(t *testing.T) {
	tr := &fakeTransport{kind: reader.KindSerial}
	o := newTestOrchestrator(t, Config{}, nil, tr)
	id := "serial:/dev/ttyUSB1"

	assert.NoError(t, o.Disconnect("serial:/dev/never"))
	require.NoError(t, o.Connect(context.Background(), id, ConnectOptions{}))
	expectEvent(t, o, EventConnected)

	require.NoError(t, o.Disconnect(id))
	require.NoError(t, o.Disconnect(id))
	ev := expectEvent(t, o, EventDisconnected)
	assert.NoError(t, ev.Err)

	assert.ErrorIs(t, o.StartReading(id), ErrNotConnected)
	assert.NoError(t, o.StopReading(id))
	assert.ErrorIs(t, o.Inject(id, "x"), ErrNotConnected)
}

func TestHistoryBounded(t *testing.T) {
	tr := &fakeTransport{kind: reader.KindSerial}
	o := newTestOrchestrator(t, Config{MaxHistory: 2}, nil, tr)
	id := "serial:/dev/ttyUSB2"

	require.NoError(t, o.Connect(context.Background(), id, ConnectOptions{}))
	expectEvent(t, o, EventConnected)
	for _, tok := range []string{"111111111111000100000000", "222222222222000200000000", "333333333333000300000000"} {
		require.NoError(t, o.Inject(id, tok))
		expectEvent(t, o, EventData)
	}

	h := o.History()
	require.Len(t, h, 2)
	assert.Equal(t, "222222222222", h[0].Barcode)
	assert.Equal(t, "333333333333", h[1].Barcode)
}

func TestCloseReleasesEverything(t *testing.T) {
	resolver := &closingResolver{resolverFunc: func(context.Context, string, string) *identity.ProductRecord { return nil }}
	tr := &fakeTransport{kind: reader.KindSerial}
	reg := reader.NewRegistry()
	reg.Register(tr)
	o := New(Config{}, Deps{Registry: reg, Resolver: resolver, Log: zerolog.Nop()})

	require.NoError(t, o.Connect(context.Background(), "serial:/dev/a", ConnectOptions{}))
	require.NoError(t, o.Connect(context.Background(), "serial:/dev/b", ConnectOptions{}))
	assert.Len(t, o.Active(), 2)

	require.NoError(t, o.Close())
	require.NoError(t, o.Close())

	var disconnected int
	for ev := range o.Events() {
		if ev.Type == EventDisconnected {
			disconnected++
		}
	}
	assert.Equal(t, 2, disconnected)
	assert.True(t, resolver.closed)
	assert.ErrorIs(t, o.Connect(context.Background(), "serial:/dev/c", ConnectOptions{}), ErrClosed)
}

func TestDevicesSnapshot(t *testing.T) {
	tr := &fakeTransport{kind: reader.KindSerial}
	o := newTestOrchestrator(t, Config{}, nil, tr)
	require.NoError(t, o.Connect(context.Background(), "serial:/dev/x", ConnectOptions{}))

	devs := o.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, "serial:/dev/x", devs[0].Device)
	assert.Equal(t, StateConnected, devs[0].State)
	assert.NotEmpty(t, devs[0].Session)
	assert.Equal(t, StateIdle, o.State("serial:/dev/unknown"))
}

func TestCommandEncoding(t *testing.T) {
	b, err := command("READ", "\r\n")
	require.NoError(t, err)
	assert.Equal(t, []byte("READ\r\n"), b)

	b, err = command("hex:AA01", "\r\n")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0x01}, b)

	b, err = command("", "\r\n")
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = command("hex:zz", "")
	assert.Error(t, err)
	assert.Error(t, Config{StartCommand: "hex:1"}.Validate())
}

func TestStateText(t *testing.T) {
	assert.Equal(t, "reading", StateReading.String())
	b, err := StateDisconnected.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "disconnected", string(b))
}
