package reader

import (
	"context"
	"sync"
	"time"
)

const closeWait = 1200 * time.Millisecond

// stream is the shared plumbing behind every Conn: the frame and error
// channels, the stop signal and the one-shot release of the hardware handle.
type stream struct {
	desc   Descriptor
	frames chan Frame
	errs   chan error
	done   chan struct{}
	loop   chan struct{}

	mu     sync.Mutex
	closed bool

	// splitMu keeps concurrent callers (one per BLE characteristic) from
	// interleaving bytes in the splitter.
	splitMu  sync.Mutex
	splitter lineSplitter

	stopOnce    sync.Once
	releaseOnce sync.Once
	release     func() error
	releaseErr  error
}

func newStream(desc Descriptor, release func() error) *stream {
	return &stream{
		desc:     desc,
		frames:   make(chan Frame, 256),
		errs:     make(chan error, 16),
		done:     make(chan struct{}),
		loop:     make(chan struct{}),
		release:  release,
		splitter: lineSplitter{max: maxLineSize},
	}
}

func (s *stream) Descriptor() Descriptor { return s.desc }
func (s *stream) Frames() <-chan Frame   { return s.frames }
func (s *stream) Errors() <-chan error   { return s.errs }

// Close stops the read loop and releases the handle.
func (s *stream) Close() error {
	s.stop()
	err := s.releaseNow()
	select {
	case <-s.loop:
	case <-time.After(closeWait):
	}
	return err
}

// run starts the read loop. The handle is released and the channels are
// closed when loop returns, whatever the reason.
func (s *stream) run(loop func()) {
	go func() {
		defer close(s.loop)
		defer s.finish()
		defer func() { _ = s.releaseNow() }()
		loop()
	}()
}

// context returns a context cancelled when the stream stops.
func (s *stream) context() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *stream) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *stream) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *stream) releaseNow() error {
	s.releaseOnce.Do(func() {
		if s.release != nil {
			s.releaseErr = s.release()
		}
	})
	return s.releaseErr
}

// ingest feeds raw bytes. Text is split on line delimiters; binary packets
// become one hex chunk each.
func (s *stream) ingest(data []byte) {
	if len(data) == 0 {
		return
	}
	if !isText(data) {
		s.emit(normalizeChunk(data))
		return
	}
	s.splitMu.Lock()
	defer s.splitMu.Unlock()
	s.splitter.feed(data, func(line []byte) {
		s.emit(normalizeChunk(line))
	})
}

// ingestPacket is ingest for transports whose reads are whole messages: a
// trailing line with no delimiter is emitted instead of held back.
func (s *stream) ingestPacket(data []byte) {
	if len(data) == 0 {
		return
	}
	if !isText(data) {
		s.emit(normalizeChunk(data))
		return
	}
	emit := func(line []byte) { s.emit(normalizeChunk(line)) }
	s.splitMu.Lock()
	defer s.splitMu.Unlock()
	s.splitter.feed(data, emit)
	s.splitter.flush(emit)
}

func (s *stream) emit(payload string) {
	if payload == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	f := Frame{
		Kind:       s.desc.Kind,
		Device:     s.desc.ID,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
	select {
	case s.frames <- f:
	case <-s.done:
	}
}

func (s *stream) fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.errs <- &TransportError{Device: s.desc.ID, Op: op, Err: err}:
	default:
	}
}

func (s *stream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.frames)
	close(s.errs)
}

// openWithin runs open but gives up after timeout. A handle that shows up
// after the deadline is handed to discard.
func openWithin[T any](ctx context.Context, timeout time.Duration, open func() (T, error), discard func(T)) (T, error) {
	if timeout <= 0 {
		timeout = DefaultOptions().ConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := open()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil && discard != nil {
				discard(r.v)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}
