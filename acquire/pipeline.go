package acquire

import (
	"context"
	"errors"
	"time"

	"rfidbridge/codec"
	"rfidbridge/reader"
)

func ready(ev Event) *pending {
	p := &pending{ev: ev, ready: make(chan struct{})}
	close(p.ready)
	return p
}

// ingest turns the connection's frames into queued events. It owns
// c.queue and closes it on the way out.
func (o *Orchestrator) ingest(c *connection) {
	defer o.wg.Done()
	defer close(c.queue)

	frames, errs := c.conn.Frames(), c.conn.Errors()
	for frames != nil || errs != nil {
		select {
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			if o.isReading(c) {
				o.handle(c, f.Payload, f.ReceivedAt)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			o.fault(c, err)
		case chunk := <-c.inject:
			o.handle(c, chunk, o.now())
		case <-c.ctx.Done():
			return
		}
	}

	if c.ctx.Err() != nil {
		return
	}
	// The transport ended the session on its own.
	o.mu.Lock()
	if c.cause == nil {
		c.cause = reader.ErrClosed
	}
	o.mu.Unlock()
	_ = o.teardown(c, nil)
}

func (o *Orchestrator) isReading(c *connection) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return c.reading
}

// fault reports a mid-session transport error and closes the connection.
func (o *Orchestrator) fault(c *connection, err error) {
	o.log.Error().Err(err).Str("device", c.desc.ID).Msg("transport fault")
	o.mu.Lock()
	if c.cause == nil {
		c.cause = err
	}
	o.mu.Unlock()
	o.enqueue(c, ready(Event{Type: EventError, Device: c.desc.ID, Session: c.session, Time: o.now(), Err: err}))
	go func() { _ = o.teardown(c, err) }()
}

// handle runs one chunk through extract, dedup and decode, then queues the
// read while its enrichment runs.
func (o *Orchestrator) handle(c *connection, chunk string, at time.Time) {
	log := o.log.With().Str("device", c.desc.ID).Logger()

	m, ok := o.extractor.Extract(chunk)
	if !ok {
		log.Debug().Str("chunk", chunk).Msg("no tag in chunk")
		return
	}
	if !o.dedup.Filter(m.Token, at) {
		log.Debug().Str("token", m.Token).Msg("duplicate read dropped")
		return
	}
	tag, err := o.codec.Decode(m.Token)
	if err != nil {
		var fe *codec.FormatError
		if errors.As(err, &fe) {
			log.Debug().Err(err).Str("rule", m.Rule.String()).Msg("undecodable token dropped")
		} else {
			log.Warn().Err(err).Msg("decode failed")
		}
		return
	}

	read := &ReadEvent{
		EPC:         tag.Raw,
		EPCDecimal:  tag.Decimal,
		Barcode:     tag.Barcode,
		OrderNumber: tag.OrderNumber,
		Timestamp:   at,
		Device:      c.desc.ID,
	}
	p := &pending{
		ev:    Event{Type: EventData, Device: c.desc.ID, Session: c.session, Time: at, Read: read},
		ready: make(chan struct{}),
	}
	if o.resolver == nil {
		close(p.ready)
	} else {
		go o.enrich(c, read, p.ready)
	}
	o.enqueue(c, p)
}

// enrich resolves the product for read. A result arriving after the
// connection went away is ignored.
func (o *Orchestrator) enrich(c *connection, read *ReadEvent, done chan struct{}) {
	defer close(done)
	ctx, cancel := context.WithTimeout(c.ctx, o.cfg.ResolveTimeout)
	defer cancel()

	rec := o.resolver.Resolve(ctx, read.Barcode, read.OrderNumber)
	if c.ctx.Err() != nil {
		return
	}
	if rec == nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			read.Error = "product lookup timed out"
		}
		return
	}
	read.ProductRecord = rec
	if rec.OrderNumber != "" {
		read.OrderNumber = rec.OrderNumber
	}
}

// enqueue blocks while the consumer is behind; the emitter always drains.
func (o *Orchestrator) enqueue(c *connection, p *pending) {
	c.queue <- p
}

// emitter delivers the connection's events in order, then the final
// disconnected event.
func (o *Orchestrator) emitter(c *connection) {
	defer o.wg.Done()
	for p := range c.queue {
		<-p.ready
		if p.ev.Read != nil {
			o.remember(*p.ev.Read)
		}
		o.send(p.ev)
	}

	o.mu.Lock()
	cause := c.cause
	o.mu.Unlock()
	o.send(Event{Type: EventDisconnected, Device: c.desc.ID, Session: c.session, Time: o.now(), Err: cause})
	o.log.Info().Str("device", c.desc.ID).AnErr("cause", cause).Msg("disconnected")
}

// poll sends start on every tick until stop closes.
func (o *Orchestrator) poll(c *connection, conn reader.Conn, start []byte, every time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer o.wg.Done()
	defer close(done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if err := conn.Send(start); err != nil {
			if errors.Is(err, reader.ErrClosed) {
				return
			}
			o.log.Warn().Err(err).Str("device", c.desc.ID).Msg("poll command failed")
		}
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
