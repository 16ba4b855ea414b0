// Package publish forwards acquisition events to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"rfidbridge/acquire"
)

// Publisher delivers events somewhere.
type Publisher interface {
	Publish(ctx context.Context, ev acquire.Event) error
	Close() error
}

// StatusMessage is the payload for non-read events.
type StatusMessage struct {
	Type      acquire.EventType `json:"type"`
	Device    string            `json:"device"`
	Session   string            `json:"session,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Error     string            `json:"error,omitempty"`
}

// Payload renders ev as JSON. Data events become the read schema; the rest
// become a StatusMessage. isRead tells which topic the payload belongs on.
func Payload(ev acquire.Event) (data []byte, isRead bool, err error) {
	if ev.Type == acquire.EventData && ev.Read != nil {
		data, err = json.Marshal(ev.Read)
		return data, true, err
	}
	msg := StatusMessage{
		Type:      ev.Type,
		Device:    ev.Device,
		Session:   ev.Session,
		Timestamp: ev.Time.UTC(),
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	data, err = json.Marshal(msg)
	return data, false, err
}

// Writer prints one JSON object per line.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (p *Writer) Publish(_ context.Context, ev acquire.Event) error {
	data, _, err := Payload(ev)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = fmt.Fprintf(p.w, "%s\n", data)
	return err
}

func (p *Writer) Close() error { return nil }

// Multi fans an event out to several publishers. Every publisher is tried;
// the errors are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev acquire.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
