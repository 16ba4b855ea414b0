// Package eventpipe accepts control commands on a named pipe, one per line.
package eventpipe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"rfidbridge/control"
)

// Config holds configuration for the event pipe.
type Config struct {
	Path string `yaml:"path"` // Path to named pipe (e.g., "/tmp/rfidbridge-control")
}

// Handler is called for every command read from the pipe.
type Handler func(control.Command)

// EventPipe listens for commands on a named pipe.
type EventPipe struct {
	path    string
	handler Handler
	log     zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates the pipe. Returns nil if path is empty.
func New(cfg Config, handler Handler, log zerolog.Logger) (*EventPipe, error) {
	if cfg.Path == "" {
		return nil, nil
	}

	// Remove a stale pipe left by a previous run
	os.Remove(cfg.Path)

	if err := syscall.Mkfifo(cfg.Path, 0666); err != nil {
		return nil, fmt.Errorf("create named pipe %s: %w", cfg.Path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &EventPipe{
		path:    cfg.Path,
		handler: handler,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins listening for commands on the pipe.
// This should be called as a goroutine.
func (ep *EventPipe) Start() {
	ep.log.Info().Str("path", ep.path).Msg("event pipe listening")

	for {
		select {
		case <-ep.ctx.Done():
			return
		default:
		}

		// Blocks until a writer connects
		file, err := os.OpenFile(ep.path, os.O_RDONLY, 0)
		if err != nil {
			if ep.ctx.Err() != nil {
				return
			}
			ep.log.Warn().Err(err).Msg("event pipe open failed")
			continue
		}

		ep.Serve(file)
		file.Close()
		// Writer closed the pipe, loop back to wait for next writer
	}
}

// Serve reads commands from r until it is exhausted or the pipe is closed.
func (ep *EventPipe) Serve(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ep.ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		cmd, err := control.ParseLine(line)
		if err != nil {
			ep.log.Warn().Err(err).Str("line", line).Msg("event pipe parse error")
			continue
		}

		if ep.handler != nil {
			ep.handler(cmd)
		}
	}
}

// Close stops the listener and removes the pipe. A Start blocked waiting for
// a writer is released by opening the pipe once for writing.
func (ep *EventPipe) Close() error {
	ep.cancel()
	if f, err := os.OpenFile(ep.path, os.O_WRONLY|syscall.O_NONBLOCK, 0); err == nil {
		f.Close()
	}
	return os.Remove(ep.path)
}
