package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"rfidbridge/acquire"
)

// NATSConfig configures the NATS publisher. With Stream set, reads are
// published through JetStream and the stream is created when missing.
type NATSConfig struct {
	URL      string `yaml:"url"`
	Subject  string `yaml:"subject"` // prefix, e.g. "rfid.dock3"
	Stream   string `yaml:"stream"`
	Name     string `yaml:"name"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// NATS publishes reads to <subject>.read and lifecycle events to
// <subject>.status.
type NATS struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
	log     zerolog.Logger
}

// NewNATS connects to cfg.URL.
func NewNATS(ctx context.Context, cfg NATSConfig, log zerolog.Logger) (*NATS, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.CAFile != "" {
		opts = append(opts, nats.RootCAs(cfg.CAFile))
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		opts = append(opts, nats.ClientCert(cfg.CertFile, cfg.KeyFile))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	subject := cfg.Subject
	if subject == "" {
		subject = "rfid"
	}
	p := &NATS{nc: nc, subject: subject, log: log}

	if cfg.Stream != "" {
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     cfg.Stream,
			Subjects: []string{subject + ".>"},
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
		}
		p.js = js
	}
	log.Info().Str("url", nc.ConnectedUrl()).Str("subject", subject).Bool("jetstream", p.js != nil).Msg("NATS connected")
	return p, nil
}

func (p *NATS) Publish(ctx context.Context, ev acquire.Event) error {
	data, isRead, err := Payload(ev)
	if err != nil {
		return err
	}
	subject := p.subject + ".status"
	if isRead {
		subject = p.subject + ".read"
	}
	if p.js != nil {
		if _, err := p.js.Publish(ctx, subject, data); err != nil {
			return fmt.Errorf("jetstream publish %s: %w", subject, err)
		}
		return nil
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATS) Close() error {
	err := p.nc.Drain()
	if err != nil {
		p.nc.Close()
	}
	return err
}
