package publish

import (
	"context"
	"strings"

	"rfidbridge/acquire"
	"rfidbridge/mqtt"
)

// MQTT publishes reads to <prefix>/read and lifecycle events to
// <prefix>/status.
type MQTT struct {
	client *mqtt.Client
	prefix string
}

func NewMQTT(client *mqtt.Client, prefix string) *MQTT {
	return &MQTT{client: client, prefix: strings.TrimRight(prefix, "/")}
}

// Topic joins the prefix and name.
func (p *MQTT) Topic(name string) string {
	if p.prefix == "" {
		return name
	}
	return p.prefix + "/" + name
}

func (p *MQTT) Publish(_ context.Context, ev acquire.Event) error {
	data, isRead, err := Payload(ev)
	if err != nil {
		return err
	}
	if isRead {
		return p.client.Publish(p.Topic("read"), data, false)
	}
	return p.client.Publish(p.Topic("status"), data, false)
}

// Close leaves the client connected; its owner disconnects it.
func (p *MQTT) Close() error { return nil }
