package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rfidbridge/acquire"
	"rfidbridge/codec"
	"rfidbridge/control"
	"rfidbridge/discovery"
	"rfidbridge/eventpipe"
	"rfidbridge/frame"
	"rfidbridge/identity"
	"rfidbridge/indicator"
	"rfidbridge/logger"
	"rfidbridge/mqtt"
	"rfidbridge/publish"
	"rfidbridge/reader"
	"rfidbridge/trigger"
)

var myBuild = "dev"

// tagFlash is how long the indicator shows a tag read before going back to
// the connection state.
const tagFlash = 400 * time.Millisecond

// App holds the node's state and dependencies.
type App struct {
	cfg        *Config
	log        zerolog.Logger
	registry   *reader.Registry
	discoverer *discovery.Discoverer
	orch       *acquire.Orchestrator
	resolver   *identity.Resolver
	mqtt       *mqtt.Client
	publishers publish.Multi
	indicator  indicator.Indicator
	trigger    *trigger.Trigger
	pipe       *eventpipe.EventPipe
	ctx        context.Context

	// controlSecret signs MQTT control commands; nil disables remote control
	controlSecret []byte

	flashMu sync.Mutex
	flash   *time.Timer
}

func main() {
	if err := newCLIApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newApp builds every component from cfg. Nothing is started yet.
func newApp(ctx context.Context, cfg *Config) (*App, error) {
	app := &App{
		cfg: cfg,
		log: logger.WithComponent("node"),
		ctx: ctx,
	}

	var err error
	if cfg.ControlSecret != "" {
		if app.controlSecret, err = control.DecodeSecret(cfg.ControlSecret); err != nil {
			return nil, fmt.Errorf("control_secret: %w", err)
		}
	}

	app.registry, err = reader.New(cfg.Transports, logger.WithComponent("reader"))
	if err != nil {
		return nil, fmt.Errorf("init transports: %w", err)
	}
	app.discoverer = discovery.New(cfg.Discovery, app.registry, logger.WithComponent("discovery"))

	app.resolver, err = identity.NewResolver(cfg.Directory, logger.WithComponent("identity"))
	if err != nil {
		return nil, fmt.Errorf("init directory: %w", err)
	}
	app.orch = acquire.New(cfg.Acquire, acquire.Deps{
		Registry:  app.registry,
		Extractor: frame.NewExtractor(cfg.Frame),
		Codec:     codec.New(cfg.Codec),
		Resolver:  app.resolver,
		Log:       logger.WithComponent("acquire"),
	})

	// Start with nothing connected
	app.indicator, err = indicator.New(cfg.Indicator)
	if err != nil {
		return nil, fmt.Errorf("init indicator: %w", err)
	}
	app.indicator.Idle()

	app.mqtt, err = mqtt.New(cfg.MQTT, cfg.ClientID, &mqtt.Will{
		Topic:   app.topic("status"),
		Payload: `{"type":"offline"}`,
	}, mqtt.Handlers{
		OnConnect: app.onMQTTConnect,
		OnMessage: app.onMQTTMessage,
	}, logger.WithComponent("mqtt"))
	if err != nil {
		return nil, fmt.Errorf("init MQTT: %w", err)
	}
	if app.mqtt.IsEnabled() {
		app.publishers = append(app.publishers, publish.NewMQTT(app.mqtt, cfg.MQTT.Prefix))
	}
	if cfg.NATS.URL != "" {
		nc, err := publish.NewNATS(ctx, cfg.NATS, logger.WithComponent("nats"))
		if err != nil {
			return nil, fmt.Errorf("init NATS: %w", err)
		}
		app.publishers = append(app.publishers, nc)
	}
	if cfg.Stdout {
		app.publishers = append(app.publishers, publish.NewWriter(os.Stdout))
	}

	app.trigger, err = trigger.New(cfg.Trigger, app.onTrigger)
	if err != nil {
		return nil, fmt.Errorf("init trigger: %w", err)
	}
	if app.trigger != nil {
		app.log.Info().Int("pin", cfg.Trigger.Pin).Msg("trigger button initialized")
	}

	app.pipe, err = eventpipe.New(cfg.EventPipe, app.onPipeCommand, logger.WithComponent("eventpipe"))
	if err != nil {
		return nil, fmt.Errorf("init event pipe: %w", err)
	}

	return app, nil
}

// Run serves until ctx is cancelled, then shuts everything down.
func (app *App) Run(ctx context.Context) error {
	app.log.Info().Str("build", myBuild).Str("client_id", app.cfg.ClientID).Msg("rfidbridge starting")

	done := make(chan struct{})
	go func() {
		defer close(done)
		app.eventLoop()
	}()

	go func() {
		if err := app.mqtt.Connect(); err != nil {
			app.log.Error().Err(err).Msg("MQTT connect")
		}
	}()
	if app.pipe != nil {
		go app.pipe.Start()
	}
	go app.pingSender(ctx)
	go app.autoConnect(ctx)

	<-ctx.Done()
	app.log.Info().Msg("shutting down")

	if app.pipe != nil {
		app.pipe.Close()
	}
	if app.trigger != nil {
		app.trigger.Release()
	}
	if err := app.orch.Close(); err != nil {
		app.log.Warn().Err(err).Msg("close orchestrator")
	}
	<-done

	if err := app.publishers.Close(); err != nil {
		app.log.Warn().Err(err).Msg("close publishers")
	}
	if app.mqtt.IsConnected() {
		app.mqtt.Publish(app.topic("status"), []byte(`{"type":"offline"}`), true)
	}
	app.mqtt.Disconnect()

	app.stopFlash()
	app.indicator.Shutdown()
	app.indicator.Release()

	app.log.Info().Msg("shutdown complete")
	return nil
}

// autoConnect connects the configured devices.
func (app *App) autoConnect(ctx context.Context) {
	for _, d := range app.cfg.Devices {
		if ctx.Err() != nil {
			return
		}
		if err := app.connect(ctx, d.ID); err != nil {
			app.log.Error().Err(err).Str("device", d.ID).Msg("auto-connect failed")
			continue
		}
		if d.Autostart {
			if err := app.orch.StartReading(d.ID); err != nil {
				app.log.Error().Err(err).Str("device", d.ID).Msg("autostart failed")
			}
		}
	}
	app.refreshIndicator()
}

// connect opens id with its configured options layered over the transport
// defaults.
func (app *App) connect(ctx context.Context, id string) error {
	d, _ := app.cfg.device(id)
	opts := d.ConnectOptions
	opts.Options = opts.Options.WithDefaults(app.cfg.Transports.Defaults)
	return app.orch.Connect(ctx, id, opts)
}

// eventLoop publishes every orchestrator event and keeps the indicator in
// step. It returns when the orchestrator closes its event channel.
func (app *App) eventLoop() {
	for ev := range app.orch.Events() {
		log := app.log.With().Str("device", ev.Device).Str("event", string(ev.Type)).Logger()

		switch ev.Type {
		case acquire.EventData:
			log.Info().
				Str("epc", ev.Read.EPC).
				Str("barcode", ev.Read.Barcode).
				Str("order", ev.Read.OrderNumber).
				Bool("resolved", ev.Read.ProductRecord != nil).
				Msg("tag read")
			app.showTag(ev.Read.ProductRecord != nil)
		case acquire.EventError:
			log.Warn().Err(ev.Err).Msg("reader fault")
			app.stopFlash()
			app.indicator.Fault()
		default:
			log.Info().Err(ev.Err).Msg("connection change")
			app.refreshIndicator()
		}

		if len(app.publishers) == 0 {
			continue
		}
		// Events still drain after shutdown starts
		if err := app.publishers.Publish(context.Background(), ev); err != nil {
			log.Warn().Err(err).Msg("publish event")
		}
	}
}

// showTag flashes the read on the indicator, then restores the connection
// state.
func (app *App) showTag(resolved bool) {
	app.flashMu.Lock()
	defer app.flashMu.Unlock()

	app.indicator.TagRead(resolved)
	if app.flash != nil {
		app.flash.Stop()
	}
	app.flash = time.AfterFunc(tagFlash, app.refreshIndicator)
}

func (app *App) stopFlash() {
	app.flashMu.Lock()
	defer app.flashMu.Unlock()
	if app.flash != nil {
		app.flash.Stop()
		app.flash = nil
	}
}

// refreshIndicator shows the most advanced state across connections.
func (app *App) refreshIndicator() {
	best := acquire.StateIdle
	for _, s := range app.orch.Devices() {
		if s.State == acquire.StateReading || (s.State == acquire.StateConnected && best != acquire.StateReading) {
			best = s.State
		}
	}
	switch best {
	case acquire.StateReading:
		app.indicator.Reading()
	case acquire.StateConnected:
		app.indicator.Connected()
	default:
		app.indicator.Idle()
	}
}

func (app *App) onTrigger(active bool) {
	action := "stop"
	if active {
		action = "start"
	}
	app.log.Debug().Str("action", action).Msg("trigger")
	for _, id := range app.orch.Active() {
		var err error
		if active {
			err = app.orch.StartReading(id)
		} else {
			err = app.orch.StopReading(id)
		}
		if err != nil {
			app.log.Warn().Err(err).Str("device", id).Str("action", action).Msg("trigger")
		}
	}
	app.refreshIndicator()
}

// topic joins the configured MQTT prefix and name.
func (app *App) topic(name string) string {
	return app.cfg.MQTT.Prefix + "/" + name
}

func (app *App) onMQTTConnect() {
	if app.controlSecret == nil {
		app.log.Info().Msg("no control_secret configured, remote control disabled")
	} else if err := app.mqtt.Subscribe(app.topic("control")); err != nil {
		app.log.Error().Err(err).Msg("subscribe control topic")
	}
	app.mqtt.Publish(app.topic("status"), []byte(`{"type":"online"}`), true)
}

func (app *App) onMQTTMessage(topic string, payload []byte) {
	if topic != app.topic("control") {
		return
	}
	// Connects can take seconds; keep paho's message goroutine free
	go app.replyControl(payload)
}

func (app *App) replyControl(payload []byte) {
	reply := app.handleControlJSON(payload)
	data, err := json.Marshal(reply)
	if err != nil {
		app.log.Error().Err(err).Msg("encode control reply")
		return
	}
	if err := app.mqtt.Publish(app.topic("reply"), data, false); err != nil {
		app.log.Warn().Err(err).Msg("publish control reply")
	}
}

func (app *App) onPipeCommand(cmd control.Command) {
	reply := app.dispatch(app.ctx, cmd)
	if reply.Error != "" {
		app.log.Warn().Str("action", string(cmd.Action)).Str("error", reply.Error).Msg("pipe command failed")
		return
	}
	app.log.Info().Str("action", string(cmd.Action)).Str("device", cmd.Device).Msg("pipe command")
}

type ping struct {
	Status    string    `json:"status"`
	Build     string    `json:"build"`
	Connected int       `json:"connected"`
	Timestamp time.Time `json:"timestamp"`
}

func (app *App) pingSender(ctx context.Context) {
	if !app.mqtt.IsEnabled() || app.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(app.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			data, _ := json.Marshal(ping{
				Status:    "ok",
				Build:     myBuild,
				Connected: len(app.orch.Active()),
				Timestamp: now.UTC(),
			})
			if err := app.mqtt.Publish(app.topic("ping"), data, false); err != nil {
				app.log.Debug().Err(err).Msg("ping")
			}
		}
	}
}
