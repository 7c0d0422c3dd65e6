// Package gateway wires the connectivity, link, telemetry, scheduling and
// webhook components into one cooperative run loop.
//
// All component state is owned by the goroutine running Run. Other
// goroutines (HTTP handlers, WebSocket, MQTT) reach it only through the
// exported control methods, which submit closures to the loop.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"k8s.io/utils/clock"

	"litime-gateway/internal/bms"
	"litime-gateway/internal/console"
	"litime-gateway/internal/link"
	"litime-gateway/internal/scheduler"
	"litime-gateway/internal/store"
	"litime-gateway/internal/telemetry"
	"litime-gateway/internal/timesync"
	"litime-gateway/internal/webhook"
	"litime-gateway/internal/wifi"
)

var (
	// ErrRestart is returned by Run when a control operation requires the
	// daemon to restart.
	ErrRestart = errors.New("gateway: restart requested")
	// ErrStopped is returned by control methods once Run has exited.
	ErrStopped = errors.New("gateway: stopped")
)

const (
	defaultTickInterval = 10 * time.Millisecond
	timeSyncInterval    = time.Hour
	linkHealthInterval  = 30 * time.Second
)

// Config holds the static daemon configuration.
type Config struct {
	DeviceName   string
	TickInterval time.Duration
	NTPServer    string
	WiFi         wifi.Config
}

// ClientFactory builds the BMS client bound to a device identifier.
type ClientFactory func(deviceID string) bms.Client

// Option configures a Gateway.
type Option func(*Gateway)

// WithConsole enables the status table echo to w when the console echo
// setting is on.
func WithConsole(w io.Writer) Option {
	return func(g *Gateway) {
		g.printer = console.NewPrinter(w)
	}
}

// WithNTPQuery replaces the NTP query used by time sync.
func WithNTPQuery(q timesync.QueryFunc) Option {
	return func(g *Gateway) {
		g.ntpQuery = q
	}
}

// WithWebhookClient replaces the webhook HTTP client.
func WithWebhookClient(c *http.Client) Option {
	return func(g *Gateway) {
		g.webhookClient = c
	}
}

// WithLinkOptions passes extra options, such as a retry policy, to the
// link manager.
func WithLinkOptions(opts ...link.Option) Option {
	return func(g *Gateway) {
		g.linkOpts = append(g.linkOpts, opts...)
	}
}

// Gateway is the orchestrator.
type Gateway struct {
	cfg    Config
	kv     store.KV
	clock  clock.WithTicker
	logger *slog.Logger
	events *EventBus

	wifi    *wifi.Manager
	client  bms.Client
	link    *link.Manager
	poller  *telemetry.Poller
	sched   *scheduler.Scheduler
	webhook *webhook.Dispatcher
	syncer  *timesync.Syncer
	printer *console.Printer

	ntpQuery      timesync.QueryFunc
	webhookClient *http.Client
	linkOpts      []link.Option

	settings      store.Settings
	startedAt     time.Time
	restartReason string

	cmds    chan func()
	stopped chan struct{}
}

// New loads persisted settings and builds every component. Nothing touches
// the radio or the BMS until Boot.
func New(cfg Config, kv store.KV, radio wifi.Radio, announcer wifi.Announcer, newClient ClientFactory, clk clock.WithTicker, logger *slog.Logger, opts ...Option) *Gateway {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	g := &Gateway{
		cfg:     cfg,
		kv:      kv,
		clock:   clk,
		logger:  logger.With("component", "gateway"),
		events:  NewEventBus(logger),
		sched:   scheduler.New(clk, logger),
		cmds:    make(chan func()),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}

	settings, err := store.LoadSettings(kv)
	if err != nil {
		g.logger.Error("load settings, using defaults where missing", "err", err)
	}
	g.settings = settings

	g.syncer = timesync.New(cfg.NTPServer, settings.Timezone, clk, logger)
	if g.ntpQuery != nil {
		g.syncer.SetQuery(g.ntpQuery)
	}

	g.wifi = wifi.New(radio, announcer, kv, clk, cfg.WiFi, logger,
		wifi.WithRestart(g.requestRestart),
		wifi.WithOnModeChange(func(m wifi.Mode) {
			g.events.Emit(Event{Type: EventMode, Data: m.String()})
		}),
	)

	g.client = newClient(settings.Device.DeviceID)
	linkOpts := append([]link.Option{
		link.WithOnConnected(g.onLinkConnected),
		link.WithOnStateChange(func(s link.State) {
			if s == link.Disconnected {
				g.poller.MarkStale()
			}
			g.events.Emit(Event{Type: EventLinkState, Data: s.String()})
		}),
	}, g.linkOpts...)
	g.link = link.New(g.client, clk, settings.Device.DeviceID, settings.Device.LinkEnabled, logger, linkOpts...)

	g.poller = telemetry.NewPoller(g.client, g.link, clk, logger,
		telemetry.WithOnUpdate(g.onTelemetry),
		telemetry.WithOnValidityChange(func(valid bool, reason error) {
			data := map[string]any{"valid": valid}
			if reason != nil {
				data["reason"] = reason.Error()
			}
			g.events.Emit(Event{Type: EventValidity, Data: data})
		}),
	)

	whOpts := []webhook.Option{webhook.WithNow(g.syncer.Now)}
	if g.webhookClient != nil {
		whOpts = append(whOpts, webhook.WithHTTPClient(g.webhookClient))
	}
	g.webhook = webhook.New(cfg.DeviceName, settings.Webhook, g.wifi, g.poller, clk, logger, whOpts...)

	return g
}

// Events returns the gateway event bus.
func (g *Gateway) Events() *EventBus { return g.events }

// Boot runs the blocking start-up phase: join the saved network (up to
// 30 s) or open the access point, then raise the initial link request.
// It must complete before the web server starts.
func (g *Gateway) Boot(ctx context.Context) {
	g.startedAt = g.clock.Now()

	if g.wifi.TryConnectSaved(ctx) {
		if err := g.syncer.Sync(ctx); err != nil {
			g.logger.Warn("initial time sync failed", "err", err)
		}
	} else if err := g.wifi.EnterAccessPoint(); err != nil {
		g.logger.Error("enter access point", "err", err)
	}

	id := g.settings.Device.DeviceID
	switch {
	case !g.settings.Device.LinkEnabled:
		g.logger.Info("bms link disabled")
	case !store.ValidDeviceID(id):
		g.logger.Info("no valid bms device configured, skipping auto-connect", "device_id", id)
	default:
		g.link.RequestConnect()
	}

	g.addTasks()
	g.logger.Info("boot complete", "mode", g.wifi.Mode(), "link", g.link.State())
}

func (g *Gateway) addTasks() {
	g.sched.Add(scheduler.Task{
		Name:     scheduler.TaskTelemetryPoll,
		Interval: func() time.Duration { return g.settings.Device.PollInterval },
		Run:      g.poll,
	})
	g.sched.Add(scheduler.Task{
		Name:     scheduler.TaskTimeSync,
		Interval: scheduler.Every(timeSyncInterval),
		Enabled:  g.wifi.IsStation,
		Run:      g.syncTime,
	})
	g.sched.Add(scheduler.Task{
		Name:     scheduler.TaskLinkHealth,
		Interval: scheduler.Every(linkHealthInterval),
		Run:      func(context.Context) { g.link.CheckHealth() },
	})
	g.sched.Add(scheduler.Task{
		Name:     scheduler.TaskWebhook,
		Interval: func() time.Duration { return g.settings.Webhook.Interval },
		Enabled:  func() bool { return g.wifi.IsStation() && g.settings.Webhook.Enabled },
		Run:      func(ctx context.Context) { g.attemptWebhook(ctx) },
	})
}

// Tick advances every component once: connectivity, then link, then the
// scheduled cadences. A connection established in this tick is polled
// before the cadences run.
func (g *Gateway) Tick(ctx context.Context) {
	g.wifi.Tick()
	g.link.Tick(ctx)
	g.sched.Tick(ctx)
}

// Run drives Tick at the configured interval and executes control
// commands between ticks. It returns ErrRestart when a restart was
// requested and nil when ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	defer close(g.stopped)

	ticker := g.clock.NewTicker(g.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.shutdown()
			return nil
		case fn := <-g.cmds:
			fn()
		case <-ticker.C():
			g.Tick(ctx)
		}
		if g.restartReason != "" {
			g.logger.Info("restarting", "reason", g.restartReason)
			g.shutdown()
			return ErrRestart
		}
	}
}

func (g *Gateway) shutdown() {
	if g.client.IsConnected() {
		if err := g.client.Disconnect(); err != nil {
			g.logger.Warn("bms disconnect", "err", err)
		}
	}
}

func (g *Gateway) requestRestart(reason string) {
	g.restartReason = reason
}

func (g *Gateway) onLinkConnected(ctx context.Context) {
	g.poll(ctx)
	g.sched.Reset(scheduler.TaskTelemetryPoll)
}

func (g *Gateway) poll(ctx context.Context) {
	// Errors are logged by the poller and leave the snapshot unchanged.
	_ = g.poller.Poll(ctx)
}

// onTelemetry runs after every poll. Only readings that passed the gate
// reach subscribers; the console echo flags rejected ones.
func (g *Gateway) onTelemetry(s telemetry.Snapshot) {
	if s.Valid {
		g.events.Emit(Event{Type: EventTelemetry, Data: s})
	}
	if g.settings.Device.ConsoleEcho && g.printer != nil {
		if err := g.printer.Print(s); err != nil {
			g.logger.Debug("console echo", "err", err)
		}
	}
}

func (g *Gateway) syncTime(ctx context.Context) {
	if err := g.syncer.Sync(ctx); err != nil {
		return
	}
	g.events.Emit(Event{Type: EventTimeSync, Data: g.syncer.Status()})
}

func (g *Gateway) attemptWebhook(ctx context.Context) webhook.Outcome {
	out := g.webhook.Attempt(ctx)
	if !out.Skipped() {
		g.events.Emit(Event{Type: EventWebhookOutcome, Data: out})
	}
	return out
}
