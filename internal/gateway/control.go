package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"litime-gateway/internal/store"
	"litime-gateway/internal/telemetry"
	"litime-gateway/internal/timesync"
	"litime-gateway/internal/webhook"
	"litime-gateway/internal/wifi"
)

var (
	ErrInvalidDeviceID   = errors.New("device id must be a MAC address like AA:BB:CC:DD:EE:FF")
	ErrInvalidWebhookURL = errors.New("webhook url must be an absolute http or https url")
	ErrInvalidSSID       = errors.New("ssid is required")
	ErrNotStation        = errors.New("not connected to a network")
)

// LinkStatus describes the BMS link.
type LinkStatus struct {
	State     string `json:"state"`
	Enabled   bool   `json:"enabled"`
	DeviceID  string `json:"device_id"`
	LastError string `json:"last_error,omitempty"`
}

// Status is the read-only view served to the dashboard. Telemetry is the
// zero Snapshot unless the last reading passed the plausibility gate.
type Status struct {
	Device    string             `json:"device"`
	Valid     bool               `json:"valid"`
	Telemetry telemetry.Snapshot `json:"telemetry"`
	Link      LinkStatus         `json:"link"`
	WiFi      wifi.Status        `json:"wifi"`
	Time      timesync.Status    `json:"time"`
	LocalTime time.Time          `json:"local_time"`
	Settings  store.Settings     `json:"settings"`
	Webhook   *webhook.Outcome   `json:"webhook,omitempty"`
	Uptime    time.Duration      `json:"uptime_ns"`
}

// do runs fn on the loop goroutine and waits for it. Once the loop has
// accepted fn the wait is unconditional, so callers may read whatever fn
// wrote; every command is bounded.
func (g *Gateway) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		fn()
	}
	select {
	case g.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-g.stopped:
		return ErrStopped
	}
	<-done
	return nil
}

func (g *Gateway) Status(ctx context.Context) (Status, error) {
	var st Status
	err := g.do(ctx, func() { st = g.status() })
	return st, err
}

func (g *Gateway) status() Status {
	snap, valid := g.poller.Current()
	st := Status{
		Device:    g.cfg.DeviceName,
		Valid:     valid,
		Telemetry: snap,
		Link: LinkStatus{
			State:    g.link.State().String(),
			Enabled:  g.link.Enabled(),
			DeviceID: g.link.DeviceID(),
		},
		WiFi:      g.wifi.Status(),
		Time:      g.syncer.Status(),
		LocalTime: g.syncer.Now(),
		Settings:  g.settings,
		Uptime:    g.clock.Since(g.startedAt),
	}
	if err := g.link.LastError(); err != nil {
		st.Link.LastError = err.Error()
	}
	if out, ok := g.webhook.Last(); ok {
		st.Webhook = &out
	}
	return st
}

// LastWebhook returns the last recorded webhook outcome.
func (g *Gateway) LastWebhook(ctx context.Context) (webhook.Outcome, bool, error) {
	var out webhook.Outcome
	var ok bool
	err := g.do(ctx, func() { out, ok = g.webhook.Last() })
	return out, ok, err
}

// SetLinkEnabled persists and applies the link-enabled flag. Disabling
// tears down an active connection before returning.
func (g *Gateway) SetLinkEnabled(ctx context.Context, enabled bool) error {
	var opErr error
	err := g.do(ctx, func() {
		dev := g.settings.Device
		dev.LinkEnabled = enabled
		if opErr = store.SaveDeviceSettings(g.kv, dev); opErr != nil {
			return
		}
		g.settings.Device = dev
		g.link.SetEnabled(enabled)
		g.emitSettings()
	})
	return errors.Join(err, opErr)
}

// UpdateDevice persists device settings. The poll interval is clamped to
// its allowed range. A changed device id restarts the daemon because the
// BMS client binds to its id at construction.
func (g *Gateway) UpdateDevice(ctx context.Context, d store.DeviceSettings) error {
	if d.DeviceID != "" && !store.ValidDeviceID(d.DeviceID) {
		return ErrInvalidDeviceID
	}
	d.PollInterval = store.ClampPollInterval(d.PollInterval)

	var opErr error
	err := g.do(ctx, func() {
		if opErr = store.SaveDeviceSettings(g.kv, d); opErr != nil {
			return
		}
		changed := d.DeviceID != g.settings.Device.DeviceID
		g.settings.Device = d
		g.emitSettings()
		if changed {
			g.logger.Info("device id changed", "device_id", d.DeviceID)
			g.requestRestart("device id changed")
			return
		}
		g.link.SetEnabled(d.LinkEnabled)
	})
	return errors.Join(err, opErr)
}

// UpdateWebhook persists and applies webhook settings. The new interval is
// used at the next cadence comparison.
func (g *Gateway) UpdateWebhook(ctx context.Context, w store.WebhookSettings) error {
	if w.URL != "" {
		u, err := url.Parse(w.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ErrInvalidWebhookURL
		}
	}
	w.Interval = store.ClampWebhookInterval(w.Interval)

	var opErr error
	err := g.do(ctx, func() {
		if opErr = store.SaveWebhookSettings(g.kv, w); opErr != nil {
			return
		}
		g.settings.Webhook = w
		g.webhook.SetSettings(w)
		g.emitSettings()
	})
	return errors.Join(err, opErr)
}

// TestWebhook runs one attempt immediately. The regular cadence is not
// re-armed.
func (g *Gateway) TestWebhook(ctx context.Context) (webhook.Outcome, error) {
	var out webhook.Outcome
	err := g.do(ctx, func() { out = g.attemptWebhook(ctx) })
	return out, err
}

// ScanNetworks lists nearby networks.
func (g *Gateway) ScanNetworks(ctx context.Context) ([]wifi.Network, error) {
	var nets []wifi.Network
	var opErr error
	err := g.do(ctx, func() { nets, opErr = g.wifi.Scan(ctx) })
	return nets, errors.Join(err, opErr)
}

// ConnectNetwork switches the uplink, blocking the loop for at most 15 s.
// On failure the access point is restored.
func (g *Gateway) ConnectNetwork(ctx context.Context, ssid, password string) (string, error) {
	if ssid == "" {
		return "", ErrInvalidSSID
	}
	var ip string
	var opErr error
	err := g.do(ctx, func() {
		ip, opErr = g.wifi.ConnectToNetwork(ctx, ssid, password)
		if opErr == nil {
			g.syncTime(ctx)
		}
	})
	return ip, errors.Join(err, opErr)
}

// ResetNetwork clears the stored credentials and restarts into access
// point mode.
func (g *Gateway) ResetNetwork(ctx context.Context) error {
	var opErr error
	err := g.do(ctx, func() { opErr = g.wifi.ResetCredentials() })
	return errors.Join(err, opErr)
}

// SetTimezone persists an IANA timezone used for webhook timestamps and
// the dashboard clock.
func (g *Gateway) SetTimezone(ctx context.Context, tz string) error {
	if tz == "" {
		tz = store.DefaultTimezone
	}
	var opErr error
	err := g.do(ctx, func() {
		if opErr = g.syncer.SetTimezone(tz); opErr != nil {
			return
		}
		if opErr = store.SaveTimezone(g.kv, tz); opErr != nil {
			return
		}
		g.settings.Timezone = tz
		g.emitSettings()
	})
	return errors.Join(err, opErr)
}

// SyncTime runs an immediate time sync when in station mode.
func (g *Gateway) SyncTime(ctx context.Context) error {
	var opErr error
	err := g.do(ctx, func() {
		if !g.wifi.IsStation() {
			opErr = fmt.Errorf("time sync: %w", ErrNotStation)
			return
		}
		opErr = g.syncer.Sync(ctx)
		if opErr == nil {
			g.events.Emit(Event{Type: EventTimeSync, Data: g.syncer.Status()})
		}
	})
	return errors.Join(err, opErr)
}

func (g *Gateway) emitSettings() {
	g.events.Emit(Event{Type: EventSettings, Data: g.settings})
}
