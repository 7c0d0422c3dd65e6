// Package webhook relays the telemetry snapshot to a remote HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"k8s.io/utils/clock"

	"litime-gateway/internal/store"
	"litime-gateway/internal/telemetry"
)

const (
	dialTimeout    = 5 * time.Second
	requestTimeout = 10 * time.Second
)

// Network reports uplink state.
type Network interface {
	IsStation() bool
	Connected() bool
	LocalIP() string
}

// Source provides the gated snapshot.
type Source interface {
	Current() (telemetry.Snapshot, bool)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default bounded client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = c
	}
}

// WithNow sets the source of payload timestamps, typically the
// NTP-corrected clock in the display timezone.
func WithNow(fn func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = fn
	}
}

// Dispatcher performs webhook attempts and keeps the last recorded outcome.
type Dispatcher struct {
	device  string
	network Network
	source  Source
	clock   clock.PassiveClock
	logger  *slog.Logger
	client  *http.Client
	now     func() time.Time

	settings store.WebhookSettings
	last     *Outcome
}

// NewHTTPClient returns a client with a 5 s dial timeout and a 10 s total
// timeout.
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: dialTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: requestTimeout,
		DisableKeepAlives:     true,
	}
	return &http.Client{Transport: transport, Timeout: requestTimeout}
}

func New(device string, settings store.WebhookSettings, network Network, source Source, clk clock.PassiveClock, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		device:   device,
		network:  network,
		source:   source,
		clock:    clk,
		logger:   logger.With("component", "webhook"),
		settings: settings,
	}
	d.now = func() time.Time { return d.clock.Now().UTC() }
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = NewHTTPClient()
	}
	return d
}

// Settings returns the active webhook settings.
func (d *Dispatcher) Settings() store.WebhookSettings { return d.settings }

// SetSettings replaces the active webhook settings.
func (d *Dispatcher) SetSettings(s store.WebhookSettings) { d.settings = s }

// Last returns the last recorded outcome.
func (d *Dispatcher) Last() (Outcome, bool) {
	if d.last == nil {
		return Outcome{}, false
	}
	return *d.last, true
}

// Attempt checks preconditions in order and, if all pass, posts the
// snapshot. Skips are returned but not recorded.
func (d *Dispatcher) Attempt(ctx context.Context) Outcome {
	now := d.clock.Now()
	out := Outcome{At: now}

	switch {
	case !d.settings.Enabled:
		out.Kind = SkippedDisabled
		return out
	case d.settings.URL == "":
		out.Kind = SkippedNoTarget
		return out
	case !d.network.IsStation():
		out.Kind = SkippedAccessPoint
		return out
	}

	snap, valid := d.source.Current()
	switch {
	case !d.network.Connected():
		out.Kind = NoNetwork
	case !valid:
		out.Kind = DataInvalid
	default:
		out = d.post(ctx, now, d.now(), snap)
	}
	d.record(out)
	return out
}

func (d *Dispatcher) record(out Outcome) {
	d.last = &out
	switch {
	case out.Success:
		d.logger.Info("webhook delivered", "url", d.settings.URL)
	case out.Kind == TransportError:
		d.logger.Warn("webhook failed", "code", out.Code, "reason", CodeName(out.Code))
	case out.Kind == HTTPStatus:
		d.logger.Warn("webhook rejected", "code", out.Code, "body", out.Body)
	default:
		d.logger.Info("webhook not sent", "kind", out.Kind)
	}
}

func (d *Dispatcher) post(ctx context.Context, now, stamp time.Time, snap telemetry.Snapshot) Outcome {
	out := Outcome{At: now, Kind: TransportError}

	body, err := json.Marshal(buildPayload(d.device, d.network.LocalIP(), stamp, snap))
	if err != nil {
		out.Code = CodeOther
		d.logger.Error("marshal webhook payload", "err", err)
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.settings.URL, bytes.NewReader(body))
	if err != nil {
		out.Code = classify(stageBuild, err)
		d.logger.Debug("build webhook request", "err", err)
		return out
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		out.Code = classify(stageDo, err)
		d.logger.Debug("webhook request", "err", err)
		return out
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(io.LimitReader(resp.Body, 4*maxBodyLen))
	if err != nil {
		out.Code = classify(stageRead, err)
		return out
	}

	out.Kind = HTTPStatus
	out.Code = resp.StatusCode
	out.Body = truncate(string(text))
	out.Success = resp.StatusCode == http.StatusOK
	return out
}

type payload struct {
	Device       string      `json:"device"`
	IP           string      `json:"ip"`
	Timestamp    string      `json:"timestamp"`
	Battery      battery     `json:"battery"`
	Temperature  temperature `json:"temperature"`
	Status       status      `json:"status"`
	CellVoltages []float64   `json:"cell_voltages"`
	Statistics   statistics  `json:"statistics"`
}

type battery struct {
	Voltage        float64 `json:"voltage"`
	Current        float64 `json:"current"`
	SOC            int     `json:"soc"`
	SOH            string  `json:"soh"`
	RemainingAh    float64 `json:"remaining_ah"`
	FullCapacityAh float64 `json:"full_capacity_ah"`
}

type temperature struct {
	Mosfet int `json:"mosfet"`
	Cells  int `json:"cells"`
}

type status struct {
	BatteryState    string `json:"battery_state"`
	ProtectionState string `json:"protection_state"`
	FailureState    string `json:"failure_state"`
	HeatState       string `json:"heat_state"`
}

type statistics struct {
	DischargeCycles uint32  `json:"discharge_cycles"`
	DischargedAh    float64 `json:"discharged_ah"`
}

func buildPayload(device, ip string, at time.Time, s telemetry.Snapshot) payload {
	cells := s.CellVoltages
	if cells == nil {
		cells = []float64{}
	}
	return payload{
		Device:    device,
		IP:        ip,
		Timestamp: at.Format(time.RFC3339),
		Battery: battery{
			Voltage:        s.TotalVoltage,
			Current:        s.Current,
			SOC:            s.SOC,
			SOH:            s.SOH,
			RemainingAh:    s.RemainingAh,
			FullCapacityAh: s.FullCapacityAh,
		},
		Temperature: temperature{Mosfet: s.MosfetTemp, Cells: s.CellTemp},
		Status: status{
			BatteryState:    s.BatteryState,
			ProtectionState: s.ProtectionState,
			FailureState:    s.FailureState,
			HeatState:       s.HeatState,
		},
		CellVoltages: cells,
		Statistics: statistics{
			DischargeCycles: s.DischargesCount,
			DischargedAh:    s.DischargesAhCount,
		},
	}
}

// String is used in logs.
func (o Outcome) String() string {
	return fmt.Sprintf("%s(%d)", o.Kind, o.Code)
}
