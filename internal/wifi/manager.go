// Package wifi keeps the uplink alive and falls back to a configuration
// access point when no network can be joined.
package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"k8s.io/utils/clock"

	"litime-gateway/internal/store"
)

var (
	// ErrInitialTimeout is recorded when the saved network did not come up at boot.
	ErrInitialTimeout = errors.New("wifi: saved network did not come up")
	// ErrSwitchTimeout is returned when a user-initiated switch did not complete.
	ErrSwitchTimeout = errors.New("wifi: network switch timed out")
)

const (
	initialTimeout   = 30 * time.Second
	switchTimeout    = 15 * time.Second
	pollInterval     = 500 * time.Millisecond
	healthInterval   = 30 * time.Second
	reconnectTimeout = 15 * time.Second
)

// Mode is the operating mode of the radio.
type Mode int

const (
	AccessPoint Mode = iota
	Station
)

func (m Mode) String() string {
	if m == Station {
		return "station"
	}
	return "access_point"
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Config holds the access point and announcement parameters.
type Config struct {
	Hostname     string
	HTTPPort     int
	APPrefix     string
	APPassphrase string
	APAddress    string
}

// Status is a read-only view for the dashboard.
type Status struct {
	Mode         Mode   `json:"mode"`
	SSID         string `json:"ssid,omitempty"`
	IP           string `json:"ip,omitempty"`
	Connected    bool   `json:"connected"`
	Reconnecting bool   `json:"reconnecting"`
	APName       string `json:"ap_name,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithRestart sets the function called after credentials are cleared.
func WithRestart(fn func(reason string)) Option {
	return func(m *Manager) {
		m.restart = fn
	}
}

// WithOnModeChange sets a hook run whenever the operating mode changes.
func WithOnModeChange(fn func(Mode)) Option {
	return func(m *Manager) {
		m.onMode = fn
	}
}

// Manager owns the operating mode. It is driven from the gateway run loop
// and is not safe for concurrent use.
type Manager struct {
	radio     Radio
	announcer Announcer
	kv        store.KV
	clock     clock.Clock
	cfg       Config
	logger    *slog.Logger
	restart   func(string)
	onMode    func(Mode)

	mode    Mode
	ssid    string
	apName  string
	lastErr error

	lastHealth     time.Time
	reconnecting   bool
	reconnectStart time.Time
}

func New(radio Radio, announcer Announcer, kv store.KV, clk clock.Clock, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		radio:     radio,
		announcer: announcer,
		kv:        kv,
		clock:     clk,
		cfg:       cfg,
		logger:    logger.With("component", "wifi"),
		mode:      AccessPoint,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TryConnectSaved joins the persisted network and waits up to 30 s for the
// link. It returns false at once when no credentials are stored. This is the
// only call that blocks for the full ceiling and runs once at boot.
func (m *Manager) TryConnectSaved(ctx context.Context) bool {
	creds, err := store.LoadCredentials(m.kv)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("load credentials", "err", err)
		}
		m.logger.Info("no saved network")
		return false
	}

	m.logger.Info("joining saved network", "ssid", creds.SSID)
	if err := m.radio.Join(ctx, creds.SSID, creds.Password); err != nil {
		m.lastErr = fmt.Errorf("join %q: %w", creds.SSID, err)
		m.logger.Warn("join failed", "ssid", creds.SSID, "err", err)
		return false
	}
	if !m.waitForLink(ctx, initialTimeout) {
		m.lastErr = ErrInitialTimeout
		m.logger.Warn("saved network unavailable", "ssid", creds.SSID, "err", ErrInitialTimeout)
		return false
	}

	m.enterStation(creds.SSID)
	return true
}

// waitForLink polls link-up every 500 ms until the timeout.
func (m *Manager) waitForLink(ctx context.Context, timeout time.Duration) bool {
	deadline := m.clock.Now().Add(timeout)
	for {
		if m.radio.Connected() {
			return true
		}
		if !m.clock.Now().Before(deadline) || ctx.Err() != nil {
			return false
		}
		m.clock.Sleep(pollInterval)
	}
}

func (m *Manager) enterStation(ssid string) {
	m.ssid = ssid
	m.lastErr = nil
	m.reconnecting = false
	m.lastHealth = m.clock.Now()
	m.setMode(Station)
	m.logger.Info("connected", "ssid", ssid, "ip", m.radio.LocalIP())
	m.announce()
}

func (m *Manager) announce() {
	if m.announcer == nil {
		return
	}
	m.announcer.Shutdown()
	if err := m.announcer.Announce(m.cfg.Hostname, m.cfg.HTTPPort); err != nil {
		m.logger.Warn("mdns announce failed", "name", m.cfg.Hostname, "err", err)
	}
}

func (m *Manager) setMode(mode Mode) {
	changed := m.mode != mode
	m.mode = mode
	if changed && m.onMode != nil {
		m.onMode(mode)
	}
}

// EnterAccessPoint tears down the radio and starts the configuration access
// point. The mode is AccessPoint afterwards even if the radio reports an error.
func (m *Manager) EnterAccessPoint() error {
	if m.announcer != nil {
		m.announcer.Shutdown()
	}
	if err := m.radio.Shutdown(); err != nil {
		m.logger.Debug("radio shutdown", "err", err)
	}
	m.reconnecting = false
	m.ssid = ""

	mac, err := m.radio.HardwareAddr()
	if err != nil {
		m.logger.Warn("read hardware address", "err", err)
	}
	m.apName = APName(m.cfg.APPrefix, mac)
	m.setMode(AccessPoint)

	if err := m.radio.StartAccessPoint(m.apName, m.cfg.APPassphrase, m.cfg.APAddress); err != nil {
		m.lastErr = fmt.Errorf("start access point: %w", err)
		m.logger.Error("access point failed", "ssid", m.apName, "err", err)
		return m.lastErr
	}
	m.logger.Info("access point started", "ssid", m.apName, "address", m.cfg.APAddress)
	return nil
}

// APName derives the access point name from the last three bytes of the
// hardware address.
func APName(prefix string, mac net.HardwareAddr) string {
	if len(mac) < 3 {
		return prefix
	}
	n := len(mac)
	return fmt.Sprintf("%s-%02X%02X%02X", prefix, mac[n-3], mac[n-2], mac[n-1])
}

// ConnectToNetwork switches to a new network, waiting at most 15 s. On
// failure the access point is restored and ErrSwitchTimeout is returned.
func (m *Manager) ConnectToNetwork(ctx context.Context, ssid, password string) (string, error) {
	m.logger.Info("switching network", "ssid", ssid)
	if m.announcer != nil {
		m.announcer.Shutdown()
	}

	joined := true
	if err := m.radio.Join(ctx, ssid, password); err != nil {
		m.logger.Warn("join failed", "ssid", ssid, "err", err)
		joined = false
	}
	if !joined || !m.waitForLink(ctx, switchTimeout) {
		if err := m.EnterAccessPoint(); err != nil {
			m.logger.Error("fallback to access point", "err", err)
		}
		m.lastErr = fmt.Errorf("%w: %s", ErrSwitchTimeout, ssid)
		return "", m.lastErr
	}

	if err := store.SaveCredentials(m.kv, store.Credentials{SSID: ssid, Password: password}); err != nil {
		m.logger.Error("save credentials", "err", err)
	}
	m.enterStation(ssid)
	return m.radio.LocalIP(), nil
}

// Tick runs the steady-state health check. It never blocks: a lost link
// issues one reconnect request and is then polled on later ticks.
func (m *Manager) Tick() {
	if m.mode != Station {
		return
	}
	now := m.clock.Now()

	if m.reconnecting {
		switch {
		case m.radio.Connected():
			m.reconnecting = false
			m.lastHealth = now
			m.logger.Info("reconnected", "ssid", m.ssid, "ip", m.radio.LocalIP())
			m.announce()
		case now.Sub(m.reconnectStart) >= reconnectTimeout:
			m.reconnecting = false
			m.lastHealth = now
			m.logger.Warn("reconnect timed out", "ssid", m.ssid)
		}
		return
	}

	if now.Sub(m.lastHealth) < healthInterval {
		return
	}
	m.lastHealth = now
	if m.radio.Connected() {
		return
	}

	m.logger.Warn("uplink lost, reconnecting", "ssid", m.ssid)
	if err := m.radio.Reconnect(); err != nil {
		m.logger.Warn("reconnect request failed", "err", err)
		return
	}
	m.reconnecting = true
	m.reconnectStart = now
}

// ResetCredentials clears the stored network and schedules a restart.
func (m *Manager) ResetCredentials() error {
	if err := store.ClearCredentials(m.kv); err != nil {
		return fmt.Errorf("reset credentials: %w", err)
	}
	m.logger.Info("credentials cleared")
	if m.restart != nil {
		m.restart("network credentials reset")
	}
	return nil
}

// Scan lists nearby networks.
func (m *Manager) Scan(ctx context.Context) ([]Network, error) {
	nets, err := m.radio.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return nets, nil
}

func (m *Manager) Mode() Mode      { return m.mode }
func (m *Manager) IsStation() bool { return m.mode == Station }

// Connected reports whether the uplink is usable.
func (m *Manager) Connected() bool {
	return m.mode == Station && m.radio.Connected()
}

func (m *Manager) LocalIP() string {
	if m.mode == AccessPoint {
		if ip, _, err := net.ParseCIDR(m.cfg.APAddress); err == nil {
			return ip.String()
		}
	}
	return m.radio.LocalIP()
}

func (m *Manager) Status() Status {
	st := Status{
		Mode:         m.mode,
		SSID:         m.ssid,
		IP:           m.LocalIP(),
		Connected:    m.Connected(),
		Reconnecting: m.reconnecting,
	}
	if m.mode == AccessPoint {
		st.APName = m.apName
	}
	if m.lastErr != nil {
		st.Error = m.lastErr.Error()
	}
	return st
}
