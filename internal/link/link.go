// Package link manages the lifecycle of the BLE connection to the BMS.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"k8s.io/utils/clock"

	"litime-gateway/internal/bms"
	"litime-gateway/internal/store"
)

// ErrConnectRejected wraps a failed connect attempt by the BMS client.
var ErrConnectRejected = errors.New("link: connect rejected")

const (
	// DefaultRetryInterval is the minimum time the link stays disconnected
	// before the health check raises a new connect request.
	DefaultRetryInterval = 30 * time.Second

	connectTimeout = 15 * time.Second
)

// State is the link lifecycle state.
type State int

const (
	Disconnected State = iota
	Pending
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Pending:
		return "pending"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetryPolicy replaces the constant retry interval. The policy is reset
// after every successful connection.
func WithRetryPolicy(b backoff.BackOff) Option {
	return func(m *Manager) {
		m.policy = b
	}
}

// WithOnConnected sets a hook run in the same tick a connection succeeds.
func WithOnConnected(fn func(ctx context.Context)) Option {
	return func(m *Manager) {
		m.onConnected = fn
	}
}

// WithOnStateChange sets a hook run after every state transition.
func WithOnStateChange(fn func(State)) Option {
	return func(m *Manager) {
		m.onStateChange = fn
	}
}

// Manager drives Disconnected → Pending → Connected. It is not safe for
// concurrent use; all methods run on the gateway loop.
type Manager struct {
	client bms.Client
	clock  clock.PassiveClock
	logger *slog.Logger

	policy        backoff.BackOff
	onConnected   func(ctx context.Context)
	onStateChange func(State)

	enabled  bool
	deviceID string

	state             State
	disconnectedSince time.Time
	retryWait         time.Duration
	lastErr           error
}

// New creates a Manager in the Disconnected state.
func New(client bms.Client, clk clock.PassiveClock, deviceID string, enabled bool, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		client:            client,
		clock:             clk,
		logger:            logger.With("component", "link"),
		policy:            backoff.NewConstantBackOff(DefaultRetryInterval),
		enabled:           enabled,
		deviceID:          deviceID,
		state:             Disconnected,
		disconnectedSince: clk.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.retryWait = m.firstWait()
	return m
}

// firstWait peeks at the policy's first interval without consuming it.
func (m *Manager) firstWait() time.Duration {
	d := m.policy.NextBackOff()
	m.policy.Reset()
	if d == backoff.Stop {
		return DefaultRetryInterval
	}
	return d
}

func (m *Manager) State() State     { return m.state }
func (m *Manager) Enabled() bool    { return m.enabled }
func (m *Manager) DeviceID() string { return m.deviceID }
func (m *Manager) Connected() bool  { return m.state == Connected }
func (m *Manager) LastError() error { return m.lastErr }

// RequestConnect raises a connect request. It is accepted only when the
// link is enabled, a valid device ID is configured and no request is
// pending or connected; otherwise it is a no-op returning false.
func (m *Manager) RequestConnect() bool {
	if !m.enabled || !store.ValidDeviceID(m.deviceID) || m.state != Disconnected {
		return false
	}
	m.logger.Info("connect requested", "device", m.deviceID)
	m.setState(Pending)
	return true
}

// Tick resolves a pending request with exactly one connect call and
// detects loss of an established link.
func (m *Manager) Tick(ctx context.Context) {
	switch m.state {
	case Pending:
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := m.client.Connect(cctx)
		cancel()
		if err != nil {
			m.lastErr = fmt.Errorf("%w: %v", ErrConnectRejected, err)
			m.markDisconnected()
			m.logger.Warn("connect failed", "device", m.deviceID, "err", err, "retry_in", m.retryWait)
			return
		}
		m.lastErr = nil
		m.policy.Reset()
		m.setState(Connected)
		if m.onConnected != nil {
			m.onConnected(ctx)
		}
	case Connected:
		if !m.client.IsConnected() {
			m.logger.Warn("link lost", "device", m.deviceID)
			m.markDisconnected()
		}
	}
}

// CheckHealth is the link-health cadence action: it raises a connect
// request once the link has been disconnected for at least the retry wait.
func (m *Manager) CheckHealth() {
	if m.state != Disconnected || !m.enabled {
		return
	}
	if m.clock.Since(m.disconnectedSince) < m.retryWait {
		return
	}
	m.RequestConnect()
}

// SetEnabled toggles the link. Disabling tears down an established
// connection synchronously and drops any pending request.
func (m *Manager) SetEnabled(enabled bool) {
	if enabled == m.enabled {
		return
	}
	m.enabled = enabled
	if enabled {
		m.logger.Info("link enabled")
		m.RequestConnect()
		return
	}

	m.logger.Info("link disabled", "state", m.state)
	if m.state == Connected {
		if err := m.client.Disconnect(); err != nil {
			m.logger.Warn("disconnect", "err", err)
		}
	}
	if m.state != Disconnected {
		m.state = Disconnected
		m.disconnectedSince = m.clock.Now()
		m.notify()
	}
}

func (m *Manager) markDisconnected() {
	m.disconnectedSince = m.clock.Now()
	m.retryWait = m.policy.NextBackOff()
	if m.retryWait == backoff.Stop {
		m.retryWait = DefaultRetryInterval
	}
	m.setState(Disconnected)
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("state change", "from", m.state, "to", s)
	m.state = s
	m.notify()
}

func (m *Manager) notify() {
	if m.onStateChange != nil {
		m.onStateChange(m.state)
	}
}
