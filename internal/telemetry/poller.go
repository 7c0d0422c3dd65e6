package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"k8s.io/utils/clock"

	"litime-gateway/internal/bms"
)

// LinkState reports whether the BMS link is established.
type LinkState interface {
	Connected() bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithOnUpdate sets a hook run after every successful poll, valid or not.
func WithOnUpdate(fn func(Snapshot)) PollerOption {
	return func(p *Poller) {
		p.onUpdate = fn
	}
}

// WithOnValidityChange sets a hook run once per validity transition.
func WithOnValidityChange(fn func(valid bool, reason error)) PollerOption {
	return func(p *Poller) {
		p.onValidity = fn
	}
}

// Poller refreshes the BMS client and owns the snapshot.
type Poller struct {
	client bms.Client
	link   LinkState
	clock  clock.PassiveClock
	logger *slog.Logger

	onUpdate   func(Snapshot)
	onValidity func(bool, error)

	snap Snapshot
}

func NewPoller(client bms.Client, link LinkState, clk clock.PassiveClock, logger *slog.Logger, opts ...PollerOption) *Poller {
	p := &Poller{
		client: client,
		link:   link,
		clock:  clk,
		logger: logger.With("component", "telemetry"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll refreshes the snapshot. It is a no-op unless the link is connected.
// An update error leaves the previous snapshot untouched.
func (p *Poller) Poll(ctx context.Context) error {
	if !p.link.Connected() {
		return nil
	}
	if err := p.client.Update(ctx); err != nil {
		p.logger.Warn("bms update failed", "err", err)
		return fmt.Errorf("poll: %w", err)
	}

	wasValid := p.snap.Valid
	c := p.client
	p.snap = Snapshot{
		TotalVoltage:      c.TotalVoltage(),
		CellVoltageSum:    c.CellVoltageSum(),
		CellVoltages:      c.CellVoltages(),
		Current:           c.Current(),
		SOC:               c.SOC(),
		SOH:               c.SOH(),
		RemainingAh:       c.RemainingAh(),
		FullCapacityAh:    c.FullCapacityAh(),
		MosfetTemp:        c.MosfetTemp(),
		CellTemp:          c.CellTemp(),
		BatteryState:      c.BatteryState(),
		ProtectionState:   c.ProtectionState(),
		FailureState:      c.FailureState(),
		BalancingState:    c.BalancingState(),
		BalanceMemory:     c.BalanceMemory(),
		HeatState:         c.HeatState(),
		DischargesCount:   c.DischargesCount(),
		DischargesAhCount: c.DischargesAhCount(),
		UpdatedAt:         p.clock.Now(),
	}

	reason := Validate(&p.snap)
	p.snap.Valid = reason == nil

	if p.snap.Valid != wasValid {
		if p.snap.Valid {
			p.logger.Info("telemetry valid", "voltage", p.snap.TotalVoltage, "soc", p.snap.SOC)
		} else {
			p.logger.Warn("telemetry invalid", "reason", reason)
		}
		if p.onValidity != nil {
			p.onValidity(p.snap.Valid, reason)
		}
	}
	if p.onUpdate != nil {
		p.onUpdate(p.snap.Clone())
	}
	return nil
}

// MarkStale withdraws the snapshot after the link went away, so dependents
// stop treating the last readings as current. The next successful poll
// re-evaluates the gate.
func (p *Poller) MarkStale() {
	if !p.snap.Valid {
		return
	}
	p.snap.Valid = false
	p.logger.Info("telemetry stale", "reason", ErrStale)
	if p.onValidity != nil {
		p.onValidity(false, ErrStale)
	}
}

// Current returns the snapshot only if it passed the plausibility gate.
func (p *Poller) Current() (Snapshot, bool) {
	if !p.snap.Valid {
		return Snapshot{}, false
	}
	return p.snap.Clone(), true
}

// Raw returns the last-seen values regardless of validity.
func (p *Poller) Raw() Snapshot {
	return p.snap.Clone()
}

// Valid reports whether the current snapshot passed the gate.
func (p *Poller) Valid() bool {
	return p.snap.Valid
}
