// Package bmstest provides a scripted bms.Client for tests.
package bmstest

import (
	"context"
	"errors"

	"litime-gateway/internal/bms"
)

// ErrScripted is the default error returned by a scripted failure.
var ErrScripted = errors.New("bmstest: scripted failure")

// Client is a bms.Client whose connect and update results are queued ahead
// of time. Once a queue is exhausted the last entry repeats; an empty
// queue means success.
type Client struct {
	ConnectResults []error
	UpdateResults  []error
	// Frames are applied to Status on successive successful updates.
	Frames []bms.Status

	Status    bms.Status
	Connected bool

	ConnectCalls    int
	DisconnectCalls int
	UpdateCalls     int
}

var _ bms.Client = (*Client)(nil)

func next(results []error, call int) error {
	if len(results) == 0 {
		return nil
	}
	if call < len(results) {
		return results[call]
	}
	return results[len(results)-1]
}

func (c *Client) Connect(context.Context) error {
	err := next(c.ConnectResults, c.ConnectCalls)
	c.ConnectCalls++
	if err == nil {
		c.Connected = true
	}
	return err
}

func (c *Client) Disconnect() error {
	c.DisconnectCalls++
	c.Connected = false
	return nil
}

func (c *Client) IsConnected() bool { return c.Connected }

// Drop simulates the peer going away.
func (c *Client) Drop() { c.Connected = false }

func (c *Client) Update(context.Context) error {
	if !c.Connected {
		return bms.ErrNotConnected
	}
	err := next(c.UpdateResults, c.UpdateCalls)
	c.UpdateCalls++
	if err != nil {
		return err
	}
	if len(c.Frames) > 0 {
		c.Status = c.Frames[0]
		if len(c.Frames) > 1 {
			c.Frames = c.Frames[1:]
		}
	}
	return nil
}

func (c *Client) TotalVoltage() float64      { return c.Status.TotalVoltage }
func (c *Client) CellVoltageSum() float64    { return c.Status.CellVoltageSum }
func (c *Client) CellVoltages() []float64    { return append([]float64(nil), c.Status.CellVoltages...) }
func (c *Client) Current() float64           { return c.Status.Current }
func (c *Client) SOC() int                   { return c.Status.SOC }
func (c *Client) SOH() string                { return c.Status.SOH }
func (c *Client) RemainingAh() float64       { return c.Status.RemainingAh }
func (c *Client) FullCapacityAh() float64    { return c.Status.FullCapacityAh }
func (c *Client) MosfetTemp() int            { return c.Status.MosfetTemp }
func (c *Client) CellTemp() int              { return c.Status.CellTemp }
func (c *Client) BatteryState() string       { return c.Status.BatteryState }
func (c *Client) ProtectionState() string    { return c.Status.ProtectionState }
func (c *Client) FailureState() string       { return c.Status.FailureState }
func (c *Client) BalancingState() string     { return c.Status.BalancingState }
func (c *Client) BalanceMemory() string      { return c.Status.BalanceMemory }
func (c *Client) HeatState() string          { return c.Status.HeatState }
func (c *Client) DischargesCount() uint32    { return c.Status.DischargesCount }
func (c *Client) DischargesAhCount() float64 { return c.Status.DischargesAhCount }

// HealthyStatus returns a plausible 16-cell 51.2 V pack reading.
func HealthyStatus() bms.Status {
	cells := make([]float64, 16)
	for i := range cells {
		cells[i] = 3.3
	}
	return bms.Status{
		TotalVoltage:      52.8,
		CellVoltageSum:    52.8,
		CellVoltages:      cells,
		Current:           -4.25,
		SOC:               80,
		SOH:               "100%",
		RemainingAh:       80,
		FullCapacityAh:    100,
		MosfetTemp:        24,
		CellTemp:          21,
		BatteryState:      "Discharging",
		ProtectionState:   "Normal",
		FailureState:      "Normal",
		BalancingState:    "Inactive",
		BalanceMemory:     "0x00000000",
		HeatState:         "Off",
		DischargesCount:   42,
		DischargesAhCount: 3120.5,
	}
}
