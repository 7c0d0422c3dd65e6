// Package bms defines the battery-management unit client consumed by the
// gateway, plus a LiTime implementation over Bluetooth LE.
package bms

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by Update when no link is established.
var ErrNotConnected = errors.New("bms: not connected")

// Client is a connection to one BMS. Getters return the values decoded by
// the most recent successful Update.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	// Update requests a fresh status frame and decodes it.
	Update(ctx context.Context) error

	TotalVoltage() float64
	CellVoltageSum() float64
	CellVoltages() []float64
	Current() float64
	SOC() int
	SOH() string
	RemainingAh() float64
	FullCapacityAh() float64
	MosfetTemp() int
	CellTemp() int
	BatteryState() string
	ProtectionState() string
	FailureState() string
	BalancingState() string
	BalanceMemory() string
	HeatState() string
	DischargesCount() uint32
	DischargesAhCount() float64
}
