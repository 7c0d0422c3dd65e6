// Package telemetry turns BMS readings into a gated snapshot.
package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// ErrOutOfRange is wrapped by Validate when a reading is implausible.
var ErrOutOfRange = errors.New("telemetry: value out of range")

// ErrStale is reported when the link drops and the last readings are withdrawn.
var ErrStale = errors.New("telemetry: link lost, readings stale")

// Plausibility bounds.
const (
	MinPackVoltage = 10.0
	MaxPackVoltage = 60.0
	MinCellVoltage = 2.0
	MaxCellVoltage = 4.0
	MinSOC         = 0
	MaxSOC         = 100
)

// Snapshot is the last reading copied out of the BMS client.
type Snapshot struct {
	TotalVoltage      float64   `json:"total_voltage"`
	CellVoltageSum    float64   `json:"cell_voltage_sum"`
	CellVoltages      []float64 `json:"cell_voltages"`
	Current           float64   `json:"current"`
	SOC               int       `json:"soc"`
	SOH               string    `json:"soh"`
	RemainingAh       float64   `json:"remaining_ah"`
	FullCapacityAh    float64   `json:"full_capacity_ah"`
	MosfetTemp        int       `json:"mosfet_temp"`
	CellTemp          int       `json:"cell_temp"`
	BatteryState      string    `json:"battery_state"`
	ProtectionState   string    `json:"protection_state"`
	FailureState      string    `json:"failure_state"`
	BalancingState    string    `json:"balancing_state"`
	BalanceMemory     string    `json:"balance_memory"`
	HeatState         string    `json:"heat_state"`
	DischargesCount   uint32    `json:"discharges_count"`
	DischargesAhCount float64   `json:"discharges_ah_count"`

	Valid     bool      `json:"valid"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s Snapshot) Clone() Snapshot {
	s.CellVoltages = append([]float64(nil), s.CellVoltages...)
	return s
}

// Validate applies the plausibility gate. All checks must pass.
func Validate(s *Snapshot) error {
	if s.TotalVoltage < MinPackVoltage || s.TotalVoltage > MaxPackVoltage {
		return fmt.Errorf("%w: pack voltage %.2f V", ErrOutOfRange, s.TotalVoltage)
	}
	if s.SOC < MinSOC || s.SOC > MaxSOC {
		return fmt.Errorf("%w: soc %d%%", ErrOutOfRange, s.SOC)
	}
	if len(s.CellVoltages) == 0 {
		return fmt.Errorf("%w: no cell readings", ErrOutOfRange)
	}
	for i, v := range s.CellVoltages {
		if v < MinCellVoltage || v > MaxCellVoltage {
			return fmt.Errorf("%w: cell %d voltage %.3f V", ErrOutOfRange, i+1, v)
		}
	}
	return nil
}
