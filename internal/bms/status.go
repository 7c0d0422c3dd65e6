package bms

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// statusQuery asks the BMS for a full status frame.
var statusQuery = []byte{0x00, 0x00, 0x04, 0x01, 0x13, 0x55, 0xAA, 0x17}

// Status frame layout (little-endian).
const (
	offTotalVoltage   = 8  // uint32 mV
	offCellVoltageSum = 12 // uint32 mV
	offCells          = 16 // 16 x uint16 mV, 0 = cell absent
	maxCells          = 16
	offCurrent        = 48 // int32 mA
	offCellTemp       = 52 // int16 °C
	offMosfetTemp     = 54 // int16 °C
	offRemainingAh    = 62 // uint16 10 mAh
	offFullCapacityAh = 64 // uint16 10 mAh
	offHeatState      = 68 // uint32 flags
	offBalanceMemory  = 72 // uint32 bitmap
	offProtection     = 76 // uint32 flags
	offFailure        = 80 // uint32 flags
	offBalancing      = 84 // uint32 bitmap
	offBatteryState   = 88 // uint16
	offSOC            = 90 // uint16 %
	offSOH            = 92 // uint32 %
	offDischarges     = 96 // uint32
	offDischargedAh   = 100
	statusFrameLen    = 104
)

// Status is one decoded status frame.
type Status struct {
	TotalVoltage      float64
	CellVoltageSum    float64
	CellVoltages      []float64
	Current           float64
	SOC               int
	SOH               string
	RemainingAh       float64
	FullCapacityAh    float64
	MosfetTemp        int
	CellTemp          int
	BatteryState      string
	ProtectionState   string
	FailureState      string
	BalancingState    string
	BalanceMemory     string
	HeatState         string
	DischargesCount   uint32
	DischargesAhCount float64
}

// ParseStatus decodes a LiTime status frame.
func ParseStatus(frame []byte) (*Status, error) {
	if len(frame) < statusFrameLen {
		return nil, fmt.Errorf("status frame too short: %d bytes, want %d", len(frame), statusFrameLen)
	}
	u16 := func(off int) uint16 { return binary.LittleEndian.Uint16(frame[off:]) }
	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(frame[off:]) }

	s := &Status{
		TotalVoltage:      float64(u32(offTotalVoltage)) / 1000,
		CellVoltageSum:    float64(u32(offCellVoltageSum)) / 1000,
		Current:           float64(int32(u32(offCurrent))) / 1000,
		CellTemp:          int(int16(u16(offCellTemp))),
		MosfetTemp:        int(int16(u16(offMosfetTemp))),
		RemainingAh:       float64(u16(offRemainingAh)) / 100,
		FullCapacityAh:    float64(u16(offFullCapacityAh)) / 100,
		SOC:               int(u16(offSOC)),
		SOH:               fmt.Sprintf("%d%%", u32(offSOH)),
		BatteryState:      batteryStateName(u16(offBatteryState)),
		ProtectionState:   protectionStateName(u32(offProtection)),
		FailureState:      failureStateName(u32(offFailure)),
		BalancingState:    balancingStateName(u32(offBalancing)),
		BalanceMemory:     fmt.Sprintf("0x%08X", u32(offBalanceMemory)),
		HeatState:         heatStateName(u32(offHeatState)),
		DischargesCount:   u32(offDischarges),
		DischargesAhCount: float64(u32(offDischargedAh)) / 1000,
	}
	for i := 0; i < maxCells; i++ {
		mv := u16(offCells + i*2)
		if mv == 0 {
			continue
		}
		s.CellVoltages = append(s.CellVoltages, float64(mv)/1000)
	}
	return s, nil
}

func batteryStateName(v uint16) string {
	switch v {
	case 0x0000:
		return "Idle"
	case 0x0001:
		return "Charging"
	case 0x0002:
		return "Discharging"
	case 0x0004:
		return "Full"
	default:
		return fmt.Sprintf("Unknown (0x%04X)", v)
	}
}

var protectionFlags = []struct {
	bit  uint32
	name string
}{
	{1 << 2, "Cell overvoltage"},
	{1 << 3, "Cell undervoltage"},
	{1 << 4, "Pack overvoltage"},
	{1 << 5, "Pack undervoltage"},
	{1 << 6, "Charge overcurrent"},
	{1 << 7, "Discharge overcurrent"},
	{1 << 8, "Short circuit"},
	{1 << 9, "Charge overtemperature"},
	{1 << 10, "Discharge overtemperature"},
	{1 << 11, "Charge undertemperature"},
	{1 << 12, "Discharge undertemperature"},
	{1 << 13, "MOSFET overtemperature"},
}

func protectionStateName(v uint32) string {
	if v == 0 {
		return "Normal"
	}
	var names []string
	for _, f := range protectionFlags {
		if v&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("Unknown (0x%08X)", v)
	}
	return strings.Join(names, ", ")
}

func failureStateName(v uint32) string {
	if v == 0 {
		return "Normal"
	}
	return fmt.Sprintf("Fault (0x%08X)", v)
}

func balancingStateName(v uint32) string {
	if v == 0 {
		return "Inactive"
	}
	var cells []string
	for i := 0; i < maxCells; i++ {
		if v&(1<<i) != 0 {
			cells = append(cells, fmt.Sprintf("%d", i+1))
		}
	}
	return "Active (cells " + strings.Join(cells, ",") + ")"
}

func heatStateName(v uint32) string {
	if v&0x80 != 0 {
		return "On"
	}
	return "Off"
}
