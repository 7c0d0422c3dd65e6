package bms

import (
	"encoding/binary"
	"math"
	"testing"
)

func buildFrame(t *testing.T, cells []uint16) []byte {
	t.Helper()
	f := make([]byte, statusFrameLen)
	le := binary.LittleEndian
	le.PutUint32(f[offTotalVoltage:], 52800)
	le.PutUint32(f[offCellVoltageSum:], 52790)
	for i, mv := range cells {
		le.PutUint16(f[offCells+i*2:], mv)
	}
	current, cellTemp := int32(-4250), int16(-5)
	le.PutUint32(f[offCurrent:], uint32(current))
	le.PutUint16(f[offCellTemp:], uint16(cellTemp))
	le.PutUint16(f[offMosfetTemp:], 31)
	le.PutUint16(f[offRemainingAh:], 8050)
	le.PutUint16(f[offFullCapacityAh:], 10000)
	le.PutUint32(f[offHeatState:], 0x80)
	le.PutUint32(f[offBalanceMemory:], 0x0003)
	le.PutUint32(f[offProtection:], 1<<2|1<<8)
	le.PutUint32(f[offBalancing:], 1<<0|1<<3)
	le.PutUint16(f[offBatteryState:], 0x0002)
	le.PutUint16(f[offSOC:], 80)
	le.PutUint32(f[offSOH:], 98)
	le.PutUint32(f[offDischarges:], 42)
	le.PutUint32(f[offDischargedAh:], 3120500)
	return f
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestParseStatus(t *testing.T) {
	frame := buildFrame(t, []uint16{3300, 3301, 3299, 3300})

	st, err := ParseStatus(frame)
	if err != nil {
		t.Fatal(err)
	}

	if !almostEqual(st.TotalVoltage, 52.8) {
		t.Errorf("total voltage = %v, want 52.8", st.TotalVoltage)
	}
	if !almostEqual(st.CellVoltageSum, 52.79) {
		t.Errorf("cell voltage sum = %v, want 52.79", st.CellVoltageSum)
	}
	if len(st.CellVoltages) != 4 {
		t.Fatalf("cells = %d, want 4 (zero entries skipped)", len(st.CellVoltages))
	}
	if !almostEqual(st.CellVoltages[1], 3.301) {
		t.Errorf("cell 2 = %v, want 3.301", st.CellVoltages[1])
	}
	if !almostEqual(st.Current, -4.25) {
		t.Errorf("current = %v, want -4.25", st.Current)
	}
	if st.CellTemp != -5 {
		t.Errorf("cell temp = %d, want -5", st.CellTemp)
	}
	if st.MosfetTemp != 31 {
		t.Errorf("mosfet temp = %d, want 31", st.MosfetTemp)
	}
	if !almostEqual(st.RemainingAh, 80.5) {
		t.Errorf("remaining = %v, want 80.5", st.RemainingAh)
	}
	if !almostEqual(st.FullCapacityAh, 100) {
		t.Errorf("full capacity = %v, want 100", st.FullCapacityAh)
	}
	if st.SOC != 80 {
		t.Errorf("soc = %d, want 80", st.SOC)
	}
	if st.SOH != "98%" {
		t.Errorf("soh = %q, want 98%%", st.SOH)
	}
	if st.BatteryState != "Discharging" {
		t.Errorf("battery state = %q", st.BatteryState)
	}
	if st.ProtectionState != "Cell overvoltage, Short circuit" {
		t.Errorf("protection state = %q", st.ProtectionState)
	}
	if st.FailureState != "Normal" {
		t.Errorf("failure state = %q", st.FailureState)
	}
	if st.BalancingState != "Active (cells 1,4)" {
		t.Errorf("balancing state = %q", st.BalancingState)
	}
	if st.BalanceMemory != "0x00000003" {
		t.Errorf("balance memory = %q", st.BalanceMemory)
	}
	if st.HeatState != "On" {
		t.Errorf("heat state = %q", st.HeatState)
	}
	if st.DischargesCount != 42 {
		t.Errorf("discharges = %d, want 42", st.DischargesCount)
	}
	if !almostEqual(st.DischargesAhCount, 3120.5) {
		t.Errorf("discharged ah = %v, want 3120.5", st.DischargesAhCount)
	}
}

func TestParseStatusShortFrame(t *testing.T) {
	if _, err := ParseStatus(make([]byte, statusFrameLen-1)); err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestStateNames(t *testing.T) {
	if got := protectionStateName(0); got != "Normal" {
		t.Errorf("protection(0) = %q", got)
	}
	if got := protectionStateName(1 << 31); got != "Unknown (0x80000000)" {
		t.Errorf("protection(unknown bit) = %q", got)
	}
	if got := failureStateName(0x10); got != "Fault (0x00000010)" {
		t.Errorf("failure = %q", got)
	}
	if got := batteryStateName(0x0001); got != "Charging" {
		t.Errorf("battery = %q", got)
	}
	if got := heatStateName(0); got != "Off" {
		t.Errorf("heat = %q", got)
	}
}

func TestNotificationReassembly(t *testing.T) {
	c := &LiTimeClient{frames: make(chan []byte, 1)}
	frame := buildFrame(t, []uint16{3300})

	c.handleNotification(frame[:20])
	select {
	case <-c.frames:
		t.Fatal("partial frame delivered")
	default:
	}
	c.handleNotification(frame[20:])

	select {
	case got := <-c.frames:
		if len(got) != statusFrameLen {
			t.Fatalf("frame len = %d, want %d", len(got), statusFrameLen)
		}
	default:
		t.Fatal("complete frame not delivered")
	}
}
