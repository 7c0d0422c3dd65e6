// Package console echoes telemetry as a framed text table, either to a
// serial port or to standard output.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"go.bug.st/serial"

	"litime-gateway/internal/telemetry"
)

// innerWidth is the number of columns between the box borders.
const innerWidth = 50

// Open returns the echo destination: the serial port when one is named,
// stdout otherwise. The returned closer is a no-op for stdout.
func Open(port string, baud int) (io.WriteCloser, error) {
	if port == "" {
		return nopCloser{os.Stdout}, nil
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("console: open %s: %w", port, err)
	}
	return p, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Printer renders snapshots.
type Printer struct {
	w io.Writer
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Print writes one status table. Write errors are returned but the table
// is best-effort.
func (p *Printer) Print(s telemetry.Snapshot) error {
	var b strings.Builder
	rule := strings.Repeat("═", innerWidth+2)

	b.WriteString(rule + "\n")
	b.WriteString(center("LiTime BMS Status", innerWidth+2) + "\n")
	b.WriteString(rule + "\n")

	section(&b, "Voltages",
		row("Total voltage", fmt.Sprintf("%7.2f V", s.TotalVoltage)),
		row("Cell sum", fmt.Sprintf("%7.2f V", s.CellVoltageSum)),
	)

	if len(s.CellVoltages) > 0 {
		cells := make([]string, len(s.CellVoltages))
		for i, v := range s.CellVoltages {
			cells[i] = row(fmt.Sprintf("Cell %2d", i+1), fmt.Sprintf("%7.3f V", v))
		}
		section(&b, "Cells", cells...)
	}

	section(&b, "Current & capacity",
		row("Current", fmt.Sprintf("%7.2f A", s.Current)),
		row("SOC", fmt.Sprintf("%7d %%", s.SOC)),
		row("SOH", s.SOH),
		row("Remaining", fmt.Sprintf("%7.2f Ah", s.RemainingAh)),
		row("Full capacity", fmt.Sprintf("%7.2f Ah", s.FullCapacityAh)),
	)

	section(&b, "Temperatures",
		row("MOSFET", fmt.Sprintf("%7d °C", s.MosfetTemp)),
		row("Cells", fmt.Sprintf("%7d °C", s.CellTemp)),
	)

	section(&b, "Status",
		row("Battery", s.BatteryState),
		row("Protection", s.ProtectionState),
		row("Failure", s.FailureState),
		row("Balancing", s.BalancingState),
		row("Balance memory", s.BalanceMemory),
		row("Heater", s.HeatState),
	)

	section(&b, "Statistics",
		row("Discharge cycles", fmt.Sprintf("%7d", s.DischargesCount)),
		row("Discharged", fmt.Sprintf("%7.2f Ah", s.DischargesAhCount)),
	)

	if !s.Valid {
		b.WriteString("!! readings failed plausibility checks\n")
	}
	b.WriteString("\n")

	_, err := io.WriteString(p.w, b.String())
	return err
}

func section(b *strings.Builder, title string, rows ...string) {
	label := " " + title + " "
	fill := innerWidth - utf8.RuneCountInString(label)
	left := fill / 2
	b.WriteString("┌" + strings.Repeat("─", left) + label + strings.Repeat("─", fill-left) + "┐\n")
	for _, r := range rows {
		b.WriteString(r)
	}
	b.WriteString("└" + strings.Repeat("─", innerWidth) + "┘\n")
}

func row(label, value string) string {
	text := fmt.Sprintf(" %-18s %s", label+":", value)
	return "│" + pad(text, innerWidth) + "│\n"
}

func pad(s string, width int) string {
	n := utf8.RuneCountInString(s)
	if n >= width {
		return string([]rune(s)[:width])
	}
	return s + strings.Repeat(" ", width-n)
}

func center(s string, width int) string {
	n := utf8.RuneCountInString(s)
	if n >= width {
		return s
	}
	return strings.Repeat(" ", (width-n)/2) + s
}
