package wifi

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	apConnection   = "litime-ap"
	commandTimeout = 10 * time.Second
)

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// NMCLIRadio drives a NetworkManager-managed interface through nmcli.
type NMCLIRadio struct {
	iface  string
	logger *slog.Logger
	run    commandRunner
	// start launches a command without waiting for it.
	start func(name string, args ...string) error
}

func NewNMCLIRadio(iface string, logger *slog.Logger) *NMCLIRadio {
	r := &NMCLIRadio{
		iface:  iface,
		logger: logger.With("component", "nmcli"),
		run:    execRunner,
	}
	r.start = r.startAsync
	return r
}

func (r *NMCLIRadio) startAsync(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			r.logger.Debug("background command exited", "args", args, "err", err)
		}
	}()
	return nil
}

func (r *NMCLIRadio) nmcli(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return r.run(ctx, "nmcli", args...)
}

func (r *NMCLIRadio) Join(_ context.Context, ssid, password string) error {
	args := []string{"device", "wifi", "connect", ssid, "ifname", r.iface}
	if password != "" {
		args = append(args, "password", password)
	}
	return r.start("nmcli", args...)
}

func (r *NMCLIRadio) Connected() bool {
	out, err := r.nmcli(context.Background(), "-t", "-f", "DEVICE,STATE", "device", "status")
	if err != nil {
		r.logger.Debug("device status", "err", err)
		return false
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := splitTerse(line)
		if len(fields) >= 2 && fields[0] == r.iface {
			return fields[1] == "connected"
		}
	}
	return false
}

func (r *NMCLIRadio) Reconnect() error {
	return r.start("nmcli", "device", "connect", r.iface)
}

func (r *NMCLIRadio) StartAccessPoint(ssid, passphrase, address string) error {
	ctx := context.Background()
	_, _ = r.nmcli(ctx, "connection", "delete", apConnection)
	_, err := r.nmcli(ctx, "connection", "add",
		"type", "wifi", "ifname", r.iface, "con-name", apConnection,
		"autoconnect", "no", "ssid", ssid,
		"802-11-wireless.mode", "ap", "802-11-wireless.band", "bg",
		"ipv4.method", "shared", "ipv4.addresses", address,
		"wifi-sec.key-mgmt", "wpa-psk", "wifi-sec.psk", passphrase)
	if err != nil {
		return err
	}
	_, err = r.nmcli(ctx, "connection", "up", apConnection)
	return err
}

func (r *NMCLIRadio) Shutdown() error {
	ctx := context.Background()
	_, _ = r.nmcli(ctx, "connection", "down", apConnection)
	_, err := r.nmcli(ctx, "device", "disconnect", r.iface)
	return err
}

func (r *NMCLIRadio) LocalIP() string {
	ifi, err := net.InterfaceByName(r.iface)
	if err != nil {
		return ""
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
			return ipn.IP.String()
		}
	}
	return ""
}

func (r *NMCLIRadio) HardwareAddr() (net.HardwareAddr, error) {
	ifi, err := net.InterfaceByName(r.iface)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", r.iface, err)
	}
	return ifi.HardwareAddr, nil
}

func (r *NMCLIRadio) Scan(ctx context.Context) ([]Network, error) {
	out, err := r.nmcli(ctx, "-t", "-f", "SSID,SIGNAL,SECURITY", "device", "wifi", "list", "ifname", r.iface, "--rescan", "yes")
	if err != nil {
		return nil, err
	}
	return parseScan(out), nil
}

// parseScan reads terse nmcli output, keeping the strongest entry per SSID.
func parseScan(out []byte) []Network {
	var nets []Network
	index := map[string]int{}
	for _, line := range strings.Split(string(out), "\n") {
		fields := splitTerse(line)
		if len(fields) < 3 || fields[0] == "" {
			continue
		}
		signal, _ := strconv.Atoi(fields[1])
		n := Network{
			SSID:    fields[0],
			Signal:  signal,
			Secured: fields[2] != "" && fields[2] != "--",
		}
		if i, ok := index[n.SSID]; ok {
			if n.Signal > nets[i].Signal {
				nets[i] = n
			}
			continue
		}
		index[n.SSID] = len(nets)
		nets = append(nets, n)
	}
	return nets
}

// splitTerse splits a terse nmcli line on unescaped colons.
func splitTerse(line string) []string {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return nil
	}
	var fields []string
	var cur strings.Builder
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case c == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(fields, cur.String())
}
