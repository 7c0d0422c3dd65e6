package wifi

import (
	"context"
	"strings"
	"testing"
)

func TestSplitTerse(t *testing.T) {
	got := splitTerse(`Cafe\:Guest:72:WPA2`)
	want := []string{"Cafe:Guest", "72", "WPA2"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("splitTerse = %q, want %q", got, want)
	}
	if splitTerse("") != nil {
		t.Error("empty line produced fields")
	}
}

func TestParseScan(t *testing.T) {
	out := []byte("home:40:WPA2\nhome:81:WPA2\n:30:WPA2\nopen-net:55:\nlegacy:20:--\n")
	nets := parseScan(out)
	if len(nets) != 3 {
		t.Fatalf("networks = %+v", nets)
	}
	if nets[0].SSID != "home" || nets[0].Signal != 81 || !nets[0].Secured {
		t.Errorf("home = %+v", nets[0])
	}
	if nets[1].Secured || nets[2].Secured {
		t.Errorf("open networks marked secured: %+v", nets[1:])
	}
}

func TestNMCLIConnected(t *testing.T) {
	r := NewNMCLIRadio("wlan0", newTestLogger())
	var gotArgs []string
	r.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return []byte("eth0:connected\nwlan0:connected\nlo:unmanaged\n"), nil
	}
	if !r.Connected() {
		t.Error("wlan0 reported down")
	}
	if gotArgs[0] != "nmcli" {
		t.Errorf("command = %v", gotArgs)
	}

	r.run = func(context.Context, string, ...string) ([]byte, error) {
		return []byte("wlan0:disconnected\n"), nil
	}
	if r.Connected() {
		t.Error("wlan0 reported up")
	}
}

func TestNMCLIJoinDoesNotWait(t *testing.T) {
	r := NewNMCLIRadio("wlan0", newTestLogger())
	var started []string
	r.start = func(name string, args ...string) error {
		started = append([]string{name}, args...)
		return nil
	}
	if err := r.Join(context.Background(), "home", "secret"); err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(started, " ")
	if joined != "nmcli device wifi connect home ifname wlan0 password secret" {
		t.Errorf("started %q", joined)
	}
}
