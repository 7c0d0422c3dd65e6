package link

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	clocktesting "k8s.io/utils/clock/testing"

	"litime-gateway/internal/bms/bmstest"
)

const testMAC = "C8:47:80:3F:67:7C"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T, client *bmstest.Client, opts ...Option) (*Manager, *clocktesting.FakeClock) {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(client, clk, testMAC, true, newTestLogger(), opts...), clk
}

func TestRequestConnectSingleInFlight(t *testing.T) {
	client := &bmstest.Client{}
	m, _ := newTestManager(t, client)

	if !m.RequestConnect() {
		t.Fatal("first request rejected")
	}
	if m.State() != Pending {
		t.Fatalf("state = %v, want pending", m.State())
	}
	if m.RequestConnect() {
		t.Error("second request accepted while pending")
	}

	m.Tick(context.Background())
	if client.ConnectCalls != 1 {
		t.Errorf("connect calls = %d, want 1", client.ConnectCalls)
	}
	if m.State() != Connected {
		t.Fatalf("state = %v, want connected", m.State())
	}
	if m.RequestConnect() {
		t.Error("request accepted while connected")
	}

	m.Tick(context.Background())
	if client.ConnectCalls != 1 {
		t.Errorf("connect called again while connected: %d", client.ConnectCalls)
	}
}

func TestRequestConnectPreconditions(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())

	disabled := New(&bmstest.Client{}, clk, testMAC, false, newTestLogger())
	if disabled.RequestConnect() {
		t.Error("request accepted while disabled")
	}

	for _, id := range []string{"", "C8:47:80:3F:67", "not-a-mac-address"} {
		m := New(&bmstest.Client{}, clk, id, true, newTestLogger())
		if m.RequestConnect() {
			t.Errorf("request accepted with device id %q", id)
		}
	}
}

func TestConnectSuccessRunsHook(t *testing.T) {
	client := &bmstest.Client{}
	var hookCalls int
	var states []State
	m, _ := newTestManager(t, client,
		WithOnConnected(func(context.Context) { hookCalls++ }),
		WithOnStateChange(func(s State) { states = append(states, s) }),
	)

	m.RequestConnect()
	m.Tick(context.Background())

	if hookCalls != 1 {
		t.Errorf("on connected calls = %d, want 1", hookCalls)
	}
	want := []State{Pending, Connected}
	if len(states) != len(want) || states[0] != want[0] || states[1] != want[1] {
		t.Errorf("state changes = %v, want %v", states, want)
	}
}

func TestConnectFailureReturnsToDisconnected(t *testing.T) {
	client := &bmstest.Client{ConnectResults: []error{bmstest.ErrScripted}}
	m, _ := newTestManager(t, client)

	m.RequestConnect()
	m.Tick(context.Background())

	if m.State() != Disconnected {
		t.Fatalf("state = %v, want disconnected", m.State())
	}
	if !errors.Is(m.LastError(), ErrConnectRejected) {
		t.Errorf("last error = %v, want ErrConnectRejected", m.LastError())
	}
}

func TestHealthCheckRetriesEveryThirtySeconds(t *testing.T) {
	client := &bmstest.Client{ConnectResults: []error{bmstest.ErrScripted}}
	m, clk := newTestManager(t, client)

	m.RequestConnect()
	m.Tick(context.Background()) // fails, retry wait starts

	clk.Step(29 * time.Second)
	m.CheckHealth()
	if m.State() != Disconnected {
		t.Fatalf("request raised after 29s: state = %v", m.State())
	}

	clk.Step(time.Second)
	m.CheckHealth()
	if m.State() != Pending {
		t.Fatalf("no request after 30s: state = %v", m.State())
	}
	m.Tick(context.Background())
	if client.ConnectCalls != 2 {
		t.Errorf("connect calls = %d, want 2", client.ConnectCalls)
	}

	// The failed retry restarts the window.
	clk.Step(10 * time.Second)
	m.CheckHealth()
	if m.State() != Disconnected {
		t.Errorf("second request inside the same window: state = %v", m.State())
	}
}

func TestLossDetected(t *testing.T) {
	client := &bmstest.Client{}
	m, clk := newTestManager(t, client)

	m.RequestConnect()
	m.Tick(context.Background())
	client.Drop()
	m.Tick(context.Background())

	if m.State() != Disconnected {
		t.Fatalf("state = %v, want disconnected after loss", m.State())
	}

	clk.Step(DefaultRetryInterval)
	m.CheckHealth()
	if m.State() != Pending {
		t.Errorf("state = %v, want pending after retry interval", m.State())
	}
}

func TestDisableTearsDown(t *testing.T) {
	client := &bmstest.Client{}
	m, clk := newTestManager(t, client)

	m.RequestConnect()
	m.Tick(context.Background())
	m.SetEnabled(false)

	if client.DisconnectCalls != 1 {
		t.Errorf("disconnect calls = %d, want 1", client.DisconnectCalls)
	}
	if m.State() != Disconnected {
		t.Errorf("state = %v, want disconnected", m.State())
	}

	clk.Step(time.Hour)
	m.CheckHealth()
	if m.State() != Disconnected {
		t.Errorf("disabled link raised a request: %v", m.State())
	}

	m.SetEnabled(true)
	if m.State() != Pending {
		t.Errorf("state after enable = %v, want pending", m.State())
	}
}

func TestDisableClearsPending(t *testing.T) {
	client := &bmstest.Client{}
	m, _ := newTestManager(t, client)

	m.RequestConnect()
	m.SetEnabled(false)
	m.Tick(context.Background())

	if client.ConnectCalls != 0 {
		t.Errorf("connect calls = %d, want 0 after disable", client.ConnectCalls)
	}
	if client.DisconnectCalls != 0 {
		t.Errorf("disconnect called for a pending link")
	}
}

func TestExponentialRetryPolicy(t *testing.T) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Minute
	bo.Reset()

	client := &bmstest.Client{ConnectResults: []error{bmstest.ErrScripted}}
	m, clk := newTestManager(t, client, WithRetryPolicy(bo))

	m.RequestConnect()
	m.Tick(context.Background()) // wait 10s

	clk.Step(10 * time.Second)
	m.CheckHealth()
	if m.State() != Pending {
		t.Fatalf("first retry not raised after 10s")
	}
	m.Tick(context.Background()) // wait 20s

	clk.Step(10 * time.Second)
	m.CheckHealth()
	if m.State() != Disconnected {
		t.Fatalf("second retry raised before 20s")
	}
	clk.Step(10 * time.Second)
	m.CheckHealth()
	if m.State() != Pending {
		t.Errorf("second retry not raised after 20s")
	}
}

func TestHealthCheckWaitsFromStart(t *testing.T) {
	client := &bmstest.Client{}
	m, clk := newTestManager(t, client)

	m.CheckHealth()
	if m.State() != Disconnected {
		t.Fatalf("request raised before any wait: state = %v", m.State())
	}
	clk.Step(DefaultRetryInterval - time.Second)
	m.CheckHealth()
	if m.State() != Disconnected {
		t.Fatalf("request raised after %v: state = %v", DefaultRetryInterval-time.Second, m.State())
	}
	clk.Step(time.Second)
	m.CheckHealth()
	if m.State() != Pending {
		t.Errorf("no request after %v: state = %v", DefaultRetryInterval, m.State())
	}
}

func TestFirstWaitKeepsPolicyPosition(t *testing.T) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	m, _ := newTestManager(t, &bmstest.Client{}, WithRetryPolicy(bo))
	if m.retryWait != 10*time.Second {
		t.Errorf("initial wait = %v, want 10s", m.retryWait)
	}
	if next := bo.NextBackOff(); next != 10*time.Second {
		t.Errorf("policy advanced by New: next = %v", next)
	}
}
