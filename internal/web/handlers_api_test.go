package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"litime-gateway/internal/gateway"
	"litime-gateway/internal/store"
	"litime-gateway/internal/telemetry"
	"litime-gateway/internal/timesync"
	"litime-gateway/internal/webhook"
	"litime-gateway/internal/wifi"
)

// stubController records control calls and returns canned results.
type stubController struct {
	events    *gateway.EventBus
	status    gateway.Status
	statusErr error
	err       error

	networks   []wifi.Network
	outcome    webhook.Outcome
	hasOutcome bool
	connectIP  string

	linkEnabled *bool
	device      *store.DeviceSettings
	hook        *store.WebhookSettings
	timezone    string
	synced      bool
	reset       bool
	tested      bool
	ssid        string
}

func (c *stubController) Status(context.Context) (gateway.Status, error) {
	return c.status, c.statusErr
}

func (c *stubController) LastWebhook(context.Context) (webhook.Outcome, bool, error) {
	return c.outcome, c.hasOutcome, c.err
}

func (c *stubController) SetLinkEnabled(_ context.Context, enabled bool) error {
	c.linkEnabled = &enabled
	return c.err
}

func (c *stubController) UpdateDevice(_ context.Context, d store.DeviceSettings) error {
	c.device = &d
	return c.err
}

func (c *stubController) UpdateWebhook(_ context.Context, w store.WebhookSettings) error {
	c.hook = &w
	return c.err
}

func (c *stubController) TestWebhook(context.Context) (webhook.Outcome, error) {
	c.tested = true
	return c.outcome, c.err
}

func (c *stubController) ScanNetworks(context.Context) ([]wifi.Network, error) {
	return c.networks, c.err
}

func (c *stubController) ConnectNetwork(_ context.Context, ssid, _ string) (string, error) {
	c.ssid = ssid
	return c.connectIP, c.err
}

func (c *stubController) ResetNetwork(context.Context) error {
	c.reset = true
	return c.err
}

func (c *stubController) SetTimezone(_ context.Context, tz string) error {
	c.timezone = tz
	return c.err
}

func (c *stubController) SyncTime(context.Context) error {
	c.synced = true
	return c.err
}

func (c *stubController) Events() *gateway.EventBus {
	return c.events
}

func testStatus() gateway.Status {
	at := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	return gateway.Status{
		Device: "garage-battery",
		Valid:  true,
		Telemetry: telemetry.Snapshot{
			TotalVoltage: 13.28,
			CellVoltages: []float64{3.321, 3.320, 3.319, 3.320},
			Current:      -2.5,
			SOC:          87,
			SOH:          "100%",
			Valid:        true,
			UpdatedAt:    at,
		},
		Link:      gateway.LinkStatus{State: "connected", Enabled: true, DeviceID: "C8:47:80:12:34:56"},
		WiFi:      wifi.Status{Mode: wifi.Station, SSID: "home", IP: "192.168.1.40", Connected: true},
		Time:      timesync.Status{Server: "pool.ntp.org", Synced: true, Timezone: "UTC"},
		LocalTime: at,
		Settings: store.Settings{
			Device: store.DeviceSettings{
				DeviceID:     "C8:47:80:12:34:56",
				PollInterval: 20 * time.Second,
				LinkEnabled:  true,
			},
			Webhook: store.WebhookSettings{
				URL:      "http://ha.local/api/webhook/battery",
				Interval: 60 * time.Second,
				Enabled:  true,
			},
			Timezone: "UTC",
		},
		Uptime: 90 * time.Second,
	}
}

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *stubController) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctrl := &stubController{
		events: gateway.NewEventBus(logger),
		status: testStatus(),
	}
	srv, err := NewServer(ctrl, logger, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)
	return srv, ctrl
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	return w
}

func TestAPIStatus(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(srv, "GET", "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var got struct {
		Device    string `json:"device"`
		Valid     bool   `json:"valid"`
		LocalTime string `json:"local_time"`
		Uptime    int64  `json:"uptime"`
		Telemetry struct {
			TotalVoltage float64   `json:"total_voltage"`
			CellVoltages []float64 `json:"cell_voltages"`
			SOC          int       `json:"soc"`
		} `json:"telemetry"`
		WiFi struct {
			Mode string `json:"mode"`
		} `json:"wifi"`
		Settings struct {
			PollInterval    int `json:"poll_interval"`
			WebhookInterval int `json:"webhook_interval"`
		} `json:"settings"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Device != "garage-battery" || !got.Valid {
		t.Errorf("device = %q valid = %v", got.Device, got.Valid)
	}
	if got.Telemetry.TotalVoltage != 13.28 || got.Telemetry.SOC != 87 || len(got.Telemetry.CellVoltages) != 4 {
		t.Errorf("telemetry = %+v", got.Telemetry)
	}
	if got.WiFi.Mode != "station" {
		t.Errorf("wifi mode = %q, want station", got.WiFi.Mode)
	}
	if got.Settings.PollInterval != 20 || got.Settings.WebhookInterval != 60 {
		t.Errorf("settings = %+v", got.Settings)
	}
	if got.LocalTime != "2026-03-01T10:30:00Z" || got.Uptime != 90 {
		t.Errorf("local_time = %q uptime = %d", got.LocalTime, got.Uptime)
	}
}

func TestAPIStatusStopped(t *testing.T) {
	srv, ctrl := setupTestServer(t)
	ctrl.statusErr = gateway.ErrStopped

	w := doRequest(srv, "GET", "/api/status", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestAPISetLink(t *testing.T) {
	srv, ctrl := setupTestServer(t)

	w := doRequest(srv, "POST", "/api/link", `{"enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ctrl.linkEnabled == nil || *ctrl.linkEnabled {
		t.Errorf("SetLinkEnabled got %v, want false", ctrl.linkEnabled)
	}
}

func TestAPIUpdateDeviceMergesFields(t *testing.T) {
	srv, ctrl := setupTestServer(t)

	w := doRequest(srv, "POST", "/api/device", `{"poll_interval":45}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ctrl.device == nil {
		t.Fatal("UpdateDevice not called")
	}
	if ctrl.device.PollInterval != 45*time.Second {
		t.Errorf("poll interval = %v, want 45s", ctrl.device.PollInterval)
	}
	if ctrl.device.DeviceID != "C8:47:80:12:34:56" || !ctrl.device.LinkEnabled {
		t.Errorf("unset fields changed: %+v", *ctrl.device)
	}

	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["restart"] != false {
		t.Errorf("restart = %v, want false", resp["restart"])
	}
}

func TestAPIUpdateDeviceIDChangeReportsRestart(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(srv, "POST", "/api/device", `{"device_id":"C8:47:80:AA:BB:CC"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["restart"] != true {
		t.Errorf("restart = %v, want true", resp["restart"])
	}
}

func TestAPIErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid device id", gateway.ErrInvalidDeviceID, "POST", "/api/device", `{"device_id":"nope"}`, http.StatusBadRequest},
		{"invalid webhook url", fmt.Errorf("update: %w", gateway.ErrInvalidWebhookURL), "POST", "/api/webhook", `{"url":"ftp://x"}`, http.StatusBadRequest},
		{"missing ssid", gateway.ErrInvalidSSID, "POST", "/api/wifi/connect", `{"ssid":""}`, http.StatusBadRequest},
		{"unknown timezone", timesync.ErrUnknownTimezone, "POST", "/api/time", `{"timezone":"Mars/Base"}`, http.StatusBadRequest},
		{"sync in access point", gateway.ErrNotStation, "POST", "/api/time", `{"sync":true}`, http.StatusConflict},
		{"switch timeout", wifi.ErrSwitchTimeout, "POST", "/api/wifi/connect", `{"ssid":"home"}`, http.StatusGatewayTimeout},
		{"storage failure", errors.New("disk full"), "POST", "/api/link", `{"enabled":true}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, ctrl := setupTestServer(t)
			ctrl.err = tt.err

			w := doRequest(srv, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			var resp map[string]string
			json.NewDecoder(w.Body).Decode(&resp)
			if resp["error"] == "" {
				t.Error("error message missing from response")
			}
		})
	}
}

func TestAPIInvalidBody(t *testing.T) {
	srv, ctrl := setupTestServer(t)

	w := doRequest(srv, "POST", "/api/webhook", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if ctrl.hook != nil {
		t.Error("UpdateWebhook should not be called for a malformed body")
	}
}

func TestAPIUpdateWebhookSeconds(t *testing.T) {
	srv, ctrl := setupTestServer(t)

	w := doRequest(srv, "POST", "/api/webhook", `{"url":"https://example.com/hook","interval":120,"enabled":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	want := store.WebhookSettings{URL: "https://example.com/hook", Interval: 2 * time.Minute, Enabled: true}
	if ctrl.hook == nil || *ctrl.hook != want {
		t.Errorf("UpdateWebhook got %+v, want %+v", ctrl.hook, want)
	}
}

func TestAPIWebhookOutcome(t *testing.T) {
	srv, ctrl := setupTestServer(t)

	w := doRequest(srv, "GET", "/api/webhook", "")
	var none map[string]any
	json.NewDecoder(w.Body).Decode(&none)
	if none["attempted"] != false {
		t.Errorf("before any attempt: %v", none)
	}

	ctrl.outcome = webhook.Outcome{Kind: webhook.HTTPStatus, Code: 404, Body: "not found"}
	ctrl.hasOutcome = true

	w = doRequest(srv, "GET", "/api/webhook", "")
	var got struct {
		Kind    string `json:"kind"`
		Code    int    `json:"code"`
		Body    string `json:"body"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Code != 404 || got.Body != "not found" || got.Message == "" {
		t.Errorf("outcome = %+v", got)
	}
}

func TestAPITestWebhook(t *testing.T) {
	srv, ctrl := setupTestServer(t)
	ctrl.outcome = webhook.Outcome{Kind: webhook.HTTPStatus, Code: 200, Success: true}

	w := doRequest(srv, "POST", "/api/webhook/test", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !ctrl.tested {
		t.Error("TestWebhook not called")
	}
}

func TestAPIScanEmptyIsArray(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := doRequest(srv, "GET", "/api/wifi/scan", "")
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestAPIConnect(t *testing.T) {
	srv, ctrl := setupTestServer(t)
	ctrl.connectIP = "192.168.1.77"

	w := doRequest(srv, "POST", "/api/wifi/connect", `{"ssid":"home","password":"secret"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["ip"] != "192.168.1.77" || ctrl.ssid != "home" {
		t.Errorf("resp = %v ssid = %q", resp, ctrl.ssid)
	}
}

func TestAPIResetAndTime(t *testing.T) {
	srv, ctrl := setupTestServer(t)

	if w := doRequest(srv, "POST", "/api/wifi/reset", ""); w.Code != http.StatusOK || !ctrl.reset {
		t.Errorf("reset: status = %d called = %v", w.Code, ctrl.reset)
	}
	if w := doRequest(srv, "POST", "/api/time", `{"timezone":"Europe/Berlin","sync":true}`); w.Code != http.StatusOK {
		t.Errorf("time: status = %d", w.Code)
	}
	if ctrl.timezone != "Europe/Berlin" || !ctrl.synced {
		t.Errorf("timezone = %q synced = %v", ctrl.timezone, ctrl.synced)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("s3cret"))

	if w := doRequest(srv, "GET", "/api/status", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("without key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	r := httptest.NewRequest("GET", "/api/status", nil)
	r.Header.Set("X-API-Key", "s3cret")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("with key: status = %d, want %d", w.Code, http.StatusOK)
	}

	// Pages stay reachable so the browser can load the dashboard.
	if w := doRequest(srv, "GET", "/", ""); w.Code != http.StatusOK {
		t.Errorf("index: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestCORS(t *testing.T) {
	srv, _ := setupTestServer(t, WithAllowedOrigins([]string{"http://dash.local"}))

	tests := []struct {
		name   string
		method string
		origin string
		want   int
	}{
		{"preflight allowed", "OPTIONS", "http://dash.local", http.StatusNoContent},
		{"preflight denied", "OPTIONS", "http://evil.example", http.StatusForbidden},
		{"post denied", "POST", "http://evil.example", http.StatusForbidden},
		{"get from any origin", "GET", "http://evil.example", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := ""
			if tt.method == "POST" {
				body = `{"enabled":true}`
			}
			path := "/api/status"
			if tt.method != "GET" {
				path = "/api/link"
			}
			var r *http.Request
			if body != "" {
				r = httptest.NewRequest(tt.method, path, strings.NewReader(body))
			} else {
				r = httptest.NewRequest(tt.method, path, nil)
			}
			r.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, r)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestPagesRender(t *testing.T) {
	srv, _ := setupTestServer(t, WithVersion("1.2.3"))

	tests := []struct {
		path string
		want []string
	}{
		{"/", []string{"garage-battery", "13.28", "3.321 V", "C8:47:80:12:34:56", "1.2.3"}},
		{"/settings", []string{"garage-battery", `value="20"`, "http://ha.local/api/webhook/battery", "1.2.3"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := doRequest(srv, "GET", tt.path, "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}
			body := w.Body.String()
			for _, s := range tt.want {
				if !strings.Contains(body, s) {
					t.Errorf("page missing %q", s)
				}
			}
		})
	}
}

func TestInvalidReadingsNotShown(t *testing.T) {
	srv, ctrl := setupTestServer(t)
	ctrl.status.Valid = false
	ctrl.status.Telemetry.TotalVoltage = 5.0

	w := doRequest(srv, "GET", "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if string(got["telemetry"]) != "null" {
		t.Errorf("telemetry = %s, want null", got["telemetry"])
	}

	w = doRequest(srv, "GET", "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("page status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "no valid readings") {
		t.Error("page does not flag missing readings")
	}
	for _, s := range []string{"5.00", "3.321 V"} {
		if strings.Contains(body, s) {
			t.Errorf("page shows rejected reading %q", s)
		}
	}
}

func TestStaticAssets(t *testing.T) {
	srv, _ := setupTestServer(t)

	for _, path := range []string{"/static/app.js", "/static/style.css"} {
		if w := doRequest(srv, "GET", path, ""); w.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, w.Code)
		}
	}
}
