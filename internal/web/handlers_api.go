package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"litime-gateway/internal/gateway"
	"litime-gateway/internal/store"
	"litime-gateway/internal/telemetry"
	"litime-gateway/internal/timesync"
	"litime-gateway/internal/webhook"
	"litime-gateway/internal/wifi"
)

const maxBodyBytes = 1 << 16

// settingsView exposes intervals in whole seconds.
type settingsView struct {
	DeviceID        string `json:"device_id"`
	PollInterval    int    `json:"poll_interval"`
	LinkEnabled     bool   `json:"link_enabled"`
	ConsoleEcho     bool   `json:"console_echo"`
	WebhookURL      string `json:"webhook_url"`
	WebhookInterval int    `json:"webhook_interval"`
	WebhookEnabled  bool   `json:"webhook_enabled"`
	Timezone        string `json:"timezone"`
}

type webhookView struct {
	webhook.Outcome
	Message string `json:"message"`
}

// statusView is the JSON and template view of gateway.Status. Telemetry
// is null while there are no valid readings.
type statusView struct {
	Device    string              `json:"device"`
	Valid     bool                `json:"valid"`
	Telemetry *telemetry.Snapshot `json:"telemetry"`
	Link      gateway.LinkStatus  `json:"link"`
	WiFi      wifi.Status         `json:"wifi"`
	Time      timesync.Status     `json:"time"`
	LocalTime string              `json:"local_time"`
	Settings  settingsView        `json:"settings"`
	Webhook   *webhookView        `json:"webhook,omitempty"`
	Uptime    int64               `json:"uptime"`
}

func newStatusView(st gateway.Status) statusView {
	v := statusView{
		Device:    st.Device,
		Valid:     st.Valid,
		Link:      st.Link,
		WiFi:      st.WiFi,
		Time:      st.Time,
		LocalTime: st.LocalTime.Format(time.RFC3339),
		Settings:  newSettingsView(st.Settings),
		Uptime:    int64(st.Uptime / time.Second),
	}
	if st.Valid {
		snap := st.Telemetry
		v.Telemetry = &snap
	}
	if st.Webhook != nil {
		v.Webhook = &webhookView{Outcome: *st.Webhook, Message: st.Webhook.Message()}
	}
	return v
}

func newSettingsView(s store.Settings) settingsView {
	return settingsView{
		DeviceID:        s.Device.DeviceID,
		PollInterval:    int(s.Device.PollInterval / time.Second),
		LinkEnabled:     s.Device.LinkEnabled,
		ConsoleEcho:     s.Device.ConsoleEcho,
		WebhookURL:      s.Webhook.URL,
		WebhookInterval: int(s.Webhook.Interval / time.Second),
		WebhookEnabled:  s.Webhook.Enabled,
		Timezone:        s.Timezone,
	}
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newStatusView(st))
}

type linkRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleAPISetLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ctrl.SetLinkEnabled(r.Context(), req.Enabled); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "enabled": req.Enabled})
}

// deviceRequest fields left out keep their current value.
type deviceRequest struct {
	DeviceID     *string `json:"device_id"`
	PollInterval *int    `json:"poll_interval"`
	LinkEnabled  *bool   `json:"link_enabled"`
	ConsoleEcho  *bool   `json:"console_echo"`
}

func (s *Server) handleAPIUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !s.decode(w, r, &req) {
		return
	}
	st, err := s.ctrl.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	d := st.Settings.Device
	if req.DeviceID != nil {
		d.DeviceID = *req.DeviceID
	}
	if req.PollInterval != nil {
		d.PollInterval = time.Duration(*req.PollInterval) * time.Second
	}
	if req.LinkEnabled != nil {
		d.LinkEnabled = *req.LinkEnabled
	}
	if req.ConsoleEcho != nil {
		d.ConsoleEcho = *req.ConsoleEcho
	}

	if err := s.ctrl.UpdateDevice(r.Context(), d); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"restart": d.DeviceID != st.Settings.Device.DeviceID,
	})
}

func (s *Server) handleAPIGetWebhook(w http.ResponseWriter, r *http.Request) {
	out, ok, err := s.ctrl.LastWebhook(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]any{"attempted": false})
		return
	}
	s.writeJSON(w, http.StatusOK, webhookView{Outcome: out, Message: out.Message()})
}

type webhookRequest struct {
	URL      string `json:"url"`
	Interval int    `json:"interval"`
	Enabled  bool   `json:"enabled"`
}

func (s *Server) handleAPIUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.ctrl.UpdateWebhook(r.Context(), store.WebhookSettings{
		URL:      req.URL,
		Interval: time.Duration(req.Interval) * time.Second,
		Enabled:  req.Enabled,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPITestWebhook(w http.ResponseWriter, r *http.Request) {
	out, err := s.ctrl.TestWebhook(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, webhookView{Outcome: out, Message: out.Message()})
}

func (s *Server) handleAPIScan(w http.ResponseWriter, r *http.Request) {
	nets, err := s.ctrl.ScanNetworks(r.Context())
	if err != nil {
		s.logger.Warn("wifi scan", "err", err)
		s.writeError(w, err)
		return
	}
	if nets == nil {
		nets = []wifi.Network{}
	}
	s.writeJSON(w, http.StatusOK, nets)
}

type connectRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

func (s *Server) handleAPIConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !s.decode(w, r, &req) {
		return
	}
	ip, err := s.ctrl.ConnectNetwork(r.Context(), req.SSID, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "ip": ip})
}

func (s *Server) handleAPIReset(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ResetNetwork(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "restart": true})
}

type timeRequest struct {
	Timezone string `json:"timezone"`
	Sync     bool   `json:"sync"`
}

func (s *Server) handleAPITime(w http.ResponseWriter, r *http.Request) {
	var req timeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Timezone != "" {
		if err := s.ctrl.SetTimezone(r.Context(), req.Timezone); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if req.Sync {
		if err := s.ctrl.SyncTime(r.Context()); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeError maps control errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gateway.ErrInvalidDeviceID),
		errors.Is(err, gateway.ErrInvalidWebhookURL),
		errors.Is(err, gateway.ErrInvalidSSID),
		errors.Is(err, timesync.ErrUnknownTimezone):
		status = http.StatusBadRequest
	case errors.Is(err, gateway.ErrNotStation):
		status = http.StatusConflict
	case errors.Is(err, wifi.ErrSwitchTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, gateway.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("api request failed", "err", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
