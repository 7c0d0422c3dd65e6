package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"litime-gateway/internal/gateway"
	"litime-gateway/internal/store"
	"litime-gateway/internal/webhook"
	"litime-gateway/internal/wifi"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Controller is the gateway control surface used by the handlers.
type Controller interface {
	Status(ctx context.Context) (gateway.Status, error)
	LastWebhook(ctx context.Context) (webhook.Outcome, bool, error)
	SetLinkEnabled(ctx context.Context, enabled bool) error
	UpdateDevice(ctx context.Context, d store.DeviceSettings) error
	UpdateWebhook(ctx context.Context, w store.WebhookSettings) error
	TestWebhook(ctx context.Context) (webhook.Outcome, error)
	ScanNetworks(ctx context.Context) ([]wifi.Network, error)
	ConnectNetwork(ctx context.Context, ssid, password string) (string, error)
	ResetNetwork(ctx context.Context) error
	SetTimezone(ctx context.Context, tz string) error
	SyncTime(ctx context.Context) error
	Events() *gateway.EventBus
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string shown in the UI.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the dashboard and JSON API.
type Server struct {
	ctrl           Controller
	templates      map[string]*template.Template
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer parses the page templates, starts the WebSocket hub and
// subscribes it to gateway events.
func NewServer(ctrl Controller, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	logger = logger.With("component", "web")

	base, err := template.ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	pages := []string{"index.html", "settings.html"}
	tmpl := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		cloned, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone layout for %s: %w", page, err)
		}
		t, err := cloned.ParseFS(templateFS, "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", page, err)
		}
		tmpl[page] = t
	}

	s := &Server{
		ctrl:      ctrl,
		templates: tmpl,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()
	s.unsubEvents = ctrl.Events().OnAll(func(event gateway.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s, nil
}

// Stop unsubscribes from events, shuts down the WebSocket hub and waits
// for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.Handle("GET /static/", http.FileServer(http.FS(staticFS)))

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /settings", s.handleSettingsPage)

	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("POST /api/link", s.handleAPISetLink)
	s.mux.HandleFunc("POST /api/device", s.handleAPIUpdateDevice)
	s.mux.HandleFunc("GET /api/webhook", s.handleAPIGetWebhook)
	s.mux.HandleFunc("POST /api/webhook", s.handleAPIUpdateWebhook)
	s.mux.HandleFunc("POST /api/webhook/test", s.handleAPITestWebhook)
	s.mux.HandleFunc("GET /api/wifi/scan", s.handleAPIScan)
	s.mux.HandleFunc("POST /api/wifi/connect", s.handleAPIConnect)
	s.mux.HandleFunc("POST /api/wifi/reset", s.handleAPIReset)
	s.mux.HandleFunc("POST /api/time", s.handleAPITime)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Pages, static files and the WebSocket stay open: browsers cannot send
	// custom headers on navigation or WS upgrade.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Status(r.Context())
	if err != nil {
		s.logger.Error("status for index", "err", err)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	s.renderTemplate(w, "index.html", map[string]any{
		"PageTitle": "Battery",
		"Status":    newStatusView(st),
	})
}

func (s *Server) handleSettingsPage(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Status(r.Context())
	if err != nil {
		s.logger.Error("status for settings", "err", err)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	s.renderTemplate(w, "settings.html", map[string]any{
		"PageTitle": "Settings",
		"Status":    newStatusView(st),
	})
}

// renderTemplate renders to a buffer first, so partial write failures don't corrupt the response.
func (s *Server) renderTemplate(w http.ResponseWriter, name string, data map[string]any) {
	t, ok := s.templates[name]
	if !ok {
		s.logger.Error("template not found", "name", name)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	data["Version"] = s.version
	data["APIKey"] = s.apiKey
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("render template", "name", name, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("write template response", "name", name, "err", err)
	}
}
