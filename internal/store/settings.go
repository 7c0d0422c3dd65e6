package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Keys in NamespaceWiFi.
const (
	keySSID     = "ssid"
	keyPassword = "password"
)

// Keys in NamespaceSettings.
const (
	keyTimezone        = "timezone"
	keyPollInterval    = "poll_interval"
	keyLinkEnabled     = "ble_enabled"
	keyDeviceID        = "bms_mac"
	keyWebhookURL      = "webhook_url"
	keyWebhookInterval = "webhook_interval"
	keyWebhookEnabled  = "webhook_enabled"
	keyConsoleEcho     = "serial_echo"
)

// LoadCredentials returns ErrNotFound when no network name is persisted.
func LoadCredentials(kv KV) (Credentials, error) {
	ssid, err := kv.Get(NamespaceWiFi, keySSID)
	if err != nil {
		return Credentials{}, err
	}
	if ssid == "" {
		return Credentials{}, fmt.Errorf("credentials: %w", ErrNotFound)
	}
	password, err := kv.Get(NamespaceWiFi, keyPassword)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Credentials{}, err
	}
	return Credentials{SSID: ssid, Password: password}, nil
}

func SaveCredentials(kv KV, c Credentials) error {
	if err := kv.SetMany(NamespaceWiFi, map[string]string{
		keySSID:     c.SSID,
		keyPassword: c.Password,
	}); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

func ClearCredentials(kv KV) error {
	if err := kv.Clear(NamespaceWiFi); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// LoadSettings reads every user option, falling back to defaults for missing
// or unparseable keys and clamping intervals into their allowed range.
func LoadSettings(kv KV) (Settings, error) {
	s := DefaultSettings()
	r := reader{kv: kv}

	s.Timezone = r.str(keyTimezone, s.Timezone)
	s.Device.DeviceID = r.str(keyDeviceID, "")
	s.Device.PollInterval = ClampPollInterval(r.seconds(keyPollInterval, s.Device.PollInterval))
	s.Device.LinkEnabled = r.boolean(keyLinkEnabled, s.Device.LinkEnabled)
	s.Device.ConsoleEcho = r.boolean(keyConsoleEcho, s.Device.ConsoleEcho)
	s.Webhook.URL = r.str(keyWebhookURL, "")
	s.Webhook.Interval = ClampWebhookInterval(r.seconds(keyWebhookInterval, s.Webhook.Interval))
	s.Webhook.Enabled = r.boolean(keyWebhookEnabled, s.Webhook.Enabled)

	if r.err != nil {
		return s, fmt.Errorf("load settings: %w", r.err)
	}
	return s, nil
}

func SaveDeviceSettings(kv KV, d DeviceSettings) error {
	if err := kv.SetMany(NamespaceSettings, map[string]string{
		keyDeviceID:     d.DeviceID,
		keyPollInterval: formatSeconds(d.PollInterval),
		keyLinkEnabled:  formatBool(d.LinkEnabled),
		keyConsoleEcho:  formatBool(d.ConsoleEcho),
	}); err != nil {
		return fmt.Errorf("save device settings: %w", err)
	}
	return nil
}

func SaveWebhookSettings(kv KV, w WebhookSettings) error {
	if err := kv.SetMany(NamespaceSettings, map[string]string{
		keyWebhookURL:      w.URL,
		keyWebhookInterval: formatSeconds(w.Interval),
		keyWebhookEnabled:  formatBool(w.Enabled),
	}); err != nil {
		return fmt.Errorf("save webhook settings: %w", err)
	}
	return nil
}

func SaveTimezone(kv KV, tz string) error {
	if err := kv.Set(NamespaceSettings, keyTimezone, tz); err != nil {
		return fmt.Errorf("save timezone: %w", err)
	}
	return nil
}

// reader collects the first backend error while substituting defaults.
type reader struct {
	kv  KV
	err error
}

func (r *reader) get(key string) (string, bool) {
	v, err := r.kv.Get(NamespaceSettings, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && r.err == nil {
			r.err = err
		}
		return "", false
	}
	return v, true
}

func (r *reader) str(key, def string) string {
	if v, ok := r.get(key); ok {
		return v
	}
	return def
}

func (r *reader) seconds(key string, def time.Duration) time.Duration {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}

func (r *reader) boolean(key string, def bool) bool {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func formatSeconds(d time.Duration) string {
	return strconv.Itoa(int(d / time.Second))
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
