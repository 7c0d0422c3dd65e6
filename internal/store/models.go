package store

import (
	"net"
	"time"
)

// Bounds for user-configurable intervals.
const (
	MinPollInterval     = 5 * time.Second
	MaxPollInterval     = 300 * time.Second
	DefaultPollInterval = 20 * time.Second

	MinWebhookInterval     = 10 * time.Second
	MaxWebhookInterval     = 3600 * time.Second
	DefaultWebhookInterval = 60 * time.Second

	DefaultTimezone = "UTC"
)

// Credentials are the uplink network credentials.
// Password is hidden from API/JSON serialization via json:"-".
type Credentials struct {
	SSID     string `json:"ssid"`
	Password string `json:"-"`
}

// DeviceSettings configures the BMS link.
type DeviceSettings struct {
	DeviceID     string        `json:"device_id"` // BLE MAC, AA:BB:CC:DD:EE:FF
	PollInterval time.Duration `json:"poll_interval"`
	LinkEnabled  bool          `json:"link_enabled"`
	ConsoleEcho  bool          `json:"console_echo"`
}

// WebhookSettings configures outbound delivery.
type WebhookSettings struct {
	URL      string        `json:"url"`
	Interval time.Duration `json:"interval"`
	Enabled  bool          `json:"enabled"`
}

// Settings is the full set of persisted user options.
type Settings struct {
	Device   DeviceSettings  `json:"device"`
	Webhook  WebhookSettings `json:"webhook"`
	Timezone string          `json:"timezone"`
}

// DefaultSettings returns the settings used when nothing has been persisted.
func DefaultSettings() Settings {
	return Settings{
		Device: DeviceSettings{
			PollInterval: DefaultPollInterval,
			LinkEnabled:  true,
		},
		Webhook: WebhookSettings{
			Interval: DefaultWebhookInterval,
		},
		Timezone: DefaultTimezone,
	}
}

// ValidDeviceID reports whether id is a colon-separated 6-byte MAC (17 characters).
func ValidDeviceID(id string) bool {
	if len(id) != 17 {
		return false
	}
	hw, err := net.ParseMAC(id)
	return err == nil && len(hw) == 6
}

// ClampPollInterval bounds d to [MinPollInterval, MaxPollInterval].
func ClampPollInterval(d time.Duration) time.Duration {
	return clamp(d, MinPollInterval, MaxPollInterval)
}

// ClampWebhookInterval bounds d to [MinWebhookInterval, MaxWebhookInterval].
func ClampWebhookInterval(d time.Duration) time.Duration {
	return clamp(d, MinWebhookInterval, MaxWebhookInterval)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
