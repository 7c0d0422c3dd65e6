//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"litime-gateway/internal/gateway"
	"litime-gateway/internal/store"
	"litime-gateway/internal/telemetry"
	"litime-gateway/internal/webhook"
)

const commandTimeout = 15 * time.Second

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	DeviceName  string
	// Discovery publishes Home Assistant discovery on connect. When false,
	// previously retained discovery entries are cleared instead.
	Discovery bool
}

// Controller is the part of the gateway the bridge drives.
type Controller interface {
	Status(ctx context.Context) (gateway.Status, error)
	SetLinkEnabled(ctx context.Context, enabled bool) error
	TestWebhook(ctx context.Context) (webhook.Outcome, error)
	Events() *gateway.EventBus
}

// Bridge relays gateway events to MQTT with HA autodiscovery and accepts
// link and webhook commands.
type Bridge struct {
	client pahomqtt.Client
	ctrl   Controller
	cfg    Config
	base   string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state map[string]any
}

func newBridge(ctrl Controller, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		ctrl:   ctrl,
		cfg:    cfg,
		base:   cfg.TopicPrefix + "/" + topicName(cfg.DeviceName),
		logger: logger.With("component", "mqtt"),
		state:  make(map[string]any),
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(ctrl, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(nodeID(cfg.DeviceName)).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.availabilityTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to gateway events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.ctrl.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "topic", b.base)
}

// Stop publishes offline availability, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publish(b.availabilityTopic(), []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) availabilityTopic() string { return b.base + "/availability" }

func (b *Bridge) stateTopic() string { return b.base + "/state" }

// onConnect runs on every (re)connect: availability, discovery, command
// subscriptions and a state seeded from the current gateway status.
func (b *Bridge) onConnect() {
	b.publish(b.availabilityTopic(), []byte("online"), true)

	msgs := buildRemoveDiscovery(b.cfg.DeviceName)
	if b.cfg.Discovery {
		msgs = buildDiscovery(b.cfg.DeviceName, b.cfg.TopicPrefix)
	}
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}

	b.client.Subscribe(b.base+"/link/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleLinkCommand(msg.Payload())
	})
	b.client.Subscribe(b.base+"/webhook/test", 1, func(_ pahomqtt.Client, _ pahomqtt.Message) {
		b.handleWebhookTest()
	})

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	st, err := b.ctrl.Status(ctx)
	if err != nil {
		b.logger.Warn("seed state from status", "err", err)
		return
	}
	b.mu.Lock()
	applyStatus(b.state, st)
	payload := mustJSON(b.state)
	b.mu.Unlock()
	b.publish(b.stateTopic(), payload, true)
}

// handleEvent runs on the gateway loop and must not block.
func (b *Bridge) handleEvent(event gateway.Event) {
	b.mu.Lock()
	changed := applyEvent(b.state, event)
	payload := mustJSON(b.state)
	b.mu.Unlock()
	if changed {
		b.publish(b.stateTopic(), payload, true)
	}
}

func (b *Bridge) handleLinkCommand(payload []byte) {
	var enabled bool
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON", "TRUE", "1":
		enabled = true
	case "OFF", "FALSE", "0":
	default:
		b.logger.Warn("invalid link command", "payload", string(payload))
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	if err := b.ctrl.SetLinkEnabled(ctx, enabled); err != nil {
		b.logger.Warn("link command failed", "enabled", enabled, "err", err)
	}
}

func (b *Bridge) handleWebhookTest() {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	out, err := b.ctrl.TestWebhook(ctx)
	if err != nil {
		b.logger.Warn("webhook test failed", "err", err)
		return
	}
	b.logger.Info("webhook test via MQTT", "result", out.String())
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// applyEvent folds a gateway event into the state payload and reports
// whether it changed anything worth publishing.
func applyEvent(state map[string]any, event gateway.Event) bool {
	switch event.Type {
	case gateway.EventTelemetry:
		s, ok := event.Data.(telemetry.Snapshot)
		if !ok {
			return false
		}
		applySnapshot(state, s)
	case gateway.EventValidity:
		data, ok := event.Data.(map[string]any)
		if !ok {
			return false
		}
		state["valid"] = data["valid"]
	case gateway.EventLinkState:
		state["link"] = event.Data
	case gateway.EventMode:
		state["wifi_mode"] = event.Data
	case gateway.EventSettings:
		s, ok := event.Data.(store.Settings)
		if !ok {
			return false
		}
		state["link_enabled"] = s.Device.LinkEnabled
	case gateway.EventWebhookOutcome:
		out, ok := event.Data.(webhook.Outcome)
		if !ok {
			return false
		}
		state["webhook_code"] = out.Code
		state["webhook_success"] = out.Success
	default:
		return false
	}
	return true
}

func applyStatus(state map[string]any, st gateway.Status) {
	applySnapshot(state, st.Telemetry)
	state["link"] = st.Link.State
	state["link_enabled"] = st.Link.Enabled
	state["wifi_mode"] = st.WiFi.Mode.String()
	if st.Webhook != nil {
		state["webhook_code"] = st.Webhook.Code
		state["webhook_success"] = st.Webhook.Success
	}
}

// applySnapshot copies readings only when they passed the plausibility
// gate, so HA keeps the last good values instead of graphing garbage.
func applySnapshot(state map[string]any, s telemetry.Snapshot) {
	state["valid"] = s.Valid
	if !s.Valid {
		return
	}
	state["voltage"] = s.TotalVoltage
	state["current"] = s.Current
	state["soc"] = s.SOC
	state["soh"] = s.SOH
	state["remaining_ah"] = s.RemainingAh
	state["full_capacity_ah"] = s.FullCapacityAh
	state["mosfet_temp"] = s.MosfetTemp
	state["cell_temp"] = s.CellTemp
	state["cell_voltages"] = s.CellVoltages
	if len(s.CellVoltages) > 0 {
		state["cell_min"] = slices.Min(s.CellVoltages)
		state["cell_max"] = slices.Max(s.CellVoltages)
	}
	state["battery_state"] = s.BatteryState
	state["protection_state"] = s.ProtectionState
	state["failure_state"] = s.FailureState
	state["balancing_state"] = s.BalancingState
	state["heat_state"] = s.HeatState
	state["discharge_cycles"] = s.DischargesCount
	state["discharged_ah"] = s.DischargesAhCount
	state["last_seen"] = s.UpdatedAt.Format(time.RFC3339)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
