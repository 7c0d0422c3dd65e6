//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/litime_garage_battery/voltage/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

type sensorSpec struct {
	objectID    string
	suffix      string
	deviceClass string
	unit        string
	stateClass  string
}

// batterySensors maps state keys to HA sensors. The object ID doubles as
// the key in the state payload.
var batterySensors = []sensorSpec{
	{"voltage", "Voltage", "voltage", "V", "measurement"},
	{"current", "Current", "current", "A", "measurement"},
	{"soc", "State of Charge", "battery", "%", "measurement"},
	{"remaining_ah", "Remaining Capacity", "", "Ah", "measurement"},
	{"full_capacity_ah", "Full Capacity", "", "Ah", "measurement"},
	{"cell_min", "Lowest Cell", "voltage", "V", "measurement"},
	{"cell_max", "Highest Cell", "voltage", "V", "measurement"},
	{"mosfet_temp", "MOSFET Temperature", "temperature", "°C", "measurement"},
	{"cell_temp", "Cell Temperature", "temperature", "°C", "measurement"},
	{"discharge_cycles", "Discharge Cycles", "", "", "total_increasing"},
	{"discharged_ah", "Discharged", "", "Ah", "total_increasing"},
	{"battery_state", "Battery State", "", "", ""},
	{"protection_state", "Protection State", "", "", ""},
}

// nodeID returns the HA node identifier for a gateway name.
func nodeID(deviceName string) string {
	return "litime_" + topicName(deviceName)
}

// topicName lowercases name and keeps only characters safe for MQTT topics.
func topicName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "battery"
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

// buildDiscovery generates HA discovery messages for the battery behind the gateway.
func buildDiscovery(deviceName, prefix string) []discoveryMsg {
	node := nodeID(deviceName)
	base := prefix + "/" + topicName(deviceName)
	stateTopic := base + "/state"
	avail := base + "/availability"

	haDev := haDevice{
		Identifiers:  []string{node},
		Manufacturer: "LiTime",
		Model:        "LiFePO4 BMS",
		Name:         deviceName,
	}

	msgs := make([]discoveryMsg, 0, len(batterySensors)+4)
	for _, s := range batterySensors {
		msgs = append(msgs, buildSensor(node, deviceName, stateTopic, avail, haDev, s))
	}

	msgs = append(msgs,
		buildBinarySensor(node, deviceName, stateTopic, avail, haDev,
			"readings", "Readings Problem", "problem",
			"{{ 'OFF' if value_json.valid else 'ON' }}"),
		buildBinarySensor(node, deviceName, stateTopic, avail, haDev,
			"link", "BMS Link", "connectivity",
			"{{ 'ON' if value_json.link == 'connected' else 'OFF' }}"),
		buildSwitch(node, deviceName, stateTopic, avail, haDev, base+"/link/set"),
		buildButton(node, deviceName, avail, haDev, base+"/webhook/test"),
	)
	return msgs
}

func buildSensor(node, displayName, stateTopic, avail string, haDev haDevice, s sensorSpec) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", node, s.objectID)
	payload := haDiscovery{
		Name:              displayName + " " + s.suffix,
		UniqueID:          node + "_" + s.objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json." + s.objectID + " }}",
		UnitOfMeasurement: s.unit,
		DeviceClass:       s.deviceClass,
		StateClass:        s.stateClass,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(node, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", node, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          node + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		EntityCategory:    "diagnostic",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSwitch(node, displayName, stateTopic, avail string, haDev haDevice, cmdTopic string) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/switch/%s/link_enabled/config", node)
	payload := haDiscovery{
		Name:              displayName + " BMS Polling",
		UniqueID:          node + "_link_enabled",
		StateTopic:        stateTopic,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ 'ON' if value_json.link_enabled else 'OFF' }}",
		EntityCategory:    "config",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildButton(node, displayName, avail string, haDev haDevice, cmdTopic string) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/button/%s/webhook_test/config", node)
	payload := haDiscovery{
		Name:              displayName + " Send Webhook",
		UniqueID:          node + "_webhook_test",
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		EntityCategory:    "diagnostic",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages that remove every
// entity of a gateway from HA.
func buildRemoveDiscovery(deviceName string) []discoveryMsg {
	node := nodeID(deviceName)

	msgs := make([]discoveryMsg, 0, len(batterySensors)+4)
	for _, s := range batterySensors {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/sensor/%s/%s/config", node, s.objectID),
		})
	}
	for _, c := range []struct{ comp, obj string }{
		{"binary_sensor", "readings"},
		{"binary_sensor", "link"},
		{"switch", "link_enabled"},
		{"button", "webhook_test"},
	} {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, node, c.obj),
		})
	}
	return msgs
}
