//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"radar-go-home/internal/radar"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/radar_hallway/moving_distance/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string   `json:"identifiers"`
	Connections  [][]string `json:"connections,omitempty"`
	Manufacturer string     `json:"manufacturer,omitempty"`
	Model        string     `json:"model,omitempty"`
	Name         string     `json:"name"`
	SWVersion    string     `json:"sw_version,omitempty"`
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
	Icon              string   `json:"icon,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Options           []string `json:"options,omitempty"`
	Min               *float64 `json:"min,omitempty"`
	Max               *float64 `json:"max,omitempty"`
	Step              float64  `json:"step,omitempty"`
	Mode              string   `json:"mode,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceMeta is what discovery needs to know about the module.
type deviceMeta struct {
	ID      string
	Name    string
	Version string
	MAC     string
}

// nodeID returns the unique identifier for the HA device registry.
func (d deviceMeta) nodeID() string {
	return "radar_" + topicName(d.ID)
}

// topicName sanitizes a name for use as an MQTT topic level.
func topicName(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
}

// haComponent maps an entity platform to the HA discovery component.
func haComponent(p radar.Platform) string {
	if p == radar.PlatformTextSensor {
		return "sensor"
	}
	return string(p)
}

// buildDiscovery generates HA discovery messages for every entity.
func buildDiscovery(entities []radar.Entity, dev deviceMeta, t topics) []discoveryMsg {
	nodeID := dev.nodeID()
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "Hi-Link",
		Model:        "LD2412",
		Name:         dev.Name,
		SWVersion:    dev.Version,
	}
	if dev.MAC != "" && dev.MAC != "unknown" {
		haDev.Connections = [][]string{{"mac", strings.ToLower(dev.MAC)}}
	}

	msgs := make([]discoveryMsg, 0, len(entities))
	for _, ent := range entities {
		msgs = append(msgs, discoveryMsg{
			Topic:   discoveryTopic(t.discovery, ent, nodeID),
			Payload: mustJSON(buildEntity(ent, nodeID, haDev, t)),
		})
	}
	return msgs
}

func discoveryTopic(prefix string, ent radar.Entity, nodeID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", prefix, haComponent(ent.Platform), nodeID, ent.ID)
}

func buildEntity(ent radar.Entity, nodeID string, haDev haDevice, t topics) haDiscovery {
	d := haDiscovery{
		Name:              ent.Name,
		UniqueID:          nodeID + "_" + ent.ID,
		StateTopic:        t.state,
		AvailabilityTopic: t.availability,
		ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", ent.ID),
		UnitOfMeasurement: ent.Unit,
		DeviceClass:       ent.DeviceClass,
		Icon:              ent.Icon,
		Device:            haDev,
	}
	if ent.Category != "" {
		d.EntityCategory = ent.Category
	}
	if ent.Platform.Writable() {
		d.CommandTopic = t.command(ent.ID)
	}

	switch ent.Platform {
	case radar.PlatformBinarySensor, radar.PlatformSwitch:
		d.ValueTemplate = fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", ent.ID)
		d.PayloadOn = "ON"
		d.PayloadOff = "OFF"
	case radar.PlatformSensor:
		if ent.Unit != "" {
			d.StateClass = "measurement"
		}
	case radar.PlatformSelect:
		d.Options = ent.Options
	case radar.PlatformNumber:
		lo, hi := ent.Min, ent.Max
		d.Min, d.Max = &lo, &hi
		d.Step = ent.Step
		d.Mode = "box"
	case radar.PlatformButton:
		d.StateTopic = ""
		d.ValueTemplate = ""
		d.PayloadPress = "PRESS"
	case radar.PlatformText:
		// Write-only: the module never reports its password.
		d.StateTopic = ""
		d.ValueTemplate = ""
		d.Mode = "password"
	}
	return d
}

// buildRemoveDiscovery generates empty retained messages for per-gate
// entities the configured gate count leaves out.
func buildRemoveDiscovery(enabled []radar.Entity, dev deviceMeta, discoveryPrefix string) []discoveryMsg {
	keep := make(map[string]bool, len(enabled))
	for _, ent := range enabled {
		keep[ent.ID] = true
	}
	nodeID := dev.nodeID()

	var msgs []discoveryMsg
	for _, ent := range radar.Catalog(0) {
		if keep[ent.ID] {
			continue
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   discoveryTopic(discoveryPrefix, ent, nodeID),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
