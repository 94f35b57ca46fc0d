package radar

import (
	"fmt"
	"strconv"
	"strings"

	"radar-go-home/internal/protocol"
)

// Platform is the kind of entity a value is exposed as.
type Platform string

const (
	PlatformBinarySensor Platform = "binary_sensor"
	PlatformSensor       Platform = "sensor"
	PlatformTextSensor   Platform = "text_sensor"
	PlatformSelect       Platform = "select"
	PlatformNumber       Platform = "number"
	PlatformSwitch       Platform = "switch"
	PlatformButton       Platform = "button"
	PlatformText         Platform = "text"
)

// Writable reports whether entities of p accept commands.
func (p Platform) Writable() bool {
	switch p {
	case PlatformSelect, PlatformNumber, PlatformSwitch, PlatformButton, PlatformText:
		return true
	}
	return false
}

// Entity IDs.
const (
	EntityTarget             = "target"
	EntityMovingTarget       = "moving_target"
	EntityStillTarget        = "still_target"
	EntityOutPinPresence     = "out_pin_presence_status"
	EntityCorrectionStatus   = "dynamic_background_correction_status"
	EntityDetectionDistance  = "detection_distance"
	EntityMovingDistance     = "moving_distance"
	EntityStillDistance      = "still_distance"
	EntityMovingEnergy       = "moving_energy"
	EntityStillEnergy        = "still_energy"
	EntityLight              = "light"
	EntityVersion            = "version"
	EntityMAC                = "mac"
	EntityBaudRate           = "baud_rate"
	EntityDistanceResolution = "distance_resolution"
	EntityLightFunction      = "light_function"
	EntityOutPinLevel        = "out_pin_level"
	EntityMode               = "mode"
	EntityMinDistanceGate    = "min_distance_gate"
	EntityMaxDistanceGate    = "max_distance_gate"
	EntityTimeout            = "timeout"
	EntityLightThreshold     = "light_threshold"
	EntityBluetooth          = "bluetooth"
	EntityEngineeringMode    = "engineering_mode"
	EntityFactoryReset       = "factory_reset"
	EntityQuery              = "query"
	EntityRestart            = "restart"
	EntityStartCorrection    = "start_dynamic_background_correction"
	EntityBluetoothPassword  = "set_bluetooth_password"
	unknownMAC               = "unknown"
)

// Entity describes one exposed value or control.
type Entity struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Platform    Platform `json:"platform"`
	DeviceClass string   `json:"device_class,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	Icon        string   `json:"icon,omitempty"`
	Category    string   `json:"entity_category,omitempty"`
	Min         float64  `json:"min,omitempty"`
	Max         float64  `json:"max,omitempty"`
	Step        float64  `json:"step,omitempty"`
	Options     []string `json:"options,omitempty"`

	// Gate is the gate index for per-gate entities, -1 otherwise.
	Gate int `json:"-"`
}

// Per-gate entity ID helpers.
func GateMoveEnergyID(gate int) string     { return fmt.Sprintf("gate_%d_move_energy", gate) }
func GateStillEnergyID(gate int) string    { return fmt.Sprintf("gate_%d_still_energy", gate) }
func GateMoveThresholdID(gate int) string  { return fmt.Sprintf("gate_%d_move_threshold", gate) }
func GateStillThresholdID(gate int) string { return fmt.Sprintf("gate_%d_still_threshold", gate) }

var modeOptions = []string{
	protocol.ModeNormal.String(),
	protocol.ModeEngineering.String(),
	protocol.ModeDynamicBackgroundCorrection.String(),
}

func baudOptions() []string {
	var opts []string
	for _, r := range protocol.BaudRates() {
		opts = append(opts, strconv.Itoa(r))
	}
	return opts
}

// scalarEntities is the fixed part of the catalog.
var scalarEntities = []Entity{
	{ID: EntityTarget, Name: "Presence", Platform: PlatformBinarySensor, DeviceClass: "occupancy"},
	{ID: EntityMovingTarget, Name: "Moving Target", Platform: PlatformBinarySensor, DeviceClass: "motion"},
	{ID: EntityStillTarget, Name: "Still Target", Platform: PlatformBinarySensor, DeviceClass: "occupancy"},
	{ID: EntityOutPinPresence, Name: "Out Pin Presence Status", Platform: PlatformBinarySensor, DeviceClass: "presence", Category: "diagnostic"},
	{ID: EntityCorrectionStatus, Name: "Dynamic Background Correction Status", Platform: PlatformBinarySensor, DeviceClass: "running", Category: "diagnostic"},

	{ID: EntityDetectionDistance, Name: "Detection Distance", Platform: PlatformSensor, DeviceClass: "distance", Unit: "cm"},
	{ID: EntityMovingDistance, Name: "Moving Distance", Platform: PlatformSensor, DeviceClass: "distance", Unit: "cm"},
	{ID: EntityStillDistance, Name: "Still Distance", Platform: PlatformSensor, DeviceClass: "distance", Unit: "cm"},
	{ID: EntityMovingEnergy, Name: "Move Energy", Platform: PlatformSensor, Unit: "%", Icon: "mdi:motion-sensor"},
	{ID: EntityStillEnergy, Name: "Still Energy", Platform: PlatformSensor, Unit: "%", Icon: "mdi:motion-sensor-off"},
	{ID: EntityLight, Name: "Light", Platform: PlatformSensor, Unit: "%", Icon: "mdi:lightbulb", Category: "diagnostic"},

	{ID: EntityVersion, Name: "Firmware Version", Platform: PlatformTextSensor, Icon: "mdi:chip", Category: "diagnostic"},
	{ID: EntityMAC, Name: "MAC Address", Platform: PlatformTextSensor, Icon: "mdi:bluetooth", Category: "diagnostic"},

	{ID: EntityBaudRate, Name: "Baud Rate", Platform: PlatformSelect, Icon: "mdi:thermometer", Category: "config"},
	{ID: EntityDistanceResolution, Name: "Distance Resolution", Platform: PlatformSelect, Icon: "mdi:ruler", Category: "config",
		Options: []string{"0.2m", "0.5m", "0.75m"}},
	{ID: EntityLightFunction, Name: "Light Function", Platform: PlatformSelect, Icon: "mdi:lightbulb", Category: "config",
		Options: []string{"off", "below", "above"}},
	{ID: EntityOutPinLevel, Name: "Out Pin Level", Platform: PlatformSelect, Icon: "mdi:scale", Category: "config",
		Options: []string{"low", "high"}},
	{ID: EntityMode, Name: "Mode", Platform: PlatformSelect, Icon: "mdi:cog", Category: "config"},

	{ID: EntityMinDistanceGate, Name: "Minimum Distance Gate", Platform: PlatformNumber, Icon: "mdi:arrow-collapse-left", Category: "config",
		Min: protocol.MinDistanceGateLow, Max: protocol.MinDistanceGateHigh, Step: 1},
	{ID: EntityMaxDistanceGate, Name: "Maximum Distance Gate", Platform: PlatformNumber, Icon: "mdi:arrow-collapse-right", Category: "config",
		Min: protocol.MaxDistanceGateLow, Max: protocol.MaxDistanceGateHigh, Step: 1},
	{ID: EntityTimeout, Name: "Timeout", Platform: PlatformNumber, Unit: "s", Icon: "mdi:timer-outline", Category: "config",
		Min: 0, Max: protocol.MaxTimeout, Step: 1},
	{ID: EntityLightThreshold, Name: "Light Threshold", Platform: PlatformNumber, Icon: "mdi:lightbulb", Category: "config",
		Min: 0, Max: 255, Step: 1},

	{ID: EntityBluetooth, Name: "Bluetooth", Platform: PlatformSwitch, Icon: "mdi:bluetooth", Category: "config"},
	{ID: EntityEngineeringMode, Name: "Engineering Mode", Platform: PlatformSwitch, Icon: "mdi:cog", Category: "config"},

	{ID: EntityFactoryReset, Name: "Factory Reset", Platform: PlatformButton, DeviceClass: "restart", Icon: "mdi:restart-alert", Category: "config"},
	{ID: EntityQuery, Name: "Query Params", Platform: PlatformButton, Icon: "mdi:database", Category: "diagnostic"},
	{ID: EntityRestart, Name: "Restart", Platform: PlatformButton, DeviceClass: "restart", Icon: "mdi:restart", Category: "diagnostic"},
	{ID: EntityStartCorrection, Name: "Start Dynamic Background Correction", Platform: PlatformButton, Icon: "mdi:refresh-auto", Category: "config"},

	{ID: EntityBluetoothPassword, Name: "Bluetooth Password", Platform: PlatformText, Icon: "mdi:form-textbox-password", Category: "config",
		Min: 6, Max: 6},
}

// Catalog returns every entity for a module with the given number of enabled
// gates (1..14). Per-gate entities beyond the enabled range are left out.
func Catalog(gates int) []Entity {
	if gates < 1 || gates > protocol.TotalGates {
		gates = protocol.TotalGates
	}
	out := make([]Entity, 0, len(scalarEntities)+4*gates)
	for _, e := range scalarEntities {
		e.Gate = -1
		switch e.ID {
		case EntityBaudRate:
			e.Options = baudOptions()
		case EntityMode:
			e.Options = modeOptions
		}
		out = append(out, e)
	}
	for g := 0; g < gates; g++ {
		out = append(out,
			Entity{ID: GateMoveEnergyID(g), Name: fmt.Sprintf("Gate %d Move Energy", g), Platform: PlatformSensor,
				Unit: "%", Icon: "mdi:motion-sensor", Category: "diagnostic", Gate: g},
			Entity{ID: GateStillEnergyID(g), Name: fmt.Sprintf("Gate %d Still Energy", g), Platform: PlatformSensor,
				Unit: "%", Icon: "mdi:motion-sensor-off", Category: "diagnostic", Gate: g},
			Entity{ID: GateMoveThresholdID(g), Name: fmt.Sprintf("Gate %d Move Threshold", g), Platform: PlatformNumber,
				Unit: "%", Icon: "mdi:motion-sensor", Category: "config", Min: 0, Max: protocol.MaxThreshold, Step: 1, Gate: g},
			Entity{ID: GateStillThresholdID(g), Name: fmt.Sprintf("Gate %d Still Threshold", g), Platform: PlatformNumber,
				Unit: "%", Icon: "mdi:motion-sensor-off", Category: "config", Min: 0, Max: protocol.MaxThreshold, Step: 1, Gate: g},
		)
	}
	return out
}

// parseGateEntity splits a per-gate entity ID such as "gate_3_move_threshold".
func parseGateEntity(id string) (gate int, kind protocol.GateKind, suffix string, ok bool) {
	rest, found := strings.CutPrefix(id, "gate_")
	if !found {
		return 0, 0, "", false
	}
	i := strings.IndexByte(rest, '_')
	if i <= 0 {
		return 0, 0, "", false
	}
	gate, err := strconv.Atoi(rest[:i])
	if err != nil || gate < 0 || gate >= protocol.TotalGates {
		return 0, 0, "", false
	}
	switch k := rest[i+1:]; k {
	case "move_threshold", "move_energy":
		return gate, protocol.GateMove, strings.TrimPrefix(k, "move_"), true
	case "still_threshold", "still_energy":
		return gate, protocol.GateStill, strings.TrimPrefix(k, "still_"), true
	}
	return 0, 0, "", false
}
