//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"radar-go-home/internal/radar"
)

var testMeta = deviceMeta{ID: "Hallway", Name: "Hallway Radar", Version: "1.09.22240520", MAC: "8F:27:2E:B8:0F:65"}

func testTopics() topics {
	return newTopics(Config{TopicPrefix: "radar", DiscoveryPrefix: "homeassistant", DeviceID: "Hallway"})
}

func discoveryFor(t *testing.T, msgs []discoveryMsg, topic string) haDiscovery {
	t.Helper()
	for _, m := range msgs {
		if m.Topic == topic {
			var payload haDiscovery
			if err := json.Unmarshal(m.Payload, &payload); err != nil {
				t.Fatalf("unmarshal payload: %v", err)
			}
			return payload
		}
	}
	t.Fatalf("discovery %s not found", topic)
	return haDiscovery{}
}

func TestDiscoverySensor(t *testing.T) {
	msgs := buildDiscovery(radar.Catalog(14), testMeta, testTopics())
	if len(msgs) != len(radar.Catalog(14)) {
		t.Fatalf("messages = %d, want one per entity", len(msgs))
	}

	p := discoveryFor(t, msgs, "homeassistant/sensor/radar_hallway/moving_distance/config")
	if p.Name != "Moving Distance" {
		t.Errorf("name = %q", p.Name)
	}
	if p.UniqueID != "radar_hallway_moving_distance" {
		t.Errorf("unique_id = %q", p.UniqueID)
	}
	if p.StateTopic != "radar/hallway/state" {
		t.Errorf("state_topic = %q", p.StateTopic)
	}
	if p.AvailabilityTopic != "radar/bridge/state" {
		t.Errorf("availability_topic = %q", p.AvailabilityTopic)
	}
	if p.ValueTemplate != "{{ value_json.moving_distance }}" {
		t.Errorf("value_template = %q", p.ValueTemplate)
	}
	if p.UnitOfMeasurement != "cm" || p.DeviceClass != "distance" || p.StateClass != "measurement" {
		t.Errorf("unit/class = %q %q %q", p.UnitOfMeasurement, p.DeviceClass, p.StateClass)
	}
	if p.CommandTopic != "" {
		t.Errorf("sensor has command_topic %q", p.CommandTopic)
	}
	if p.Device.SWVersion != "1.09.22240520" || p.Device.Model != "LD2412" {
		t.Errorf("device = %+v", p.Device)
	}
	if len(p.Device.Connections) != 1 || p.Device.Connections[0][1] != "8f:27:2e:b8:0f:65" {
		t.Errorf("connections = %v", p.Device.Connections)
	}
}

func TestDiscoveryTextSensorUsesSensorComponent(t *testing.T) {
	msgs := buildDiscovery(radar.Catalog(14), testMeta, testTopics())
	p := discoveryFor(t, msgs, "homeassistant/sensor/radar_hallway/version/config")
	if p.EntityCategory != "diagnostic" {
		t.Errorf("entity_category = %q", p.EntityCategory)
	}
}

func TestDiscoveryBinarySensorAndSwitch(t *testing.T) {
	msgs := buildDiscovery(radar.Catalog(14), testMeta, testTopics())

	p := discoveryFor(t, msgs, "homeassistant/binary_sensor/radar_hallway/target/config")
	if p.ValueTemplate != "{{ 'ON' if value_json.target else 'OFF' }}" {
		t.Errorf("value_template = %q", p.ValueTemplate)
	}
	if p.DeviceClass != "occupancy" || p.PayloadOn != "ON" {
		t.Errorf("binary sensor = %+v", p)
	}

	sw := discoveryFor(t, msgs, "homeassistant/switch/radar_hallway/engineering_mode/config")
	if sw.CommandTopic != "radar/hallway/engineering_mode/set" {
		t.Errorf("command_topic = %q", sw.CommandTopic)
	}
	if sw.PayloadOff != "OFF" {
		t.Errorf("payload_off = %q", sw.PayloadOff)
	}
}

func TestDiscoveryNumberSelectButtonText(t *testing.T) {
	msgs := buildDiscovery(radar.Catalog(14), testMeta, testTopics())

	n := discoveryFor(t, msgs, "homeassistant/number/radar_hallway/gate_13_still_threshold/config")
	if n.Min == nil || *n.Min != 0 || n.Max == nil || *n.Max != 100 || n.Step != 1 {
		t.Errorf("number range = %v..%v step %v", n.Min, n.Max, n.Step)
	}
	if n.CommandTopic != "radar/hallway/gate_13_still_threshold/set" {
		t.Errorf("command_topic = %q", n.CommandTopic)
	}

	timeout := discoveryFor(t, msgs, "homeassistant/number/radar_hallway/timeout/config")
	if *timeout.Max != 900 || timeout.UnitOfMeasurement != "s" {
		t.Errorf("timeout = %+v", timeout)
	}

	sel := discoveryFor(t, msgs, "homeassistant/select/radar_hallway/baud_rate/config")
	if len(sel.Options) != 8 || sel.Options[0] != "9600" || sel.Options[7] != "460800" {
		t.Errorf("baud options = %v", sel.Options)
	}

	btn := discoveryFor(t, msgs, "homeassistant/button/radar_hallway/restart/config")
	if btn.PayloadPress != "PRESS" || btn.StateTopic != "" {
		t.Errorf("button = %+v", btn)
	}

	txt := discoveryFor(t, msgs, "homeassistant/text/radar_hallway/set_bluetooth_password/config")
	if txt.Mode != "password" || txt.StateTopic != "" || txt.CommandTopic == "" {
		t.Errorf("text = %+v", txt)
	}
}

func TestDiscoveryWithoutMAC(t *testing.T) {
	meta := testMeta
	meta.MAC = "unknown"
	msgs := buildDiscovery(radar.Catalog(14), meta, testTopics())
	p := discoveryFor(t, msgs, "homeassistant/sensor/radar_hallway/light/config")
	if p.Device.Connections != nil {
		t.Errorf("connections = %v, want none", p.Device.Connections)
	}
}

func TestRemoveDiscoveryForDisabledGates(t *testing.T) {
	msgs := buildRemoveDiscovery(radar.Catalog(9), testMeta, "homeassistant")
	if len(msgs) != 5*4 {
		t.Fatalf("messages = %d, want 20", len(msgs))
	}
	topics := extractTopics(msgs)
	if !topics["homeassistant/sensor/radar_hallway/gate_9_move_energy/config"] {
		t.Error("gate 9 energy should be removed")
	}
	if !topics["homeassistant/number/radar_hallway/gate_13_still_threshold/config"] {
		t.Error("gate 13 threshold should be removed")
	}
	if topics["homeassistant/sensor/radar_hallway/gate_8_move_energy/config"] {
		t.Error("gate 8 is enabled")
	}
	for _, m := range msgs {
		if m.Payload != nil {
			t.Errorf("%s: payload should be empty", m.Topic)
		}
	}

	if n := len(buildRemoveDiscovery(radar.Catalog(14), testMeta, "homeassistant")); n != 0 {
		t.Errorf("full catalog removes %d entities, want 0", n)
	}
}

func TestEntityFromCommand(t *testing.T) {
	tp := testTopics()
	tests := []struct {
		topic  string
		entity string
		ok     bool
	}{
		{"radar/hallway/timeout/set", "timeout", true},
		{"radar/hallway/gate_3_move_threshold/set", "gate_3_move_threshold", true},
		{"radar/hallway/state", "", false},
		{"radar/kitchen/timeout/set", "", false},
		{"radar/hallway//set", "", false},
		{"radar/hallway/a/b/set", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			entity, ok := tp.entityFromCommand(tt.topic)
			if ok != tt.ok || entity != tt.entity {
				t.Errorf("entityFromCommand = %q, %v; want %q, %v", entity, ok, tt.entity, tt.ok)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	byID := make(map[string]radar.Entity)
	for _, e := range radar.Catalog(14) {
		byID[e.ID] = e
	}

	tests := []struct {
		name    string
		entity  string
		payload string
		want    any
		wantErr bool
	}{
		{"number", radar.EntityTimeout, "120", float64(120), false},
		{"number float", radar.EntityLightThreshold, " 42.0 ", float64(42), false},
		{"number junk", radar.EntityTimeout, "soon", nil, true},
		{"switch on", radar.EntityBluetooth, "ON", true, false},
		{"switch off lowercase", radar.EntityEngineeringMode, "off", false, false},
		{"switch junk", radar.EntityBluetooth, "maybe", nil, true},
		{"select", radar.EntityDistanceResolution, "0.2m", "0.2m", false},
		{"button", radar.EntityRestart, "PRESS", nil, false},
		{"text keeps spaces", radar.EntityBluetoothPassword, "ab cd ", "ab cd ", false},
		{"read-only", radar.EntityMovingDistance, "1", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommand(byID[tt.entity], []byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("value = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestMustJSON(t *testing.T) {
	result := mustJSON(map[string]any{"target": true, "light": nil})
	var parsed map[string]any
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("mustJSON output not valid JSON: %v", err)
	}
	if parsed["target"] != true {
		t.Errorf("target = %v", parsed["target"])
	}
	if v, ok := parsed["light"]; !ok || v != nil {
		t.Errorf("light = %v, %v; want null", v, ok)
	}
}

// --- Bridge with a fake client ---

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (fakeToken) Error() error { return nil }

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakeClient struct {
	pahomqtt.Client
	mu   sync.Mutex
	msgs []published
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic: topic, payload: payload.([]byte), retained: retained})
	return fakeToken{}
}

func (c *fakeClient) IsConnectionOpen() bool { return false }
func (c *fakeClient) Disconnect(uint)         {}

func (c *fakeClient) last(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].topic == topic {
			return c.msgs[i], true
		}
	}
	return published{}, false
}

type setCall struct {
	entity string
	value  any
}

type fakeCommander struct {
	mu    sync.Mutex
	calls []setCall
	err   error
}

func (f *fakeCommander) Set(_ context.Context, entity string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, setCall{entity, value})
	return f.err
}

func newTestBridge(t *testing.T) (*Bridge, *fakeClient, *fakeCommander, *radar.EventBus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := radar.NewEventBus(logger)
	cmd := &fakeCommander{}
	cfg := Config{TopicPrefix: "radar", DiscoveryPrefix: "homeassistant", DeviceID: "hallway", DeviceName: "Hallway"}
	b := newBridge(bus, cmd, radar.Catalog(14), cfg, logger)
	client := &fakeClient{}
	b.client = client
	return b, client, cmd, bus
}

func TestBridgeAccumulatesState(t *testing.T) {
	b, client, _, bus := newTestBridge(t)
	b.unsub = bus.OnAll(b.handleEvent)

	bus.Publish(radar.EntityTarget, true)
	bus.Publish(radar.EntityMovingDistance, 120)
	bus.Publish(radar.EntityLight, nil)
	b.publishState()

	msg, ok := client.last("radar/hallway/state")
	if !ok {
		t.Fatal("no state published")
	}
	if !msg.retained {
		t.Error("state should be retained")
	}
	var state map[string]any
	if err := json.Unmarshal(msg.payload, &state); err != nil {
		t.Fatal(err)
	}
	if state["target"] != true || state["moving_distance"] != float64(120) {
		t.Errorf("state = %v", state)
	}
	if v, ok := state["light"]; !ok || v != nil {
		t.Errorf("light = %v, want null", v)
	}
}

func TestBridgeStateLoopCoalesces(t *testing.T) {
	b, client, _, bus := newTestBridge(t)
	b.Start()

	for i := 0; i < 50; i++ {
		bus.Publish(radar.EntityMovingEnergy, i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if msg, ok := client.last("radar/hallway/state"); ok {
			var state map[string]any
			if err := json.Unmarshal(msg.payload, &state); err != nil {
				t.Fatal(err)
			}
			if state["moving_energy"] == float64(49) {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("final state not published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Stop()
	if msg, ok := client.last("radar/bridge/state"); !ok || string(msg.payload) != "offline" {
		t.Errorf("bridge state = %q, want offline", msg.payload)
	}
}

func TestBridgeHandleCommand(t *testing.T) {
	b, _, cmd, _ := newTestBridge(t)

	b.handleCommand("radar/hallway/timeout/set", []byte("30"))
	b.handleCommand("radar/hallway/bluetooth/set", []byte("OFF"))
	b.handleCommand("radar/hallway/query/set", []byte("PRESS"))
	b.handleCommand("radar/hallway/moving_distance/set", []byte("1"))
	b.handleCommand("radar/hallway/nope/set", []byte("1"))
	b.wg.Wait()

	want := map[string]any{
		radar.EntityTimeout:   float64(30),
		radar.EntityBluetooth: false,
		radar.EntityQuery:     nil,
	}
	if len(cmd.calls) != len(want) {
		t.Fatalf("calls = %+v, want %d", cmd.calls, len(want))
	}
	for _, c := range cmd.calls {
		v, ok := want[c.entity]
		if !ok || v != c.value {
			t.Errorf("call %s = %#v, want %#v", c.entity, c.value, v)
		}
	}
}

func TestBridgeFailedCommandRepublishesState(t *testing.T) {
	b, _, cmd, _ := newTestBridge(t)
	cmd.err = errors.New("ack timeout")

	b.handleCommand("radar/hallway/timeout/set", []byte("30"))
	b.wg.Wait()

	select {
	case <-b.dirty:
	default:
		t.Error("failed command should schedule a state publish")
	}
}

func TestBridgeDeviceMetaFromState(t *testing.T) {
	b, _, _, _ := newTestBridge(t)
	b.updateState(radar.EntityVersion, "1.26.0")
	b.updateState(radar.EntityMAC, "AA:BB:CC:DD:EE:FF")

	b.mu.Lock()
	meta := b.meta
	b.mu.Unlock()
	if meta.Version != "1.26.0" || meta.MAC != "AA:BB:CC:DD:EE:FF" || meta.Name != "Hallway" {
		t.Errorf("meta = %+v", meta)
	}
}

func extractTopics(msgs []discoveryMsg) map[string]bool {
	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}
