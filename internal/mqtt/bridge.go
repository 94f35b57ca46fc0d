//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"radar-go-home/internal/radar"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	TopicPrefix     string
	DiscoveryPrefix string
	DeviceID        string
	DeviceName      string
}

// Commander executes entity commands; *radar.Bridge implements it.
type Commander interface {
	Set(ctx context.Context, entity string, value any) error
}

// Events is the event source the bridge mirrors; *radar.EventBus implements it.
type Events interface {
	OnAll(handler radar.EventHandler) func()
}

// topics holds the topic layout for one device.
type topics struct {
	base         string // <prefix>/<device_id>
	state        string
	availability string
	discovery    string
}

func newTopics(cfg Config) topics {
	base := cfg.TopicPrefix + "/" + topicName(cfg.DeviceID)
	return topics{
		base:         base,
		state:        base + "/state",
		availability: cfg.TopicPrefix + "/bridge/state",
		discovery:    cfg.DiscoveryPrefix,
	}
}

func (t topics) command(entity string) string {
	return t.base + "/" + entity + "/set"
}

// entityFromCommand extracts the entity ID from a command topic.
func (t topics) entityFromCommand(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.base+"/")
	if !ok {
		return "", false
	}
	entity, ok := strings.CutSuffix(rest, "/set")
	if !ok || entity == "" || strings.Contains(entity, "/") {
		return "", false
	}
	return entity, true
}

// Bridge mirrors radar entities to MQTT with HA autodiscovery.
type Bridge struct {
	client   pahomqtt.Client
	cmd      Commander
	events   Events
	entities []radar.Entity
	byID     map[string]radar.Entity
	topics   topics
	meta     deviceMeta
	logger   *slog.Logger
	unsub    func()
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// Accumulated device state, published as one JSON document.
	mu      sync.Mutex
	state   map[string]any
	dirty   chan struct{}
	stopped bool
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(events Events, cmd Commander, entities []radar.Entity, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(events, cmd, entities, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("radar-go-home-" + topicName(cfg.DeviceID)).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topics.availability, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishDiscovery()
			b.subscribeCommands()
			b.signal()
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

func newBridge(events Events, cmd Commander, entities []radar.Entity, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cmd:      cmd,
		events:   events,
		entities: entities,
		byID:     make(map[string]radar.Entity, len(entities)),
		topics:   newTopics(cfg),
		meta:     deviceMeta{ID: cfg.DeviceID, Name: cfg.DeviceName},
		logger:   logger.With("component", "mqtt"),
		ctx:      ctx,
		cancel:   cancel,
		state:    make(map[string]any),
		dirty:    make(chan struct{}, 1),
	}
	for _, e := range entities {
		b.byID[e.ID] = e
	}
	return b
}

// Start subscribes to radar events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.events.OnAll(b.handleEvent)
	b.wg.Add(1)
	go b.stateLoop()
	b.logger.Info("MQTT bridge started", "state_topic", b.topics.state)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event radar.Event) {
	switch event.Type {
	case radar.EventState:
		b.updateState(event.Entity, event.Value)
	case radar.EventCommand:
		if event.Error != "" {
			b.logger.Debug("entity command failed", "entity", event.Entity, "err", event.Error)
		}
	}
}

func (b *Bridge) updateState(entity string, value any) {
	b.mu.Lock()
	b.state[entity] = value
	if entity == radar.EntityVersion || entity == radar.EntityMAC {
		b.updateMeta(entity, value)
	}
	b.mu.Unlock()
	b.signal()
}

// updateMeta re-publishes discovery when the device block changes.
// Called with b.mu held.
func (b *Bridge) updateMeta(entity string, value any) {
	s, _ := value.(string)
	meta := b.meta
	if entity == radar.EntityVersion {
		meta.Version = s
	} else {
		meta.MAC = s
	}
	if meta == b.meta {
		return
	}
	b.meta = meta
	if b.client != nil && b.client.IsConnectionOpen() {
		go b.publishDiscovery()
	}
}

// signal schedules a state publish; bursts coalesce into one message.
func (b *Bridge) signal() {
	select {
	case b.dirty <- struct{}{}:
	default:
	}
}

func (b *Bridge) stateLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.dirty:
			b.publishState()
		}
	}
}

func (b *Bridge) publishState() {
	b.mu.Lock()
	if len(b.state) == 0 {
		b.mu.Unlock()
		return
	}
	payload := mustJSON(b.state)
	b.mu.Unlock()
	b.publish(b.topics.state, payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.topics.availability, []byte(state), true)
}

func (b *Bridge) publishDiscovery() {
	b.mu.Lock()
	meta := b.meta
	b.mu.Unlock()

	for _, msg := range buildRemoveDiscovery(b.entities, meta, b.topics.discovery) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	for _, msg := range buildDiscovery(b.entities, meta, b.topics) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "device", meta.ID, "entities", len(b.entities))
}

func (b *Bridge) subscribeCommands() {
	topic := b.topics.base + "/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
}

// handleCommand runs one entity command off the MQTT callback goroutine.
func (b *Bridge) handleCommand(topic string, payload []byte) {
	id, ok := b.topics.entityFromCommand(topic)
	if !ok {
		b.logger.Warn("command on unexpected topic", "topic", topic)
		return
	}
	ent, ok := b.byID[id]
	if !ok {
		b.logger.Warn("command for unknown entity", "entity", id)
		return
	}
	value, err := parseCommand(ent, payload)
	if err != nil {
		b.logger.Warn("invalid command payload", "entity", id, "err", err)
		return
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
		defer cancel()
		if err := b.cmd.Set(ctx, id, value); err != nil {
			if !errors.Is(err, context.Canceled) {
				b.logger.Warn("entity command failed", "entity", id, "err", err)
			}
			// Re-publish so HA drops its optimistic value.
			b.signal()
		}
	}()
}

// parseCommand converts an MQTT payload to the value Commander.Set expects.
func parseCommand(ent radar.Entity, payload []byte) (any, error) {
	s := strings.TrimSpace(string(payload))
	switch ent.Platform {
	case radar.PlatformNumber:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", s, err)
		}
		return f, nil
	case radar.PlatformSwitch:
		switch strings.ToUpper(s) {
		case "ON":
			return true, nil
		case "OFF":
			return false, nil
		}
		return nil, fmt.Errorf("switch payload %q", s)
	case radar.PlatformSelect:
		return s, nil
	case radar.PlatformText:
		return string(payload), nil
	case radar.PlatformButton:
		return nil, nil
	}
	return nil, fmt.Errorf("%s is read-only", ent.ID)
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

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
