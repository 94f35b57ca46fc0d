//go:build no_mqtt

package main

import (
	"log/slog"

	"radar-go-home/internal/radar"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *radar.EventBus, _ *radar.Bridge, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
