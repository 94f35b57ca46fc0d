//go:build no_automation

package main

import (
	"log/slog"

	"radar-go-home/internal/radar"
	"radar-go-home/internal/store"
	"radar-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *radar.EventBus, _ *radar.Bridge, _ *store.Recorder, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
