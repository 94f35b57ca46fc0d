package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"radar-go-home/internal/protocol"
	"radar-go-home/internal/radar"
	"radar-go-home/internal/serialport"
	"radar-go-home/internal/store"
	"radar-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Serial struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"serial"`
	Device struct {
		Name     string        `yaml:"name"`
		ID       string        `yaml:"id"`
		Gates    int           `yaml:"gates"`    // 14, or 9 for the reduced variant
		Throttle time.Duration `yaml:"throttle"` // minimum interval between published readings
	} `yaml:"device"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path      string        `yaml:"path"`
		Retention time.Duration `yaml:"retention"`
	} `yaml:"store"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}
	if _, err := protocol.ParseBaudRate(c.Serial.Baud); err != nil {
		return fmt.Errorf("serial.baud: %w", err)
	}
	if c.Device.Gates != 9 && c.Device.Gates != protocol.TotalGates {
		return fmt.Errorf("device.gates must be 9 or %d, got %d", protocol.TotalGates, c.Device.Gates)
	}
	if c.Device.Throttle < time.Millisecond {
		return fmt.Errorf("device.throttle must be at least 1ms, got %s", c.Device.Throttle)
	}
	if c.Device.ID == "" || strings.ContainsAny(c.Device.ID, "/+# ") {
		return fmt.Errorf("device.id must be non-empty without spaces or MQTT wildcards, got %q", c.Device.ID)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("radar-go-home starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	port, err := serialport.Open(cfg.Serial.Port, cfg.Serial.Baud, logger.With("component", "serial"))
	if err != nil {
		logger.Error("open serial port", "err", err)
		os.Exit(1)
	}
	logger.Info("serial port open", "port", cfg.Serial.Port, "baud", cfg.Serial.Baud)

	// Events flow engine -> bridge -> bus -> {recorder, web, mqtt, scripts}.
	events := radar.NewEventBus(logger)
	bridge := radar.NewBridge(events, cfg.Device.Gates, logger.With("component", "bridge"))
	runner := radar.NewRunner(port, bridge, radar.EngineConfig{Throttle: cfg.Device.Throttle},
		logger.With("component", "radar"))
	bridge.Attach(runner)

	recorder, err := store.NewRecorder(db, cfg.Device.Name, cfg.Device.ID, cfg.Store.Retention,
		logger.With("component", "store"))
	if err != nil {
		logger.Error("load recorded state", "err", err)
		runner.Close()
		os.Exit(1)
	}
	unsubRecorder := events.OnAll(recorder.Handle)
	recCtx, recCancel := context.WithCancel(context.Background())
	var recWG sync.WaitGroup
	recWG.Add(1)
	go func() {
		defer recWG.Done()
		recorder.Run(recCtx, 10*time.Second)
	}()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(events, bridge, recorder, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts,
		web.WithVersion(version),
		web.WithHistory(db),
		web.WithStats(runner.Stats),
	)
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(bridge, recorder, events, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(events, bridge, cfg, logger)

	// Every subscriber is attached; start reading the module.
	runner.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := bridge.Press(ctx, radar.EntityQuery); err != nil {
		logger.Warn("initial radar read failed, values stay unknown until the next query", "err", err)
	}
	cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	if err := runner.Close(); err != nil {
		logger.Error("close serial port", "err", err)
	}
	unsubRecorder()
	recCancel()
	recWG.Wait()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 256000
	}
	if cfg.Device.Name == "" {
		cfg.Device.Name = "LD2412"
	}
	if cfg.Device.ID == "" {
		cfg.Device.ID = "ld2412"
	}
	if cfg.Device.Gates == 0 {
		cfg.Device.Gates = protocol.TotalGates
	}
	if cfg.Device.Throttle == 0 {
		cfg.Device.Throttle = radar.DefaultThrottle
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "radar-home.db"
	}
	if cfg.Store.Retention == 0 {
		cfg.Store.Retention = 30 * 24 * time.Hour
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "radar2mqtt"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
