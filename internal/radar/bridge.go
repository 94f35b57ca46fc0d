package radar

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"radar-go-home/internal/protocol"
)

// Sink receives entity state. value is bool, int, string or nil for unknown.
type Sink interface {
	Publish(entity string, value any)
}

// CommandReporter is implemented by sinks that want entity command outcomes.
type CommandReporter interface {
	CommandDone(entity string, err error)
}

// Executor runs a function on the engine goroutine; *Runner implements it.
type Executor interface {
	Exec(ctx context.Context, fn func(e *Engine, done func(error))) error
}

// Bridge maps engine output to entity IDs and entity commands to engine jobs.
// It publishes only entities present in its catalog.
type Bridge struct {
	sink     Sink
	exec     Executor
	gates    int
	catalog  []Entity
	entities map[string]Entity
	logger   *slog.Logger
}

// NewBridge creates a bridge exposing the given number of gates.
func NewBridge(sink Sink, gates int, logger *slog.Logger) *Bridge {
	catalog := Catalog(gates)
	b := &Bridge{
		sink:     sink,
		gates:    gates,
		catalog:  catalog,
		entities: make(map[string]Entity, len(catalog)),
		logger:   logger,
	}
	for _, e := range catalog {
		b.entities[e.ID] = e
	}
	return b
}

// Attach sets the executor used for entity commands.
func (b *Bridge) Attach(exec Executor) {
	b.exec = exec
}

// Entities returns the enabled catalog.
func (b *Bridge) Entities() []Entity {
	return b.catalog
}

// Entity looks up one enabled entity.
func (b *Bridge) Entity(id string) (Entity, bool) {
	e, ok := b.entities[id]
	return e, ok
}

func (b *Bridge) publish(id string, v any) {
	if _, ok := b.entities[id]; !ok {
		return
	}
	b.sink.Publish(id, v)
}

// --- Observer ---

func (b *Bridge) ReadingUpdated(r protocol.TargetReading) {
	b.publish(EntityTarget, r.HasTarget)
	b.publish(EntityMovingTarget, r.HasMovingTarget)
	b.publish(EntityStillTarget, r.HasStillTarget)
	b.publish(EntityDetectionDistance, int(r.DetectionDistance))
	b.publish(EntityMovingDistance, int(r.MovingDistance))
	b.publish(EntityStillDistance, int(r.StillDistance))
	b.publish(EntityMovingEnergy, int(r.MovingEnergy))
	b.publish(EntityStillEnergy, int(r.StillEnergy))
	b.publish(EntityCorrectionStatus, r.DynamicBackgroundCorrection)
	b.publish(EntityEngineeringMode, r.Engineering)

	if !r.Engineering {
		// Basic frames carry no per-gate energies, light or pin state.
		b.publish(EntityOutPinPresence, false)
		b.publish(EntityLight, nil)
		for g := 0; g < protocol.TotalGates; g++ {
			b.publish(GateMoveEnergyID(g), nil)
			b.publish(GateStillEnergyID(g), nil)
		}
		return
	}
	b.publish(EntityOutPinPresence, r.OutPinPresence)
	b.publish(EntityLight, int(r.LightLevel))
	for g := 0; g < protocol.TotalGates; g++ {
		b.publish(GateMoveEnergyID(g), int(r.GateMoveEnergy[g]))
		b.publish(GateStillEnergyID(g), int(r.GateStillEnergy[g]))
	}
}

func (b *Bridge) ConfigUpdated(f Field, v any) {
	switch f {
	case FieldBaudRate, FieldDistanceResolution, FieldLightFunction, FieldOutPinLevel:
		b.publish(f.String(), fmt.Sprint(v))
	case FieldMode:
		mode, _ := v.(protocol.Mode)
		b.publish(EntityMode, mode.String())
		b.publish(EntityEngineeringMode, mode == protocol.ModeEngineering)
	case FieldBluetooth:
		b.publish(EntityBluetooth, v)
	default:
		if gate, kind, ok := f.Gate(); ok {
			if kind == protocol.GateStill {
				b.publish(GateStillThresholdID(gate), v)
			} else {
				b.publish(GateMoveThresholdID(gate), v)
			}
			return
		}
		b.publish(f.String(), v)
	}
}

func (b *Bridge) InfoUpdated(info DeviceInfo) {
	if info.Version != "" {
		b.publish(EntityVersion, info.Version)
	}
	mac := info.MAC
	if mac == "" {
		mac = unknownMAC
	}
	b.publish(EntityMAC, mac)
}

func (b *Bridge) CorrectionUpdated(active bool) {
	b.publish(EntityCorrectionStatus, active)
}

// --- Commands ---

// Set dispatches a command on any writable entity. Numbers accept int,
// float64 or numeric strings; switches accept bool or "ON"/"OFF"; buttons
// ignore value.
func (b *Bridge) Set(ctx context.Context, id string, value any) error {
	ent, ok := b.entities[id]
	if !ok {
		return fmt.Errorf("set %s: %w", id, ErrUnknownEntity)
	}
	switch ent.Platform {
	case PlatformNumber:
		n, err := toInt(value)
		if err != nil {
			return fmt.Errorf("set %s: %w", id, err)
		}
		return b.SetNumber(ctx, id, n)
	case PlatformSelect:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("set %s: %w: want string, got %T", id, protocol.ErrInvalidValue, value)
		}
		return b.SelectOption(ctx, id, s)
	case PlatformSwitch:
		on, err := toBool(value)
		if err != nil {
			return fmt.Errorf("set %s: %w", id, err)
		}
		return b.SetSwitch(ctx, id, on)
	case PlatformButton:
		return b.Press(ctx, id)
	case PlatformText:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("set %s: %w: want string, got %T", id, protocol.ErrInvalidValue, value)
		}
		return b.SetBluetoothPassword(ctx, s)
	}
	return fmt.Errorf("set %s: %w", id, ErrReadOnly)
}

// SetNumber writes a number entity.
func (b *Bridge) SetNumber(ctx context.Context, id string, v int) error {
	if ent, ok := b.entities[id]; !ok || ent.Platform != PlatformNumber {
		return fmt.Errorf("set number %s: %w", id, ErrUnknownEntity)
	}
	return b.run(ctx, id, func(e *Engine, done func(error)) {
		cmd, err := numberCommand(e.Config(), id, v)
		if err != nil {
			done(err)
			return
		}
		e.Write(cmd, done)
	})
}

func numberCommand(cfg *ConfigStore, id string, v int) (protocol.Command, error) {
	switch id {
	case EntityMinDistanceGate:
		hi, ok := cfg.Read(FieldMaxDistanceGate)
		if !ok {
			return protocol.Command{}, ErrNotReady
		}
		return protocol.SetDistanceGates(v, hi.(int))
	case EntityMaxDistanceGate:
		lo, ok := cfg.Read(FieldMinDistanceGate)
		if !ok {
			return protocol.Command{}, ErrNotReady
		}
		return protocol.SetDistanceGates(lo.(int), v)
	case EntityTimeout:
		return protocol.SetTimeout(v)
	case EntityLightThreshold:
		return protocol.SetLightThreshold(v)
	}
	gate, kind, suffix, ok := parseGateEntity(id)
	if !ok || suffix != "threshold" {
		return protocol.Command{}, ErrUnknownEntity
	}
	return protocol.SetGateThreshold(gate, kind, v)
}

// SelectOption writes a select entity.
func (b *Bridge) SelectOption(ctx context.Context, id, option string) error {
	var (
		cmd protocol.Command
		err error
	)
	switch id {
	case EntityBaudRate:
		var rate int
		if rate, err = strconv.Atoi(option); err != nil {
			return fmt.Errorf("select %s %q: %w", id, option, protocol.ErrInvalidValue)
		}
		var code protocol.BaudRate
		if code, err = protocol.ParseBaudRate(rate); err == nil {
			cmd, err = protocol.SetBaudRate(code)
		}
	case EntityDistanceResolution:
		var r protocol.DistanceResolution
		if r, err = protocol.ParseDistanceResolution(option); err == nil {
			cmd, err = protocol.SetDistanceResolution(r)
		}
	case EntityLightFunction:
		var f protocol.LightFunction
		if f, err = protocol.ParseLightFunction(option); err == nil {
			cmd, err = protocol.SetLightFunction(f)
		}
	case EntityOutPinLevel:
		var l protocol.OutPinLevel
		if l, err = protocol.ParseOutPinLevel(option); err == nil {
			cmd, err = protocol.SetOutPinLevel(l)
		}
	case EntityMode:
		var m protocol.Mode
		if m, err = protocol.ParseMode(option); err == nil {
			cmd, err = protocol.SetMode(m)
		}
	default:
		return fmt.Errorf("select %s: %w", id, ErrUnknownEntity)
	}
	if err != nil {
		return fmt.Errorf("select %s: %w", id, err)
	}
	return b.write(ctx, id, cmd)
}

// SetSwitch turns a switch entity on or off.
func (b *Bridge) SetSwitch(ctx context.Context, id string, on bool) error {
	var cmd protocol.Command
	switch id {
	case EntityBluetooth:
		cmd = protocol.SetBluetooth(on)
	case EntityEngineeringMode:
		mode := protocol.ModeNormal
		if on {
			mode = protocol.ModeEngineering
		}
		cmd, _ = protocol.SetMode(mode)
	default:
		return fmt.Errorf("switch %s: %w", id, ErrUnknownEntity)
	}
	return b.write(ctx, id, cmd)
}

// Press triggers a button entity.
func (b *Bridge) Press(ctx context.Context, id string) error {
	var fn func(e *Engine, done func(error))
	switch id {
	case EntityQuery:
		fn = func(e *Engine, done func(error)) { e.Refresh(done) }
	case EntityRestart:
		fn = func(e *Engine, done func(error)) { e.Restart(done) }
	case EntityFactoryReset:
		fn = func(e *Engine, done func(error)) { e.FactoryReset(done) }
	case EntityStartCorrection:
		fn = func(e *Engine, done func(error)) { e.StartDynamicBackgroundCorrection(done) }
	default:
		return fmt.Errorf("press %s: %w", id, ErrUnknownEntity)
	}
	return b.run(ctx, id, fn)
}

// SetBluetoothPassword sends a new Bluetooth password, outside any configuration session.
func (b *Bridge) SetBluetoothPassword(ctx context.Context, password string) error {
	if _, err := protocol.SetBluetoothPassword(password); err != nil {
		return err
	}
	return b.run(ctx, EntityBluetoothPassword, func(e *Engine, done func(error)) {
		e.SetBluetoothPassword(password, done)
	})
}

func (b *Bridge) write(ctx context.Context, id string, cmd protocol.Command) error {
	return b.run(ctx, id, func(e *Engine, done func(error)) { e.Write(cmd, done) })
}

func (b *Bridge) run(ctx context.Context, id string, fn func(e *Engine, done func(error))) error {
	if b.exec == nil {
		return fmt.Errorf("%s: %w", id, ErrNotReady)
	}
	err := b.exec.Exec(ctx, fn)
	if r, ok := b.sink.(CommandReporter); ok {
		r.CommandDone(id, err)
	}
	if err != nil {
		b.logger.Warn("radar entity command failed", "entity", id, "err", err)
		return err
	}
	b.logger.Info("radar entity command", "entity", id)
	return nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%w: %v is not an integer", protocol.ErrInvalidValue, n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			f, ferr := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if ferr != nil || f != float64(int(f)) {
				return 0, fmt.Errorf("%w: %q is not an integer", protocol.ErrInvalidValue, n)
			}
			return int(f), nil
		}
		return i, nil
	}
	return 0, fmt.Errorf("%w: want number, got %T", protocol.ErrInvalidValue, v)
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToUpper(strings.TrimSpace(b)) {
		case "ON", "TRUE", "1":
			return true, nil
		case "OFF", "FALSE", "0":
			return false, nil
		}
	case float64:
		return b != 0, nil
	case int:
		return b != 0, nil
	}
	return false, fmt.Errorf("%w: want bool, got %v", protocol.ErrInvalidValue, v)
}
