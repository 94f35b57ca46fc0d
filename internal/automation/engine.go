//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"radar-go-home/internal/radar"
)

// Events is the event source scripts subscribe to; *radar.EventBus implements it.
type Events interface {
	OnAll(handler radar.EventHandler) func()
}

// Commander executes entity commands; *radar.Bridge implements it.
type Commander interface {
	Set(ctx context.Context, entity string, value any) error
	Entities() []radar.Entity
}

// States returns the latest known entity values.
type States interface {
	Value(entity string) (any, bool)
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a registered Lua callback for one entity or "*".
type luaEventHandler struct {
	entity      string
	changesOnly bool
	fn          *lua.LFunction

	// last value seen by a changesOnly handler; touched only on the VM goroutine.
	seen bool
	last any
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []*luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Engine manages Lua VMs and dispatches radar events to scripts.
type Engine struct {
	events  Events
	cmd     Commander
	states  States
	manager *Manager
	logger  *slog.Logger

	// commandTimeout bounds radar.set calls.
	commandTimeout time.Duration

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(events Events, cmd Commander, states States, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		events:         events,
		cmd:            cmd,
		states:         states,
		manager:        mgr,
		logger:         logger.With("component", "automation"),
		commandTimeout: 30 * time.Second,
		vms:            make(map[string]*scriptVM),
	}
}

// Start subscribes to radar events and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.events.OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from radar events.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// Running returns the IDs of running scripts.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// ReloadScript stops the old VM (if any) and starts the saved version.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunLuaCode executes code in a temporary VM and returns its log output.
// Registered handlers are not invoked; radar.set and radar.press act on the
// real device.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 1),
		ctx:      ctx,
		cancel:   cancel,
	}

	var (
		logs  []string
		logMu sync.Mutex
	)
	registerRadarModule(L, vm, e, func(level, msg string) {
		logMu.Lock()
		logs = append(logs, "["+level+"] "+msg)
		logMu.Unlock()
	})

	err := L.DoString(code)
	dur := time.Since(start)

	logMu.Lock()
	defer logMu.Unlock()
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "context deadline exceeded") {
			errStr = "timeout (5s)"
		}
		e.logger.Warn("script run failed", "err", errStr)
		return &RunResult{OK: false, Error: errStr, Logs: logs, Duration: dur.String()}
	}
	return &RunResult{OK: true, Logs: logs, Duration: dur.String()}
}

// newSandbox creates a Lua state without file, OS or module loading access.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandbox()

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerRadarModule(L, vm, e, nil)

	// Top-level code registers handlers.
	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent routes a state event to matching Lua handlers. It never
// blocks: a VM with a full queue drops the event.
func (e *Engine) dispatchEvent(event radar.Event) {
	if event.Type != radar.EventState {
		return
	}

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		var matched []*luaEventHandler
		for _, h := range vm.handlers {
			if h.entity == "*" || h.entity == event.Entity {
				matched = append(matched, h)
			}
		}
		vm.mu.Unlock()
		if len(matched) == 0 {
			continue
		}

		select {
		case <-vm.ctx.Done():
		case vm.commands <- func(L *lua.LState) {
			for _, h := range matched {
				if h.changesOnly {
					if h.seen && sameValue(h.last, event.Value) {
						continue
					}
					h.seen, h.last = true, event.Value
				}
				e.callHandler(L, h.fn, event)
			}
		}:
		default:
			e.logger.Warn("script command channel full, dropping event", "entity", event.Entity)
		}
	}
}

func sameValue(a, b any) bool {
	switch a.(type) {
	case nil, bool, int, float64, string:
		return a == b
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event radar.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	ev := L.NewTable()
	ev.RawSetString("type", lua.LString(event.Type))
	ev.RawSetString("entity", lua.LString(event.Entity))
	ev.RawSetString("value", goToLua(L, event.Value))
	ev.RawSetString("time", lua.LNumber(float64(event.Time.UnixMilli())/1000))

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, ev); err != nil {
		e.logger.Error("lua handler error", "entity", event.Entity, "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	case fmt.Stringer:
		return lua.LString(val.String())
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua argument to a value radar.Bridge.Set accepts.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	}
	return nil
}
