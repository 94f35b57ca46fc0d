//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// logSink captures script log output; nil logs to the engine logger only.
type logSink func(level, msg string)

// registerRadarModule registers the `radar` global table in a Lua state.
func registerRadarModule(L *lua.LState, vm *scriptVM, e *Engine, sink logSink) {
	mod := L.NewTable()
	fn := func(f lua.LGFunction) *lua.LFunction { return L.NewFunction(f) }

	mod.RawSetString("on", fn(func(L *lua.LState) int { return radarOn(L, vm, false) }))
	mod.RawSetString("on_change", fn(func(L *lua.LState) int { return radarOn(L, vm, true) }))
	mod.RawSetString("set", fn(func(L *lua.LState) int { return radarSet(L, e, L.CheckString(1), luaToGo(L.Get(2))) }))
	mod.RawSetString("press", fn(func(L *lua.LState) int { return radarSet(L, e, L.CheckString(1), nil) }))
	mod.RawSetString("get", fn(func(L *lua.LState) int { return radarGet(L, e) }))
	mod.RawSetString("entities", fn(func(L *lua.LState) int { return radarEntities(L, e) }))
	mod.RawSetString("after", fn(func(L *lua.LState) int { return radarAfter(L, vm, e) }))
	mod.RawSetString("log", fn(func(L *lua.LState) int { return radarLog(L, e, sink) }))
	mod.RawSetString("clock", fn(radarClock))
	mod.RawSetString("time_between", fn(radarTimeBetween))

	L.SetGlobal("radar", mod)
}

// radar.on(entity, callback) / radar.on_change(entity, callback)
// entity "*" matches every entity.
func radarOn(L *lua.LState, vm *scriptVM, changesOnly bool) int {
	entity := L.CheckString(1)
	cb := L.CheckFunction(2)

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, &luaEventHandler{entity: entity, changesOnly: changesOnly, fn: cb})
	return 0
}

// radar.set(entity, value) -> ok, err
func radarSet(L *lua.LState, e *Engine, entity string, value any) int {
	ctx, cancel := context.WithTimeout(context.Background(), e.commandTimeout)
	defer cancel()

	if err := e.cmd.Set(ctx, entity, value); err != nil {
		e.logger.Warn("script command failed", "entity", entity, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// radar.get(entity) -> value or nil
func radarGet(L *lua.LState, e *Engine) int {
	entity := L.CheckString(1)
	v, ok := e.states.Value(entity)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, v))
	return 1
}

// radar.entities() -> { {id=, name=, platform=}, ... }
func radarEntities(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, ent := range e.cmd.Entities() {
		t := L.NewTable()
		t.RawSetString("id", lua.LString(ent.ID))
		t.RawSetString("name", lua.LString(ent.Name))
		t.RawSetString("platform", lua.LString(ent.Platform))
		tbl.RawSetInt(i+1, t)
	}
	L.Push(tbl)
	return 1
}

// radar.after(seconds, callback) runs callback once on the script's VM.
func radarAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	cb := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: cb, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// radar.log(msg) or radar.log(level, msg)
func radarLog(L *lua.LState, e *Engine, sink logSink) int {
	level, msg := "info", L.CheckString(1)
	if L.GetTop() >= 2 {
		level, msg = msg, L.CheckString(2)
	}

	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	if sink != nil {
		sink(level, msg)
	}
	return 0
}

// radar.clock(component) -> number or string for the local time
func radarClock(L *lua.LState) int {
	now := time.Now()
	switch c := L.CheckString(1); c {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+c)
		return 0
	}
	return 1
}

// radar.time_between(from_hour, to_hour) -> bool; the range may wrap midnight.
func radarTimeBetween(L *lua.LState) int {
	L.Push(lua.LBool(hourBetween(time.Now().Hour(), L.CheckInt(1), L.CheckInt(2))))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}
