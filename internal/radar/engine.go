package radar

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"radar-go-home/internal/protocol"
)

// Observer receives what the engine learns from the module. The engine calls
// it from its own goroutine and only with decoded or acknowledged values.
type Observer interface {
	ReadingUpdated(r protocol.TargetReading)
	ConfigUpdated(f Field, v any)
	InfoUpdated(info DeviceInfo)
	CorrectionUpdated(active bool)
}

// DeviceInfo holds the identification the module reports on request.
type DeviceInfo struct {
	Version string `json:"version"`
	// MAC is empty while Bluetooth is off.
	MAC string `json:"mac"`
}

// EngineConfig tunes the engine. Zero values select the defaults.
type EngineConfig struct {
	Throttle   time.Duration
	AckTimeout time.Duration
	// MaxRetries is the retransmit count per command; NoRetries disables them.
	MaxRetries int
	// RestartSettle is how long to wait after a restart before reading the configuration back.
	RestartSettle time.Duration
	// CorrectionPoll is the status poll interval while background correction runs.
	CorrectionPoll time.Duration
}

// NoRetries as EngineConfig.MaxRetries sends each command exactly once.
const NoRetries = -1

const (
	defaultRestartSettle  = 1500 * time.Millisecond
	defaultCorrectionPoll = time.Second
)

func (c EngineConfig) withDefaults() EngineConfig {
	if c.Throttle == 0 {
		c.Throttle = DefaultThrottle
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = defaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.RestartSettle <= 0 {
		c.RestartSettle = defaultRestartSettle
	}
	if c.CorrectionPoll <= 0 {
		c.CorrectionPoll = defaultCorrectionPoll
	}
	return c
}

// EngineStats counts decoder and status traffic.
type EngineStats struct {
	protocol.CodecStats
	Readings      uint64 `json:"readings"`
	StatusErrors  uint64 `json:"status_errors"`
	IgnoredStatus uint64 `json:"ignored_status"`
	QueuedJobs    int    `json:"queued_jobs"`
}

// job is a sequence of commands run back to back, such as a write wrapped
// in OpenConfig/CloseConfig.
type job struct {
	name      string
	steps     []protocol.Command
	next      int
	notBefore time.Time
	closing   bool
	err       error
	done      func(error)
}

// Engine owns the codec, command channel, configuration mirror and throttle.
// Everything runs on the caller's goroutine; see Runner for a concurrent wrapper.
type Engine struct {
	codec    *protocol.Codec
	ch       *Channel
	store    *ConfigStore
	throttle *Throttle
	obs      Observer
	cfg      EngineConfig
	logger   *slog.Logger

	jobs          []*job
	info          DeviceInfo
	correction    bool
	correctionSet bool
	lastPoll      time.Time
	now           time.Time
	closed        bool
	stats         EngineStats
}

// NewEngine creates an engine writing commands to w. obs may be nil.
func NewEngine(w io.Writer, obs Observer, cfg EngineConfig, logger *slog.Logger) *Engine {
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = nopObserver{}
	}
	e := &Engine{
		codec:    protocol.NewCodec(logger),
		ch:       NewChannel(w, cfg.AckTimeout, cfg.MaxRetries, logger),
		store:    NewConfigStore(),
		throttle: NewThrottle(cfg.Throttle),
		obs:      obs,
		cfg:      cfg,
		logger:   logger,
	}
	e.store.OnChange(obs.ConfigUpdated)
	return e
}

// Config returns the configuration mirror.
func (e *Engine) Config() *ConfigStore { return e.store }

// Info returns the last version and MAC read from the module.
func (e *Engine) Info() DeviceInfo { return e.info }

// Correction reports whether dynamic background correction is running.
func (e *Engine) Correction() bool { return e.correction }

// SessionOpen reports whether a configuration session is open.
func (e *Engine) SessionOpen() bool { return e.ch.SessionOpen() }

// Idle reports whether no command is in flight and no job is queued.
func (e *Engine) Idle() bool { return !e.ch.Busy() && len(e.jobs) == 0 }

func (e *Engine) Stats() EngineStats {
	s := e.stats
	s.CodecStats = e.codec.Stats()
	s.QueuedJobs = len(e.jobs)
	return s
}

// Feed processes bytes read from the module.
func (e *Engine) Feed(data []byte, now time.Time) {
	e.now = now
	for _, f := range e.codec.Feed(data) {
		e.handleFrame(f, now)
	}
	e.pump(now)
}

// Tick advances timers: retransmits, held readings, correction polling and queued jobs.
func (e *Engine) Tick(now time.Time) {
	e.now = now
	e.ch.Tick(now)
	if r, ok := e.throttle.Flush(now); ok {
		e.forward(r)
	}
	e.pollCorrection(now)
	e.pump(now)
}

func (e *Engine) handleFrame(f protocol.Frame, now time.Time) {
	if f.Kind == protocol.KindCommand {
		e.ch.HandleFrame(f)
		return
	}
	if e.ch.SessionOpen() {
		e.stats.IgnoredStatus++
		e.logger.Debug("radar status ignored during config session", "type", f.Type)
		return
	}
	r, err := protocol.DecodeStatus(f)
	if err != nil {
		e.stats.StatusErrors++
		e.logger.Debug("radar status dropped", "err", err)
		return
	}
	e.stats.Readings++
	if out, ok := e.throttle.Offer(r, now); ok {
		e.forward(out)
	}
}

func (e *Engine) forward(r protocol.TargetReading) {
	r.DynamicBackgroundCorrection = e.correction
	e.obs.ReadingUpdated(r)
}

// Submit sends one command directly through the channel. Acknowledged writes
// and query results update the configuration mirror before done runs.
func (e *Engine) Submit(cmd protocol.Command, now time.Time, done func(protocol.Response, error)) error {
	if e.closed {
		return fmt.Errorf("submit %s: %w", cmd.Op, ErrAborted)
	}
	_, err := e.ch.Submit(cmd, now, func(resp protocol.Response, err error) {
		if err == nil {
			err = e.apply(cmd, resp)
		}
		if done != nil {
			done(resp, err)
		}
	})
	return err
}

// apply folds an acknowledged command into the engine state.
func (e *Engine) apply(cmd protocol.Command, resp protocol.Response) error {
	switch cmd.Op {
	case protocol.OpQuery:
		c, err := protocol.DecodeQueryResult(resp.Data)
		if err != nil {
			return err
		}
		e.store.ApplyQueryResult(c)
	case protocol.OpQueryVersion:
		v, err := protocol.DecodeVersion(resp.Data)
		if err != nil {
			return err
		}
		e.info.Version = v
		e.obs.InfoUpdated(e.info)
	case protocol.OpQueryMAC:
		mac, bluetooth, err := protocol.DecodeMAC(resp.Data)
		if err != nil {
			return err
		}
		e.info.MAC = mac
		e.obs.InfoUpdated(e.info)
		return e.store.ApplyConfirmedWrite(FieldBluetooth, bluetooth)
	case protocol.OpQueryDynamicBackgroundCorrection:
		active, err := protocol.DecodeCorrectionStatus(resp.Data)
		if err != nil {
			return err
		}
		e.setCorrection(active)
	case protocol.OpStartDynamicBackgroundCorrection:
		e.lastPoll = e.now
		e.setCorrection(true)
	case protocol.OpFactoryReset:
		e.store.Forget()
	default:
		for _, w := range confirmedWrites(cmd) {
			if err := e.store.ApplyConfirmedWrite(w.field, w.value); err != nil {
				return err
			}
		}
	}
	return nil
}

type fieldValue struct {
	field Field
	value any
}

// confirmedWrites lists the mirror updates an acknowledged set command implies.
func confirmedWrites(cmd protocol.Command) []fieldValue {
	p := cmd.Params
	if len(p) == 0 {
		return nil
	}
	v := p[0].Uint()
	switch cmd.Op {
	case protocol.OpSetGateThreshold:
		if len(p) < 3 {
			return nil
		}
		return []fieldValue{{GateField(v, protocol.GateKind(p[1].Uint())), p[2].Uint()}}
	case protocol.OpSetDistanceGates:
		if len(p) < 2 {
			return nil
		}
		return []fieldValue{{FieldMinDistanceGate, v}, {FieldMaxDistanceGate, p[1].Uint()}}
	case protocol.OpSetTimeout:
		return []fieldValue{{FieldTimeout, v}}
	case protocol.OpSetBaudRate:
		return []fieldValue{{FieldBaudRate, protocol.BaudRate(v)}}
	case protocol.OpSetDistanceResolution:
		return []fieldValue{{FieldDistanceResolution, protocol.DistanceResolution(v)}}
	case protocol.OpSetOutPinLevel:
		return []fieldValue{{FieldOutPinLevel, protocol.OutPinLevel(v)}}
	case protocol.OpSetMode:
		return []fieldValue{{FieldMode, protocol.Mode(v)}}
	case protocol.OpSetLightThreshold:
		return []fieldValue{{FieldLightThreshold, v}}
	case protocol.OpSetLightFunction:
		return []fieldValue{{FieldLightFunction, protocol.LightFunction(v)}}
	case protocol.OpSetBluetooth:
		return []fieldValue{{FieldBluetooth, v != 0}}
	}
	return nil
}

func (e *Engine) setCorrection(active bool) {
	if e.correctionSet && e.correction == active {
		return
	}
	e.correction = active
	e.correctionSet = true
	e.obs.CorrectionUpdated(active)
}

// --- Jobs ---

func refreshSteps() []protocol.Command {
	return []protocol.Command{
		protocol.OpenConfig(),
		protocol.QueryVersion(),
		protocol.QueryMAC(),
		protocol.Query(),
		protocol.QueryDynamicBackgroundCorrection(),
		protocol.CloseConfig(),
	}
}

// Refresh reads version, MAC, configuration and correction status in one session.
func (e *Engine) Refresh(done func(error)) {
	e.enqueue("refresh", refreshSteps(), 0, done)
}

// Write applies one set command inside a configuration session. Settings
// that need a restart get one after the session closes, followed by a refresh.
func (e *Engine) Write(cmd protocol.Command, done func(error)) {
	name := "write " + cmd.Op.String()
	steps := []protocol.Command{protocol.OpenConfig(), cmd, protocol.CloseConfig()}
	if !cmd.Op.NeedsRestart() {
		e.enqueue(name, steps, 0, done)
		return
	}
	steps = append(steps, protocol.Restart())
	e.enqueue(name, steps, 0, e.thenRefresh(done))
}

// SetBluetoothPassword sends the password command. It needs no session.
func (e *Engine) SetBluetoothPassword(password string, done func(error)) {
	cmd, err := protocol.SetBluetoothPassword(password)
	if err != nil {
		callDone(done, err)
		return
	}
	e.enqueue("set bluetooth password", []protocol.Command{cmd}, 0, done)
}

// Restart aborts in-flight and queued work, restarts the module and reads it back.
func (e *Engine) Restart(done func(error)) {
	e.abort()
	e.enqueue("restart", []protocol.Command{protocol.OpenConfig(), protocol.Restart()}, 0, e.thenRefresh(done))
}

// FactoryReset aborts in-flight and queued work, restores factory settings,
// restarts the module and reads it back.
func (e *Engine) FactoryReset(done func(error)) {
	e.abort()
	steps := []protocol.Command{
		protocol.OpenConfig(),
		protocol.FactoryReset(),
		protocol.CloseConfig(),
		protocol.Restart(),
	}
	e.enqueue("factory reset", steps, 0, e.thenRefresh(done))
}

// StartDynamicBackgroundCorrection starts a correction run unless one is active.
func (e *Engine) StartDynamicBackgroundCorrection(done func(error)) {
	if e.correction {
		callDone(done, nil)
		return
	}
	steps := []protocol.Command{
		protocol.OpenConfig(),
		protocol.StartDynamicBackgroundCorrection(),
		protocol.CloseConfig(),
	}
	e.enqueue("start correction", steps, 0, done)
}

// Shutdown aborts everything in flight and refuses further work.
func (e *Engine) Shutdown() {
	if e.closed {
		return
	}
	e.closed = true
	e.abort()
}

func (e *Engine) thenRefresh(done func(error)) func(error) {
	return func(err error) {
		if err == nil {
			e.enqueue("refresh after restart", refreshSteps(), e.cfg.RestartSettle, func(err error) {
				if err != nil {
					e.logger.Warn("radar read back after restart failed", "err", err)
				}
			})
		}
		callDone(done, err)
	}
}

func (e *Engine) pollCorrection(now time.Time) {
	if !e.correction || e.closed || !e.Idle() || now.Sub(e.lastPoll) < e.cfg.CorrectionPoll {
		return
	}
	e.lastPoll = now
	steps := []protocol.Command{
		protocol.OpenConfig(),
		protocol.QueryDynamicBackgroundCorrection(),
		protocol.CloseConfig(),
	}
	e.enqueue("correction poll", steps, 0, func(err error) {
		if err != nil {
			e.logger.Debug("radar correction poll failed", "err", err)
		}
	})
}

func (e *Engine) enqueue(name string, steps []protocol.Command, delay time.Duration, done func(error)) {
	if e.closed {
		callDone(done, fmt.Errorf("%s: %w", name, ErrAborted))
		return
	}
	e.jobs = append(e.jobs, &job{
		name:      name,
		steps:     steps,
		notBefore: e.now.Add(delay),
		done:      done,
	})
}

// pump starts the next step of the head job whenever the channel is free.
func (e *Engine) pump(now time.Time) {
	for len(e.jobs) > 0 && !e.ch.Busy() {
		j := e.jobs[0]
		if now.Before(j.notBefore) {
			return
		}
		if j.next >= len(j.steps) {
			e.finish(j)
			continue
		}
		err := e.Submit(j.steps[j.next], now, func(_ protocol.Response, err error) {
			e.stepDone(j, err)
		})
		if err != nil {
			e.stepDone(j, err)
		}
	}
}

func (e *Engine) stepDone(j *job, err error) {
	op := j.steps[j.next].Op
	j.next++
	if err == nil {
		return
	}
	if j.err == nil {
		j.err = err
	}
	if j.closing || op == protocol.OpCloseConfig || errors.Is(err, ErrAborted) || !e.ch.SessionOpen() {
		e.finish(j)
		return
	}
	// Leave the module out of configuration mode before reporting.
	j.closing = true
	j.steps = append(j.steps[:j.next:j.next], protocol.CloseConfig())
}

func (e *Engine) finish(j *job) {
	for i, q := range e.jobs {
		if q == j {
			e.jobs = append(e.jobs[:i], e.jobs[i+1:]...)
			break
		}
	}
	if j.err != nil {
		e.logger.Warn("radar job failed", "job", j.name, "err", j.err)
	} else {
		e.logger.Debug("radar job done", "job", j.name)
	}
	callDone(j.done, j.err)
}

func (e *Engine) abort() {
	e.ch.Abort()
	jobs := e.jobs
	e.jobs = nil
	for _, j := range jobs {
		if j.err == nil {
			j.err = fmt.Errorf("%s: %w", j.name, ErrAborted)
		}
		callDone(j.done, j.err)
	}
}

func callDone(done func(error), err error) {
	if done != nil {
		done(err)
	}
}

type nopObserver struct{}

func (nopObserver) ReadingUpdated(protocol.TargetReading) {}
func (nopObserver) ConfigUpdated(Field, any)              {}
func (nopObserver) InfoUpdated(DeviceInfo)                {}
func (nopObserver) CorrectionUpdated(bool)                {}
