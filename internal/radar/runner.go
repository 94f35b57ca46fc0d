package radar

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

const tickInterval = 20 * time.Millisecond

// Port is the serial link to the module. go.bug.st/serial ports satisfy it.
type Port interface {
	io.ReadWriteCloser
}

// Runner owns an Engine on a dedicated goroutine. It feeds it bytes from the
// port, ticks it, and runs requests from other goroutines one at a time.
type Runner struct {
	port   Port
	engine *Engine
	logger *slog.Logger

	data chan []byte
	reqs chan func(*Engine)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRunner creates a runner for port. Call Start to begin processing.
func NewRunner(port Port, obs Observer, cfg EngineConfig, logger *slog.Logger) *Runner {
	return &Runner{
		port:   port,
		engine: NewEngine(port, obs, cfg, logger),
		logger: logger,
		data:   make(chan []byte, 16),
		reqs:   make(chan func(*Engine)),
		done:   make(chan struct{}),
	}
}

// Start launches the read and engine goroutines.
func (r *Runner) Start() {
	r.wg.Add(2)
	go r.readLoop()
	go r.loop()
}

// Exec runs fn on the engine goroutine and waits until fn calls done or ctx ends.
// fn must not block.
func (r *Runner) Exec(ctx context.Context, fn func(e *Engine, done func(error))) error {
	result := make(chan error, 1)
	req := func(e *Engine) {
		fn(e, func(err error) {
			select {
			case result <- err:
			default:
			}
		})
	}

	select {
	case r.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrAborted
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		// Shutdown completes queued work with ErrAborted; prefer that result.
		select {
		case err := <-result:
			return err
		case <-time.After(100 * time.Millisecond):
			return ErrAborted
		}
	}
}

// Stats returns the engine counters.
func (r *Runner) Stats(ctx context.Context) (EngineStats, error) {
	var stats EngineStats
	err := r.Exec(ctx, func(e *Engine, done func(error)) {
		stats = e.Stats()
		done(nil)
	})
	return stats, err
}

// Close stops the engine, aborting in-flight work, closes the port and waits
// for both goroutines.
func (r *Runner) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.port.Close()
	})
	r.wg.Wait()
	return err
}

func (r *Runner) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			r.engine.Shutdown()
			return
		case b := <-r.data:
			r.engine.Feed(b, time.Now())
		case now := <-ticker.C:
			r.engine.Tick(now)
		case req := <-r.reqs:
			req(r.engine)
			r.engine.Tick(time.Now())
		}
	}
}

func (r *Runner) readLoop() {
	defer r.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second
	buf := make([]byte, 256)

	for {
		select {
		case <-r.done:
			return
		default:
		}

		n, err := r.port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case r.data <- chunk:
			case <-r.done:
				return
			}
		}
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !strings.Contains(err.Error(), "closed") {
				r.logger.Error("radar read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-r.done:
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		if n > 0 {
			backoff = 10 * time.Millisecond
		}
	}
}
