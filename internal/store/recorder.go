package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"radar-go-home/internal/radar"
)

// Recorder keeps the latest entity states in memory and persists them,
// together with presence transitions and device identity, on Flush.
type Recorder struct {
	store     Store
	retention time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	states    map[string]EntityState
	dirty     map[string]struct{}
	present   *bool
	presence  []PresenceEvent
	info      DeviceInfo
	infoDirty bool
}

// NewRecorder loads persisted state from s. Presence history older than
// retention is pruned by Run; zero keeps everything.
func NewRecorder(s Store, name, id string, retention time.Duration, logger *slog.Logger) (*Recorder, error) {
	r := &Recorder{
		store:     s,
		retention: retention,
		logger:    logger,
		states:    make(map[string]EntityState),
		dirty:     make(map[string]struct{}),
	}

	states, err := s.LoadStates()
	if err != nil {
		return nil, fmt.Errorf("load states: %w", err)
	}
	for _, st := range states {
		r.states[st.Entity] = st
	}

	info, err := s.GetDeviceInfo()
	switch {
	case err == nil:
		r.info = *info
	case !isNotFound(err):
		return nil, fmt.Errorf("load device info: %w", err)
	}
	if r.info.Name != name || r.info.ID != id {
		r.info.Name, r.info.ID = name, id
		r.infoDirty = true
	}
	return r, nil
}

// Handle records one bus event. Only state events are kept.
func (r *Recorder) Handle(ev radar.Event) {
	if ev.Type != radar.EventState {
		return
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.states[ev.Entity] = EntityState{Entity: ev.Entity, Value: ev.Value, UpdatedAt: at}
	r.dirty[ev.Entity] = struct{}{}

	switch ev.Entity {
	case radar.EntityTarget:
		present, ok := ev.Value.(bool)
		if !ok {
			return
		}
		if r.present == nil || *r.present != present {
			r.present = &present
			r.presence = append(r.presence, PresenceEvent{Time: at, Present: present})
		}
	case radar.EntityVersion:
		if v, ok := ev.Value.(string); ok && v != r.info.Version {
			r.info.Version = v
			r.info.UpdatedAt = at
			r.infoDirty = true
		}
	case radar.EntityMAC:
		if v, ok := ev.Value.(string); ok && v != r.info.MAC {
			r.info.MAC = v
			r.info.UpdatedAt = at
			r.infoDirty = true
		}
	}
}

// Snapshot returns the latest state of every entity, ordered by ID.
func (r *Recorder) Snapshot() []EntityState {
	r.mu.Lock()
	out := make([]EntityState, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, st)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// State returns the latest state of one entity.
func (r *Recorder) State(entity string) (EntityState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[entity]
	return st, ok
}

// Info returns the device identity.
func (r *Recorder) Info() DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

// Flush writes pending changes to the store. On error the pending changes
// are kept for the next attempt.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	states := make([]EntityState, 0, len(r.dirty))
	for id := range r.dirty {
		states = append(states, r.states[id])
	}
	presence := r.presence
	info := r.info
	infoDirty := r.infoDirty
	r.dirty = make(map[string]struct{})
	r.presence = nil
	r.infoDirty = false
	r.mu.Unlock()

	err := r.store.SaveStates(states)
	if err == nil && infoDirty {
		err = r.store.SaveDeviceInfo(&info)
		infoDirty = false
	}
	for len(presence) > 0 && err == nil {
		if err = r.store.AppendPresence(presence[0]); err == nil {
			presence = presence[1:]
		}
	}
	if err == nil {
		return nil
	}

	r.mu.Lock()
	for _, st := range states {
		r.dirty[st.Entity] = struct{}{}
	}
	r.presence = append(presence, r.presence...)
	r.infoDirty = r.infoDirty || infoDirty
	r.mu.Unlock()
	return fmt.Errorf("flush: %w", err)
}

// Run flushes every interval and prunes presence history hourly until ctx
// ends, then flushes once more.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	flush := time.NewTicker(interval)
	defer flush.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	r.prune()
	for {
		select {
		case <-ctx.Done():
			if err := r.Flush(); err != nil {
				r.logger.Error("final state flush failed", "err", err)
			}
			return
		case <-flush.C:
			if err := r.Flush(); err != nil {
				r.logger.Warn("state flush failed", "err", err)
			}
		case <-prune.C:
			r.prune()
		}
	}
}

func (r *Recorder) prune() {
	if r.retention <= 0 {
		return
	}
	n, err := r.store.PrunePresence(time.Now().Add(-r.retention))
	if err != nil {
		r.logger.Warn("presence prune failed", "err", err)
		return
	}
	if n > 0 {
		r.logger.Debug("presence history pruned", "events", n)
	}
}

// Value returns the latest value of one entity.
func (r *Recorder) Value(entity string) (any, bool) {
	st, ok := r.State(entity)
	return st.Value, ok
}
