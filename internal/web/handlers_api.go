package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"radar-go-home/internal/protocol"
	"radar-go-home/internal/radar"
	"radar-go-home/internal/store"
)

const (
	defaultPresenceLimit = 100
	maxPresenceLimit     = 1000
)

// entityView is an entity description merged with its latest value.
type entityView struct {
	radar.Entity
	Value     any        `json:"value"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func (s *Server) view(ent radar.Entity) entityView {
	v := entityView{Entity: ent}
	if s.states == nil {
		return v
	}
	if st, ok := s.states.State(ent.ID); ok {
		v.Value = st.Value
		t := st.UpdatedAt
		v.UpdatedAt = &t
	}
	return v
}

func (s *Server) handleAPIListEntities(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	ents := s.radar.Entities()
	views := make([]entityView, 0, len(ents))
	for _, ent := range ents {
		if platform != "" && string(ent.Platform) != platform {
			continue
		}
		views = append(views, s.view(ent))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetEntity(w http.ResponseWriter, r *http.Request) {
	ent, ok := s.radar.Entity(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(ent))
}

type setEntityRequest struct {
	Value any `json:"value"`
}

func (s *Server) handleAPISetEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.radar.Entity(id); !ok {
		s.writeError(w, http.StatusNotFound, "entity not found")
		return
	}

	var req setEntityRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	// Buttons take no value, so an empty body is fine.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()
	if err := s.radar.Set(ctx, id, req.Value); err != nil {
		status := commandStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("set entity", "entity", id, "err", err)
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// commandStatus maps a radar command error to an HTTP status code.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, radar.ErrUnknownEntity):
		return http.StatusNotFound
	case errors.Is(err, radar.ErrReadOnly), errors.Is(err, protocol.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, radar.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, radar.ErrRejected):
		return http.StatusBadGateway
	case errors.Is(err, radar.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, radar.ErrBusy), errors.Is(err, radar.ErrAborted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleAPIState(w http.ResponseWriter, r *http.Request) {
	if s.states == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	out := make(map[string]any)
	for _, st := range s.states.Snapshot() {
		out[st.Entity] = st.Value
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIEntityState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.states == nil {
		s.writeError(w, http.StatusNotFound, "no state recorded")
		return
	}
	st, ok := s.states.State(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no state recorded")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAPIDevice(w http.ResponseWriter, r *http.Request) {
	if s.states == nil {
		s.writeError(w, http.StatusNotFound, "device info not available")
		return
	}
	s.writeJSON(w, http.StatusOK, s.states.Info())
}

func (s *Server) handleAPIPresence(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}

	q := r.URL.Query()
	since := time.Now().Add(-24 * time.Hour)
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = t
	}
	limit := defaultPresenceLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPresenceLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be 1-1000")
			return
		}
		limit = n
	}

	events, err := s.history.PresenceSince(since, limit)
	if err != nil {
		s.logger.Error("presence history", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if events == nil {
		events = []store.PresenceEvent{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.writeError(w, http.StatusNotFound, "stats not available")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	stats, err := s.stats(ctx)
	if err != nil {
		s.writeError(w, commandStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
