package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"auteur/pkg/logx"
	"auteur/pkg/room"
	"auteur/pkg/session"
	"auteur/pkg/version"
	"auteur/pkg/vision"
)

const (
	maxLogEntries    = 1000
	defaultSessions  = 50
	maxOfferBodySize = 1 << 20
)

// handleHealth implements GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"rooms":   len(s.deps.Tracker.Rooms()),
	})
}

// handleLogs implements GET /api/logs?domain=&since=.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	domain := query.Get("domain")

	var since time.Time
	if v := query.Get("since"); v != "" {
		var err error
		if since, err = time.Parse(time.RFC3339, v); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid since parameter (use RFC3339)")
			return
		}
	}

	logs := logx.GetRecentLogEntries(domain, since)
	if len(logs) > maxLogEntries {
		logs = logs[len(logs)-maxLogEntries:]
	}
	s.writeJSON(w, http.StatusOK, logs)
}

// handleUsage implements GET /api/usage: LLM traffic per model.
func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	usage, err := s.deps.Recorder.Usage()
	if err != nil {
		s.logger.Error("Failed to summarize usage: %v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}
	s.writeJSON(w, http.StatusOK, usage)
}

// handleRooms implements GET /api/rooms.
func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Tracker.Rooms())
}

// RoomContext is the response of GET /api/rooms/{room}/context.
type RoomContext struct {
	Room      string          `json:"room"`
	SessionID string          `json:"session_id"`
	Snapshot  vision.Snapshot `json:"snapshot"`
	Directive string          `json:"directive"`
	Swaps     uint64          `json:"swaps"`
	Stats     session.Stats   `json:"stats"`
}

func (s *Server) handleRoomContext(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "room")
	c, ok := s.deps.Tracker.Get(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no session for room "+name)
		return
	}
	s.writeJSON(w, http.StatusOK, RoomContext{
		Room:      name,
		SessionID: c.ID(),
		Snapshot:  c.Snapshot(),
		Directive: c.Directive(),
		Swaps:     c.Controller().Swaps(),
		Stats:     c.Stats(),
	})
}

func (s *Server) handleEndRoom(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "room")
	if !s.deps.Tracker.End(name) {
		s.writeError(w, http.StatusNotFound, "no session for room "+name)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultSessions
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	sessions, err := s.deps.Journal.Sessions(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list sessions: %v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := s.deps.Journal.Events(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to read events for session %s: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "failed to read session events")
		return
	}
	if len(events) == 0 {
		s.writeError(w, http.StatusNotFound, "no events for session "+id)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

// handleWebSocket implements GET /rooms/{room}/ws?identity=.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "room")
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		s.writeError(w, http.StatusBadRequest, "identity is required")
		return
	}
	rm, _, err := s.deps.Tracker.Join(name)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err := room.ServeWebSocket(w, r, rm, identity, s.wsOpts); err != nil {
		s.logger.Warn("WebSocket session for %s in %s ended: %v", identity, name, err)
	}
}

// OfferRequest is the body of POST /rooms/{room}/offer.
type OfferRequest struct {
	Identity string `json:"identity"`
	SDP      string `json:"sdp"`
}

// OfferResponse carries the SDP answer.
type OfferResponse struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "room")

	var req OfferRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxOfferBodySize))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid offer body")
		return
	}
	if req.Identity == "" || req.SDP == "" {
		s.writeError(w, http.StatusBadRequest, "identity and sdp are required")
		return
	}

	rm, _, err := s.deps.Tracker.Join(name)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	answer, err := room.AnswerOffer(r.Context(), rm, req.Identity, req.SDP, s.rtcOpts)
	if err != nil {
		status := http.StatusBadRequest
		if r.Context().Err() != nil {
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn("Failed to answer offer from %s in %s: %v", req.Identity, name, err)
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, OfferResponse{Type: "answer", SDP: answer})
}
