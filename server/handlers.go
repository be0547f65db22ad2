// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/okonma/eventminer/groups"
	"github.com/okonma/eventminer/store"
	"github.com/okonma/eventminer/telemetry"
	"github.com/okonma/eventminer/wa"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	DB     *sql.DB
	Store  *store.Store
	Filter *groups.Filter
	// ListGroups enumerates reachable groups through the live session;
	// nil (or an error) while disconnected.
	ListGroups func(ctx context.Context) ([]wa.GroupInfo, error)
	// ConnState reports the connection manager's current state name.
	ConnState func() string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealthz is a liveness probe.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadyz is a readiness probe: the database must answer.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.DB.PingContext(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports the connection state and operating mode.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"connection": "unknown",
		"discovery":  h.Filter.DiscoveryMode(),
		"groups":     h.Filter.Allowed(),
	}
	if h.ConnState != nil {
		out["connection"] = h.ConnState()
	}
	if h.DB != nil {
		var count int
		if err := h.DB.QueryRowContext(r.Context(), `SELECT COUNT(1) FROM events`).Scan(&count); err == nil {
			out["events_stored"] = count
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleEventsList returns all stored events ordered by start time.
func (h *Handlers) HandleEventsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	events, err := h.Store.ListAll(r.Context())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list events", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if events == nil {
		events = []*store.StoredEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// HandleEventsDispatcher routes /events/{slug} by method.
func (h *Handlers) HandleEventsDispatcher(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimPrefix(r.URL.Path, "/events/")
	if slug == "" || strings.Contains(slug, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		ev, err := h.Store.FindBySlug(r.Context(), slug)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		if err != nil {
			telemetry.LoggerWithCorr(r.Context()).Error("find event", slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "storage error")
			return
		}
		writeJSON(w, http.StatusOK, ev)
	case http.MethodDelete:
		err := h.Store.DeleteBySlug(r.Context(), slug)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		if err != nil {
			telemetry.LoggerWithCorr(r.Context()).Error("delete event", slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "storage error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"deleted": slug})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleAdminGroups lists reachable groups for operator selection
// (discovery mode).
func (h *Handlers) HandleAdminGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.ListGroups == nil {
		writeError(w, http.StatusServiceUnavailable, "session not connected")
		return
	}
	infos, err := h.ListGroups(r.Context())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list groups", slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "group listing failed")
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// HandleAdminGroupSelect transitions the allow-list from empty to a single
// monitored group, exactly once per run.
func (h *Handlers) HandleAdminGroupSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		JID string `json:"jid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.JID == "" {
		writeError(w, http.StatusBadRequest, "expected {\"jid\": \"...@g.us\"}")
		return
	}
	err := h.Filter.Select(body.JID)
	switch {
	case errors.Is(err, groups.ErrNotGroupJID):
		writeError(w, http.StatusBadRequest, "not a group jid")
	case errors.Is(err, groups.ErrAlreadySelected):
		writeError(w, http.StatusConflict, "allow-list already populated")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"monitoring": body.JID})
	}
}
