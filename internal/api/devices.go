package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/hearth/internal/device"
)

// maxHistoryLimit matches the largest page the history readers return.
const maxHistoryLimit = 200

// actionRequest is the body of POST /devices/{id}/actions/{name}.
type actionRequest struct {
	Args []any `json:"args"`
}

// handleListDevices returns every registered entity, serialized, sorted by id.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	entities := s.registry.All()
	devices := make([]device.Serialized, 0, len(entities))
	for _, e := range entities {
		devices = append(devices, e.Serialize())
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns one serialized entity with its action names.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	e, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	ser := e.Serialize()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      ser.ID,
		"state":   ser.State,
		"ui":      ser.UI,
		"actions": e.ActionNames(),
	})
}

// handleSetDeviceState forwards the body to the entity's SetState.
// The request is accepted once the command is sent; the new state arrives
// later as a broadcast.
func (s *Server) handleSetDeviceState(w http.ResponseWriter, r *http.Request) {
	e, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDeviceError(w, err)
		return
	}

	var partial device.State
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(partial) == 0 {
		writeBadRequest(w, "state must not be empty")
		return
	}

	if err := e.SetState(r.Context(), partial); err != nil {
		s.logger.Warn("set state failed", "device", e.ID(), "error", err)
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "device_id": e.ID()})
}

// handleInvokeAction runs a named action with optional {"args":[...]}.
func (s *Server) handleInvokeAction(w http.ResponseWriter, r *http.Request) {
	e, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	name := chi.URLParam(r, "name")

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := e.Invoke(r.Context(), name, req.Args...); err != nil {
		s.logger.Info("action failed", "device", e.ID(), "action", name, "error", err)
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "device_id": e.ID(), "action": name})
}

// handleGetDeviceHistory returns recent history, newest first.
//
// Query parameters:
//   - limit: number of entries (default 50, max 200)
func (s *Server) handleGetDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "history is not available")
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := s.registry.Get(id); err != nil {
		writeDeviceError(w, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			writeBadRequest(w, "limit must be between 1 and 200")
			return
		}
		limit = n
	}

	records, err := s.history.GetHistory(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("reading history failed", "device", id, "error", err)
		writeInternalError(w, "failed to read history")
		return
	}
	if records == nil {
		records = []device.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "history": records, "count": len(records)})
}
