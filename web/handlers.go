package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mbocsi/relaychat/app"
	"github.com/mbocsi/relaychat/apperr"
	"github.com/mbocsi/relaychat/broker"
)

type sendRequest struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error   string      `json:"error"`
	Kind    apperr.Kind `json:"kind,omitempty"`
	Content string      `json:"content,omitempty"`
}

func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.handleError(w, apperr.Validation("limit must be a non-negative integer"), "")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.backend.History(limit))
}

func (s *Server) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.handleError(w, apperr.Validation("invalid request body"), "")
		return
	}

	msg, err := s.backend.Send(r.Context(), req.Content)
	if err != nil {
		s.handleError(w, err, req.Content)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) HandleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.ClearHistory(); err != nil {
		s.handleError(w, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) HandleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Connect(r.Context()); err != nil {
		s.handleError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.backend.Disconnect()
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) HandleSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Settings())
}

func (s *Server) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var u app.SettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		s.handleError(w, apperr.Validation("invalid request body"), "")
		return
	}

	settings, err := s.backend.UpdateSettings(r.Context(), u)
	if err != nil {
		s.handleError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handleError maps application errors to HTTP status codes. content is echoed back so
// the page can restore a failed message.
func (s *Server) handleError(w http.ResponseWriter, err error, content string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, broker.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case apperr.Is(err, apperr.KindValidation):
		status = http.StatusBadRequest
	case apperr.Is(err, apperr.KindConfiguration):
		status = http.StatusConflict
	case apperr.Is(err, apperr.KindConnection), apperr.Is(err, apperr.KindPublish):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "status", status, "error", err)
	} else {
		slog.Debug("Request rejected", "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: apperr.KindOf(err), Content: content})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
