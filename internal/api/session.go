package api

import (
	"net/http"
	"strconv"

	"github.com/user/recipeterm/internal/db"
)

const maxRecordsLimit = 500

type sessionResponse struct {
	State             string `json:"state"`
	WorkingDirectory  string `json:"working_directory,omitempty"`
	DirectoryReported bool   `json:"directory_reported"`
	LastCommand       string `json:"last_command,omitempty"`
	SessionID         string `json:"session_id,omitempty"`
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, h.sessionSnapshot())
}

// resetSession replaces the shell with a fresh process.
func (h *handler) resetSession(w http.ResponseWriter, r *http.Request) {
	h.session.Shutdown()
	if err := h.session.Initialize(r.Context()); err != nil {
		status, msg := mapError(err)
		jsonError(w, status, msg)
		return
	}
	jsonResponse(w, http.StatusOK, h.sessionSnapshot())
}

func (h *handler) sessionSnapshot() sessionResponse {
	cwd, reported := h.session.WorkingDirectory()
	return sessionResponse{
		State:             h.session.State().String(),
		WorkingDirectory:  cwd,
		DirectoryReported: reported,
		LastCommand:       h.session.LastIssuedCommand(),
		SessionID:         h.sessionID,
	}
}

func (h *handler) listRecords(w http.ResponseWriter, r *http.Request) {
	if h.records == nil {
		jsonResponse(w, http.StatusOK, []*db.CommandRecord{})
		return
	}

	filter := db.CommandRecordFilter{Status: r.URL.Query().Get("status")}
	if r.URL.Query().Get("all") != "true" {
		filter.SessionID = h.sessionID
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxRecordsLimit {
			jsonError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		filter.Limit = limit
	}

	records, err := h.records.List(r.Context(), filter)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []*db.CommandRecord{}
	}
	jsonResponse(w, http.StatusOK, records)
}

type relayTokenResponse struct {
	Token string `json:"token"`
}

// getRelayToken hands the generation service token to the AI bridge.
func (h *handler) getRelayToken(w http.ResponseWriter, r *http.Request) {
	if h.relayToken == "" {
		jsonError(w, http.StatusNotFound, "no relay token configured")
		return
	}
	jsonResponse(w, http.StatusOK, relayTokenResponse{Token: h.relayToken})
}
