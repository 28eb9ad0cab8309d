package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/user/recipeterm/internal/aibridge"
	"github.com/user/recipeterm/internal/flow"
	"github.com/user/recipeterm/internal/recipe"
	"github.com/user/recipeterm/internal/shell"
)

type submitCommandsRequest struct {
	Text     string   `json:"text"`
	Commands []string `json:"commands"`
}

type queryRequest struct {
	Query string `json:"query"`
}

type fetchRecipeRequest struct {
	URL string `json:"url"`
}

type recordsResponse struct {
	Records []shell.Record `json:"records"`
	Error   string         `json:"error,omitempty"`
}

func (h *handler) submitCommands(w http.ResponseWriter, r *http.Request) {
	var req submitCommandsRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) != "" && len(req.Commands) > 0 {
		jsonError(w, http.StatusBadRequest, "text and commands are mutually exclusive")
		return
	}

	var (
		records []shell.Record
		err     error
	)
	if len(req.Commands) > 0 {
		records, err = h.flows.Commands(r.Context(), req.Commands...)
	} else {
		records, err = h.flows.Manual(r.Context(), req.Text)
	}
	writeRecords(w, records, err)
}

func (h *handler) askCommand(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	records, err := h.flows.AskCommand(r.Context(), req.Query)
	writeRecords(w, records, err)
}

func (h *handler) askRecipe(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	records, err := h.flows.AskRecipe(r.Context(), req.Query)
	writeRecords(w, records, err)
}

func (h *handler) fetchRecipe(w http.ResponseWriter, r *http.Request) {
	var req fetchRecipeRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	records, err := h.flows.FetchRecipe(r.Context(), req.URL)
	writeRecords(w, records, err)
}

// writeRecords answers with the records produced so far. When the shell
// exited mid-queue the partial records are still returned with the error.
func writeRecords(w http.ResponseWriter, records []shell.Record, err error) {
	if records == nil {
		records = []shell.Record{}
	}
	if err == nil {
		jsonResponse(w, http.StatusOK, recordsResponse{Records: records})
		return
	}
	status, msg := mapError(err)
	jsonResponse(w, status, recordsResponse{Records: records, Error: msg})
}

func mapError(err error) (int, string) {
	var policyErr *flow.PolicyError
	switch {
	case errors.As(err, &policyErr):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, shell.ErrSessionBusy):
		return http.StatusConflict, err.Error()
	case errors.Is(err, shell.ErrSessionNotInitialized),
		errors.Is(err, shell.ErrProcessExited),
		errors.Is(err, shell.ErrSpawnFailure):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, aibridge.ErrNetwork), errors.Is(err, recipe.ErrFetch):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, aibridge.ErrExtraction):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, flow.ErrEmptyInput), errors.Is(err, recipe.ErrEmptyRecipe):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
