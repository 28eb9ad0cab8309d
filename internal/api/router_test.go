package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/user/recipeterm/internal/aibridge"
	"github.com/user/recipeterm/internal/db"
	"github.com/user/recipeterm/internal/flow"
	"github.com/user/recipeterm/internal/shell"
)

type fakeFlows struct {
	text     string
	commands []string
	query    string
	url      string
	err      error
}

func (f *fakeFlows) records(commands ...string) ([]shell.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]shell.Record, 0, len(commands))
	for _, cmd := range commands {
		out = append(out, shell.Record{Command: cmd, Status: shell.StatusCompleted, Success: true})
	}
	return out, nil
}

func (f *fakeFlows) Manual(ctx context.Context, text string) ([]shell.Record, error) {
	f.text = text
	return f.records(text)
}

func (f *fakeFlows) Commands(ctx context.Context, commands ...string) ([]shell.Record, error) {
	f.commands = commands
	return f.records(commands...)
}

func (f *fakeFlows) AskCommand(ctx context.Context, query string) ([]shell.Record, error) {
	f.query = query
	return f.records("generated")
}

func (f *fakeFlows) AskRecipe(ctx context.Context, query string) ([]shell.Record, error) {
	f.query = query
	return f.records("play")
}

func (f *fakeFlows) FetchRecipe(ctx context.Context, location string) ([]shell.Record, error) {
	f.url = location
	return f.records("play")
}

type fakeSession struct {
	state     shell.State
	shutdowns int
	initErr   error
}

func (s *fakeSession) State() shell.State { return s.state }

func (s *fakeSession) WorkingDirectory() (string, bool) { return "/home/user/mysite", true }

func (s *fakeSession) LastIssuedCommand() string { return "ls" }

func (s *fakeSession) Initialize(ctx context.Context) error {
	if s.initErr != nil {
		return s.initErr
	}
	s.state = shell.StateReady
	return nil
}

func (s *fakeSession) Shutdown() {
	s.shutdowns++
	s.state = shell.StateClosed
}

type apiFixture struct {
	handler http.Handler
	flows   *fakeFlows
	session *fakeSession
	db      *db.DB
}

func openAPI(t *testing.T) *apiFixture {
	t.Helper()
	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	fx := &apiFixture{
		flows:   &fakeFlows{},
		session: &fakeSession{state: shell.StateReady},
		db:      database,
	}
	fx.handler = NewRouter(Options{
		Flows:      fx.flows,
		Session:    fx.session,
		Records:    database.Records(),
		SessionID:  "sess-1",
		RelayToken: "remote-token",
		Token:      "test-token",
	})
	return fx
}

func apiRequest(t *testing.T, h http.Handler, method, path string, body any, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer test-token")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if rr.Body.Len() == 0 {
		return
	}
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode body: %v body=%s", err, rr.Body.String())
	}
}

func TestAuthMiddleware(t *testing.T) {
	fx := openAPI(t)
	unauth := apiRequest(t, fx.handler, http.MethodGet, "/api/session", nil, false)
	if unauth.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d want %d", unauth.Code, http.StatusUnauthorized)
	}

	wrong := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	wrong.Header.Set("Authorization", "Bearer wrong-token")
	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, wrong)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status=%d want %d", rr.Code, http.StatusUnauthorized)
	}

	query := httptest.NewRequest(http.MethodGet, "/api/session?token=test-token", nil)
	rr = httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, query)
	if rr.Code != http.StatusOK {
		t.Fatalf("query token status=%d want %d", rr.Code, http.StatusOK)
	}

	preflight := httptest.NewRequest(http.MethodOptions, "/api/commands", nil)
	rr = httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, preflight)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("preflight status=%d want %d", rr.Code, http.StatusNoContent)
	}
}

func TestSubmitText(t *testing.T) {
	fx := openAPI(t)
	rr := apiRequest(t, fx.handler, http.MethodPost, "/api/commands", map[string]any{"text": "echo A, echo B"}, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if fx.flows.text != "echo A, echo B" {
		t.Fatalf("manual text=%q", fx.flows.text)
	}
	var resp recordsResponse
	decodeBody(t, rr, &resp)
	if len(resp.Records) != 1 || resp.Error != "" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSubmitCommandList(t *testing.T) {
	fx := openAPI(t)
	rr := apiRequest(t, fx.handler, http.MethodPost, "/api/commands", map[string]any{"commands": []string{"echo A", "echo B"}}, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if len(fx.flows.commands) != 2 || fx.flows.commands[1] != "echo B" {
		t.Fatalf("commands=%v", fx.flows.commands)
	}
}

func TestSubmitRejectsBadBodies(t *testing.T) {
	fx := openAPI(t)
	both := apiRequest(t, fx.handler, http.MethodPost, "/api/commands", map[string]any{"text": "ls", "commands": []string{"ls"}}, true)
	if both.Code != http.StatusBadRequest {
		t.Fatalf("both status=%d", both.Code)
	}
	unknown := apiRequest(t, fx.handler, http.MethodPost, "/api/commands", map[string]any{"cmd": "ls"}, true)
	if unknown.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status=%d", unknown.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "busy", err: shell.ErrSessionBusy, want: http.StatusConflict},
		{name: "not initialized", err: shell.ErrSessionNotInitialized, want: http.StatusServiceUnavailable},
		{name: "exited", err: shell.ErrProcessExited, want: http.StatusServiceUnavailable},
		{name: "network", err: fmt.Errorf("%w: relay is not running", aibridge.ErrNetwork), want: http.StatusBadGateway},
		{name: "http status", err: &aibridge.HTTPStatusError{StatusCode: 500}, want: http.StatusBadGateway},
		{name: "extraction", err: aibridge.ErrExtraction, want: http.StatusUnprocessableEntity},
		{name: "empty", err: flow.ErrEmptyInput, want: http.StatusBadRequest},
		{name: "policy", err: &flow.PolicyError{Rule: "no_eval", Command: "eval x"}, want: http.StatusForbidden},
		{name: "other", err: fmt.Errorf("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := openAPI(t)
			fx.flows.err = tt.err
			rr := apiRequest(t, fx.handler, http.MethodPost, "/api/ask", map[string]any{"query": "q"}, true)
			if rr.Code != tt.want {
				t.Fatalf("status=%d want %d body=%s", rr.Code, tt.want, rr.Body.String())
			}
			var resp recordsResponse
			decodeBody(t, rr, &resp)
			if resp.Error == "" {
				t.Fatalf("expected error message in %s", rr.Body.String())
			}
		})
	}
}

func TestRecipeEndpoints(t *testing.T) {
	fx := openAPI(t)
	rr := apiRequest(t, fx.handler, http.MethodPost, "/api/recipes/ask", map[string]any{"query": "blog"}, true)
	if rr.Code != http.StatusOK || fx.flows.query != "blog" {
		t.Fatalf("ask recipe status=%d query=%q", rr.Code, fx.flows.query)
	}
	rr = apiRequest(t, fx.handler, http.MethodPost, "/api/recipes/fetch", map[string]any{"url": "https://example.com/r"}, true)
	if rr.Code != http.StatusOK || fx.flows.url != "https://example.com/r" {
		t.Fatalf("fetch recipe status=%d url=%q", rr.Code, fx.flows.url)
	}
}

func TestSessionEndpoints(t *testing.T) {
	fx := openAPI(t)
	rr := apiRequest(t, fx.handler, http.MethodGet, "/api/session", nil, true)
	var snap sessionResponse
	decodeBody(t, rr, &snap)
	if snap.State != "ready" || snap.WorkingDirectory != "/home/user/mysite" || !snap.DirectoryReported || snap.SessionID != "sess-1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	rr = apiRequest(t, fx.handler, http.MethodPost, "/api/session/reset", nil, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("reset status=%d", rr.Code)
	}
	if fx.session.shutdowns != 1 || fx.session.state != shell.StateReady {
		t.Fatalf("reset did not restart: shutdowns=%d state=%s", fx.session.shutdowns, fx.session.state)
	}

	fx.session.initErr = &shell.SpawnError{Program: "bash", Err: fmt.Errorf("not found")}
	rr = apiRequest(t, fx.handler, http.MethodPost, "/api/session/reset", nil, true)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("failed reset status=%d", rr.Code)
	}
}

func TestListRecords(t *testing.T) {
	fx := openAPI(t)
	ctx := context.Background()
	repo := fx.db.Records()
	for i, sessionID := range []string{"sess-1", "sess-1", "other"} {
		rec := db.FromShellRecord(sessionID, shell.Record{Seq: i + 1, Command: fmt.Sprintf("cmd-%d", i), Status: shell.StatusCompleted, Success: true})
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("create record: %v", err)
		}
	}

	rr := apiRequest(t, fx.handler, http.MethodGet, "/api/records", nil, true)
	var records []db.CommandRecord
	decodeBody(t, rr, &records)
	if len(records) != 2 || records[0].Command != "cmd-1" {
		t.Fatalf("unexpected records %+v", records)
	}

	rr = apiRequest(t, fx.handler, http.MethodGet, "/api/records?all=true&limit=1", nil, true)
	records = nil
	decodeBody(t, rr, &records)
	if len(records) != 1 || records[0].Command != "cmd-2" {
		t.Fatalf("unexpected records %+v", records)
	}

	rr = apiRequest(t, fx.handler, http.MethodGet, "/api/records?limit=0", nil, true)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d", rr.Code)
	}
}

func TestRelayToken(t *testing.T) {
	fx := openAPI(t)
	rr := apiRequest(t, fx.handler, http.MethodGet, "/api/relay/token", nil, true)
	var resp relayTokenResponse
	decodeBody(t, rr, &resp)
	if rr.Code != http.StatusOK || resp.Token != "remote-token" {
		t.Fatalf("status=%d token=%q", rr.Code, resp.Token)
	}

	empty := NewRouter(Options{Session: &fakeSession{}, Token: "t"})
	req := httptest.NewRequest(http.MethodGet, "/api/relay/token?token=t", nil)
	rec := httptest.NewRecorder()
	empty.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d want 404", rec.Code)
	}
}
