package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/user/recipeterm/internal/db"
	"github.com/user/recipeterm/internal/shell"
)

// Flows runs user input against the shell.
type Flows interface {
	Manual(ctx context.Context, text string) ([]shell.Record, error)
	Commands(ctx context.Context, commands ...string) ([]shell.Record, error)
	AskCommand(ctx context.Context, query string) ([]shell.Record, error)
	AskRecipe(ctx context.Context, query string) ([]shell.Record, error)
	FetchRecipe(ctx context.Context, location string) ([]shell.Record, error)
}

// Session is the read and lifecycle side of the shell session.
type Session interface {
	State() shell.State
	WorkingDirectory() (string, bool)
	LastIssuedCommand() string
	Initialize(ctx context.Context) error
	Shutdown()
}

type RecordStore interface {
	List(ctx context.Context, filter db.CommandRecordFilter) ([]*db.CommandRecord, error)
}

type Options struct {
	Flows   Flows
	Session Session
	Records RecordStore
	// SessionID scopes record listings to the current process.
	SessionID string
	// RelayToken is handed out on the relay endpoint for the generation
	// service.
	RelayToken string
	// Token guards every endpoint. Empty disables authentication.
	Token string
}

type handler struct {
	flows      Flows
	session    Session
	records    RecordStore
	sessionID  string
	relayToken string
}

func NewRouter(opts Options) http.Handler {
	h := &handler{
		flows:      opts.Flows,
		session:    opts.Session,
		records:    opts.Records,
		sessionID:  opts.SessionID,
		relayToken: opts.RelayToken,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/commands", h.submitCommands)
	mux.HandleFunc("POST /api/ask", h.askCommand)
	mux.HandleFunc("POST /api/recipes/ask", h.askRecipe)
	mux.HandleFunc("POST /api/recipes/fetch", h.fetchRecipe)

	mux.HandleFunc("GET /api/records", h.listRecords)
	mux.HandleFunc("GET /api/session", h.getSession)
	mux.HandleFunc("POST /api/session/reset", h.resetSession)

	mux.HandleFunc("GET /api/relay/token", h.getRelayToken)

	return authMiddleware(opts.Token)(jsonMiddleware(corsMiddleware(mux)))
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if strings.TrimSpace(authHeader[7:]) == token {
					next.ServeHTTP(w, r)
					return
				}
			}

			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}

			jsonError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}
