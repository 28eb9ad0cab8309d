package aibridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/user/recipeterm/internal/tracing"
)

const (
	// RelayTokenPath is served by the local relay.
	RelayTokenPath = "/api/relay/token"

	maxBodySize    = 1 << 20
	defaultTimeout = 60 * time.Second
)

// Config describes the generation endpoint and the relay handing out its
// bearer token.
type Config struct {
	Endpoint string
	RelayURL string
	// RelayAuth authenticates against the relay itself.
	RelayAuth string
	Engine    string
	NeedRAG   bool
	Timeout   time.Duration
}

// Client asks a remote service to draft shell commands.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	token string
}

func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     slog.Default().With("component", "aibridge"),
	}
}

type generateRequest struct {
	Query   string `json:"query"`
	Engine  string `json:"engine"`
	NeedRAG bool   `json:"need_rag"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Ask sends query to the endpoint and extracts the drafted commands.
func (c *Client) Ask(ctx context.Context, query string) (answer Answer, err error) {
	ctx, span := tracing.StartSpan(ctx, "aibridge.ask", "CLIENT",
		attribute.String("ai.engine", c.cfg.Engine),
		attribute.Bool("ai.need_rag", c.cfg.NeedRAG),
	)
	defer func() { tracing.EndSpan(span, err) }()

	if strings.TrimSpace(c.cfg.Endpoint) == "" {
		return Answer{}, fmt.Errorf("%w: no endpoint configured", ErrNetwork)
	}

	token, err := c.relayToken(ctx)
	if err != nil {
		return Answer{}, err
	}

	buf, err := json.Marshal(generateRequest{Query: query, Engine: c.cfg.Engine, NeedRAG: c.cfg.NeedRAG})
	if err != nil {
		return Answer{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	body, status, err := c.do(req)
	if err != nil {
		return Answer{}, fmt.Errorf("%w: endpoint unreachable: %v", ErrNetwork, err)
	}
	tracing.SetStatusFromHTTPCode(span, status, true)
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.clearToken()
	}
	if status < 200 || status >= 300 {
		return Answer{}, &HTTPStatusError{URL: c.cfg.Endpoint, StatusCode: status, Body: strings.TrimSpace(string(body))}
	}

	answer, err = ParseAnswer(body)
	if err != nil {
		c.logger.Warn("could not extract commands", "error", err)
		return Answer{}, err
	}
	c.logger.Info("received commands", "count", len(answer.commands))
	return answer, nil
}

// relayToken returns the cached bearer token or fetches one from the relay.
func (c *Client) relayToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}

	url := strings.TrimRight(c.cfg.RelayURL, "/") + RelayTokenPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if strings.TrimSpace(c.cfg.RelayAuth) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.cfg.RelayAuth))
	}

	body, status, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("%w: relay is not running at %s: %v", ErrNetwork, c.cfg.RelayURL, err)
	}
	if status < 200 || status >= 300 {
		return "", &HTTPStatusError{URL: url, StatusCode: status, Body: strings.TrimSpace(string(body))}
	}

	var out tokenResponse
	if err := json.Unmarshal(body, &out); err != nil || strings.TrimSpace(out.Token) == "" {
		return "", fmt.Errorf("%w: relay returned no token", ErrExtraction)
	}

	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return out.Token, nil
}

func (c *Client) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
