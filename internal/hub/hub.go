package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/recipeterm/internal/shell"
)

const (
	defaultBatchInterval = 100 * time.Millisecond

	// StreamShell is the stream carrying the interactive shell's output.
	StreamShell = "shell"
)

// ErrBroadcastFull is returned when a message could not be queued.
var ErrBroadcastFull = errors.New("hub: broadcast channel full")

// HandlerFunc serves one client message type. A returned error is sent
// back to the client that issued the message.
type HandlerFunc func(ctx context.Context, msg ClientMessage) error

// Hub fans server messages out to every connected browser and dispatches
// client messages to registered handlers. It implements shell.RecordSink
// and shell.Refresher for the shell stream.
type Hub struct {
	clients      map[string]*Client
	register     chan *clientRegistration
	unregister   chan *Client
	broadcast    chan []byte
	token        string
	mu           sync.RWMutex
	handlers     map[string]HandlerFunc
	handlersMu   sync.RWMutex
	status       StatusMessage
	statusMu     sync.RWMutex
	rateLimiter  *RateLimiter
	batchEnabled atomic.Bool
	ctxWrap      atomic.Pointer[context.Context]
	running      atomic.Bool
	logger       *slog.Logger
}

type clientRegistration struct {
	client  *Client
	initial []byte
}

var (
	_ shell.RecordSink = (*Hub)(nil)
	_ shell.Refresher  = (*Hub)(nil)
)

func New(token string) *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *clientRegistration, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan []byte, 256),
		token:      token,
		handlers:   make(map[string]HandlerFunc),
		status:     StatusMessage{Type: TypeStatus, State: shell.StateUninitialized.String()},
		logger:     slog.Default().With("component", "hub"),
	}
	h.batchEnabled.Store(true)
	h.rateLimiter = NewRateLimiter(defaultBatchInterval, func(stream string, msg TerminalMessage) {
		_ = h.sendJSON(msg)
	})
	return h
}

// Handle registers fn for client messages of msgType.
func (h *Hub) Handle(msgType string, fn HandlerFunc) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.handlers[msgType] = fn
}

func (h *Hub) getContext() context.Context {
	if ctx := h.ctxWrap.Load(); ctx != nil {
		return *ctx
	}
	return context.Background()
}

func (h *Hub) Run(ctx context.Context) {
	h.ctxWrap.Store(&ctx)
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.rateLimiter.FlushAll()
			h.mu.Lock()
			for _, c := range h.clients {
				c.closeSend()
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.client.id] = reg.client
			h.mu.Unlock()
			if reg.initial != nil {
				reg.client.enqueue(reg.initial)
			}
			go reg.client.writePump(h.getContext())
			go reg.client.readPump(h.getContext())
			h.logger.Info("client connected", "client", reg.client.id, "total", h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				client.closeSend()
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", "client", client.id, "total", h.ClientCount())

		case data := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				if !c.enqueue(data) {
					h.logger.Warn("client send buffer full, dropping message", "client", c.id)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || token != h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept error", "error", err)
		return
	}

	client := newClient(conn, h)
	initial, _ := json.Marshal(h.Status())

	select {
	case h.register <- &clientRegistration{client: client, initial: initial}:
	default:
		h.logger.Warn("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
		return
	}
}

// Write implements shell.Sink for the shell stream.
func (h *Hub) Write(chunk string) error {
	h.BroadcastTerminal(StreamShell, chunk)
	return nil
}

// WriteRecord flushes pending shell output, then sends the record together
// with its rendered text so it lands after the output it describes.
func (h *Hub) WriteRecord(rec shell.Record) error {
	h.rateLimiter.Flush(StreamShell)
	return h.sendJSON(RecordMessage{Type: TypeRecord, Record: rec, Text: rec.Render()})
}

// Refresh tells browsers to reload the live preview.
func (h *Hub) Refresh() {
	h.rateLimiter.Flush(StreamShell)
	_ = h.sendJSON(RefreshMessage{Type: TypeRefresh, Ts: time.Now().UnixMilli()})
}

// Stream returns a sink that publishes raw output under the given stream
// name.
func (h *Hub) Stream(name string) shell.Sink {
	return streamSink{hub: h, stream: name}
}

type streamSink struct {
	hub    *Hub
	stream string
}

func (s streamSink) Write(chunk string) error {
	s.hub.BroadcastTerminal(s.stream, chunk)
	return nil
}

func (h *Hub) BroadcastTerminal(stream, text string) {
	msg := TerminalMessage{Type: TypeTerminal, Stream: stream, Text: text, Ts: time.Now().UnixMilli()}
	if h.batchEnabled.Load() && h.rateLimiter != nil {
		h.rateLimiter.Add(msg)
		return
	}
	_ = h.sendJSON(msg)
}

// BroadcastPreview announces the dev server URL. Clients connecting later
// receive it with their initial status message.
func (h *Hub) BroadcastPreview(url string) {
	h.statusMu.Lock()
	h.status.Preview = url
	h.statusMu.Unlock()
	_ = h.sendJSON(PreviewMessage{Type: TypePreview, URL: url})
}

func (h *Hub) BroadcastStatus(state string) {
	h.statusMu.Lock()
	h.status.State = state
	msg := h.status
	h.statusMu.Unlock()
	_ = h.sendJSON(msg)
}

// BroadcastError shows a visible error line to every client.
func (h *Hub) BroadcastError(message string) {
	h.rateLimiter.Flush(StreamShell)
	_ = h.sendJSON(ErrorMessage{Type: TypeError, Message: message})
}

func (h *Hub) Status() StatusMessage {
	h.statusMu.RLock()
	defer h.statusMu.RUnlock()
	return h.status
}

func (h *Hub) SendError(client *Client, message string) {
	data, err := json.Marshal(ErrorMessage{Type: TypeError, Message: message})
	if err != nil {
		h.logger.Error("error marshaling error message", "error", err)
		return
	}
	client.enqueue(data)
}

func (h *Hub) sendJSON(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("error marshaling message", "error", err)
		return fmt.Errorf("hub: marshal message: %w", err)
	}
	select {
	case h.broadcast <- data:
		return nil
	default:
		h.logger.Warn("broadcast channel full, dropping message")
		return ErrBroadcastFull
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// dispatch runs the handler for msg and reports failures to the sender.
func (h *Hub) dispatch(ctx context.Context, c *Client, msg ClientMessage) {
	h.handlersMu.RLock()
	fn, ok := h.handlers[msg.Type]
	h.handlersMu.RUnlock()
	if !ok {
		h.SendError(c, "unknown message type: "+msg.Type)
		return
	}
	if err := fn(ctx, msg); err != nil {
		h.logger.Warn("client message failed", "client", c.id, "type", msg.Type, "error", err)
		h.SendError(c, err.Error())
	}
}

func (h *Hub) SetBatchEnabled(enabled bool) {
	h.batchEnabled.Store(enabled)
}

func (h *Hub) FlushPendingOutput() {
	if h.rateLimiter != nil {
		h.rateLimiter.FlushAll()
	}
}

func (h *Hub) isRunning() bool {
	return h.running.Load()
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.isRunning() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- c:
	default:
		h.logger.Warn("unregister channel full, forcing close", "client", c.id)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}
