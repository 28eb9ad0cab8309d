package hub

import (
	"strings"
	"sync"
	"time"
)

// RateLimiter batches terminal chunks per stream so a chatty process does
// not produce one websocket frame per read.
type RateLimiter struct {
	mu       sync.Mutex
	pending  map[string]*pendingOutput
	interval time.Duration
	onFlush  func(stream string, msg TerminalMessage)
}

type pendingOutput struct {
	texts []string
	ts    int64
	timer *time.Timer
}

func NewRateLimiter(interval time.Duration, onFlush func(string, TerminalMessage)) *RateLimiter {
	return &RateLimiter{
		pending:  make(map[string]*pendingOutput),
		interval: interval,
		onFlush:  onFlush,
	}
}

func (r *RateLimiter) Add(msg TerminalMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream := msg.Stream
	p, exists := r.pending[stream]
	if !exists {
		p = &pendingOutput{}
		r.pending[stream] = p
	}

	p.texts = append(p.texts, msg.Text)
	if msg.Ts > p.ts {
		p.ts = msg.Ts
	}

	if p.timer == nil {
		p.timer = time.AfterFunc(r.interval, func() {
			r.flushStream(stream)
		})
	}
}

func (r *RateLimiter) flushStream(stream string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.pending[stream]
	if !exists {
		return
	}
	delete(r.pending, stream)
	if p.timer != nil {
		p.timer.Stop()
	}

	// onFlush runs under the lock so batches of one stream keep their order
	// relative to an explicit flush.
	if r.onFlush != nil && len(p.texts) > 0 {
		r.onFlush(stream, TerminalMessage{
			Type:   TypeTerminal,
			Stream: stream,
			Text:   strings.Join(p.texts, ""),
			Ts:     p.ts,
		})
	}
}

// Flush sends whatever is pending for stream right away.
func (r *RateLimiter) Flush(stream string) {
	r.flushStream(stream)
}

func (r *RateLimiter) FlushAll() {
	r.mu.Lock()
	streams := make([]string, 0, len(r.pending))
	for s := range r.pending {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	for _, s := range streams {
		r.flushStream(s)
	}
}
