package shell

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
)

// eventLog records process writes and sink records in a single order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// fakeShell is a tiny line interpreter standing in for an interactive
// shell. Every written line is echoed back the way a terminal would.
type fakeShell struct {
	log *eventLog

	mu         sync.Mutex
	out        chan string
	done       chan struct{}
	closed     bool
	writes     []string
	cwd        string
	lastCode   int
	muteMarker bool
	closeCount int
	// width wraps echoed input the way a narrow terminal does.
	width int
	// A slow command prints its output and marker late, once the next
	// input arrives.
	slow bool
	late string
}

func newFakeShell(log *eventLog, banner string) *fakeShell {
	f := &fakeShell{
		log:  log,
		out:  make(chan string, 1024),
		done: make(chan struct{}),
		cwd:  "/home/user",
	}
	if banner != "" {
		f.out <- banner
	}
	return f
}

func (f *fakeShell) Output() <-chan string { return f.out }

func (f *fakeShell) Done() <-chan struct{} { return f.done }

func (f *fakeShell) Written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeShell) Write(data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errors.New("write to exited shell")
	}
	if f.late != "" {
		f.out <- f.late
		f.late = ""
	}
	for _, line := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
		f.writes = append(f.writes, line)
		if f.log != nil {
			f.log.add("write:" + line)
		}
		f.out <- wrap(line, f.width) + "\r\n"
		for _, segment := range strings.Split(line, " && ") {
			if !f.run(segment) {
				return len(data), nil
			}
		}
		f.out <- "user@box:" + f.cwd + "$ "
	}
	return len(data), nil
}

// run interprets one command; it returns false once the shell has exited.
func (f *fakeShell) run(segment string) bool {
	words, err := shellquote.Split(segment)
	if err != nil || len(words) == 0 {
		f.lastCode = 2
		return true
	}
	f.lastCode = 0
	switch words[0] {
	case "echo":
		f.out <- strings.Join(words[1:], " ") + "\r\n"
	case "cd":
		if len(words) > 1 {
			f.cwd = f.cwd + "/" + words[1]
		}
	case "false":
		f.lastCode = 1
	case "hang":
		f.muteMarker = true
	case "slow":
		f.muteMarker = true
		f.slow = true
	case "exit":
		f.closeLocked()
		return false
	case "printf":
		if f.muteMarker {
			f.muteMarker = false
			if f.slow && len(words) >= 4 {
				f.slow = false
				f.late = fmt.Sprintf("slow-done\r\n\r\n%s%s:0:%s\r\nuser@box:%s$ ", words[2], words[3], f.cwd, f.cwd)
			}
			return true
		}
		if len(words) >= 4 {
			f.out <- fmt.Sprintf("\r\n%s%s:%d:%s\r\n", words[2], words[3], f.lastCode, f.cwd)
		}
	default:
		f.out <- "ran: " + segment + "\r\n"
	}
	return true
}

// wrap breaks line every width bytes with the blank and carriage return
// readline emits at the right margin.
func wrap(line string, width int) string {
	if width <= 0 {
		return line
	}
	var b strings.Builder
	for len(line) > width {
		b.WriteString(line[:width])
		b.WriteString(" \r")
		line = line[width:]
	}
	b.WriteString(line)
	return b.String()
}

func (f *fakeShell) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	f.closeLocked()
	return nil
}

func (f *fakeShell) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

// Exit simulates the program going away on its own.
func (f *fakeShell) Exit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
}

func (f *fakeShell) closeLocked() {
	if f.closed {
		return
	}
	f.closed = true
	close(f.out)
	close(f.done)
}

// fakeFactory hands out fake shells and remembers them.
type fakeFactory struct {
	log    *eventLog
	banner string
	err    error
	width  int

	mu     sync.Mutex
	shells []*fakeShell
}

func (f *fakeFactory) Spawn(ctx context.Context, program string, args ...string) (Process, error) {
	if f.err != nil {
		return nil, f.err
	}
	sh := newFakeShell(f.log, f.banner)
	sh.width = f.width
	f.mu.Lock()
	f.shells = append(f.shells, sh)
	f.mu.Unlock()
	return sh, nil
}

func (f *fakeFactory) last() *fakeShell {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.shells) == 0 {
		return nil
	}
	return f.shells[len(f.shells)-1]
}

// recordingSink keeps every chunk and record it receives.
type recordingSink struct {
	log *eventLog

	mu        sync.Mutex
	chunks    []string
	records   []Record
	refreshes int
}

func (s *recordingSink) Write(chunk string) error {
	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) WriteRecord(rec Record) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	if s.log != nil {
		s.log.add("record:" + rec.Command)
	}
	return nil
}

func (s *recordingSink) Refresh() {
	s.mu.Lock()
	s.refreshes++
	s.mu.Unlock()
}

func (s *recordingSink) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.chunks, "")
}

func (s *recordingSink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func (s *recordingSink) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// textSink only understands plain text.
type textSink struct {
	mu   sync.Mutex
	text strings.Builder
}

func (s *textSink) Write(chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.WriteString(chunk)
	return nil
}

func (s *textSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

func testConfig(mode CompletionMode, interval time.Duration) Config {
	cfg := DefaultConfig()
	cfg.Mode = mode
	cfg.SettleInterval = interval
	cfg.CommandTimeout = interval
	return cfg
}
