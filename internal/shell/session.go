package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/recipeterm/internal/parser"
)

// CompletionMode selects how the end of a command is detected.
type CompletionMode string

const (
	// ModeSentinel asks the shell to print a unique marker with the exit
	// status and working directory after each command. The command timeout
	// only bounds the wait.
	ModeSentinel CompletionMode = "sentinel"
	// ModeSettle waits a fixed interval and assumes the command finished.
	// Use it for shells that cannot run the marker command.
	ModeSettle CompletionMode = "settle"
)

const (
	DefaultSettleInterval = 3 * time.Second
	DefaultCommandTimeout = 10 * time.Minute

	// exitGrace is how long a failed write waits for the exit signal before
	// the failure is reported as a plain write error.
	exitGrace = 250 * time.Millisecond
)

// State is the lifecycle state of a Session.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateExecuting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config controls how the shell is started and how commands complete.
type Config struct {
	Program        string
	Args           []string
	Mode           CompletionMode
	SettleInterval time.Duration
	// CommandTimeout bounds the wait for a marker in sentinel mode.
	CommandTimeout time.Duration
	FreeTextFlags  []string
	SentinelPrefix string
	TranscriptSize int
}

// DefaultConfig returns a bash session using sentinel completion.
func DefaultConfig() Config {
	return Config{
		Program:        "bash",
		Mode:           ModeSentinel,
		SettleInterval: DefaultSettleInterval,
		CommandTimeout: DefaultCommandTimeout,
		FreeTextFlags:  DefaultFreeTextFlags,
		SentinelPrefix: DefaultSentinelPrefix,
		TranscriptSize: DefaultTranscriptSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.Program) == "" {
		c.Program = d.Program
	}
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.SettleInterval <= 0 {
		c.SettleInterval = d.SettleInterval
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.FreeTextFlags == nil {
		c.FreeTextFlags = d.FreeTextFlags
	}
	if c.SentinelPrefix == "" {
		c.SentinelPrefix = d.SentinelPrefix
	}
	if c.TranscriptSize <= 0 {
		c.TranscriptSize = d.TranscriptSize
	}
	return c
}

// Option customizes a Session.
type Option func(*Session)

// WithObserver registers an observer for completion records.
func WithObserver(obs RecordObserver) Option {
	return func(s *Session) {
		if obs != nil {
			s.observers = append(s.observers, obs)
		}
	}
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer replaces the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Session) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithStateListener registers fn to be called on every state change. It
// runs with the session lock held and must not call back into the Session.
func WithStateListener(fn func(State)) Option {
	return func(s *Session) {
		if fn != nil {
			s.listeners = append(s.listeners, fn)
		}
	}
}

// binding ties one spawned process to the session. Goroutines serving an
// older binding never touch the state of a newer one.
type binding struct {
	proc       Process
	exited     chan struct{}
	exitedOnce sync.Once
}

func (b *binding) markExited() {
	b.exitedOnce.Do(func() { close(b.exited) })
}

// Session drives one persistent interactive shell: commands are written one
// at a time, output since the last write is captured and a completion
// record is emitted before the next command is sent.
type Session struct {
	cfg       Config
	factory   ProcessFactory
	sink      Sink
	observers []RecordObserver
	listeners []func(State)
	logger    *slog.Logger
	tracer    trace.Tracer
	noise     *regexp.Regexp

	// sinkMu orders output chunks before the records that cover them.
	sinkMu sync.Mutex

	mu          sync.Mutex
	state       State
	bound       *binding
	output      strings.Builder
	transcript  *transcript
	cwd         string
	cwdReported bool
	lastIssued  string
	seq         int
	notify      chan struct{}
	stale       []sentinel
}

// New creates an uninitialized Session.
func New(cfg Config, factory ProcessFactory, sink Sink, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:        cfg,
		factory:    factory,
		sink:       sink,
		logger:     slog.Default().With("component", "shell"),
		tracer:     otel.Tracer("github.com/user/recipeterm/internal/shell"),
		state:      StateUninitialized,
		transcript: newTranscript(cfg.TranscriptSize),
		noise:      markerNoise(cfg.SentinelPrefix),
		notify:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// setState must be called with s.mu held.
func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.state = state
	for _, fn := range s.listeners {
		fn(state)
	}
}

// Config returns the effective configuration.
func (s *Session) Config() Config { return s.cfg }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WorkingDirectory returns the best known working directory and whether it
// was reported by the shell rather than guessed.
func (s *Session) WorkingDirectory() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd, s.cwdReported
}

// LastIssuedCommand returns the most recently written command line.
func (s *Session) LastIssuedCommand() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIssued
}

// RecentOutput returns the bounded transcript of recent raw output.
func (s *Session) RecentOutput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.String()
}

// Initialize spawns the shell and starts forwarding its output. It is a
// no-op on a live session; a closed session is rebound to a new process
// with fresh buffers.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound != nil {
		return nil
	}
	if s.factory == nil {
		return &SpawnError{Program: s.cfg.Program, Err: errors.New("no process factory")}
	}

	proc, err := s.factory.Spawn(ctx, s.cfg.Program, s.cfg.Args...)
	if err != nil {
		s.logger.Error("failed to spawn shell", "program", s.cfg.Program, "error", err)
		return &SpawnError{Program: s.cfg.Program, Err: err}
	}

	b := &binding{proc: proc, exited: make(chan struct{})}
	s.bound = b
	s.setState(StateReady)
	s.output.Reset()
	s.transcript.Reset()
	s.cwd = ""
	s.cwdReported = false
	s.lastIssued = ""
	s.stale = nil

	go s.pump(b)
	go s.watchExit(b)

	s.logger.Info("shell session ready", "program", s.cfg.Program, "mode", s.cfg.Mode)
	return nil
}

// Shutdown closes the shell process. It is idempotent and safe after the
// process has already exited.
func (s *Session) Shutdown() {
	s.mu.Lock()
	b := s.bound
	s.bound = nil
	if s.state != StateUninitialized {
		s.setState(StateClosed)
	}
	s.mu.Unlock()

	if b == nil {
		return
	}
	b.markExited()
	if err := b.proc.Close(); err != nil {
		s.logger.Warn("failed to close shell process", "error", err)
	}
}

// pump appends every chunk to the command buffer and the transcript and
// forwards it to the sink. Records are written under sinkMu too, so a record
// never reaches the sink ahead of the output it covers.
func (s *Session) pump(b *binding) {
	for chunk := range b.proc.Output() {
		s.sinkMu.Lock()
		s.mu.Lock()
		if s.bound == b {
			s.output.WriteString(chunk)
			s.transcript.Write(chunk)
		}
		s.mu.Unlock()
		s.writeSink(chunk)
		s.sinkMu.Unlock()

		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

func (s *Session) watchExit(b *binding) {
	<-b.proc.Done()

	s.mu.Lock()
	current := s.bound == b
	if current {
		s.bound = nil
		s.setState(StateClosed)
	}
	s.mu.Unlock()

	b.markExited()
	if current {
		s.logger.Warn("shell process exited", "program", s.cfg.Program)
	}
	// Release the terminal even though the program is gone.
	if err := b.proc.Close(); err != nil {
		s.logger.Debug("failed to release exited shell", "error", err)
	}
}

// Submit runs commands strictly in order. A failing command is logged and
// the queue continues; if the shell exits the rest of the queue is dropped,
// a fatal record is emitted and ErrProcessExited is returned. The records
// produced so far are always returned.
func (s *Session) Submit(ctx context.Context, commands ...Command) ([]Record, error) {
	s.mu.Lock()
	switch {
	case s.bound == nil:
		s.mu.Unlock()
		return nil, ErrSessionNotInitialized
	case s.state == StateExecuting:
		s.mu.Unlock()
		return nil, ErrSessionBusy
	}
	b := s.bound
	s.setState(StateExecuting)
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "shell.submit", trace.WithAttributes(
		attribute.Int("shell.commands", len(commands)),
		attribute.String("shell.mode", string(s.cfg.Mode)),
	))
	defer span.End()

	defer func() {
		s.mu.Lock()
		if s.bound == b && s.state == StateExecuting {
			s.setState(StateReady)
		}
		s.mu.Unlock()
		s.refresh()
	}()

	records := make([]Record, 0, len(commands))
	for _, cmd := range commands {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return records, err
		}
		line := cmd.Line(s.cfg.FreeTextFlags)
		if strings.TrimSpace(line) == "" {
			continue
		}

		rec, err := s.execute(ctx, b, line)
		if rec != nil {
			records = append(records, *rec)
			s.emit(ctx, span, *rec)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if errors.Is(err, ErrProcessExited) {
				s.logger.Error("shell exited mid-queue", "command", line, "dropped", len(commands)-len(records))
			}
			return records, err
		}
		if !rec.Success {
			s.logger.Warn("command did not succeed", "command", line, "status", rec.Status, "exit_code", derefInt(rec.ExitCode))
		}
	}
	return records, nil
}

// execute writes one line and waits for it to complete. A non-nil record
// is returned whenever one must be emitted, including the fatal record when
// the process exits.
func (s *Session) execute(ctx context.Context, b *binding, line string) (*Record, error) {
	s.mu.Lock()
	_, s.stale = skipStale(parser.StripANSI(s.output.String()), s.stale)
	stale := s.stale
	s.output.Reset()
	s.lastIssued = line
	s.seq++
	rec := &Record{ID: uuid.NewString(), Seq: s.seq, Command: line, StartedAt: time.Now().UTC()}
	s.mu.Unlock()
	s.drainNotify()

	if s.cfg.Mode != ModeSentinel {
		return s.settle(ctx, b, rec, line)
	}

	// The marker request goes out in the same write so that it is already
	// queued when the shell reads the command.
	marker := newSentinel(s.cfg.SentinelPrefix)
	if err := s.write(b, line+"\n"+marker.Line()); err != nil {
		return s.writeFailure(b, rec, err)
	}

	timer := time.NewTimer(s.cfg.CommandTimeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		text := parser.StripANSI(s.output.String())
		s.mu.Unlock()
		text, pending := skipStale(text, stale)

		if res, ok := marker.find(text); ok {
			s.mu.Lock()
			s.stale = pending
			s.mu.Unlock()

			code := res.exitCode
			rec.ExitCode = &code
			rec.Output = s.clean(text[:res.offset], line, marker.Line())
			rec.Success = code == 0
			rec.Status = StatusCompleted
			if !rec.Success {
				rec.Status = StatusFailed
			}
			if res.cwd != "" {
				rec.Cwd = res.cwd
				s.mu.Lock()
				s.cwd = res.cwd
				s.cwdReported = true
				s.mu.Unlock()
			}
			rec.CompletedAt = time.Now().UTC()
			return rec, nil
		}

		select {
		case <-s.notify:
		case <-timer.C:
			s.remember(pending, marker)
			rec.Output = s.clean(text, line, marker.Line())
			rec.Status = StatusTimeout
			rec.Error = fmt.Sprintf("no completion marker within %s", s.cfg.CommandTimeout)
			rec.CompletedAt = time.Now().UTC()
			return rec, nil
		case <-ctx.Done():
			s.remember(pending, marker)
			return nil, ctx.Err()
		case <-b.exited:
			return s.fatal(rec), ErrProcessExited
		}
	}
}

// remember keeps the marker of a command that may still finish later, so
// that whatever it prints is kept out of the next record.
func (s *Session) remember(pending []sentinel, marker sentinel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale = append(pending, marker)
	if len(s.stale) > maxStale {
		s.stale = s.stale[len(s.stale)-maxStale:]
	}
}

// settle waits the fixed interval and assumes the command finished.
func (s *Session) settle(ctx context.Context, b *binding, rec *Record, line string) (*Record, error) {
	if err := s.write(b, line); err != nil {
		return s.writeFailure(b, rec, err)
	}

	timer := time.NewTimer(s.cfg.SettleInterval)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.exited:
		return s.fatal(rec), ErrProcessExited
	}
	s.mu.Lock()
	raw := s.output.String()
	s.cwd = guessDirectory(s.cwd, line)
	s.mu.Unlock()

	rec.Output = parser.CleanCapture(raw, line)
	rec.Success = true
	rec.Status = StatusCompleted
	rec.CompletedAt = time.Now().UTC()
	return rec, nil
}

// clean builds the record text. In sentinel mode marker lines of any
// command and echoed marker requests are removed as well.
func (s *Session) clean(raw string, echoes ...string) string {
	out := parser.CleanCapture(raw, echoes...)
	if s.cfg.Mode != ModeSentinel {
		return out
	}
	return parser.CleanCapture(s.noise.ReplaceAllString(out, ""))
}

func (s *Session) write(b *binding, line string) error {
	_, err := b.proc.Write([]byte(line + "\n"))
	return err
}

func (s *Session) writeFailure(b *binding, rec *Record, err error) (*Record, error) {
	select {
	case <-b.exited:
		return s.fatal(rec), ErrProcessExited
	case <-b.proc.Done():
		return s.fatal(rec), ErrProcessExited
	case <-time.After(exitGrace):
	}
	return nil, fmt.Errorf("shell: write %q: %w", rec.Command, err)
}

func (s *Session) fatal(rec *Record) *Record {
	s.mu.Lock()
	raw := s.output.String()
	s.mu.Unlock()

	rec.Output = s.clean(raw, rec.Command)
	rec.Status = StatusFatal
	rec.Error = ErrProcessExited.Error()
	rec.CompletedAt = time.Now().UTC()
	return rec
}

func (s *Session) drainNotify() {
	select {
	case <-s.notify:
	default:
	}
}

func (s *Session) emit(ctx context.Context, span trace.Span, rec Record) {
	span.AddEvent("shell.record", trace.WithAttributes(
		attribute.String("shell.command", rec.Command),
		attribute.String("shell.status", string(rec.Status)),
	))

	if s.sink != nil {
		s.sinkMu.Lock()
		var err error
		if rs, ok := s.sink.(RecordSink); ok {
			err = rs.WriteRecord(rec)
		} else {
			err = s.sink.Write(rec.Render())
		}
		s.sinkMu.Unlock()
		if err != nil {
			s.logger.Warn("sink rejected record", "command", rec.Command, "error", err)
		}
	}
	for _, obs := range s.observers {
		obs(ctx, rec)
	}
}

func (s *Session) writeSink(chunk string) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Write(chunk); err != nil {
		s.logger.Debug("sink rejected output", "error", err)
	}
}

func (s *Session) refresh() {
	if r, ok := s.sink.(Refresher); ok {
		r.Refresh()
	}
}
