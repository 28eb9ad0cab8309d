// Package workspace prepares the project the shell works on: it mounts the
// project files, installs dependencies and keeps the dev server running.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"

	"github.com/user/recipeterm/internal/shell"
)

const (
	readyPollInterval = 500 * time.Millisecond
	readyTimeout      = 2 * time.Minute
)

// ErrServerRunning is returned by Start while a dev server is already up.
var ErrServerRunning = errors.New("workspace: dev server already running")

// CommandError reports a bootstrap command that exited unsuccessfully.
type CommandError struct {
	Command  string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("workspace: %q exited with code %d", e.Command, e.ExitCode)
}

// Process is a started bootstrap command.
type Process interface {
	Output() <-chan string
	Done() <-chan struct{}
	Wait(ctx context.Context) (int, error)
	Close() error
}

// Spawner starts command lines in the project directory.
type Spawner interface {
	SpawnCommand(ctx context.Context, command string) (Process, error)
}

type SpawnerFunc func(ctx context.Context, command string) (Process, error)

func (f SpawnerFunc) SpawnCommand(ctx context.Context, command string) (Process, error) {
	return f(ctx, command)
}

// Announcer tells the browser where the running project can be previewed.
type Announcer interface {
	BroadcastPreview(url string)
}

type Config struct {
	Dir            string
	Marker         string
	ProjectSource  string
	InstallCommand string
	StartCommand   string
	PreviewURL     string

	// Defaults is mounted when ProjectSource is empty.
	Defaults    fs.FS
	FS          afs.Service
	Spawner     Spawner
	Announcer   Announcer
	InstallSink shell.Sink
	ServerSink  shell.Sink
	HTTPClient  *http.Client
}

type Workspace struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	server Process
}

func New(cfg Config) *Workspace {
	if cfg.FS == nil {
		cfg.FS = afs.New()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Second}
	}
	return &Workspace{
		cfg:    cfg,
		logger: slog.Default().With("component", "workspace"),
	}
}

// ProjectDir is the directory named after the project marker.
func (w *Workspace) ProjectDir() string {
	return filepath.Join(w.cfg.Dir, w.cfg.Marker)
}

// Bootstrap installs the dependencies of a mounted project and starts the
// dev server. Mount must have run first.
func (w *Workspace) Bootstrap(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	return w.Start(ctx)
}

// Mount copies the project files into ProjectDir. Files that already exist
// are kept so that changes made from the shell survive a restart. It
// returns the number of files written.
func (w *Workspace) Mount(ctx context.Context) (int, error) {
	source, err := w.source()
	if err != nil {
		return 0, err
	}
	dest := w.ProjectDir()
	if err := w.ensureDir(ctx, dest); err != nil {
		return 0, err
	}

	written := 0
	err = fs.WalkDir(source, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		target := filepath.Join(dest, filepath.FromSlash(name))
		if d.IsDir() {
			return w.ensureDir(ctx, target)
		}
		if exists, _ := w.cfg.FS.Exists(ctx, target); exists {
			return nil
		}
		f, err := source.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := w.cfg.FS.Upload(ctx, target, file.DefaultFileOsMode, f); err != nil {
			return fmt.Errorf("failed to write %s: %w", target, err)
		}
		written++
		return nil
	})
	if err != nil {
		return written, fmt.Errorf("failed to mount project: %w", err)
	}
	w.logger.Info("project mounted", "dir", dest, "files", written)
	return written, nil
}

func (w *Workspace) source() (fs.FS, error) {
	if src := strings.TrimSpace(w.cfg.ProjectSource); src != "" {
		info, err := os.Stat(src)
		if err != nil {
			return nil, fmt.Errorf("failed to read project source: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("project source %s is not a directory", src)
		}
		return os.DirFS(src), nil
	}
	if w.cfg.Defaults == nil {
		return nil, errors.New("workspace: no project source configured")
	}
	return w.cfg.Defaults, nil
}

func (w *Workspace) ensureDir(ctx context.Context, dir string) error {
	if exists, _ := w.cfg.FS.Exists(ctx, dir); exists {
		return nil
	}
	if err := w.cfg.FS.Create(ctx, dir, file.DefaultDirOsMode, true); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}

// Install runs the install command to completion.
func (w *Workspace) Install(ctx context.Context) error {
	command := strings.TrimSpace(w.cfg.InstallCommand)
	if command == "" {
		return nil
	}
	w.logger.Info("installing dependencies", "command", command)
	proc, err := w.cfg.Spawner.SpawnCommand(ctx, command)
	if err != nil {
		return fmt.Errorf("failed to start %q: %w", command, err)
	}
	defer proc.Close()

	piped := pipe(proc, w.cfg.InstallSink)
	code, err := proc.Wait(ctx)
	if err != nil {
		return err
	}
	select {
	case <-piped:
	case <-ctx.Done():
		return ctx.Err()
	}
	if code != 0 {
		return &CommandError{Command: command, ExitCode: code}
	}
	return nil
}

// Start launches the dev server and announces the preview URL once it
// answers. The server keeps running until Close.
func (w *Workspace) Start(ctx context.Context) error {
	command := strings.TrimSpace(w.cfg.StartCommand)
	if command == "" {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.server != nil {
		select {
		case <-w.server.Done():
		default:
			return ErrServerRunning
		}
	}

	w.logger.Info("starting dev server", "command", command)
	proc, err := w.cfg.Spawner.SpawnCommand(ctx, command)
	if err != nil {
		return fmt.Errorf("failed to start %q: %w", command, err)
	}
	w.server = proc
	pipe(proc, w.cfg.ServerSink)

	go func() {
		<-proc.Done()
		w.logger.Warn("dev server exited", "command", command)
	}()
	go w.announce(ctx, proc)
	return nil
}

// announce waits until the preview URL answers, the server exits or ctx
// ends. A server that never answers is announced after readyTimeout.
func (w *Workspace) announce(ctx context.Context, proc Process) {
	url := w.cfg.PreviewURL
	if url == "" || w.cfg.Announcer == nil {
		return
	}

	deadline := time.NewTimer(readyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for !w.ready(ctx, url) {
		select {
		case <-ctx.Done():
			return
		case <-proc.Done():
			return
		case <-deadline.C:
			w.logger.Warn("dev server not answering, announcing anyway", "url", url)
			w.cfg.Announcer.BroadcastPreview(url)
			return
		case <-ticker.C:
		}
	}
	w.logger.Info("dev server ready", "url", url)
	w.cfg.Announcer.BroadcastPreview(url)
}

func (w *Workspace) ready(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Running reports whether the dev server is up.
func (w *Workspace) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.server == nil {
		return false
	}
	select {
	case <-w.server.Done():
		return false
	default:
		return true
	}
}

// Close stops the dev server.
func (w *Workspace) Close() error {
	w.mu.Lock()
	proc := w.server
	w.server = nil
	w.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Close()
}

// pipe forwards proc's output to sink. The returned channel is closed once
// the output is drained.
func pipe(proc Process, sink shell.Sink) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range proc.Output() {
			if sink == nil {
				continue
			}
			if err := sink.Write(chunk); err != nil {
				slog.Debug("bootstrap output dropped", "error", err)
			}
		}
	}()
	return done
}
