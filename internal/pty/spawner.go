package pty

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
)

// ProcessInfo is a read-only snapshot of a tracked process.
type ProcessInfo struct {
	ID        string
	Argv      []string
	Running   bool
	StartedAt time.Time
}

// Spawner starts processes inside PTYs and tracks them so that they can be
// torn down together.
type Spawner struct {
	workDir string
	env     []string

	mu    sync.RWMutex
	procs map[string]*Process
}

// NewSpawner creates a Spawner whose processes start in workDir with env
// appended to the inherited environment.
func NewSpawner(workDir string, env []string) *Spawner {
	return &Spawner{
		workDir: workDir,
		env:     env,
		procs:   make(map[string]*Process),
	}
}

// Spawn starts program with args.
func (s *Spawner) Spawn(ctx context.Context, program string, args ...string) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(program) == "" {
		return nil, fmt.Errorf("pty: program is required")
	}
	argv := append([]string{program}, args...)
	return s.start(argv)
}

// SpawnCommand starts a command line such as "npm run start".
func (s *Spawner) SpawnCommand(ctx context.Context, command string) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	argv, err := parseCommand(command)
	if err != nil {
		return nil, err
	}
	return s.start(argv)
}

func (s *Spawner) start(argv []string) (*Process, error) {
	id := uuid.NewString()
	p, err := start(id, argv, s.workDir, s.env)
	if err != nil {
		return nil, fmt.Errorf("pty: start %q: %w", argv[0], err)
	}

	s.mu.Lock()
	s.procs[id] = p
	s.mu.Unlock()

	go func() {
		<-p.Done()
		s.mu.Lock()
		delete(s.procs, id)
		s.mu.Unlock()
	}()
	return p, nil
}

// List returns metadata for every process that has not been reaped yet.
func (s *Spawner) List() []ProcessInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]ProcessInfo, 0, len(s.procs))
	for _, p := range s.procs {
		infos = append(infos, ProcessInfo{
			ID:        p.id,
			Argv:      append([]string(nil), p.argv...),
			Running:   p.Running(),
			StartedAt: p.startedAt,
		})
	}
	return infos
}

// Close terminates every tracked process.
func (s *Spawner) Close() {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.procs))
	for id, p := range s.procs {
		procs = append(procs, p)
		delete(s.procs, id)
	}
	s.mu.Unlock()

	for _, p := range procs {
		_ = p.Close()
	}
}

// parseCommand splits a command line into argv. Lines that need a shell
// (pipes, separators, expansions) are run through "sh -c".
func parseCommand(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("pty: empty command")
	}
	if strings.ContainsAny(command, "\n|&;$`<>") {
		return []string{"sh", "-c", command}, nil
	}
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("pty: parse command %q: %w", command, err)
	}
	return argv, nil
}
