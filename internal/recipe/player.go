// Package recipe writes drafted recipe files into the workspace and plays
// them through the shell session.
package recipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/viant/afs"
	"github.com/viant/afs/file"

	"github.com/user/recipeterm/internal/shell"
)

const filePlaceholder = "{file}"

var (
	// ErrEmptyRecipe is returned when there is nothing to write.
	ErrEmptyRecipe = errors.New("recipe: empty recipe")
	// ErrFetch wraps failures to download a recipe.
	ErrFetch = errors.New("recipe: fetch failed")
)

// Session is the part of the shell session the player drives.
type Session interface {
	PrefixIfNeeded(command, marker string) string
	Submit(ctx context.Context, commands ...shell.Command) ([]shell.Record, error)
}

type Config struct {
	// Dir is the project directory the recipe file is written to. The play
	// command runs from there.
	Dir string
	// File is the recipe path relative to Dir.
	File string
	// PlayCommand contains {file}, replaced by the quoted recipe path.
	PlayCommand string
	// Marker names the project directory for cd prefixing.
	Marker string
}

type Player struct {
	cfg     Config
	fs      afs.Service
	session Session
	logger  *slog.Logger
}

func NewPlayer(cfg Config, fs afs.Service, session Session) *Player {
	if fs == nil {
		fs = afs.New()
	}
	return &Player{
		cfg:     cfg,
		fs:      fs,
		session: session,
		logger:  slog.Default().With("component", "recipe"),
	}
}

// Path is where the recipe file is written.
func (p *Player) Path() string {
	if filepath.IsAbs(p.cfg.File) {
		return p.cfg.File
	}
	return filepath.Join(p.cfg.Dir, p.cfg.File)
}

// Command is the playback command before directory prefixing.
func (p *Player) Command() string {
	return strings.ReplaceAll(p.cfg.PlayCommand, filePlaceholder, shellquote.Join(p.cfg.File))
}

// Write stores the recipe verbatim, lines joined with newlines.
func (p *Player) Write(ctx context.Context, lines ...string) (string, error) {
	text := strings.Join(lines, "\n")
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyRecipe
	}

	path := p.Path()
	dir := filepath.Dir(path)
	if exists, _ := p.fs.Exists(ctx, dir); !exists {
		if err := p.fs.Create(ctx, dir, file.DefaultDirOsMode, true); err != nil {
			return "", fmt.Errorf("failed to create recipe directory %s: %w", dir, err)
		}
	}
	if err := p.fs.Upload(ctx, path, file.DefaultFileOsMode, strings.NewReader(text)); err != nil {
		return "", fmt.Errorf("failed to write recipe to %s: %w", path, err)
	}
	return path, nil
}

// Play writes the recipe and submits exactly one playback command,
// prefixed with a cd into the project directory when needed.
func (p *Player) Play(ctx context.Context, lines ...string) ([]shell.Record, error) {
	path, err := p.Write(ctx, lines...)
	if err != nil {
		return nil, err
	}
	command := p.session.PrefixIfNeeded(p.Command(), p.cfg.Marker)
	p.logger.Info("playing recipe", "path", path, "command", command)
	return p.session.Submit(ctx, shell.Command{Text: command})
}
