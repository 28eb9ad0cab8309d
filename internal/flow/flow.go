// Package flow turns user input into shell work: typed commands, commands
// drafted by the generation service, and recipes drafted or downloaded and
// then played back.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/recipeterm/internal/aibridge"
	"github.com/user/recipeterm/internal/recipe"
	"github.com/user/recipeterm/internal/shell"
)

// ErrEmptyInput is returned when there is nothing to submit.
var ErrEmptyInput = errors.New("flow: empty input")

type Session interface {
	Submit(ctx context.Context, commands ...shell.Command) ([]shell.Record, error)
}

type Asker interface {
	Ask(ctx context.Context, query string) (aibridge.Answer, error)
}

type Player interface {
	Play(ctx context.Context, lines ...string) ([]shell.Record, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, location string) (string, error)
}

// Notifier shows an error line to the user.
type Notifier interface {
	BroadcastError(message string)
}

type Config struct {
	Session       Session
	AI            Asker
	Player        Player
	Fetcher       Fetcher
	Notifier      Notifier
	FreeTextFlags []string
	// Policy, when set, screens commands drafted by the generation service.
	Policy *Policy
}

type Flow struct {
	session       Session
	ai            Asker
	player        Player
	fetcher       Fetcher
	notifier      Notifier
	freeTextFlags []string
	policy        *Policy
	logger        *slog.Logger
}

func New(cfg Config) *Flow {
	flags := cfg.FreeTextFlags
	if flags == nil {
		flags = shell.DefaultFreeTextFlags
	}
	return &Flow{
		session:       cfg.Session,
		ai:            cfg.AI,
		player:        cfg.Player,
		fetcher:       cfg.Fetcher,
		notifier:      cfg.Notifier,
		freeTextFlags: flags,
		policy:        cfg.Policy,
		logger:        slog.Default().With("component", "flow"),
	}
}

// Manual submits typed text, split into commands on newlines and on commas
// outside quotes.
func (f *Flow) Manual(ctx context.Context, text string) ([]shell.Record, error) {
	return f.Commands(ctx, shell.SplitCommandText(text, f.freeTextFlags)...)
}

// Commands submits already separated commands in order.
func (f *Flow) Commands(ctx context.Context, commands ...string) ([]shell.Record, error) {
	var lines []string
	for _, cmd := range commands {
		if cmd = strings.TrimSpace(cmd); cmd != "" {
			lines = append(lines, cmd)
		}
	}
	if len(lines) == 0 {
		return nil, ErrEmptyInput
	}
	return f.session.Submit(ctx, shell.Commands(lines...)...)
}

// AskCommand asks the generation service for commands and submits them. A
// single-string answer is split into lines.
func (f *Flow) AskCommand(ctx context.Context, query string) ([]shell.Record, error) {
	answer, err := f.ask(ctx, query)
	if err != nil {
		return nil, err
	}
	commands := answer.Commands()
	if answer.Single() {
		commands = strings.Split(answer.Text(), "\n")
	}
	if f.policy != nil {
		for _, cmd := range commands {
			if err := f.policy.Check(cmd); err != nil {
				return nil, f.report(err)
			}
		}
	}
	f.logger.Info("submitting generated commands", "count", len(commands))
	records, err := f.Commands(ctx, commands...)
	return records, f.report(err)
}

// AskRecipe asks the generation service for a recipe and plays it.
func (f *Flow) AskRecipe(ctx context.Context, query string) ([]shell.Record, error) {
	answer, err := f.ask(ctx, query)
	if err != nil {
		return nil, err
	}
	records, err := f.player.Play(ctx, answer.Commands()...)
	return records, f.report(err)
}

// FetchRecipe downloads a recipe and plays it.
func (f *Flow) FetchRecipe(ctx context.Context, location string) ([]shell.Record, error) {
	if strings.TrimSpace(location) == "" {
		return nil, ErrEmptyInput
	}
	text, err := f.fetcher.Fetch(ctx, location)
	if err != nil {
		return nil, f.report(err)
	}
	records, err := f.player.Play(ctx, text)
	return records, f.report(err)
}

func (f *Flow) ask(ctx context.Context, query string) (aibridge.Answer, error) {
	if strings.TrimSpace(query) == "" {
		return aibridge.Answer{}, ErrEmptyInput
	}
	if f.ai == nil {
		return aibridge.Answer{}, f.report(fmt.Errorf("%w: no generation endpoint configured", aibridge.ErrNetwork))
	}
	answer, err := f.ai.Ask(ctx, query)
	if err != nil {
		return aibridge.Answer{}, f.report(err)
	}
	return answer, nil
}

// report shows errors of the producing step to the user and passes every
// error through.
func (f *Flow) report(err error) error {
	if err == nil || !Reported(err) {
		return err
	}
	f.logger.Warn("flow failed", "error", err)
	if f.notifier != nil {
		f.notifier.BroadcastError(err.Error())
	}
	return err
}

// Reported tells whether err was already shown to the user by a Flow.
func Reported(err error) bool {
	var policyErr *PolicyError
	return errors.As(err, &policyErr) ||
		errors.Is(err, aibridge.ErrNetwork) ||
		errors.Is(err, aibridge.ErrExtraction) ||
		errors.Is(err, recipe.ErrFetch) ||
		errors.Is(err, recipe.ErrEmptyRecipe)
}
