package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/viant/afs"

	"github.com/user/recipeterm/configs"
	"github.com/user/recipeterm/internal/aibridge"
	"github.com/user/recipeterm/internal/api"
	"github.com/user/recipeterm/internal/config"
	"github.com/user/recipeterm/internal/db"
	"github.com/user/recipeterm/internal/flow"
	"github.com/user/recipeterm/internal/hub"
	"github.com/user/recipeterm/internal/pty"
	"github.com/user/recipeterm/internal/recipe"
	"github.com/user/recipeterm/internal/server"
	"github.com/user/recipeterm/internal/shell"
	"github.com/user/recipeterm/internal/tracing"
	"github.com/user/recipeterm/internal/workspace"
)

const (
	serviceName    = "recipeterm"
	serviceVersion = "0.1.0"

	streamInstall   = "install"
	streamDevServer = "devserver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))

	if cfg.PrintToken {
		fmt.Printf("\nrecipeterm running at http://localhost:%d?token=%s\n\n", cfg.Server.Port, cfg.Server.Token)
	} else {
		fmt.Printf("\nrecipeterm running at http://localhost:%d (token in %s)\n\n", cfg.Server.Port, cfg.ConfigPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.TraceFile != "" {
		provider, err := tracing.Open(serviceName, serviceVersion, cfg.TraceFile)
		if err != nil {
			return fmt.Errorf("failed to open trace file: %w", err)
		}
		provider.Install()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				slog.Warn("failed to flush traces", "error", err)
			}
		}()
	}

	database, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	h := hub.New(cfg.Server.Token)
	go h.Run(ctx)

	fs := afs.New()
	shellSpawner := pty.NewSpawner(cfg.Workspace.Dir, []string{"TERM=xterm-256color"})
	defer shellSpawner.Close()
	projectSpawner := pty.NewSpawner(filepath.Join(cfg.Workspace.Dir, cfg.Workspace.Marker), nil)
	defer projectSpawner.Close()

	ws := workspace.New(workspace.Config{
		Dir:            cfg.Workspace.Dir,
		Marker:         cfg.Workspace.Marker,
		ProjectSource:  cfg.Workspace.ProjectSource,
		InstallCommand: cfg.Workspace.InstallCommand,
		StartCommand:   cfg.Workspace.StartCommand,
		PreviewURL:     cfg.Workspace.PreviewURL,
		Defaults:       configs.DefaultProject(),
		FS:             fs,
		Spawner: workspace.SpawnerFunc(func(ctx context.Context, command string) (workspace.Process, error) {
			proc, err := projectSpawner.SpawnCommand(ctx, command)
			if err != nil {
				return nil, err
			}
			return proc, nil
		}),
		Announcer:   h,
		InstallSink: h.Stream(streamInstall),
		ServerSink:  h.Stream(streamDevServer),
	})
	defer ws.Close()
	if _, err := ws.Mount(ctx); err != nil {
		return err
	}

	sessionID := uuid.NewString()
	session := shell.New(shellConfig(cfg), shell.FactoryFunc(func(ctx context.Context, program string, args ...string) (shell.Process, error) {
		proc, err := shellSpawner.Spawn(ctx, program, args...)
		if err != nil {
			return nil, err
		}
		return proc, nil
	}), h,
		shell.WithObserver(database.Records().Observer(sessionID)),
		shell.WithStateListener(func(state shell.State) { h.BroadcastStatus(state.String()) }),
	)
	if err := session.Initialize(ctx); err != nil {
		return err
	}
	defer session.Shutdown()

	if !cfg.Workspace.SkipBootstrap {
		go func() {
			if err := ws.Bootstrap(ctx); err != nil {
				slog.Error("workspace bootstrap failed", "error", err)
				h.BroadcastError(err.Error())
			}
		}()
	}

	player := recipe.NewPlayer(recipe.Config{
		Dir:         ws.ProjectDir(),
		File:        cfg.Recipe.File,
		PlayCommand: cfg.Recipe.PlayCommand,
		Marker:      cfg.Workspace.Marker,
	}, fs, session)

	flowCfg := flow.Config{
		Session:       session,
		Player:        player,
		Fetcher:       recipe.NewFetcher(nil, fs),
		Notifier:      h,
		FreeTextFlags: cfg.Shell.FreeTextFlags,
	}
	if strings.TrimSpace(cfg.AI.Endpoint) != "" {
		flowCfg.AI = aibridge.NewClient(aibridge.Config{
			Endpoint:  cfg.AI.Endpoint,
			RelayURL:  cfg.AI.RelayURL,
			RelayAuth: cfg.Server.Token,
			Engine:    cfg.AI.Engine,
			NeedRAG:   cfg.AI.NeedRAG,
			Timeout:   cfg.AI.Timeout,
		}, nil)
	}
	if cfg.AI.CommandPolicy {
		flowCfg.Policy = &flow.Policy{Root: cfg.Workspace.Dir, FreeTextFlags: cfg.Shell.FreeTextFlags}
	}
	flows := flow.New(flowCfg)
	registerHandlers(h, flows)

	apiHandler := api.NewRouter(api.Options{
		Flows:      flows,
		Session:    session,
		Records:    database.Records(),
		SessionID:  sessionID,
		RelayToken: cfg.AI.RemoteToken,
		Token:      cfg.Server.Token,
	})
	srv, err := server.New(cfg.Server.Port, h.HandleWebSocket, apiHandler)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

// registerHandlers routes websocket messages to the flows. Errors a flow
// already showed to every client are not sent again.
func registerHandlers(h *hub.Hub, flows *flow.Flow) {
	wrap := func(fn func(ctx context.Context, msg hub.ClientMessage) ([]shell.Record, error)) hub.HandlerFunc {
		return func(ctx context.Context, msg hub.ClientMessage) error {
			_, err := fn(ctx, msg)
			if err != nil && flow.Reported(err) {
				return nil
			}
			if errors.Is(err, shell.ErrProcessExited) {
				return fmt.Errorf("%w: reset the session to continue", err)
			}
			return err
		}
	}

	h.Handle(hub.TypeSubmit, wrap(func(ctx context.Context, msg hub.ClientMessage) ([]shell.Record, error) {
		if len(msg.Commands) > 0 {
			return flows.Commands(ctx, msg.Commands...)
		}
		return flows.Manual(ctx, msg.Text)
	}))
	h.Handle(hub.TypeAsk, wrap(func(ctx context.Context, msg hub.ClientMessage) ([]shell.Record, error) {
		return flows.AskCommand(ctx, msg.Query)
	}))
	h.Handle(hub.TypeAskRecipe, wrap(func(ctx context.Context, msg hub.ClientMessage) ([]shell.Record, error) {
		return flows.AskRecipe(ctx, msg.Query)
	}))
	h.Handle(hub.TypeFetchRecipe, wrap(func(ctx context.Context, msg hub.ClientMessage) ([]shell.Record, error) {
		return flows.FetchRecipe(ctx, msg.URL)
	}))
}

func shellConfig(cfg *config.Config) shell.Config {
	sc := shell.DefaultConfig()
	sc.Program = cfg.Shell.Program
	sc.Args = cfg.Shell.Args
	sc.Mode = shell.CompletionMode(cfg.Shell.Mode)
	sc.SettleInterval = cfg.Shell.SettleInterval
	sc.CommandTimeout = cfg.Shell.CommandTimeout
	sc.FreeTextFlags = cfg.Shell.FreeTextFlags
	return sc
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
