package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "RECIPETERM_CONFIG"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Shell     ShellConfig     `yaml:"shell"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Recipe    RecipeConfig    `yaml:"recipe"`
	AI        AIConfig        `yaml:"ai"`
	DBPath    string          `yaml:"db_path"`
	TraceFile string          `yaml:"trace_file,omitempty"`
	LogLevel  string          `yaml:"log_level"`

	ConfigPath string `yaml:"-"`
	PrintToken bool   `yaml:"-"`
}

type ServerConfig struct {
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
}

type ShellConfig struct {
	Program        string        `yaml:"program"`
	Args           []string      `yaml:"args,omitempty"`
	Mode           string        `yaml:"mode"`
	SettleInterval time.Duration `yaml:"settle_interval"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	FreeTextFlags  []string      `yaml:"free_text_flags"`
}

type WorkspaceConfig struct {
	Dir            string `yaml:"dir"`
	ProjectSource  string `yaml:"project_source,omitempty"`
	Marker         string `yaml:"marker"`
	InstallCommand string `yaml:"install_command"`
	StartCommand   string `yaml:"start_command"`
	PreviewURL     string `yaml:"preview_url"`
	SkipBootstrap  bool   `yaml:"skip_bootstrap,omitempty"`
}

type RecipeConfig struct {
	File        string `yaml:"file"`
	PlayCommand string `yaml:"play_command"`
}

type AIConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	RelayURL    string        `yaml:"relay_url"`
	Engine      string        `yaml:"engine"`
	NeedRAG     bool          `yaml:"need_rag"`
	RemoteToken string        `yaml:"remote_token,omitempty"`
	Timeout     time.Duration `yaml:"timeout"`
	// CommandPolicy screens drafted commands before they are submitted.
	CommandPolicy bool `yaml:"command_policy"`
}

// Default returns the configuration used when neither the file nor flags
// set a value.
func Default(homeDir string) *Config {
	base := filepath.Join(homeDir, ".config", "recipeterm")
	return &Config{
		Server: ServerConfig{Port: 8765},
		Shell: ShellConfig{
			Program:        "bash",
			Mode:           "sentinel",
			SettleInterval: 3 * time.Second,
			CommandTimeout: 10 * time.Minute,
			FreeTextFlags:  []string{"--content"},
		},
		Workspace: WorkspaceConfig{
			Dir:            filepath.Join(base, "workspace"),
			Marker:         "mysite",
			InstallCommand: "npm install",
			StartCommand:   "npm run start",
			PreviewURL:     "http://localhost:3000",
		},
		Recipe: RecipeConfig{
			File:        "ai.recipe",
			PlayCommand: "hax site recipe:play --recipe {file} --y",
		},
		AI: AIConfig{
			RelayURL:      "http://localhost:8765",
			Engine:        "default",
			Timeout:       60 * time.Second,
			CommandPolicy: true,
		},
		DBPath:     filepath.Join(base, "recipeterm.db"),
		LogLevel:   "info",
		ConfigPath: filepath.Join(base, "config.yaml"),
	}
}

// Load reads the config file and then the process command line.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	cfg := Default(homeDir)
	if path := os.Getenv(EnvConfigPath); path != "" {
		cfg.ConfigPath = path
	}
	if err := cfg.Parse(flag.CommandLine, os.Args[1:]); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse applies the config file at c.ConfigPath, then args, validates the
// result and generates a token on first use.
func (c *Config) Parse(fs *flag.FlagSet, args []string) error {
	if err := c.loadFromFile(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load config file: %w", err)
	}

	fs.IntVar(&c.Server.Port, "port", c.Server.Port, "server port (1-65535)")
	fs.StringVar(&c.Server.Token, "token", c.Server.Token, "authentication token (auto-generated if empty)")
	fs.BoolVar(&c.PrintToken, "print-token", false, "print token to stdout (for local debugging)")
	fs.StringVar(&c.Shell.Program, "shell", c.Shell.Program, "interactive shell program")
	fs.StringVar(&c.Shell.Mode, "mode", c.Shell.Mode, "completion mode: sentinel or settle")
	fs.DurationVar(&c.Shell.SettleInterval, "settle", c.Shell.SettleInterval, "settle interval in settle mode")
	fs.DurationVar(&c.Shell.CommandTimeout, "command-timeout", c.Shell.CommandTimeout, "longest wait for a command in sentinel mode")
	fs.StringVar(&c.Workspace.Dir, "workspace", c.Workspace.Dir, "workspace directory")
	fs.StringVar(&c.Workspace.ProjectSource, "project", c.Workspace.ProjectSource, "project files to mount (embedded default if empty)")
	fs.BoolVar(&c.Workspace.SkipBootstrap, "no-bootstrap", c.Workspace.SkipBootstrap, "skip install and dev server start")
	fs.StringVar(&c.AI.Endpoint, "ai-endpoint", c.AI.Endpoint, "command generation endpoint")
	fs.StringVar(&c.AI.RelayURL, "relay", c.AI.RelayURL, "token relay base URL")
	fs.BoolVar(&c.AI.CommandPolicy, "command-policy", c.AI.CommandPolicy, "refuse drafted commands that reach outside the workspace")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "command history database path")
	fs.StringVar(&c.TraceFile, "trace", c.TraceFile, "write trace spans to this file")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Token == "" {
		token, err := generateToken()
		if err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}
		c.Server.Token = token
		if err := c.saveToFile(); err != nil {
			return fmt.Errorf("failed to save config file: %w", err)
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Server.Port)
	}
	switch c.Shell.Mode {
	case "sentinel", "settle":
	default:
		return fmt.Errorf("invalid completion mode %q: must be sentinel or settle", c.Shell.Mode)
	}
	if c.Shell.SettleInterval <= 0 {
		return fmt.Errorf("invalid settle interval %s", c.Shell.SettleInterval)
	}
	if c.Shell.CommandTimeout <= 0 {
		return fmt.Errorf("invalid command timeout %s", c.Shell.CommandTimeout)
	}
	if strings.TrimSpace(c.Shell.Program) == "" {
		return fmt.Errorf("shell program cannot be empty")
	}
	if !strings.Contains(c.Recipe.PlayCommand, "{file}") {
		return fmt.Errorf("recipe play command %q must contain {file}", c.Recipe.PlayCommand)
	}
	return nil
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("invalid YAML in %q: %w", c.ConfigPath, err)
	}
	return nil
}

func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.ConfigPath, data, 0600)
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
