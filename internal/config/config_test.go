package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	home := t.TempDir()
	return Default(home)
}

func TestParseReadsYAMLFile(t *testing.T) {
	cfg := testConfig(t)

	content := `
server:
  port: 9999
  token: test-token
shell:
  program: jsh
  mode: settle
  settle_interval: 1500ms
workspace:
  marker: blog
ai:
  endpoint: https://ai.example.com/generate
  engine: gpt
  need_rag: true
db_path: /tmp/custom/recipeterm.db
`
	if err := os.MkdirAll(filepath.Dir(cfg.ConfigPath), 0o755); err != nil {
		t.Fatalf("mkdir error = %v", err)
	}
	if err := os.WriteFile(cfg.ConfigPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}

	if err := cfg.Parse(flag.NewFlagSet("test", flag.ContinueOnError), nil); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Server.Port != 9999 || cfg.Server.Token != "test-token" {
		t.Fatalf("server = %#v", cfg.Server)
	}
	if cfg.Shell.Program != "jsh" || cfg.Shell.Mode != "settle" || cfg.Shell.SettleInterval != 1500*time.Millisecond {
		t.Fatalf("shell = %#v", cfg.Shell)
	}
	if cfg.Workspace.Marker != "blog" {
		t.Fatalf("marker = %q, want blog", cfg.Workspace.Marker)
	}
	if cfg.Workspace.InstallCommand != "npm install" {
		t.Fatalf("install command default lost: %q", cfg.Workspace.InstallCommand)
	}
	if !cfg.AI.NeedRAG || cfg.AI.Engine != "gpt" || cfg.AI.Endpoint != "https://ai.example.com/generate" {
		t.Fatalf("ai = %#v", cfg.AI)
	}
	if cfg.DBPath != "/tmp/custom/recipeterm.db" {
		t.Fatalf("DBPath = %q, want /tmp/custom/recipeterm.db", cfg.DBPath)
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(filepath.Dir(cfg.ConfigPath), 0o755); err != nil {
		t.Fatalf("mkdir error = %v", err)
	}
	if err := os.WriteFile(cfg.ConfigPath, []byte("server:\n  port: 9000\n  token: file-token\n"), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}

	args := []string{"-port", "9100", "-mode", "settle", "-settle", "2s", "-command-timeout", "90s", "-no-bootstrap"}
	if err := cfg.Parse(flag.NewFlagSet("test", flag.ContinueOnError), args); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Server.Token != "file-token" {
		t.Fatalf("token = %q, want file-token", cfg.Server.Token)
	}
	if cfg.Shell.Mode != "settle" || cfg.Shell.SettleInterval != 2*time.Second || cfg.Shell.CommandTimeout != 90*time.Second {
		t.Fatalf("shell = %#v", cfg.Shell)
	}
	if !cfg.Workspace.SkipBootstrap {
		t.Fatalf("expected bootstrap to be skipped")
	}
}

func TestParseGeneratesAndPersistsToken(t *testing.T) {
	cfg := testConfig(t)

	if err := cfg.Parse(flag.NewFlagSet("test", flag.ContinueOnError), nil); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(cfg.Server.Token) != 32 {
		t.Fatalf("token = %q, want 32 hex chars", cfg.Server.Token)
	}

	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		t.Fatalf("read saved config error = %v", err)
	}
	var saved Config
	if err := yaml.Unmarshal(data, &saved); err != nil {
		t.Fatalf("saved config is not YAML: %v", err)
	}
	if saved.Server.Token != cfg.Server.Token {
		t.Fatalf("saved token = %q, want %q", saved.Server.Token, cfg.Server.Token)
	}
	if saved.Shell.SettleInterval != 3*time.Second {
		t.Fatalf("saved settle interval = %s", saved.Shell.SettleInterval)
	}
	if saved.Shell.CommandTimeout != 10*time.Minute {
		t.Fatalf("saved command timeout = %s", saved.Shell.CommandTimeout)
	}

	again := Default(t.TempDir())
	again.ConfigPath = cfg.ConfigPath
	if err := again.Parse(flag.NewFlagSet("test", flag.ContinueOnError), nil); err != nil {
		t.Fatalf("second Parse() error = %v", err)
	}
	if again.Server.Token != cfg.Server.Token {
		t.Fatalf("token changed across loads: %q != %q", again.Server.Token, cfg.Server.Token)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 70000 }, "invalid port"},
		{"mode", func(c *Config) { c.Shell.Mode = "guess" }, "invalid completion mode"},
		{"interval", func(c *Config) { c.Shell.SettleInterval = 0 }, "invalid settle interval"},
		{"command timeout", func(c *Config) { c.Shell.CommandTimeout = 0 }, "invalid command timeout"},
		{"program", func(c *Config) { c.Shell.Program = " " }, "shell program"},
		{"play command", func(c *Config) { c.Recipe.PlayCommand = "hax play" }, "{file}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestParseRejectsInvalidYAML(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(filepath.Dir(cfg.ConfigPath), 0o755); err != nil {
		t.Fatalf("mkdir error = %v", err)
	}
	if err := os.WriteFile(cfg.ConfigPath, []byte("server: [unclosed"), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}
	if err := cfg.Parse(flag.NewFlagSet("test", flag.ContinueOnError), nil); err == nil {
		t.Fatalf("expected error for invalid YAML")
	}
}

func TestCommandPolicyDefaultsOnAndCanBeDisabled(t *testing.T) {
	cfg := testConfig(t)
	if err := cfg.Parse(flag.NewFlagSet("test", flag.ContinueOnError), []string{"--token", "x"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !cfg.AI.CommandPolicy {
		t.Fatalf("command policy should default to on")
	}

	cfg = testConfig(t)
	if err := cfg.Parse(flag.NewFlagSet("test", flag.ContinueOnError), []string{"--token", "x", "--command-policy=false"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.AI.CommandPolicy {
		t.Fatalf("command policy should be off")
	}
}
