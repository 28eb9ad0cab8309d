package pty

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestSpawnerTracksAndCloses(t *testing.T) {
	s := NewSpawner("", nil)
	defer s.Close()

	p, err := s.Spawn(context.Background(), "sleep", "10")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	infos := s.List()
	if len(infos) != 1 {
		t.Fatalf("expected 1 process, got %d", len(infos))
	}
	if infos[0].ID != p.ID() {
		t.Errorf("expected process ID %q, got %q", p.ID(), infos[0].ID)
	}

	s.Close()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after Close")
	}
	if len(s.List()) != 0 {
		t.Fatalf("expected 0 processes after Close, got %d", len(s.List()))
	}
}

func TestSpawnEmptyProgram(t *testing.T) {
	s := NewSpawner("", nil)
	defer s.Close()

	if _, err := s.Spawn(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty program, got nil")
	}
}

func TestSpawnCancelledContext(t *testing.T) {
	s := NewSpawner("", nil)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Spawn(ctx, "sleep", "1"); err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}

func TestProcessShellRoundTrip(t *testing.T) {
	s := NewSpawner(t.TempDir(), []string{"PS1=$ "})
	defer s.Close()

	p, err := s.Spawn(context.Background(), "sh")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if _, err := p.Write([]byte("echo hello-pty\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var out strings.Builder
	deadline := time.After(5 * time.Second)
	for !strings.Contains(out.String(), "hello-pty\r\n") && !strings.Contains(out.String(), "hello-pty\n") {
		select {
		case chunk, ok := <-p.Output():
			if !ok {
				t.Fatalf("output closed early, got %q", out.String())
			}
			out.WriteString(chunk)
		case <-deadline:
			t.Fatalf("timed out waiting for echo output, got %q", out.String())
		}
	}

	if err := p.Resize(200, 50); err != nil {
		t.Errorf("Resize: %v", err)
	}

	if _, err := p.Write([]byte("exit 3\n")); err != nil {
		t.Fatalf("Write exit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}

	if _, err := p.Write([]byte("echo late\n")); err != ErrClosed {
		t.Errorf("expected ErrClosed after exit, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close after exit: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"bash", []string{"bash"}},
		{"npm run start", []string{"npm", "run", "start"}},
		{"sh -c 'echo hello'", []string{"sh", "-c", "echo hello"}},
		{"echo hello | grep hello", []string{"sh", "-c", "echo hello | grep hello"}},
		{"cd /tmp\nls", []string{"sh", "-c", "cd /tmp\nls"}},
	}
	for _, tt := range tests {
		result, err := parseCommand(tt.input)
		if err != nil {
			t.Errorf("parseCommand(%q): %v", tt.input, err)
			continue
		}
		if len(result) != len(tt.expected) {
			t.Errorf("parseCommand(%q) = %v, want %v", tt.input, result, tt.expected)
			continue
		}
		for i, v := range result {
			if v != tt.expected[i] {
				t.Errorf("parseCommand(%q)[%d] = %q, want %q", tt.input, i, v, tt.expected[i])
			}
		}
	}

	if _, err := parseCommand("   "); err == nil {
		t.Error("expected error for blank command")
	}
}
