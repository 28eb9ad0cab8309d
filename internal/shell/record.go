package shell

import (
	"fmt"
	"strings"
	"time"
)

// Status is the outcome of one command.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusFatal     Status = "fatal"
)

// Command is one queued unit of work. Content, when set, is free text that
// is appended to Text as a single double-quoted argument.
type Command struct {
	Text    string `json:"text"`
	Content string `json:"content,omitempty"`
}

// Commands wraps plain command strings.
func Commands(lines ...string) []Command {
	out := make([]Command, 0, len(lines))
	for _, line := range lines {
		out = append(out, Command{Text: line})
	}
	return out
}

// Line returns the text written to the shell for c.
func (c Command) Line(freeTextFlags []string) string {
	text := strings.TrimSpace(c.Text)
	if c.Content != "" {
		return text + " " + doubleQuote(c.Content)
	}
	return QuoteFreeText(text, freeTextFlags)
}

// Record is the completion record of one command.
type Record struct {
	ID          string    `json:"id"`
	Seq         int       `json:"seq"`
	Command     string    `json:"command"`
	Output      string    `json:"output"`
	Success     bool      `json:"success"`
	Status      Status    `json:"status"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Cwd         string    `json:"cwd,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

const recordSeparator = "--------------------------------------------------"

// Render formats the record as terminal text.
func (r Record) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n\n> %s\n", r.Command)
	if r.Output != "" {
		fmt.Fprintf(&b, "\n📝 Output:\n%s\n", r.Output)
	}
	switch r.Status {
	case StatusCompleted:
		fmt.Fprintf(&b, "\n✅ Completed: %s\n", r.Command)
	case StatusFailed:
		fmt.Fprintf(&b, "\n❌ Failed (exit %d): %s\n", derefInt(r.ExitCode), r.Command)
	case StatusTimeout:
		fmt.Fprintf(&b, "\n⏱ Timed out: %s\n", r.Command)
	default:
		fmt.Fprintf(&b, "\n❌ Error: %s\n", r.Error)
	}
	b.WriteString("\n" + recordSeparator + "\n")
	return b.String()
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
