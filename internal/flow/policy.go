package flow

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/user/recipeterm/internal/shell"
)

var (
	commandWrappers = []string{"sudo", "command", "nohup", "env"}
	shellPrograms   = []string{"bash", "sh", "zsh", "fish"}
	chainOperators  = []string{"&&", "||", ";", "|"}
	redirectPrefix  = []string{"&>", "2>", "1>", ">>", ">", "<"}

	freeTextExpansion = regexp.MustCompile("`|\\$[({A-Za-z_]")
)

// PolicyError reports a drafted command that was refused before it reached
// the shell.
type PolicyError struct {
	Rule    string
	Detail  string
	Command string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("command %q refused (%s): %s", e.Command, e.Rule, e.Detail)
}

// Policy screens commands drafted by the generation service. Paths must
// stay inside Root. Text after a free-text flag reaches the program as one
// quoted argument, so it is only screened for expansions written inside
// double quotes.
type Policy struct {
	Root          string
	FreeTextFlags []string
}

func (p Policy) Check(command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil
	}
	refuse := func(rule, detail string) error {
		err := &PolicyError{Rule: rule, Detail: detail, Command: command}
		slog.Warn("drafted command refused", "rule", rule, "command", command)
		return err
	}

	words, err := shellquote.Split(command)
	if err != nil {
		return refuse("unparsable", err.Error())
	}
	words = p.inspected(words)

	for _, w := range words {
		if strings.Contains(w, "`") || strings.Contains(w, "$(") {
			return refuse("no_substitution", "command substitution is not allowed")
		}
	}
	if text, ok := shell.FreeText(command, p.FreeTextFlags); ok && strings.Contains(text, `"`) && freeTextExpansion.MatchString(text) {
		return refuse("no_substitution", "expansion inside quoted free text is not allowed")
	}

	for _, segment := range segments(words) {
		program, args := unwrap(segment)
		switch {
		case slices.Contains(shellPrograms, program) && slices.Contains(args, "-c"):
			return refuse("no_shell_dash_c", "nested shell execution is not allowed")
		case program == "eval":
			return refuse("no_eval", "eval is not allowed")
		case program == "rm" && recursive(args) && anyAbsolute(args):
			return refuse("no_rm_rf_absolute", "recursive rm of an absolute path is not allowed")
		}
	}

	for _, w := range words {
		target := pathToken(w)
		if target == "" {
			continue
		}
		if err := p.checkPath(target); err != "" {
			return refuse(err, fmt.Sprintf("path %q is not allowed", target))
		}
	}
	return nil
}

// inspected drops everything from the first free-text flag on.
func (p Policy) inspected(words []string) []string {
	for i, w := range words {
		if slices.Contains(p.FreeTextFlags, w) {
			return words[:i]
		}
	}
	return words
}

// checkPath returns the violated rule or "".
func (p Policy) checkPath(target string) string {
	switch {
	case strings.Contains(target, "$") || strings.Contains(target, "%"):
		return "no_env_path_expansion"
	case strings.HasPrefix(target, "~"):
		return "no_tilde_path"
	case slices.Contains(strings.Split(filepath.ToSlash(target), "/"), ".."):
		return "no_path_traversal"
	}

	root := strings.TrimSpace(p.Root)
	if root == "" {
		return "missing_root"
	}
	root = canonical(root)
	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	if !within(root, canonical(resolved)) {
		return "path_outside_workspace"
	}
	return ""
}

func segments(words []string) [][]string {
	var (
		out     [][]string
		current []string
	)
	for _, w := range words {
		if slices.Contains(chainOperators, w) {
			out = append(out, current)
			current = nil
			continue
		}
		current = append(current, w)
	}
	return append(out, current)
}

func unwrap(words []string) (string, []string) {
	i := 0
	for i < len(words) {
		base := filepath.Base(words[i])
		if slices.Contains(commandWrappers, base) || (strings.Contains(words[i], "=") && !strings.HasPrefix(words[i], "-")) {
			i++
			continue
		}
		break
	}
	if i >= len(words) {
		return "", nil
	}
	return filepath.Base(words[i]), words[i+1:]
}

func recursive(args []string) bool {
	for _, a := range args {
		if a == "--recursive" || (strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && strings.ContainsAny(a, "rR")) {
			return true
		}
	}
	return false
}

func anyAbsolute(args []string) bool {
	for _, a := range args {
		if !strings.HasPrefix(a, "-") && filepath.IsAbs(a) {
			return true
		}
	}
	return false
}

// pathToken returns the path carried by w, if it looks like one.
func pathToken(w string) string {
	for _, prefix := range redirectPrefix {
		if strings.HasPrefix(w, prefix) {
			w = strings.TrimPrefix(w, prefix)
			break
		}
	}
	if strings.HasPrefix(w, "-") {
		_, value, ok := strings.Cut(w, "=")
		if !ok {
			return ""
		}
		w = value
	}
	if w == "" || strings.Contains(w, "://") {
		return ""
	}
	if w == ".." || strings.HasPrefix(w, "/") || strings.HasPrefix(w, ".") || strings.HasPrefix(w, "~") || strings.Contains(w, "/") {
		return w
	}
	if strings.HasPrefix(w, "$") {
		return w
	}
	return ""
}

func canonical(path string) string {
	path = filepath.Clean(path)
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return filepath.Clean(resolved)
	}
	return path
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
