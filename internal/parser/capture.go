package parser

import (
	"regexp"
	"strings"
	"unicode"
)

// PromptShellPattern matches a line that ends in a typical interactive
// shell prompt character.
var PromptShellPattern = regexp.MustCompile(`[$>%❯#]\s*$`)

const (
	// maxEchoLines bounds how many physical lines one wrapped echo may span.
	maxEchoLines = 8
	// maxPromptLen bounds the prompt that may precede an echo.
	maxPromptLen = 512
)

// CleanCapture turns the raw output captured for one command into the text
// stored in its completion record. Escape sequences are stripped, lines that
// merely echo one of the given input lines are dropped, a trailing bare
// prompt line is removed and the result is trimmed.
//
// An echo is recognized even when the terminal wrapped it across several
// lines, since whitespace is ignored when comparing.
func CleanCapture(raw string, echoes ...string) string {
	text := StripANSI(raw)
	lines := strings.Split(text, "\n")
	for _, echo := range echoes {
		lines = dropEcho(lines, squeeze(echo))
	}
	for len(lines) > 0 && isBarePrompt(lines[len(lines)-1]) {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// dropEcho removes every run of lines that together echo target.
func dropEcho(lines []string, target string) []string {
	if target == "" {
		return lines
	}
	kept := make([]string, 0, len(lines))
	for i := 0; i < len(lines); {
		if n := echoSpan(lines[i:], target); n > 0 {
			i += n
			continue
		}
		kept = append(kept, lines[i])
		i++
	}
	return kept
}

// echoSpan returns how many lines from the start of lines make up one echo
// of target, or 0. The first line must hold part of the echo itself, so
// output ending in a prompt character is never taken for one.
func echoSpan(lines []string, target string) int {
	first := squeeze(lines[0])
	if first == "" {
		return 0
	}
	joined := ""
	for n := 1; n <= maxEchoLines && n <= len(lines); n++ {
		joined += squeeze(lines[n-1])
		if len(joined) > len(target)+maxPromptLen {
			return 0
		}
		if !strings.HasSuffix(joined, target) {
			continue
		}
		prompt := strings.TrimSuffix(joined, target)
		if len(prompt) >= len(first) {
			return 0
		}
		if prompt == "" || PromptShellPattern.MatchString(prompt) {
			return n
		}
	}
	return 0
}

// squeeze drops all whitespace, including the blanks a terminal inserts
// where it wraps a long line.
func squeeze(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func isBarePrompt(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}
	return len(trimmed) <= 80 && PromptShellPattern.MatchString(trimmed)
}
