package shell

import (
	"strings"

	"github.com/kballard/go-shellquote"
)

// DefaultFreeTextFlags are flags whose argument is free text running to the
// end of the line.
var DefaultFreeTextFlags = []string{"--content"}

// QuoteFreeText wraps the text following the first free-text flag in double
// quotes so that the shell passes it as a single argument with nothing
// expanded. Single-quoted text is left alone; double-quoted text is quoted
// again with its dollar signs and backquotes escaped.
func QuoteFreeText(line string, flags []string) string {
	for _, flag := range flags {
		idx := indexFlag(line, flag)
		if idx < 0 {
			continue
		}
		head := line[:idx+len(flag)]
		rest := strings.TrimSpace(line[idx+len(flag):])
		if rest == "" || isSingleQuoted(rest) {
			return line
		}
		if word, ok := quotedWord(rest); ok {
			rest = word
		}
		return head + " " + doubleQuote(rest)
	}
	return line
}

// FreeText returns the raw text after the first free-text flag in line.
func FreeText(line string, flags []string) (string, bool) {
	idx := firstFlag(line, flags)
	if idx < 0 {
		return "", false
	}
	rest := line[idx:]
	end := strings.IndexAny(rest, " \t")
	return strings.TrimSpace(rest[end:]), true
}

// indexFlag finds flag as a standalone token followed by whitespace.
func indexFlag(line, flag string) int {
	if flag == "" {
		return -1
	}
	offset := 0
	for {
		i := strings.Index(line[offset:], flag)
		if i < 0 {
			return -1
		}
		i += offset
		end := i + len(flag)
		startOK := i == 0 || line[i-1] == ' ' || line[i-1] == '\t'
		endOK := end < len(line) && (line[end] == ' ' || line[end] == '\t')
		if startOK && endOK {
			return i
		}
		offset = end
	}
}

func isSingleQuoted(text string) bool {
	return len(text) >= 2 && text[0] == '\'' && text[len(text)-1] == '\'' && strings.Count(text, "'") == 2
}

// quotedWord returns text unquoted when it starts with a quote and forms
// exactly one word.
func quotedWord(text string) (string, bool) {
	if text[0] != '"' && text[0] != '\'' {
		return "", false
	}
	words, err := shellquote.Split(text)
	if err != nil || len(words) != 1 {
		return "", false
	}
	return words[0], true
}

func doubleQuote(text string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")
	return `"` + r.Replace(text) + `"`
}

// SplitCommandText splits typed input into commands: one per line, and
// lines are further split on commas outside quotes. Text after a free-text
// flag is kept whole, commas included.
func SplitCommandText(text string, flags []string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		head, tail := line, ""
		if idx := firstFlag(line, flags); idx >= 0 {
			head, tail = line[:idx], line[idx:]
		}
		parts := splitOutsideQuotes(head, ',')
		parts[len(parts)-1] += tail
		for _, part := range parts {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func firstFlag(line string, flags []string) int {
	first := -1
	for _, flag := range flags {
		if idx := indexFlag(line, flag); idx >= 0 && (first < 0 || idx < first) {
			first = idx
		}
	}
	return first
}

// splitOutsideQuotes always returns at least one element.
func splitOutsideQuotes(s string, sep byte) []string {
	var (
		parts []string
		quote byte
		start int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote == 0 && (c == '"' || c == '\''):
			quote = c
		case quote == '"' && c == '\\':
			i++
		case quote != 0 && c == quote:
			quote = 0
		case quote == 0 && c == sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
