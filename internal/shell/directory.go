package shell

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"
)

var commandSeparator = regexp.MustCompile(`\s*(?:&&|;)\s*`)

// PrefixIfNeeded returns command prefixed with "cd <marker> && " unless the
// session is believed to already be inside marker. When the shell reports
// its working directory after each command that report decides; otherwise
// the recent output is searched for marker. Both are hints: the transcript
// check gives false positives when marker appears in unrelated output.
func (s *Session) PrefixIfNeeded(command, marker string) string {
	marker = strings.TrimSpace(marker)
	if marker == "" {
		return command
	}

	s.mu.Lock()
	cwd := s.cwd
	reported := s.cwdReported
	recent := s.transcript.String()
	s.mu.Unlock()

	if reported {
		if inDirectory(cwd, marker) {
			return command
		}
		return cdPrefix(marker) + command
	}
	if cwd != "" && inDirectory(cwd, marker) {
		return command
	}
	if strings.Contains(recent, marker) {
		return command
	}
	return cdPrefix(marker) + command
}

func cdPrefix(dir string) string {
	return "cd " + shellquote.Join(dir) + " && "
}

func inDirectory(cwd, marker string) bool {
	cwd = filepath.ToSlash(filepath.Clean(cwd))
	marker = strings.Trim(filepath.ToSlash(marker), "/")
	return cwd == marker || strings.HasSuffix(cwd, "/"+marker)
}

// guessDirectory follows the cd segments of line starting from cwd. An
// empty result means the directory is unknown.
func guessDirectory(cwd, line string) string {
	for _, segment := range commandSeparator.Split(line, -1) {
		words, err := shellquote.Split(segment)
		if err != nil || len(words) == 0 || words[0] != "cd" {
			continue
		}
		if len(words) == 1 || words[1] == "~" || words[1] == "-" {
			cwd = ""
			continue
		}
		target := words[1]
		switch {
		case filepath.IsAbs(target):
			cwd = filepath.Clean(target)
		case cwd != "":
			cwd = filepath.Clean(filepath.Join(cwd, target))
		default:
			cwd = filepath.Clean(target)
		}
	}
	return cwd
}
