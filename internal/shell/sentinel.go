package shell

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DefaultSentinelPrefix starts every completion marker.
const DefaultSentinelPrefix = "__RECIPETERM_DONE_"

// sentinel is the completion marker for one command. The shell is asked to
// print prefix+token, the previous exit status and its working directory on
// a line of their own. Prefix and token are passed as separate printf
// arguments so the terminal's echo of the request never contains the marker.
type sentinel struct {
	prefix string
	token  string
	re     *regexp.Regexp
}

type sentinelResult struct {
	exitCode int
	cwd      string
	// offset is where the marker line starts in the searched text and end
	// is just past its newline.
	offset int
	end    int
}

func newSentinel(prefix string) sentinel {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return sentinel{
		prefix: prefix,
		token:  token,
		re:     regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(prefix+token) + `:(-?\d+):([^\n]*)\n`),
	}
}

// Line is the input line that makes the shell emit the marker.
func (s sentinel) Line() string {
	return fmt.Sprintf(`printf '\n%%s%%s:%%s:%%s\n' '%s' '%s' "$?" "$PWD"`, s.prefix, s.token)
}

// find looks for a complete marker line in text with escape sequences
// already stripped.
func (s sentinel) find(text string) (sentinelResult, bool) {
	loc := s.re.FindStringSubmatchIndex(text)
	if loc == nil {
		return sentinelResult{}, false
	}
	code, err := strconv.Atoi(text[loc[2]:loc[3]])
	if err != nil {
		return sentinelResult{}, false
	}
	return sentinelResult{
		exitCode: code,
		cwd:      strings.TrimSpace(text[loc[4]:loc[5]]),
		offset:   loc[0],
		end:      loc[1],
	}, true
}

// maxStale bounds the markers remembered for commands that timed out. A
// program that swallows its input never prints them.
const maxStale = 4

// skipStale cuts text after the last marker line printed for an earlier
// command that timed out. It returns the markers still outstanding.
func skipStale(text string, stale []sentinel) (string, []sentinel) {
	cut := 0
	var pending []sentinel
	for _, m := range stale {
		res, ok := m.find(text)
		if !ok {
			pending = append(pending, m)
			continue
		}
		if res.end > cut {
			cut = res.end
		}
	}
	return text[cut:], pending
}

// markerNoise matches leftover marker lines of any command as well as the
// echo of a marker request, which quotes the prefix on its own.
func markerNoise(prefix string) *regexp.Regexp {
	p := regexp.QuoteMeta(prefix)
	return regexp.MustCompile(`(?m)^(?:` + p + `[0-9a-f]+:-?\d+:|.*'` + p + `').*(?:\n|$)`)
}
