package aibridge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Answer holds the commands extracted from a generation response.
type Answer struct {
	commands []string
	single   bool
}

// Commands returns the commands in order. A single-string answer yields one
// element holding the string as received.
func (a Answer) Commands() []string {
	return append([]string(nil), a.commands...)
}

// Single reports whether the service answered with one string rather than
// a list.
func (a Answer) Single() bool { return a.single }

// Text joins the commands with newlines.
func (a Answer) Text() string {
	return strings.Join(a.commands, "\n")
}

type generateResponse struct {
	Result *struct {
		Commands json.RawMessage `json:"commands"`
	} `json:"result"`
}

// ParseAnswer extracts {"result": {"commands": string | []string}}.
func ParseAnswer(body []byte) (Answer, error) {
	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	if resp.Result == nil || len(resp.Result.Commands) == 0 || string(resp.Result.Commands) == "null" {
		return Answer{}, fmt.Errorf("%w: missing result.commands", ErrExtraction)
	}

	raw := resp.Result.Commands
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if strings.TrimSpace(one) == "" {
			return Answer{}, fmt.Errorf("%w: empty result.commands", ErrExtraction)
		}
		return Answer{commands: []string{one}, single: true}, nil
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return Answer{}, fmt.Errorf("%w: result.commands must be a string or a list of strings", ErrExtraction)
	}
	if len(many) == 0 {
		return Answer{}, fmt.Errorf("%w: empty result.commands", ErrExtraction)
	}
	return Answer{commands: many}, nil
}

// NewAnswer builds an Answer from already extracted commands.
func NewAnswer(commands ...string) Answer {
	return Answer{commands: append([]string(nil), commands...)}
}
