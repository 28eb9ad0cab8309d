package parser

import "regexp"

// escapeSequences are removed in order: CSI, OSC, DCS/PM/APC/screen title,
// charset selection, keypad mode. The catch-all single-byte escape must stay
// last so it does not eat the introducer of a longer sequence.
var escapeSequences = []*regexp.Regexp{
	regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`),
	regexp.MustCompile(`\x1b\].*?(?:\x07|\x1b\\)`),
	regexp.MustCompile(`\x1b[P^_k].*?\x1b\\`),
	regexp.MustCompile(`\x1b[()][0-9A-Za-z]`),
	regexp.MustCompile(`\x1b[=>]`),
	regexp.MustCompile(`\x1b.`),
}

// StripANSI removes terminal escape sequences, carriage returns and other
// control bytes, applying backspaces. Newlines and tabs are kept.
func StripANSI(s string) string {
	for _, re := range escapeSequences {
		s = re.ReplaceAllString(s, "")
	}

	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\r':
			continue
		case ch == '\b':
			if len(result) > 0 {
				result = result[:len(result)-1]
			}
			continue
		case (ch < 0x20 || ch == 0x7f) && ch != '\n' && ch != '\t':
			continue
		}
		result = append(result, ch)
	}
	return string(result)
}
