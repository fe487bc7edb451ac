package procbridge

import (
	"regexp"
	"strings"
)

// PromptMatcher decides whether the trailing output of a process is an
// interactive prompt awaiting input.
type PromptMatcher interface {
	// Match inspects the trimmed trailing content of the output buffer and
	// returns the prompt text on a hit.
	Match(tail string) (string, bool)
}

type regexMatcher struct {
	patterns []*regexp.Regexp
}

// NewMatcher builds a matcher from an ordered pattern list. Patterns are
// tried in order against the trailing content; the first hit wins.
func NewMatcher(patterns ...*regexp.Regexp) PromptMatcher {
	return &regexMatcher{patterns: patterns}
}

// DefaultMatcher recognizes explicit yes/no confirmations and password
// prompts. Generic heuristics like "line ends with a colon" are deliberately
// excluded: they false-positive on ordinary log output.
func DefaultMatcher() PromptMatcher {
	return NewMatcher(
		regexp.MustCompile(`(?i)\[y/n\]\s*:?\s*$`),
		regexp.MustCompile(`(?i)\(y(es)?/no?\)\s*\??\s*:?\s*$`),
		regexp.MustCompile(`(?i)\byes\s*/\s*no\b.{0,3}$`),
		regexp.MustCompile(`(?i)\bpassword\b[^:\n]*:\s*$`),
		regexp.MustCompile(`(?i)\bpassphrase\b[^:\n]*:\s*$`),
	)
}

func (m *regexMatcher) Match(tail string) (string, bool) {
	tail = strings.TrimSpace(tail)
	if tail == "" {
		return "", false
	}
	for _, re := range m.patterns {
		if re.MatchString(tail) {
			return lastLine(tail), true
		}
	}
	return "", false
}

// lastLine returns the final non-empty line, which is taken as the prompt
// text itself.
func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return s
}
