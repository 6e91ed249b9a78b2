// Package filter implements the per-session filter profile: dropping
// system blocks, tool definitions, and tool_use/tool_result pairs from a
// request body, plus computing the independent truncated preview. Apply
// is a pure function of (body, profile) — design doc Section 3's
// invariant — so it has no side effects and no access to the store.
package filter

import (
	"regexp"
	"strings"
)

// Pattern is the tagged union from design doc Section 9: a string pattern
// compiled once at profile load, interpreted as a regex first, falling
// back to literal substring matching if it fails to compile. Compiling
// once and storing the result means Apply never recompiles a pattern.
type Pattern struct {
	re      *regexp.Regexp
	literal string
}

// compilePattern compiles a system_filters entry. Invalid regex syntax is
// not an error here — design doc Section 4.2 step 2 says to fall back to
// literal substring matching on compile failure.
func compilePattern(raw string) Pattern {
	re, err := regexp.Compile(raw)
	if err != nil {
		return Pattern{literal: raw}
	}
	return Pattern{re: re}
}

// matches reports whether s satisfies the pattern.
func (p Pattern) matches(s string) bool {
	if p.re != nil {
		return p.re.MatchString(s)
	}
	return strings.Contains(s, p.literal)
}
