package filter

// Profile is a set of three additive filter groups (design doc Section 3).
// Patterns are compiled once, in NewProfile, and reused by every Apply call
// on this value. The session resolver builds a new Profile for each request
// it resolves, so patterns are compiled once per request, not once per
// stored profile.
type Profile struct {
	ID   string
	Name string

	systemPatterns []Pattern
	toolNames      map[string]bool
	keepToolPairs  bool
}

// NewProfile compiles the raw system filter patterns and builds the tool
// name set once, so Apply never compiles a pattern itself.
func NewProfile(id, name string, systemFilters, toolFilters []string, keepToolPairs bool) Profile {
	patterns := make([]Pattern, 0, len(systemFilters))
	for _, raw := range systemFilters {
		patterns = append(patterns, compilePattern(raw))
	}

	names := make(map[string]bool, len(toolFilters))
	for _, n := range toolFilters {
		names[n] = true
	}

	return Profile{
		ID:             id,
		Name:           name,
		systemPatterns: patterns,
		toolNames:      names,
		keepToolPairs:  keepToolPairs,
	}
}
