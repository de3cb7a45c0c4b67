package rule

// Pattern is an exported compiled topic filter for callers outside the
// rule engine (policy checks use the same wildcard conventions).
type Pattern struct {
	tp topicPattern
}

// CompilePattern validates and compiles a topic filter with "+" and "#"
// wildcards.
func CompilePattern(pattern string) (Pattern, error) {
	tp, err := compileTopicPattern(pattern)
	if err != nil {
		return Pattern{}, err
	}
	return Pattern{tp: tp}, nil
}

// Match reports whether a concrete topic matches the pattern.
func (p Pattern) Match(topic string) bool {
	return p.tp.match(topic)
}
