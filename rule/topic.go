package rule

import (
	"strings"

	"github.com/c360/fleetstream/errors"
)

// topicPattern is a pre-split topic filter supporting pub/sub wildcards:
// "+" matches exactly one level, "#" matches the remainder and must be the
// final level.
type topicPattern struct {
	levels    []string
	multiWild bool // pattern ends in "#"
}

// compileTopicPattern validates and pre-splits a topic filter.
func compileTopicPattern(pattern string) (topicPattern, error) {
	if pattern == "" {
		return topicPattern{}, errors.Wrap(errors.ErrBadTopicPattern, "rule", "compileTopicPattern", "empty pattern")
	}

	levels := strings.Split(pattern, "/")
	tp := topicPattern{levels: levels}

	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return topicPattern{}, errors.Wrap(errors.ErrBadTopicPattern,
					"rule", "compileTopicPattern", "'#' must be the final level")
			}
			tp.multiWild = true
			tp.levels = levels[:i]
		case strings.ContainsAny(level, "+#") && level != "+":
			return topicPattern{}, errors.Wrap(errors.ErrBadTopicPattern,
				"rule", "compileTopicPattern", "wildcard must occupy a whole level")
		}
	}

	return tp, nil
}

// match reports whether a concrete topic matches the pattern.
func (tp topicPattern) match(topic string) bool {
	levels := strings.Split(topic, "/")

	if tp.multiWild {
		if len(levels) < len(tp.levels) {
			return false
		}
	} else if len(levels) != len(tp.levels) {
		return false
	}

	for i, want := range tp.levels {
		if want == "+" {
			continue
		}
		if levels[i] != want {
			return false
		}
	}
	return true
}
