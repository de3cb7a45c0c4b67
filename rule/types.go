// Package rule compiles declarative routing rules into an immutable
// dispatch table and matches telemetry envelopes against it. The active
// table is swapped atomically so hot-path matching never blocks on a
// reload.
package rule

import "fmt"

// Definition is one routing rule as loaded from configuration: a topic
// pattern, a predicate over message attributes, and the sinks matching
// messages are routed to.
type Definition struct {
	ID           string   `json:"id"            yaml:"id"`
	TopicPattern string   `json:"topic"         yaml:"topic"`
	Predicate    string   `json:"predicate"     yaml:"predicate"`
	Sinks        []string `json:"sinks"         yaml:"sinks"`
	Enabled      bool     `json:"enabled"       yaml:"enabled"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// Target identifies one sink a matched message is routed to, with the rule
// that selected it. When several rules name the same sink, the first in
// definition order wins; a message reaches a sink at most once.
type Target struct {
	Sink string
	Rule string
}

// Comparison operators accepted in predicate expressions
const (
	OpEqual            = "=="
	OpNotEqual         = "!="
	OpLessThan         = "<"
	OpLessThanEqual    = "<="
	OpGreaterThan      = ">"
	OpGreaterThanEqual = ">="
	OpContains         = "contains"
	OpStartsWith       = "startswith"
	OpEndsWith         = "endswith"
	OpMatches          = "matches"
)

// CompileError reports the offending rule when a rule set fails to compile
type CompileError struct {
	RuleID string
	Reason string
	Err    error
}

func (e *CompileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rule %q: %s: %v", e.RuleID, e.Reason, e.Err)
	}
	return fmt.Sprintf("rule %q: %s", e.RuleID, e.Reason)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}
