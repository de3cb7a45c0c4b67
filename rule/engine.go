package rule

import (
	"log/slog"
	"sync/atomic"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/metric"
)

// compiledRule pairs a definition with its pre-compiled topic pattern and
// predicate.
type compiledRule struct {
	def   Definition
	topic topicPattern
	pred  predicate
}

// Table is an immutable compiled rule set. A Table is never mutated after
// Compile returns; the Engine publishes new tables by pointer swap so
// concurrent Match callers always observe a complete snapshot.
type Table struct {
	version uint64
	rules   []compiledRule
}

// Version returns the snapshot version assigned when the table was
// installed, 0 for a table that was never installed.
func (t *Table) Version() uint64 { return t.version }

// Len returns the number of enabled rules in the table.
func (t *Table) Len() int { return len(t.rules) }

// Compile validates a rule set against the known sink names and returns an
// immutable dispatch table. All rules are validated, including disabled
// ones, so a disabled rule with a broken predicate cannot be silently
// re-enabled later; disabled rules are excluded from the table.
func Compile(defs []Definition, knownSinks []string) (*Table, error) {
	sinkSet := make(map[string]bool, len(knownSinks))
	for _, name := range knownSinks {
		sinkSet[name] = true
	}

	seen := make(map[string]bool, len(defs))
	table := &Table{}

	for _, def := range defs {
		if def.ID == "" {
			return nil, &CompileError{RuleID: def.ID, Reason: "rule id required"}
		}
		if seen[def.ID] {
			return nil, &CompileError{RuleID: def.ID, Reason: "duplicate rule id", Err: errors.ErrDuplicateRule}
		}
		seen[def.ID] = true

		topic, err := compileTopicPattern(def.TopicPattern)
		if err != nil {
			return nil, &CompileError{RuleID: def.ID, Reason: "topic pattern", Err: err}
		}

		pred, err := compilePredicate(def.Predicate)
		if err != nil {
			return nil, &CompileError{RuleID: def.ID, Reason: "predicate", Err: err}
		}

		if len(def.Sinks) == 0 {
			return nil, &CompileError{RuleID: def.ID, Reason: "at least one sink required"}
		}
		for _, sinkName := range def.Sinks {
			if !sinkSet[sinkName] {
				return nil, &CompileError{
					RuleID: def.ID,
					Reason: "sink " + sinkName + " not configured",
					Err:    errors.ErrUnknownSink,
				}
			}
		}

		if !def.Enabled {
			continue
		}

		table.rules = append(table.rules, compiledRule{def: def, topic: topic, pred: pred})
	}

	return table, nil
}

// Match evaluates a topic and attribute set against the table, returning
// matched sink targets in rule-definition order with each sink listed at
// most once.
func (t *Table) Match(topic string, attrs map[string]any) []Target {
	var targets []Target
	var taken map[string]bool

	for _, r := range t.rules {
		if !r.topic.match(topic) {
			continue
		}
		if !r.pred.evaluate(attrs) {
			continue
		}
		for _, sinkName := range r.def.Sinks {
			if taken[sinkName] {
				continue
			}
			if taken == nil {
				taken = make(map[string]bool)
			}
			taken[sinkName] = true
			targets = append(targets, Target{Sink: sinkName, Rule: r.def.ID})
		}
	}

	return targets
}

// Engine holds the active compiled table behind an atomic pointer. Match
// is wait-free with respect to Swap: a reload installs a fully-built table
// and in-flight matches keep reading the snapshot they started with.
type Engine struct {
	table   atomic.Pointer[Table]
	version atomic.Uint64
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewEngine creates an engine with an initial compiled table.
func NewEngine(table *Table, logger *slog.Logger, registry *metric.Registry) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger}
	if registry != nil {
		e.metrics = registry.CoreMetrics()
	}
	e.install(table)
	return e
}

// Match evaluates against the current snapshot and counts per-rule matches.
func (e *Engine) Match(topic string, attrs map[string]any) []Target {
	targets := e.table.Load().Match(topic, attrs)
	if e.metrics != nil {
		for _, target := range targets {
			e.metrics.RuleMatches.WithLabelValues(target.Rule).Inc()
		}
	}
	return targets
}

// Swap atomically replaces the active table. The previous snapshot remains
// valid for matches already in flight.
func (e *Engine) Swap(table *Table) {
	e.install(table)
	installed := e.table.Load()
	e.logger.Info("rule table swapped",
		"version", installed.version,
		"rules", installed.Len())
}

// Snapshot returns the currently active table.
func (e *Engine) Snapshot() *Table {
	return e.table.Load()
}

func (e *Engine) install(table *Table) {
	if table == nil {
		table = &Table{}
	}
	// Copy rather than mutate the caller's table so compiled tables stay
	// immutable even when the same one is installed twice.
	versioned := &Table{
		version: e.version.Add(1),
		rules:   table.rules,
	}
	e.table.Store(versioned)
	if e.metrics != nil {
		e.metrics.RuleTableSwaps.Inc()
		e.metrics.RuleTableSize.Set(float64(versioned.Len()))
	}
}
