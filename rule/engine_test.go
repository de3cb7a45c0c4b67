package rule

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/errors"
)

var testSinks = []string{"stream", "archive", "enricher", "detector"}

func enabledRule(id, topic, predicate string, sinks ...string) Definition {
	return Definition{
		ID:           id,
		TopicPattern: topic,
		Predicate:    predicate,
		Sinks:        sinks,
		Enabled:      true,
	}
}

func TestCompile_Valid(t *testing.T) {
	table, err := Compile([]Definition{
		enabledRule("high-temp", "sensor/+/temp", "value > 100", "archive", "detector"),
		enabledRule("all-telemetry", "sensor/#", "", "archive"),
	}, testSinks)

	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())
}

func TestCompile_UnknownSink(t *testing.T) {
	_, err := Compile([]Definition{
		enabledRule("r1", "sensor/+/temp", "", "nonexistent"),
	}, testSinks)

	require.Error(t, err)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "r1", ce.RuleID)
	assert.ErrorIs(t, err, errors.ErrUnknownSink)
}

func TestCompile_BadPredicate(t *testing.T) {
	_, err := Compile([]Definition{
		enabledRule("r-bad", "sensor/+/temp", "value >", "archive"),
	}, testSinks)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "r-bad", ce.RuleID)
}

func TestCompile_BadTopicPattern(t *testing.T) {
	_, err := Compile([]Definition{
		enabledRule("r-topic", "sensor/#/temp", "", "archive"),
	}, testSinks)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, errors.ErrBadTopicPattern)
}

func TestCompile_DuplicateID(t *testing.T) {
	_, err := Compile([]Definition{
		enabledRule("dup", "a/b", "", "archive"),
		enabledRule("dup", "c/d", "", "stream"),
	}, testSinks)
	assert.ErrorIs(t, err, errors.ErrDuplicateRule)
}

func TestCompile_NoSinks(t *testing.T) {
	_, err := Compile([]Definition{enabledRule("r", "a/b", "")}, testSinks)
	assert.Error(t, err)
}

func TestCompile_DisabledRulesValidatedButExcluded(t *testing.T) {
	// Disabled rule with broken predicate still fails compile
	_, err := Compile([]Definition{
		{ID: "off", TopicPattern: "a/b", Predicate: "value >", Sinks: []string{"archive"}, Enabled: false},
	}, testSinks)
	assert.Error(t, err)

	// Valid disabled rule is excluded from the table
	table, err := Compile([]Definition{
		{ID: "off", TopicPattern: "a/b", Predicate: "", Sinks: []string{"archive"}, Enabled: false},
		enabledRule("on", "a/b", "", "stream"),
	}, testSinks)
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())

	targets := table.Match("a/b", nil)
	require.Len(t, targets, 1)
	assert.Equal(t, "stream", targets[0].Sink)
}

func TestTable_MatchScenario(t *testing.T) {
	// Rule {topic:"sensor/+/temp", predicate:"value > 100", sinks:[archive, detector]}
	table, err := Compile([]Definition{
		enabledRule("high-temp", "sensor/+/temp", "value > 100", "archive", "detector"),
	}, testSinks)
	require.NoError(t, err)

	targets := table.Match("sensor/42/temp", map[string]any{"value": 105.0})
	require.Len(t, targets, 2)
	assert.Equal(t, "archive", targets[0].Sink)
	assert.Equal(t, "detector", targets[1].Sink)

	targets = table.Match("sensor/42/temp", map[string]any{"value": 50.0})
	assert.Empty(t, targets)

	targets = table.Match("actuator/42/state", map[string]any{"value": 105.0})
	assert.Empty(t, targets)
}

func TestTable_MatchUnionsSinksAcrossRules(t *testing.T) {
	table, err := Compile([]Definition{
		enabledRule("r1", "sensor/#", "", "archive", "stream"),
		enabledRule("r2", "sensor/+/temp", "", "archive", "detector"),
	}, testSinks)
	require.NoError(t, err)

	targets := table.Match("sensor/42/temp", nil)
	require.Len(t, targets, 3)

	// archive appears once, attributed to the first rule that named it
	assert.Equal(t, Target{Sink: "archive", Rule: "r1"}, targets[0])
	assert.Equal(t, Target{Sink: "stream", Rule: "r1"}, targets[1])
	assert.Equal(t, Target{Sink: "detector", Rule: "r2"}, targets[2])
}

func TestEngine_MatchDeterministicUnderConcurrency(t *testing.T) {
	table, err := Compile([]Definition{
		enabledRule("r1", "sensor/+/temp", "value > 100", "archive", "detector"),
		enabledRule("r2", "sensor/#", `unit == "C"`, "stream"),
	}, testSinks)
	require.NoError(t, err)

	engine := NewEngine(table, nil, nil)
	attrs := map[string]any{"value": 105.0, "unit": "C"}

	var wg sync.WaitGroup
	results := make([][]Target, 64)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = engine.Match("sensor/42/temp", attrs)
		}(i)
	}
	wg.Wait()

	expected := results[0]
	require.Len(t, expected, 3)
	for _, got := range results[1:] {
		assert.Equal(t, expected, got)
	}
}

func TestEngine_SwapIsAtomic(t *testing.T) {
	tableA, err := Compile([]Definition{
		enabledRule("a1", "t/#", "", "archive"),
		enabledRule("a2", "t/#", "", "stream"),
	}, testSinks)
	require.NoError(t, err)

	tableB, err := Compile([]Definition{
		enabledRule("b1", "t/#", "", "detector"),
		enabledRule("b2", "t/#", "", "enricher"),
	}, testSinks)
	require.NoError(t, err)

	engine := NewEngine(tableA, nil, nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				targets := engine.Match("t/x", nil)
				// A match sees either table A in full or table B in
				// full, never a mix of the two.
				require.Len(t, targets, 2)
				sinks := fmt.Sprintf("%s,%s", targets[0].Sink, targets[1].Sink)
				assert.Contains(t, []string{"archive,stream", "detector,enricher"}, sinks)
			}
		}()
	}

	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			engine.Swap(tableB)
		} else {
			engine.Swap(tableA)
		}
	}
	close(stop)
	wg.Wait()
}

func TestEngine_SnapshotVersionAdvances(t *testing.T) {
	table, err := Compile(nil, testSinks)
	require.NoError(t, err)

	engine := NewEngine(table, nil, nil)
	v1 := engine.Snapshot().Version()

	next, err := Compile([]Definition{enabledRule("r", "t/#", "", "archive")}, testSinks)
	require.NoError(t, err)
	engine.Swap(next)

	assert.Greater(t, engine.Snapshot().Version(), v1)
	assert.Equal(t, 1, engine.Snapshot().Len())
}
