package rule

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefinitions_JSONArray(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rules.json", `[
		{"id":"high-temp","topic":"sensor/+/temp","predicate":"value > 100","sinks":["archive","detector"],"enabled":true},
		{"id":"all","topic":"sensor/#","predicate":"","sinks":["archive"],"enabled":false}
	]`)

	defs, err := LoadDefinitions([]string{path})
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "high-temp", defs[0].ID)
	assert.True(t, defs[0].Enabled)
	assert.False(t, defs[1].Enabled)
}

func TestLoadDefinitions_JSONSingle(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rule.json",
		`{"id":"solo","topic":"a/b","predicate":"","sinks":["archive"],"enabled":true}`)

	defs, err := LoadDefinitions([]string{path})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "solo", defs[0].ID)
}

func TestLoadDefinitions_YAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rules.yaml", `
- id: battery-low
  topic: device/+/battery
  predicate: "level <= 20"
  sinks: [detector]
  enabled: true
`)

	defs, err := LoadDefinitions([]string{path})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "battery-low", defs[0].ID)
	assert.Equal(t, []string{"detector"}, defs[0].Sinks)
}

func TestLoadDefinitions_MultipleFiles(t *testing.T) {
	dir := t.TempDir()
	p1 := writeFile(t, dir, "a.json", `{"id":"a","topic":"a/#","sinks":["archive"],"enabled":true}`)
	p2 := writeFile(t, dir, "b.yml", `{id: b, topic: "b/#", sinks: [stream], enabled: true}`)

	defs, err := LoadDefinitions([]string{p1, p2})
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "a", defs[0].ID)
	assert.Equal(t, "b", defs[1].ID)
}

func TestLoadDefinitions_MissingFile(t *testing.T) {
	_, err := LoadDefinitions([]string{"/nonexistent/rules.json"})
	assert.Error(t, err)
}

func TestLoadDefinitions_Garbage(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.json", `{{{`)
	_, err := LoadDefinitions([]string{path})
	assert.Error(t, err)
}
