package enrich

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/message"
)

const tempSchema = `{
	"type": "object",
	"required": ["value"],
	"properties": {
		"value": {"type": "number"}
	}
}`

func testWorker(t *testing.T, config Config) *Worker {
	t.Helper()
	w, err := NewWorker(config, nil)
	require.NoError(t, err)
	return w
}

func TestEnrich_DerivesEnvelope(t *testing.T) {
	w := testWorker(t, Config{
		Thresholds:   []Threshold{{Field: "value", Min: -40, Max: 85}},
		UnitsByField: map[string]string{"value": "celsius"},
	})

	env := message.NewEnvelope("dev-1", "sensor/dev-1/temp", []byte(`{"value":21.5}`))
	out, err := w.Enrich(context.Background(), env)
	require.NoError(t, err)

	assert.True(t, out.Enriched())
	assert.Equal(t, env.DeviceID(), out.DeviceID())
	assert.Equal(t, env.PartitionKey(), out.PartitionKey())
	assert.Equal(t, env.ReceivedAt(), out.ReceivedAt())

	unit, ok := out.Attribute("unit_value")
	require.True(t, ok)
	assert.Equal(t, "celsius", unit)

	_, flagged := out.Attribute("anomalies")
	assert.False(t, flagged)
}

func TestEnrich_AnomalyFlag(t *testing.T) {
	w := testWorker(t, Config{
		Thresholds: []Threshold{{Field: "value", Min: -40, Max: 85}},
	})

	env := message.NewEnvelope("dev-1", "sensor/dev-1/temp", []byte(`{"value":120}`))
	out, err := w.Enrich(context.Background(), env)
	require.NoError(t, err)

	anomalies, ok := out.Attribute("anomalies")
	require.True(t, ok)
	assert.Equal(t, []string{"value"}, anomalies)
}

func TestEnrich_UndecodablePayload(t *testing.T) {
	w := testWorker(t, Config{})

	env := message.NewEnvelope("dev-1", "sensor/dev-1/temp", []byte(`not json`))
	_, err := w.Enrich(context.Background(), env)
	require.Error(t, err)
	assert.True(t, errors.IsMalformed(err))
	assert.ErrorIs(t, err, errors.ErrPayloadUndecodable)
}

func TestEnrich_SchemaViolation(t *testing.T) {
	w := testWorker(t, Config{Schema: tempSchema})

	env := message.NewEnvelope("dev-1", "sensor/dev-1/temp", []byte(`{"value":"warm"}`))
	_, err := w.Enrich(context.Background(), env)
	require.Error(t, err)
	assert.True(t, errors.IsMalformed(err))
}

func TestEnrich_SchemaAccepts(t *testing.T) {
	w := testWorker(t, Config{Schema: tempSchema})

	env := message.NewEnvelope("dev-1", "sensor/dev-1/temp", []byte(`{"value":3.2,"extra":"ok"}`))
	out, err := w.Enrich(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, out.Enriched())
}

func TestNewWorker_BadSchema(t *testing.T) {
	_, err := NewWorker(Config{Schema: `{"type": 42}`}, nil)
	assert.Error(t, err)
}

func TestEnrich_MissingThresholdFieldIgnored(t *testing.T) {
	w := testWorker(t, Config{
		Thresholds: []Threshold{{Field: "humidity", Min: 0, Max: 100}},
	})

	env := message.NewEnvelope("dev-1", "sensor/dev-1/temp", []byte(`{"value":21}`))
	out, err := w.Enrich(context.Background(), env)
	require.NoError(t, err)
	_, flagged := out.Attribute("anomalies")
	assert.False(t, flagged)
}
