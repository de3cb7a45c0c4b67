// Package enrich normalizes raw telemetry payloads: decode, schema
// validation, unit annotation, and static anomaly flagging. The output is
// a derived envelope that re-enters the pipeline on the enriched path.
package enrich

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/message"
)

// Threshold flags a numeric field outside its expected range
type Threshold struct {
	Field string  `json:"field"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Config holds enrichment behavior
type Config struct {
	// Schema is an optional JSON schema applied to decoded payloads;
	// empty disables schema validation
	Schema string `json:"schema"`
	// Thresholds are static range checks producing anomaly flags
	Thresholds []Threshold `json:"thresholds"`
	// UnitsByField annotates fields with their measurement unit
	UnitsByField map[string]string `json:"units_by_field"`
}

// Worker enriches envelopes. It is stateless and safe for concurrent use.
type Worker struct {
	schema     *gojsonschema.Schema
	thresholds []Threshold
	units      map[string]string
	logger     *slog.Logger
}

// NewWorker compiles the configured schema once up front
func NewWorker(config Config, logger *slog.Logger) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		thresholds: config.Thresholds,
		units:      config.UnitsByField,
		logger:     logger,
	}

	if config.Schema != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(config.Schema))
		if err != nil {
			return nil, errors.Wrap(err, "Worker", "NewWorker", "compile schema")
		}
		w.schema = schema
	}

	return w, nil
}

// Enrich decodes, validates, and annotates one envelope. Decode and
// schema failures are malformed; a malformed input can never succeed on
// retry.
func (w *Worker) Enrich(_ context.Context, env *message.Envelope) (*message.Envelope, error) {
	var fields map[string]any
	if err := json.Unmarshal(env.Payload(), &fields); err != nil {
		return nil, errors.WrapMalformed(errors.ErrPayloadUndecodable, "Worker", "Enrich", "decode payload")
	}

	if w.schema != nil {
		result, err := w.schema.Validate(gojsonschema.NewGoLoader(fields))
		if err != nil {
			return nil, errors.WrapMalformed(err, "Worker", "Enrich", "schema validation")
		}
		if !result.Valid() {
			var reasons []string
			for _, desc := range result.Errors() {
				reasons = append(reasons, desc.String())
			}
			w.logger.Debug("payload failed schema",
				"message_id", env.ID(),
				"device_id", env.DeviceID(),
				"violations", strings.Join(reasons, "; "),
			)
			return nil, errors.WrapMalformed(errors.ErrPayloadUndecodable, "Worker", "Enrich", "schema violations")
		}
	}

	attrs := make(map[string]any)

	var anomalies []string
	for _, threshold := range w.thresholds {
		value, ok := numericField(fields, threshold.Field)
		if !ok {
			continue
		}
		if value < threshold.Min || value > threshold.Max {
			anomalies = append(anomalies, threshold.Field)
		}
	}
	if len(anomalies) > 0 {
		attrs["anomalies"] = anomalies
	}

	for field, unit := range w.units {
		if _, ok := fields[field]; ok {
			attrs["unit_"+field] = unit
		}
	}

	normalized, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.WrapMalformed(err, "Worker", "Enrich", "encode normalized payload")
	}

	return env.Derive(normalized, attrs), nil
}

func numericField(fields map[string]any, name string) (float64, bool) {
	raw, ok := fields[name]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
