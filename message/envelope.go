// Package message defines the telemetry envelope carried through the
// pipeline. Envelopes are immutable after creation; enrichment produces a
// new envelope via Derive rather than mutating in place.
package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/c360/fleetstream/errors"
)

// Envelope wraps one published payload with routing metadata. The partition
// key is computed once at ingestion and carried unchanged through
// enrichment so ordered sinks see a stable per-device shard assignment.
type Envelope struct {
	id           string
	deviceID     string
	topic        string
	payload      []byte
	attributes   map[string]any
	partitionKey string
	sequenceHint int64
	receivedAt   time.Time
	enriched     bool
}

// Option is a functional option for configuring Envelope construction.
type Option func(*Envelope)

// WithReceivedAt sets a specific arrival timestamp instead of time.Now().
// Useful for historical data import or testing.
func WithReceivedAt(t time.Time) Option {
	return func(e *Envelope) {
		e.receivedAt = t
	}
}

// WithSequenceHint records a device-supplied sequence number.
func WithSequenceHint(seq int64) Option {
	return func(e *Envelope) {
		e.sequenceHint = seq
	}
}

// WithPartitionKey overrides the default partition key (the device id).
// The override must be deterministic for the lifetime of a device;
// ordered sinks shard on it.
func WithPartitionKey(key string) Option {
	return func(e *Envelope) {
		if key != "" {
			e.partitionKey = key
		}
	}
}

// WithAttributes attaches typed attributes extracted from the payload for
// predicate evaluation. The map is copied.
func WithAttributes(attrs map[string]any) Option {
	return func(e *Envelope) {
		e.attributes = copyAttrs(attrs)
	}
}

// NewEnvelope creates an immutable envelope for a published payload.
// The payload slice is copied so later caller mutations cannot leak in.
func NewEnvelope(deviceID, topic string, payload []byte, opts ...Option) *Envelope {
	e := &Envelope{
		id:           uuid.New().String(),
		deviceID:     deviceID,
		topic:        topic,
		payload:      append([]byte(nil), payload...),
		partitionKey: deviceID,
		receivedAt:   time.Now(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// ID returns the unique envelope identifier.
func (e *Envelope) ID() string { return e.id }

// DeviceID returns the publishing device identifier.
func (e *Envelope) DeviceID() string { return e.deviceID }

// Topic returns the topic the payload was published under.
func (e *Envelope) Topic() string { return e.topic }

// Payload returns a copy of the raw payload bytes.
func (e *Envelope) Payload() []byte {
	return append([]byte(nil), e.payload...)
}

// Attributes returns a copy of the extracted attributes.
func (e *Envelope) Attributes() map[string]any {
	return copyAttrs(e.attributes)
}

// Attribute returns a single attribute value and whether it exists.
func (e *Envelope) Attribute(name string) (any, bool) {
	v, ok := e.attributes[name]
	return v, ok
}

// PartitionKey returns the ordering key for sharded sinks.
func (e *Envelope) PartitionKey() string { return e.partitionKey }

// SequenceHint returns the device-supplied sequence number, 0 if none.
func (e *Envelope) SequenceHint() int64 { return e.sequenceHint }

// ReceivedAt returns the gateway arrival timestamp.
func (e *Envelope) ReceivedAt() time.Time { return e.receivedAt }

// Enriched reports whether this envelope was produced by the enrichment
// worker. Enriched envelopes bypass rule matching on re-entry.
func (e *Envelope) Enriched() bool { return e.enriched }

// Derive creates the enriched successor of this envelope: a new id and
// payload, the same device id and partition key, and the original arrival
// timestamp so downstream ordering logic is unaffected.
func (e *Envelope) Derive(payload []byte, attrs map[string]any) *Envelope {
	return &Envelope{
		id:           uuid.New().String(),
		deviceID:     e.deviceID,
		topic:        e.topic,
		payload:      append([]byte(nil), payload...),
		attributes:   copyAttrs(attrs),
		partitionKey: e.partitionKey,
		sequenceHint: e.sequenceHint,
		receivedAt:   e.receivedAt,
		enriched:     true,
	}
}

// Validate performs structural validation.
func (e *Envelope) Validate() error {
	if e.deviceID == "" {
		return errors.Wrap(errors.ErrMissingConfig, "Envelope", "Validate", "device id required")
	}
	if e.topic == "" {
		return errors.Wrap(errors.ErrMissingConfig, "Envelope", "Validate", "topic required")
	}
	if e.partitionKey == "" {
		return errors.Wrap(errors.ErrMissingConfig, "Envelope", "Validate", "partition key required")
	}
	return nil
}

// wireFormat is the JSON serialization of an Envelope used by the archive
// and stream sinks.
type wireFormat struct {
	ID           string         `json:"id"`
	DeviceID     string         `json:"device_id"`
	Topic        string         `json:"topic"`
	Payload      []byte         `json:"payload"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	PartitionKey string         `json:"partition_key"`
	SequenceHint int64          `json:"sequence_hint,omitempty"`
	ReceivedAt   int64          `json:"received_at"`
	Enriched     bool           `json:"enriched,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireFormat{
		ID:           e.id,
		DeviceID:     e.deviceID,
		Topic:        e.topic,
		Payload:      e.payload,
		Attributes:   e.attributes,
		PartitionKey: e.partitionKey,
		SequenceHint: e.sequenceHint,
		ReceivedAt:   e.receivedAt.UnixMilli(),
		Enriched:     e.enriched,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireFormat
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.WrapMalformed(err, "Envelope", "UnmarshalJSON", "wire decode")
	}

	e.id = wire.ID
	e.deviceID = wire.DeviceID
	e.topic = wire.Topic
	e.payload = wire.Payload
	e.attributes = wire.Attributes
	e.partitionKey = wire.PartitionKey
	e.sequenceHint = wire.SequenceHint
	e.receivedAt = time.UnixMilli(wire.ReceivedAt)
	e.enriched = wire.Enriched
	return nil
}

func copyAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
