// Package detectorsink adapts the detector engine into a routable sink.
package detectorsink

import (
	"context"
	"log/slog"

	"github.com/c360/fleetstream/detector"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/message"
	"github.com/c360/fleetstream/sink"
)

// Sink feeds routed envelopes into the detector engine
type Sink struct {
	name   string
	engine *detector.Engine
	logger *slog.Logger
}

// New creates a detector sink
func New(name string, engine *detector.Engine, logger *slog.Logger) *Sink {
	if name == "" {
		name = "detector"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{name: name, engine: engine, logger: logger}
}

var _ sink.Sink = (*Sink)(nil)

// Name returns the sink name
func (s *Sink) Name() string { return s.name }

// Deliver observes the envelope. The engine serializes per-device
// transitions internally and discards stale arrivals, so replays and
// retries cannot rewind a device's state.
func (s *Sink) Deliver(ctx context.Context, env *message.Envelope) error {
	state, err := s.engine.Observe(ctx, env)
	if err != nil {
		return errors.Wrap(err, "Sink", "Deliver", "observe")
	}

	s.logger.Debug("observation applied",
		"message_id", env.ID(),
		"device_id", env.DeviceID(),
		"state", string(state),
	)
	return nil
}
