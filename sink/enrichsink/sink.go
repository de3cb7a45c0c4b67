// Package enrichsink adapts the enrichment worker into a routable sink.
// Messages routed here are enriched and re-injected onto the enriched
// path without another pass through rule matching.
package enrichsink

import (
	"context"
	"log/slog"

	"github.com/c360/fleetstream/enrich"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/message"
	"github.com/c360/fleetstream/sink"
)

// Forwarder re-injects enriched envelopes toward a downstream sink. The
// router implements this; the indirection breaks the import cycle.
type Forwarder interface {
	DispatchDirect(ctx context.Context, env *message.Envelope, sinkName string) sink.DeliveryRecord
}

// Sink runs enrichment and forwards the result
type Sink struct {
	name      string
	worker    *enrich.Worker
	forwarder Forwarder
	target    string
	logger    *slog.Logger
}

// New creates an enrichment sink forwarding to the named target sink
func New(name string, worker *enrich.Worker, forwarder Forwarder, target string, logger *slog.Logger) *Sink {
	if name == "" {
		name = "enrich"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		name:      name,
		worker:    worker,
		forwarder: forwarder,
		target:    target,
		logger:    logger,
	}
}

var _ sink.Sink = (*Sink)(nil)

// Name returns the sink name
func (s *Sink) Name() string { return s.name }

// Deliver enriches the envelope and forwards the derived message. A
// malformed payload fails here without retry; transient downstream
// failures surface as the forwarded delivery's outcome.
func (s *Sink) Deliver(ctx context.Context, env *message.Envelope) error {
	enriched, err := s.worker.Enrich(ctx, env)
	if err != nil {
		return errors.Wrap(err, "Sink", "Deliver", "enrich")
	}

	record := s.forwarder.DispatchDirect(ctx, enriched, s.target)
	if record.Status != sink.StatusDelivered {
		// the forwarded delivery already dead-lettered downstream;
		// reporting terminal here keeps this sink's record consistent
		// without double-counting retries
		return errors.WrapTerminal(errors.ErrSinkUnavailable, "Sink", "Deliver", "forward enriched")
	}

	s.logger.Debug("envelope enriched",
		"message_id", env.ID(),
		"derived_id", enriched.ID(),
		"target", s.target,
	)
	return nil
}
