// Package router fans accepted messages out to their matched sinks. Each
// sink delivery is independent: its own goroutine, its own deadline, its
// own retry budget, and its own delivery record. A failure at one sink is
// invisible to the others.
package router

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/message"
	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/pkg/retry"
	"github.com/c360/fleetstream/rule"
	"github.com/c360/fleetstream/sink"
	"github.com/c360/fleetstream/sink/deadletter"
)

// Config bounds delivery behavior per sink
type Config struct {
	// DeliveryTimeout caps the total time spent on one sink including
	// retries
	DeliveryTimeout time.Duration `json:"delivery_timeout"`
	// AttemptTimeout caps a single delivery attempt
	AttemptTimeout time.Duration `json:"attempt_timeout"`
	// Retry bounds the per-sink retry budget for transient failures
	Retry retry.Config `json:"retry"`
}

// DefaultConfig returns delivery defaults
func DefaultConfig() Config {
	return Config{
		DeliveryTimeout: 30 * time.Second,
		AttemptTimeout:  5 * time.Second,
		Retry:           retry.DefaultConfig(),
	}
}

// Router delivers envelopes to registered sinks
type Router struct {
	sinks      map[string]sink.Sink
	deadLetter *deadletter.Store
	config     Config
	logger     *slog.Logger
	metrics    *metric.Metrics
}

// NewRouter creates a router over a dead-letter store
func NewRouter(config Config, deadLetter *deadletter.Store, logger *slog.Logger, registry *metric.Registry) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		sinks:      make(map[string]sink.Sink),
		deadLetter: deadLetter,
		config:     config,
		logger:     logger,
	}
	if registry != nil {
		r.metrics = registry.CoreMetrics()
	}
	return r
}

// RegisterSink adds a delivery target. Registration happens at startup,
// before any dispatch; the sink map is read-only afterwards.
func (r *Router) RegisterSink(s sink.Sink) error {
	name := s.Name()
	if name == "" {
		return errors.Wrap(errors.ErrInvalidConfig, "Router", "RegisterSink", "empty sink name")
	}
	if _, exists := r.sinks[name]; exists {
		return errors.Wrap(errors.ErrInvalidConfig, "Router", "RegisterSink", "duplicate sink name")
	}
	r.sinks[name] = s
	return nil
}

// SinkNames returns the registered sink names for rule validation
func (r *Router) SinkNames() []string {
	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	return names
}

// Dispatch fans one envelope out to every matched sink concurrently and
// waits for all deliveries to resolve. The returned records are in target
// order, one per sink.
func (r *Router) Dispatch(ctx context.Context, env *message.Envelope, targets []rule.Target) []sink.DeliveryRecord {
	if len(targets) == 0 {
		return nil
	}
	if len(targets) == 1 {
		return []sink.DeliveryRecord{r.deliverOne(ctx, env, targets[0].Sink)}
	}

	records := make([]sink.DeliveryRecord, len(targets))
	var group errgroup.Group
	for i, target := range targets {
		group.Go(func() error {
			records[i] = r.deliverOne(ctx, env, target.Sink)
			return nil
		})
	}
	_ = group.Wait()
	return records
}

// DispatchDirect delivers to a single named sink, bypassing rule
// matching. Enriched messages re-enter the pipeline through this path.
func (r *Router) DispatchDirect(ctx context.Context, env *message.Envelope, sinkName string) sink.DeliveryRecord {
	return r.deliverOne(ctx, env, sinkName)
}

// deliverOne runs the full delivery state machine for one sink: bounded
// attempts for transient failures, immediate dead-letter for malformed or
// terminal ones.
func (r *Router) deliverOne(ctx context.Context, env *message.Envelope, sinkName string) sink.DeliveryRecord {
	record := sink.DeliveryRecord{
		Sink:      sinkName,
		MessageID: env.ID(),
		DeviceID:  env.DeviceID(),
		Status:    sink.StatusPending,
	}

	target, ok := r.sinks[sinkName]
	if !ok {
		return r.deadLetterRecord(record, env, errors.ErrUnknownSink.Error())
	}

	sinkCtx, cancel := context.WithTimeout(ctx, r.config.DeliveryTimeout)
	defer cancel()

	maxAttempts := r.config.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		record.Attempts = attempt

		err := r.attempt(sinkCtx, target, env)
		if err == nil {
			record.Status = sink.StatusDelivered
			record.ResolvedAt = time.Now()
			if r.metrics != nil {
				r.metrics.SinkDelivered.WithLabelValues(sinkName).Inc()
			}
			return record
		}
		lastErr = err

		// only transient failures consume retry budget; everything else
		// is dead-lettered on the spot
		if !errors.IsTransient(err) {
			return r.deadLetterRecord(record, env, err.Error())
		}

		if attempt == maxAttempts || sinkCtx.Err() != nil {
			break
		}

		if r.metrics != nil {
			r.metrics.SinkRetried.WithLabelValues(sinkName).Inc()
		}
		r.logger.Debug("sink delivery retry",
			"sink", sinkName,
			"message_id", record.MessageID,
			"attempt", attempt,
			"error", err,
		)

		timer := time.NewTimer(r.config.Retry.Delay(attempt))
		select {
		case <-sinkCtx.Done():
			timer.Stop()
			record.Attempts = attempt
			return r.deadLetterRecord(record, env, errors.ErrDeliveryTimeout.Error())
		case <-timer.C:
		}
	}

	reason := errors.ErrRetryBudgetSpent.Error()
	if lastErr != nil {
		reason = reason + ": " + lastErr.Error()
	}
	return r.deadLetterRecord(record, env, reason)
}

func (r *Router) attempt(ctx context.Context, target sink.Sink, env *message.Envelope) error {
	attemptCtx, cancel := context.WithTimeout(ctx, r.config.AttemptTimeout)
	defer cancel()
	return target.Deliver(attemptCtx, env)
}

func (r *Router) deadLetterRecord(record sink.DeliveryRecord, env *message.Envelope, reason string) sink.DeliveryRecord {
	record.Status = sink.StatusDeadLettered
	record.LastError = reason
	record.ResolvedAt = time.Now()

	if r.deadLetter != nil {
		r.deadLetter.Capture(record.Sink, env, reason, record.Attempts)
	}
	if r.metrics != nil {
		r.metrics.SinkDeadLettered.WithLabelValues(record.Sink).Inc()
	}
	return record
}
