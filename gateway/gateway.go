// Package gateway is the ingestion front door. Every inbound publish is
// authenticated, authorized against the device's policy, rate limited,
// wrapped in an envelope, matched against the rule table, and handed to
// the dispatch pool. Rejections happen here, before any pipeline work.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/identity"
	"github.com/c360/fleetstream/message"
	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/pkg/worker"
	"github.com/c360/fleetstream/router"
	"github.com/c360/fleetstream/rule"
	"github.com/c360/fleetstream/sink"
)

// Config bounds ingestion behavior
type Config struct {
	// RatePerDevice is the sustained per-device publish rate; zero
	// disables rate limiting
	RatePerDevice float64 `json:"rate_per_device"`
	// BurstPerDevice is the per-device burst allowance
	BurstPerDevice int `json:"burst_per_device"`
	// AdmissionTimeout caps how long Accept blocks waiting for dispatch
	// capacity before rejecting
	AdmissionTimeout time.Duration `json:"admission_timeout"`
	// DispatchWorkers is the size of the dispatch pool
	DispatchWorkers int `json:"dispatch_workers"`
	// DispatchQueue bounds pending dispatch jobs
	DispatchQueue int `json:"dispatch_queue"`
}

// DefaultConfig returns gateway defaults
func DefaultConfig() Config {
	return Config{
		RatePerDevice:    100,
		BurstPerDevice:   200,
		AdmissionTimeout: 2 * time.Second,
		DispatchWorkers:  16,
		DispatchQueue:    1024,
	}
}

// Outcome reports what happened to an accepted publish
type Outcome struct {
	Accepted  bool     `json:"accepted"`
	MessageID string   `json:"message_id,omitempty"`
	Sinks     []string `json:"sinks,omitempty"`
}

type dispatchJob struct {
	env     *message.Envelope
	targets []rule.Target
}

// Gateway accepts device publishes
type Gateway struct {
	config  Config
	store   identity.Store
	engine  *rule.Engine
	router  *router.Router
	pool    *worker.Pool[dispatchJob]
	logger  *slog.Logger
	metrics *metric.Metrics

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewGateway wires the ingestion path
func NewGateway(
	config Config,
	store identity.Store,
	engine *rule.Engine,
	r *router.Router,
	logger *slog.Logger,
	registry *metric.Registry,
) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if config.DispatchWorkers <= 0 {
		config.DispatchWorkers = 16
	}
	if config.DispatchQueue <= 0 {
		config.DispatchQueue = 1024
	}
	if config.AdmissionTimeout <= 0 {
		config.AdmissionTimeout = 2 * time.Second
	}

	g := &Gateway{
		config:   config,
		store:    store,
		engine:   engine,
		router:   r,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
	if registry != nil {
		g.metrics = registry.CoreMetrics()
	}

	var poolOpts []worker.Option[dispatchJob]
	if registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[dispatchJob](registry, "gateway_dispatch"))
	}
	g.pool = worker.NewPool(config.DispatchWorkers, config.DispatchQueue, g.dispatch, poolOpts...)

	return g
}

// Start launches the dispatch pool
func (g *Gateway) Start(ctx context.Context) error {
	return g.pool.Start(ctx)
}

// Stop drains the dispatch pool
func (g *Gateway) Stop(timeout time.Duration) error {
	return g.pool.Stop(timeout)
}

// Accept processes one inbound publish. The error class tells the caller
// what to report to the device: unauthorized and forbidden are final for
// this credential, rate limiting and admission timeouts are retryable
// from the device side.
func (g *Gateway) Accept(ctx context.Context, credentialID, topic string, payload []byte) (Outcome, error) {
	_, device, err := g.store.LookupCredential(ctx, credentialID)
	if err != nil {
		g.reject("unauthorized")
		return Outcome{}, errors.Wrap(err, "Gateway", "Accept", "authenticate")
	}

	if err := g.store.Authorize(ctx, device.PolicyName, identity.ActionPublish, topic); err != nil {
		g.reject("forbidden")
		g.logger.Debug("publish forbidden",
			"device_id", device.ID, "topic", topic, "policy", device.PolicyName)
		return Outcome{}, errors.Wrap(err, "Gateway", "Accept", "authorize")
	}

	if !g.allow(device.ID) {
		g.reject("rate_limited")
		return Outcome{}, errors.WrapTransient(errors.ErrRateLimited, "Gateway", "Accept", "rate limit")
	}

	env := message.NewEnvelope(device.ID, topic, payload,
		message.WithAttributes(extractAttributes(payload)))
	if err := env.Validate(); err != nil {
		g.reject("malformed")
		return Outcome{}, errors.WrapMalformed(err, "Gateway", "Accept", "envelope")
	}

	targets := g.engine.Match(topic, env.Attributes())
	if g.metrics != nil {
		g.metrics.MessagesAccepted.WithLabelValues(device.ID).Inc()
	}

	if len(targets) == 0 {
		// accepted, matched nothing, dropped by design
		if g.metrics != nil {
			g.metrics.MessagesDropped.Inc()
		}
		return Outcome{Accepted: true, MessageID: env.ID()}, nil
	}

	admitCtx, cancel := context.WithTimeout(ctx, g.config.AdmissionTimeout)
	defer cancel()
	if err := g.pool.SubmitWait(admitCtx, dispatchJob{env: env, targets: targets}); err != nil {
		g.reject("admission_timeout")
		return Outcome{}, errors.WrapTransient(errors.ErrAdmissionTimeout, "Gateway", "Accept", "dispatch admission")
	}

	sinks := make([]string, len(targets))
	for i, target := range targets {
		sinks[i] = target.Sink
	}
	return Outcome{Accepted: true, MessageID: env.ID(), Sinks: sinks}, nil
}

// dispatch runs on the pool workers
func (g *Gateway) dispatch(ctx context.Context, job dispatchJob) error {
	records := g.router.Dispatch(ctx, job.env, job.targets)
	for _, record := range records {
		if record.Status != sink.StatusDelivered {
			g.logger.Debug("delivery unresolved",
				"message_id", record.MessageID,
				"sink", record.Sink,
				"status", string(record.Status),
				"error", record.LastError,
			)
		}
	}
	return nil
}

// allow applies the per-device token bucket
func (g *Gateway) allow(deviceID string) bool {
	if g.config.RatePerDevice <= 0 {
		return true
	}

	g.limiterMu.Lock()
	limiter, ok := g.limiters[deviceID]
	if !ok {
		burst := g.config.BurstPerDevice
		if burst <= 0 {
			burst = int(g.config.RatePerDevice)
		}
		limiter = rate.NewLimiter(rate.Limit(g.config.RatePerDevice), burst)
		g.limiters[deviceID] = limiter
	}
	g.limiterMu.Unlock()

	return limiter.Allow()
}

func (g *Gateway) reject(reason string) {
	if g.metrics != nil {
		g.metrics.MessagesRejected.WithLabelValues(reason).Inc()
	}
}

// extractAttributes pulls top-level scalar fields out of a JSON payload
// for predicate evaluation. Non-JSON payloads yield no attributes; rules
// with predicates simply won't match them.
func extractAttributes(payload []byte) map[string]any {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil
	}

	attrs := make(map[string]any, len(fields))
	for name, value := range fields {
		switch value.(type) {
		case string, float64, bool:
			attrs[name] = value
		}
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}
