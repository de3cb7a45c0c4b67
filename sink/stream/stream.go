// Package stream is the ordered streaming sink. Messages are sharded by
// partition key onto FIFO queues; each shard publishes sequentially, and
// retries happen inside the shard so a failing message blocks its key's
// queue instead of being overtaken.
package stream

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/message"
	"github.com/c360/fleetstream/pkg/retry"
	"github.com/c360/fleetstream/sink"
)

// Publisher is the transport behind the stream sink
type Publisher interface {
	// Publish writes one encoded envelope keyed by partition key
	Publish(ctx context.Context, topic, key string, data []byte) error
	// Close releases the transport
	Close() error
}

// Config bounds the stream sink
type Config struct {
	// Name is the sink name rules route to
	Name string `json:"name"`
	// Shards is the number of ordered queues; messages with the same
	// partition key always land on the same shard
	Shards int `json:"shards"`
	// QueueDepth bounds each shard's pending jobs
	QueueDepth int `json:"queue_depth"`
	// Retry bounds in-shard publish retries
	Retry retry.Config `json:"retry"`
}

// DefaultConfig returns stream sink defaults
func DefaultConfig() Config {
	return Config{
		Name:       "stream",
		Shards:     8,
		QueueDepth: 256,
		Retry:      retry.DefaultConfig(),
	}
}

type job struct {
	ctx  context.Context
	env  *message.Envelope
	done chan error
}

// Sink publishes envelopes in per-key order
type Sink struct {
	config    Config
	publisher Publisher
	logger    *slog.Logger

	shards  []chan job
	quit    chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New creates a stream sink over a publisher
func New(config Config, publisher Publisher, logger *slog.Logger) *Sink {
	if config.Name == "" {
		config.Name = "stream"
	}
	if config.Shards <= 0 {
		config.Shards = 8
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		config:    config,
		publisher: publisher,
		logger:    logger,
	}
}

var (
	_ sink.Sink      = (*Sink)(nil)
	_ sink.Lifecycle = (*Sink)(nil)
)

// Name returns the sink name
func (s *Sink) Name() string { return s.config.Name }

// Start launches the shard workers
func (s *Sink) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "Sink", "Start", "stream sink")
	}

	s.quit = make(chan struct{})
	s.shards = make([]chan job, s.config.Shards)
	for i := range s.shards {
		s.shards[i] = make(chan job, s.config.QueueDepth)
		s.wg.Add(1)
		go s.runShard(i, s.shards[i])
	}
	s.started = true

	s.logger.Info("stream sink started", "sink", s.config.Name, "shards", s.config.Shards)
	return nil
}

// Stop drains the shards and closes the publisher
func (s *Sink) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.quit)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("stream sink stop timed out", "sink", s.config.Name)
	}

	// resolve any job that slipped in between quit and worker exit
	for _, shard := range s.shards {
		drained := false
		for !drained {
			select {
			case j := <-shard:
				j.done <- errors.WrapTransient(errors.ErrNotStarted, "Sink", "Stop", "stream sink stopping")
			default:
				drained = true
			}
		}
	}

	return s.publisher.Close()
}

// Deliver enqueues the envelope on its key's shard and blocks until the
// shard resolves it. Order within a partition key follows enqueue order.
func (s *Sink) Deliver(ctx context.Context, env *message.Envelope) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.WrapTransient(errors.ErrNotStarted, "Sink", "Deliver", "stream sink")
	}
	shards := s.shards
	quit := s.quit
	s.mu.Unlock()

	shard := shards[s.shardFor(env.PartitionKey())]
	j := job{ctx: ctx, env: env, done: make(chan error, 1)}

	select {
	case shard <- j:
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Sink", "Deliver", "shard enqueue")
	case <-quit:
		return errors.WrapTransient(errors.ErrNotStarted, "Sink", "Deliver", "stream sink stopping")
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		// the shard will still publish this job in order; the caller's
		// deadline only stops the wait
		return errors.WrapTransient(ctx.Err(), "Sink", "Deliver", "result wait")
	}
}

func (s *Sink) shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.shards)))
}

// runShard publishes jobs strictly in order. A transient publish failure
// is retried here, blocking the queue, so later messages for the same key
// never overtake an earlier one.
func (s *Sink) runShard(id int, jobs chan job) {
	defer s.wg.Done()
	for {
		select {
		case j := <-jobs:
			j.done <- s.publish(j)
		case <-s.quit:
			// drain whatever is already queued before exiting
			for {
				select {
				case j := <-jobs:
					j.done <- s.publish(j)
				default:
					s.logger.Debug("stream shard drained", "shard", id)
					return
				}
			}
		}
	}
}

func (s *Sink) publish(j job) error {
	data, err := j.env.MarshalJSON()
	if err != nil {
		return errors.WrapMalformed(err, "Sink", "publish", "encode envelope")
	}

	err = retry.Do(j.ctx, s.config.Retry, func() error {
		return s.publisher.Publish(j.ctx, j.env.Topic(), j.env.PartitionKey(), data)
	})
	if err != nil {
		// budget spent inside the shard; report terminal so the caller
		// dead-letters instead of re-queuing out of order
		return errors.WrapTerminal(err, "Sink", "publish", "ordered publish")
	}
	return nil
}
