// Package archive is the batching sink. Envelopes accumulate until the
// batch reaches its size cap or age limit, then the whole batch is
// written at once; a failed flush retries the entire batch so the archive
// never holds partial ones.
package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/message"
	"github.com/c360/fleetstream/pkg/retry"
	"github.com/c360/fleetstream/sink"
)

// BatchWriter persists one complete batch. WriteBatch is all-or-nothing:
// either every envelope in the batch is durable or none is.
type BatchWriter interface {
	WriteBatch(ctx context.Context, batch []*message.Envelope) error
	Close() error
}

// Config bounds batching behavior
type Config struct {
	// Name is the sink name rules route to
	Name string `json:"name"`
	// BatchSize flushes when the pending batch reaches this count
	BatchSize int `json:"batch_size"`
	// FlushInterval flushes a non-empty batch after this age
	FlushInterval time.Duration `json:"flush_interval"`
	// FlushTimeout caps one flush including retries
	FlushTimeout time.Duration `json:"flush_timeout"`
	// Retry bounds whole-batch flush retries
	Retry retry.Config `json:"retry"`
}

// DefaultConfig returns archive defaults
func DefaultConfig() Config {
	return Config{
		Name:          "archive",
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		FlushTimeout:  30 * time.Second,
		Retry:         retry.DefaultConfig(),
	}
}

// Sink batches envelopes and flushes them through a BatchWriter
type Sink struct {
	config Config
	writer BatchWriter
	logger *slog.Logger

	mu      sync.Mutex
	pending []*message.Envelope
	started bool
	quit    chan struct{}
	flushed chan struct{}
	wg      sync.WaitGroup
}

// New creates an archive sink over a batch writer
func New(config Config, writer BatchWriter, logger *slog.Logger) *Sink {
	if config.Name == "" {
		config.Name = "archive"
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		config: config,
		writer: writer,
		logger: logger,
	}
}

var (
	_ sink.Sink      = (*Sink)(nil)
	_ sink.Lifecycle = (*Sink)(nil)
)

// Name returns the sink name
func (s *Sink) Name() string { return s.config.Name }

// Start launches the interval flusher
func (s *Sink) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "Sink", "Start", "archive sink")
	}
	s.started = true
	s.quit = make(chan struct{})
	s.pending = make([]*message.Envelope, 0, s.config.BatchSize)

	s.wg.Add(1)
	go s.runFlusher()

	s.logger.Info("archive sink started",
		"sink", s.config.Name,
		"batch_size", s.config.BatchSize,
		"flush_interval", s.config.FlushInterval,
	)
	return nil
}

// Stop flushes the final partial batch and closes the writer
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
		s.logger.Warn("archive sink stop timed out", "sink", s.config.Name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.FlushTimeout)
	defer cancel()
	if err := s.flush(ctx); err != nil {
		s.logger.Error("final archive flush failed", "sink", s.config.Name, "error", err)
	}

	return s.writer.Close()
}

// Deliver adds the envelope to the pending batch, flushing synchronously
// when the size cap is hit. The caller observes the flush outcome of a
// full batch; interval flushes resolve in the background.
func (s *Sink) Deliver(ctx context.Context, env *message.Envelope) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.WrapTransient(errors.ErrNotStarted, "Sink", "Deliver", "archive sink")
	}
	s.pending = append(s.pending, env)
	full := len(s.pending) >= s.config.BatchSize
	s.mu.Unlock()

	if full {
		return s.flush(ctx)
	}
	return nil
}

func (s *Sink) runFlusher() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.FlushTimeout)
			if err := s.flush(ctx); err != nil {
				s.logger.Error("interval archive flush failed",
					"sink", s.config.Name, "error", err)
			}
			cancel()
		case <-s.quit:
			return
		}
	}
}

// flush writes the pending batch, retrying the whole batch on transient
// failure. On exhaustion the batch is restored to the head of pending so
// nothing is silently dropped.
func (s *Sink) flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	s.pending = make([]*message.Envelope, 0, s.config.BatchSize)
	s.mu.Unlock()

	err := retry.Do(ctx, s.config.Retry, func() error {
		return s.writer.WriteBatch(ctx, batch)
	})
	if err != nil {
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		s.mu.Unlock()
		return errors.WrapTransient(err, "Sink", "flush", "write batch")
	}

	s.logger.Debug("archive batch flushed", "sink", s.config.Name, "count", len(batch))
	return nil
}
