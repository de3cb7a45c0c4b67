// Package natsclient manages the NATS connection shared by the stream
// sink and the identity mirror. It owns connection lifecycle, JetStream
// context creation, and KV bucket access.
package natsclient

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/fleetstream/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnected
	StatusReconnecting
	StatusClosed
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds connection parameters
type Config struct {
	URL           string        `json:"url"`
	Name          string        `json:"name"`
	Timeout       time.Duration `json:"timeout"`
	MaxReconnects int           `json:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait"`
	DrainTimeout  time.Duration `json:"drain_timeout"`
}

// DefaultConfig returns connection defaults
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "fleetstream",
		Timeout:       5 * time.Second,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		DrainTimeout:  30 * time.Second,
	}
}

// Client wraps a NATS connection and its JetStream context
type Client struct {
	config Config
	logger *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream

	status     atomic.Value // ConnectionStatus
	reconnects atomic.Int32
	closed     atomic.Bool
}

// NewClient creates an unconnected client
func NewClient(config Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{config: config, logger: logger}
	c.status.Store(StatusDisconnected)
	return c
}

// Connect establishes the connection and JetStream context
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.Wrap(errors.ErrNotStarted, "Client", "Connect", "client closed")
	}

	timeout := c.config.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	opts := []nats.Option{
		nats.Name(c.config.Name),
		nats.Timeout(timeout),
		nats.MaxReconnects(c.config.MaxReconnects),
		nats.ReconnectWait(c.config.ReconnectWait),
		nats.DrainTimeout(c.config.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.status.Store(StatusReconnecting)
			c.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.status.Store(StatusConnected)
			c.reconnects.Add(1)
			c.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.status.Store(StatusClosed)
			c.logger.Info("nats connection closed")
		}),
	}

	conn, err := nats.Connect(c.config.URL, opts...)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "dial")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "Client", "Connect", "jetstream context")
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.mu.Unlock()
	c.status.Store(StatusConnected)

	c.logger.Info("nats connected", "url", conn.ConnectedUrl(), "name", c.config.Name)
	return nil
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return c.status.Load().(ConnectionStatus)
}

// IsHealthy reports whether the connection is usable
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Reconnects returns the number of reconnects since Connect
func (c *Client) Reconnects() int32 {
	return c.reconnects.Load()
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.WrapTransient(errors.ErrSinkUnavailable, "Client", "JetStream", "not connected")
	}
	return c.js, nil
}

// Publish publishes to a subject with JetStream acknowledgement. Failures
// are transient; callers own the retry policy.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "jetstream publish")
	}
	return nil
}

// PublishWithKey publishes with a message id header carrying the partition
// key, so downstream consumers can shard on it.
func (c *Client) PublishWithKey(ctx context.Context, subject, key string, data []byte) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{"Fleetstream-Partition-Key": []string{key}},
	}
	if _, err := js.PublishMsg(ctx, msg); err != nil {
		return errors.WrapTransient(err, "Client", "PublishWithKey", "jetstream publish")
	}
	return nil
}

// EnsureStream creates or updates a stream for the given subjects
func (c *Client) EnsureStream(ctx context.Context, name string, subjects []string) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "EnsureStream", "create or update")
	}
	return nil
}

// KeyValue opens a KV bucket, creating it when absent
func (c *Client) KeyValue(ctx context.Context, bucket string) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "KeyValue", "open bucket")
	}
	return kv, nil
}

// Close drains the connection, waiting for pending publishes. Safe to call
// more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.js = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return errors.Wrap(err, "Client", "Close", "drain")
	}
	c.status.Store(StatusClosed)
	return nil
}
