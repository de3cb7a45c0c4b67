package stream

import (
	"context"
	"strings"

	"github.com/c360/fleetstream/natsclient"
)

// NATSPublisher publishes envelopes to a JetStream stream, mapping topic
// levels onto subject tokens.
type NATSPublisher struct {
	client  *natsclient.Client
	prefix  string
	ownConn bool
}

// NewNATSPublisher wraps an existing connected client. The subject prefix
// scopes published subjects, e.g. "telemetry" yields
// "telemetry.sensor.dev-1.temp".
func NewNATSPublisher(client *natsclient.Client, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "telemetry"
	}
	return &NATSPublisher{client: client, prefix: prefix}
}

var _ Publisher = (*NATSPublisher)(nil)

// EnsureStream creates the backing stream for the publisher's subjects
func (p *NATSPublisher) EnsureStream(ctx context.Context, streamName string) error {
	return p.client.EnsureStream(ctx, streamName, []string{p.prefix + ".>"})
}

// Publish writes one envelope with the partition key as a header
func (p *NATSPublisher) Publish(ctx context.Context, topic, key string, data []byte) error {
	return p.client.PublishWithKey(ctx, p.subjectFor(topic), key, data)
}

// Close is a no-op when the connection is shared; the owner closes it
func (p *NATSPublisher) Close() error {
	if p.ownConn {
		return p.client.Close()
	}
	return nil
}

// subjectFor maps a slash topic to a dotted subject under the prefix.
// Tokens that would break subject syntax are replaced.
func (p *NATSPublisher) subjectFor(topic string) string {
	cleaned := strings.NewReplacer("/", ".", " ", "_", "*", "_", ">", "_").Replace(topic)
	return p.prefix + "." + cleaned
}
