// Package sink defines the delivery targets of the pipeline and the
// records produced when routing messages to them. Each sink owns its own
// delivery semantics; the router treats them uniformly through the Sink
// interface.
package sink

import (
	"context"
	"time"

	"github.com/c360/fleetstream/message"
)

// Sink is one delivery target. Deliver returns nil on success; failures
// carry an error class that decides retry versus dead-letter.
type Sink interface {
	// Name is the registered sink name rules route to
	Name() string
	// Deliver hands one message to the sink. The context carries the
	// per-attempt deadline.
	Deliver(ctx context.Context, env *message.Envelope) error
}

// Lifecycle is implemented by sinks that hold resources (connections,
// open files, worker goroutines).
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// DeliveryStatus is the terminal state of one sink delivery
type DeliveryStatus string

const (
	// StatusPending indicates the delivery has not resolved yet
	StatusPending DeliveryStatus = "pending"
	// StatusDelivered indicates the sink accepted the message
	StatusDelivered DeliveryStatus = "delivered"
	// StatusDeadLettered indicates the message was captured for operator
	// replay after retries were exhausted or a terminal failure
	StatusDeadLettered DeliveryStatus = "dead_lettered"
)

// DeliveryRecord tracks one message's outcome at one sink. Fan-out
// produces an independent record per matched sink; one sink's failure
// never appears in another's record.
type DeliveryRecord struct {
	Sink       string         `json:"sink"`
	MessageID  string         `json:"message_id"`
	DeviceID   string         `json:"device_id"`
	Status     DeliveryStatus `json:"status"`
	Attempts   int            `json:"attempts"`
	LastError  string         `json:"last_error,omitempty"`
	ResolvedAt time.Time      `json:"resolved_at"`
}
