// Package deadletter captures messages whose delivery failed permanently,
// keeping them available for operator inspection and replay.
package deadletter

import (
	"log/slog"
	"sync"
	"time"

	"github.com/c360/fleetstream/message"
)

// Entry is one dead-lettered message with its failure context
type Entry struct {
	Sink       string    `json:"sink"`
	MessageID  string    `json:"message_id"`
	DeviceID   string    `json:"device_id"`
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	CapturedAt time.Time `json:"captured_at"`
}

// Store is a bounded in-memory dead-letter buffer. When full, the oldest
// entries are evicted; the eviction counter records the loss.
type Store struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	evicted  uint64
	captured uint64
	logger   *slog.Logger
}

// NewStore creates a dead-letter store holding at most capacity entries
func NewStore(capacity int, logger *slog.Logger) *Store {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// Capture records a permanently failed delivery
func (s *Store) Capture(sinkName string, env *message.Envelope, reason string, attempts int) {
	entry := Entry{
		Sink:       sinkName,
		MessageID:  env.ID(),
		DeviceID:   env.DeviceID(),
		Topic:      env.Topic(),
		Payload:    env.Payload(),
		Reason:     reason,
		Attempts:   attempts,
		CapturedAt: time.Now(),
	}

	s.mu.Lock()
	if len(s.entries) >= s.capacity {
		copy(s.entries, s.entries[1:])
		s.entries = s.entries[:len(s.entries)-1]
		s.evicted++
	}
	s.entries = append(s.entries, entry)
	s.captured++
	s.mu.Unlock()

	s.logger.Warn("message dead-lettered",
		"sink", sinkName,
		"message_id", entry.MessageID,
		"device_id", entry.DeviceID,
		"reason", reason,
		"attempts", attempts,
	)
}

// Entries returns a snapshot of captured entries, oldest first
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Drain removes and returns all captured entries for replay
func (s *Store) Drain() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.entries
	s.entries = make([]Entry, 0, s.capacity)
	return out
}

// Stats reports capture and eviction totals
func (s *Store) Stats() (captured, evicted uint64, held int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captured, s.evicted, len(s.entries)
}
