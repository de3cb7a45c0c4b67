package deadletter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/message"
)

func TestCapture_RecordsFailureContext(t *testing.T) {
	store := NewStore(8, nil)
	env := message.NewEnvelope("dev-0001", "sensor/1/temp", []byte(`{"value":42}`))

	store.Capture("stream", env, "retry budget spent", 3)

	entries := store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "stream", entries[0].Sink)
	assert.Equal(t, env.ID(), entries[0].MessageID)
	assert.Equal(t, "dev-0001", entries[0].DeviceID)
	assert.Equal(t, "sensor/1/temp", entries[0].Topic)
	assert.Equal(t, "retry budget spent", entries[0].Reason)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.False(t, entries[0].CapturedAt.IsZero())
}

func TestCapture_EvictsOldestWhenFull(t *testing.T) {
	store := NewStore(3, nil)
	for i := 0; i < 5; i++ {
		env := message.NewEnvelope(fmt.Sprintf("dev-%d", i), "t", nil)
		store.Capture("archive", env, "terminal", 1)
	}

	entries := store.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "dev-2", entries[0].DeviceID)
	assert.Equal(t, "dev-4", entries[2].DeviceID)

	captured, evicted, held := store.Stats()
	assert.Equal(t, uint64(5), captured)
	assert.Equal(t, uint64(2), evicted)
	assert.Equal(t, 3, held)
}

func TestDrain_EmptiesStore(t *testing.T) {
	store := NewStore(8, nil)
	store.Capture("stream", message.NewEnvelope("dev-1", "t", nil), "terminal", 1)
	store.Capture("stream", message.NewEnvelope("dev-2", "t", nil), "terminal", 1)

	drained := store.Drain()
	assert.Len(t, drained, 2)
	assert.Empty(t, store.Entries())

	_, _, held := store.Stats()
	assert.Equal(t, 0, held)
}
