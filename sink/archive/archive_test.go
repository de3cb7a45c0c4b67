package archive

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/message"
	"github.com/c360/fleetstream/pkg/retry"
)

type captureWriter struct {
	mu       sync.Mutex
	batches  [][]*message.Envelope
	failNext int
	closed   bool
}

func (w *captureWriter) WriteBatch(_ context.Context, batch []*message.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failNext > 0 {
		w.failNext--
		return errors.WrapTransient(errors.ErrSinkUnavailable, "captureWriter", "WriteBatch", "injected")
	}
	copied := make([]*message.Envelope, len(batch))
	copy(copied, batch)
	w.batches = append(w.batches, copied)
	return nil
}

func (w *captureWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *captureWriter) batchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

func (w *captureWriter) batchSizes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	sizes := make([]int, len(w.batches))
	for i, b := range w.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func testArchive(t *testing.T, cfg Config, writer BatchWriter) *Sink {
	t.Helper()
	cfg.Retry = retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}
	s := New(cfg, writer, nil)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(time.Second) })
	return s
}

func envN(i int) *message.Envelope {
	return message.NewEnvelope("dev-1", "sensor/dev-1/temp",
		[]byte(fmt.Sprintf(`{"seq":%d}`, i)))
}

func TestDeliver_FlushesOnBatchSize(t *testing.T) {
	writer := &captureWriter{}
	s := testArchive(t, Config{BatchSize: 3, FlushInterval: time.Hour}, writer)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Deliver(context.Background(), envN(i)))
	}

	assert.Equal(t, []int{3}, writer.batchSizes())
}

func TestDeliver_FlushesOnInterval(t *testing.T) {
	writer := &captureWriter{}
	s := testArchive(t, Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, writer)

	require.NoError(t, s.Deliver(context.Background(), envN(0)))

	assert.Eventually(t, func() bool {
		return writer.batchCount() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1}, writer.batchSizes())
}

func TestFlush_RetriesWholeBatch(t *testing.T) {
	writer := &captureWriter{failNext: 2}
	s := testArchive(t, Config{BatchSize: 2, FlushInterval: time.Hour}, writer)

	require.NoError(t, s.Deliver(context.Background(), envN(0)))
	require.NoError(t, s.Deliver(context.Background(), envN(1)))

	require.Equal(t, 1, writer.batchCount())
	assert.Equal(t, []int{2}, writer.batchSizes())
}

func TestFlush_FailureRestoresBatch(t *testing.T) {
	writer := &captureWriter{failNext: 100}
	s := testArchive(t, Config{BatchSize: 2, FlushInterval: time.Hour}, writer)

	require.NoError(t, s.Deliver(context.Background(), envN(0)))
	err := s.Deliver(context.Background(), envN(1))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	// batch is back in pending; a recovered writer gets all of it
	writer.mu.Lock()
	writer.failNext = 0
	writer.mu.Unlock()
	require.NoError(t, s.Deliver(context.Background(), envN(2)))

	// 2 restored + 1 new crosses the cap again
	require.Equal(t, 1, writer.batchCount())
	assert.Equal(t, []int{3}, writer.batchSizes())
}

func TestStop_FlushesPartialBatch(t *testing.T) {
	writer := &captureWriter{}
	cfg := Config{BatchSize: 100, FlushInterval: time.Hour}
	cfg.Retry = retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond}
	s := New(cfg, writer, nil)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Deliver(context.Background(), envN(0)))
	require.NoError(t, s.Stop(time.Second))

	assert.Equal(t, []int{1}, writer.batchSizes())
	assert.True(t, writer.closed)
}

func TestFileWriter_AppendsJSONLines(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewFileWriter(dir, "test")
	require.NoError(t, err)
	defer writer.Close()

	batch := []*message.Envelope{envN(0), envN(1)}
	require.NoError(t, writer.WriteBatch(context.Background(), batch))

	name := "test-" + time.Now().UTC().Format("2006-01-02") + ".jsonl"
	file, err := os.Open(filepath.Join(dir, name))
	require.NoError(t, err)
	defer file.Close()

	var lines int
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines++
		var env message.Envelope
		require.NoError(t, env.UnmarshalJSON(scanner.Bytes()))
		assert.Equal(t, "dev-1", env.DeviceID())
	}
	assert.Equal(t, 2, lines)
}

func TestFileWriter_AppendsAcrossBatches(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewFileWriter(dir, "test")
	require.NoError(t, err)
	defer writer.Close()

	require.NoError(t, writer.WriteBatch(context.Background(), []*message.Envelope{envN(0)}))
	require.NoError(t, writer.WriteBatch(context.Background(), []*message.Envelope{envN(1)}))

	name := "test-" + time.Now().UTC().Format("2006-01-02") + ".jsonl"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(data))
}

func countLines(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}
