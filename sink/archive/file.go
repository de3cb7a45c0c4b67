package archive

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/message"
)

// FileWriter appends batches as JSON lines to a local file, one file per
// day. Meant for single-node deployments and tests; object storage is the
// production writer.
type FileWriter struct {
	dir    string
	prefix string

	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	current string
}

// NewFileWriter creates a writer rooted at dir
func NewFileWriter(dir, prefix string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "FileWriter", "NewFileWriter", "create directory")
	}
	if prefix == "" {
		prefix = "telemetry"
	}
	return &FileWriter{dir: dir, prefix: prefix}, nil
}

var _ BatchWriter = (*FileWriter)(nil)

// WriteBatch appends the batch and syncs before returning, so a reported
// success is durable.
func (w *FileWriter) WriteBatch(_ context.Context, batch []*message.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateLocked(); err != nil {
		return err
	}

	for _, env := range batch {
		data, err := env.MarshalJSON()
		if err != nil {
			return errors.WrapTerminal(err, "FileWriter", "WriteBatch", "encode envelope")
		}
		if _, err := w.writer.Write(data); err != nil {
			return errors.WrapTransient(err, "FileWriter", "WriteBatch", "append line")
		}
		if err := w.writer.WriteByte('\n'); err != nil {
			return errors.WrapTransient(err, "FileWriter", "WriteBatch", "append newline")
		}
	}

	if err := w.writer.Flush(); err != nil {
		return errors.WrapTransient(err, "FileWriter", "WriteBatch", "flush")
	}
	if err := w.file.Sync(); err != nil {
		return errors.WrapTransient(err, "FileWriter", "WriteBatch", "sync")
	}
	return nil
}

// rotateLocked opens the file for today's date, closing yesterday's
func (w *FileWriter) rotateLocked() error {
	name := w.prefix + "-" + time.Now().UTC().Format("2006-01-02") + ".jsonl"
	if w.file != nil && w.current == name {
		return nil
	}

	if w.file != nil {
		_ = w.writer.Flush()
		_ = w.file.Close()
	}

	path := filepath.Join(w.dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.WrapTransient(err, "FileWriter", "rotateLocked", "open file")
	}

	w.file = file
	w.writer = bufio.NewWriter(file)
	w.current = name
	return nil
}

// Close flushes and closes the current file
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}
