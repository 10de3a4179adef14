package service

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sark-gateway/sark/internal/domain/audit"
)

// defaultFallbackFileSize is the rotation threshold for fallback files.
const defaultFallbackFileSize = 100 * 1024 * 1024

// FallbackWriter persists audit events that could not be delivered to any
// sink, as newline-delimited JSON in size-rotated files. Writes are
// best-effort: failures are counted, never propagated.
type FallbackWriter struct {
	dir      string
	maxBytes int64
	logger   *slog.Logger

	mu       sync.Mutex
	file     *os.File
	size     int64
	sequence int

	written atomic.Int64
	errors  atomic.Int64
}

// NewFallbackWriter creates the writer, creating dir if needed.
// maxBytes <= 0 defaults to 100 MB.
func NewFallbackWriter(dir string, maxBytes int64, logger *slog.Logger) (*FallbackWriter, error) {
	if maxBytes <= 0 {
		maxBytes = defaultFallbackFileSize
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create fallback directory: %w", err)
	}
	return &FallbackWriter{dir: dir, maxBytes: maxBytes, logger: logger}, nil
}

// Write appends events as NDJSON. Concatenating all fallback files in
// sequence order yields a valid NDJSON stream of distinct events.
func (w *FallbackWriter) Write(events []audit.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			w.errors.Add(1)
			continue
		}
		if err := w.writeLine(line); err != nil {
			w.errors.Add(1)
			w.logger.Warn("audit fallback write failed", "error", err)
			continue
		}
		w.written.Add(1)
	}
}

// writeLine writes one line, rotating first if it would exceed the cap.
// Caller holds w.mu.
func (w *FallbackWriter) writeLine(line []byte) error {
	if w.file == nil || w.size+int64(len(line))+1 > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.file.Write(append(line, '\n'))
	w.size += int64(n)
	return err
}

// rotate closes the current file and opens the next in sequence.
func (w *FallbackWriter) rotate() error {
	if w.file != nil {
		w.file.Close()
	}
	w.sequence++
	name := fmt.Sprintf("audit-fallback-%s-%04d.ndjson",
		time.Now().UTC().Format("2006-01-02"), w.sequence)
	f, err := os.OpenFile(filepath.Join(w.dir, name),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open fallback file: %w", err)
	}
	w.file = f
	w.size = 0
	return nil
}

// Close flushes and closes the current file.
func (w *FallbackWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Written returns the number of events persisted.
func (w *FallbackWriter) Written() int64 { return w.written.Load() }

// Errors returns the number of failed writes.
func (w *FallbackWriter) Errors() int64 { return w.errors.Load() }
