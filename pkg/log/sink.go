package log

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const defaultSinkBuffer = 64 * 1024

// Sink is a buffered log file. Records accumulate in memory and reach the
// file on Flush, when the buffer fills, or on Close. Loops flush at the end
// of each tick so a crash loses at most one tick of records.
type Sink struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
}

// OpenSink opens (or creates) the log file at path in append mode.
func OpenSink(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Sink{
		file: f,
		buf:  bufio.NewWriterSize(f, defaultSinkBuffer),
	}, nil
}

// Write implements io.Writer.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf == nil {
		return 0, os.ErrClosed
	}
	return s.buf.Write(p)
}

// Flush writes buffered records to the file.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf == nil {
		return nil
	}
	return s.buf.Flush()
}

// Close flushes and closes the file. Further writes fail with os.ErrClosed.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf == nil {
		return nil
	}

	flushErr := s.buf.Flush()
	closeErr := s.file.Close()
	s.buf = nil
	s.file = nil

	if flushErr != nil {
		return fmt.Errorf("failed to flush log file: %w", flushErr)
	}
	return closeErr
}
