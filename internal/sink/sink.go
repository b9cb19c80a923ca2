// Package sink is where flattened records end up.
package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// Sink receives complete, CRLF terminated lines in order.
type Sink interface {
	WriteLine(line string) error
	// Flush makes everything written so far visible to the reader of the sink.
	Flush() error
}

// WriterSink buffers lines in front of an io.Writer.
type WriterSink struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *WriterSink {
	return &WriterSink{w: bufio.NewWriter(w)}
}

// Stdout is the default sink.
func Stdout() *WriterSink {
	return NewWriter(os.Stdout)
}

func (s *WriterSink) WriteLine(line string) error {
	_, err := s.w.WriteString(line)
	return err
}

func (s *WriterSink) Flush() error {
	return s.w.Flush()
}

// FileSink appends lines to a file and syncs it on every flush.
type FileSink struct {
	*WriterSink
	file *os.File
}

func OpenFile(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	return &FileSink{WriterSink: NewWriter(f), file: f}, nil
}

func (s *FileSink) Flush() error {
	err := s.WriterSink.Flush()
	if err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *FileSink) Close() error {
	flushErr := s.WriterSink.Flush()
	closeErr := s.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

type discard struct{}

func (discard) WriteLine(string) error { return nil }
func (discard) Flush() error           { return nil }

// Discard drops everything.
var Discard Sink = discard{}
