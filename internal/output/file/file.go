// Package file writes classification events to a local file: NDJSON by
// default, or a semicolon CSV review log when the path ends in .csv.
package file

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/crimson-sun/triage/internal/output"
)

const (
	defaultBufSize = 64 * 1024
	maxRotated     = 10
)

// csvHeader is written at the top of every new CSV file.
var csvHeader = []string{"row", "id", "profile", "field", "label", "confidence", "method", "example"}

// Option configures a file Output.
type Option func(*Output)

// WithMaxSize sets the file size (bytes) at which rotation triggers.
// 0 (default) disables rotation.
func WithMaxSize(bytes int64) Option {
	return func(o *Output) { o.maxSize = bytes }
}

// WithBufSize sets the bufio.Writer buffer size. Default: 64KB.
func WithBufSize(bytes int) Option {
	return func(o *Output) { o.bufSize = bytes }
}

// WithFilter keeps only events for which keep returns true, e.g.
// output.NeedsReview for a manual review queue.
func WithFilter(keep func(output.Event) bool) Option {
	return func(o *Output) { o.keep = keep }
}

// Output appends events to a file with buffered I/O and optional size-based
// rotation ({path}.1 is the most recent rotated file).
type Output struct {
	path      string
	verbosity output.Verbosity
	csv       bool
	keep      func(output.Event) bool
	maxSize   int64
	bufSize   int

	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	written int64
}

// New opens path for appending, creating it and its directory if needed.
func New(path string, verbosity output.Verbosity, opts ...Option) (*Output, error) {
	o := &Output{
		path:      path,
		verbosity: verbosity,
		csv:       strings.EqualFold(filepath.Ext(path), ".csv"),
		bufSize:   defaultBufSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("file output: %w", err)
	}
	if err := o.open(); err != nil {
		return nil, err
	}
	return o, nil
}

// Write appends one event.
func (o *Output) Write(_ context.Context, event output.Event) error {
	if o.keep != nil && !o.keep(event) {
		return nil
	}
	data, err := o.encode(output.FormatEvent(event, o.verbosity))
	if err != nil {
		return fmt.Errorf("file output: encode: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.maxSize > 0 && o.written > 0 && o.written+int64(len(data)) > o.maxSize {
		if err := o.rotate(); err != nil {
			return fmt.Errorf("file output: rotate: %w", err)
		}
	}
	return o.write(data)
}

func (o *Output) write(data []byte) error {
	n, err := o.w.Write(data)
	o.written += int64(n)
	if err != nil {
		return fmt.Errorf("file output: write: %w", err)
	}
	return nil
}

func (o *Output) encode(e output.Event) ([]byte, error) {
	if !o.csv {
		data, err := json.Marshal(e)
		return append(data, '\n'), err
	}
	var example string
	if len(e.Examples) > 0 {
		example = e.Examples[0]
	}
	return csvLine([]string{
		strconv.Itoa(e.Row), e.ID, e.Profile, e.Field, e.Label,
		strconv.FormatFloat(e.Confidence, 'f', 4, 64), string(e.Method), example,
	})
}

func csvLine(fields []string) ([]byte, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)
	w.Comma = ';'
	w.Write(fields)
	w.Flush()
	return []byte(b.String()), w.Error()
}

// Close flushes the buffer and closes the file.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.w.Flush(); err != nil {
		o.f.Close()
		return fmt.Errorf("file output: flush: %w", err)
	}
	return o.f.Close()
}

// open (re)opens path and writes the CSV header into an empty file.
func (o *Output) open() error {
	f, err := os.OpenFile(o.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("file output: open %s: %w", o.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("file output: stat %s: %w", o.path, err)
	}
	o.f = f
	o.w = bufio.NewWriterSize(f, o.bufSize)
	o.written = info.Size()
	if o.csv && o.written == 0 {
		header, err := csvLine(csvHeader)
		if err != nil {
			return err
		}
		if err := o.write(header); err != nil {
			return err
		}
		// The header alone never triggers rotation.
		o.written = 0
	}
	return nil
}

// rotate shifts {path}.N to {path}.N+1, moves the current file to {path}.1
// and reopens path. The oldest file beyond maxRotated is overwritten.
func (o *Output) rotate() error {
	if err := o.w.Flush(); err != nil {
		return err
	}
	if err := o.f.Close(); err != nil {
		return err
	}
	for i := maxRotated - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", o.path, i), fmt.Sprintf("%s.%d", o.path, i+1))
	}
	if err := os.Rename(o.path, o.path+".1"); err != nil {
		return err
	}
	return o.open()
}
