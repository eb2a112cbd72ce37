// Package stdout prints classification events to standard output, either as
// NDJSON for piping or as one readable line per row for a terminal.
package stdout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/crimson-sun/triage/internal/output"
)

// Output writes events to a writer, serialized by a mutex.
type Output struct {
	mu        sync.Mutex
	verbosity output.Verbosity
	render    func(output.Event) error
}

// New creates a JSON Output on os.Stdout.
func New(verbosity output.Verbosity, pretty bool) *Output {
	return NewWriter(os.Stdout, verbosity, pretty)
}

// NewWriter creates a JSON Output over w: one event per line, or indented
// when pretty.
func NewWriter(w io.Writer, verbosity output.Verbosity, pretty bool) *Output {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return &Output{verbosity: verbosity, render: func(e output.Event) error { return enc.Encode(e) }}
}

// NewText creates an Output that prints one line per event, e.g.
//
//	#12 [7] DS_ASSUNTO=Cobrança 0.82 auto  "cobranca indevida na fatura..."
func NewText(w io.Writer, verbosity output.Verbosity) *Output {
	return &Output{verbosity: verbosity, render: func(e output.Event) error {
		_, err := io.WriteString(w, textLine(e))
		return err
	}}
}

func textLine(e output.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d", e.Row)
	if e.ID != "" {
		fmt.Fprintf(&b, " [%s]", e.ID)
	}
	label := e.Label
	if label == "" {
		label = "-"
	}
	fmt.Fprintf(&b, " %s=%s %.2f %s", e.Field, label, e.Confidence, e.Method)
	for _, ex := range e.Examples {
		fmt.Fprintf(&b, "  %q", ex)
	}
	b.WriteByte('\n')
	return b.String()
}

func (o *Output) Write(_ context.Context, event output.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.render(output.FormatEvent(event, o.verbosity)); err != nil {
		return fmt.Errorf("stdout output: %w", err)
	}
	return nil
}

func (o *Output) Close() error {
	return nil
}
