package multi

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/crimson-sun/triage/internal/output"
)

type sink struct {
	name string
	out  output.Output
}

// Multi fans events out to several named sinks. Each event is handed to
// every sink concurrently and Write returns once all of them have it, so a
// single sink still sees events in order. A failing sink does not stop
// delivery to the rest; its errors carry the sink name.
type Multi struct {
	sinks []sink
}

// New creates a Multi over outputs, naming them by position. Use Add for
// descriptive names.
func New(outputs ...output.Output) *Multi {
	m := &Multi{}
	for i, o := range outputs {
		m.Add(fmt.Sprintf("output %d", i), o)
	}
	return m
}

// Add appends a named sink. Nested Multis are flattened. Nil outputs are
// ignored.
func (m *Multi) Add(name string, o output.Output) *Multi {
	switch o := o.(type) {
	case nil:
	case *Multi:
		for _, s := range o.sinks {
			m.sinks = append(m.sinks, sink{name: name + "/" + s.name, out: s.out})
		}
	default:
		m.sinks = append(m.sinks, sink{name: name, out: o})
	}
	return m
}

// Names lists the sinks in the order they were added.
func (m *Multi) Names() []string {
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.name
	}
	return names
}

// Len reports the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// Write delivers the event to every sink and joins their errors in sink
// order.
func (m *Multi) Write(ctx context.Context, event output.Event) error {
	switch len(m.sinks) {
	case 0:
		return nil
	case 1:
		return m.wrap(0, m.sinks[0].out.Write(ctx, event))
	}
	errs := make([]error, len(m.sinks))
	var g errgroup.Group
	for i, s := range m.sinks {
		g.Go(func() error {
			errs[i] = m.wrap(i, s.out.Write(ctx, event))
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close closes every sink in reverse order and joins their errors.
func (m *Multi) Close() error {
	var errs []error
	for i := len(m.sinks) - 1; i >= 0; i-- {
		errs = append(errs, m.wrap(i, m.sinks[i].out.Close()))
	}
	return errors.Join(errs...)
}

func (m *Multi) wrap(i int, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", m.sinks[i].name, err)
}
