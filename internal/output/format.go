package output

import "fmt"

// Verbosity controls how much of an event is emitted.
type Verbosity int

const (
	Minimal  Verbosity = iota // no examples
	Standard                  // nearest example only
	Full                      // every example
)

// ParseVerbosity maps a config string to a Verbosity.
func ParseVerbosity(s string) (Verbosity, error) {
	switch s {
	case "minimal":
		return Minimal, nil
	case "standard", "":
		return Standard, nil
	case "full":
		return Full, nil
	default:
		return Standard, fmt.Errorf("output: unknown verbosity %q", s)
	}
}

func (v Verbosity) String() string {
	switch v {
	case Minimal:
		return "minimal"
	case Full:
		return "full"
	default:
		return "standard"
	}
}

// FormatEvent returns a copy of the event trimmed to verbosity.
func FormatEvent(e Event, v Verbosity) Event {
	switch v {
	case Minimal:
		e.Examples = nil
	case Standard:
		if len(e.Examples) > 1 {
			e.Examples = e.Examples[:1]
		}
	}
	return e
}
