package textrep

import (
	"fmt"
	"strings"
)

// Predicate reports whether a label cell needs classification. present is
// false when the cell is null.
type Predicate func(value string, present bool) bool

// Predicate kinds accepted by PredicateFor.
const (
	KindCategory    = "category"
	KindSubcategory = "subcategory"
)

// NeedsCategory flags null, empty, "OUTROS" and "OUTRO" (case and
// surrounding whitespace ignored).
func NeedsCategory(value string, present bool) bool {
	if !present {
		return true
	}
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "", "OUTROS", "OUTRO":
		return true
	}
	return false
}

// NeedsSubcategory flags null, blank, and any value containing "OUTRO",
// which also catches variants such as "Outros (detalhar)".
func NeedsSubcategory(value string, present bool) bool {
	if !present {
		return true
	}
	if strings.TrimSpace(value) == "" {
		return true
	}
	return strings.Contains(strings.ToUpper(value), "OUTRO")
}

// PredicateFor resolves a predicate by kind name.
func PredicateFor(kind string) (Predicate, error) {
	switch kind {
	case KindCategory:
		return NeedsCategory, nil
	case KindSubcategory:
		return NeedsSubcategory, nil
	default:
		return nil, fmt.Errorf("textrep: unknown predicate %q", kind)
	}
}
