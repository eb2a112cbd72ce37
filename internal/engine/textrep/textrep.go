// Package textrep turns complaint records into the single normalized string
// that is embedded, both when building the reference corpus and when
// classifying new records.
package textrep

import (
	"strings"
	"unicode/utf8"

	"github.com/crimson-sun/triage/internal/model"
)

// Canonical free-text columns, in priority order.
const (
	FieldObservation = "DS_OBSERVACAO"
	FieldReason      = "DS_MOTIVO"
	FieldHandling    = "DS_TRATATIVA"
	FieldReturn      = "DS_RETORNO"
	FieldSubcategory = "SUB_ASSUNTO"
	FieldCategory    = "DS_ASSUNTO"
)

const (
	DefaultMinFieldLen = 5
	DefaultMaxLen      = 2000
	DefaultMinTextLen  = 10
)

// CategoryFields are the columns combined for category classification.
func CategoryFields() []string {
	return []string{FieldObservation, FieldReason, FieldHandling, FieldReturn}
}

// SubcategoryFields extends CategoryFields with the existing subcategory value.
func SubcategoryFields() []string {
	return append(CategoryFields(), FieldSubcategory)
}

// Builder concatenates record fields into one text.
type Builder struct {
	Fields      []string
	MinFieldLen int // a trimmed field contributes only if longer than this
	MaxLen      int // result is truncated to this many characters
}

// NewBuilder returns a Builder over fields with the default length limits.
func NewBuilder(fields []string) *Builder {
	return &Builder{
		Fields:      append([]string(nil), fields...),
		MinFieldLen: DefaultMinFieldLen,
		MaxLen:      DefaultMaxLen,
	}
}

// Build combines the meaningful fields of rec, in field order, separated by
// single spaces.
func (b *Builder) Build(rec model.Record) string {
	parts := make([]string, 0, len(b.Fields))
	for _, f := range b.Fields {
		v, ok := rec.Get(f)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if utf8.RuneCountInString(v) > b.MinFieldLen {
			parts = append(parts, v)
		}
	}
	return Truncate(strings.TrimSpace(strings.Join(parts, " ")), b.MaxLen)
}

// Valid reports whether text is long enough to be classified.
func Valid(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) >= DefaultMinTextLen
}

// Truncate cuts s to at most n characters. n <= 0 disables truncation.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
