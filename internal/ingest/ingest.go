// Package ingest reads complaint uploads (CSV or XLSX) into tables.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/crimson-sun/triage/internal/model"
)

var (
	// ErrUnsupportedFormat is returned for file extensions no reader handles.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrEmptyInput is returned when a file has no header row.
	ErrEmptyInput = errors.New("empty input")
)

// Delimiters are tried in this order; the first one that splits the header
// into more than one column wins.
var Delimiters = []rune{';', ',', '\t'}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ReadFile reads the table stored at path, choosing the reader by extension.
func ReadFile(path string) (*model.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	defer f.Close()
	return Read(filepath.Base(path), f)
}

// Read decodes r as the format implied by name's extension.
func Read(name string, r io.Reader) (*model.Table, error) {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".csv", ".txt":
		return ReadCSV(r)
	case ".xlsx", ".xlsm":
		return ReadXLSX(r)
	default:
		return nil, fmt.Errorf("ingest: %w: %q", ErrUnsupportedFormat, ext)
	}
}

// ReadCSV reads delimited text. Input that is not valid UTF-8 is decoded as
// Windows-1252, which also covers Latin-1 text.
func ReadCSV(r io.Reader) (*model.Table, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	text, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("ingest: %w", ErrEmptyInput)
	}

	var (
		rows    [][]string
		lastErr error
	)
	for _, d := range Delimiters {
		rows, lastErr = parseCSV(text, d)
		if lastErr == nil && len(rows) > 0 && len(rows[0]) > 1 {
			return toTable(rows)
		}
	}
	// Single-column file, or no delimiter parsed cleanly.
	rows, err = parseCSV(text, ',')
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		return nil, fmt.Errorf("ingest: parse csv: %w", err)
	}
	return toTable(rows)
}

func decode(raw []byte) (string, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("ingest: decode cp1252: %w", err)
	}
	return string(out), nil
}

func parseCSV(text string, delim rune) ([][]string, error) {
	cr := csv.NewReader(strings.NewReader(text))
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr.ReadAll()
}

// ReadXLSX reads the first sheet of a workbook.
func ReadXLSX(r io.Reader) (*model.Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("ingest: open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("ingest: %w: workbook has no sheets", ErrEmptyInput)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("ingest: read sheet %q: %w", sheets[0], err)
	}
	return toTable(rows)
}

// toTable turns a header row and data rows into a Table. Empty cells become
// missing keys; blank rows are skipped; duplicate headers get ".1", ".2"
// suffixes.
func toTable(rows [][]string) (*model.Table, error) {
	for len(rows) > 0 && blank(rows[0]) {
		rows = rows[1:]
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("ingest: %w", ErrEmptyInput)
	}

	t := &model.Table{Columns: uniqueHeaders(rows[0])}
	for _, row := range rows[1:] {
		if blank(row) {
			continue
		}
		rec := make(model.Record, len(t.Columns))
		for i, col := range t.Columns {
			if i < len(row) && row[i] != "" {
				rec[col] = row[i]
			}
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

func uniqueHeaders(header []string) []string {
	used := make(map[string]bool, len(header))
	out := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			h = "Unnamed: " + strconv.Itoa(i)
		}
		name := h
		for n := 1; used[name]; n++ {
			name = h + "." + strconv.Itoa(n)
		}
		used[name] = true
		out[i] = name
	}
	return out
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
