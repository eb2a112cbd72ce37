// Package export writes classified tables as CSV or as an XLSX workbook
// with summary sheets.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/crimson-sun/triage/internal/model"
)

// Sheet names of the XLSX report.
const (
	SheetData       = "Dados Completos"
	SheetCategories = "Resumo Categorias"
	SheetBranches   = "Resumo Filiais"
	SheetMonthly    = "Análise Mensal"
	SheetStats      = "Estatísticas"
)

// Columns summarized by the report.
const (
	ColumnCategory = "DS_ASSUNTO"
	ColumnBranch   = "DS_FILIAL"
	ColumnDate     = "DT_REGISTRO_ATENDIMENTO"
)

// DefaultDelimiter separates CSV fields; spreadsheet tools in pt-BR locales
// expect a semicolon.
const DefaultDelimiter = ';'

const utf8BOM = "\ufeff"

// Stat is one named value of the run summary.
type Stat struct {
	Name  string
	Value any
}

// Count is one row of a value-count summary.
type Count struct {
	Value   string
	Count   int
	Percent float64 // of the non-missing cells, rounded to 2 decimals
}

// WriteCSV writes the table with a UTF-8 BOM and the given delimiter (0
// selects DefaultDelimiter). Missing cells are written empty.
func WriteCSV(w io.Writer, t *model.Table, delim rune) error {
	if delim == 0 {
		delim = DefaultDelimiter
	}
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	cw := csv.NewWriter(w)
	cw.Comma = delim
	cw.Write(t.Columns)
	row := make([]string, len(t.Columns))
	for _, rec := range t.Rows {
		for i, col := range t.Columns {
			row[i] = rec[col]
		}
		cw.Write(row)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: write csv: %w", err)
	}
	return nil
}

// ValueCounts counts the non-missing values of column, most frequent first
// (ties by value).
func ValueCounts(t *model.Table, column string) []Count {
	counts := make(map[string]int)
	total := 0
	for _, rec := range t.Rows {
		if v, ok := rec.Get(column); ok {
			counts[v]++
			total++
		}
	}
	out := make([]Count, 0, len(counts))
	for v, n := range counts {
		out = append(out, Count{Value: v, Count: n, Percent: percent(n, total)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	return out
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)*10000/float64(total)) / 100
}

var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
}

// Monthly counts rows per "YYYY-MM" of a date column, in month order. Cells
// that do not parse as a date are skipped.
func Monthly(t *model.Table, column string) []Count {
	counts := make(map[string]int)
	for _, rec := range t.Rows {
		v, ok := rec.Get(column)
		if !ok {
			continue
		}
		if d, ok := parseDate(strings.TrimSpace(v)); ok {
			counts[d.Format("2006-01")]++
		}
	}
	out := make([]Count, 0, len(counts))
	for m, n := range counts {
		out = append(out, Count{Value: m, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}

// WriteXLSX writes the workbook: the full table, category and branch
// summaries and the monthly count when those columns exist, and the run
// summary.
func WriteXLSX(w io.Writer, t *model.Table, summary []Stat) error {
	f, err := workbook(t, summary)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("export: write xlsx: %w", err)
	}
	return nil
}

// WriteFile picks CSV or XLSX by path's extension and creates parent
// directories.
func WriteFile(path string, t *model.Table, summary []Stat) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		err = WriteCSV(f, t, DefaultDelimiter)
	case ".xlsx":
		err = WriteXLSX(f, t, summary)
	default:
		err = fmt.Errorf("export: unsupported extension %q", ext)
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("export: %w", cerr)
	}
	if err != nil {
		os.Remove(path)
	}
	return err
}

func workbook(t *model.Table, summary []Stat) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetData); err != nil {
		f.Close()
		return nil, fmt.Errorf("export: %w", err)
	}

	rows := make([][]any, 0, len(t.Rows)+1)
	rows = append(rows, strs(t.Columns))
	for _, rec := range t.Rows {
		row := make([]any, len(t.Columns))
		for i, col := range t.Columns {
			row[i] = rec[col]
		}
		rows = append(rows, row)
	}
	if err := streamRows(f, SheetData, rows); err != nil {
		f.Close()
		return nil, err
	}

	sheets := []struct {
		name, column, header string
		counts               func() []Count
		withPercent          bool
	}{
		{SheetCategories, ColumnCategory, "Categoria", func() []Count { return ValueCounts(t, ColumnCategory) }, true},
		{SheetBranches, ColumnBranch, "Filial", func() []Count { return ValueCounts(t, ColumnBranch) }, true},
		{SheetMonthly, ColumnDate, "Mês", func() []Count { return Monthly(t, ColumnDate) }, false},
	}
	for _, s := range sheets {
		if !t.HasColumn(s.column) {
			continue
		}
		header := []any{s.header, "Quantidade"}
		if s.withPercent {
			header = append(header, "Percentual")
		}
		rows := [][]any{header}
		for _, c := range s.counts() {
			row := []any{c.Value, c.Count}
			if s.withPercent {
				row = append(row, c.Percent)
			}
			rows = append(rows, row)
		}
		if err := newSheet(f, s.name, rows); err != nil {
			f.Close()
			return nil, err
		}
	}

	header := make([]any, len(summary))
	values := make([]any, len(summary))
	for i, s := range summary {
		header[i], values[i] = s.Name, s.Value
	}
	if err := newSheet(f, SheetStats, [][]any{header, values}); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func newSheet(f *excelize.File, name string, rows [][]any) error {
	if _, err := f.NewSheet(name); err != nil {
		return fmt.Errorf("export: sheet %q: %w", name, err)
	}
	return streamRows(f, name, rows)
}

func streamRows(f *excelize.File, sheet string, rows [][]any) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("export: sheet %q: %w", sheet, err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		if err := sw.SetRow(cell, row); err != nil {
			return fmt.Errorf("export: sheet %q row %d: %w", sheet, i+1, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("export: sheet %q: %w", sheet, err)
	}
	return nil
}

func strs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
