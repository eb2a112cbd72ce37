package model

// Record is one tabular row keyed by canonical column name. A missing key
// stands for a null cell; an empty string is an empty cell.
type Record map[string]string

// Get returns the value of field and whether the cell is present at all.
func (r Record) Get(field string) (string, bool) {
	v, ok := r[field]
	return v, ok
}

// Table is an ordered set of records sharing a header.
type Table struct {
	Columns []string
	Rows    []Record
}

// HasColumn reports whether name is part of the header.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the table. Classification mutates rows in
// place, so callers that need the original keep a clone.
func (t *Table) Clone() *Table {
	out := &Table{
		Columns: append([]string(nil), t.Columns...),
		Rows:    make([]Record, len(t.Rows)),
	}
	for i, r := range t.Rows {
		cp := make(Record, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out.Rows[i] = cp
	}
	return out
}
