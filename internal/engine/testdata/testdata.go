// Package testdata embeds a small labeled complaint set used to exercise
// the engine end to end without model files.
package testdata

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/crimson-sun/triage/internal/model"
)

//go:embed complaints.json
var complaintsJSON []byte

// Query is an unlabeled complaint with the labels it should receive.
type Query struct {
	Text                string `json:"text"`
	ExpectedCategory    string `json:"expected_category"`
	ExpectedSubcategory string `json:"expected_subcategory"`
	Description         string `json:"description"`
}

// Fixture holds labeled reference records and queries.
type Fixture struct {
	Reference []model.Record `json:"reference"`
	Queries   []Query        `json:"queries"`
}

// Load parses the embedded complaints.json.
func Load() (Fixture, error) {
	var f Fixture
	if err := json.Unmarshal(complaintsJSON, &f); err != nil {
		return Fixture{}, fmt.Errorf("parse complaints.json: %w", err)
	}
	return f, nil
}

// QueryTable returns the queries as rows whose category and subcategory are
// the "Outros" placeholder, ready for classification.
func (f Fixture) QueryTable() *model.Table {
	t := &model.Table{Columns: []string{"NU_REGISTRO", "DS_ASSUNTO", "SUB_ASSUNTO", "DS_OBSERVACAO"}}
	for i, q := range f.Queries {
		t.Rows = append(t.Rows, model.Record{
			"NU_REGISTRO":   fmt.Sprintf("%d", 1000+i),
			"DS_ASSUNTO":    "Outros",
			"SUB_ASSUNTO":   "Outros",
			"DS_OBSERVACAO": q.Text,
		})
	}
	return t
}
