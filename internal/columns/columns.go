// Package columns renames upload headers to the canonical column names by
// fuzzy matching against known variations.
package columns

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/crimson-sun/triage/internal/model"
)

// DefaultThreshold is the minimum similarity (0-100) for a header to match.
const DefaultThreshold = 70

// Canonical is a target column and the header spellings it is known by.
type Canonical struct {
	Name       string
	Variations []string
}

// Defaults returns the canonical complaint columns in matching order.
func Defaults() []Canonical {
	return []Canonical{
		{"NU_REGISTRO", []string{"nu_registro", "nu registro", "numero registro", "numero_registro", "id", "registro"}},
		{"DS_ASSUNTO", []string{"ds_assunto", "ds assunto", "assunto", "categoria", "descricao assunto"}},
		{"CD_USUARIO", []string{"cd_usuario", "cd usuario", "codigo usuario", "codigo_usuario", "usuario", "user"}},
		{"SUB_ASSUNTO", []string{"sub_assunto", "sub assunto", "subassunto", "subcategoria"}},
		{"DS_OBSERVACAO", []string{"ds_observacao", "ds observacao", "observacao", "descricao", "texto", "reclamacao"}},
		{"DT_REGISTRO_ATENDIMENTO", []string{"dt_registro_atendimento", "dt registro atendimento", "data registro",
			"data_registro", "dt_registro", "dt registro", "data atendimento", "data_atendimento", "dt_atendimento"}},
		{"DS_FILIAL", []string{"ds_filial", "ds filial", "filial", "unidade", "loja"}},
		{"OPERADORA", []string{"operadora", "operator", "operador", "empresa", "carrier"}},
		{"DS_MOTIVO", []string{"ds_motivo", "ds motivo", "motivo"}},
		{"DS_TRATATIVA", []string{"ds_tratativa", "ds tratativa", "tratativa"}},
		{"DS_RETORNO", []string{"ds_retorno", "ds retorno", "retorno"}},
	}
}

// Match records how one canonical column was resolved.
type Match struct {
	Source    string `json:"source"`
	Canonical string `json:"canonical"`
	Score     int    `json:"score"`
	Renamed   bool   `json:"renamed"`
}

// Mapper matches headers to canonical columns.
type Mapper struct {
	columns   []Canonical
	threshold int
}

// NewMapper returns a Mapper over cols (Defaults when empty). threshold <= 0
// selects DefaultThreshold.
func NewMapper(threshold int, cols ...Canonical) *Mapper {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if len(cols) == 0 {
		cols = Defaults()
	}
	return &Mapper{columns: cols, threshold: threshold}
}

// Map renames t's columns in place and reports the matches, in canonical
// order. Each header is claimed by at most one canonical column.
func (m *Mapper) Map(t *model.Table) []Match {
	var report []Match
	claimed := make(map[string]bool)
	for _, c := range m.columns {
		src, score := m.best(c, t.Columns, claimed)
		if src == "" {
			continue
		}
		claimed[src] = true
		match := Match{Source: src, Canonical: c.Name, Score: score}
		if src != c.Name && !t.HasColumn(c.Name) {
			rename(t, src, c.Name)
			claimed[c.Name] = true
			match.Renamed = true
		}
		report = append(report, match)
	}
	return report
}

func (m *Mapper) best(c Canonical, headers []string, claimed map[string]bool) (string, int) {
	targets := make([]string, 0, len(c.Variations)+1)
	targets = append(targets, normalize(c.Name))
	for _, v := range c.Variations {
		targets = append(targets, normalize(v))
	}

	var (
		best      string
		bestScore int
	)
	for _, h := range headers {
		if claimed[h] {
			continue
		}
		nh := normalize(h)
		for _, v := range targets {
			if s := TokenSortRatio(nh, v); s > bestScore && s >= m.threshold {
				best, bestScore = h, s
			}
		}
	}
	return best, bestScore
}

func rename(t *model.Table, from, to string) {
	for i, col := range t.Columns {
		if col == from {
			t.Columns[i] = to
		}
	}
	for _, rec := range t.Rows {
		if v, ok := rec[from]; ok {
			delete(rec, from)
			rec[to] = v
		}
	}
}

func normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", " ")
}

// TokenSortRatio scores two strings 0-100 after sorting their
// whitespace-separated tokens, so word order does not matter.
func TokenSortRatio(a, b string) int {
	return Ratio(sortTokens(a), sortTokens(b))
}

// Ratio is the normalized edit similarity 100 * (la+lb-d) / (la+lb), with
// lengths in runes and d the Levenshtein distance.
func Ratio(a, b string) int {
	total := utf8.RuneCountInString(a) + utf8.RuneCountInString(b)
	if total == 0 {
		return 100
	}
	d := levenshtein.ComputeDistance(a, b)
	return int(float64(total-d)*100/float64(total) + 0.5)
}

func sortTokens(s string) string {
	f := strings.Fields(s)
	sort.Strings(f)
	return strings.Join(f, " ")
}
