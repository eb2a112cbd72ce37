package export

import (
	"bytes"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/crimson-sun/triage/internal/ingest"
	"github.com/crimson-sun/triage/internal/model"
)

func sampleTable() *model.Table {
	return &model.Table{
		Columns: []string{"NU_REGISTRO", "DS_ASSUNTO", "DS_FILIAL", "DT_REGISTRO_ATENDIMENTO", "DS_OBSERVACAO"},
		Rows: []model.Record{
			{"NU_REGISTRO": "1", "DS_ASSUNTO": "Aplicativo", "DS_FILIAL": "Centro", "DT_REGISTRO_ATENDIMENTO": "2024-01-15", "DS_OBSERVACAO": "app trava; sempre"},
			{"NU_REGISTRO": "2", "DS_ASSUNTO": "Cobrança", "DS_FILIAL": "Centro", "DT_REGISTRO_ATENDIMENTO": "20/01/2024 10:30"},
			{"NU_REGISTRO": "3", "DS_ASSUNTO": "Aplicativo", "DS_FILIAL": "Norte", "DT_REGISTRO_ATENDIMENTO": "2024-02-01 08:00:00"},
			{"NU_REGISTRO": "4", "DT_REGISTRO_ATENDIMENTO": "sem data"},
		},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleTable(), 0); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "\ufeffNU_REGISTRO;DS_ASSUNTO;") {
		t.Errorf("missing BOM or semicolon header: %q", out[:40])
	}
	if !strings.Contains(out, `"app trava; sempre"`) {
		t.Error("field containing the delimiter was not quoted")
	}
	if !strings.Contains(out, "\n4;;;sem data;\n") {
		t.Errorf("missing cells not written empty:\n%s", out)
	}
}

func TestWriteCSVRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := sampleTable()
	if err := WriteCSV(&buf, in, 0); err != nil {
		t.Fatal(err)
	}
	got, err := ingest.ReadCSV(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, in)
	}
}

func TestValueCounts(t *testing.T) {
	got := ValueCounts(sampleTable(), ColumnCategory)
	want := []Count{
		{Value: "Aplicativo", Count: 2, Percent: 66.67},
		{Value: "Cobrança", Count: 1, Percent: 33.33},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ValueCounts = %+v, want %+v", got, want)
	}
	if got := ValueCounts(sampleTable(), "MISSING"); len(got) != 0 {
		t.Errorf("ValueCounts on absent column = %+v", got)
	}
}

func TestMonthly(t *testing.T) {
	got := Monthly(sampleTable(), ColumnDate)
	want := []Count{{Value: "2024-01", Count: 2}, {Value: "2024-02", Count: 1}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Monthly = %+v, want %+v", got, want)
	}
}

func TestWriteFileXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "report.xlsx")
	summary := []Stat{{"total", 4}, {"auto", 3}, {"mean_confidence", 0.8}}
	if err := WriteFile(path, sampleTable(), summary); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	wantSheets := []string{SheetData, SheetCategories, SheetBranches, SheetMonthly, SheetStats}
	if got := f.GetSheetList(); !reflect.DeepEqual(got, wantSheets) {
		t.Errorf("sheets = %q, want %q", got, wantSheets)
	}

	data, err := f.GetRows(SheetData)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 5 || data[2][1] != "Cobrança" {
		t.Errorf("data sheet = %q", data)
	}

	cats, _ := f.GetRows(SheetCategories)
	wantCats := [][]string{{"Categoria", "Quantidade", "Percentual"}, {"Aplicativo", "2", "66.67"}, {"Cobrança", "1", "33.33"}}
	if !reflect.DeepEqual(cats, wantCats) {
		t.Errorf("categories = %q, want %q", cats, wantCats)
	}

	stats, _ := f.GetRows(SheetStats)
	if len(stats) != 2 || stats[0][0] != "total" || stats[1][0] != "4" {
		t.Errorf("stats = %q", stats)
	}
}

func TestWriteXLSXSkipsAbsentColumns(t *testing.T) {
	tbl := &model.Table{Columns: []string{"DS_OBSERVACAO"}, Rows: []model.Record{{"DS_OBSERVACAO": "x"}}}
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, tbl, nil); err != nil {
		t.Fatal(err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if got := f.GetSheetList(); !reflect.DeepEqual(got, []string{SheetData, SheetStats}) {
		t.Errorf("sheets = %q", got)
	}
}

func TestWriteFileUnsupported(t *testing.T) {
	if err := WriteFile(filepath.Join(t.TempDir(), "out.pdf"), sampleTable(), nil); err == nil {
		t.Error("expected error for .pdf")
	}
}
