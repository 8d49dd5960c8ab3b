package dataset

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"
)

const salesCSV = "\uFEFFOrder Date,Region,Sales,Quantity,Returned\n" +
	"11/8/2016,South,261.96,2,False\n" +
	"11/8/2016,West,731.94,3,True\n" +
	"6/12/2016,,14.62,,False\n"

func TestLoadCSVInfersTypes(t *testing.T) {
	t.Parallel()

	f, err := LoadCSV("sales.csv", strings.NewReader(salesCSV))
	if err != nil {
		t.Fatalf("LoadCSV returned error: %v", err)
	}

	want := []Column{
		{Name: "Order Date", Type: TypeObject},
		{Name: "Region", Type: TypeObject},
		{Name: "Sales", Type: TypeFloat64},
		{Name: "Quantity", Type: TypeFloat64},
		{Name: "Returned", Type: TypeBool},
	}
	if diff := cmp.Diff(want, f.Columns); diff != "" {
		t.Fatalf("columns mismatch (-want +got):\n%s", diff)
	}
	if f.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", f.Len())
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	f, err := LoadCSV("sales.csv", strings.NewReader(salesCSV))
	if err != nil {
		t.Fatalf("LoadCSV returned error: %v", err)
	}

	want := strings.Join([]string{
		"Order Date (Type: object, Sample: 11/8/2016)",
		"Region (Type: object, Sample: South)",
		"Sales (Type: float64, Sample: 261.96)",
		"Quantity (Type: float64, Sample: 2.0)",
		"Returned (Type: bool, Sample: False)",
	}, "\n")
	if got := Summarize(f); got != want {
		t.Fatalf("Summarize mismatch:\n got: %q\nwant: %q", got, want)
	}
	if Summarize(f) != Summarize(f) {
		t.Fatal("Summarize is not deterministic")
	}
}

func TestSummarizeEmptyFrame(t *testing.T) {
	t.Parallel()

	f, err := LoadCSV("empty.csv", strings.NewReader("a,b\n"))
	if err != nil {
		t.Fatalf("LoadCSV returned error: %v", err)
	}
	want := "a (Type: object, Sample: N/A)\nb (Type: object, Sample: N/A)"
	if got := Summarize(f); got != want {
		t.Fatalf("Summarize() = %q, want %q", got, want)
	}
}

func TestLoadCSVHeaders(t *testing.T) {
	t.Parallel()

	f, err := LoadCSV("h.csv", strings.NewReader("x,,x\n1,2,3,4\n"))
	if err != nil {
		t.Fatalf("LoadCSV returned error: %v", err)
	}
	want := []string{"x", "Unnamed: 1", "x.1", "Unnamed: 3"}
	if diff := cmp.Diff(want, f.ColumnNames()); diff != "" {
		t.Fatalf("column names mismatch (-want +got):\n%s", diff)
	}
	if f.Columns[0].Type != TypeInt64 {
		t.Fatalf("expected int64, got %s", f.Columns[0].Type)
	}
}

func TestLoadCSVRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	_, err := LoadCSV("empty.csv", strings.NewReader(""))
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoadXLSX(t *testing.T) {
	t.Parallel()

	wb := excelize.NewFile()
	sheet := wb.GetSheetName(0)
	rows := [][]any{
		{"Category", "Profit"},
		{"Furniture", 41.91},
		{"Technology", 240},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := wb.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("SetSheetRow: %v", err)
		}
	}
	buf, err := wb.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer: %v", err)
	}

	f, err := Load("profit.xlsx", buf)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	want := []Column{{Name: "Category", Type: TypeObject}, {Name: "Profit", Type: TypeFloat64}}
	if diff := cmp.Diff(want, f.Columns); diff != "" {
		t.Fatalf("columns mismatch (-want +got):\n%s", diff)
	}
	if got := f.Cell(1, 1); got != "240.0" {
		t.Fatalf("Cell(1,1) = %q, want 240.0", got)
	}
}

func TestUploadPolicy(t *testing.T) {
	t.Parallel()

	p := UploadPolicy{MaxBytes: 10 << 20, Extensions: []string{".csv", ".xlsx"}}
	tests := []struct {
		name     string
		file     string
		size     int64
		wantErr  string
		tooLarge bool
	}{
		{name: "csv ok", file: "data.csv", size: 1024},
		{name: "upper case ext", file: "DATA.XLSX", size: 1024},
		{name: "bad ext", file: "notes.txt", size: 10, wantErr: "Invalid file type. Allowed: .csv, .xlsx"},
		{name: "no ext", file: "data", size: 10, wantErr: "Invalid file type. Allowed: .csv, .xlsx"},
		{name: "too large", file: "big.csv", size: 11 << 20, wantErr: "File too large. Max size: 10MB", tooLarge: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := p.Validate(tt.file, tt.size)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Reason != tt.wantErr || ve.TooLarge != tt.tooLarge {
				t.Fatalf("got %+v, want reason %q tooLarge %v", ve, tt.wantErr, tt.tooLarge)
			}
		})
	}
}

func TestFrameCSVRoundTrip(t *testing.T) {
	t.Parallel()

	f, err := LoadCSV("sales.csv", strings.NewReader(salesCSV))
	if err != nil {
		t.Fatalf("LoadCSV returned error: %v", err)
	}
	data, err := f.CSV()
	if err != nil {
		t.Fatalf("CSV returned error: %v", err)
	}
	again, err := LoadCSV("sales.csv", strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("reload returned error: %v", err)
	}
	if diff := cmp.Diff(f, again); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}
