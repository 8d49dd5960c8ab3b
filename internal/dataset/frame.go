// Package dataset loads uploaded tabular files into an in-memory Frame and
// describes their columns for prompting.
package dataset

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
)

// Column dtypes, named after the dataframe vocabulary the analysis engine speaks.
const (
	TypeInt64    = "int64"
	TypeFloat64  = "float64"
	TypeBool     = "bool"
	TypeDatetime = "datetime64[ns]"
	TypeObject   = "object"
)

// Column describes a single column of a Frame.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Frame is a loaded dataset. Every row has exactly len(Columns) cells and an
// empty cell denotes a missing value.
type Frame struct {
	Name    string
	Columns []Column
	Rows    [][]string
}

// Len returns the number of data rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

// Empty reports whether the frame has no data rows.
func (f *Frame) Empty() bool {
	return f.Len() == 0
}

// ColumnNames returns the column names in order.
func (f *Frame) ColumnNames() []string {
	names := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		names[i] = c.Name
	}
	return names
}

// Cell returns the display form of the value at row, col. Missing values
// render as "nan" and floats keep a decimal point.
func (f *Frame) Cell(row, col int) string {
	raw := f.Rows[row][col]
	if isMissing(raw) {
		return "nan"
	}
	switch f.Columns[col].Type {
	case TypeFloat64:
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return raw
		}
		return formatFloat(v)
	case TypeBool:
		if strings.EqualFold(strings.TrimSpace(raw), "true") {
			return "True"
		}
		return "False"
	case TypeInt64:
		return strings.TrimSpace(raw)
	}
	return raw
}

// CSV encodes the frame, header first, for handing to the analysis engine.
func (f *Frame) CSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(f.ColumnNames()); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if err := w.WriteAll(f.Rows); err != nil {
		return nil, fmt.Errorf("write rows: %w", err)
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}
