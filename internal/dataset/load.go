package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Load reads an uploaded file, choosing the reader by extension.
func Load(name string, r io.Reader) (*Frame, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return LoadCSV(name, r)
	case ".xlsx", ".xls":
		return LoadXLSX(name, r)
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported file type %q", filepath.Ext(name))}
	}
}

// LoadCSV parses comma separated data with a header row.
func LoadCSV(name string, r io.Reader) (*Frame, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("could not parse CSV: %v", err)}
	}
	if len(records) == 0 {
		return nil, &ValidationError{Reason: "No columns to parse from file"}
	}
	return build(name, records[0], records[1:], false), nil
}

// LoadXLSX reads the first worksheet of an Excel workbook.
func LoadXLSX(name string, r io.Reader) (*Frame, error) {
	wb, err := excelize.OpenReader(r)
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("could not open workbook: %v", err)}
	}
	defer func() { _ = wb.Close() }()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return nil, &ValidationError{Reason: "workbook has no sheets"}
	}
	rows, err := wb.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, &ValidationError{Reason: "No columns to parse from file"}
	}
	return build(name, rows[0], rows[1:], true), nil
}

func build(name string, header []string, records [][]string, parseDates bool) *Frame {
	width := len(header)
	for _, rec := range records {
		if len(rec) > width {
			width = len(rec)
		}
	}

	columns := make([]Column, width)
	seen := make(map[string]int, width)
	for i := range columns {
		var col string
		if i < len(header) {
			col = strings.TrimSpace(header[i])
		}
		if col == "" {
			col = fmt.Sprintf("Unnamed: %d", i)
		}
		if n, dup := seen[col]; dup {
			seen[col] = n + 1
			col = fmt.Sprintf("%s.%d", col, n+1)
		} else {
			seen[col] = 0
		}
		columns[i] = Column{Name: col}
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		if blank(rec) {
			continue
		}
		row := make([]string, width)
		copy(row, rec)
		rows = append(rows, row)
	}

	values := make([]string, len(rows))
	for c := range columns {
		for r, row := range rows {
			values[r] = row[c]
		}
		columns[c].Type = inferType(values, parseDates)
	}

	return &Frame{Name: name, Columns: columns, Rows: rows}
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
