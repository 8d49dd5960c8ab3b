package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	errEmptyCollection = errors.New("empty collection")
	errRaggedColumns   = errors.New("columns have different lengths")
	errScalarColumns   = errors.New("all scalar values need an index")
)

// grid is a rectangular table with an index column.
type grid struct {
	headers []string
	index   []string
	rows    [][]string
}

// markdownTable renders records, lists, list-of-lists and column maps as a
// markdown table with a leading index column.
func markdownTable(v any) (string, error) {
	g, err := toGrid(v)
	if err != nil {
		return "", err
	}

	rows := make([][]string, len(g.rows))
	for i, r := range g.rows {
		rows[i] = append([]string{g.index[i]}, r...)
	}
	t := table.New().
		Border(lipgloss.MarkdownBorder()).
		BorderTop(false).
		BorderBottom(false).
		Headers(append([]string{""}, g.headers...)...).
		Rows(rows...)
	return t.String(), nil
}

func toGrid(v any) (grid, error) {
	switch t := v.(type) {
	case []map[string]any:
		items := make([]any, len(t))
		for i, m := range t {
			items[i] = m
		}
		return listGrid(items)
	case []string:
		items := make([]any, len(t))
		for i, s := range t {
			items[i] = s
		}
		return listGrid(items)
	case []float64:
		items := make([]any, len(t))
		for i, f := range t {
			items[i] = f
		}
		return listGrid(items)
	case [][]any:
		items := make([]any, len(t))
		for i, r := range t {
			items[i] = r
		}
		return listGrid(items)
	case []any:
		return listGrid(t)
	case map[string]any:
		return columnGrid(t)
	}
	return grid{}, fmt.Errorf("unsupported collection %T", v)
}

// listGrid handles a list whose items are all records, all rows, or all scalars.
func listGrid(items []any) (grid, error) {
	if len(items) == 0 {
		return grid{}, errEmptyCollection
	}
	g := grid{index: rangeIndex(len(items))}

	switch items[0].(type) {
	case map[string]any:
		var cols []string
		seen := map[string]bool{}
		for _, it := range items {
			rec, ok := it.(map[string]any)
			if !ok {
				return grid{}, fmt.Errorf("mixed record and non-record items")
			}
			for _, k := range sortedKeys(rec) {
				if !seen[k] {
					seen[k] = true
					cols = append(cols, k)
				}
			}
		}
		g.headers = cols
		for _, it := range items {
			rec := it.(map[string]any)
			row := make([]string, len(cols))
			for i, c := range cols {
				val, ok := rec[c]
				if !ok {
					row[i] = "nan"
					continue
				}
				row[i] = cell(val)
			}
			g.rows = append(g.rows, row)
		}
	case []any:
		width := 0
		for _, it := range items {
			r, ok := it.([]any)
			if !ok {
				return grid{}, fmt.Errorf("mixed row and non-row items")
			}
			width = max(width, len(r))
		}
		g.headers = rangeIndex(width)
		for _, it := range items {
			r := it.([]any)
			row := make([]string, width)
			for i := range row {
				if i < len(r) {
					row[i] = cell(r[i])
				} else {
					row[i] = "nan"
				}
			}
			g.rows = append(g.rows, row)
		}
	default:
		g.headers = []string{"0"}
		for _, it := range items {
			switch it.(type) {
			case map[string]any, []any:
				return grid{}, fmt.Errorf("mixed scalar and collection items")
			}
			g.rows = append(g.rows, []string{cell(it)})
		}
	}
	return g, nil
}

// columnGrid handles a map of column name to list of values, or to a map of
// index label to value.
func columnGrid(m map[string]any) (grid, error) {
	if len(m) == 0 {
		return grid{}, errEmptyCollection
	}
	cols := sortedKeys(m)
	g := grid{headers: cols}

	switch m[cols[0]].(type) {
	case []any:
		length := -1
		for _, c := range cols {
			list, ok := m[c].([]any)
			if !ok {
				return grid{}, errScalarColumns
			}
			if length >= 0 && len(list) != length {
				return grid{}, errRaggedColumns
			}
			length = len(list)
		}
		g.index = rangeIndex(length)
		for r := 0; r < length; r++ {
			row := make([]string, len(cols))
			for i, c := range cols {
				row[i] = cell(m[c].([]any)[r])
			}
			g.rows = append(g.rows, row)
		}
	case map[string]any:
		var index []string
		seen := map[string]bool{}
		for _, c := range cols {
			inner, ok := m[c].(map[string]any)
			if !ok {
				return grid{}, errScalarColumns
			}
			for _, k := range sortedKeys(inner) {
				if !seen[k] {
					seen[k] = true
					index = append(index, k)
				}
			}
		}
		g.index = index
		for _, idx := range index {
			row := make([]string, len(cols))
			for i, c := range cols {
				val, ok := m[c].(map[string]any)[idx]
				if !ok {
					row[i] = "nan"
					continue
				}
				row[i] = cell(val)
			}
			g.rows = append(g.rows, row)
		}
	default:
		return grid{}, errScalarColumns
	}
	return g, nil
}

func cell(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		s = "nan"
	case string:
		s = t
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			s = "True"
		} else {
			s = "False"
		}
	case json.Number:
		s = t.String()
	default:
		if b, err := json.Marshal(t); err == nil {
			s = string(b)
		} else {
			s = fmt.Sprint(t)
		}
	}
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}

func rangeIndex(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = strconv.Itoa(i)
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
