package dataset

import (
	"fmt"
	"strings"
)

// Summarize describes each column on its own line as
// "name (Type: dtype, Sample: first-row value)". An empty frame samples "N/A".
func Summarize(f *Frame) string {
	if f == nil {
		return ""
	}
	lines := make([]string, len(f.Columns))
	for i, col := range f.Columns {
		sample := "N/A"
		if !f.Empty() {
			sample = f.Cell(0, i)
		}
		lines[i] = fmt.Sprintf("%s (Type: %s, Sample: %s)", col.Name, col.Type, sample)
	}
	return strings.Join(lines, "\n")
}
