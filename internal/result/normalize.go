// Package result turns the analysis engine's raw answers into display text
// and collects the chart images they reference.
package result

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	// EmptyResultMarker is the text the engine emits when a filter matched nothing.
	EmptyResultMarker = "No data found"
	// MissingChartMessage replaces a chart path whose file does not exist.
	MissingChartMessage = "Error: Chart was generated but file is missing."
	// DefaultVisualMessage is shown when an answer consisted only of chart paths.
	DefaultVisualMessage = "I have generated the visualization."
	// NoResultMessage is shown when the engine returned nothing at all.
	NoResultMessage = "The analysis finished without returning a result."
)

// Normalizer renders raw engine results.
type Normalizer struct {
	chartDir string
	printer  *message.Printer
}

// New creates a Normalizer. Relative chart paths that do not resolve from the
// working directory are looked up by file name in chartDir.
func New(chartDir string) *Normalizer {
	return &Normalizer{
		chartDir: chartDir,
		printer:  message.NewPrinter(language.English),
	}
}

// Normalize converts raw into display text. It never fails: anything that
// cannot be rendered falls back to its plain textual form.
func (n *Normalizer) Normalize(raw any) string {
	switch v := raw.(type) {
	case nil:
		return NoResultMessage
	case string:
		return n.text(v)
	case bool:
		if v {
			return "True"
		}
		return "False"
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return n.number(f)
		}
		return v.String()
	case map[string]any:
		if t, ok := v["type"].(string); ok {
			if value, ok := v["value"]; ok && len(v) == 2 {
				return n.typed(t, value)
			}
		}
		return n.table(v)
	case []any, []map[string]any, [][]any, []string, []float64:
		return n.table(v)
	}

	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return n.printer.Sprintf("%d.00", rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return n.printer.Sprintf("%d.00", rv.Uint())
	case reflect.Float32, reflect.Float64:
		return n.number(rv.Float())
	}
	return fallback(raw)
}

func (n *Normalizer) typed(kind string, value any) string {
	switch strings.ToLower(kind) {
	case "plot", "chart", "image":
		if s, ok := value.(string); ok {
			// The value is a single path and may contain spaces.
			if p := strings.TrimSpace(s); !n.chartExists(p) {
				return MissingChartMessage
			}
			return s
		}
	case "dataframe", "table":
		if value == nil {
			return fallback(value)
		}
		return n.table(value)
	case "number":
		if s, ok := value.(string); ok {
			return n.Normalize(json.Number(s))
		}
	case "string", "text":
		if s, ok := value.(string); ok {
			return n.text(s)
		}
	}
	return n.Normalize(value)
}

// chartEnvelope returns the path carried by a {type: plot, value: path}
// result.
func chartEnvelope(raw any) (string, bool) {
	m, ok := raw.(map[string]any)
	if !ok || len(m) != 2 {
		return "", false
	}
	kind, _ := m["type"].(string)
	switch strings.ToLower(kind) {
	case "plot", "chart", "image":
	default:
		return "", false
	}
	s, ok := m["value"].(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

func (n *Normalizer) text(s string) string {
	if strings.Contains(s, EmptyResultMarker) {
		return s
	}
	if p := strings.TrimSpace(s); isChartPath(p) && !n.chartExists(p) {
		return MissingChartMessage
	}
	return s
}

// isChartToken reports whether s is a single whitespace-free token naming a PNG.
func isChartToken(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return false
	}
	return strings.HasSuffix(strings.ToLower(s), ".png")
}

// isChartPath reports whether an untyped result is a chart location rather
// than prose. It must carry a directory so a bare file name mentioned in text
// is left to image extraction.
func isChartPath(s string) bool {
	return isChartToken(s) && strings.ContainsAny(s, `/\`)
}

func (n *Normalizer) number(f float64) string {
	return n.printer.Sprintf("%.2f", f)
}

func (n *Normalizer) table(v any) string {
	out, err := markdownTable(v)
	if err != nil {
		return fallback(v)
	}
	return out
}

// resolve returns the on-disk location of a referenced chart, if any.
func (n *Normalizer) resolve(ref string) (string, bool) {
	if isFile(ref) {
		return ref, true
	}
	if n.chartDir == "" {
		return "", false
	}
	alt := filepath.Join(n.chartDir, baseName(ref))
	if isFile(alt) {
		return alt, true
	}
	return "", false
}

func (n *Normalizer) chartExists(ref string) bool {
	_, ok := n.resolve(ref)
	return ok
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// baseName handles both slash styles, since engines may report Windows paths.
func baseName(p string) string {
	return filepath.Base(strings.ReplaceAll(p, `\`, "/"))
}

func fallback(v any) string {
	if v == nil {
		return "None"
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}
