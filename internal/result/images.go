package result

import (
	"os"
	"regexp"
	"sort"
	"strings"
)

// chartRef matches path-like tokens naming PNG files.
var chartRef = regexp.MustCompile(`[\w\-./\\:]+\.png`)

// ImageSink receives chart bytes keyed by file name.
type ImageSink interface {
	Put(name string, data []byte)
}

// ExtractImages finds chart paths in text, loads the ones that exist into
// sink, and returns the text with every matched path removed together with
// the file names that were loaded, in first-seen order.
func (n *Normalizer) ExtractImages(text string, sink ImageSink) (string, []string) {
	refs := uniqueRefs(chartRef.FindAllString(text, -1))
	if len(refs) == 0 {
		return text, []string{}
	}

	images := make([]string, 0, len(refs))
	loaded := make(map[string]bool, len(refs))
	for _, ref := range refs {
		p, ok := n.resolve(ref)
		if !ok {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		name := baseName(ref)
		if sink != nil {
			sink.Put(name, data)
		}
		if !loaded[name] {
			loaded[name] = true
			images = append(images, name)
		}
	}

	// Longest first so a path is never clipped by one of its suffixes.
	byLen := append([]string(nil), refs...)
	sort.SliceStable(byLen, func(i, j int) bool { return len(byLen[i]) > len(byLen[j]) })
	clean := text
	for _, ref := range byLen {
		clean = strings.ReplaceAll(clean, ref, "")
	}
	clean = strings.TrimSpace(clean)
	if clean == "" {
		clean = DefaultVisualMessage
	}
	return clean, images
}

// Render normalizes raw and extracts any chart references from the result.
// A typed plot result is loaded by its full path instead of being scanned.
func (n *Normalizer) Render(raw any, sink ImageSink) (string, []string) {
	if p, ok := chartEnvelope(raw); ok {
		return n.loadChart(p, sink)
	}
	return n.ExtractImages(n.Normalize(raw), sink)
}

func (n *Normalizer) loadChart(p string, sink ImageSink) (string, []string) {
	resolved, ok := n.resolve(p)
	if !ok {
		return MissingChartMessage, []string{}
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return MissingChartMessage, []string{}
	}
	name := baseName(p)
	if sink != nil {
		sink.Put(name, data)
	}
	return DefaultVisualMessage, []string{name}
}

func uniqueRefs(matches []string) []string {
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}
