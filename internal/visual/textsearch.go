// internal/visual/textsearch.go
package visual

import (
	"image"
	"sort"
	"strings"

	"github.com/webpilot-ai/webpilot/internal/visual/ocr"
)

// Match is a located piece of on-screen text.
type Match struct {
	Text       string
	Confidence float64
	Bounds     image.Rectangle
}

// Center returns the midpoint of the match in screen coordinates.
func (m Match) Center() (float64, float64) {
	return float64(m.Bounds.Min.X) + float64(m.Bounds.Dx())/2,
		float64(m.Bounds.Min.Y) + float64(m.Bounds.Dy())/2
}

// findPhrase searches recognized words for a phrase, joining words on the
// same visual line so multi-word targets match. Words below minConfidence
// are discarded before matching. Returns the highest-confidence hit.
func findPhrase(words []ocr.Word, phrase string, minConfidence float64) (Match, bool) {
	needle := normalizeText(phrase)
	if needle == "" {
		return Match{}, false
	}

	kept := make([]ocr.Word, 0, len(words))
	for _, w := range words {
		if w.Confidence >= minConfidence && strings.TrimSpace(w.Text) != "" {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		return Match{}, false
	}

	var best Match
	found := false
	for _, line := range groupIntoLines(kept) {
		m, ok := matchInLine(line, needle)
		if !ok {
			continue
		}
		if !found || m.Confidence > best.Confidence {
			best, found = m, true
		}
	}
	return best, found
}

// groupIntoLines clusters words by vertical center, then orders each line
// left to right.
func groupIntoLines(words []ocr.Word) [][]ocr.Word {
	sorted := make([]ocr.Word, len(words))
	copy(sorted, words)
	sort.Slice(sorted, func(i, j int) bool {
		return centerY(sorted[i]) < centerY(sorted[j])
	})

	var lines [][]ocr.Word
	for _, w := range sorted {
		placed := false
		for i := range lines {
			ref := lines[i][len(lines[i])-1]
			tol := float64(maxInt(w.Box.Dy(), ref.Box.Dy())) / 2
			if absFloat(centerY(w)-centerY(ref)) <= tol {
				lines[i] = append(lines[i], w)
				placed = true
				break
			}
		}
		if !placed {
			lines = append(lines, []ocr.Word{w})
		}
	}

	for i := range lines {
		sort.Slice(lines[i], func(a, b int) bool {
			return lines[i][a].Box.Min.X < lines[i][b].Box.Min.X
		})
	}
	return lines
}

// matchInLine joins a line's words with single spaces and looks for the
// needle, then maps the covered byte range back to word bounding boxes.
func matchInLine(line []ocr.Word, needle string) (Match, bool) {
	var joined strings.Builder
	offsets := make([][2]int, len(line))
	for i, w := range line {
		if i > 0 {
			joined.WriteByte(' ')
		}
		start := joined.Len()
		joined.WriteString(normalizeText(w.Text))
		offsets[i] = [2]int{start, joined.Len()}
	}

	idx := strings.Index(joined.String(), needle)
	if idx < 0 {
		return Match{}, false
	}
	end := idx + len(needle)

	var bounds image.Rectangle
	confidence := 1.0
	var parts []string
	for i, w := range line {
		if offsets[i][1] <= idx || offsets[i][0] >= end {
			continue
		}
		if bounds.Empty() {
			bounds = w.Box
		} else {
			bounds = bounds.Union(w.Box)
		}
		if w.Confidence < confidence {
			confidence = w.Confidence
		}
		parts = append(parts, w.Text)
	}
	if bounds.Empty() {
		return Match{}, false
	}
	return Match{Text: strings.Join(parts, " "), Confidence: confidence, Bounds: bounds}, true
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func centerY(w ocr.Word) float64 {
	return float64(w.Box.Min.Y) + float64(w.Box.Dy())/2
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
