package extract

import (
	"cmp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/coregx/ahocorasick"
)

const snippetRadius = 160

// mentionIndex counts whole-word occurrences of candidate names in the
// source text and keeps a snippet around the first one.
type mentionIndex struct {
	counts   map[string]int
	snippets map[string]string
}

func (m *mentionIndex) count(name string) int {
	if m == nil {
		return 0
	}
	return m.counts[asciiLower(name)]
}

func (m *mentionIndex) snippet(name string) string {
	if m == nil {
		return ""
	}
	return m.snippets[asciiLower(name)]
}

// scanMentions finds whole-word, case-insensitive name mentions. Where
// mentions overlap the longest leftmost one wins, so "Lord Neverember" is
// not also counted as "Neverember".
func scanMentions(text string, names []string) (*mentionIndex, error) {
	patterns := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		key := asciiLower(strings.TrimSpace(n))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		patterns = append(patterns, key)
	}
	idx := &mentionIndex{counts: map[string]int{}, snippets: map[string]string{}}
	if len(patterns) == 0 || strings.TrimSpace(text) == "" {
		return idx, nil
	}

	automaton, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, err
	}

	haystack := asciiLower(text)
	type span struct{ start, end, pattern int }
	var spans []span
	for _, m := range automaton.FindAllOverlapping([]byte(haystack)) {
		if m.PatternID < 0 || m.PatternID >= len(patterns) {
			continue
		}
		if !isBoundary(haystack, m.Start, m.End) {
			continue
		}
		spans = append(spans, span{m.Start, m.End, m.PatternID})
	}
	// Keep leftmost-longest, non-overlapping mentions.
	slices.SortFunc(spans, func(a, b span) int {
		return cmp.Or(cmp.Compare(a.start, b.start), cmp.Compare(b.end, a.end))
	})
	lastEnd := -1
	for _, sp := range spans {
		if sp.start < lastEnd {
			continue
		}
		lastEnd = sp.end
		key := patterns[sp.pattern]
		idx.counts[key]++
		if _, ok := idx.snippets[key]; !ok {
			idx.snippets[key] = snippetAround(text, sp.start, sp.end)
		}
	}
	return idx, nil
}

func isBoundary(s string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:start])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if end < len(s) {
		r, _ := utf8.DecodeRuneInString(s[end:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func snippetAround(text string, start, end int) string {
	from := max(0, start-snippetRadius)
	to := min(len(text), end+snippetRadius)
	for from > 0 && !utf8.RuneStart(text[from]) {
		from--
	}
	for to < len(text) && !utf8.RuneStart(text[to]) {
		to++
	}
	return strings.Join(strings.Fields(text[from:to]), " ")
}

// asciiLower lowers A-Z only so byte offsets stay aligned with the input.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
