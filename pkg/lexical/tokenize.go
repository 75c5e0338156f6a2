// Package lexical is the term-matching candidate source: an incremental
// BM25F index over notes and entities plus an exact label matcher.
package lexical

import (
	"strings"
	"unicode"

	"github.com/orsinium-labs/stopwords"
)

var english = stopwords.MustGet("en")

// Normalize lowercases s, folds curly apostrophes and collapses every run of
// non-word characters to one space.
func Normalize(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	for _, ch := range s {
		c := unicode.ToLower(ch)
		if c == '’' {
			c = '\''
		}
		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '\'' {
			out.WriteRune(c)
		} else {
			out.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(out.String()), " ")
}

// Tokenize splits text into index terms with stopwords removed.
func Tokenize(text string) []string {
	words := strings.Fields(Normalize(text))
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, "'")
		if w == "" || english.Contains(w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// segmentOf maps token position pos of n onto one of segs buckets. Short
// documents get one bucket per token; consecutive tokens always land in the
// same or adjacent buckets.
func segmentOf(pos, n int, segs uint32) uint32 {
	if n <= 0 || segs == 0 {
		return 0
	}
	if n <= int(segs) {
		return uint32(pos)
	}
	s := uint32(pos * int(segs) / n)
	if s >= segs {
		s = segs - 1
	}
	return s
}
