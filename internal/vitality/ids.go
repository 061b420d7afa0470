package vitality

import (
	"strings"
	"unicode"
)

// Characters that show up wrapped around identifiers pasted out of
// spreadsheet cells.
const quoteLikeRunes = "\"'`´‘’“”«»"

// CanonicalID normalizes a free-text identifier into the canonical entity
// key. It is total over any input and idempotent: quote-like characters are
// stripped from both ends, non-breaking spaces become ordinary spaces, en/em
// dashes become hyphens, then all whitespace and hyphens are dropped and the
// remainder is upper-cased. Two ids a human would read as the same must
// collapse to the same key, so "a-1", " A1 " and "A—1" all map to "A1".
func CanonicalID(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, quoteLikeRunes)
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ':
			return ' '
		case '–', '—':
			return '-'
		}
		return r
	}, s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) || r == '-' {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
