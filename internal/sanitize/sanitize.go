// Package sanitize normalizes text before it is embedded in JSON or sent to a model.
package sanitize

import (
	"strings"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// typography maps single typographic runes to their ASCII equivalent.
var typography = map[rune]rune{
	'\u2018': '\'', // left single quote
	'\u2019': '\'', // right single quote
	'\u201a': '\'', // single low-9 quote
	'\u201b': '\'', // single high-reversed-9 quote
	'\u2032': '\'', // prime
	'\u201c': '"',
	'\u201d': '"',
	'\u201e': '"',
	'\u201f': '"',
	'\u2033': '"', // double prime
	'\u00ab': '"',
	'\u00bb': '"',
	'\u2010': '-', // hyphen
	'\u2011': '-', // non-breaking hyphen
	'\u2012': '-', // figure dash
	'\u2013': '-', // en dash
	'\u2014': '-', // em dash
	'\u2015': '-', // horizontal bar
	'\u2212': '-', // minus sign
	'\u00a0': ' ', // no-break space
	'\u2007': ' ', // figure space
	'\u2009': ' ', // thin space
	'\u202f': ' ', // narrow no-break space
	'\u2028': '\n',
	'\u2029': '\n',
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff', '\u00ad', '\u180e':
		return true
	}
	return false
}

var multiRune = strings.NewReplacer(
	"\u2026", "...",
	"\r\n", "\n",
	"\r", "\n",
)

// Text returns s with smart typography replaced by ASCII, zero-width characters
// removed and line endings normalized to "\n". It never fails; on an internal
// transform error the input is returned with only the line endings normalized.
func Text(s string) string {
	if s == "" {
		return ""
	}

	t := transform.Chain(
		runes.Remove(runes.Predicate(isZeroWidth)),
		runes.Map(func(r rune) rune {
			if repl, ok := typography[r]; ok {
				return repl
			}
			return r
		}),
		norm.NFC,
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return multiRune.Replace(out)
}

// Strings sanitizes every string value reachable from v, returning a new value.
// Maps, slices and strings are rebuilt; other values are returned unchanged.
func Strings(v any) any {
	switch val := v.(type) {
	case string:
		return Text(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Strings(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Strings(item)
		}
		return out
	default:
		return v
	}
}
