// Package relevance decides whether an alert concerns the user's registered city.
//
// Place names arrive from the feed in inconsistent forms ("Tel Aviv - Yafo",
// "Tel Aviv-Yafo", "tel aviv"), so matching is a bidirectional substring test
// over folded names rather than strict equality.
package relevance

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// IsRelevant reports whether any of areas matches userCity.
// An empty userCity or an empty areas list never matches.
func IsRelevant(areas []string, userCity string) bool {
	city := fold(userCity)
	if city == "" {
		return false
	}
	for _, area := range areas {
		if matches(fold(area), city) {
			return true
		}
	}
	return false
}

func matches(area, city string) bool {
	if area == "" {
		return false
	}
	return area == city || strings.Contains(area, city) || strings.Contains(city, area)
}

// fold returns the comparison form of a place name: diacritics and niqqud
// stripped, case folded, dash variants unified and whitespace collapsed.
func fold(name string) string {
	// Transformers carry state, so a fresh chain is built per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		stripped = name
	}
	folded := cases.Fold().String(stripped)

	folded = strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == '־' || unicode.Is(unicode.Pd, r):
			return '-'
		case unicode.IsSpace(r):
			return ' '
		}
		return r
	}, folded)

	folded = strings.Join(strings.Fields(folded), " ")
	folded = strings.ReplaceAll(folded, " -", "-")
	folded = strings.ReplaceAll(folded, "- ", "-")
	return folded
}
