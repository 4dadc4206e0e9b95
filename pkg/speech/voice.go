package speech

import "strings"

// Voice is a synthesizer voice.
type Voice struct {
	ID          string
	Name        string
	Lang        string // BCP-47 style tag, e.g. "en-GB"
	HighQuality bool
}

// Accent is the English variant requested for fallback speech.
type Accent string

const (
	AccentUS Accent = "US"
	AccentGB Accent = "GB"
	AccentAU Accent = "AU"
	AccentIN Accent = "IN"
)

var accentLangs = map[Accent][]string{
	AccentUS: {"en-us"},
	AccentGB: {"en-gb", "en-uk"},
	AccentAU: {"en-au"},
	AccentIN: {"en-in"},
}

// ParseAccent normalizes an accent code; unknown values map to US.
func ParseAccent(s string) Accent {
	a := Accent(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := accentLangs[a]; ok {
		return a
	}
	return AccentUS
}

// Langs returns the language tags accepted for the accent.
func (a Accent) Langs() []string {
	return accentLangs[ParseAccent(string(a))]
}

// NormalizeLang lowercases a language tag and treats '_' as '-'.
func NormalizeLang(lang string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(lang)), "_", "-")
}

func (v Voice) matches(langs []string) bool {
	l := NormalizeLang(v.Lang)
	for _, want := range langs {
		if l == want {
			return true
		}
	}
	return false
}

func (v Voice) english() bool {
	l := NormalizeLang(v.Lang)
	return l == "en" || strings.HasPrefix(l, "en-")
}

// SelectVoice picks the best voice for accent. The cascade is: an exact accent match marked
// high quality, any exact accent match, any high-quality English voice, any English voice,
// then the first voice. It returns false only when voices is empty.
func SelectVoice(voices []Voice, accent Accent) (Voice, bool) {
	if len(voices) == 0 {
		return Voice{}, false
	}
	langs := accent.Langs()

	steps := []func(Voice) bool{
		func(v Voice) bool { return v.matches(langs) && v.HighQuality },
		func(v Voice) bool { return v.matches(langs) },
		func(v Voice) bool { return v.english() && v.HighQuality },
		func(v Voice) bool { return v.english() },
	}
	for _, match := range steps {
		for _, v := range voices {
			if match(v) {
				return v, true
			}
		}
	}
	return voices[0], true
}
