package voice

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	// DefaultNoAnswer is spoken when a reply sanitizes down to nothing.
	DefaultNoAnswer = "Sorry, I don't have an answer for that."
	// DefaultMaxSpeechRunes keeps replies well inside the 4096 character limit of <Say>.
	DefaultMaxSpeechRunes = 3000
	// DefaultSafePunctuation is what telephony text-to-speech reads naturally.
	DefaultSafePunctuation = `.,!?:;'"-%$&`
)

var (
	speechURLPattern          = regexp.MustCompile(`https?://\S+`)
	speechFencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	speechInlineCodePattern   = regexp.MustCompile("`[^`]*`")
	speechMarkdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)

	speechMarkupReplacer = strings.NewReplacer(
		"*", " ",
		"_", " ",
		"~", " ",
		"#", " ",
		"\\", " ",
		"/", " ",
		"|", " ",
		"<", " ",
		">", " ",
		"[", " ",
		"]", " ",
		"(", " ",
		")", " ",
		"{", " ",
		"}", " ",
	)
	speechTypographyReplacer = strings.NewReplacer(
		"\u2018", "'",
		"\u2019", "'",
		"\u201c", `"`,
		"\u201d", `"`,
		"\u2013", "-",
		"\u2014", "-",
		"\u2026", "...",
	)
)

// Sanitizer turns dialogue output into text a speech renderer accepts.
// The zero value is not usable; build one with NewSanitizer.
type Sanitizer struct {
	safe     map[rune]bool
	noAnswer string
	maxRunes int
}

// NewSanitizer builds a sanitizer for a renderer that pronounces safePunctuation.
// Empty arguments fall back to package defaults.
func NewSanitizer(safePunctuation, noAnswer string, maxRunes int) *Sanitizer {
	if safePunctuation == "" {
		safePunctuation = DefaultSafePunctuation
	}
	if maxRunes <= 0 {
		maxRunes = DefaultMaxSpeechRunes
	}
	s := &Sanitizer{safe: make(map[rune]bool, len(safePunctuation)), maxRunes: maxRunes}
	for _, r := range safePunctuation {
		s.safe[r] = true
	}

	// The fallback itself must be a fixed point of the pipeline.
	s.noAnswer = s.clean(noAnswer)
	if s.noAnswer == "" {
		s.noAnswer = s.clean(DefaultNoAnswer)
	}
	return s
}

var defaultSanitizer = NewSanitizer("", "", 0)

// SanitizeSpeech runs the default sanitizer.
func SanitizeSpeech(raw string) string {
	return defaultSanitizer.Sanitize(raw)
}

// NoAnswer is the fallback returned for input that cleans down to nothing.
func (s *Sanitizer) NoAnswer() string {
	return s.noAnswer
}

// Sanitize never returns an empty string and is idempotent.
func (s *Sanitizer) Sanitize(raw string) string {
	out := s.clean(raw)
	if out == "" {
		return s.noAnswer
	}
	return out
}

func (s *Sanitizer) clean(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	// Markup first: code, links, urls, then emphasis and bracket markers.
	raw = speechFencedCodePattern.ReplaceAllString(raw, " ")
	raw = speechInlineCodePattern.ReplaceAllString(raw, " ")
	raw = speechMarkdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")
	raw = speechTypographyReplacer.Replace(raw)
	raw = speechMarkupReplacer.Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true

	for _, r := range raw {
		switch {
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r), unicode.Is(unicode.Variation_Selector, r), r == '\u20e3':
			// zero-width joiners, variation selectors, keycaps
			continue
		case s.safe[r]:
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsNumber(r), unicode.IsMark(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsPunct(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		default:
			// Emoji, pictographs and other symbols.
			continue
		}
	}

	return truncateSpeech(strings.TrimSpace(b.String()), s.maxRunes)
}

// truncateSpeech cuts at the last sentence end that fits, else the last word.
func truncateSpeech(text string, maxRunes int) string {
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	cut := string(runes[:maxRunes])
	if i := strings.LastIndexAny(cut, ".!?"); i > 0 {
		return strings.TrimSpace(cut[:i+1])
	}
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		return strings.TrimSpace(cut[:i])
	}
	return strings.TrimSpace(cut)
}
