// Package normalize cleans raw speech-to-text output before it reaches
// the risk pipeline: confidence filtering, character cleanup, overlap
// removal against the previous chunk, cross-chunk dedup and a language filter.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/abadojack/whatlanggo"
)

// DefaultPrompt is sent to the speech-to-text backend when a room has no history yet.
const DefaultPrompt = "นี่คือการสนทนาทางธุรกิจเป็นภาษาไทย อาจมีคำภาษาอังกฤษปนอยู่บ้าง"

const (
	contextPrefix   = "บริบทก่อนหน้า: "
	contextChunks   = 2
	contextMaxRunes = 200

	minOverlapWords = 3
	maxOverlapWords = 15
	fuzzyOverlap    = 0.8

	minDedupRunes = 6 // sentences shorter than this are never treated as duplicates
	minLangRunes  = 3 // shorter sentences skip language detection
	repeatLimit   = 3 // a word repeated this many times in a row collapses to one
)

var (
	strangeChars = regexp.MustCompile(`[^\x{0E00}-\x{0E7F}a-zA-Z0-9\s.,!?\-():;]`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// Segment is one timed piece of a transcription with its no-speech probability.
type Segment struct {
	Text         string
	NoSpeechProb *float64
}

func isThai(r rune) bool { return r >= 0x0E00 && r <= 0x0E7F }

// FixThaiSpacing removes single spaces that separate two Thai characters,
// a common speech-to-text artifact ("ได ้ ส ร ้ าง" becomes "ได้สร้าง").
func FixThaiSpacing(text string) string {
	if text == "" {
		return ""
	}
	rs := []rune(text)
	out := make([]rune, 0, len(rs))
	for i, r := range rs {
		if r == ' ' && len(out) > 0 && isThai(out[len(out)-1]) && i+1 < len(rs) && isThai(rs[i+1]) {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// Clean fixes Thai spacing, strips characters outside Thai, ASCII letters,
// digits and basic punctuation, collapses runs of a repeated word and
// normalizes whitespace.
func Clean(text string) string {
	if text == "" {
		return ""
	}
	cleaned := FixThaiSpacing(text)
	cleaned = strangeChars.ReplaceAllString(cleaned, "")

	words := strings.Fields(cleaned)
	out := make([]string, 0, len(words))
	for i := 0; i < len(words); {
		j := i + 1
		for j < len(words) && strings.EqualFold(words[j], words[i]) {
			j++
		}
		if j-i >= repeatLimit {
			out = append(out, words[i])
		} else {
			out = append(out, words[i:j]...)
		}
		i = j
	}
	return strings.Join(out, " ")
}

// splitSentences splits after '.', '!' or '?' followed by whitespace.
func splitSentences(text string) []string {
	var out []string
	rs := []rune(text)
	start := 0
	for i := 1; i < len(rs); i++ {
		if !unicode.IsSpace(rs[i]) || !strings.ContainsRune(".!?", rs[i-1]) {
			continue
		}
		out = append(out, string(rs[start:i]))
		for i < len(rs) && unicode.IsSpace(rs[i]) {
			i++
		}
		start = i
	}
	if start < len(rs) {
		out = append(out, string(rs[start:]))
	}
	return out
}

// FilterLanguage drops sentences confidently detected as a language outside
// allowed (ISO 639-3 codes). Short or undetermined sentences are kept.
func FilterLanguage(text string, allowed []string) string {
	if text == "" || len(allowed) == 0 {
		return strings.TrimSpace(text)
	}
	keep := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		keep[a] = true
	}

	var out []string
	for _, s := range splitSentences(text) {
		trimmed := strings.TrimSpace(s)
		if len([]rune(trimmed)) < minLangRunes {
			out = append(out, s)
			continue
		}
		info := whatlanggo.Detect(trimmed)
		code := info.Lang.Iso6393()
		if code == "" || !info.IsReliable() || keep[code] {
			out = append(out, s)
		}
	}
	return strings.TrimSpace(strings.Join(out, " "))
}

// RemoveOverlap strips the leading words of current that repeat the tail of
// previous. Overlaps of 15 down to 3 words are tried; a match is exact or has
// more than 80% of words equal position by position, ignoring case.
func RemoveOverlap(previous, current string) string {
	if previous == "" || current == "" {
		return current
	}
	prevWords := whitespace.Split(previous, -1)
	currWords := whitespace.Split(current, -1)

	for size := maxOverlapWords; size >= minOverlapWords; size-- {
		if len(prevWords) < size {
			continue
		}
		tail := prevWords[len(prevWords)-size:]
		head := currWords[:min(size, len(currWords))]
		if strings.Join(tail, " ") == strings.Join(head, " ") || similarity(tail, head) > fuzzyOverlap {
			return strings.Join(currWords[len(head):], " ")
		}
	}
	return current
}

func similarity(a, b []string) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	matches := 0
	for i := range a {
		if strings.EqualFold(a[i], b[i]) {
			matches++
		}
	}
	return float64(matches) / float64(len(a))
}

// Deduplicate removes sentences of current that already appeared, ignoring
// case, in any of the previous chunks.
func Deduplicate(current string, previous []string) string {
	if len(previous) == 0 {
		return current
	}
	seen := make(map[string]bool)
	for _, s := range splitSentences(strings.Join(previous, " ")) {
		n := strings.ToLower(strings.TrimSpace(s))
		if len([]rune(n)) >= minDedupRunes {
			seen[n] = true
		}
	}

	var out []string
	for _, s := range splitSentences(current) {
		if !seen[strings.ToLower(strings.TrimSpace(s))] {
			out = append(out, s)
		}
	}
	return strings.TrimSpace(strings.Join(out, " "))
}

// FilterSegments joins the text of segments whose no-speech probability is
// below threshold. Segments without a probability are kept.
func FilterSegments(segments []Segment, threshold float64) string {
	var parts []string
	for _, s := range segments {
		if s.NoSpeechProb != nil && *s.NoSpeechProb >= threshold {
			continue
		}
		parts = append(parts, s.Text)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// ContextPrompt builds the speech-to-text prompt from the room's recent
// transcripts: the last two chunks, cut to their final 200 characters.
func ContextPrompt(previous []string) string {
	if len(previous) == 0 {
		return DefaultPrompt
	}
	recent := previous[max(0, len(previous)-contextChunks):]
	combined := []rune(strings.Join(recent, " "))
	if len(combined) > contextMaxRunes {
		combined = combined[len(combined)-contextMaxRunes:]
	}
	return contextPrefix + string(combined)
}
