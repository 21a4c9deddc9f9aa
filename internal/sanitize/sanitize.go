// Package sanitize strips agent-internal markup from reply text before it
// reaches a chat platform, and decides whether a reply is delivered at all.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

// SilentReplyToken is the sentinel an agent emits when it chooses not to reply.
const SilentReplyToken = "NO_REPLY"

// stageWords is the narration vocabulary recognised inside single brackets,
// as in [sighs softly] or [clears throat].
const stageWords = `sighs?|chuckles?|chuckling|laughs?|laughing|giggles?|giggling|smiles?|smiling|grins?|` +
	`pauses?|coughs?|gasps?|sniffs?|yawns?|whispers?|whispering|clears|throat|` +
	`softly|gently|quietly|warmly|excitedly|happily|sadly|nervously|playfully|dramatically`

var (
	thinkBlockPattern   = regexp.MustCompile(`(?is)<\s*(?:think|thinking|thought|antthinking)\b[^>]*>.*?<\s*/\s*(?:think|thinking|thought|antthinking)\s*>`)
	thinkOpenPattern    = regexp.MustCompile(`(?i)<\s*(?:think|thinking|thought|antthinking)\b[^>]*>`)
	thinkClosePattern   = regexp.MustCompile(`(?i)<\s*/\s*(?:think|thinking|thought|antthinking)\s*>`)
	finalBlockPattern   = regexp.MustCompile(`(?is)<\s*final\b[^>]*>(.*?)<\s*/\s*final\s*>`)
	finalOpenPattern    = regexp.MustCompile(`(?i)<\s*final\b[^>]*>`)
	finalTagPattern     = regexp.MustCompile(`(?i)<\s*/?\s*final\b[^>]*>`)
	ttsBlockPattern     = regexp.MustCompile(`(?is)\[\[\s*tts:text\s*\]\].*?\[\[\s*/\s*tts:text\s*\]\]`)
	directivePattern    = regexp.MustCompile(`\[\[\s*/?\s*[a-z][a-z0-9_]*(?:\s*:[^\[\]\n]*)?\s*\]\]`)
	emotionBlockPattern = regexp.MustCompile(`(?is)<\s*(?:emotion|emote|laugh|laughs|sigh|sighs|chuckle|chuckles|giggle|cough|gasp|breath|breathe)\b[^>]*>.*?<\s*/\s*(?:emotion|emote|laugh|laughs|sigh|sighs|chuckle|chuckles|giggle|cough|gasp|breath|breathe)\s*>`)
	emotionTagPattern   = regexp.MustCompile(`(?i)<\s*/?\s*(?:emotion|emote|laugh|laughs|sigh|sighs|chuckle|chuckles|giggle|cough|gasp|breath|breathe)\b[^>]*/?\s*>`)
	ssmlTagPattern      = regexp.MustCompile(`(?i)<\s*/?\s*(?:speak|prosody|break|say-as|emphasis|voice|audio)\b[^>]*/?\s*>`)
	stageBracketPattern = regexp.MustCompile(`(?i)\[\s*(?:` + stageWords + `)(?:[\s,]+(?:` + stageWords + `))*\s*\]`)
	codePattern         = regexp.MustCompile("(?s)```.*?(?:```|\\z)|`[^`\n]+`")
	trailingSpace       = regexp.MustCompile(`[ \t]+\n`)
	blankLines          = regexp.MustCompile(`\n{3,}`)
)

// Message is an outbound text paired with its sanitized form.
type Message struct {
	Raw     string
	Cleaned string
	// Suppressed is set when raw had content but nothing deliverable remained.
	Suppressed bool
}

// New sanitizes raw once and records the outcome.
func New(raw string) Message {
	cleaned := Sanitize(raw)
	return Message{
		Raw:        raw,
		Cleaned:    cleaned,
		Suppressed: cleaned == "" && strings.TrimSpace(raw) != "",
	}
}

// Sanitize returns raw without reasoning blocks, narration markup or
// directive tags. When a <final> wrapper is present only its contents are
// kept. A silent-reply sentinel anywhere in the visible text yields "".
func Sanitize(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	text := stripThinking(raw)
	text = extractFinal(text)
	if containsSilentToken(text) {
		return ""
	}
	text = ttsBlockPattern.ReplaceAllString(text, "")
	text = mapProse(text, stripMarkup)
	return normalizeWhitespace(text)
}

func stripMarkup(text string) string {
	text = directivePattern.ReplaceAllString(text, "")
	text = emotionBlockPattern.ReplaceAllString(text, "")
	text = emotionTagPattern.ReplaceAllString(text, "")
	text = ssmlTagPattern.ReplaceAllString(text, "")
	return stripStageBrackets(text)
}

// mapProse applies fn to the text outside fenced blocks and inline code
// spans. Code is copied through unchanged. An unclosed fence runs to the end.
func mapProse(text string, fn func(string) string) string {
	locs := codePattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return fn(text)
	}
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		b.WriteString(fn(text[last:loc[0]]))
		b.WriteString(text[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(fn(text[last:]))
	return b.String()
}

// proseOnly blanks out code so markup detection ignores it.
func proseOnly(text string) string {
	return codePattern.ReplaceAllString(text, " ")
}

func stripThinking(text string) string {
	text = thinkBlockPattern.ReplaceAllString(text, "")
	// An opener left without a closer hides everything after it.
	if loc := thinkOpenPattern.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}
	// A closer without an opener ends reasoning that started before the text.
	if locs := thinkClosePattern.FindAllStringIndex(text, -1); len(locs) > 0 {
		text = text[locs[len(locs)-1][1]:]
	}
	return text
}

func extractFinal(text string) string {
	matches := finalBlockPattern.FindAllStringSubmatch(text, -1)
	if len(matches) > 0 {
		parts := make([]string, 0, len(matches))
		for _, m := range matches {
			if part := strings.TrimSpace(m[1]); part != "" {
				parts = append(parts, part)
			}
		}
		return strings.Join(parts, "\n\n")
	}
	if loc := finalOpenPattern.FindStringIndex(text); loc != nil {
		text = text[loc[1]:]
	}
	return finalTagPattern.ReplaceAllString(text, "")
}

// stripStageBrackets drops [chuckles]-style directions but keeps markdown
// links and reference definitions such as [docs](url) or [docs]: url.
func stripStageBrackets(text string) string {
	locs := stageBracketPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		if loc[1] < len(text) {
			next := text[loc[1]]
			if next == '(' || next == ':' || next == '[' {
				continue
			}
		}
		if loc[0] > 0 && text[loc[0]-1] == ']' {
			continue
		}
		b.WriteString(text[last:loc[0]])
		last = loc[1]
		// "a [sighs] b" becomes "a b", not "a  b".
		atBoundary := loc[0] == 0 || text[loc[0]-1] == ' ' || text[loc[0]-1] == '\n'
		if atBoundary && last < len(text) && text[last] == ' ' {
			last++
		}
	}
	b.WriteString(text[last:])
	return b.String()
}

func containsSilentToken(text string) bool {
	value := []rune(strings.ToUpper(text))
	token := []rune(SilentReplyToken)
	for i := 0; i+len(token) <= len(value); i++ {
		if !runesEqualAt(value, token, i) {
			continue
		}
		if i > 0 && isWordChar(value[i-1]) {
			continue
		}
		end := i + len(token)
		if end < len(value) && isWordChar(value[end]) {
			continue
		}
		return true
	}
	return false
}

func runesEqualAt(value, token []rune, offset int) bool {
	for j := range token {
		if value[offset+j] != token[j] {
			return false
		}
	}
	return true
}

func isWordChar(value rune) bool {
	return value == '_' || unicode.IsLetter(value) || unicode.IsDigit(value)
}

func normalizeWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = trailingSpace.ReplaceAllString(text, "\n")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
