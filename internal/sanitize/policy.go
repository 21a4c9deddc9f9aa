package sanitize

import (
	"regexp"
	"strings"
)

// Kind identifies where in an agent turn a reply was produced.
type Kind string

const (
	KindTool  Kind = "tool"
	KindBlock Kind = "block"
	KindFinal Kind = "final"
)

// Params are the inputs to EvaluateDelivery.
type Params struct {
	ReplyFinalOnly bool
	Kind           Kind
	HasMedia       bool
	SanitizedText  string
}

// Decision says whether to deliver a reply and whether to drop its text.
type Decision struct {
	SkipDelivery bool
	SuppressText bool
}

var narrationMarkupPattern = regexp.MustCompile(`(?i)\[\[\s*(?:/?\s*tts\b|audio_as_voice|voice\b)|<\s*(?:speak|prosody|emotion|emote|laugh|laughs|sigh|sighs|chuckle|chuckles)\b`)

// EvaluateDelivery applies the final-only policy. Final replies are always
// delivered. With final-only on, intermediate replies are dropped unless
// they carry media, in which case only the media goes out.
func EvaluateDelivery(p Params) Decision {
	empty := strings.TrimSpace(p.SanitizedText) == ""
	if p.Kind == KindFinal {
		return Decision{SuppressText: empty}
	}
	if p.ReplyFinalOnly {
		if p.HasMedia {
			return Decision{SuppressText: true}
		}
		return Decision{SkipDelivery: true}
	}
	if empty && !p.HasMedia {
		return Decision{SkipDelivery: true}
	}
	return Decision{SuppressText: empty}
}

// ShouldSuppressWhenMediaPresent reports whether the text accompanying a
// media reply is narration for that media (TTS scripts, stage directions)
// rather than a message in its own right.
func ShouldSuppressWhenMediaPresent(raw, cleaned string) bool {
	if strings.TrimSpace(cleaned) == "" {
		return true
	}
	prose := proseOnly(stripThinking(raw))
	if narrationMarkupPattern.MatchString(prose) {
		return true
	}
	return hasStageDirection(prose)
}

func hasStageDirection(prose string) bool {
	return stripStageBrackets(prose) != prose
}
