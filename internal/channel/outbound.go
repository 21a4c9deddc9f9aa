package channel

import (
	"strings"
	"unicode/utf8"
)

// ChunkerMode selects the text chunking strategy.
type ChunkerMode string

const (
	ChunkerModeText     ChunkerMode = "text"
	ChunkerModeMarkdown ChunkerMode = "markdown"
)

// OutboundOrder controls the delivery order of text and media messages.
type OutboundOrder string

const (
	OutboundOrderMediaFirst OutboundOrder = "media_first"
	OutboundOrderTextFirst  OutboundOrder = "text_first"
)

// Chunker splits text into pieces that respect a character limit.
type Chunker func(text string, limit int) []string

// OutboundPolicy configures how outbound messages are chunked and ordered.
type OutboundPolicy struct {
	TextChunkLimit int           `json:"text_chunk_limit,omitempty"`
	ChunkerMode    ChunkerMode   `json:"chunker_mode,omitempty"`
	Chunker        Chunker       `json:"-"`
	MediaOrder     OutboundOrder `json:"media_order,omitempty"`
}

// NormalizeOutboundPolicy fills zero-value fields with sensible defaults.
func NormalizeOutboundPolicy(policy OutboundPolicy) OutboundPolicy {
	if policy.TextChunkLimit <= 0 {
		policy.TextChunkLimit = 2000
	}
	if policy.MediaOrder == "" {
		policy.MediaOrder = OutboundOrderMediaFirst
	}
	if policy.ChunkerMode == "" {
		policy.ChunkerMode = ChunkerModeText
	}
	if policy.Chunker == nil {
		policy.Chunker = DefaultChunker(policy.ChunkerMode)
	}
	return policy
}

// DefaultChunker returns the built-in Chunker for the given mode.
func DefaultChunker(mode ChunkerMode) Chunker {
	switch mode {
	case ChunkerModeMarkdown:
		return ChunkMarkdownText
	default:
		return ChunkText
	}
}

// ChunkText splits text at newline boundaries, respecting the rune limit.
// A single line over the limit is cut into rune windows.
func ChunkText(text string, limit int) []string {
	return chunkBySeparator(text, "\n", limit, splitLongLine)
}

// ChunkMarkdownText splits text at paragraph boundaries (double newlines).
// A paragraph over the limit falls back to ChunkText so fenced blocks keep
// their line structure where possible.
func ChunkMarkdownText(text string, limit int) []string {
	return chunkBySeparator(text, "\n\n", limit, ChunkText)
}

// chunkBySeparator packs sep-delimited pieces greedily into chunks of at most
// limit runes. Pieces that cannot fit on their own are handed to overflow.
func chunkBySeparator(text, sep string, limit int, overflow Chunker) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	sepLen := runeLen(sep)
	var (
		chunks  []string
		current strings.Builder
		size    int
		pieces  int
	)
	flush := func() {
		if pieces > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			size, pieces = 0, 0
		}
	}
	for _, piece := range strings.Split(trimmed, sep) {
		n := runeLen(piece)
		switch {
		case pieces > 0 && size+sepLen+n <= limit:
			current.WriteString(sep)
			current.WriteString(piece)
			size += sepLen + n
			pieces++
		case n <= limit:
			flush()
			current.WriteString(piece)
			size, pieces = n, 1
		default:
			flush()
			chunks = append(chunks, overflow(piece, limit)...)
		}
	}
	flush()
	return chunks
}

func runeLen(value string) int {
	return utf8.RuneCountInString(value)
}

func splitLongLine(line string, limit int) []string {
	if limit <= 0 {
		return []string{line}
	}
	runes := []rune(line)
	chunks := make([]string, 0)
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		segment := strings.TrimSpace(string(runes[start:end]))
		if segment == "" {
			continue
		}
		chunks = append(chunks, segment)
	}
	return chunks
}

// chunkOutboundText splits reply text according to policy. Markdown messages
// always use the paragraph-aware chunker.
func chunkOutboundText(text string, format MessageFormat, policy OutboundPolicy) []string {
	chunker := policy.Chunker
	if format == MessageFormatMarkdown {
		chunker = ChunkMarkdownText
	}
	chunks := chunker(text, policy.TextChunkLimit)
	out := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk = strings.TrimSpace(chunk); chunk != "" {
			out = append(out, chunk)
		}
	}
	return out
}
