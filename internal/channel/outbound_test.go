package channel

import (
	"strings"
	"testing"
)

func TestNormalizeOutboundPolicyDefaults(t *testing.T) {
	t.Parallel()

	policy := NormalizeOutboundPolicy(OutboundPolicy{})
	if policy.TextChunkLimit != 2000 {
		t.Fatalf("unexpected chunk limit: %d", policy.TextChunkLimit)
	}
	if policy.MediaOrder != OutboundOrderMediaFirst {
		t.Fatalf("unexpected media order: %s", policy.MediaOrder)
	}
	if policy.ChunkerMode != ChunkerModeText || policy.Chunker == nil {
		t.Fatalf("expected text chunker")
	}

	custom := NormalizeOutboundPolicy(OutboundPolicy{TextChunkLimit: 10, MediaOrder: OutboundOrderTextFirst})
	if custom.TextChunkLimit != 10 || custom.MediaOrder != OutboundOrderTextFirst {
		t.Fatalf("explicit values should be kept: %+v", custom)
	}
}

func TestChunkText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{name: "empty", text: "   ", limit: 10, want: nil},
		{name: "fits", text: "hello", limit: 10, want: []string{"hello"}},
		{name: "splits on lines", text: "aaaa\nbbbb\ncccc", limit: 9, want: []string{"aaaa\nbbbb", "cccc"}},
		{name: "long line split by runes", text: "一二三四五六七", limit: 3, want: []string{"一二三", "四五六", "七"}},
		{name: "no limit", text: "abc\ndef", limit: 0, want: []string{"abc\ndef"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ChunkText(tt.text, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Fatalf("ChunkText(%q, %d) = %q, want %q", tt.text, tt.limit, got, tt.want)
			}
		})
	}
}

func TestChunkMarkdownTextKeepsParagraphs(t *testing.T) {
	t.Parallel()

	text := "# Title\n\nfirst paragraph\n\nsecond paragraph"
	got := ChunkMarkdownText(text, 25)
	want := []string{"# Title\n\nfirst paragraph", "second paragraph"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected chunks %q", got)
	}
}

func TestChunkOutboundTextUsesMarkdownChunker(t *testing.T) {
	t.Parallel()

	policy := NormalizeOutboundPolicy(OutboundPolicy{TextChunkLimit: 12})
	text := "para one\n\npara two"
	plain := chunkOutboundText(text, MessageFormatPlain, policy)
	markdown := chunkOutboundText(text, MessageFormatMarkdown, policy)
	if len(plain) != 2 || plain[0] != "para one" || plain[1] != "para two" {
		t.Fatalf("unexpected plain chunks %q", plain)
	}
	if len(markdown) != 2 || markdown[0] != "para one" {
		t.Fatalf("unexpected markdown chunks %q", markdown)
	}
}

func TestChunkTextKeepsBlankLines(t *testing.T) {
	t.Parallel()

	got := ChunkText("ab\n\ncd\nefghij", 6)
	want := []string{"ab\n\ncd", "efghij"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected chunks %q", got)
	}
}
