package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/memohai/imbridge/internal/fault"
)

// Transcoder converts audio into a platform codec.
type Transcoder interface {
	Transcode(ctx context.Context, data []byte, fileName, codec string) (out []byte, outName string, err error)
}

// Tools referenced by preset steps.
const (
	ToolFFmpeg      = "ffmpeg"
	ToolSilkEncoder = "silk_encoder"
)

// Step is one external command. Args may use the placeholders {input},
// {output} and {work} (the private working directory).
type Step struct {
	Tool string
	Args []string
}

// Preset is the ordered recipe producing one codec.
type Preset struct {
	Codec string
	Ext   string
	Steps []Step
}

// OpusPreset produces Ogg/Opus voice as accepted by Feishu.
var OpusPreset = Preset{
	Codec: CodecOpus,
	Ext:   ".opus",
	Steps: []Step{
		{Tool: ToolFFmpeg, Args: []string{"-y", "-i", "{input}", "-vn", "-ac", "1", "-ar", "48000", "-c:a", "libopus", "-b:a", "32k", "-f", "ogg", "{output}"}},
	},
}

// AMRPreset produces narrowband AMR as accepted by WeCom voice messages.
var AMRPreset = Preset{
	Codec: CodecAMR,
	Ext:   ".amr",
	Steps: []Step{
		{Tool: ToolFFmpeg, Args: []string{"-y", "-i", "{input}", "-vn", "-ac", "1", "-ar", "8000", "-c:a", "libopencore_amrnb", "-b:a", "12.2k", "{output}"}},
	},
}

// SilkPreset decodes to raw PCM with ffmpeg, then encodes Tencent SILK.
var SilkPreset = Preset{
	Codec: CodecSilk,
	Ext:   ".silk",
	Steps: []Step{
		{Tool: ToolFFmpeg, Args: []string{"-y", "-i", "{input}", "-vn", "-f", "s16le", "-ac", "1", "-ar", "24000", "{work}/audio.pcm"}},
		{Tool: ToolSilkEncoder, Args: []string{"{work}/audio.pcm", "{output}", "-rate", "24000", "-tencent"}},
	},
}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CommandTranscoder runs preset steps in a temporary directory that is
// removed when Transcode returns, whatever the outcome.
type CommandTranscoder struct {
	tools   map[string]string
	presets map[string]Preset
	tempDir string
	run     Runner
}

// TranscoderOption configures a CommandTranscoder.
type TranscoderOption func(*CommandTranscoder)

// WithTempDir sets the parent of the per-call working directories.
func WithTempDir(dir string) TranscoderOption {
	return func(t *CommandTranscoder) {
		t.tempDir = dir
	}
}

// WithRunner replaces command execution.
func WithRunner(run Runner) TranscoderOption {
	return func(t *CommandTranscoder) {
		if run != nil {
			t.run = run
		}
	}
}

// WithPreset adds or replaces the recipe for p.Codec.
func WithPreset(p Preset) TranscoderOption {
	return func(t *CommandTranscoder) {
		t.presets[p.Codec] = p
	}
}

// NewCommandTranscoder builds a transcoder using the given tool binaries.
// Empty paths fall back to the tool name on PATH.
func NewCommandTranscoder(ffmpegPath, silkEncoderPath string, opts ...TranscoderOption) *CommandTranscoder {
	t := &CommandTranscoder{
		tools: map[string]string{
			ToolFFmpeg:      firstNonEmpty(ffmpegPath, "ffmpeg"),
			ToolSilkEncoder: firstNonEmpty(silkEncoderPath, "silk_encoder"),
		},
		presets: map[string]Preset{
			OpusPreset.Codec: OpusPreset,
			AMRPreset.Codec:  AMRPreset,
			SilkPreset.Codec: SilkPreset,
		},
		run: execRunner,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transcode converts data to codec.
func (t *CommandTranscoder) Transcode(ctx context.Context, data []byte, fileName, codec string) ([]byte, string, error) {
	preset, ok := t.presets[strings.ToLower(codec)]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNoPreset, codec)
	}
	if len(data) == 0 {
		return nil, "", ErrEmptySource
	}
	work, err := os.MkdirTemp(t.tempDir, "imbridge-transcode-")
	if err != nil {
		return nil, "", fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(work)
	}()

	input := filepath.Join(work, "input"+filepath.Ext(fileName))
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return nil, "", fmt.Errorf("write transcode input: %w", err)
	}
	output := filepath.Join(work, "output"+preset.Ext)
	replacer := strings.NewReplacer("{input}", input, "{output}", output, "{work}", work)
	for _, step := range preset.Steps {
		bin, ok := t.tools[step.Tool]
		if !ok {
			bin = step.Tool
		}
		args := make([]string, len(step.Args))
		for i, arg := range step.Args {
			args[i] = replacer.Replace(arg)
		}
		if out, err := t.run(ctx, bin, args...); err != nil {
			return nil, "", fmt.Errorf("%s: %w: %s", step.Tool, err, fault.Truncate(out))
		}
	}
	result, err := os.ReadFile(output)
	if err != nil {
		return nil, "", fmt.Errorf("read transcode output: %w", err)
	}
	if len(result) == 0 {
		return nil, "", fmt.Errorf("%s produced empty output", preset.Codec)
	}
	return result, strings.TrimSuffix(filepath.Base(firstNonEmpty(fileName, "voice")), filepath.Ext(fileName)) + preset.Ext, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
