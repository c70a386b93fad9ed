package transcription

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/codebuildervaibhav/whisperq/internal/config"
	"github.com/codebuildervaibhav/whisperq/internal/types"
)

// Invocation is one engine run over a normalized audio file
type Invocation struct {
	AudioPath string
	OutputDir string
	Model     types.Model
}

// ProgressFunc maps an engine output line to a completion percentage
type ProgressFunc func(line string) (pct float64, ok bool)

// Engine knows how to invoke one speech-to-text CLI and read its output
type Engine interface {
	Name() string
	// Command returns the subprocess to run and the path of the JSON artifact it writes
	Command(inv Invocation) (Command, string)
	// ProgressParser returns a parser for one run over audio of the given length
	ProgressParser(durationSeconds float64) ProgressFunc
	ParseArtifact(data []byte) (*types.Transcript, error)
}

// EngineOptions configures engine invocation
type EngineOptions struct {
	Kind     string
	Command  string
	ModelDir string
	Threads  int
	Device   string
	Language string
}

// NewEngine builds the engine selected by opts.Kind
func NewEngine(opts EngineOptions) (Engine, error) {
	lang := strings.TrimSpace(opts.Language)
	if strings.EqualFold(lang, "auto") {
		lang = ""
	}
	opts.Language = lang

	switch opts.Kind {
	case config.EngineOpenAIWhisper, "":
		if opts.Command == "" {
			opts.Command = "python"
		}
		return &WhisperTranscriber{opts: opts}, nil
	case config.EngineWhisperCpp:
		if opts.Command == "" {
			opts.Command = "whisper-cli"
		}
		return &WhisperCpp{opts: opts}, nil
	}
	return nil, fmt.Errorf("unknown engine %q", opts.Kind)
}

// WhisperTranscriber wraps Python's OpenAI Whisper CLI
type WhisperTranscriber struct {
	opts EngineOptions
}

func (wt *WhisperTranscriber) Name() string { return config.EngineOpenAIWhisper }

func (wt *WhisperTranscriber) Command(inv Invocation) (Command, string) {
	args := []string{"-m", "whisper",
		inv.AudioPath,
		"--model", inv.Model.EngineName(),
		"--output_dir", inv.OutputDir,
		"--output_format", "json",
		"--verbose", "True",
		"--fp16", "False", // CPU compatibility
	}
	if wt.opts.Language != "" {
		args = append(args, "--language", wt.opts.Language)
	}
	if wt.opts.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(wt.opts.Threads))
	}
	if wt.opts.Device != "" {
		args = append(args, "--device", wt.opts.Device)
	}
	if wt.opts.ModelDir != "" {
		args = append(args, "--model_dir", wt.opts.ModelDir)
	}

	base := strings.TrimSuffix(filepath.Base(inv.AudioPath), filepath.Ext(inv.AudioPath))
	return Command{Name: wt.opts.Command, Args: args}, filepath.Join(inv.OutputDir, base+".json")
}

// segmentLine matches verbose output such as "[00:12.340 --> 00:15.000]  text"
var segmentLine = regexp.MustCompile(`^\[(?:(\d+):)?(\d+):(\d+(?:\.\d+)?) --> (?:(\d+):)?(\d+):(\d+(?:\.\d+)?)\]`)

func (wt *WhisperTranscriber) ProgressParser(durationSeconds float64) ProgressFunc {
	return func(line string) (float64, bool) {
		if durationSeconds <= 0 {
			return 0, false
		}
		m := segmentLine.FindStringSubmatch(line)
		if m == nil {
			return 0, false
		}
		end := clockSeconds(m[4], m[5], m[6])
		return clampPercent(end / durationSeconds * 100), true
	}
}

func clockSeconds(h, m, s string) float64 {
	hours, _ := strconv.ParseFloat(h, 64)
	mins, _ := strconv.ParseFloat(m, 64)
	secs, _ := strconv.ParseFloat(s, 64)
	return hours*3600 + mins*60 + secs
}

// WhisperOutput matches Python Whisper's JSON output format
type WhisperOutput struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []WhisperSegment `json:"segments"`
}

// WhisperSegment represents a timestamped segment from Whisper
type WhisperSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func (wt *WhisperTranscriber) ParseArtifact(data []byte) (*types.Transcript, error) {
	var whisperOutput WhisperOutput
	if err := json.Unmarshal(data, &whisperOutput); err != nil {
		return nil, fmt.Errorf("failed to parse whisper JSON: %w", err)
	}

	segments := make([]types.Segment, len(whisperOutput.Segments))
	for i, seg := range whisperOutput.Segments {
		segments[i] = types.Segment{
			Start: seg.Start,
			End:   seg.End,
			Text:  strings.TrimSpace(seg.Text),
		}
	}
	return newTranscript(whisperOutput.Text, whisperOutput.Language, segments), nil
}

// WhisperCpp drives the whisper.cpp command line tool
type WhisperCpp struct {
	opts EngineOptions
}

func (wc *WhisperCpp) Name() string { return config.EngineWhisperCpp }

func (wc *WhisperCpp) Command(inv Invocation) (Command, string) {
	base := filepath.Join(inv.OutputDir, "transcript")
	model := "ggml-" + inv.Model.EngineName() + ".bin"
	if wc.opts.ModelDir != "" {
		model = filepath.Join(wc.opts.ModelDir, model)
	}
	args := []string{
		"-m", model,
		"-f", inv.AudioPath,
		"-oj",
		"-of", base,
		"-pp",
	}
	if wc.opts.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(wc.opts.Threads))
	}
	if wc.opts.Language != "" {
		args = append(args, "-l", wc.opts.Language)
	}
	return Command{Name: wc.opts.Command, Args: args}, base + ".json"
}

var progressLine = regexp.MustCompile(`progress\s*=\s*(\d+(?:\.\d+)?)\s*%`)

func (wc *WhisperCpp) ProgressParser(float64) ProgressFunc {
	return func(line string) (float64, bool) {
		m := progressLine.FindStringSubmatch(line)
		if m == nil {
			return 0, false
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		return clampPercent(v), true
	}
}

type whisperCppOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func (wc *WhisperCpp) ParseArtifact(data []byte) (*types.Transcript, error) {
	var out whisperCppOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse whisper.cpp JSON: %w", err)
	}

	segments := make([]types.Segment, 0, len(out.Transcription))
	texts := make([]string, 0, len(out.Transcription))
	for _, seg := range out.Transcription {
		text := strings.TrimSpace(seg.Text)
		segments = append(segments, types.Segment{
			Start: float64(seg.Offsets.From) / 1000,
			End:   float64(seg.Offsets.To) / 1000,
			Text:  text,
		})
		if text != "" {
			texts = append(texts, text)
		}
	}
	return newTranscript(strings.Join(texts, " "), out.Result.Language, segments), nil
}

func newTranscript(text, language string, segments []types.Segment) *types.Transcript {
	// Duration is the last segment end time until the pipeline overrides it with the probe
	var duration float64
	if len(segments) > 0 {
		duration = segments[len(segments)-1].End
	}
	return &types.Transcript{
		Text:     strings.TrimSpace(text),
		Language: language,
		Duration: duration,
		Segments: segments,
	}
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
