package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Canonical engine input: 16kHz mono 16-bit PCM
const (
	canonicalCodec      = "pcm_s16le"
	canonicalSampleRate = 16000
	canonicalChannels   = 1
)

// AudioInfo is the probed description of a media file
type AudioInfo struct {
	Duration   float64
	Codec      string
	SampleRate int
	Channels   int
}

// IsCanonical reports whether the file can be fed to the engine as is
func (a AudioInfo) IsCanonical() bool {
	return a.Codec == canonicalCodec && a.SampleRate == canonicalSampleRate && a.Channels == canonicalChannels
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
		Duration   string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeAudio reads duration and the first audio stream with ffprobe
func ProbeAudio(ctx context.Context, runner CommandRunner, ffprobe, path string) (AudioInfo, error) {
	// ffprobe can log decoder errors and still exit 0; only stdout is JSON
	var out bytes.Buffer
	cmd := Command{
		Name:   ffprobe,
		Args:   []string{"-v", "error", "-print_format", "json", "-show_format", "-show_streams", path},
		Stdout: &out,
	}
	res, err := runner.Run(ctx, cmd)
	if err != nil || res.ExitCode != 0 {
		return AudioInfo{}, commandError(StageProbe, cmd, res, err)
	}

	info, err := parseProbe(out.Bytes())
	if err != nil {
		return AudioInfo{}, stageError(StageProbe, err, "unreadable ffprobe output: %v", err)
	}
	if info.Duration <= 0 {
		return AudioInfo{}, stageError(StageProbe, nil, "media has zero duration")
	}
	return info, nil
}

func parseProbe(data []byte) (AudioInfo, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(data, &probe); err != nil {
		return AudioInfo{}, err
	}

	var info AudioInfo
	streamDuration := ""
	found := false
	for _, s := range probe.Streams {
		if s.CodecType != "audio" {
			continue
		}
		info.Codec = s.CodecName
		info.SampleRate, _ = strconv.Atoi(s.SampleRate)
		info.Channels = s.Channels
		streamDuration = s.Duration
		found = true
		break
	}
	if !found {
		return AudioInfo{}, fmt.Errorf("no audio stream")
	}

	for _, d := range []string{probe.Format.Duration, streamDuration} {
		if v, err := strconv.ParseFloat(d, 64); err == nil && v > 0 {
			info.Duration = v
			break
		}
	}
	return info, nil
}

// NormalizeAudio converts any audio file to 16kHz mono WAV format
func NormalizeAudio(ctx context.Context, runner CommandRunner, ffmpeg, inputPath, outputPath string) error {
	cmd := Command{
		Name: ffmpeg,
		Args: []string{
			"-hide_banner", "-loglevel", "error",
			"-i", inputPath,
			"-ar", strconv.Itoa(canonicalSampleRate),
			"-ac", strconv.Itoa(canonicalChannels),
			"-c:a", canonicalCodec,
			"-y",
			outputPath,
		},
	}
	res, err := runner.Run(ctx, cmd)
	if err != nil || res.ExitCode != 0 {
		return commandError(StageNormalize, cmd, res, err)
	}
	return nil
}

// ValidateAudioFormat checks if the file format is supported
func ValidateAudioFormat(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	supportedFormats := []string{".mp3", ".wav", ".m4a", ".ogg", ".flac", ".webm", ".aac", ".wma", ".mp4"}

	for _, format := range supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}

// sourceExtension picks the scratch file extension for a source reference.
// ffprobe sniffs content, so unknown extensions only lose the hint.
func sourceExtension(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	if ValidateAudioFormat(ref) {
		return strings.ToLower(filepath.Ext(ref))
	}
	return ".media"
}
