package transcription

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/codebuildervaibhav/whisperq/internal/types"
)

// Render converts a transcript into the requested output format
func Render(t *types.Transcript, format types.OutputFormat) ([]byte, error) {
	if t == nil || (strings.TrimSpace(t.Text) == "" && !hasSegmentText(t.Segments)) {
		return nil, ErrEmptyTranscript
	}
	segments := t.Segments
	if len(segments) == 0 {
		segments = []types.Segment{{Start: 0, End: t.Duration, Text: t.Text}}
	}

	var out string
	switch format {
	case types.FormatJSON:
		b, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return nil, err
		}
		return b, nil
	case types.FormatSRT:
		blocks := make([]string, 0, len(segments))
		for i, seg := range segments {
			blocks = append(blocks, fmt.Sprintf("%d\n%s --> %s\n%s\n",
				i+1, formatTimestamp(seg.Start, ','), formatTimestamp(seg.End, ','), strings.TrimSpace(seg.Text)))
		}
		out = strings.Join(blocks, "\n")
	case types.FormatVTT:
		blocks := make([]string, 0, len(segments)+1)
		blocks = append(blocks, "WEBVTT\n")
		for _, seg := range segments {
			blocks = append(blocks, fmt.Sprintf("%s --> %s\n%s\n",
				formatTimestamp(seg.Start, '.'), formatTimestamp(seg.End, '.'), strings.TrimSpace(seg.Text)))
		}
		out = strings.Join(blocks, "\n")
	case types.FormatTXT:
		out = strings.TrimSpace(t.Text)
		if out == "" {
			parts := make([]string, 0, len(segments))
			for _, seg := range segments {
				if s := strings.TrimSpace(seg.Text); s != "" {
					parts = append(parts, s)
				}
			}
			out = strings.Join(parts, " ")
		}
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}

	if strings.TrimSpace(out) == "" {
		return nil, ErrEmptyTranscript
	}
	return []byte(out), nil
}

func hasSegmentText(segments []types.Segment) bool {
	for _, s := range segments {
		if strings.TrimSpace(s.Text) != "" {
			return true
		}
	}
	return false
}

// formatTimestamp renders HH:MM:SS<sep>mmm, rounding to the nearest millisecond
func formatTimestamp(seconds float64, sep byte) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int64(math.Round(seconds * 1000))
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms%1000)
}
