package transcription

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebuildervaibhav/whisperq/internal/types"
)

func sampleTranscript() *types.Transcript {
	return &types.Transcript{
		Text:     " Hello there. General Kenobi. ",
		Language: "en",
		Duration: 3725.5,
		Segments: []types.Segment{
			{Start: 0, End: 2.5, Text: " Hello there."},
			{Start: 3661.0426, End: 3725.5, Text: "General Kenobi. "},
		},
	}
}

func TestRenderSRT(t *testing.T) {
	out, err := Render(sampleTranscript(), types.FormatSRT)
	require.NoError(t, err)
	want := "1\n00:00:00,000 --> 00:00:02,500\nHello there.\n" +
		"\n" +
		"2\n01:01:01,043 --> 01:02:05,500\nGeneral Kenobi.\n"
	assert.Equal(t, want, string(out))
}

func TestRenderVTT(t *testing.T) {
	out, err := Render(sampleTranscript(), types.FormatVTT)
	require.NoError(t, err)
	want := "WEBVTT\n" +
		"\n" +
		"00:00:00.000 --> 00:00:02.500\nHello there.\n" +
		"\n" +
		"01:01:01.043 --> 01:02:05.500\nGeneral Kenobi.\n"
	assert.Equal(t, want, string(out))
}

func TestRenderTXTAndJSON(t *testing.T) {
	out, err := Render(sampleTranscript(), types.FormatTXT)
	require.NoError(t, err)
	assert.Equal(t, "Hello there. General Kenobi.", string(out))

	out, err = Render(sampleTranscript(), types.FormatJSON)
	require.NoError(t, err)
	var decoded types.Transcript
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "en", decoded.Language)
	assert.Len(t, decoded.Segments, 2)
	assert.Contains(t, string(out), "\n  \"text\"", "indented")
}

func TestRenderWithoutSegments(t *testing.T) {
	tr := &types.Transcript{Text: "just text", Duration: 4}
	out, err := Render(tr, types.FormatSRT)
	require.NoError(t, err)
	assert.Equal(t, "1\n00:00:00,000 --> 00:00:04,000\njust text\n", string(out))
}

func TestRenderTXTFallsBackToSegments(t *testing.T) {
	tr := &types.Transcript{Segments: []types.Segment{{Text: "one"}, {Text: " "}, {Text: "two"}}}
	out, err := Render(tr, types.FormatTXT)
	require.NoError(t, err)
	assert.Equal(t, "one two", string(out))
}

func TestRenderEmpty(t *testing.T) {
	for _, f := range []types.OutputFormat{types.FormatJSON, types.FormatSRT, types.FormatVTT, types.FormatTXT} {
		_, err := Render(&types.Transcript{Text: "  ", Segments: []types.Segment{{Text: ""}}}, f)
		assert.ErrorIs(t, err, ErrEmptyTranscript, f)
	}
	_, err := Render(nil, types.FormatTXT)
	assert.ErrorIs(t, err, ErrEmptyTranscript)
}

func TestFormatTimestamp(t *testing.T) {
	assert.Equal(t, "00:00:00,000", formatTimestamp(-1, ','))
	assert.Equal(t, "00:00:59,999", formatTimestamp(59.9994, ','))
	assert.Equal(t, "00:01:00.000", formatTimestamp(59.9996, '.'))
	assert.Equal(t, "27:46:40,000", formatTimestamp(100000, ','))
}
