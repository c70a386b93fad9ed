package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBufferKeepsLastLines(t *testing.T) {
	buf := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		fmt.Fprintf(buf, "line %d\n", i)
	}

	assert.Equal(t, []string{"line 2", "line 3", "line 4"}, buf.Lines())
}

func TestNewWritesToOutputAndBuffer(t *testing.T) {
	var out bytes.Buffer
	buf := NewLogBuffer(10)
	log := Component(New(Options{Level: "debug", Output: &out}, buf), "scheduler")

	log.Info().Str("job_id", "j1").Msg("job enqueued")

	lines := buf.Lines()
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "scheduler", entry["component"])
	assert.Equal(t, "j1", entry["job_id"])
	assert.Equal(t, "job enqueued", entry["message"])
	assert.Contains(t, out.String(), "job enqueued")
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var out bytes.Buffer
	log := New(Options{Level: "warn", Output: &out}, nil)

	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), "shown")
}
