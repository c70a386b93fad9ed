package transcription

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunnerStreamsLines(t *testing.T) {
	requireShell(t)

	var mu sync.Mutex
	var lines []string
	pid := 0
	res, err := (&ExecRunner{}).Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", `printf 'progress = 10%%\rprogress = 20%%\n'; echo oops 1>&2; exit 3`},
		OnLine: func(line string) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, line)
		},
		OnStart: func(p int) { pid = p },
	})

	require.Error(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, []string{"progress = 10%", "progress = 20%", "oops"}, lines)
	assert.Equal(t, "progress = 10%\nprogress = 20%\noops", res.Output)
	assert.NotZero(t, pid)
}

func TestExecRunnerKillsOnCancel(t *testing.T) {
	requireShell(t)

	cause := context.DeadlineExceeded
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := (&ExecRunner{WaitDelay: time.Second}).Run(ctx, Command{Name: "sh", Args: []string{"-c", "sleep 10"}})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecRunnerMissingBinary(t *testing.T) {
	res, err := (&ExecRunner{}).Run(context.Background(), Command{Name: "definitely-not-a-real-binary-xyz"})
	assert.Error(t, err)
	assert.Equal(t, -1, res.ExitCode)
}

func TestLineWriterKeepsTail(t *testing.T) {
	w := &lineWriter{}
	for i := 0; i < outputTailLines+5; i++ {
		w.Write([]byte("line\n"))
	}
	w.Write([]byte("last"))
	w.flush()
	assert.Len(t, w.lines, outputTailLines)
	assert.Equal(t, "last", w.lines[len(w.lines)-1])
}

func TestExecRunnerSeparatesStdout(t *testing.T) {
	requireShell(t)

	var stdout bytes.Buffer
	var lines []string
	res, err := (&ExecRunner{}).Run(context.Background(), Command{
		Name:   "sh",
		Args:   []string{"-c", `echo "[mp3float @ 0x55] Header missing" 1>&2; echo '{"format":{}}'`},
		Stdout: &stdout,
		OnLine: func(line string) { lines = append(lines, line) },
	})

	require.NoError(t, err)
	assert.Equal(t, "{\"format\":{}}\n", stdout.String())
	assert.Equal(t, []string{"[mp3float @ 0x55] Header missing"}, lines)
	assert.Equal(t, "[mp3float @ 0x55] Header missing", res.Output)
}

func TestProbeAudioIgnoresStderrNoise(t *testing.T) {
	requireShell(t)

	script := filepath.Join(t.TempDir(), "ffprobe")
	body := "#!/bin/sh\necho '[mp3float @ 0x55] Header missing' 1>&2\ncat <<'JSON'\n" + probeMP3 + "\nJSON\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	info, err := ProbeAudio(context.Background(), &ExecRunner{}, script, "talk.mp3")
	require.NoError(t, err)
	assert.Equal(t, 541.2, info.Duration)
	assert.Equal(t, "mp3", info.Codec)
}
