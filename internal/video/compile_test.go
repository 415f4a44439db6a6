package video

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skycam-timelapse/internal"
)

// stubFFmpegOnPath shadows ffmpeg with a script that writes its last argument
// (the output path) and exits cleanly.
func stubFFmpegOnPath(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	script := "#!/bin/sh\nfor last in \"$@\"; do :; done\nprintf 'encoded' > \"$last\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ffmpeg"), []byte(script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func newTestCompiler(t *testing.T) *Compiler {
	t.Helper()
	cfg := internal.VideoConfig{
		FPS:             10,
		FilenamePattern: "skylapse.%m%d%Y.mp4",
		EndBlackS:       3,
	}
	return NewCompiler(cfg, t.TempDir(), testLogger(t))
}

func TestRunFFmpeg_WritesOutput(t *testing.T) {
	stubFFmpegOnPath(t)
	c := newTestCompiler(t)

	listPath := filepath.Join(t.TempDir(), "frames.txt")
	require.NoError(t, os.WriteFile(listPath, []byte("file 'a.jpg'\n"), 0o644))
	outputPath := filepath.Join(t.TempDir(), "out.mp4")

	require.NoError(t, c.runFFmpeg(context.Background(), listPath, "", outputPath))
	assert.FileExists(t, outputPath)
}

func TestRunFFmpeg_RefusesCanceledContext(t *testing.T) {
	stubFFmpegOnPath(t)
	c := newTestCompiler(t)

	listPath := filepath.Join(t.TempDir(), "frames.txt")
	require.NoError(t, os.WriteFile(listPath, []byte("file 'a.jpg'\n"), 0o644))
	outputPath := filepath.Join(t.TempDir(), "out.mp4")

	// The encode must always be handed a live context; a canceled one never
	// starts the process.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.runFFmpeg(ctx, listPath, "", outputPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context canceled")
	assert.NoFileExists(t, outputPath)
}

func TestWriteConcatList_RepeatsFinalFrame(t *testing.T) {
	c := newTestCompiler(t)
	listPath, err := c.writeConcatList([]string{"/tmp/a.jpg", "/tmp/b.jpg"})
	require.NoError(t, err)
	defer os.Remove(listPath)

	content, err := os.ReadFile(listPath)
	require.NoError(t, err)
	assert.Equal(t,
		"file '/tmp/a.jpg'\nduration 0.100000\n"+
			"file '/tmp/b.jpg'\nduration 0.100000\n"+
			"file '/tmp/b.jpg'\n",
		string(content))
}
