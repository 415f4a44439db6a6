package video

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mowshon/moviego"

	"skycam-timelapse/internal"
	"skycam-timelapse/internal/logging"
)

// ffmpegSem limits the number of concurrent ffmpeg processes to 1 to avoid
// exhausting system threads on small hosts.
var ffmpegSem = make(chan struct{}, 1)

// Compiler turns a validated frame list plus an optional mixed audio file
// into the final H.264 timelapse.
type Compiler struct {
	cfg    internal.VideoConfig
	outDir string
	log    *logging.Logger
	now    func() time.Time
}

func NewCompiler(cfg internal.VideoConfig, outDir string, log *logging.Logger) *Compiler {
	return &Compiler{cfg: cfg, outDir: outDir, log: log, now: time.Now}
}

// Compile encodes frames at the configured fps, muxes audioPath when given
// and appends the trailing black segment. An empty audioPath compiles silent
// and marks the filename with ".noaudio." before the extension.
func (c *Compiler) Compile(ctx context.Context, frames []string, audioPath string) (string, error) {
	if len(frames) == 0 {
		return "", fmt.Errorf("compile: no frames")
	}
	if err := os.MkdirAll(c.outDir, 0o755); err != nil {
		return "", err
	}

	name := internal.Strftime(c.cfg.FilenamePattern, c.now())
	if audioPath == "" {
		name = insertNoAudioMarker(name)
	}
	outputPath := filepath.Join(c.outDir, name)

	listPath, err := c.writeConcatList(frames)
	if err != nil {
		return "", err
	}
	defer os.Remove(listPath)

	if err := c.runFFmpeg(ctx, listPath, audioPath, outputPath); err != nil {
		return "", err
	}

	if err := c.verify(outputPath); err != nil {
		return "", err
	}
	c.log.Infof("compile: wrote %s (%d frames at %d fps)", outputPath, len(frames), c.cfg.FPS)
	return outputPath, nil
}

// Duration is the playing time of the frame sequence before the black tail.
func (c *Compiler) Duration(frameCount int) float64 {
	return float64(frameCount) / float64(c.cfg.FPS)
}

// writeConcatList emits a concat-demuxer file: one entry per frame with the
// per-frame duration, plus the demuxer's required trailing repeat of the
// final entry.
func (c *Compiler) writeConcatList(frames []string) (string, error) {
	fh, err := os.CreateTemp("", "frames-*.txt")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	frameDur := 1.0 / float64(c.cfg.FPS)
	for _, f := range frames {
		fmt.Fprintf(&b, "file '%s'\nduration %.6f\n", f, frameDur)
	}
	fmt.Fprintf(&b, "file '%s'\n", frames[len(frames)-1])

	if _, err := fh.WriteString(b.String()); err != nil {
		fh.Close()
		os.Remove(fh.Name())
		return "", err
	}
	if err := fh.Close(); err != nil {
		os.Remove(fh.Name())
		return "", err
	}
	return fh.Name(), nil
}

func (c *Compiler) runFFmpeg(ctx context.Context, listPath, audioPath, outputPath string) error {
	// Acquire semaphore – only one ffmpeg process at a time.
	ffmpegSem <- struct{}{}
	defer func() { <-ffmpegSem }()

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
	}
	if audioPath != "" {
		args = append(args, "-i", audioPath)
	}
	args = append(args,
		"-vf", fmt.Sprintf("fps=%d,tpad=stop_duration=%.2f:color=black", c.cfg.FPS, c.cfg.EndBlackS),
		"-c:v", "libx264",
		"-preset", "medium",
		"-pix_fmt", "yuv420p",
	)
	if audioPath != "" {
		args = append(args,
			"-c:a", "aac",
			"-b:a", "192k",
			"-map", "0:v",
			"-map", "1:a",
		)
	}
	args = append(args, "-y", outputPath)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stderr = &stderr

	c.log.Infof("compile: encoding %s", filepath.Base(outputPath))
	if err := cmd.Run(); err != nil {
		errMsg := stderr.String()
		if errMsg == "" {
			errMsg = err.Error()
		}
		return fmt.Errorf("ffmpeg error: %s", errMsg)
	}
	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("ffmpeg did not create output file: %s (%w)", outputPath, err)
	}
	return nil
}

// verify loads the result back to catch truncated or unreadable output
// before the frames are cleaned up.
func (c *Compiler) verify(path string) error {
	vid, err := safeLoadVideo(path)
	if err != nil {
		return fmt.Errorf("compile: verify %s: %w", path, err)
	}
	c.log.Infof("compile: verified %s, duration %.1fs", filepath.Base(path), vid.Duration())
	return nil
}

// safeLoadVideo wraps moviego.Load to catch panics from the library.
func safeLoadVideo(path string) (vid moviego.Video, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("moviego.Load panicked: %v", r)
		}
	}()
	vid, err = moviego.Load(path)
	return
}

// insertNoAudioMarker turns "skylapse.08272026.mp4" into
// "skylapse.08272026.noaudio.mp4".
func insertNoAudioMarker(name string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + ".noaudio" + ext
}
