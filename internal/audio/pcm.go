package audio

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"skycam-timelapse/internal/logging"
)

// Clip is decoded PCM audio: interleaved float64 samples in [-1, 1].
type Clip struct {
	SampleRate int
	Channels   int
	Samples    []float64
}

func (c *Clip) Duration() float64 {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate*c.Channels)
}

// frames is the number of per-channel sample frames.
func (c *Clip) frames() int {
	if c.Channels == 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Prober reports a track's duration, failing on unreadable files.
type Prober interface {
	Probe(path string) (float64, error)
}

// Decoder turns an audio file into PCM.
type Decoder interface {
	Prober
	Decode(path string) (*Clip, error)
}

const mixSampleRate = 44100

// FFmpeg decodes and probes through the ffmpeg/ffprobe binaries, normalizing
// everything to 44.1 kHz stereo so clips mix sample-for-sample.
type FFmpeg struct {
	log *logging.Logger
}

func NewFFmpeg(log *logging.Logger) *FFmpeg {
	return &FFmpeg{log: log}
}

func (f *FFmpeg) Probe(path string) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", path)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || dur <= 0 {
		return 0, fmt.Errorf("ffprobe %s: bad duration %q", path, strings.TrimSpace(string(out)))
	}
	return dur, nil
}

func (f *FFmpeg) Decode(path string) (*Clip, error) {
	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("decode-%d.wav", time.Now().UnixNano()))
	defer os.Remove(tmp)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-ac", "2",
		"-ar", strconv.Itoa(mixSampleRate),
		"-f", "wav",
		"-y", tmp,
	)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("ffmpeg decode %s: %s", path, msg)
	}
	return ReadWAV(tmp)
}

// ReadWAV loads a WAV file into a Clip.
func ReadWAV(path string) (*Clip, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	dec := wav.NewDecoder(fh)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read wav %s: %w", path, err)
	}
	if buf.Format == nil {
		return nil, fmt.Errorf("read wav %s: missing format", path)
	}

	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float64(int(1) << uint(bitDepth-1))

	clip := &Clip{
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
		Samples:    make([]float64, len(buf.Data)),
	}
	for i, s := range buf.Data {
		clip.Samples[i] = float64(s) / scale
	}
	return clip, nil
}

// WriteWAV stores a Clip as 16-bit PCM.
func WriteWAV(clip *Clip, path string) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fh.Close()

	enc := wav.NewEncoder(fh, clip.SampleRate, 16, clip.Channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: clip.Channels, SampleRate: clip.SampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(clip.Samples)),
	}
	for i, s := range clip.Samples {
		v := math.Max(-1, math.Min(1, s))
		buf.Data[i] = int(v * 32767)
	}
	if err := enc.Write(buf); err != nil {
		enc.Close()
		return fmt.Errorf("write wav %s: %w", path, err)
	}
	return enc.Close()
}
