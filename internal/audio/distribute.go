package audio

import (
	"errors"
	"fmt"
	"math"

	"skycam-timelapse/internal/logging"
	"skycam-timelapse/internal/model"
)

// AudioSource is a tagged variant: either a file path or an already prepared
// clip. It is resolved exactly once, at the top of the distributor call that
// consumes it.
type AudioSource struct {
	path string
	clip *Clip
}

func SourcePath(p string) AudioSource { return AudioSource{path: p} }
func SourceClip(c *Clip) AudioSource  { return AudioSource{clip: c} }
func (s AudioSource) IsZero() bool    { return s.path == "" && s.clip == nil }

func (s AudioSource) resolve(dec Decoder) (*Clip, error) {
	if s.clip != nil {
		return s.clip, nil
	}
	if s.path == "" {
		return nil, errors.New("audio: empty source")
	}
	if dec == nil {
		return nil, errors.New("audio: no decoder for path source")
	}
	return dec.Decode(s.path)
}

// Distributor lays acquired tracks out across the video duration with
// crossfades and shapes the mix under an optional spoken intro.
type Distributor struct {
	dec Decoder
	log *logging.Logger
}

func NewDistributor(dec Decoder, log *logging.Logger) *Distributor {
	return &Distributor{dec: dec, log: log}
}

type placement struct {
	clip     *Clip
	startS   float64
	fadeInS  float64
	fadeOutS float64
}

// Layout places tracks sequentially, pulling each start back by
// crossfadeSeconds to overlap with the previous tail. A short timeline is
// filled by looping the final track (seamlessly, before any later overlay
// work); a long one is trimmed. The output duration equals targetDuration.
func (d *Distributor) Layout(tracks []model.Track, targetDuration, crossfadeSeconds, fadeoutSeconds float64) (*Clip, error) {
	if len(tracks) == 0 {
		return nil, errors.New("audio: no tracks to lay out")
	}

	clips := make([]*Clip, len(tracks))
	for i, t := range tracks {
		c, err := d.dec.Decode(t.Path)
		if err != nil {
			return nil, fmt.Errorf("audio: decode %s: %w", t.Path, err)
		}
		clips[i] = c
	}

	sr := clips[0].SampleRate
	ch := clips[0].Channels
	for i, c := range clips[1:] {
		if c.SampleRate != sr || c.Channels != ch {
			return nil, fmt.Errorf("audio: clip %d format mismatch (%d Hz/%d ch vs %d Hz/%d ch)",
				i+1, c.SampleRate, c.Channels, sr, ch)
		}
	}

	plan := d.plan(clips, targetDuration, crossfadeSeconds)

	outFrames := int(math.Round(targetDuration * float64(sr)))
	out := &Clip{
		SampleRate: sr,
		Channels:   ch,
		Samples:    make([]float64, outFrames*ch),
	}
	for _, p := range plan {
		mixInto(out, p, sr, ch)
	}

	applyFadeout(out, fadeoutSeconds)
	d.log.Infof("audio: laid out %d tracks over %.1fs (%d placements)", len(tracks), targetDuration, len(plan))
	return out, nil
}

// plan computes placements: sequential with crossfade overlap, then loop
// repeats of the final clip until the target is covered.
func (d *Distributor) plan(clips []*Clip, target, crossfade float64) []placement {
	var plan []placement
	cursor := 0.0
	for i, c := range clips {
		cf := crossfade
		if i == 0 {
			cf = 0
		} else {
			// Never overlap more than either neighbor can give.
			cf = math.Min(cf, math.Min(clips[i-1].Duration(), c.Duration()))
			cursor -= cf
		}
		fadeOut := 0.0
		if i < len(clips)-1 {
			fadeOut = math.Min(crossfade, math.Min(c.Duration(), clips[i+1].Duration()))
		}
		plan = append(plan, placement{clip: c, startS: cursor, fadeInS: cf, fadeOutS: fadeOut})
		cursor += c.Duration()
	}

	// Loop the final track, not the whole sequence, to fill a shortfall.
	last := clips[len(clips)-1]
	for cursor < target && last.Duration() > 0 {
		plan = append(plan, placement{clip: last, startS: cursor})
		cursor += last.Duration()
	}
	return plan
}

func mixInto(out *Clip, p placement, sr, ch int) {
	startFrame := int(math.Round(p.startS * float64(sr)))
	outFrames := len(out.Samples) / ch
	clipFrames := p.clip.frames()
	clipDur := p.clip.Duration()

	for f := 0; f < clipFrames; f++ {
		of := startFrame + f
		if of < 0 {
			continue
		}
		if of >= outFrames {
			break
		}
		t := float64(f) / float64(sr)
		gain := 1.0
		if p.fadeInS > 0 && t < p.fadeInS {
			gain *= t / p.fadeInS
		}
		if p.fadeOutS > 0 {
			if remain := clipDur - t; remain < p.fadeOutS {
				gain *= remain / p.fadeOutS
			}
		}
		for c := 0; c < ch; c++ {
			out.Samples[of*ch+c] += p.clip.Samples[f*ch+c] * gain
		}
	}
}

func applyFadeout(out *Clip, fadeout float64) {
	if fadeout <= 0 {
		return
	}
	sr := out.SampleRate
	ch := out.Channels
	frames := len(out.Samples) / ch
	total := out.Duration()
	for f := 0; f < frames; f++ {
		remain := total - float64(f)/float64(sr)
		if remain >= fadeout {
			continue
		}
		gain := remain / fadeout
		for c := 0; c < ch; c++ {
			out.Samples[f*ch+c] *= gain
		}
	}
}

// DuckUnderIntro lowers the background under a spoken intro clip and overlays
// the intro additively. The gain envelope has four segments: full volume,
// linear fade down to duckLevel, hold through the intro, linear fade back up.
// Callers must finish any background looping first; the summed result no
// longer loops seamlessly.
func (d *Distributor) DuckUnderIntro(bg *Clip, intro AudioSource, startDelay, duckLevel, fadeDuration float64) (*Clip, error) {
	introClip, err := intro.resolve(d.dec)
	if err != nil {
		return nil, err
	}
	if introClip.SampleRate != bg.SampleRate || introClip.Channels != bg.Channels {
		return nil, fmt.Errorf("audio: intro format mismatch (%d Hz/%d ch vs %d Hz/%d ch)",
			introClip.SampleRate, introClip.Channels, bg.SampleRate, bg.Channels)
	}

	sr := bg.SampleRate
	ch := bg.Channels
	introDur := introClip.Duration()

	out := &Clip{SampleRate: sr, Channels: ch, Samples: make([]float64, len(bg.Samples))}
	frames := len(bg.Samples) / ch
	for f := 0; f < frames; f++ {
		t := float64(f) / float64(sr)
		g := duckGain(t, startDelay, introDur, duckLevel, fadeDuration)
		for c := 0; c < ch; c++ {
			out.Samples[f*ch+c] = bg.Samples[f*ch+c] * g
		}
	}

	startFrame := int(math.Round(startDelay * float64(sr)))
	introFrames := introClip.frames()
	for f := 0; f < introFrames; f++ {
		of := startFrame + f
		if of < 0 || of >= frames {
			continue
		}
		for c := 0; c < ch; c++ {
			out.Samples[of*ch+c] += introClip.Samples[f*ch+c]
		}
	}

	d.log.Infof("audio: ducked background to %.0f%% under %.1fs intro at %.1fs", duckLevel*100, introDur, startDelay)
	return out, nil
}

// duckGain is the four-segment envelope, continuous at every boundary.
func duckGain(t, startDelay, introDur, duckLevel, fade float64) float64 {
	if fade <= 0 {
		if t >= startDelay && t <= startDelay+introDur {
			return duckLevel
		}
		return 1
	}
	fadeDownStart := startDelay - fade
	fadeUpEnd := startDelay + introDur + fade
	switch {
	case t < fadeDownStart:
		return 1
	case t < startDelay:
		progress := (t - fadeDownStart) / fade
		return 1 - progress*(1-duckLevel)
	case t <= startDelay+introDur:
		return duckLevel
	case t < fadeUpEnd:
		progress := (t - startDelay - introDur) / fade
		return duckLevel + progress*(1-duckLevel)
	default:
		return 1
	}
}
