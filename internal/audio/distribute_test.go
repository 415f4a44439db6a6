package audio

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skycam-timelapse/internal/model"
)

const testRate = 100

// fakeDecoder serves pre-built clips by path.
type fakeDecoder struct {
	clips map[string]*Clip
}

func (d *fakeDecoder) Probe(path string) (float64, error) {
	c, ok := d.clips[path]
	if !ok {
		return 0, fmt.Errorf("no clip %s", path)
	}
	return c.Duration(), nil
}

func (d *fakeDecoder) Decode(path string) (*Clip, error) {
	c, ok := d.clips[path]
	if !ok {
		return nil, fmt.Errorf("no clip %s", path)
	}
	return c, nil
}

// constClip is mono PCM holding a constant value, handy for reading gain
// envelopes straight off the mixed output.
func constClip(durS, value float64) *Clip {
	n := int(durS * testRate)
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = value
	}
	return &Clip{SampleRate: testRate, Channels: 1, Samples: samples}
}

func sampleAt(c *Clip, tS float64) float64 {
	return c.Samples[int(tS*testRate)]
}

func newTestDistributor(t *testing.T, clips map[string]*Clip) *Distributor {
	t.Helper()
	return NewDistributor(&fakeDecoder{clips: clips}, testLogger(t))
}

func TestLayout_ExactTargetDuration(t *testing.T) {
	d := newTestDistributor(t, map[string]*Clip{
		"a.mp3": constClip(70, 1),
		"b.mp3": constClip(80, 1),
	})
	tracks := []model.Track{{Path: "a.mp3", DurationS: 70}, {Path: "b.mp3", DurationS: 80}}

	out, err := d.Layout(tracks, 120, 5, 3)
	require.NoError(t, err)
	assert.InDelta(t, 120.0, out.Duration(), 0.001)
	assert.Len(t, out.Samples, 120*testRate)
}

func TestLayout_CrossfadeSumsToUnity(t *testing.T) {
	d := newTestDistributor(t, map[string]*Clip{
		"a.mp3": constClip(70, 1),
		"b.mp3": constClip(80, 1),
	})
	tracks := []model.Track{{Path: "a.mp3", DurationS: 70}, {Path: "b.mp3", DurationS: 80}}

	out, err := d.Layout(tracks, 120, 5, 0)
	require.NoError(t, err)

	// Before, inside and after the 65s..70s overlap the constant signals sum
	// back to full level: linear fade-out of one against linear fade-in of
	// the other.
	assert.InDelta(t, 1.0, sampleAt(out, 30), 0.02)
	assert.InDelta(t, 1.0, sampleAt(out, 66), 0.02)
	assert.InDelta(t, 1.0, sampleAt(out, 68.5), 0.02)
	assert.InDelta(t, 1.0, sampleAt(out, 90), 0.02)
}

func TestLayout_FinalFadeout(t *testing.T) {
	d := newTestDistributor(t, map[string]*Clip{"a.mp3": constClip(130, 1)})
	tracks := []model.Track{{Path: "a.mp3", DurationS: 130}}

	out, err := d.Layout(tracks, 120, 5, 4)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, sampleAt(out, 110), 0.02)
	assert.InDelta(t, 0.5, sampleAt(out, 118), 0.02)
	assert.InDelta(t, 0.0, sampleAt(out, 119.95), 0.05)
}

func TestLayout_LoopsFinalTrackToFill(t *testing.T) {
	d := newTestDistributor(t, map[string]*Clip{"short.mp3": constClip(10, 0.8)})
	tracks := []model.Track{{Path: "short.mp3", DurationS: 10}}

	out, err := d.Layout(tracks, 25, 5, 0)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, out.Duration(), 0.001)

	// Repeats are seamless: full level right across the 10s and 20s joins.
	assert.InDelta(t, 0.8, sampleAt(out, 9.99), 0.02)
	assert.InDelta(t, 0.8, sampleAt(out, 10.01), 0.02)
	assert.InDelta(t, 0.8, sampleAt(out, 20.01), 0.02)
	assert.InDelta(t, 0.8, sampleAt(out, 24.9), 0.02)
}

func TestLayout_NoTracks(t *testing.T) {
	d := newTestDistributor(t, nil)
	_, err := d.Layout(nil, 60, 5, 3)
	require.Error(t, err)
}

func TestDuckGain_Envelope(t *testing.T) {
	const (
		delay = 3.0
		intro = 4.0
		duck  = 0.3
		fade  = 1.5
	)
	tests := []struct {
		t    float64
		want float64
	}{
		{0, 1},
		{1.5, 1},         // fade-down starts here
		{2.25, 0.65},     // halfway down
		{3, 0.3},         // intro starts fully ducked
		{5, 0.3},         // mid-intro
		{7, 0.3},         // intro ends
		{7.75, 0.65},     // halfway back up
		{8.5, 1},         // fully recovered
		{20, 1},
	}
	for _, tc := range tests {
		assert.InDelta(t, tc.want, duckGain(tc.t, delay, intro, duck, fade), 0.001, "t=%.2f", tc.t)
	}
}

func TestDuckGain_ZeroFade(t *testing.T) {
	assert.InDelta(t, 1.0, duckGain(2.9, 3, 4, 0.3, 0), 0.001)
	assert.InDelta(t, 0.3, duckGain(3, 3, 4, 0.3, 0), 0.001)
	assert.InDelta(t, 0.3, duckGain(7, 3, 4, 0.3, 0), 0.001)
	assert.InDelta(t, 1.0, duckGain(7.1, 3, 4, 0.3, 0), 0.001)
}

func TestDuckUnderIntro_OverlaysAndDucks(t *testing.T) {
	d := newTestDistributor(t, map[string]*Clip{"intro.wav": constClip(4, 0.5)})
	bg := constClip(20, 1)

	out, err := d.DuckUnderIntro(bg, SourcePath("intro.wav"), 3, 0.3, 1.5)
	require.NoError(t, err)
	assert.Len(t, out.Samples, len(bg.Samples))

	// Before the duck: untouched background.
	assert.InDelta(t, 1.0, sampleAt(out, 0.5), 0.001)
	// Mid-intro: ducked background plus the overlaid intro.
	assert.InDelta(t, 0.3+0.5, sampleAt(out, 5), 0.01)
	// Well after recovery: untouched background again.
	assert.InDelta(t, 1.0, sampleAt(out, 15), 0.001)
}

func TestDuckUnderIntro_PreparedClip(t *testing.T) {
	d := newTestDistributor(t, nil)
	bg := constClip(10, 1)

	out, err := d.DuckUnderIntro(bg, SourceClip(constClip(2, 0.4)), 1, 0.3, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.3+0.4, sampleAt(out, 2), 0.01)
}

func TestAudioSource_Empty(t *testing.T) {
	d := newTestDistributor(t, nil)
	_, err := d.DuckUnderIntro(constClip(5, 1), AudioSource{}, 1, 0.3, 0.5)
	require.Error(t, err)
	assert.True(t, AudioSource{}.IsZero())
	assert.False(t, SourcePath("x").IsZero())
}
