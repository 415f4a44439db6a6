package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skycam-timelapse/internal/model"
)

type fakeCatalog struct {
	picks     int
	downloads int
	fail      bool
	duration  float64
}

func (c *fakeCatalog) Term() string { return "calm" }

func (c *fakeCatalog) PickTrack(context.Context, string) (*model.TrackMeta, error) {
	c.picks++
	if c.fail {
		return nil, errors.New("catalog unreachable")
	}
	return &model.TrackMeta{
		SourceURL: fmt.Sprintf("https://cdn.example.com/t%d.mp3", c.picks),
		DurationS: c.duration,
		Name:      fmt.Sprintf("track %d", c.picks),
	}, nil
}

func (c *fakeCatalog) Download(_ context.Context, track *model.TrackMeta, destDir string) (string, error) {
	c.downloads++
	dest := filepath.Join(destDir, filepath.Base(track.SourceURL))
	if err := os.WriteFile(dest, []byte("mp3"), 0o644); err != nil {
		return "", err
	}
	return dest, nil
}

type silentNotifier struct{ sent []string }

func (n *silentNotifier) Send(_ context.Context, m string)     { n.sent = append(n.sent, m) }
func (n *silentNotifier) SendHigh(_ context.Context, m string) { n.sent = append(n.sent, m) }

func newTestAcquirer(t *testing.T, cat Catalog, prober Prober, cacheDir string) (*Acquirer, *silentNotifier) {
	t.Helper()
	log := testLogger(t)
	cache := NewCache(cacheDir, 10, prober, log)
	notifier := &silentNotifier{}
	return NewAcquirer(cat, cache, prober, t.TempDir(), notifier, log), notifier
}

func TestAcquire_LiveTracksCoverTarget(t *testing.T) {
	cat := &fakeCatalog{duration: 70}
	a, _ := newTestAcquirer(t, cat, &fakeProber{durations: map[string]float64{"t": 70}}, t.TempDir())

	tracks, err := a.Acquire(context.Background(), 60)
	require.NoError(t, err)
	// One 70s track covers 60s, but the acquirer still wants two for variety.
	require.Len(t, tracks, 2)
	total := 0.0
	for _, tr := range tracks {
		total += tr.DurationS
	}
	assert.GreaterOrEqual(t, total, 60.0)
}

func TestAcquire_FallsBackToCache(t *testing.T) {
	cacheDir := t.TempDir()
	prober := &fakeProber{durations: map[string]float64{"cached": 90}}

	// Seed the cache directly; the live catalog is down.
	path := filepath.Join(cacheDir, "cached_song.mp3")
	require.NoError(t, os.WriteFile(path, []byte("mp3"), 0o644))
	mtime := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	cat := &fakeCatalog{fail: true}
	a, notifier := newTestAcquirer(t, cat, prober, cacheDir)

	tracks, err := a.Acquire(context.Background(), 60)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.InDelta(t, 90.0, tracks[0].DurationS, 0.001)

	// Live attempts are capped, and the operator hears about the fallback.
	assert.Equal(t, maxLiveAttempts, cat.picks)
	require.NotEmpty(t, notifier.sent)
	assert.Contains(t, notifier.sent[0], "cached")
}

func TestAcquire_StitchesMultipleCachedTracks(t *testing.T) {
	cacheDir := t.TempDir()
	prober := &fakeProber{durations: map[string]float64{"part": 40}}

	// No single cached track covers 60s, so the fallback stitches.
	for _, name := range []string{"cached_part1.mp3", "cached_part2.mp3"} {
		path := filepath.Join(cacheDir, name)
		require.NoError(t, os.WriteFile(path, []byte("mp3"), 0o644))
		mtime := time.Now().Add(-time.Hour)
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}

	cat := &fakeCatalog{fail: true}
	a, notifier := newTestAcquirer(t, cat, prober, cacheDir)

	tracks, err := a.Acquire(context.Background(), 60)
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	total := 0.0
	for _, tr := range tracks {
		total += tr.DurationS
	}
	assert.InDelta(t, 80.0, total, 0.001)
	require.NotEmpty(t, notifier.sent)
	assert.Contains(t, notifier.sent[0], "2 cached tracks")
}

func TestAcquire_NothingAvailable(t *testing.T) {
	cat := &fakeCatalog{fail: true}
	a, _ := newTestAcquirer(t, cat, &fakeProber{}, t.TempDir())

	_, err := a.Acquire(context.Background(), 60)
	require.ErrorIs(t, err, ErrNoAudio)
}

func TestAcquire_PartialLiveBeatsNothing(t *testing.T) {
	// Catalog delivers once, then dies; cache is empty.
	cat := &flakyOnceCatalog{duration: 40}
	a, _ := newTestAcquirer(t, cat, &fakeProber{durations: map[string]float64{"t": 40}}, t.TempDir())

	tracks, err := a.Acquire(context.Background(), 300)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.InDelta(t, 40.0, tracks[0].DurationS, 0.001)
}

// flakyOnceCatalog succeeds on the first pick only.
type flakyOnceCatalog struct {
	picks    int
	duration float64
}

func (c *flakyOnceCatalog) Term() string { return "calm" }

func (c *flakyOnceCatalog) PickTrack(context.Context, string) (*model.TrackMeta, error) {
	c.picks++
	if c.picks > 1 {
		return nil, errors.New("catalog unreachable")
	}
	return &model.TrackMeta{SourceURL: "https://cdn.example.com/t1.mp3", DurationS: c.duration}, nil
}

func (c *flakyOnceCatalog) Download(_ context.Context, track *model.TrackMeta, destDir string) (string, error) {
	dest := filepath.Join(destDir, filepath.Base(track.SourceURL))
	if err := os.WriteFile(dest, []byte("mp3"), 0o644); err != nil {
		return "", err
	}
	return dest, nil
}
