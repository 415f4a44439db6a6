package catalog

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skycam-timelapse/internal"
	"skycam-timelapse/internal/logging"
	"skycam-timelapse/internal/model"
)

const (
	searchPageURL = "https://music.example.com/search/calm/"
	bundleURL     = "https://music.example.com/bundle/calm-1.json"
	trackURL      = "https://cdn.example.com/audio/sunset-waves.mp3"
)

const searchPageHTML = `<!doctype html>
<html><head><script>
window.__BOOTSTRAP_URL__ = '/bundle/calm-1.json';
</script></head><body>results</body></html>`

const bundleJSON = `{
  "page": {
    "pages": 1,
    "results": [
      {"name": "Sunset Waves", "duration": 70, "sources": {"src": "https://cdn.example.com/audio/sunset-waves.mp3"}},
      {"name": "Evening Sky", "duration": 95, "sources": {"src": "https://cdn.example.com/audio/evening-sky.mp3"}}
    ]
  }
}`

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New(filepath.Join(t.TempDir(), "errors.log"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func newTestClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	c, err := NewClient(internal.MusicConfig{
		CatalogBaseURL: "https://music.example.com/search/",
		SearchTerms:    []string{"calm"},
	}, testLogger(t))
	require.NoError(t, err)

	mt := httpmock.NewMockTransport()
	c.transport = mt
	c.sleep = func(context.Context, time.Duration) error { return nil }
	c.delay = 0
	c.rnd = rand.New(rand.NewSource(1))
	return c, mt
}

func TestClient_FetchPage(t *testing.T) {
	c, mt := newTestClient(t)
	mt.RegisterResponder("GET", searchPageURL, httpmock.NewStringResponder(200, searchPageHTML))
	mt.RegisterResponder("GET", bundleURL, httpmock.NewStringResponder(200, bundleJSON))

	page, err := c.FetchPage(context.Background(), "calm", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalPages)
	require.Len(t, page.Results, 2)
	assert.Equal(t, "Sunset Waves", page.Results[0].Name)
	assert.InDelta(t, 70.0, page.Results[0].DurationS, 0.001)
	assert.Equal(t, trackURL, page.Results[0].SourceURL)
}

func TestClient_FetchPage_NoBundleURL(t *testing.T) {
	c, mt := newTestClient(t)
	mt.RegisterResponder("GET", searchPageURL, httpmock.NewStringResponder(200, "<html>no bootstrap here</html>"))

	_, err := c.FetchPage(context.Background(), "calm", 1)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestClient_PickTrack(t *testing.T) {
	c, mt := newTestClient(t)
	mt.RegisterResponder("GET", searchPageURL, httpmock.NewStringResponder(200, searchPageHTML))
	mt.RegisterResponder("GET", bundleURL, httpmock.NewStringResponder(200, bundleJSON))

	track, err := c.PickTrack(context.Background(), "calm")
	require.NoError(t, err)
	assert.NotEmpty(t, track.SourceURL)
	assert.Positive(t, track.DurationS)
}

func TestClient_PickTrack_EmptyResults(t *testing.T) {
	c, mt := newTestClient(t)
	mt.RegisterResponder("GET", searchPageURL, httpmock.NewStringResponder(200, searchPageHTML))
	mt.RegisterResponder("GET", bundleURL, httpmock.NewStringResponder(200, `{"page": {"pages": 1, "results": []}}`))

	_, err := c.PickTrack(context.Background(), "calm")
	require.ErrorIs(t, err, ErrExhausted)
}

func TestClient_PickTrack_HTTPFailure(t *testing.T) {
	c, mt := newTestClient(t)
	mt.RegisterResponder("GET", searchPageURL, httpmock.NewStringResponder(503, "unavailable"))

	_, err := c.PickTrack(context.Background(), "calm")
	require.Error(t, err)
}

func TestClient_Download(t *testing.T) {
	c, mt := newTestClient(t)
	body := []byte("mp3-bytes")
	mt.RegisterResponder("GET", trackURL, httpmock.NewBytesResponder(200, body))

	dir := t.TempDir()
	dest, err := c.Download(context.Background(), &model.TrackMeta{SourceURL: trackURL}, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sunset-waves.mp3"), dest)

	written, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, written)
}

func TestClient_Term(t *testing.T) {
	c, _ := newTestClient(t)
	assert.Equal(t, "calm", c.Term())
}
