package capture

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skycam-timelapse/internal/model"
)

type scriptedFetcher struct {
	errs  []error // nil entry means success
	calls int
}

func (f *scriptedFetcher) Fetch(context.Context, string) (*model.ImageRecord, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return &model.ImageRecord{Filename: "sky.jpg", SizeBytes: 100}, nil
}

type countingRebuilder struct {
	calls int
	err   error
}

func (r *countingRebuilder) Rebuild(context.Context) error {
	r.calls++
	return r.err
}

// newTestLoop runs on a synthetic clock: every now() call advances one
// second, and sleeps return immediately.
func newTestLoop(t *testing.T, f fetcher, r rebuilder, horizon time.Duration) (*Loop, *Stats, func() time.Time) {
	t.Helper()
	stats := &Stats{}
	start := time.Date(2026, time.August, 27, 12, 0, 0, 0, time.UTC)
	elapsed := 0
	now := func() time.Time {
		elapsed++
		return start.Add(time.Duration(elapsed) * time.Second)
	}
	l := &Loop{
		dl:       f,
		mgr:      r,
		imageURL: "https://cam.example.com/latest.jpg",
		log:      testLogger(t),
		notifier: &recordingNotifier{},
		stats:    stats,
		baseMin:  15, baseMax: 22,
		curMin: 15, curMax: 22,
		rnd:   rand.New(rand.NewSource(1)),
		sleep: func(context.Context, time.Duration) bool { return true },
		now:   now,
	}
	return l, stats, func() time.Time { return start.Add(horizon) }
}

func TestLoop_RunsUntilTarget(t *testing.T) {
	f := &scriptedFetcher{}
	l, stats, target := newTestLoop(t, f, &countingRebuilder{}, 5*time.Second)

	require.NoError(t, l.Run(context.Background(), target()))
	assert.Equal(t, int64(f.calls), stats.ImagesCaptured.Load())
	assert.Positive(t, f.calls)
}

func TestLoop_FailuresNeverTerminate(t *testing.T) {
	f := &scriptedFetcher{errs: []error{
		errors.New("boom"), errors.New("boom"), errors.New("boom"),
		errors.New("boom"), errors.New("boom"), errors.New("boom"),
	}}
	l, stats, target := newTestLoop(t, f, &countingRebuilder{}, 8*time.Second)

	require.NoError(t, l.Run(context.Background(), target()))
	assert.Equal(t, int64(6), stats.ErrorsEncountered.Load())
}

func TestLoop_WidensIntervalAfterConsecutiveFailures(t *testing.T) {
	errs := make([]error, 8)
	for i := range errs {
		errs[i] = errors.New("boom")
	}
	f := &scriptedFetcher{errs: errs}
	l, _, target := newTestLoop(t, f, &countingRebuilder{}, 8*time.Second)

	require.NoError(t, l.Run(context.Background(), target()))
	assert.Greater(t, l.curMin, l.baseMin)
	assert.LessOrEqual(t, l.curMax, maxSleepSeconds)
}

func TestLoop_SuccessResetsInterval(t *testing.T) {
	errs := make([]error, 7)
	for i := range errs {
		errs[i] = errors.New("boom")
	}
	f := &scriptedFetcher{errs: errs} // failures, then successes
	l, _, target := newTestLoop(t, f, &countingRebuilder{}, 12*time.Second)

	require.NoError(t, l.Run(context.Background(), target()))
	assert.Equal(t, l.baseMin, l.curMin)
	assert.Equal(t, l.baseMax, l.curMax)
}

func TestLoop_ForcedRebuildEveryThirdSessionFailure(t *testing.T) {
	errs := make([]error, 7)
	for i := range errs {
		errs[i] = &statusError{code: 403}
	}
	f := &scriptedFetcher{errs: errs}
	reb := &countingRebuilder{}
	l, stats, target := newTestLoop(t, f, reb, 9*time.Second)

	require.NoError(t, l.Run(context.Background(), target()))
	// Session failures 3 and 6 trigger forced rebuilds.
	assert.Equal(t, 2, reb.calls)
	assert.Equal(t, int64(2), stats.SessionRebuilds.Load())
}

func TestLoop_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &scriptedFetcher{}
	l, stats, target := newTestLoop(t, f, &countingRebuilder{}, time.Hour)

	require.NoError(t, l.Run(ctx, target()))
	assert.Zero(t, stats.ImagesCaptured.Load())
	assert.Zero(t, f.calls)
}
