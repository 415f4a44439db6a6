package capture

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"skycam-timelapse/internal"
	"skycam-timelapse/internal/logging"
	"skycam-timelapse/internal/model"
	"skycam-timelapse/internal/notify"
)

// Stats are shared counters: the loop increments, the health monitor reads.
// Increment-only on the writer side, read-only on the reader side, so no
// further coordination is needed.
type Stats struct {
	ImagesCaptured    atomic.Int64
	ErrorsEncountered atomic.Int64
	SessionRebuilds   atomic.Int64
}

type fetcher interface {
	Fetch(ctx context.Context, imageURL string) (*model.ImageRecord, error)
}

type rebuilder interface {
	Rebuild(ctx context.Context) error
}

const (
	widenAfterFailures = 5
	maxSleepSeconds    = 120
)

// Loop drives the downloader at a jittered interval until the target
// wall-clock time or an interrupt. Failure volume never terminates it:
// partial results beat none for a job that runs all day.
type Loop struct {
	dl       fetcher
	mgr      rebuilder
	imageURL string
	log      *logging.Logger
	notifier notify.Notifier
	stats    *Stats

	baseMin, baseMax int
	curMin, curMax   int

	consecutiveFailures int
	sessionFailures     int

	rnd   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) bool
	now   func() time.Time
}

func NewLoop(dl *Downloader, mgr *SessionManager, cfg internal.CaptureConfig, notifier notify.Notifier, log *logging.Logger, stats *Stats) *Loop {
	return &Loop{
		dl:       dl,
		mgr:      mgr,
		imageURL: cfg.ImageURL,
		log:      log,
		notifier: notifier,
		stats:    stats,
		baseMin:  cfg.IntervalMinS,
		baseMax:  cfg.IntervalMaxS,
		curMin:   cfg.IntervalMinS,
		curMax:   cfg.IntervalMaxS,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepLoop,
		now:      time.Now,
	}
}

// Run captures until target or ctx cancellation. It always returns nil:
// whatever images exist when it stops are the run's result, and the caller
// proceeds to compile them.
func (l *Loop) Run(ctx context.Context, target time.Time) error {
	l.log.Infof("capture: loop running until %s", target.Format("15:04"))

	for {
		if ctx.Err() != nil {
			l.log.Warnf("capture: interrupted, handing off %d images", l.stats.ImagesCaptured.Load())
			return nil
		}

		rec, err := l.dl.Fetch(ctx, l.imageURL)
		if err != nil {
			if ctx.Err() != nil {
				l.log.Warnf("capture: interrupted mid-fetch")
				return nil
			}
			l.onFailure(ctx, err)
		} else {
			l.onSuccess(rec)
		}

		if !l.now().Before(target) {
			l.log.Infof("capture: target time reached with %d images", l.stats.ImagesCaptured.Load())
			l.notifier.Send(ctx, "capture: target time reached, compiling timelapse")
			return nil
		}

		if !l.sleep(ctx, l.jitter()) {
			l.log.Warnf("capture: interrupted during sleep")
			return nil
		}
	}
}

func (l *Loop) onSuccess(rec *model.ImageRecord) {
	l.consecutiveFailures = 0
	l.sessionFailures = 0
	l.curMin, l.curMax = l.baseMin, l.baseMax
	l.stats.ImagesCaptured.Add(1)
	l.log.Infof("capture: saved %s (%d bytes, total %d)", rec.Filename, rec.SizeBytes, l.stats.ImagesCaptured.Load())
}

func (l *Loop) onFailure(ctx context.Context, err error) {
	l.consecutiveFailures++
	l.stats.ErrorsEncountered.Add(1)
	l.log.Warnf("capture: cycle failed (%d consecutive): %v", l.consecutiveFailures, err)

	// Independent of the downloader's own recovery: force a rebuild on
	// every 3rd session-class failure.
	if isSessionError(err) {
		l.sessionFailures++
		if l.sessionFailures%3 == 0 {
			if rerr := l.mgr.Rebuild(ctx); rerr != nil {
				l.log.Errorf("capture: forced session rebuild failed: %v", rerr)
			} else {
				l.stats.SessionRebuilds.Add(1)
				l.log.Infof("capture: forced session rebuild after %d session failures", l.sessionFailures)
			}
		}
	}

	if l.consecutiveFailures > widenAfterFailures {
		l.curMin = min(l.curMin*2, maxSleepSeconds)
		l.curMax = min(l.curMax*2, maxSleepSeconds)
	}
}

func (l *Loop) jitter() time.Duration {
	span := l.curMax - l.curMin
	if span <= 0 {
		return time.Duration(l.curMin) * time.Second
	}
	return time.Duration(l.curMin+l.rnd.Intn(span+1)) * time.Second
}

// sleepLoop waits d or until cancellation; false means the loop should stop.
func sleepLoop(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
