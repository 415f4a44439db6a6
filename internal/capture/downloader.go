package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/lo"

	"skycam-timelapse/internal"
	"skycam-timelapse/internal/logging"
	"skycam-timelapse/internal/model"
	"skycam-timelapse/internal/notify"
)

// State is the downloader's mutable capture state. Only the downloader
// mutates it; RepeatedHashCount additionally persists through the store so a
// restart resumes the count.
type State struct {
	LastHash            string
	LastFilename        string
	RepeatedHashCount   int
	ConsecutiveFailures int
	SessionFailures     int
}

// CounterStore is the narrow write interface the downloader owns into the
// shared configuration record.
type CounterStore interface {
	SetRepeatedHashCount(n int, force bool) error
}

const (
	maxBackoff         = 300 * time.Second
	defaultRetryDelay  = 5 * time.Second
	maxSessionFailures = 3
)

// Downloader fetches one image per call, deduplicates by content hash and
// survives a hostile remote through backoff and session recovery. It never
// escalates a failure beyond "this cycle produced nothing".
type Downloader struct {
	mgr        *SessionManager
	store      CounterStore
	notifier   notify.Notifier
	log        *logging.Logger
	outDir     string
	pattern    string
	escalation []int
	retryDelay time.Duration

	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time

	state State
}

func NewDownloader(mgr *SessionManager, store CounterStore, notifier notify.Notifier, log *logging.Logger, cfg internal.Config) *Downloader {
	return &Downloader{
		mgr:        mgr,
		store:      store,
		notifier:   notifier,
		log:        log,
		outDir:     cfg.Folders.ImagesFolder,
		pattern:    cfg.Capture.FilenamePattern,
		escalation: cfg.Alerts.EscalationPoints,
		retryDelay: defaultRetryDelay,
		sleep:      sleepCtx,
		now:        time.Now,
	}
}

// ResumeRepeatCount seeds the duplicate counter from the persisted record.
func (d *Downloader) ResumeRepeatCount(n int) {
	d.state.RepeatedHashCount = n
}

func (d *Downloader) State() State {
	return d.state
}

// Fetch downloads one image. On success it returns the written record; on
// failure the error classifies the cycle (transport, session, duplicate,
// zero-byte) and internal failure counters feed the next call's backoff.
func (d *Downloader) Fetch(ctx context.Context, imageURL string) (*model.ImageRecord, error) {
	if delay := backoffDelay(d.state.ConsecutiveFailures); delay > 0 {
		d.log.Warnf("capture: backing off %s after %d consecutive failures", delay, d.state.ConsecutiveFailures)
		d.sleep(ctx, delay)
	}

	rec, err := d.withContentRetry(ctx, 2, func() (*model.ImageRecord, error) {
		body, err := d.withSessionRecovery(ctx, func() ([]byte, error) {
			return d.fetchBody(ctx, imageURL)
		})
		if err != nil {
			return nil, err
		}
		return d.accept(body)
	})
	if err != nil {
		d.state.ConsecutiveFailures++
		return nil, err
	}
	return rec, nil
}

// withSessionRecovery runs op once; if it fails in a way that suggests a
// dead or blocked session, it rebuilds the session with a fresh identity and
// retries op once more within the same call.
func (d *Downloader) withSessionRecovery(ctx context.Context, op func() ([]byte, error)) ([]byte, error) {
	body, err := op()
	if err == nil || !isSessionError(err) {
		return body, err
	}
	if d.state.SessionFailures >= maxSessionFailures {
		return nil, err
	}
	d.log.Warnf("capture: session-class failure (%v), attempting recovery", err)
	if rerr := d.mgr.Rebuild(ctx); rerr != nil {
		d.state.SessionFailures++
		d.log.Errorf("capture: session recovery failed (attempt %d): %v", d.state.SessionFailures, rerr)
		return nil, err
	}
	d.state.SessionFailures = 0
	return op()
}

// withContentRetry retries op when it reports duplicate content, after a
// short fixed delay, up to maxAttempts total attempts. Other failure classes
// pass straight through.
func (d *Downloader) withContentRetry(ctx context.Context, maxAttempts int, op func() (*model.ImageRecord, error)) (*model.ImageRecord, error) {
	var rec *model.ImageRecord
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		rec, err = op()
		if err == nil || !errors.Is(err, ErrDuplicateContent) {
			return rec, err
		}
		if attempt < maxAttempts-1 {
			d.sleep(ctx, d.retryDelay)
		}
	}
	return rec, err
}

func (d *Downloader) fetchBody(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := d.mgr.NewRequest(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	resp, err := d.mgr.Do(req)
	if err != nil {
		// Transport failures get session-class treatment.
		return nil, fmt.Errorf("capture: %w: %v", ErrSessionInvalid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, &statusError{code: resp.StatusCode}
	}

	if isMJPEGURL(imageURL) {
		frame, err := extractJPEGFrame(io.LimitReader(resp.Body, maxFrameScanBytes+1))
		if err != nil {
			return nil, fmt.Errorf("capture: mjpeg frame: %w", err)
		}
		return frame, nil
	}
	return io.ReadAll(resp.Body)
}

// accept applies the dedup policy to a fetched body and writes it to disk
// when it is genuinely new.
func (d *Downloader) accept(body []byte) (*model.ImageRecord, error) {
	if len(body) == 0 {
		return nil, ErrZeroByteBody
	}

	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])

	if d.state.LastHash != "" && hash == d.state.LastHash {
		d.state.RepeatedHashCount++
		escalated := lo.Contains(d.escalation, d.state.RepeatedHashCount)
		if escalated {
			d.notifier.SendHigh(context.Background(),
				fmt.Sprintf("capture: image hash repeated %d times", d.state.RepeatedHashCount))
		}
		if err := d.store.SetRepeatedHashCount(d.state.RepeatedHashCount, escalated); err != nil {
			d.log.Errorf("capture: persist repeat count: %v", err)
		}
		d.log.Warnf("capture: same hash %s (repeated %d times)", hash[:12], d.state.RepeatedHashCount)
		return nil, ErrDuplicateContent
	}

	now := d.now()
	filename := internal.Strftime(d.pattern, now)
	fullPath := filepath.Join(d.outDir, filename)
	if err := os.WriteFile(fullPath, body, 0o644); err != nil {
		return nil, fmt.Errorf("capture: write %s: %w", fullPath, err)
	}

	d.state.RepeatedHashCount = 0
	d.state.ConsecutiveFailures = 0
	d.state.SessionFailures = 0
	d.state.LastHash = hash
	d.state.LastFilename = filename
	if err := d.store.SetRepeatedHashCount(0, false); err != nil {
		d.log.Errorf("capture: persist repeat count: %v", err)
	}

	return &model.ImageRecord{
		Filename:   filename,
		SizeBytes:  int64(len(body)),
		SHA256:     hash,
		CapturedAt: now,
	}, nil
}

// backoffDelay is the exponential pre-attempt delay: 2^failures seconds,
// capped at five minutes.
func backoffDelay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures >= 9 {
		return maxBackoff
	}
	d := time.Duration(1<<uint(failures)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
