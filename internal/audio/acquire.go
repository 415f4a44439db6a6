package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"skycam-timelapse/internal/logging"
	"skycam-timelapse/internal/model"
	"skycam-timelapse/internal/notify"
)

// ErrNoAudio means both the live catalog and the cache came up empty; the
// caller must compile without audio rather than abort.
var ErrNoAudio = errors.New("no audio available")

// Catalog is the slice of the catalog client the acquirer needs.
type Catalog interface {
	Term() string
	PickTrack(ctx context.Context, term string) (*model.TrackMeta, error)
	Download(ctx context.Context, track *model.TrackMeta, destDir string) (string, error)
}

const (
	maxLiveAttempts = 10
	// Prefer at least two tracks for variety when the catalog cooperates.
	minLiveTracks = 2
)

// Acquirer assembles enough audio material to cover a video: live catalog
// downloads first, cache fallback second.
type Acquirer struct {
	catalog  Catalog
	cache    *Cache
	prober   Prober
	workDir  string
	notifier notify.Notifier
	log      *logging.Logger
}

func NewAcquirer(catalog Catalog, cache *Cache, prober Prober, workDir string, notifier notify.Notifier, log *logging.Logger) *Acquirer {
	return &Acquirer{
		catalog:  catalog,
		cache:    cache,
		prober:   prober,
		workDir:  workDir,
		notifier: notifier,
		log:      log,
	}
}

// Acquire returns tracks whose total duration covers targetDuration seconds.
// Over-delivery is fine; the distributor trims. Short-but-nonempty cache
// fallback is accepted as best effort.
func (a *Acquirer) Acquire(ctx context.Context, targetDuration float64) ([]model.Track, error) {
	a.log.Infof("audio: acquiring %.1fs of material", targetDuration)

	var tracks []model.Track
	total := 0.0
	for attempt := 1; (total < targetDuration || len(tracks) < minLiveTracks) && attempt <= maxLiveAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		track, err := a.fetchOne(ctx)
		if err != nil {
			a.log.Warnf("audio: live download failed (attempt %d/%d): %v", attempt, maxLiveAttempts, err)
			continue
		}
		tracks = append(tracks, *track)
		total += track.DurationS
		a.log.Infof("audio: %d live tracks, %.1fs of %.1fs", len(tracks), total, targetDuration)
	}

	if total >= targetDuration && len(tracks) > 0 {
		return tracks, nil
	}

	a.log.Warnf("audio: live acquisition under-delivered (%.1fs of %.1fs), trying cache", total, targetDuration)
	// One cached track covering the whole video beats stitching several.
	single, err := a.cache.SelectSingle(targetDuration)
	if err != nil {
		a.log.Errorf("audio: cache single lookup: %v", err)
	} else if single != nil {
		a.notifier.Send(ctx, fmt.Sprintf("audio: using cached track %s (%.1fs) as fallback",
			filepath.Base(single.Path), single.DurationS))
		return []model.Track{{Path: single.Path, DurationS: single.DurationS}}, nil
	}

	cached, err := a.cache.SelectMultiple(targetDuration)
	if err != nil {
		a.log.Errorf("audio: cache fallback: %v", err)
	}
	if len(cached) > 0 {
		cachedTotal := 0.0
		for _, t := range cached {
			cachedTotal += t.DurationS
		}
		a.notifier.Send(ctx, fmt.Sprintf("audio: using %d cached tracks (%.1fs) as fallback", len(cached), cachedTotal))
		return cached, nil
	}

	if len(tracks) > 0 {
		// Live got something but not enough, and the cache is gone.
		return tracks, nil
	}
	return nil, ErrNoAudio
}

// fetchOne runs one full live cycle: select from the catalog, download,
// verify decodability, and opportunistically insert into the cache.
func (a *Acquirer) fetchOne(ctx context.Context) (*model.Track, error) {
	meta, err := a.catalog.PickTrack(ctx, a.catalog.Term())
	if err != nil {
		return nil, err
	}
	path, err := a.catalog.Download(ctx, meta, a.workDir)
	if err != nil {
		return nil, err
	}

	dur, err := a.prober.Probe(path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("audio: %s not decodable: %w", path, err)
	}

	if _, err := a.cache.Add(path); err != nil {
		a.log.Warnf("audio: cache insert failed: %v", err)
	}
	return &model.Track{Path: path, DurationS: dur}, nil
}
