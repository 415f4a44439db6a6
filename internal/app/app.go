package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"skycam-timelapse/internal"
	"skycam-timelapse/internal/audio"
	"skycam-timelapse/internal/capture"
	"skycam-timelapse/internal/catalog"
	"skycam-timelapse/internal/health"
	"skycam-timelapse/internal/logging"
	"skycam-timelapse/internal/model"
	"skycam-timelapse/internal/notify"
	"skycam-timelapse/internal/s3"
	"skycam-timelapse/internal/suntime"
	"skycam-timelapse/internal/video"
)

// App wires the capture loop and the post-capture pipeline together. Build
// constructs everything up front so a misconfiguration fails before the first
// fetch, not at sunset.
type App struct {
	cfg      internal.Config
	log      *logging.Logger
	notifier notify.Notifier
	stats    *capture.Stats

	loop      *capture.Loop
	sun       *suntime.Resolver
	health    *health.Monitor
	acquirer  *audio.Acquirer
	dist      *audio.Distributor
	validator *video.Validator
	compiler  *video.Compiler
	archiver  *s3.Archiver
}

func Build(store *internal.Store, log *logging.Logger) (*App, error) {
	cfg := store.Config()

	for _, dir := range []string{
		cfg.Folders.ImagesFolder,
		cfg.Folders.AudioFolder,
		cfg.Folders.AudioCacheFolder,
		cfg.Folders.VideoFolder,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("app: create %s: %w", dir, err)
		}
	}

	notifier := notify.Build(cfg.Alerts, log)

	mgr, err := capture.NewSessionManager(cfg.Capture, log)
	if err != nil {
		return nil, err
	}
	dl := capture.NewDownloader(mgr, store, notifier, log, cfg)
	dl.ResumeRepeatCount(store.RepeatedHashCount())

	stats := &capture.Stats{}
	loop := capture.NewLoop(dl, mgr, cfg.Capture, notifier, log, stats)

	cat, err := catalog.NewClient(cfg.Music, log)
	if err != nil {
		return nil, err
	}
	dec := audio.NewFFmpeg(log)
	cache := audio.NewCache(cfg.Folders.AudioCacheFolder, cfg.Music.CacheMaxFiles, dec, log)
	acq := audio.NewAcquirer(cat, cache, dec, cfg.Folders.AudioFolder, notifier, log)

	var archiver *s3.Archiver
	if cfg.Archive.Enabled() {
		client, err := s3.New(cfg.Archive)
		if err != nil {
			return nil, fmt.Errorf("app: archive client: %w", err)
		}
		archiver = s3.NewArchiver(client, cfg.Archive.Prefix, log)
	}

	return &App{
		cfg:       cfg,
		log:       log,
		notifier:  notifier,
		stats:     stats,
		loop:      loop,
		sun:       suntime.NewResolver(cfg.Sun, log),
		health:    health.NewMonitor(cfg.Health, cfg.Folders.ImagesFolder, stats, notifier, log),
		acquirer:  acq,
		dist:      audio.NewDistributor(dec, log),
		validator: video.NewValidator(cfg.Folders.ValidImagesFile, log),
		compiler:  video.NewCompiler(cfg.Video, cfg.Folders.VideoFolder, log),
		archiver:  archiver,
	}, nil
}

// Run captures until the cutoff, then compiles. An explicit until ("HH:MM")
// overrides the sunset schedule.
func (a *App) Run(ctx context.Context, until string) error {
	var target time.Time
	if until != "" {
		t, err := suntime.ParseStop(until, time.Now())
		if err != nil {
			return fmt.Errorf("app: bad until %q: %w", until, err)
		}
		target = t
	} else {
		target = a.sun.TargetTime(ctx)
	}

	if err := a.health.Start(ctx); err != nil {
		a.log.Errorf("app: health monitor: %v", err)
	} else {
		defer a.health.Stop()
	}

	if err := a.loop.Run(ctx, target); err != nil {
		return err
	}
	// The interrupt that stopped the loop must not kill the handoff: whatever
	// frames exist still compile, upload and notify on a live context.
	return a.MainSequence(context.WithoutCancel(ctx))
}

// MainSequence turns the day's frames into the finished timelapse: validate,
// acquire and mix audio, compile, archive, clean up. Audio problems degrade
// to a silent video; only frame or encode problems fail the run.
func (a *App) MainSequence(ctx context.Context) error {
	frames, err := a.validator.Validate(a.cfg.Folders.ImagesFolder)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		a.notifier.SendHigh(ctx, "timelapse: no valid frames captured, nothing to compile")
		return errors.New("app: no valid frames")
	}

	duration := a.compiler.Duration(len(frames))
	a.log.Infof("app: %d frames, %.1fs of video", len(frames), duration)

	audioPath, tracks := a.prepareAudio(ctx, duration)

	videoPath, err := a.compiler.Compile(ctx, frames, audioPath)
	if err != nil {
		a.notifier.SendHigh(ctx, fmt.Sprintf("timelapse: compile failed: %v", err))
		return err
	}

	if a.archiver != nil {
		now := time.Now()
		manifest := &model.RunManifest{
			Date:        now.Format("2006-01-02"),
			VideoFile:   filepath.Base(videoPath),
			FrameCount:  len(frames),
			DurationS:   duration,
			FPS:         a.cfg.Video.FPS,
			Tracks:      tracks,
			AudioLess:   audioPath == "",
			CompletedAt: now,
		}
		if err := a.archiver.Archive(ctx, videoPath, manifest); err != nil {
			a.log.Errorf("app: %v", err)
			a.notifier.Send(ctx, fmt.Sprintf("timelapse: archive failed: %v", err))
		}
	}

	a.cleanup()
	a.notifier.Send(ctx, fmt.Sprintf("timelapse: done, %s (%d frames, %.1fs)",
		filepath.Base(videoPath), len(frames), duration))
	return nil
}

// prepareAudio acquires and mixes the soundtrack. Every failure path returns
// an empty path, which compiles the video silent.
func (a *App) prepareAudio(ctx context.Context, duration float64) (string, []model.Track) {
	tracks, err := a.acquirer.Acquire(ctx, duration)
	if err != nil {
		a.log.Warnf("app: no audio for this run: %v", err)
		a.notifier.Send(ctx, "timelapse: compiling without audio")
		return "", nil
	}

	mix, err := a.dist.Layout(tracks, duration, a.cfg.Music.CrossfadeS, a.cfg.Music.FadeoutS)
	if err != nil {
		a.log.Errorf("app: audio layout: %v", err)
		return "", nil
	}

	if a.cfg.Music.IntroClipPath != "" {
		ducked, err := a.dist.DuckUnderIntro(mix, audio.SourcePath(a.cfg.Music.IntroClipPath),
			a.cfg.Music.IntroDelayS, a.cfg.Music.DuckLevel, a.cfg.Music.DuckFadeS)
		if err != nil {
			a.log.Errorf("app: intro ducking, using plain mix: %v", err)
		} else {
			mix = ducked
		}
	}

	mixPath := filepath.Join(a.cfg.Folders.AudioFolder, "mix.wav")
	if err := audio.WriteWAV(mix, mixPath); err != nil {
		a.log.Errorf("app: write mix: %v", err)
		return "", nil
	}

	return mixPath, tracks
}

// cleanup removes the day's frames and the validation list once the video
// exists. The compiled output and the audio cache stay.
func (a *App) cleanup() {
	if err := os.RemoveAll(a.cfg.Folders.ImagesFolder); err != nil {
		a.log.Errorf("app: cleanup images: %v", err)
	}
	if err := os.Remove(a.cfg.Folders.ValidImagesFile); err != nil && !os.IsNotExist(err) {
		a.log.Errorf("app: cleanup valid list: %v", err)
	}
}
