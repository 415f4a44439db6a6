package model

import "time"

// ImageRecord describes one accepted capture frame. Records are immutable
// once written; a new fetch either produces a new record or nothing.
type ImageRecord struct {
	Filename   string    `json:"filename"`
	SizeBytes  int64     `json:"size_bytes"`
	SHA256     string    `json:"sha256"`
	CapturedAt time.Time `json:"captured_at"`
}

// TrackMeta is one entry of a catalog results page.
type TrackMeta struct {
	SourceURL string  `json:"source_url"`
	DurationS float64 `json:"duration_s"`
	Name      string  `json:"name"`
}

// CatalogPage is one page of the remote music catalog. Fetched, used to pick
// a track, then discarded.
type CatalogPage struct {
	TotalPages int         `json:"total_pages"`
	Results    []TrackMeta `json:"results"`
}

// CachedTrack is a track living in the local audio cache.
type CachedTrack struct {
	Path      string    `json:"path"`
	DurationS float64   `json:"duration_s"`
	ModTime   time.Time `json:"mod_time"`
}

// Track is an acquired audio file ready for distribution.
type Track struct {
	Path      string  `json:"path"`
	DurationS float64 `json:"duration_s"`
}

// RunManifest summarizes one completed timelapse run for archiving.
type RunManifest struct {
	Date        string    `json:"date"`
	VideoFile   string    `json:"video_file"`
	FrameCount  int       `json:"frame_count"`
	DurationS   float64   `json:"duration_s"`
	FPS         int       `json:"fps"`
	Tracks      []Track   `json:"tracks,omitempty"`
	AudioLess   bool      `json:"audio_less"`
	CompletedAt time.Time `json:"completed_at"`
}
