package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the persisted configuration record. It lives as a JSON document
// on disk; optional sections default silently when missing, but the capture
// URL is required. The only field mutated at runtime is
// Alerts.RepeatedHashCount, written back (batched) through Store.
type Config struct {
	Capture CaptureConfig `json:"capture"`
	Alerts  AlertsConfig  `json:"alerts"`
	Music   MusicConfig   `json:"music"`
	Video   VideoConfig   `json:"video"`
	Sun     SunConfig     `json:"sun"`
	Health  HealthConfig  `json:"health"`
	Archive ArchiveConfig `json:"archive"`
	Folders FoldersConfig `json:"files_and_folders"`
}

type CaptureConfig struct {
	ImageURL        string   `json:"image_url"`
	WebpageURL      string   `json:"webpage_url,omitempty"`
	UserAgents      []string `json:"user_agents,omitempty"`
	ProxyURL        string   `json:"proxy_url,omitempty"`
	FilenamePattern string   `json:"filename_pattern,omitempty"` // strftime-like
	RequestTimeoutS int      `json:"request_timeout_s,omitempty"`
	IntervalMinS    int      `json:"interval_min_s,omitempty"`
	IntervalMaxS    int      `json:"interval_max_s,omitempty"`
}

type AlertsConfig struct {
	EscalationPoints  []int  `json:"escalation_points,omitempty"`
	RepeatedHashCount int    `json:"repeated_hash_count"`
	NtfyTopicURL      string `json:"ntfy_topic_url,omitempty"`
	TelegramToken     string `json:"telegram_token,omitempty"`
	TelegramChatID    int64  `json:"telegram_chat_id,omitempty"`
}

type MusicConfig struct {
	CatalogBaseURL string   `json:"catalog_base_url,omitempty"`
	SearchTerms    []string `json:"search_terms,omitempty"`
	APIKey         string   `json:"api_key,omitempty"` // accepted, not required
	CacheMaxFiles  int      `json:"cache_max_files,omitempty"`
	CrossfadeS     float64  `json:"crossfade_s,omitempty"`
	FadeoutS       float64  `json:"fadeout_s,omitempty"`
	IntroClipPath  string   `json:"intro_clip_path,omitempty"`
	IntroDelayS    float64  `json:"intro_delay_s,omitempty"`
	DuckLevel      float64  `json:"duck_level,omitempty"`
	DuckFadeS      float64  `json:"duck_fade_s,omitempty"`
}

type VideoConfig struct {
	FPS             int     `json:"fps,omitempty"`
	FilenamePattern string  `json:"filename_pattern,omitempty"` // strftime-like
	EndBlackS       float64 `json:"end_black_s,omitempty"`
}

type SunConfig struct {
	ScheduleURL string `json:"schedule_url,omitempty"`
	DefaultStop string `json:"default_stop,omitempty"` // "HH:MM" fallback
	OffsetMin   int    `json:"offset_min,omitempty"`   // minutes past sunset to keep capturing
}

type HealthConfig struct {
	CheckIntervalMin int     `json:"check_interval_min,omitempty"`
	DiskMinFreeMB    uint64  `json:"disk_min_free_mb,omitempty"`
	MemMaxPercent    float64 `json:"mem_max_percent,omitempty"`
	CPUMaxPercent    float64 `json:"cpu_max_percent,omitempty"`
}

type ArchiveConfig struct {
	S3Endpoint  string `json:"s3_endpoint,omitempty"`
	S3Region    string `json:"s3_region,omitempty"`
	S3Bucket    string `json:"s3_bucket,omitempty"`
	S3AccessKey string `json:"s3_access_key,omitempty"`
	S3SecretKey string `json:"s3_secret_key,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
}

type FoldersConfig struct {
	ImagesFolder     string `json:"images_folder,omitempty"`
	AudioFolder      string `json:"audio_folder,omitempty"`
	AudioCacheFolder string `json:"audio_cache_folder,omitempty"`
	VideoFolder      string `json:"video_folder,omitempty"`
	ValidImagesFile  string `json:"valid_images_file,omitempty"`
	ErrorsLog        string `json:"errors_log,omitempty"`
}

// Enabled reports whether the archive section is populated enough to use.
func (a ArchiveConfig) Enabled() bool {
	return a.S3Endpoint != "" && a.S3Region != "" && a.S3Bucket != "" &&
		a.S3AccessKey != "" && a.S3SecretKey != ""
}

var ErrMissingCaptureURL = errors.New("capture.image_url is required")

// LoadConfig reads the JSON document at path, applies defaults for missing
// optional sections and overlays secrets from the environment. It refuses to
// proceed only when the capture URL is unset.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv()

	if cfg.Capture.ImageURL == "" {
		return cfg, ErrMissingCaptureURL
	}
	return cfg, nil
}

func (c *Config) applyDefaults(baseDir string) {
	if len(c.Capture.UserAgents) == 0 {
		c.Capture.UserAgents = []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
			"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
		}
	}
	if c.Capture.FilenamePattern == "" {
		c.Capture.FilenamePattern = "sky.%m%d%Y.%H%M%S.jpg"
	}
	if c.Capture.RequestTimeoutS <= 0 {
		c.Capture.RequestTimeoutS = 30
	}
	if c.Capture.IntervalMinS <= 0 {
		c.Capture.IntervalMinS = 15
	}
	if c.Capture.IntervalMaxS <= c.Capture.IntervalMinS {
		c.Capture.IntervalMaxS = 22
	}

	if len(c.Alerts.EscalationPoints) == 0 {
		c.Alerts.EscalationPoints = []int{10, 50, 100, 500}
	}

	if c.Music.CatalogBaseURL == "" {
		c.Music.CatalogBaseURL = "https://pixabay.com/music/search/"
	}
	if len(c.Music.SearchTerms) == 0 {
		c.Music.SearchTerms = []string{"no copyright music"}
	}
	if c.Music.CacheMaxFiles <= 0 {
		c.Music.CacheMaxFiles = 50
	}
	if c.Music.CrossfadeS <= 0 {
		c.Music.CrossfadeS = 5
	}
	if c.Music.FadeoutS <= 0 {
		c.Music.FadeoutS = 3
	}
	if c.Music.IntroDelayS <= 0 {
		c.Music.IntroDelayS = 3
	}
	if c.Music.DuckLevel <= 0 {
		c.Music.DuckLevel = 0.3
	}
	if c.Music.DuckFadeS <= 0 {
		c.Music.DuckFadeS = 1.5
	}

	if c.Video.FPS <= 0 {
		c.Video.FPS = 10
	}
	if c.Video.FilenamePattern == "" {
		c.Video.FilenamePattern = "skylapse.%m%d%Y.mp4"
	}
	if c.Video.EndBlackS <= 0 {
		c.Video.EndBlackS = 3
	}

	if c.Sun.DefaultStop == "" {
		c.Sun.DefaultStop = "19:30"
	}
	if c.Sun.OffsetMin <= 0 {
		c.Sun.OffsetMin = 60
	}

	if c.Health.CheckIntervalMin <= 0 {
		c.Health.CheckIntervalMin = 5
	}
	if c.Health.DiskMinFreeMB == 0 {
		c.Health.DiskMinFreeMB = 500
	}
	if c.Health.MemMaxPercent <= 0 {
		c.Health.MemMaxPercent = 90
	}
	if c.Health.CPUMaxPercent <= 0 {
		c.Health.CPUMaxPercent = 95
	}

	if c.Folders.ImagesFolder == "" {
		c.Folders.ImagesFolder = filepath.Join(baseDir, "images")
	}
	if c.Folders.AudioFolder == "" {
		c.Folders.AudioFolder = filepath.Join(baseDir, "audio")
	}
	if c.Folders.AudioCacheFolder == "" {
		c.Folders.AudioCacheFolder = filepath.Join(baseDir, "audio_cache")
	}
	if c.Folders.VideoFolder == "" {
		c.Folders.VideoFolder = filepath.Join(baseDir, "video")
	}
	if c.Folders.ValidImagesFile == "" {
		c.Folders.ValidImagesFile = filepath.Join(baseDir, "valid_images.json")
	}
	if c.Folders.ErrorsLog == "" {
		c.Folders.ErrorsLog = filepath.Join(baseDir, "errors.log")
	}
}

func (c *Config) applyEnv() {
	c.Alerts.NtfyTopicURL = firstNonEmpty(os.Getenv("NTFY_TOPIC_URL"), c.Alerts.NtfyTopicURL)
	c.Alerts.TelegramToken = firstNonEmpty(os.Getenv("TELEGRAM_BOT_TOKEN"), c.Alerts.TelegramToken)
	c.Music.APIKey = firstNonEmpty(os.Getenv("CATALOG_API_KEY"), c.Music.APIKey)
	c.Archive.S3Endpoint = firstNonEmpty(os.Getenv("S3_ENDPOINT"), c.Archive.S3Endpoint)
	c.Archive.S3Region = firstNonEmpty(os.Getenv("S3_REGION"), c.Archive.S3Region)
	c.Archive.S3Bucket = firstNonEmpty(os.Getenv("S3_BUCKET"), c.Archive.S3Bucket)
	c.Archive.S3AccessKey = firstNonEmpty(os.Getenv("S3_ACCESS_KEY"), os.Getenv("S3_ACCESS_KEY_ID"), c.Archive.S3AccessKey)
	c.Archive.S3SecretKey = firstNonEmpty(os.Getenv("S3_SECRET_ACCESS_KEY"), c.Archive.S3SecretKey)
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
