package audio

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"skycam-timelapse/internal/logging"
	"skycam-timelapse/internal/model"
)

var cacheExtensions = []string{".mp3", ".m4a", ".ogg", ".wav"}

// Cache is the bounded local track store, the fallback when the live catalog
// is unreachable. Eviction is strict FIFO by file modification time; entries
// that fail duration probing are deleted on sight.
type Cache struct {
	dir      string
	maxFiles int
	prober   Prober
	log      *logging.Logger
	rnd      *rand.Rand
	now      func() time.Time
}

func NewCache(dir string, maxFiles int, prober Prober, log *logging.Logger) *Cache {
	return &Cache{
		dir:      dir,
		maxFiles: maxFiles,
		prober:   prober,
		log:      log,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// Add copies a downloaded track into the cache under a timestamp-prefixed
// name, then enforces the capacity bound.
func (c *Cache) Add(srcPath string) (*model.CachedTrack, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("cached_%s_%s", c.now().Format("20060102_150405.000000"), filepath.Base(srcPath))
	dest := filepath.Join(c.dir, name)
	if err := copyFile(srcPath, dest); err != nil {
		return nil, fmt.Errorf("cache add %s: %w", srcPath, err)
	}
	c.log.Infof("cache: added %s", name)

	if _, err := c.EvictIfOverCapacity(); err != nil {
		c.log.Errorf("cache: eviction after add: %v", err)
	}

	dur, err := c.prober.Probe(dest)
	if err != nil {
		// Don't keep what we can't play.
		os.Remove(dest)
		return nil, fmt.Errorf("cache add %s: unreadable: %w", srcPath, err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return nil, err
	}
	return &model.CachedTrack{Path: dest, DurationS: dur, ModTime: info.ModTime()}, nil
}

// EvictIfOverCapacity deletes the oldest files (by mtime) until the file
// count is within bounds. A second call with no intervening Add is a no-op.
func (c *Cache) EvictIfOverCapacity() (int, error) {
	files, err := c.listByAge()
	if err != nil {
		return 0, err
	}
	excess := len(files) - c.maxFiles
	if excess <= 0 {
		return 0, nil
	}

	removed := 0
	for _, f := range files[:excess] {
		if err := os.Remove(f.Path); err != nil {
			c.log.Errorf("cache: evict %s: %v", filepath.Base(f.Path), err)
			continue
		}
		removed++
		c.log.Infof("cache: evicted %s", filepath.Base(f.Path))
	}
	return removed, nil
}

// SelectSingle picks uniformly at random among entries of at least
// minDuration seconds. Returns nil when nothing qualifies.
func (c *Cache) SelectSingle(minDuration float64) (*model.CachedTrack, error) {
	entries, err := c.entries()
	if err != nil {
		return nil, err
	}
	qualifying := lo.Filter(entries, func(t model.CachedTrack, _ int) bool {
		return t.DurationS >= minDuration
	})
	if len(qualifying) == 0 {
		return nil, nil
	}
	pick := qualifying[c.rnd.Intn(len(qualifying))]
	return &pick, nil
}

// SelectMultiple shuffles the cache and greedily accumulates tracks until the
// running total meets the target. The result may fall short; that is the
// caller's best-effort fallback, not an error.
func (c *Cache) SelectMultiple(targetDuration float64) ([]model.Track, error) {
	entries, err := c.entries()
	if err != nil {
		return nil, err
	}
	c.rnd.Shuffle(len(entries), func(i, j int) {
		entries[i], entries[j] = entries[j], entries[i]
	})

	var out []model.Track
	total := 0.0
	for _, e := range entries {
		out = append(out, model.Track{Path: e.Path, DurationS: e.DurationS})
		total += e.DurationS
		if total >= targetDuration {
			break
		}
	}
	if total < targetDuration {
		c.log.Warnf("cache: best effort, %d tracks cover %.1fs of %.1fs target", len(out), total, targetDuration)
	}
	return out, nil
}

// Stats returns file count and total size for operator reporting.
func (c *Cache) Stats() (int, int64) {
	files, err := c.listByAge()
	if err != nil {
		return 0, 0
	}
	var size int64
	for _, f := range files {
		size += f.Size
	}
	return len(files), size
}

type cacheFile struct {
	Path    string
	ModTime time.Time
	Size    int64
}

func (c *Cache) listByAge() ([]cacheFile, error) {
	dirents, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []cacheFile
	for _, d := range dirents {
		if d.IsDir() || !lo.Contains(cacheExtensions, strings.ToLower(filepath.Ext(d.Name()))) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		files = append(files, cacheFile{
			Path:    filepath.Join(c.dir, d.Name()),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ModTime.Before(files[j].ModTime) })
	return files, nil
}

// entries probes every cached file. Unprobeable files are deleted as a side
// effect: the cache heals itself on first read.
func (c *Cache) entries() ([]model.CachedTrack, error) {
	files, err := c.listByAge()
	if err != nil {
		return nil, err
	}

	var out []model.CachedTrack
	for _, f := range files {
		dur, err := c.prober.Probe(f.Path)
		if err != nil {
			c.log.Warnf("cache: removing corrupt entry %s: %v", filepath.Base(f.Path), err)
			os.Remove(f.Path)
			continue
		}
		out = append(out, model.CachedTrack{Path: f.Path, DurationS: dur, ModTime: f.ModTime})
	}
	return out, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
