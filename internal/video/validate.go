package video

import (
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vitali-fedulov/imagehash2"
	"github.com/vitali-fedulov/images4"

	"skycam-timelapse/internal/logging"
)

const (
	// imagehash2 parameters for the perceptual pre-filter
	hashNumBuckets = 4
	hashEpsilon    = 0.25
)

// Validator builds the ordered list of frames worth encoding: decodable JPEGs
// with perceptually identical consecutive frames pruned. The result is
// persisted as JSON so an interrupted compile can rerun without re-reading
// every frame.
type Validator struct {
	listPath string
	log      *logging.Logger
}

func NewValidator(listPath string, log *logging.Logger) *Validator {
	return &Validator{listPath: listPath, log: log}
}

// Validate returns the frame paths for imagesDir in filename order. An
// existing non-empty list file short-circuits the scan.
func (v *Validator) Validate(imagesDir string) ([]string, error) {
	if cached, ok := v.loadExisting(); ok {
		v.log.Infof("validate: reusing existing list, %d frames", len(cached))
		return cached, nil
	}

	frames, err := listFrames(imagesDir)
	if err != nil {
		return nil, err
	}

	valid, pruned := v.scan(frames)
	v.log.Infof("validate: %d of %d frames valid, %d near-duplicates pruned",
		len(valid), len(frames), pruned)

	if err := v.persist(valid); err != nil {
		v.log.Errorf("validate: persist list: %v", err)
	}
	return valid, nil
}

// scan decode-checks each frame and drops ones perceptually identical to
// their predecessor. A stuck camera re-encodes the same picture with fresh
// bytes, so the hash dedup upstream never sees it.
func (v *Validator) scan(frames []string) (valid []string, pruned int) {
	var prevIcon images4.IconT
	var prevHash uint64
	havePrev := false

	for _, path := range frames {
		icon, hash, err := decodeFrame(path)
		if err != nil {
			v.log.Warnf("validate: dropping unreadable frame %s: %v", filepath.Base(path), err)
			continue
		}
		if havePrev && hash == prevHash && images4.Similar(prevIcon, icon) {
			pruned++
			continue
		}
		valid = append(valid, path)
		prevIcon, prevHash, havePrev = icon, hash, true
	}
	return valid, pruned
}

func (v *Validator) loadExisting() ([]string, bool) {
	data, err := os.ReadFile(v.listPath)
	if err != nil || len(data) == 0 {
		return nil, false
	}
	var files []string
	if err := json.Unmarshal(data, &files); err != nil {
		v.log.Warnf("validate: corrupt list file %s, rescanning: %v", v.listPath, err)
		return nil, false
	}
	return files, len(files) > 0
}

func (v *Validator) persist(files []string) error {
	data, err := json.Marshal(files)
	if err != nil {
		return err
	}
	return os.WriteFile(v.listPath, data, 0o644)
}

// listFrames returns the .jpg files of dir sorted by name; the capture
// filename pattern embeds the timestamp, so name order is capture order
// within a run.
func listFrames(dir string) ([]string, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("validate: read %s: %w", dir, err)
	}
	var frames []string
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".jpg") {
			continue
		}
		frames = append(frames, filepath.Join(dir, d.Name()))
	}
	sort.Strings(frames)
	return frames, nil
}

func decodeFrame(path string) (images4.IconT, uint64, error) {
	fh, err := os.Open(path)
	if err != nil {
		return images4.IconT{}, 0, err
	}
	defer fh.Close()

	img, _, err := image.Decode(fh)
	if err != nil {
		return images4.IconT{}, 0, fmt.Errorf("decode: %w", err)
	}
	icon := images4.Icon(img)
	return icon, imagehash2.CentralHash9(icon, hashEpsilon, hashNumBuckets), nil
}
