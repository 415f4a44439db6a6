package catalog

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gocolly/colly"
	"github.com/gocolly/colly/extensions"
	"github.com/tidwall/gjson"

	"skycam-timelapse/internal"
	"skycam-timelapse/internal/logging"
	"skycam-timelapse/internal/model"
)

// ErrExhausted means the catalog yielded nothing usable after the configured
// attempts: missing metadata bundle, empty results or hard HTTP failures.
var ErrExhausted = errors.New("catalog exhausted")

// The catalog embeds the URL of its metadata bundle in each search page.
var bootstrapRe = regexp.MustCompile(`window\.__BOOTSTRAP_URL__\s*=\s*'([^']+)'`)

const (
	// Informal upstream rate limit: pause between remote calls.
	interRequestDelay = 10 * time.Second
	// Pages beyond this are never selected, whatever totalPages claims.
	maxSelectablePage = 1000
)

// Client speaks the catalog's two-step protocol: fetch a search-results HTML
// page, extract the embedded metadata-bundle URL, fetch that bundle as JSON.
type Client struct {
	baseURL     string
	origin      string // scheme://host of baseURL, bundle URLs are site-relative
	searchTerms []string
	apiKey      string
	maxAttempts int
	log         *logging.Logger

	transport http.RoundTripper
	rnd       *rand.Rand
	sleep     func(ctx context.Context, d time.Duration) error
	delay     time.Duration
}

func NewClient(cfg internal.MusicConfig, log *logging.Logger) (*Client, error) {
	u, err := url.Parse(cfg.CatalogBaseURL)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse base url: %w", err)
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.CatalogBaseURL, "/"),
		origin:      u.Scheme + "://" + u.Host,
		searchTerms: cfg.SearchTerms,
		apiKey:      cfg.APIKey,
		maxAttempts: 3,
		log:         log,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:       sleepCtx,
		delay:       interRequestDelay,
	}, nil
}

// FetchPage retrieves one catalog page for a search term.
func (c *Client) FetchPage(ctx context.Context, term string, page int) (*model.CatalogPage, error) {
	pageURL := c.pageURL(term, page)
	c.log.Infof("catalog: fetching page %d: %s", page, pageURL)

	html, err := c.get(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	m := bootstrapRe.FindSubmatch(html)
	if m == nil {
		return nil, fmt.Errorf("%w: no metadata bundle URL on page %d", ErrExhausted, page)
	}
	bundleURL := c.origin + string(m[1])

	if err := c.sleep(ctx, c.delay); err != nil {
		return nil, err
	}
	c.log.Infof("catalog: fetching metadata bundle: %s", bundleURL)
	raw, err := c.get(ctx, bundleURL)
	if err != nil {
		return nil, err
	}

	doc := gjson.ParseBytes(raw)
	out := &model.CatalogPage{
		TotalPages: int(doc.Get("page.pages").Int()),
	}
	for _, r := range doc.Get("page.results").Array() {
		src := r.Get("sources.src").String()
		if src == "" {
			continue
		}
		out.Results = append(out.Results, model.TrackMeta{
			SourceURL: src,
			DurationS: r.Get("duration").Float(),
			Name:      r.Get("name").String(),
		})
	}
	if out.TotalPages < 1 {
		out.TotalPages = 1
	}
	return out, nil
}

// PickTrack selects one track: page 1 first to learn the page count, then a
// uniformly random page. Failures retry with a fresh page choice and a
// linearly increasing delay, up to the attempt cap.
func (c *Client) PickTrack(ctx context.Context, term string) (*model.TrackMeta, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.delay + time.Duration(attempt*5)*time.Second
			c.log.Infof("catalog: retrying in %s (attempt %d/%d)", wait, attempt+1, c.maxAttempts)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		first, err := c.FetchPage(ctx, term, 1)
		if err != nil {
			lastErr = err
			c.log.Warnf("catalog: page 1 fetch failed: %v", err)
			continue
		}

		page := first
		selected := 1 + c.rnd.Intn(min(first.TotalPages, maxSelectablePage))
		if selected > 1 {
			if err := c.sleep(ctx, c.delay); err != nil {
				return nil, err
			}
			page, err = c.FetchPage(ctx, term, selected)
			if err != nil {
				c.log.Warnf("catalog: page %d fetch failed, using page 1: %v", selected, err)
				page = first
			}
		}

		if len(page.Results) == 0 {
			lastErr = fmt.Errorf("%w: empty results on page %d", ErrExhausted, selected)
			continue
		}
		track := page.Results[c.rnd.Intn(len(page.Results))]
		c.log.Infof("catalog: selected %q (%.0fs) from page %d/%d", track.Name, track.DurationS, selected, page.TotalPages)
		return &track, nil
	}
	if lastErr == nil {
		lastErr = ErrExhausted
	}
	return nil, lastErr
}

// Term returns a search term for this acquisition, random among configured.
func (c *Client) Term() string {
	return c.searchTerms[c.rnd.Intn(len(c.searchTerms))]
}

// Download fetches the track bytes into destDir, named after the source URL
// so the filename stays unique across catalogs of identically titled tracks.
func (c *Client) Download(ctx context.Context, track *model.TrackMeta, destDir string) (string, error) {
	if err := c.sleep(ctx, c.delay); err != nil {
		return "", err
	}
	raw, err := c.get(ctx, track.SourceURL)
	if err != nil {
		return "", err
	}
	name := path.Base(track.SourceURL)
	if name == "" || name == "." || name == "/" {
		name = fmt.Sprintf("track-%d.mp3", time.Now().UnixNano())
	}
	dest := filepath.Join(destDir, name)
	if err := os.WriteFile(dest, raw, 0o644); err != nil {
		return "", fmt.Errorf("catalog: write %s: %w", dest, err)
	}
	c.log.Infof("catalog: downloaded %s (%d bytes)", name, len(raw))
	return dest, nil
}

func (c *Client) pageURL(term string, page int) string {
	u := c.baseURL + "/" + url.PathEscape(term) + "/"
	if page > 1 {
		u += fmt.Sprintf("?pagi=%d", page)
	}
	return u
}

// get fetches a URL with a throwaway collector. A fresh collector per call
// sidesteps visited-URL dedup and gives every request a new random identity.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	col := colly.NewCollector(colly.IgnoreRobotsTxt())
	extensions.RandomUserAgent(col)
	col.SetRequestTimeout(30 * time.Second)
	if c.transport != nil {
		col.WithTransport(c.transport)
	}

	col.OnRequest(func(r *colly.Request) {
		if err := ctx.Err(); err != nil {
			r.Abort()
			return
		}
		r.Headers.Set("Accept", "text/html,application/json;q=0.9,*/*;q=0.8")
		if c.apiKey != "" {
			r.Headers.Set("X-API-Key", c.apiKey)
		}
	})

	var body []byte
	var reqErr error
	col.OnResponse(func(r *colly.Response) {
		body = r.Body
	})
	col.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			reqErr = fmt.Errorf("catalog: http %d for %s", r.StatusCode, rawURL)
			return
		}
		reqErr = fmt.Errorf("catalog: fetch %s: %w", rawURL, err)
	})

	if err := col.Visit(rawURL); err != nil {
		return nil, fmt.Errorf("catalog: visit %s: %w", rawURL, err)
	}
	col.Wait()
	if reqErr != nil {
		return nil, reqErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return body, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
