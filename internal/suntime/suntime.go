package suntime

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gocolly/colly"
	"github.com/gocolly/colly/extensions"

	"skycam-timelapse/internal"
	"skycam-timelapse/internal/logging"
)

// Clock times appear as "7:23 pm" in the schedule table.
var clockRe = regexp.MustCompile(`(?i)\d{1,2}:\d{2}\s*(?:am|pm)`)

// Resolver determines the day's capture cutoff: the published sunset time
// plus a margin of extra dusk, or the configured fallback when the schedule
// page is unreachable or unparseable.
type Resolver struct {
	cfg internal.SunConfig
	log *logging.Logger

	transport http.RoundTripper
	now       func() time.Time
}

func NewResolver(cfg internal.SunConfig, log *logging.Logger) *Resolver {
	return &Resolver{cfg: cfg, log: log, now: time.Now}
}

// TargetTime resolves today's cutoff. Scrape failures are never fatal.
func (r *Resolver) TargetTime(ctx context.Context) time.Time {
	if r.cfg.ScheduleURL != "" {
		if sunset, err := r.fetchSunset(ctx); err != nil {
			r.log.Warnf("suntime: schedule fetch failed, using default stop: %v", err)
		} else {
			target := sunset.Add(time.Duration(r.cfg.OffsetMin) * time.Minute)
			r.log.Infof("suntime: sunset %s, capturing until %s", sunset.Format("15:04"), target.Format("15:04"))
			return target
		}
	}
	target, err := ParseStop(r.cfg.DefaultStop, r.now())
	if err != nil {
		r.log.Errorf("suntime: bad default stop %q: %v", r.cfg.DefaultStop, err)
		return r.now().Add(4 * time.Hour)
	}
	return target
}

// fetchSunset scrapes the schedule table: the row whose header mentions
// sunset carries the time in its sibling cell.
func (r *Resolver) fetchSunset(ctx context.Context) (time.Time, error) {
	col := colly.NewCollector(colly.IgnoreRobotsTxt())
	extensions.RandomUserAgent(col)
	col.SetRequestTimeout(30 * time.Second)
	if r.transport != nil {
		col.WithTransport(r.transport)
	}

	var raw string
	col.OnRequest(func(req *colly.Request) {
		if ctx.Err() != nil {
			req.Abort()
		}
	})
	col.OnHTML("tr", func(e *colly.HTMLElement) {
		if raw != "" || !strings.Contains(strings.ToLower(e.ChildText("th")), "sunset") {
			return
		}
		if m := clockRe.FindString(e.ChildText("td")); m != "" {
			raw = m
		}
	})

	var fetchErr error
	col.OnError(func(resp *colly.Response, err error) {
		fetchErr = err
	})
	if err := col.Visit(r.cfg.ScheduleURL); err != nil {
		return time.Time{}, fmt.Errorf("suntime: visit %s: %w", r.cfg.ScheduleURL, err)
	}
	col.Wait()
	if fetchErr != nil {
		return time.Time{}, fmt.Errorf("suntime: fetch %s: %w", r.cfg.ScheduleURL, fetchErr)
	}
	if raw == "" {
		return time.Time{}, fmt.Errorf("suntime: no sunset time on %s", r.cfg.ScheduleURL)
	}

	clock, err := time.Parse("3:04 pm", normalizeClock(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("suntime: parse %q: %w", raw, err)
	}
	n := r.now()
	return time.Date(n.Year(), n.Month(), n.Day(), clock.Hour(), clock.Minute(), 0, 0, n.Location()), nil
}

func normalizeClock(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	// Ensure a single space before the meridiem for the fixed parse layout.
	s = strings.Replace(s, "am", " am", 1)
	s = strings.Replace(s, "pm", " pm", 1)
	return strings.Join(strings.Fields(s), " ")
}

// ParseStop turns an "HH:MM" wall-clock string into today's time.
func ParseStop(hhmm string, now time.Time) (time.Time, error) {
	clock, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), 0, 0, now.Location()), nil
}
