package capture

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"skycam-timelapse/internal"
	"skycam-timelapse/internal/logging"
)

// SessionManager owns the HTTP client the downloader fetches with. The
// client carries a rotating user agent and optional proxy, and can be rebuilt
// from scratch when the remote endpoint starts rejecting the current identity.
type SessionManager struct {
	userAgents []string
	proxyURL   string
	verifyURL  string
	timeout    time.Duration
	log        *logging.Logger
	rnd        *rand.Rand

	// newTransport produces the transport for each (re)built client.
	newTransport func() (http.RoundTripper, error)

	client    *http.Client
	userAgent string
}

func NewSessionManager(cfg internal.CaptureConfig, log *logging.Logger) (*SessionManager, error) {
	m := &SessionManager{
		userAgents: cfg.UserAgents,
		proxyURL:   cfg.ProxyURL,
		verifyURL:  cfg.WebpageURL,
		timeout:    time.Duration(cfg.RequestTimeoutS) * time.Second,
		log:        log,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	m.newTransport = m.defaultTransport
	if len(m.userAgents) == 0 {
		return nil, errors.New("session: no user agents configured")
	}
	if err := m.build(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SessionManager) defaultTransport() (http.RoundTripper, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if m.proxyURL != "" {
		proxy, err := url.Parse(m.proxyURL)
		if err != nil {
			return nil, fmt.Errorf("session: parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	return transport, nil
}

func (m *SessionManager) build() error {
	transport, err := m.newTransport()
	if err != nil {
		return err
	}
	// Fresh cookie-less client; the previous session's state is the thing
	// being discarded.
	m.client = &http.Client{Transport: transport, Timeout: m.timeout}
	m.userAgent = m.userAgents[m.rnd.Intn(len(m.userAgents))]
	return nil
}

// NewRequest builds a GET with the session's identity headers.
func (m *SessionManager) NewRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", m.userAgent)
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Expires", "0")
	return req, nil
}

func (m *SessionManager) Do(req *http.Request) (*http.Response, error) {
	return m.client.Do(req)
}

// Rebuild discards the current client, picks a new random identity and
// re-validates connectivity against the configured webpage. Direct
// image/stream URLs skip validation; a GET against an MJPEG endpoint would
// never return.
func (m *SessionManager) Rebuild(ctx context.Context) error {
	if err := m.build(); err != nil {
		return err
	}

	if m.verifyURL == "" || isDirectStreamURL(m.verifyURL) {
		m.log.Infof("session: rebuilt with new identity (no verification)")
		return nil
	}

	req, err := m.NewRequest(ctx, m.verifyURL)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("session: verify %s: %w", m.verifyURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("session: verify %s returned %d", m.verifyURL, resp.StatusCode)
	}
	m.log.Infof("session: rebuilt and verified against %s", m.verifyURL)
	return nil
}

func isDirectStreamURL(raw string) bool {
	lower := strings.ToLower(raw)
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", "mjpg", "mjpeg"} {
		if strings.Contains(lower, ext) {
			return true
		}
	}
	return false
}
