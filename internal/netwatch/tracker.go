package netwatch

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
)

const pollInterval = 100 * time.Millisecond

// TrackedRequest is one in-flight network request. The map is keyed by URL,
// so concurrent requests to the same URL overwrite each other; good enough
// for the quiescence heuristic this feeds.
type TrackedRequest struct {
	URL          string
	Method       string
	ResourceType string
	Started      time.Time
}

// Tracker follows the request lifecycle of one page. Playwright fires the
// callbacks on its own goroutines; the map is the only state they share with
// the main flow, guarded by mu.
type Tracker struct {
	mu       sync.Mutex
	inflight map[string]TrackedRequest

	page      playwright.Page
	blocklist []*regexp.Regexp
	logger    zerolog.Logger
}

func New(blocklist []string, logger zerolog.Logger) (*Tracker, error) {
	t := &Tracker{
		inflight: make(map[string]TrackedRequest),
		logger:   logger,
	}
	for _, pattern := range blocklist {
		re, err := compileGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("blocklist pattern %q: %w", pattern, err)
		}
		t.blocklist = append(t.blocklist, re)
	}
	return t, nil
}

// Attach wires the tracker to a page: a route handler that aborts blocklisted
// requests before they are tracked, and lifecycle listeners maintaining the
// in-flight map.
func (t *Tracker) Attach(page playwright.Page) error {
	t.page = page
	if len(t.blocklist) > 0 {
		err := page.Route("**/*", func(route playwright.Route) {
			req := route.Request()
			if t.Blocked(req.URL()) {
				t.logger.Debug().Str("url", req.URL()).Msg("request blocked")
				_ = route.Abort()
				return
			}
			_ = route.Continue()
		})
		if err != nil {
			return fmt.Errorf("install blocklist route: %w", err)
		}
	}
	page.OnRequest(func(req playwright.Request) {
		t.onStart(req)
	})
	page.OnRequestFinished(func(req playwright.Request) {
		t.onDone(req)
	})
	page.OnRequestFailed(func(req playwright.Request) {
		t.onDone(req)
	})
	return nil
}

func (t *Tracker) onStart(req playwright.Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[req.URL()] = TrackedRequest{
		URL:          req.URL(),
		Method:       req.Method(),
		ResourceType: req.ResourceType(),
		Started:      time.Now(),
	}
}

func (t *Tracker) onDone(req playwright.Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, req.URL())
}

// Blocked reports whether the URL's hostname+path matches a blocklist glob.
func (t *Tracker) Blocked(rawURL string) bool {
	if len(t.blocklist) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	target := u.Host + u.Path
	for _, re := range t.blocklist {
		if re.MatchString(target) {
			return true
		}
	}
	return false
}

// InFlight returns the number of requests currently tracked.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Quiesce waits until no requests are in flight. Returns false when the
// timeout expires first.
func (t *Tracker) Quiesce(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if t.InFlight() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}

// AbortAll toggles the network layer off and back on, killing everything in
// flight, and clears the map. Last-resort stall breaker, not flow control.
func (t *Tracker) AbortAll(ctx context.Context) error {
	if t.page == nil {
		return fmt.Errorf("tracker not attached to a page")
	}
	t.mu.Lock()
	stuck := len(t.inflight)
	t.inflight = make(map[string]TrackedRequest)
	t.mu.Unlock()

	t.logger.Warn().Int("inflight", stuck).Msg("aborting all in-flight requests")
	bctx := t.page.Context()
	if err := bctx.SetOffline(true); err != nil {
		return fmt.Errorf("network block: %w", err)
	}
	if err := bctx.SetOffline(false); err != nil {
		return fmt.Errorf("network unblock: %w", err)
	}
	return nil
}

// compileGlob turns a blocklist glob into an anchored regexp: '*' matches any
// run of characters, '?' exactly one, everything else literal.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, `.*`)
	quoted = strings.ReplaceAll(quoted, `\?`, `.`)
	return regexp.Compile("^" + quoted + "$")
}
