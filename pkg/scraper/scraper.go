// Package scraper extracts video listings and transcripts from YouTube
// pages through the shared browser session. It owns a single page inside
// the user's browsing context and serializes all DOM work on it: browser
// round-trips are the expensive, rate-limited resource here.
package scraper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/core"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/logging"
)

const (
	// rowSelector matches feed rows on home/subscriptions style grids.
	rowSelector = "ytd-rich-item-renderer, ytd-video-renderer, ytd-playlist-video-renderer"

	// pageSize is how many records one listing page carries.
	pageSize = 24

	// scrollSettle is how long a scroll gets to trigger lazy loading.
	scrollSettle = 700 * time.Millisecond

	// maxScrollRounds bounds pagination scrolling per fetch.
	maxScrollRounds = 12
)

// SessionProvider yields the shared browsing context. Satisfied by
// *browser.Manager.
type SessionProvider interface {
	Session(ctx context.Context) (playwright.BrowserContext, error)
}

// Scraper fetches listings and transcripts. All methods serialize on one
// internal mutex; concurrent callers queue rather than fight over the page.
type Scraper struct {
	sessions SessionProvider
	log      *logging.Logger

	mu   sync.Mutex
	page playwright.Page
}

// New creates a Scraper over the given session provider.
func New(sessions SessionProvider, log *logging.Logger) *Scraper {
	return &Scraper{sessions: sessions, log: log}
}

// FetchListing scrapes one page of the given feed tab. Page numbers start
// at 1; earlier pages are scrolled past to reach later ones.
func (s *Scraper) FetchListing(ctx context.Context, tab string, page int) ([]core.VideoRecord, error) {
	feedURL, err := FeedURL(tab)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrFetchFailed, err)
	}
	if page < 1 {
		page = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pg, err := s.acquirePage(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if _, err := pg.Goto(feedURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return nil, fmt.Errorf("%w: navigation to %s failed: %v", core.ErrFetchFailed, feedURL, err)
	}

	if _, err := pg.WaitForSelector(rowSelector, playwright.PageWaitForSelectorOptions{
		State: playwright.WaitForSelectorStateAttached,
	}); err != nil {
		return nil, fmt.Errorf("%w: no listing rows appeared on %s: %v", core.ErrFetchFailed, tab, err)
	}

	need := page * pageSize
	rows, err := s.loadRows(ctx, pg, need)
	if err != nil {
		return nil, err
	}

	offset := (page - 1) * pageSize
	if offset >= len(rows) {
		return []core.VideoRecord{}, nil
	}
	if end := offset + pageSize; end < len(rows) {
		rows = rows[offset:end]
	} else {
		rows = rows[offset:]
	}

	records := make([]core.VideoRecord, 0, len(rows))
	for _, row := range rows {
		fragment, err := row.InnerHTML()
		if err != nil {
			continue
		}
		if rec, ok := parseListingRow(fragment); ok {
			records = append(records, rec)
		}
	}

	s.log.Infof("fetched %d records from %s page %d in %s", len(records), tab, page, time.Since(start).Round(time.Millisecond))
	return records, nil
}

// loadRows scrolls the feed until at least need rows exist or growth stops.
func (s *Scraper) loadRows(ctx context.Context, pg playwright.Page, need int) ([]playwright.ElementHandle, error) {
	var rows []playwright.ElementHandle
	prev := -1
	for round := 0; round < maxScrollRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrTimeout, err)
		}

		var err error
		rows, err = pg.QuerySelectorAll(rowSelector)
		if err != nil {
			return nil, fmt.Errorf("%w: row query failed: %v", core.ErrFetchFailed, err)
		}
		if len(rows) >= need || len(rows) == prev {
			break
		}
		prev = len(rows)

		if _, err := pg.Evaluate("window.scrollTo(0, document.documentElement.scrollHeight)"); err != nil {
			return nil, fmt.Errorf("%w: scroll failed: %v", core.ErrFetchFailed, err)
		}
		select {
		case <-time.After(scrollSettle):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", core.ErrTimeout, ctx.Err())
		}
	}
	return rows, nil
}

// FetchTranscript opens a watch page and extracts the transcript, falling
// back to the description when no transcript panel is offered.
func (s *Scraper) FetchTranscript(ctx context.Context, videoURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pg, err := s.acquirePage(ctx)
	if err != nil {
		return "", err
	}

	if _, err := pg.Goto(videoURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return "", fmt.Errorf("%w: navigation to %s failed: %v", core.ErrFetchFailed, videoURL, err)
	}

	// Expand the description so the transcript button renders.
	if expand, _ := pg.QuerySelector("tp-yt-paper-button#expand"); expand != nil {
		_ = expand.Click()
	}

	if transcript := s.openTranscriptPanel(ctx, pg); transcript != "" {
		return transcript, nil
	}

	// Fallback: the description often carries enough to summarize.
	if desc, _ := pg.QuerySelector("#description-inline-expander"); desc != nil {
		text, err := desc.TextContent()
		if err == nil && strings.TrimSpace(text) != "" {
			s.log.Warnf("no transcript for %s, using description", videoURL)
			return strings.TrimSpace(text), nil
		}
	}

	return "", fmt.Errorf("%w: no transcript or description found at %s", core.ErrFetchFailed, videoURL)
}

func (s *Scraper) openTranscriptPanel(ctx context.Context, pg playwright.Page) string {
	button, err := pg.QuerySelector("ytd-video-description-transcript-section-renderer button")
	if err != nil || button == nil {
		return ""
	}
	if err := button.Click(); err != nil {
		return ""
	}

	if _, err := pg.WaitForSelector("ytd-transcript-segment-renderer", playwright.PageWaitForSelectorOptions{
		State: playwright.WaitForSelectorStateAttached,
	}); err != nil {
		return ""
	}

	segments, err := pg.QuerySelectorAll("ytd-transcript-segment-renderer .segment-text")
	if err != nil || len(segments) == 0 {
		return ""
	}

	var b strings.Builder
	for _, seg := range segments {
		if ctx.Err() != nil {
			break
		}
		text, err := seg.TextContent()
		if err != nil {
			continue
		}
		b.WriteString(strings.TrimSpace(text))
		b.WriteByte(' ')
	}
	return strings.TrimSpace(b.String())
}

// acquirePage returns the scraper's dedicated page, creating it inside the
// shared context on first use or after the old one died with the session.
func (s *Scraper) acquirePage(ctx context.Context) (playwright.Page, error) {
	if s.page != nil && !s.page.IsClosed() {
		return s.page, nil
	}

	bctx, err := s.sessions.Session(ctx)
	if err != nil {
		return nil, err
	}

	pg, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open page: %v", core.ErrFetchFailed, err)
	}
	pg.SetDefaultTimeout(15000)
	s.page = pg
	return pg, nil
}

// Close releases the scraper's page. The browsing context stays untouched;
// it belongs to the session manager's shutdown contract.
func (s *Scraper) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page != nil && !s.page.IsClosed() {
		_ = s.page.Close()
	}
	s.page = nil
}
