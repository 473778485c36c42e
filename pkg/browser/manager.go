// Package browser owns the lifecycle of the single connection to the
// user's externally-running Chrome instance. Every other component shares
// the one session handle; nothing here is ever copied per caller.
package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"golang.org/x/sync/singleflight"

	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/core"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/logging"
)

// State describes the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// cdpBrowser is the slice of playwright.Browser the manager uses, narrowed
// so tests can substitute a double.
type cdpBrowser interface {
	Contexts() []playwright.BrowserContext
	NewContext(options ...playwright.BrowserNewContextOptions) (playwright.BrowserContext, error)
	IsConnected() bool
	Close(options ...playwright.BrowserCloseOptions) error
}

// Manager guarantees a single healthy remote browser connection, or fails
// fast with a diagnosable error.
type Manager struct {
	endpoint     string
	probeTimeout time.Duration
	log          *logging.Logger

	mu           sync.Mutex
	pw           *playwright.Playwright
	browser      cdpBrowser
	context      playwright.BrowserContext
	state        State
	lastVerified time.Time

	// attach performs the actual CDP attachment; replaced in tests.
	attach func(ctx context.Context) (cdpBrowser, error)

	// reconnect serializes recovery: concurrent callers observing a failed
	// session wait on the one in-flight attempt instead of each retrying.
	reconnect singleflight.Group

	shutdownOnce sync.Once
}

// NewManager creates a manager for the given CDP endpoint
// (e.g. "http://127.0.0.1:9222"). No connection is made until Connect.
func NewManager(endpoint string, probeTimeout time.Duration, log *logging.Logger) *Manager {
	m := &Manager{
		endpoint:     strings.TrimRight(endpoint, "/"),
		probeTimeout: probeTimeout,
		log:          log,
		state:        StateDisconnected,
	}
	m.attach = m.attachCDP
	return m
}

// Connect probes the remote endpoint and establishes the session. A probe
// failure yields core.ErrConnectionUnavailable with remediation text; a
// failure after a successful probe yields core.ErrSessionEstablishFailed.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateConnected && m.browser != nil && m.browser.IsConnected() {
		m.lastVerified = time.Now()
		return nil
	}

	m.state = StateConnecting
	m.log.Infof("connecting to browser at %s", m.endpoint)

	if err := m.probe(ctx); err != nil {
		m.state = StateFailed
		cerr := core.NewConnectionError(m.endpoint, err)
		m.log.Errorf("browser endpoint unreachable: %v", cerr)
		return cerr
	}

	browser, err := m.attach(ctx)
	if err != nil {
		m.state = StateFailed
		m.log.Errorf("failed to attach to browser: %v", err)
		return fmt.Errorf("%w: %v", core.ErrSessionEstablishFailed, err)
	}

	// Prefer an existing remote context: it carries the user's live,
	// signed-in session. Only create one when the remote has none.
	contexts := browser.Contexts()
	var bctx playwright.BrowserContext
	if len(contexts) > 0 {
		bctx = contexts[0]
		m.log.Infof("reusing existing browser context (%d open)", len(contexts))
	} else {
		bctx, err = browser.NewContext()
		if err != nil {
			browser.Close()
			m.state = StateFailed
			return fmt.Errorf("%w: failed to create context: %v", core.ErrSessionEstablishFailed, err)
		}
		m.log.Infof("created new browser context")
	}

	m.browser = browser
	m.context = bctx
	m.state = StateConnected
	m.lastVerified = time.Now()
	m.log.Infof("browser session established")
	return nil
}

// probe checks the endpoint's /json/version with a short timeout so a dead
// endpoint fails fast instead of hanging a Playwright attach.
func (m *Manager) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, m.endpoint+"/json/version", nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// attachCDP is the production attach path: starts the Playwright driver on
// first use and connects over CDP.
func (m *Manager) attachCDP(ctx context.Context) (cdpBrowser, error) {
	if m.pw == nil {
		opts := &playwright.RunOptions{
			Verbose:             false,
			SkipInstallBrowsers: true,
			Stdout:              io.Discard,
			Stderr:              io.Discard,
		}
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("failed to install playwright driver: %w", err)
		}
		pw, err := playwright.Run(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to start playwright driver: %w", err)
		}
		m.pw = pw
	}

	browser, err := m.pw.Chromium.ConnectOverCDP(m.endpoint)
	if err != nil {
		return nil, err
	}
	return browser, nil
}

// Session returns the live browser context shared by all callers. If the
// session has failed, exactly one reconnect attempt runs; concurrent
// callers wait for its outcome.
func (m *Manager) Session(ctx context.Context) (playwright.BrowserContext, error) {
	m.mu.Lock()
	if m.state == StateConnected && m.browser != nil && m.browser.IsConnected() {
		m.lastVerified = time.Now()
		bctx := m.context
		m.mu.Unlock()
		return bctx, nil
	}
	if m.state == StateConnected {
		// The transport dropped underneath us.
		m.state = StateFailed
		m.log.Warnf("browser connection lost, scheduling reconnect")
	}
	m.mu.Unlock()

	_, err, _ := m.reconnect.Do("reconnect", func() (interface{}, error) {
		return nil, m.Connect(ctx)
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return nil, fmt.Errorf("%w: session not connected after reconnect", core.ErrSessionEstablishFailed)
	}
	return m.context, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastVerified returns when the session was last confirmed healthy.
func (m *Manager) LastVerified() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastVerified
}

// Endpoint returns the configured CDP endpoint.
func (m *Manager) Endpoint() string { return m.endpoint }

// Shutdown releases this process's connection handle only. The remote
// browsing context belongs to the user and must keep running, so it is
// never closed here: disconnecting is not destroying. Safe to call more
// than once.
func (m *Manager) Shutdown() error {
	var err error
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.browser != nil {
			// Close on a CDP-connected browser detaches the client and
			// leaves the remote browser and its contexts untouched.
			if cerr := m.browser.Close(); cerr != nil {
				err = fmt.Errorf("failed to detach from browser: %w", cerr)
			}
			m.browser = nil
			m.context = nil
		}
		if m.pw != nil {
			if serr := m.pw.Stop(); serr != nil && err == nil {
				err = fmt.Errorf("failed to stop playwright driver: %w", serr)
			}
			m.pw = nil
		}
		m.state = StateDisconnected
		m.log.Infof("browser session released")
	})
	return err
}
