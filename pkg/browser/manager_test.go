package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/core"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/logging"
)

// fakeBrowser is a test double for the narrow cdpBrowser interface.
type fakeBrowser struct {
	mu              sync.Mutex
	connected       bool
	contexts        []playwright.BrowserContext
	newContextCalls int
	closeCalls      int
}

func (f *fakeBrowser) Contexts() []playwright.BrowserContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contexts
}

func (f *fakeBrowser) NewContext(options ...playwright.BrowserNewContextOptions) (playwright.BrowserContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newContextCalls++
	return nil, nil
}

func (f *fakeBrowser) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBrowser) Close(options ...playwright.BrowserCloseOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.connected = false
	return nil
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, _ := logging.NewLogger("browser-test")
	return log
}

// cdpTestServer answers the /json/version probe the way Chrome does.
func cdpTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"Browser":"Chrome/126.0.0.0","webSocketDebuggerUrl":"ws://dummy"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnectUnreachableEndpoint(t *testing.T) {
	// Nothing listens on port 1.
	m := NewManager("http://127.0.0.1:1", 500*time.Millisecond, testLogger(t))

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConnectionUnavailable))
	assert.Equal(t, StateFailed, m.State())

	// The error must name the endpoint and tell the operator how to fix it.
	assert.Contains(t, err.Error(), "127.0.0.1:1")
	assert.Contains(t, err.Error(), "--remote-debugging-port")
}

func TestConnectAttachFailure(t *testing.T) {
	srv := cdpTestServer(t)
	m := NewManager(srv.URL, time.Second, testLogger(t))
	m.attach = func(ctx context.Context) (cdpBrowser, error) {
		return nil, errors.New("handshake rejected")
	}

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrSessionEstablishFailed))
	assert.False(t, errors.Is(err, core.ErrConnectionUnavailable))
	assert.Equal(t, StateFailed, m.State())
}

func TestConnectReusesExistingContext(t *testing.T) {
	srv := cdpTestServer(t)
	fake := &fakeBrowser{connected: true, contexts: []playwright.BrowserContext{nil}}

	m := NewManager(srv.URL, time.Second, testLogger(t))
	m.attach = func(ctx context.Context) (cdpBrowser, error) { return fake, nil }

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 0, fake.newContextCalls, "must reuse the remote context, not create one")
	assert.False(t, m.LastVerified().IsZero())
}

func TestConnectCreatesContextWhenRemoteHasNone(t *testing.T) {
	srv := cdpTestServer(t)
	fake := &fakeBrowser{connected: true}

	m := NewManager(srv.URL, time.Second, testLogger(t))
	m.attach = func(ctx context.Context) (cdpBrowser, error) { return fake, nil }

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 1, fake.newContextCalls)
}

func TestSessionSerializesReconnect(t *testing.T) {
	srv := cdpTestServer(t)

	var attachCalls int32
	var attachMu sync.Mutex
	fake := &fakeBrowser{connected: true, contexts: []playwright.BrowserContext{nil}}

	m := NewManager(srv.URL, time.Second, testLogger(t))
	m.attach = func(ctx context.Context) (cdpBrowser, error) {
		attachMu.Lock()
		attachCalls++
		attachMu.Unlock()
		// Hold the attempt open long enough for every caller to pile up.
		time.Sleep(50 * time.Millisecond)
		return fake, nil
	}

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Session(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}
	attachMu.Lock()
	defer attachMu.Unlock()
	assert.Equal(t, int32(1), attachCalls, "concurrent callers must share one reconnect")
}

func TestSessionReturnsHandleWhenHealthy(t *testing.T) {
	srv := cdpTestServer(t)
	fake := &fakeBrowser{connected: true, contexts: []playwright.BrowserContext{nil}}

	m := NewManager(srv.URL, time.Second, testLogger(t))
	attachCalls := 0
	m.attach = func(ctx context.Context) (cdpBrowser, error) {
		attachCalls++
		return fake, nil
	}

	require.NoError(t, m.Connect(context.Background()))
	before := m.LastVerified()

	time.Sleep(5 * time.Millisecond)
	_, err := m.Session(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, attachCalls, "healthy session must not reattach")
	assert.True(t, m.LastVerified().After(before))
}

func TestSessionReconnectsAfterConnectionDrop(t *testing.T) {
	srv := cdpTestServer(t)
	first := &fakeBrowser{connected: true, contexts: []playwright.BrowserContext{nil}}
	second := &fakeBrowser{connected: true, contexts: []playwright.BrowserContext{nil}}

	browsers := []cdpBrowser{first, second}
	m := NewManager(srv.URL, time.Second, testLogger(t))
	m.attach = func(ctx context.Context) (cdpBrowser, error) {
		b := browsers[0]
		browsers = browsers[1:]
		return b, nil
	}

	require.NoError(t, m.Connect(context.Background()))

	// Drop the transport out from under the manager.
	first.mu.Lock()
	first.connected = false
	first.mu.Unlock()

	_, err := m.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateConnected, m.State())
	assert.Empty(t, browsers, "reconnect must have consumed the second browser")
}

func TestShutdownDetachesOnceAndOnlyOnce(t *testing.T) {
	srv := cdpTestServer(t)
	fake := &fakeBrowser{connected: true, contexts: []playwright.BrowserContext{nil}}

	m := NewManager(srv.URL, time.Second, testLogger(t))
	m.attach = func(ctx context.Context) (cdpBrowser, error) { return fake, nil }

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())

	assert.Equal(t, 1, fake.closeCalls, "detach exactly once")
	assert.Equal(t, StateDisconnected, m.State())
}

func TestEndpointTrimsTrailingSlash(t *testing.T) {
	m := NewManager("http://127.0.0.1:9222/", time.Second, testLogger(t))
	assert.Equal(t, "http://127.0.0.1:9222", m.Endpoint())
	assert.False(t, strings.HasSuffix(m.Endpoint(), "/"))
}
