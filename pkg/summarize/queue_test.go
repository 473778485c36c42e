package summarize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/core"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/logging"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/store"
)

// fakeSummarizer is controllable: it can block on a gate, fail, or answer.
type fakeSummarizer struct {
	mu     sync.Mutex
	calls  int
	err    error
	result string
	gate   chan struct{} // when non-nil, Summarize blocks until release
}

func (f *fakeSummarizer) Summarize(ctx context.Context, videoURL, title string) (string, error) {
	f.mu.Lock()
	f.calls++
	gate, err, result := f.gate, f.err, f.result
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if result == "" {
		result = "summary of " + videoURL
	}
	return result, nil
}

func (f *fakeSummarizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeArchive is an in-memory Archive double.
type fakeArchive struct {
	mu    sync.Mutex
	saved map[string]store.Summary
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{saved: make(map[string]store.Summary)}
}

func (f *fakeArchive) Save(ctx context.Context, sum store.Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[sum.VideoURL] = sum
	return nil
}

func (f *fakeArchive) GetByURL(ctx context.Context, videoURL string) (*store.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sum, ok := f.saved[videoURL]; ok {
		return &sum, nil
	}
	return nil, core.ErrNotFound
}

func newTestQueue(t *testing.T, s JobSummarizer, archive Archive, opts QueueOptions) *Queue {
	t.Helper()
	if opts.Workers == 0 {
		opts.Workers = 1
	}
	if opts.JobTimeout == 0 {
		opts.JobTimeout = 2 * time.Second
	}
	if opts.RetentionAge == 0 {
		opts.RetentionAge = time.Hour
	}
	if opts.RetentionMax == 0 {
		opts.RetentionMax = 100
	}
	log, _ := logging.NewLogger("queue-test")
	q, err := NewQueue(s, archive, opts, log)
	require.NoError(t, err)
	t.Cleanup(q.Stop)
	return q
}

// waitStatus polls until the request reaches want or the deadline passes.
func waitStatus(t *testing.T, q *Queue, id string, want Status) Request {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		req, err := q.Status(id)
		require.NoError(t, err)
		if req.Status == want {
			return req
		}
		time.Sleep(5 * time.Millisecond)
	}
	req, _ := q.Status(id)
	t.Fatalf("request %s never reached %s, last status %s", id, want, req.Status)
	return Request{}
}

func videoURL(n int) string {
	return fmt.Sprintf("https://www.youtube.com/watch?v=vid%04d", n)
}

func TestSubmitProcessesToCompletion(t *testing.T) {
	fake := &fakeSummarizer{}
	q := newTestQueue(t, fake, nil, QueueOptions{})

	req, err := q.Submit(context.Background(), videoURL(1), "A Talk")
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)

	done := waitStatus(t, q, req.ID, StatusCompleted)
	assert.Equal(t, "summary of "+videoURL(1), done.Summary)
	assert.Empty(t, done.Error)
	assert.Nil(t, done.QueuePosition)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
}

func TestSubmitRejectsEmptyURL(t *testing.T) {
	q := newTestQueue(t, &fakeSummarizer{}, nil, QueueOptions{})
	_, err := q.Submit(context.Background(), "", "title")
	require.Error(t, err)
}

func TestSubmitEnforcesURLAllowlist(t *testing.T) {
	q := newTestQueue(t, &fakeSummarizer{}, nil, QueueOptions{
		AllowedURLPatterns: []string{"https://www.youtube.com/watch*"},
	})

	_, err := q.Submit(context.Background(), "https://evil.example/watch?v=x", "t")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowed pattern")

	_, err = q.Submit(context.Background(), videoURL(1), "t")
	assert.NoError(t, err)
}

func TestDuplicateSubmitAttachesToActiveRequest(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeSummarizer{gate: gate}
	q := newTestQueue(t, fake, nil, QueueOptions{Workers: 1})
	ctx := context.Background()

	// Occupy the single worker so later submissions stay PENDING.
	blocker, err := q.Submit(ctx, videoURL(0), "blocker")
	require.NoError(t, err)
	waitStatus(t, q, blocker.ID, StatusProcessing)

	first, err := q.Submit(ctx, videoURL(1), "T")
	require.NoError(t, err)
	second, err := q.Submit(ctx, videoURL(1), "T")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "duplicate submit must attach, not create")
	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, StatusPending, second.Status)
	require.NotNil(t, first.QueuePosition)
	require.NotNil(t, second.QueuePosition)
	assert.Equal(t, *first.QueuePosition, *second.QueuePosition)

	close(gate)
	waitStatus(t, q, first.ID, StatusCompleted)
	assert.Equal(t, 2, fake.callCount(), "one job per distinct URL")
}

func TestConcurrentSubmitsCreateOneRequest(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeSummarizer{gate: gate}
	q := newTestQueue(t, fake, nil, QueueOptions{Workers: 1})
	ctx := context.Background()

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := q.Submit(ctx, videoURL(7), "same video")
			if err == nil {
				ids[i] = req.ID
			}
		}(i)
	}
	wg.Wait()
	close(gate)

	for i := 1; i < callers; i++ {
		assert.Equal(t, ids[0], ids[i], "all concurrent callers must share one request")
	}
}

func TestQueuePositionsTrackPickupAndCompletion(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeSummarizer{gate: gate}
	q := newTestQueue(t, fake, nil, QueueOptions{Workers: 1})
	ctx := context.Background()

	a, err := q.Submit(ctx, videoURL(1), "a")
	require.NoError(t, err)
	waitStatus(t, q, a.ID, StatusProcessing)

	b, err := q.Submit(ctx, videoURL(2), "b")
	require.NoError(t, err)
	c, err := q.Submit(ctx, videoURL(3), "c")
	require.NoError(t, err)

	// a is active ahead of both; b ahead of c.
	require.NotNil(t, b.QueuePosition)
	require.NotNil(t, c.QueuePosition)
	assert.Equal(t, 1, *b.QueuePosition)
	assert.Equal(t, 2, *c.QueuePosition)

	// Processing requests carry no position.
	got, err := q.Status(a.ID)
	require.NoError(t, err)
	assert.Nil(t, got.QueuePosition)

	// Release everything; all jobs drain in order.
	close(gate)
	waitStatus(t, q, c.ID, StatusCompleted)
}

func TestFailureIsRecordedAndUnblocksResubmission(t *testing.T) {
	fake := &fakeSummarizer{err: errors.New("transcript panel missing")}
	q := newTestQueue(t, fake, nil, QueueOptions{})
	ctx := context.Background()

	req, err := q.Submit(ctx, videoURL(1), "t")
	require.NoError(t, err)

	failed := waitStatus(t, q, req.ID, StatusFailed)
	assert.Contains(t, failed.Error, "transcript panel missing")
	assert.Empty(t, failed.Summary)

	// The terminal request no longer blocks deduplication.
	fake.mu.Lock()
	fake.err = nil
	fake.mu.Unlock()

	retry, err := q.Submit(ctx, videoURL(1), "t")
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, retry.ID, "retry must be a fresh request")
	waitStatus(t, q, retry.ID, StatusCompleted)
}

func TestJobTimeoutFailsWithTimeoutError(t *testing.T) {
	gate := make(chan struct{}) // never released: job can only time out
	fake := &fakeSummarizer{gate: gate}
	q := newTestQueue(t, fake, nil, QueueOptions{JobTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	req, err := q.Submit(ctx, videoURL(1), "t")
	require.NoError(t, err)

	failed := waitStatus(t, q, req.ID, StatusFailed)
	assert.Contains(t, failed.Error, "timed out")

	// A later submit for the same URL starts fresh work.
	fresh, err := q.Submit(ctx, videoURL(1), "t")
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, fresh.ID)
}

func TestTerminalStatusSnapshotsAreIdempotent(t *testing.T) {
	fake := &fakeSummarizer{}
	q := newTestQueue(t, fake, nil, QueueOptions{})

	req, err := q.Submit(context.Background(), videoURL(1), "t")
	require.NoError(t, err)
	waitStatus(t, q, req.ID, StatusCompleted)

	first, err := q.Status(req.ID)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := q.Status(req.ID)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCompletedRequestAnswersResubmission(t *testing.T) {
	fake := &fakeSummarizer{}
	q := newTestQueue(t, fake, nil, QueueOptions{})
	ctx := context.Background()

	req, err := q.Submit(ctx, videoURL(1), "t")
	require.NoError(t, err)
	waitStatus(t, q, req.ID, StatusCompleted)

	again, err := q.Submit(ctx, videoURL(1), "t")
	require.NoError(t, err)
	assert.Equal(t, req.ID, again.ID, "retained completed result answers directly")
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Equal(t, 1, fake.callCount(), "no duplicate paid work")
}

func TestArchiveAnswersWithoutRunningJob(t *testing.T) {
	archive := newFakeArchive()
	require.NoError(t, archive.Save(context.Background(), store.Summary{
		VideoURL: videoURL(1),
		Title:    "Stored",
		Summary:  "persisted summary",
	}))

	fake := &fakeSummarizer{}
	q := newTestQueue(t, fake, archive, QueueOptions{})

	req, err := q.Submit(context.Background(), videoURL(1), "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, req.Status)
	assert.Equal(t, "persisted summary", req.Summary)
	assert.Equal(t, "Stored", req.Title)
	assert.Zero(t, fake.callCount(), "archive hit must not touch the browser")
}

func TestCompletedSummaryIsPersisted(t *testing.T) {
	archive := newFakeArchive()
	fake := &fakeSummarizer{}
	q := newTestQueue(t, fake, archive, QueueOptions{Model: "gpt-4o-mini"})

	req, err := q.Submit(context.Background(), videoURL(2), "t")
	require.NoError(t, err)
	waitStatus(t, q, req.ID, StatusCompleted)

	assert.Eventually(t, func() bool {
		_, err := archive.GetByURL(context.Background(), videoURL(2))
		return err == nil
	}, time.Second, 5*time.Millisecond, "worker must persist the summary")
}

func TestRetentionEvictsOldestTerminal(t *testing.T) {
	fake := &fakeSummarizer{}
	q := newTestQueue(t, fake, nil, QueueOptions{RetentionMax: 1})
	ctx := context.Background()

	first, err := q.Submit(ctx, videoURL(1), "t")
	require.NoError(t, err)
	waitStatus(t, q, first.ID, StatusCompleted)

	second, err := q.Submit(ctx, videoURL(2), "t")
	require.NoError(t, err)
	waitStatus(t, q, second.ID, StatusCompleted)

	// Eviction runs on the next queue mutation.
	third, err := q.Submit(ctx, videoURL(3), "t")
	require.NoError(t, err)
	waitStatus(t, q, third.ID, StatusCompleted)

	_, err = q.Status(first.ID)
	assert.True(t, errors.Is(err, core.ErrNotFound), "oldest terminal request must be evicted")
}

func TestStatusUnknownIDIsNotFound(t *testing.T) {
	q := newTestQueue(t, &fakeSummarizer{}, nil, QueueOptions{})
	_, err := q.Status("no-such-id")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestStatsCountByStatus(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeSummarizer{gate: gate}
	q := newTestQueue(t, fake, nil, QueueOptions{Workers: 1})
	ctx := context.Background()

	a, _ := q.Submit(ctx, videoURL(1), "a")
	waitStatus(t, q, a.ID, StatusProcessing)
	_, err := q.Submit(ctx, videoURL(2), "b")
	require.NoError(t, err)

	stats := q.Stats()
	assert.Equal(t, 1, stats.ByStatus[StatusProcessing])
	assert.Equal(t, 1, stats.ByStatus[StatusPending])
	assert.Equal(t, 1, stats.QueueDepth)

	close(gate)
	waitStatus(t, q, a.ID, StatusCompleted)

	stats = q.Stats()
	assert.GreaterOrEqual(t, stats.ByStatus[StatusCompleted], 1)
}

func TestSubmitAfterStopFails(t *testing.T) {
	q := newTestQueue(t, &fakeSummarizer{}, nil, QueueOptions{})
	q.Stop()

	_, err := q.Submit(context.Background(), videoURL(1), "t")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shut down")
}
