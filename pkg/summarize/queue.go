package summarize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/core"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/logging"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/store"
)

// Status is the lifecycle state of a summary request.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Request is one tracked unit of summarization work. Snapshots returned by
// the queue are copies; callers never see live internal state.
type Request struct {
	ID            string     `json:"id"`
	VideoURL      string     `json:"video_url"`
	Title         string     `json:"title,omitempty"`
	Status        Status     `json:"status"`
	QueuePosition *int       `json:"queue_position,omitempty"`
	Summary       string     `json:"summary,omitempty"`
	Error         string     `json:"error,omitempty"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// JobSummarizer is the capability a worker invokes per job.
type JobSummarizer interface {
	Summarize(ctx context.Context, videoURL, title string) (string, error)
}

// Archive persists completed summaries and resolves prior ones. Satisfied
// by *store.Store; optional.
type Archive interface {
	Save(ctx context.Context, sum store.Summary) error
	GetByURL(ctx context.Context, videoURL string) (*store.Summary, error)
}

// QueueOptions configure the worker pool and retention policy.
type QueueOptions struct {
	// Workers is the pool size. Keep it small: every job crosses the one
	// shared browser session.
	Workers int

	// Buffer is the pending channel capacity; Submit fails when exceeded.
	Buffer int

	// JobTimeout bounds one summarization end to end.
	JobTimeout time.Duration

	// RetentionAge and RetentionMax bound how long terminal requests stay
	// queryable.
	RetentionAge time.Duration
	RetentionMax int

	// AllowedURLPatterns are glob patterns a video URL must match; empty
	// means no restriction.
	AllowedURLPatterns []string

	// Model is recorded on persisted summaries.
	Model string
}

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	ByStatus          map[Status]int `json:"by_status"`
	QueueDepth        int            `json:"queue_depth"`
	AvgTurnaroundMS   int64          `json:"avg_turnaround_ms"`
	CompletedLifetime int64          `json:"completed_lifetime"`
}

// Queue deduplicates, tracks, and schedules summary requests over a bounded
// worker pool.
type Queue struct {
	summarizer JobSummarizer
	archive    Archive
	opts       QueueOptions
	log        *logging.Logger
	globs      []glob.Glob

	mu             sync.Mutex
	byID           map[string]*Request
	activeByURL    map[string]string
	completedByURL map[string]string
	order          []string // submission order, drives positions and eviction
	closed         bool

	pending  chan string
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	totalTurnaround time.Duration
	completedCount  int64
}

// NewQueue creates the queue and starts its workers.
func NewQueue(summarizer JobSummarizer, archive Archive, opts QueueOptions, log *logging.Logger) (*Queue, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Buffer < 1 {
		opts.Buffer = 64
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 2 * time.Minute
	}
	if opts.RetentionMax < 1 {
		opts.RetentionMax = 100
	}

	globs := make([]glob.Glob, 0, len(opts.AllowedURLPatterns))
	for _, pattern := range opts.AllowedURLPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid url pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		summarizer:     summarizer,
		archive:        archive,
		opts:           opts,
		log:            log,
		globs:          globs,
		byID:           make(map[string]*Request),
		activeByURL:    make(map[string]string),
		completedByURL: make(map[string]string),
		pending:        make(chan string, opts.Buffer),
		runCtx:         runCtx,
		cancel:         cancel,
	}

	for i := 0; i < opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	log.Infof("queue: started %d workers, job timeout %s", opts.Workers, opts.JobTimeout)
	return q, nil
}

// Submit admits a summarization request. Duplicate submissions for a video
// with an active request attach to it; a recent completed result (in memory
// or in the archive) is returned pre-completed instead of re-running the
// paid work.
func (q *Queue) Submit(ctx context.Context, videoURL, title string) (Request, error) {
	if videoURL == "" {
		return Request{}, fmt.Errorf("video url must not be empty")
	}
	if err := q.checkAllowed(videoURL); err != nil {
		return Request{}, err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Request{}, fmt.Errorf("queue is shut down")
	}

	// Deduplication: at most one active request per video URL.
	if id, ok := q.activeByURL[videoURL]; ok {
		snap := q.snapshotLocked(q.byID[id])
		q.mu.Unlock()
		q.log.Debugf("queue: submit for %s attached to active request %s", videoURL, id)
		return snap, nil
	}

	// A completed request still inside the retention window answers
	// directly; failed ones do not block resubmission.
	if id, ok := q.completedByURL[videoURL]; ok {
		if req := q.byID[id]; req != nil && req.Status == StatusCompleted {
			snap := q.snapshotLocked(req)
			q.mu.Unlock()
			return snap, nil
		}
	}
	q.mu.Unlock()

	// The durable archive may answer without touching the browser at all.
	if q.archive != nil {
		if prior, err := q.archive.GetByURL(ctx, videoURL); err == nil {
			return q.adoptArchived(videoURL, title, prior), nil
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Request{}, fmt.Errorf("queue is shut down")
	}
	// Re-check: another Submit may have won the race while we were
	// consulting the archive.
	if id, ok := q.activeByURL[videoURL]; ok {
		return q.snapshotLocked(q.byID[id]), nil
	}

	pos := len(q.activeByURL)
	req := &Request{
		ID:            uuid.New().String(),
		VideoURL:      videoURL,
		Title:         title,
		Status:        StatusPending,
		QueuePosition: &pos,
		SubmittedAt:   time.Now(),
	}

	// Register before handing the ID to a worker: a worker must always
	// find the request it dequeues.
	q.byID[req.ID] = req
	q.activeByURL[videoURL] = req.ID
	q.order = append(q.order, req.ID)

	select {
	case q.pending <- req.ID:
	default:
		delete(q.byID, req.ID)
		delete(q.activeByURL, videoURL)
		q.order = q.order[:len(q.order)-1]
		return Request{}, fmt.Errorf("queue is full (%d pending)", cap(q.pending))
	}
	q.evictLocked()

	q.log.Infof("queue: request %s submitted for %s at position %d", req.ID, videoURL, pos)
	return q.snapshotLocked(req), nil
}

// adoptArchived registers a pre-completed request backed by a persisted
// summary so later Status calls resolve it.
func (q *Queue) adoptArchived(videoURL, title string, prior *store.Summary) Request {
	now := time.Now()
	if title == "" {
		title = prior.Title
	}
	req := &Request{
		ID:          uuid.New().String(),
		VideoURL:    videoURL,
		Title:       title,
		Status:      StatusCompleted,
		Summary:     prior.Summary,
		SubmittedAt: now,
		CompletedAt: &now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.byID[req.ID] = req
	q.completedByURL[videoURL] = req.ID
	q.order = append(q.order, req.ID)
	q.evictLocked()

	q.log.Infof("queue: request %s for %s answered from archive", req.ID, videoURL)
	return q.snapshotLocked(req)
}

// Status returns a snapshot of the request, or core.ErrNotFound for unknown
// (including retention-evicted) IDs.
func (q *Queue) Status(requestID string) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.byID[requestID]
	if !ok {
		return Request{}, fmt.Errorf("%w: request %s", core.ErrNotFound, requestID)
	}
	return q.snapshotLocked(req), nil
}

// Stats returns counts by status, queue depth, and average turnaround.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	byStatus := map[Status]int{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
	}
	for _, req := range q.byID {
		byStatus[req.Status]++
	}

	var avg int64
	if q.completedCount > 0 {
		avg = (q.totalTurnaround / time.Duration(q.completedCount)).Milliseconds()
	}

	return Stats{
		ByStatus:          byStatus,
		QueueDepth:        byStatus[StatusPending],
		AvgTurnaroundMS:   avg,
		CompletedLifetime: q.completedCount,
	}
}

// Stop rejects new submissions, cancels in-flight work, and waits for the
// workers to exit.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()

		q.cancel()
		close(q.pending)
		q.wg.Wait()
		q.log.Infof("queue: stopped")
	})
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.runCtx.Done():
			return
		case id, ok := <-q.pending:
			if !ok {
				return
			}
			q.process(n, id)
		}
	}
}

func (q *Queue) process(worker int, id string) {
	q.mu.Lock()
	req, ok := q.byID[id]
	if !ok || req.Status != StatusPending {
		// Evicted or already terminal; nothing to do.
		q.mu.Unlock()
		return
	}
	now := time.Now()
	req.Status = StatusProcessing
	req.StartedAt = &now
	req.QueuePosition = nil
	q.recomputePositionsLocked()
	videoURL, title := req.VideoURL, req.Title
	q.mu.Unlock()

	q.log.Infof("queue: worker %d picked up %s (%s)", worker, id, videoURL)

	jctx, cancel := context.WithTimeout(q.runCtx, q.opts.JobTimeout)
	summary, err := q.summarizer.Summarize(jctx, videoURL, title)
	cancel()

	q.mu.Lock()
	done := time.Now()
	req.CompletedAt = &done
	delete(q.activeByURL, videoURL)

	if err != nil {
		req.Status = StatusFailed
		if core.IsTimeout(err) || errors.Is(jctx.Err(), context.DeadlineExceeded) {
			req.Error = fmt.Sprintf("timed out after %s: %v", q.opts.JobTimeout, err)
		} else {
			req.Error = err.Error()
		}
		q.log.Errorf("queue: request %s failed: %s", id, req.Error)
	} else {
		req.Status = StatusCompleted
		req.Summary = summary
		q.completedByURL[videoURL] = id
		q.totalTurnaround += done.Sub(req.SubmittedAt)
		q.completedCount++
		q.log.Infof("queue: request %s completed in %s", id, done.Sub(req.SubmittedAt).Round(time.Millisecond))
	}
	q.recomputePositionsLocked()
	q.evictLocked()
	q.mu.Unlock()

	if err == nil && q.archive != nil {
		// Persistence is best effort; the in-memory result already stands.
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		if serr := q.archive.Save(sctx, store.Summary{
			VideoURL: videoURL,
			Title:    title,
			Summary:  summary,
			Model:    q.opts.Model,
		}); serr != nil {
			q.log.Warnf("queue: failed to persist summary for %s: %v", videoURL, serr)
		}
		scancel()
	}
}

// recomputePositionsLocked reassigns every PENDING request its rank among
// active requests ahead of it in submission order. Positions are advisory.
func (q *Queue) recomputePositionsLocked() {
	ahead := 0
	for _, id := range q.order {
		req := q.byID[id]
		if req == nil || req.Status.Terminal() {
			continue
		}
		if req.Status == StatusPending {
			pos := ahead
			req.QueuePosition = &pos
		}
		ahead++
	}
}

// evictLocked drops terminal requests past the retention age, then the
// oldest terminal ones beyond the retention count. Active requests are
// never evicted.
func (q *Queue) evictLocked() {
	cutoff := time.Time{}
	if q.opts.RetentionAge > 0 {
		cutoff = time.Now().Add(-q.opts.RetentionAge)
	}

	terminal := 0
	for _, id := range q.order {
		if req := q.byID[id]; req != nil && req.Status.Terminal() {
			terminal++
		}
	}

	keep := q.order[:0]
	for _, id := range q.order {
		req := q.byID[id]
		if req == nil {
			continue
		}
		evict := false
		if req.Status.Terminal() {
			if !cutoff.IsZero() && req.CompletedAt != nil && req.CompletedAt.Before(cutoff) {
				evict = true
			} else if terminal > q.opts.RetentionMax {
				// Oldest-first: order is submission order.
				evict = true
			}
		}
		if evict {
			terminal--
			delete(q.byID, id)
			if q.completedByURL[req.VideoURL] == id {
				delete(q.completedByURL, req.VideoURL)
			}
			continue
		}
		keep = append(keep, id)
	}
	q.order = keep
}

func (q *Queue) checkAllowed(videoURL string) error {
	if len(q.globs) == 0 {
		return nil
	}
	for _, g := range q.globs {
		if g.Match(videoURL) {
			return nil
		}
	}
	return fmt.Errorf("video url %q does not match any allowed pattern", videoURL)
}

// snapshotLocked copies a request so callers never alias queue internals.
func (q *Queue) snapshotLocked(req *Request) Request {
	snap := *req
	if req.QueuePosition != nil {
		pos := *req.QueuePosition
		snap.QueuePosition = &pos
	}
	if req.StartedAt != nil {
		t := *req.StartedAt
		snap.StartedAt = &t
	}
	if req.CompletedAt != nil {
		t := *req.CompletedAt
		snap.CompletedAt = &t
	}
	return snap
}
