// Package server exposes the listing cache, summary queue, and browser
// session state over a small JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/browser"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/core"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/listing"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/logging"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/scraper"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/summarize"
)

// ListingService is the cache surface the video endpoints consume.
type ListingService interface {
	Get(ctx context.Context, tab string, page int, forceRefresh bool) (core.Listing, error)
	InvalidateTab(ctx context.Context, tab string)
	InvalidateAll(ctx context.Context)
	Stats() listing.Stats
}

// SummaryService is the queue surface the summary endpoints consume.
type SummaryService interface {
	Submit(ctx context.Context, videoURL, title string) (summarize.Request, error)
	Status(requestID string) (summarize.Request, error)
	Stats() summarize.Stats
}

// SessionInfo reports browser session health for /healthz.
type SessionInfo interface {
	State() browser.State
	Endpoint() string
	LastVerified() time.Time
}

// Server is the HTTP facade. It owns no domain state.
type Server struct {
	listings  ListingService
	summaries SummaryService
	session   SessionInfo
	log       *logging.Logger
	httpd     *http.Server
}

func New(addr string, listings ListingService, summaries SummaryService, session SessionInfo, log *logging.Logger) *Server {
	s := &Server{
		listings:  listings,
		summaries: summaries,
		session:   session,
		log:       log,
	}
	s.httpd = &http.Server{
		Addr:              addr,
		Handler:           s.logged(s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/videos", s.handleVideos)
	mux.HandleFunc("POST /api/cache/invalidate", s.handleInvalidate)
	mux.HandleFunc("GET /api/cache/stats", s.handleCacheStats)
	mux.HandleFunc("POST /api/summaries", s.handleSubmitSummary)
	mux.HandleFunc("GET /api/summaries/stats", s.handleSummaryStats)
	mux.HandleFunc("GET /api/summaries/{id}", s.handleSummaryStatus)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Start blocks until the listener closes.
func (s *Server) Start() error {
	s.log.Infof("server: listening on %s", s.httpd.Addr)
	if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpd.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpd.Handler
}

func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	tab := q.Get("tab")
	if tab == "" {
		tab = "subscriptions"
	}
	if _, err := scraper.FeedURL(tab); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	page := 1
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, errors.New("page must be a positive integer"))
			return
		}
		page = n
	}
	refresh := q.Get("refresh") == "true" || q.Get("refresh") == "1"

	lst, err := s.listings.Get(r.Context(), tab, page, refresh)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, lst)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	tab := r.URL.Query().Get("tab")
	if tab != "" {
		if _, err := scraper.FeedURL(tab); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.listings.InvalidateTab(r.Context(), tab)
		s.writeJSON(w, http.StatusOK, map[string]string{"invalidated": tab})
		return
	}
	s.listings.InvalidateAll(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]string{"invalidated": "all"})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.listings.Stats())
}

type submitPayload struct {
	VideoURL string `json:"video_url"`
	Title    string `json:"title"`
}

func (s *Server) handleSubmitSummary(w http.ResponseWriter, r *http.Request) {
	var payload submitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}

	req, err := s.summaries.Submit(r.Context(), payload.VideoURL, payload.Title)
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			// Submission errors are caller mistakes unless taxonomy says
			// otherwise.
			code = http.StatusBadRequest
		}
		s.writeError(w, code, err)
		return
	}

	code := http.StatusAccepted
	if req.Status.Terminal() {
		code = http.StatusOK
	}
	s.writeJSON(w, code, req)
}

func (s *Server) handleSummaryStatus(w http.ResponseWriter, r *http.Request) {
	req, err := s.summaries.Status(r.PathValue("id"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleSummaryStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.summaries.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.session.State()
	body := map[string]any{
		"status":        "ok",
		"browser_state": state.String(),
		"cdp_endpoint":  s.session.Endpoint(),
	}
	if lv := s.session.LastVerified(); !lv.IsZero() {
		body["last_verified"] = lv.UTC().Format(time.RFC3339)
	}
	code := http.StatusOK
	if state == browser.StateFailed {
		body["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, body)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrConnectionUnavailable),
		errors.Is(err, core.ErrSessionEstablishFailed):
		return http.StatusServiceUnavailable
	case core.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrFetchFailed),
		errors.Is(err, core.ErrSummarizeFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error       string `json:"error"`
	Remediation string `json:"remediation,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	body := errorBody{Error: err.Error()}
	var connErr *core.ConnectionError
	if errors.As(err, &connErr) {
		body.Remediation = connErr.Remediation
	}
	s.writeJSON(w, code, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnf("server: failed to encode response: %v", err)
	}
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.log.Infof("server: %s %s -> %d (%s)", r.Method, r.URL.Path, rec.code, time.Since(start).Round(time.Millisecond))
	})
}
