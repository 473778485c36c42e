// Package summarize turns summarization requests into tracked asynchronous
// jobs: an OpenAI-backed Summarizer capability and the request queue that
// schedules it against the shared browser resource.
package summarize

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pkoukk/tiktoken-go"

	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/core"
	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/logging"
)

const (
	// transcriptTokenBudget bounds how much transcript goes into the prompt.
	// Long videos easily exceed context windows; the opening of a talk
	// carries most of the summary signal anyway.
	transcriptTokenBudget = 24000

	systemPrompt = "You summarize YouTube videos from their transcripts. " +
		"Write a concise summary: two or three paragraphs covering the main " +
		"points, followed by a short bullet list of key takeaways. Do not " +
		"invent content that is not in the transcript."
)

// TranscriptFetcher is the scraper capability the summarizer reads through.
type TranscriptFetcher interface {
	FetchTranscript(ctx context.Context, videoURL string) (string, error)
}

// Summarizer produces a text summary for one video URL.
type Summarizer struct {
	client      openai.Client
	model       string
	transcripts TranscriptFetcher
	encoding    *tiktoken.Tiktoken
	log         *logging.Logger
}

// SummarizerOption configures NewSummarizer.
type SummarizerOption func(*Summarizer)

// WithModel overrides the default model.
func WithModel(model string) SummarizerOption {
	return func(s *Summarizer) {
		if model != "" {
			s.model = model
		}
	}
}

// NewSummarizer creates the OpenAI-backed summarizer. An empty apiKey falls
// back to OPENAI_API_KEY; an empty baseURL falls back to OPENAI_BASE_URL and
// then the public API.
func NewSummarizer(apiKey, baseURL string, transcripts TranscriptFetcher, log *logging.Logger, opts ...SummarizerOption) (*Summarizer, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (config openai_api_key or OPENAI_API_KEY)")
	}
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}

	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to load token encoding: %w", err)
	}

	s := &Summarizer{
		client:      openai.NewClient(reqOpts...),
		model:       "gpt-4o-mini",
		transcripts: transcripts,
		encoding:    encoding,
		log:         log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Model returns the configured model name.
func (s *Summarizer) Model() string { return s.model }

// Summarize fetches the video's transcript through the shared browser and
// asks the model for a summary. The caller bounds the whole call with ctx.
func (s *Summarizer) Summarize(ctx context.Context, videoURL, title string) (string, error) {
	transcript, err := s.transcripts.FetchTranscript(ctx, videoURL)
	if err != nil {
		if core.IsTimeout(err) {
			return "", fmt.Errorf("%w: transcript fetch for %s: %v", core.ErrTimeout, videoURL, err)
		}
		return "", fmt.Errorf("%w: transcript fetch for %s: %v", core.ErrSummarizeFailed, videoURL, err)
	}

	transcript, truncated := s.truncate(transcript, transcriptTokenBudget)
	if truncated {
		s.log.Warnf("transcript for %s truncated to %d tokens", videoURL, transcriptTokenBudget)
	}

	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "Video title: %s\n\n", title)
	}
	fmt.Fprintf(&b, "Video URL: %s\n\nTranscript:\n%s", videoURL, transcript)

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(b.String()),
		},
	})
	if err != nil {
		if core.IsTimeout(err) {
			return "", fmt.Errorf("%w: completion for %s: %v", core.ErrTimeout, videoURL, err)
		}
		return "", fmt.Errorf("%w: completion for %s: %v", core.ErrSummarizeFailed, videoURL, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: model returned empty summary for %s", core.ErrSummarizeFailed, videoURL)
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// truncate cuts text to at most budget tokens.
func (s *Summarizer) truncate(text string, budget int) (string, bool) {
	tokens := s.encoding.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text, false
	}
	return s.encoding.Decode(tokens[:budget]), true
}
