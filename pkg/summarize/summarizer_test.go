package summarize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/logging"
)

func TestNewSummarizerRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	log, _ := logging.NewLogger("summarize-test")

	_, err := NewSummarizer("", "", nil, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}
