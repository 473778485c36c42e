package scraper

import (
	"fmt"
	"sort"
)

// feedURLs maps the tab identifiers the API accepts to YouTube feed URLs.
var feedURLs = map[string]string{
	"home":          "https://www.youtube.com/",
	"subscriptions": "https://www.youtube.com/feed/subscriptions",
	"trending":      "https://www.youtube.com/feed/trending",
	"history":       "https://www.youtube.com/feed/history",
	"watch-later":   "https://www.youtube.com/playlist?list=WL",
}

// Tabs returns the supported tab identifiers, sorted.
func Tabs() []string {
	tabs := make([]string, 0, len(feedURLs))
	for tab := range feedURLs {
		tabs = append(tabs, tab)
	}
	sort.Strings(tabs)
	return tabs
}

// FeedURL resolves a tab identifier to its feed URL.
func FeedURL(tab string) (string, error) {
	url, ok := feedURLs[tab]
	if !ok {
		return "", fmt.Errorf("unknown tab %q (supported: %v)", tab, Tabs())
	}
	return url, nil
}
