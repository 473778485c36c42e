package scraper

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/sandroalmeida/youtube-summarizer-sub001/pkg/core"
)

// parseListingRow turns the inner HTML of one feed row into a VideoRecord.
// Returns false when the fragment has no watch link (ads, shelf headers).
func parseListingRow(fragment string) (core.VideoRecord, bool) {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return core.VideoRecord{}, false
	}

	var rec core.VideoRecord
	var metaSpans []string

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "a":
				href := attr(n, "href")
				if rec.URL == "" && isWatchHref(href) {
					rec.URL = absoluteURL(href)
					rec.ID = videoIDFromHref(href)
					if title := attr(n, "title"); title != "" {
						rec.Title = title
					}
				}
				// Channel links carry the owner name in their text.
				if rec.Channel == "" && (strings.HasPrefix(href, "/@") || strings.HasPrefix(href, "/channel/")) {
					if text := nodeText(n); text != "" {
						rec.Channel = text
					}
				}
			case "img":
				if rec.Thumbnail == "" {
					if src := attr(n, "src"); strings.Contains(src, "i.ytimg.com") {
						rec.Thumbnail = src
					}
				}
			case "yt-formatted-string", "h3":
				if rec.Title == "" && strings.Contains(attr(n, "id"), "video-title") {
					rec.Title = nodeText(n)
				}
			case "span":
				id := attr(n, "id")
				class := attr(n, "class")
				switch {
				case strings.Contains(class, "badge-shape") || strings.Contains(id, "time-status"),
					strings.Contains(attr(n.Parent, "class"), "time-status"):
					if rec.Duration == "" {
						rec.Duration = nodeText(n)
					}
				case strings.Contains(id, "metadata") || strings.Contains(class, "inline-metadata-item"):
					if text := nodeText(n); text != "" {
						metaSpans = append(metaSpans, text)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	// The metadata line reads "<views> • <age>"; the age span is the one
	// ending in "ago" (or "Scheduled"/"Streamed" variants keep the raw text).
	for _, s := range metaSpans {
		if strings.HasSuffix(s, "ago") || strings.Contains(s, "Scheduled") {
			rec.Published = s
			break
		}
	}

	if rec.URL == "" {
		return core.VideoRecord{}, false
	}
	if rec.Title == "" {
		rec.Title = "(untitled)"
	}
	return rec, true
}

func isWatchHref(href string) bool {
	return strings.HasPrefix(href, "/watch?v=") ||
		strings.HasPrefix(href, "https://www.youtube.com/watch?v=")
}

func absoluteURL(href string) string {
	if strings.HasPrefix(href, "/") {
		return "https://www.youtube.com" + href
	}
	return href
}

// videoIDFromHref extracts the v= parameter without pulling in net/url for
// every row; hrefs here are YouTube-generated and well-formed.
func videoIDFromHref(href string) string {
	idx := strings.Index(href, "v=")
	if idx < 0 {
		return ""
	}
	id := href[idx+2:]
	if amp := strings.IndexAny(id, "&#"); amp >= 0 {
		id = id[:amp]
	}
	return id
}

func attr(n *html.Node, name string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}
