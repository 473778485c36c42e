package core

import "time"

// VideoRecord is one row extracted from a feed listing.
type VideoRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Channel   string `json:"channel"`
	Duration  string `json:"duration,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	URL       string `json:"url"`
	Published string `json:"published,omitempty"`
}

// Listing is the result of a listing request: the records plus the cache
// metadata callers need to interpret them.
type Listing struct {
	Tab       string        `json:"tab"`
	Page      int           `json:"page"`
	Videos    []VideoRecord `json:"videos"`
	FetchedAt time.Time     `json:"fetched_at"`
	Stale     bool          `json:"stale"`
	FromCache bool          `json:"from_cache"`
}
