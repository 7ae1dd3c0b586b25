// Package search indexes job events and answers queries over them, preferring
// Meilisearch and falling back to Postgres full-text search.
package search

// Query is one job-event search request.
type Query struct {
	Text           string
	Limit          int
	Offset         int
	FilterCategory string
}

// Result is a single job-event hit.
type Result struct {
	ID         string `json:"id"`
	Category   string `json:"category"`
	ProjectKey string `json:"projectKey"`
	TaskKey    string `json:"taskKey"`
	State      string `json:"state"`
	Message    string `json:"message"`
	Snippet    string `json:"snippet,omitempty"`
}

// Response is what the search endpoint returns.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// EventRecord is the indexable form of a job event.
type EventRecord struct {
	ID         string `json:"id"`
	Category   string `json:"category"`
	ProjectKey string `json:"projectKey"`
	TaskKey    string `json:"taskKey"`
	State      string `json:"state"`
	Message    string `json:"message"`
	CreatedAt  int64  `json:"createdAt"`
}
