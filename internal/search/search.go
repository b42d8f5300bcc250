package search

// Result is a single template hit returned to the caller.
type Result struct {
	ID      int64  `json:"id"`
	Key     string `json:"key"`
	Name    string `json:"name"`
	Snippet string `json:"snippet"`
	Owner   string `json:"owner"`
}

// Query describes a search request. Results are always scoped to one owner.
type Query struct {
	Text    string
	OwnerID int64
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a template search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// TemplateRecord is the data we index for a template.
type TemplateRecord struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	Name    string `json:"name"`
	KeyName string `json:"keyName"`
	Owner   string `json:"owner"`
	OwnerID int64  `json:"ownerId"`
}
