package search

// Product is a retrieval candidate. Ephemeral: produced per request and never
// persisted by the engine (the lead keeps its own "last shown" digest).
type Product struct {
	Ref         string  `json:"ref"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Size        string  `json:"size"`
	Price       float64 `json:"price"`
	MediaURL    string  `json:"media_url"`
	Similarity  float64 `json:"similarity"`
}

// Options tune one retrieval request.
type Options struct {
	MatchCount    int
	MinSimilarity float64
	// StrictCategory drops non-matching candidates entirely when the query
	// names a category and at least one candidate matches it.
	StrictCategory bool
}
