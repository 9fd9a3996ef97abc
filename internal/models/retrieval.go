package models

// Retrieval result kinds.
const (
	RetrievalKindText  = "text"
	RetrievalKindImage = "image"
)

// RetrievalResult is one scored passage returned by the retrieval gateway.
// Results are produced per query and never persisted.
type RetrievalResult struct {
	Kind     string  `json:"type"`
	Title    string  `json:"title"`
	URL      string  `json:"url"`
	Snippet  string  `json:"snippet"`
	Score    float32 `json:"-"`
	MimeType string  `json:"mimeType,omitempty"`
}

// Chunk is an embedded passage of the knowledge corpus, written by the
// ingestion pipeline and searched by the retrieval gateway.
type Chunk struct {
	ID       string
	Source   string
	Title    string
	URL      string
	Kind     string
	MimeType string
	Content  string
}
