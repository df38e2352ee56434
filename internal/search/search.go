// Package search indexes procedures and their recommendation items.
// Meilisearch serves queries while it is healthy; PostgreSQL full-text
// search over the procedures table is the fallback.
package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultProcedure      ResultType = "procedure"
	ResultRecommendation ResultType = "recommendation"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type          ResultType `json:"type"`
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Snippet       string     `json:"snippet"`
	ProcedureID   string     `json:"procedureId"`
	EngagementID  string     `json:"engagementId"`
	ProcedureType string     `json:"procedureType,omitempty"`
	Section       string     `json:"section,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text                string
	FilterType          ResultType // empty = all types
	FilterEngagementID  string
	FilterProcedureType string
	Limit               int
	Offset              int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexProcedure(doc ProcedureRecord, recs []RecommendationRecord, stale []string) error
	DeleteProcedure(id string, recIDs []string) error
}

// Backend is a searchable index that also accepts writes.
type Backend interface {
	Searcher
	Indexer
}

// ProcedureRecord is the data we index for a procedure.
type ProcedureRecord struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	EngagementID  string `json:"engagementId"`
	ProcedureType string `json:"procedureType"`
	Status        string `json:"status"`
	Sections      string `json:"sections"`
	Body          string `json:"body"`
}

// RecommendationRecord is the data we index for one recommendation item.
type RecommendationRecord struct {
	ID            string `json:"id"`
	ProcedureID   string `json:"procedureId"`
	EngagementID  string `json:"engagementId"`
	ProcedureType string `json:"procedureType"`
	Section       string `json:"section"`
	Text          string `json:"text"`
	Checked       bool   `json:"checked"`
}
