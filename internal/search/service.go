package search

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Service is the facade that tries the primary backend first and falls back
// to PostgreSQL full-text search.
type Service struct {
	primary  Backend
	fallback Searcher
	logger   zerolog.Logger

	mu      sync.Mutex
	indexed map[string][]string
	wg      sync.WaitGroup
}

// NewService creates a search service. primary may be nil when Meilisearch
// is not configured; fallback may be nil when there is no database.
func NewService(primary Backend, fallback Searcher, logger zerolog.Logger) *Service {
	return &Service{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With().Str("component", "search").Logger(),
		indexed:  make(map[string][]string),
	}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		s.logger.Warn().Err(err).Msg("primary search failed, falling back to pgfts")
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Backend: "none"}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error().Err(err).Msg("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: "pgfts"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "pgfts"}
}

// Index pushes a procedure to the primary backend in the background.
// Recommendation documents indexed for it earlier and now gone are removed.
func (s *Service) Index(doc ProcedureRecord, recs []RecommendationRecord) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	ids := make([]string, len(recs))
	current := make(map[string]struct{}, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
		current[rec.ID] = struct{}{}
	}

	s.mu.Lock()
	var stale []string
	for _, id := range s.indexed[doc.ID] {
		if _, ok := current[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.indexed[doc.ID] = ids
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.primary.IndexProcedure(doc, recs, stale); err != nil {
			s.logger.Warn().Err(err).Str("procedure_id", doc.ID).Msg("index procedure")
		}
	}()
}

// Delete removes a procedure and its recommendations in the background.
func (s *Service) Delete(procedureID string) {
	s.mu.Lock()
	recIDs := s.indexed[procedureID]
	delete(s.indexed, procedureID)
	s.mu.Unlock()

	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.primary.DeleteProcedure(procedureID, recIDs); err != nil {
			s.logger.Warn().Err(err).Str("procedure_id", procedureID).Msg("delete procedure from index")
		}
	}()
}

// Wait blocks until background index writes have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
