package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const (
	idxProcedures      = "auditdesk_procedures"
	idxRecommendations = "auditdesk_recommendations"
)

// Meili implements Backend via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  zerolog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server is not an error: the client reports unhealthy until the
// background monitor sees it come up.
func NewMeili(url, apiKey string, logger zerolog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		logger: logger.With().Str("component", "meilisearch").Logger(),
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		m.logger.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxProcedures,
			filterable: []string{"engagementId", "procedureType", "status"},
			searchable: []string{"title", "sections", "body"},
		},
		{
			uid:        idxRecommendations,
			filterable: []string{"engagementId", "procedureType", "procedureId", "section", "checked"},
			searchable: []string{"text", "section"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			m.logger.Debug().Err(err).Str("index", idx.uid).Msg("create index (may already exist)")
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.logger.Warn().Err(err).Str("index", idx.uid).Msg("update filterable attributes")
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.logger.Warn().Err(err).Str("index", idx.uid).Msg("update searchable attributes")
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info().Msg("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries both indexes (or one, when filtered) and concatenates hits.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var filters []string
	if q.FilterEngagementID != "" {
		filters = append(filters, fmt.Sprintf("engagementId = %q", q.FilterEngagementID))
	}
	if q.FilterProcedureType != "" {
		filters = append(filters, fmt.Sprintf("procedureType = %q", q.FilterProcedureType))
	}

	var queries []*meili.SearchRequest
	for _, ti := range []struct {
		uid  string
		rtyp ResultType
	}{
		{idxProcedures, ResultProcedure},
		{idxRecommendations, ResultRecommendation},
	} {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			AttributesToCrop:      []string{"body"},
			CropLength:            30,
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}
		if len(filters) > 0 {
			sr.Filter = filters
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxProcedures:
		return ResultProcedure
	case idxRecommendations:
		return ResultRecommendation
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.EngagementID = decodeString(hit, "engagementId")
	r.ProcedureType = decodeString(hit, "procedureType")

	switch rtyp {
	case ResultProcedure:
		r.ProcedureID = r.ID
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "body"), decodeFormattedString(hit, "sections"), decodeString(hit, "sections"))
	case ResultRecommendation:
		r.ProcedureID = decodeString(hit, "procedureId")
		r.Section = decodeString(hit, "section")
		r.Title = r.Section
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "text"), decodeString(hit, "text"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexProcedure upserts the procedure and its recommendations and removes
// recommendation documents listed in stale.
func (m *Meili) IndexProcedure(doc ProcedureRecord, recs []RecommendationRecord, stale []string) error {
	if _, err := m.client.Index(idxProcedures).AddDocuments([]ProcedureRecord{doc}, nil); err != nil {
		return fmt.Errorf("index procedure %s: %w", doc.ID, err)
	}
	if len(recs) > 0 {
		if _, err := m.client.Index(idxRecommendations).AddDocuments(recs, nil); err != nil {
			return fmt.Errorf("index recommendations of %s: %w", doc.ID, err)
		}
	}
	for _, id := range stale {
		if _, err := m.client.Index(idxRecommendations).DeleteDocument(id, nil); err != nil {
			return fmt.Errorf("delete recommendation %s: %w", id, err)
		}
	}
	return nil
}

func (m *Meili) DeleteProcedure(id string, recIDs []string) error {
	if _, err := m.client.Index(idxProcedures).DeleteDocument(id, nil); err != nil {
		return fmt.Errorf("delete procedure %s: %w", id, err)
	}
	for _, recID := range recIDs {
		if _, err := m.client.Index(idxRecommendations).DeleteDocument(recID, nil); err != nil {
			return fmt.Errorf("delete recommendation %s: %w", recID, err)
		}
	}
	return nil
}
